package pd

import "errors"

var ErrClosed = errors.New("pd: closed")
