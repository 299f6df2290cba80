package dataset

import (
	"errors"
	"fmt"

	"github.com/danmuck/trdp/internal/protocol"
)

var (
	ErrFieldNotFound     = errors.New("dataset: field not found")
	ErrFieldTypeMismatch = errors.New("dataset: field type mismatch")
	ErrUnknownType       = fmt.Errorf("%w: unknown dataset type", protocol.ErrFormat)
	ErrShortDataset      = fmt.Errorf("%w: dataset shorter than layout", protocol.ErrFormat)
	ErrTrailingBytes     = fmt.Errorf("%w: dataset longer than layout", protocol.ErrFormat)
)
