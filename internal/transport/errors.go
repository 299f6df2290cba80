package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

var (
	ErrTransport = errors.New("transport: socket error")
	ErrClosed    = errors.New("transport: closed")
)

func wrap(op string, err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
