package protocol

import (
	"errors"
	"fmt"
)

// Error roots. Every decode or encode failure wraps exactly one of them.
var (
	ErrFormat    = errors.New("protocol: format error")
	ErrIntegrity = errors.New("protocol: integrity error")
	ErrLimit     = errors.New("protocol: size limit exceeded")
)

var (
	ErrShortHeader        = fmt.Errorf("%w: buffer shorter than header", ErrFormat)
	ErrShortPacket        = fmt.Errorf("%w: buffer shorter than header+dataset+fcs", ErrFormat)
	ErrUnknownMessageType = fmt.Errorf("%w: unknown message type", ErrFormat)
	ErrUnexpectedMDHeader = fmt.Errorf("%w: md extension on pd message type", ErrFormat)
	ErrHeaderFCS          = fmt.Errorf("%w: header fcs mismatch", ErrIntegrity)
	ErrPayloadFCS         = fmt.Errorf("%w: payload fcs mismatch", ErrIntegrity)
	ErrPDPayloadTooLarge  = fmt.Errorf("%w: pd payload too large", ErrLimit)
	ErrMDPayloadTooLarge  = fmt.Errorf("%w: md payload too large", ErrLimit)
	ErrURITooLong         = fmt.Errorf("%w: uri longer than %d bytes", ErrLimit, URISize)
)
