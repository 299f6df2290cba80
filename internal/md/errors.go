package md

import "errors"

var (
	ErrTimeout  = errors.New("md: reply timeout")
	ErrCanceled = errors.New("md: call canceled")
	ErrClosed   = errors.New("md: closed")
	ErrPending  = errors.New("md: call still pending")
)
