package driver

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Driver matches exactly one of them
// with errors.Is.
var (
	ErrSend               = errors.New("send error")
	ErrRecv               = errors.New("receive error")
	ErrRecvTimeout        = errors.New("receive timeout")
	ErrRecvBufferTooSmall = errors.New("receive buffer too small")
	ErrNotInitialized     = errors.New("not initialized")
	ErrNotImplemented     = errors.New("not implemented")
	ErrOther              = errors.New("other error")
)

var (
	// ErrNoAck is wrapped by ErrSend when a confirmed uplink got no ACK
	ErrNoAck = errors.New("no acknowledgement")
	// ErrSessionExpired is wrapped by ErrSend when the frame counter ran out
	ErrSessionExpired = errors.New("session expired")

	errAlreadyConfigured = errors.New("already configured")
)

// Error is an operation failure of a given kind
type Error struct {
	Kind error
	Op   string
	Err  error
}

func newError(op string, kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Is matches the error kind
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}
