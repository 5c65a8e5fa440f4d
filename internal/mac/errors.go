package mac

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when an uplink is requested while the previous
	// exchange has not finished
	ErrBusy = errors.New("exchange in progress")
	// ErrPayloadTooLarge is returned when an uplink exceeds the region limit
	ErrPayloadTooLarge = errors.New("payload exceeds data rate limit")
	// ErrInvalidPort is returned for uplinks on port 0 or above 223
	ErrInvalidPort = errors.New("invalid FPort")
)

// RadioError reports a failure of the radio collaborator
type RadioError struct {
	Err error
}

func (e *RadioError) Error() string { return fmt.Sprintf("radio: %v", e.Err) }

func (e *RadioError) Unwrap() error { return e.Err }

// SessionError reports a failure while running a join or data exchange
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string { return fmt.Sprintf("session: %v", e.Err) }

func (e *SessionError) Unwrap() error { return e.Err }

// NoSessionError is returned when an uplink is requested before joining
type NoSessionError struct{}

func (e *NoSessionError) Error() string { return "no session" }
