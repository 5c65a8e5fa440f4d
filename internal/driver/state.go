package driver

import (
	"fmt"

	"github.com/lorawan-server/lorawan-node/internal/radio"
)

// StateKind is the lifecycle stage of a Driver
type StateKind uint8

const (
	// StateBound owns a radio but has no engine yet
	StateBound StateKind = iota
	// StateConfigured owns the engine, which owns the radio
	StateConfigured
)

func (k StateKind) String() string {
	switch k {
	case StateBound:
		return "Bound"
	case StateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("StateKind(%d)", uint8(k))
	}
}

type state struct {
	kind   StateKind
	radio  *radio.Radio
	engine Engine
}

// take removes the state for a transition. It runs with d.mu held and must
// be paired with store before the lock is released.
func (d *Driver) take() *state {
	st := d.state
	d.state = nil
	return st
}

func (d *Driver) store(st *state) {
	d.state = st
}
