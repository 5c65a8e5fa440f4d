package driver

type sendResult struct {
	downlink *Downlink
	err      error
}

// sendWaiter is completed once when the exchange started by SendRecv ends
type sendWaiter struct {
	done chan sendResult
}

func newSendWaiter() *sendWaiter {
	return &sendWaiter{done: make(chan sendResult, 1)}
}

// complete runs with d.mu held
func (d *Driver) complete(res sendResult) {
	w := d.waiter
	if w == nil {
		return
	}
	d.waiter = nil
	w.done <- res
}

// signalJoined runs with d.mu held
func (d *Driver) signalJoined() {
	select {
	case d.joined <- struct{}{}:
	default:
	}
}
