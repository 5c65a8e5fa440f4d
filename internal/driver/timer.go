package driver

import (
	"sync"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/mac"
)

// Timer delivers ev back to the driver after d. Schedule must not block.
type Timer interface {
	Schedule(d time.Duration, ev mac.Event)
}

// Notifier accepts events from collaborators
type Notifier interface {
	Notify(ev mac.Event)
}

// AfterFuncTimer schedules events with time.AfterFunc
type AfterFuncTimer struct {
	target Notifier

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	stopped bool
}

// NewAfterFuncTimer returns a timer that notifies target
func NewAfterFuncTimer(target Notifier) *AfterFuncTimer {
	return &AfterFuncTimer{
		target:  target,
		pending: make(map[*time.Timer]struct{}),
	}
}

// Schedule implements Timer
func (t *AfterFuncTimer) Schedule(d time.Duration, ev mac.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		t.mu.Lock()
		_, live := t.pending[tm]
		delete(t.pending, tm)
		t.mu.Unlock()
		if live {
			t.target.Notify(ev)
		}
	})
	t.pending[tm] = struct{}{}
}

// Stop cancels every pending event. Later calls to Schedule are ignored.
func (t *AfterFuncTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for tm := range t.pending {
		tm.Stop()
	}
	t.pending = make(map[*time.Timer]struct{})
}
