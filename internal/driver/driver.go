// Package driver owns a LoRa radio and the LoRaWAN engine built on it and
// exposes them as a small modem API: configure, join, send and receive.
//
// All state changes happen under one lock. An input is handled completely,
// including any follow-up events it produces, before the call that delivered
// it returns. Collaborators (timer, listeners) are invoked after the lock is
// released, so they may call back into the Driver.
package driver

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lorawan-server/lorawan-node/internal/mac"
	"github.com/lorawan-server/lorawan-node/internal/radio"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Downlink is application data received from the network. Port and Payload
// are zero when the frame carried no application payload.
type Downlink struct {
	FCnt    uint32
	Port    uint8
	Payload []byte
}

// DownlinkListener receives every decoded downlink
type DownlinkListener interface {
	OnDownlink(dl Downlink)
}

// DownlinkListenerFunc adapts a function to DownlinkListener
type DownlinkListenerFunc func(dl Downlink)

// OnDownlink implements DownlinkListener
func (f DownlinkListenerFunc) OnDownlink(dl Downlink) { f(dl) }

// JoinListener is told about every successful join
type JoinListener interface {
	OnJoin(devAddr lorawan.DevAddr)
}

// Option configures a Driver
type Option func(*Driver)

// WithLogger sets the logger, zerolog.Nop by default
func WithLogger(l zerolog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// WithTimer replaces the default AfterFuncTimer. A nil timer disables
// scheduling; timeout requests are then logged and dropped.
func WithTimer(t Timer) Option {
	return func(d *Driver) {
		d.timer = t
		d.customTimer = true
	}
}

// WithDownlinkListener registers l for downlinks. Listeners are called in
// registration order.
func WithDownlinkListener(l DownlinkListener) Option {
	return func(d *Driver) { d.listeners = append(d.listeners, l) }
}

// WithJoinListener registers l for joins
func WithJoinListener(l JoinListener) Option {
	return func(d *Driver) { d.joinListeners = append(d.joinListeners, l) }
}

// WithEngineFactory replaces the LoRaWAN engine built by Configure
func WithEngineFactory(f EngineFactory) Option {
	return func(d *Driver) { d.factory = f }
}

// Driver is a LoRaWAN modem
type Driver struct {
	mu     sync.Mutex
	state  *state
	queue  []mac.Event
	outbox []func()
	waiter *sendWaiter
	joined chan struct{}

	rnd           func() uint32
	log           zerolog.Logger
	timer         Timer
	customTimer   bool
	listeners     []DownlinkListener
	joinListeners []JoinListener
	factory       EngineFactory
}

// New brings up the radio and returns a Driver in the Bound state. rnd
// supplies randomness for DevNonces and channel selection.
func New(bus radio.Bus, cs, reset radio.Pin, delay radio.Delay, rnd func() uint32, opts ...Option) (*Driver, error) {
	r, err := radio.New(bus, cs, reset, delay)
	if err != nil {
		return nil, newError("new", ErrOther, err)
	}

	d := &Driver{
		state:   &state{kind: StateBound, radio: r},
		joined:  make(chan struct{}, 1),
		rnd:     rnd,
		log:     zerolog.Nop(),
		factory: NewMACEngine,
	}
	for _, opt := range opts {
		opt(d)
	}
	if !d.customTimer {
		d.timer = NewAfterFuncTimer(d)
	}
	return d, nil
}

// Close cancels pending timeouts of the default timer
func (d *Driver) Close() error {
	if t, ok := d.timer.(*AfterFuncTimer); ok {
		t.Stop()
	}
	return nil
}

// Configure applies cfg and builds the engine. It fails with
// ErrNotInitialized when an identifier is missing and with ErrOther when the
// driver is already configured; in both cases the state is unchanged.
func (d *Driver) Configure(ctx context.Context, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return newError("configure", ErrOther, err)
	}

	var err error
	d.locked(func() {
		st := d.take()
		defer func() { d.store(st) }()

		if st.kind == StateConfigured {
			err = newError("configure", ErrOther, errAlreadyConfigured)
			return
		}

		creds, cerr := cfg.credentials()
		if cerr != nil {
			err = newError("configure", ErrNotInitialized, cerr)
			return
		}
		if cfg.OperatingMode() != ModeWAN {
			d.log.Warn().Stringer("mode", cfg.OperatingMode()).Msg("only WAN mode is supported, mode ignored")
		}

		region := cfg.Region()
		engine := d.factory(region.Profile(), st.radio, creds, d.rnd, d.log.With().Str("component", "mac").Logger())
		st = &state{kind: StateConfigured, engine: engine}

		d.log.Info().
			Stringer("band", region).
			Stringer("connectMode", cfg.Activation()).
			Msg("driver configured")
	})
	return err
}

// Join starts an over the air activation. It returns once the join request
// has been handed to the engine; use AwaitJoin to wait for the outcome.
func (d *Driver) Join(ctx context.Context, mode ConnectMode) error {
	if err := ctx.Err(); err != nil {
		return newError("join", ErrOther, err)
	}

	var err error
	d.locked(func() {
		if d.state.kind != StateConfigured {
			err = newError("join", ErrNotInitialized, nil)
			return
		}
		if mode == ABP {
			err = newError("join", ErrNotImplemented, nil)
			return
		}
		select {
		case <-d.joined:
		default:
		}
		d.dispatch(mac.NewSessionRequest())
	})
	return err
}

// AwaitJoin blocks until the device holds a session or ctx is done
func (d *Driver) AwaitJoin(ctx context.Context) error {
	for {
		var ok bool
		d.locked(func() {
			if d.state.kind == StateConfigured {
				_, ok = d.state.engine.Session()
			}
		})
		if ok {
			return nil
		}

		select {
		case <-d.joined:
		case <-ctx.Done():
			return newError("await join", ErrRecvTimeout, ctx.Err())
		}
	}
}

// Send transmits data on port and returns once the uplink is on its way
func (d *Driver) Send(ctx context.Context, qos QoS, port uint8, data []byte) error {
	if err := ctx.Err(); err != nil {
		return newError("send", ErrOther, err)
	}

	var err error
	d.locked(func() {
		err = d.startUplink("send", qos, port, data, nil)
	})
	return err
}

// SendRecv transmits data and waits for the end of the exchange. A downlink
// payload is copied into rx and its length returned; zero means the exchange
// finished without application data.
func (d *Driver) SendRecv(ctx context.Context, qos QoS, port uint8, data, rx []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, newError("send", ErrOther, err)
	}

	w := newSendWaiter()
	var err error
	d.locked(func() {
		err = d.startUplink("send", qos, port, data, w)
	})
	if err != nil {
		return 0, err
	}

	var res sendResult
	select {
	case res = <-w.done:
	case <-ctx.Done():
		d.locked(func() {
			if d.waiter == w {
				d.waiter = nil
			}
		})
		return 0, newError("receive", ErrRecvTimeout, ctx.Err())
	}

	if res.err != nil {
		return 0, newError("send", ErrSend, res.err)
	}
	if res.downlink == nil || len(res.downlink.Payload) == 0 {
		return 0, nil
	}
	if len(rx) < len(res.downlink.Payload) {
		return 0, newError("receive", ErrRecvBufferTooSmall, nil)
	}
	return copy(rx, res.downlink.Payload), nil
}

// startUplink runs with d.mu held
func (d *Driver) startUplink(op string, qos QoS, port uint8, data []byte, w *sendWaiter) error {
	if d.state.kind != StateConfigured {
		return newError(op, ErrNotInitialized, nil)
	}
	engine := d.state.engine
	if _, ok := engine.Session(); !ok {
		return newError(op, ErrSend, &mac.NoSessionError{})
	}
	if !engine.ReadyToSend() {
		return newError(op, ErrSend, mac.ErrBusy)
	}

	d.waiter = w
	err := d.process(mac.SendDataRequest(port, data, qos == Confirmed))
	d.drain()
	if err != nil {
		if d.waiter == w {
			d.waiter = nil
		}
		return newError(op, ErrSend, err)
	}
	return nil
}

// Reset is not supported
func (d *Driver) Reset(ctx context.Context, mode ResetMode) error {
	return newError("reset", ErrNotImplemented, nil)
}

// HandleInterrupt reports a DIO0 edge of the radio
func (d *Driver) HandleInterrupt(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.Notify(mac.RadioEvent(radio.Interrupt()))
}

// Notify processes ev. Notify implements Notifier for timers.
func (d *Driver) Notify(ev mac.Event) {
	d.locked(func() {
		d.dispatch(ev)
	})
}

// Status is a snapshot of the driver
type Status struct {
	State    StateKind
	Joined   bool
	Ready    bool
	DevAddr  lorawan.DevAddr
	FCntUp   uint32
	FCntDown uint32
}

// State returns a snapshot of the driver
func (d *Driver) State() Status {
	var s Status
	d.locked(func() {
		s.State = d.state.kind
		if d.state.kind != StateConfigured {
			return
		}
		session, ok := d.state.engine.Session()
		s.Joined = ok
		s.Ready = d.state.engine.ReadyToSend()
		s.DevAddr = session.DevAddr
		s.FCntUp = session.FCntUp
		s.FCntDown = session.FCntDown
	})
	return s
}

// locked runs fn under the lock, then runs the deferred collaborator calls
func (d *Driver) locked(fn func()) {
	d.mu.Lock()
	fn()
	out := d.outbox
	d.outbox = nil
	d.mu.Unlock()

	for _, f := range out {
		f()
	}
}

// later queues f to run once the lock is released
func (d *Driver) later(f func()) {
	d.outbox = append(d.outbox, f)
}
