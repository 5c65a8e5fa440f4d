package driver

import (
	"errors"

	"github.com/lorawan-server/lorawan-node/internal/mac"
)

// dispatch handles ev and every event it queues. It runs with d.mu held.
func (d *Driver) dispatch(ev mac.Event) {
	_ = d.process(ev)
	d.drain()
}

func (d *Driver) drain() {
	for len(d.queue) > 0 {
		ev := d.queue[0]
		d.queue = d.queue[1:]
		_ = d.process(ev)
	}
}

// process hands one event to the engine and interprets the outcome. The
// engine error is logged here and returned for callers that report it.
func (d *Driver) process(ev mac.Event) error {
	st := d.take()
	defer func() { d.store(st) }()

	if st.kind != StateConfigured {
		d.log.Info().Stringer("event", ev).Msg("not yet configured, event processing skipped")
		return nil
	}

	d.log.Trace().Stringer("event", ev).Msg("processing event")
	resp, err := st.engine.Handle(ev)
	if err != nil {
		d.logEngineError(ev, err)
	}
	d.interpret(st.engine, resp)
	return err
}

func (d *Driver) interpret(engine Engine, resp mac.Response) {
	switch resp.Kind {
	case mac.TimeoutRequest:
		if d.timer == nil {
			d.log.Warn().Dur("delay", resp.Delay).Msg("no timer, timeout request dropped")
			return
		}
		timer, delay, ev := d.timer, resp.Delay, mac.TimeoutFired(resp.Token)
		d.later(func() { timer.Schedule(delay, ev) })

	case mac.JoinSuccess:
		session, _ := engine.Session()
		d.log.Info().Str("devAddr", session.DevAddr.String()).Msg("join success")
		d.signalJoined()
		addr := session.DevAddr
		for _, l := range d.joinListeners {
			l := l
			d.later(func() { l.OnJoin(addr) })
		}

	case mac.ReadyToSend:
		d.log.Trace().Msg("ready to send")
		d.complete(sendResult{})

	case mac.DownlinkReceived:
		d.downlinkReceived(engine, resp.FCnt)

	case mac.NoAck:
		d.log.Info().Msg("no ACK received")
		d.complete(sendResult{err: ErrNoAck})

	case mac.NoJoinAccept:
		d.log.Info().Msg("no join accept received, retrying")
		d.queue = append(d.queue, mac.NewSessionRequest())

	case mac.SessionExpired:
		d.log.Info().Msg("session expired, rejoining")
		d.queue = append(d.queue, mac.NewSessionRequest())
		d.complete(sendResult{err: ErrSessionExpired})

	case mac.UplinkSending:
		d.log.Trace().Uint32("fCnt", resp.FCnt).Msg("uplink sending")

	case mac.JoinRequestSending:
		d.log.Trace().Msg("join request sending")
	}
}

func (d *Driver) downlinkReceived(engine Engine, fcnt uint32) {
	out := Downlink{FCnt: fcnt}

	frame := engine.TakeDownlink()
	if frame != nil {
		if frame.Port != nil && len(frame.Payload) > 0 {
			out.Port = *frame.Port
			out.Payload = frame.Payload
			d.log.Trace().
				Uint32("fCnt", fcnt).
				Uint8("port", out.Port).
				Hex("payload", out.Payload).
				Msg("downlink received")
		} else {
			d.log.Trace().Uint32("fCnt", fcnt).Msg("downlink received without payload")
		}

		if n := len(frame.MACCommands); n > 0 {
			d.log.Trace().Int("count", n).Msg("MAC commands received")
			for _, cmd := range frame.MACCommands {
				d.log.Trace().Str("command", cmd.Name()).Msg("MAC command")
			}
		}
	}

	for _, l := range d.listeners {
		l := l
		d.later(func() { l.OnDownlink(out) })
	}
	d.complete(sendResult{downlink: &out})
}

func (d *Driver) logEngineError(ev mac.Event, err error) {
	var (
		radioErr   *mac.RadioError
		sessionErr *mac.SessionError
		noSession  *mac.NoSessionError
	)
	switch {
	case errors.As(err, &radioErr):
		d.log.Error().Err(radioErr.Err).Stringer("event", ev).Msg("radio error")
	case errors.As(err, &sessionErr):
		d.log.Error().Err(sessionErr.Err).Stringer("event", ev).Msg("session error")
	case errors.As(err, &noSession):
		d.log.Error().Stringer("event", ev).Msg("no session")
	default:
		d.log.Error().Err(err).Stringer("event", ev).Msg("engine error")
	}
}
