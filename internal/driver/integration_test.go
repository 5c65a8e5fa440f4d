package driver_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/internal/network"
	"github.com/lorawan-server/lorawan-node/internal/radio/radiotest"
)

type node struct {
	t     *testing.T
	d     *driver.Driver
	chip  *radiotest.Chip
	sim   *network.Simulator
	timer *manualTimer
}

func newNode(t *testing.T, opts ...driver.Option) *node {
	t.Helper()
	chip := radiotest.NewChip()
	sim := network.NewSimulator(testAppKey, chip.QueueRx)
	chip.OnTransmit = sim.HandleFrame
	timer := &manualTimer{}

	var n uint32
	opts = append([]driver.Option{driver.WithTimer(timer)}, opts...)
	d, err := driver.New(chip, &chip.CS, &chip.Reset, chip, func() uint32 {
		n++
		return n
	}, opts...)
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	if err := d.Configure(context.Background(), fullConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return &node{t: t, d: d, chip: chip, sim: sim, timer: timer}
}

// run delivers interrupts and fires timers, as the hardware and the clock
// would, until done reports true
func (n *node) run(done func() bool) {
	n.t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)

	for !done() {
		if time.Now().After(deadline) {
			n.t.Fatal("exchange did not finish")
		}
		select {
		case <-n.chip.Interrupts():
			n.d.HandleInterrupt(ctx)
			continue
		default:
		}
		if s, ok := n.timer.next(); ok {
			n.d.Notify(s.ev)
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

func (n *node) join() {
	n.t.Helper()
	if err := n.d.Join(context.Background(), driver.OTAA); err != nil {
		n.t.Fatalf("Join: %v", err)
	}
	n.run(func() bool { return n.d.State().Joined })
}

func TestEndToEndJoinAndUplink(t *testing.T) {
	var got []driver.Downlink
	n := newNode(t, driver.WithDownlinkListener(driver.DownlinkListenerFunc(func(dl driver.Downlink) {
		got = append(got, dl)
	})))
	n.join()

	netSession, ok := n.sim.Session()
	if !ok || netSession.DevAddr != n.d.State().DevAddr {
		t.Fatalf("device address %s, network %s", n.d.State().DevAddr, netSession.DevAddr)
	}

	n.sim.QueueDownlink(network.Downlink{Port: 8, Payload: []byte("pong")})

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	rx := make([]byte, 16)
	go func() {
		c, err := n.d.SendRecv(context.Background(), driver.Confirmed, 3, []byte("ping"), rx)
		done <- result{c, err}
	}()

	var res result
	n.run(func() bool {
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	})
	if res.err != nil {
		t.Fatalf("SendRecv: %v", res.err)
	}
	if !bytes.Equal(rx[:res.n], []byte("pong")) {
		t.Errorf("received %q, want pong", rx[:res.n])
	}
	if len(got) != 1 || got[0].Port != 8 {
		t.Errorf("listener got %+v", got)
	}

	ups := n.sim.Uplinks()
	if len(ups) != 1 || !ups[0].Confirmed || !bytes.Equal(ups[0].Payload, []byte("ping")) {
		t.Errorf("network saw %+v", ups)
	}
	if st := n.d.State(); st.FCntUp != 1 || st.FCntDown != 1 || !st.Ready {
		t.Errorf("state after exchange = %+v", st)
	}
}

func TestEndToEndJoinRetry(t *testing.T) {
	n := newNode(t)
	n.sim.DropJoinRequests(2)
	n.join()

	if frames := len(n.chip.Transmitted()); frames != 3 {
		t.Errorf("sent %d join requests, want 3", frames)
	}
	if n.sim.Joins() != 1 {
		t.Errorf("network accepted %d joins, want 1", n.sim.Joins())
	}
}

func TestEndToEndNoAck(t *testing.T) {
	n := newNode(t)
	n.join()
	n.chip.OnTransmit = nil

	done := make(chan error, 1)
	go func() {
		_, err := n.d.SendRecv(context.Background(), driver.Confirmed, 1, []byte{1}, make([]byte, 4))
		done <- err
	}()

	var err error
	n.run(func() bool {
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	})
	if !errors.Is(err, driver.ErrSend) || !errors.Is(err, driver.ErrNoAck) {
		t.Fatalf("err = %v, want ErrSend(no ack)", err)
	}
}
