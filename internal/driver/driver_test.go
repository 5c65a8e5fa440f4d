package driver_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/internal/mac"
	"github.com/lorawan-server/lorawan-node/internal/radio/radiotest"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

var (
	testDevEUI = lorawan.EUI64{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	testAppEUI = lorawan.EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0x00, 0x00, 0x01}
	testAppKey = lorawan.AppKey{0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6, 0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c}
)

func fullConfig() driver.Config {
	return driver.NewConfig().
		Band(lorawan.EU868).
		Mode(driver.ModeWAN).
		ConnectMode(driver.OTAA).
		DeviceEUI(testDevEUI).
		AppEUI(testAppEUI).
		AppKey(testAppKey)
}

// fakeEngine answers each event with the next scripted response for its kind
type fakeEngine struct {
	mu       sync.Mutex
	events   []mac.Event
	script   map[mac.EventKind][]scripted
	ready    bool
	session  *lorawan.DeviceSession
	downlink *mac.Downlink
	sent     chan struct{}
}

type scripted struct {
	resp mac.Response
	err  error
	// joined installs a session before answering
	joined bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		script: make(map[mac.EventKind][]scripted),
		ready:  true,
		sent:   make(chan struct{}, 8),
	}
}

func (f *fakeEngine) on(kind mac.EventKind, s ...scripted) *fakeEngine {
	f.script[kind] = append(f.script[kind], s...)
	return f
}

func (f *fakeEngine) Handle(ev mac.Event) (mac.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if ev.Kind == mac.EventSendData {
		f.sent <- struct{}{}
	}

	queue := f.script[ev.Kind]
	if len(queue) == 0 {
		return mac.Response{Kind: mac.NoUpdate}, nil
	}
	s := queue[0]
	f.script[ev.Kind] = queue[1:]
	if s.joined {
		f.session = &lorawan.DeviceSession{DevAddr: lorawan.DevAddr{0x26, 0x01, 0x02, 0x03}}
	}
	return s.resp, s.err
}

func (f *fakeEngine) ReadyToSend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready && f.session != nil
}

func (f *fakeEngine) TakeDownlink() *mac.Downlink {
	f.mu.Lock()
	defer f.mu.Unlock()
	dl := f.downlink
	f.downlink = nil
	return dl
}

func (f *fakeEngine) Session() (lorawan.DeviceSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return lorawan.DeviceSession{}, false
	}
	return *f.session, true
}

func (f *fakeEngine) kinds() []mac.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mac.EventKind, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Kind
	}
	return out
}

// manualTimer records scheduled events until fired by the test
type manualTimer struct {
	mu      sync.Mutex
	pending []scheduled
}

type scheduled struct {
	delay time.Duration
	ev    mac.Event
}

func (m *manualTimer) Schedule(d time.Duration, ev mac.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, scheduled{delay: d, ev: ev})
}

func (m *manualTimer) next() (scheduled, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return scheduled{}, false
	}
	s := m.pending[0]
	m.pending = m.pending[1:]
	return s, true
}

func (m *manualTimer) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

type factoryCall struct {
	region *lorawan.RegionConfiguration
	creds  mac.Credentials
	log    zerolog.Logger
}

func newDriver(t *testing.T, engine driver.Engine, opts ...driver.Option) (*driver.Driver, *[]factoryCall) {
	t.Helper()
	calls := &[]factoryCall{}
	factory := func(region *lorawan.RegionConfiguration, r mac.Radio, creds mac.Credentials, rnd func() uint32, log zerolog.Logger) driver.Engine {
		*calls = append(*calls, factoryCall{region: region, creds: creds, log: log})
		return engine
	}

	chip := radiotest.NewChip()
	opts = append([]driver.Option{driver.WithEngineFactory(factory), driver.WithTimer(&manualTimer{})}, opts...)
	d, err := driver.New(chip, &chip.CS, &chip.Reset, chip, func() uint32 { return 4 }, opts...)
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, calls
}

func configured(t *testing.T, engine driver.Engine, opts ...driver.Option) *driver.Driver {
	t.Helper()
	d, _ := newDriver(t, engine, opts...)
	if err := d.Configure(context.Background(), fullConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return d
}

func TestNewFailsOnUnknownChip(t *testing.T) {
	chip := radiotest.NewChip()
	chip.SetVersion(0x00)
	_, err := driver.New(chip, &chip.CS, &chip.Reset, chip, func() uint32 { return 0 })
	if !errors.Is(err, driver.ErrOther) {
		t.Fatalf("err = %v, want ErrOther", err)
	}
}

func TestConfigure(t *testing.T) {
	tests := []struct {
		name string
		cfg  driver.Config
		want error
	}{
		{name: "empty", cfg: driver.NewConfig(), want: driver.ErrNotInitialized},
		{name: "no key", cfg: driver.NewConfig().DeviceEUI(testDevEUI).AppEUI(testAppEUI), want: driver.ErrNotInitialized},
		{name: "no app EUI", cfg: driver.NewConfig().DeviceEUI(testDevEUI).AppKey(testAppKey), want: driver.ErrNotInitialized},
		{name: "no device EUI", cfg: driver.NewConfig().AppEUI(testAppEUI).AppKey(testAppKey), want: driver.ErrNotInitialized},
		{name: "complete", cfg: fullConfig()},
		{name: "band defaults", cfg: driver.NewConfig().DeviceEUI(testDevEUI).AppEUI(testAppEUI).AppKey(testAppKey)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, calls := newDriver(t, newFakeEngine())
			err := d.Configure(context.Background(), tt.cfg)
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Fatalf("err = %v, want %v", err, tt.want)
				}
				if d.State().State != driver.StateBound {
					t.Fatalf("state = %s after failed configure", d.State().State)
				}
				if len(*calls) != 0 {
					t.Fatal("engine built from an incomplete configuration")
				}
				return
			}

			if err != nil {
				t.Fatalf("Configure: %v", err)
			}
			if d.State().State != driver.StateConfigured {
				t.Fatalf("state = %s, want Configured", d.State().State)
			}
			call := (*calls)[0]
			if call.region.Name != "EU868" {
				t.Errorf("region = %s, want EU868", call.region.Name)
			}
			if call.creds.DevEUI != testDevEUI.Reverse() || call.creds.AppEUI != testAppEUI.Reverse() {
				t.Errorf("EUIs not converted to over the air order: %+v", call.creds)
			}
			if call.creds.AppKey != testAppKey {
				t.Error("app key altered")
			}
		})
	}
}

func TestConfigurePassesLoggerToEngine(t *testing.T) {
	var buf bytes.Buffer
	d, calls := newDriver(t, newFakeEngine(), driver.WithLogger(zerolog.New(&buf)))
	if err := d.Configure(context.Background(), fullConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("factory called %d times, want 1", len(*calls))
	}

	buf.Reset()
	(*calls)[0].log.Info().Msg("from engine")
	if !strings.Contains(buf.String(), `"component":"mac"`) || !strings.Contains(buf.String(), "from engine") {
		t.Fatalf("engine log went to %q", buf.String())
	}
}

func TestConfigureTwiceKeepsEngine(t *testing.T) {
	engine := newFakeEngine()
	d, calls := newDriver(t, engine)
	ctx := context.Background()

	if err := d.Configure(ctx, fullConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	err := d.Configure(ctx, fullConfig().Band(lorawan.US915))
	if !errors.Is(err, driver.ErrOther) {
		t.Fatalf("second Configure err = %v, want ErrOther", err)
	}
	if len(*calls) != 1 {
		t.Errorf("engine built %d times, want 1", len(*calls))
	}
	if len(engine.kinds()) != 0 {
		t.Errorf("engine saw events %v", engine.kinds())
	}
	if d.State().State != driver.StateConfigured {
		t.Errorf("state = %s, want Configured", d.State().State)
	}
}

func TestEventsBeforeConfigureAreSkipped(t *testing.T) {
	timer := &manualTimer{}
	d, _ := newDriver(t, newFakeEngine(), driver.WithTimer(timer))

	d.HandleInterrupt(context.Background())
	d.Notify(mac.TimeoutFired(1))

	if d.State().State != driver.StateBound {
		t.Fatalf("state = %s, want Bound", d.State().State)
	}
	if timer.len() != 0 {
		t.Error("timer scheduled while unconfigured")
	}
}

func TestJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("unconfigured", func(t *testing.T) {
		d, _ := newDriver(t, newFakeEngine())
		if err := d.Join(ctx, driver.OTAA); !errors.Is(err, driver.ErrNotInitialized) {
			t.Fatalf("err = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("ABP", func(t *testing.T) {
		engine := newFakeEngine()
		d := configured(t, engine)
		if err := d.Join(ctx, driver.ABP); !errors.Is(err, driver.ErrNotImplemented) {
			t.Fatalf("err = %v, want ErrNotImplemented", err)
		}
		if len(engine.kinds()) != 0 {
			t.Errorf("engine saw events %v", engine.kinds())
		}
	})

	t.Run("OTAA", func(t *testing.T) {
		engine := newFakeEngine().on(mac.EventNewSession, scripted{resp: mac.Response{Kind: mac.JoinRequestSending}})
		d := configured(t, engine)
		if err := d.Join(ctx, driver.OTAA); err != nil {
			t.Fatalf("Join: %v", err)
		}
		if got := engine.kinds(); len(got) != 1 || got[0] != mac.EventNewSession {
			t.Fatalf("engine events = %v, want [NewSessionRequest]", got)
		}
	})
}

func TestNoJoinAcceptRequeuesOneJoin(t *testing.T) {
	engine := newFakeEngine().
		on(mac.EventNewSession,
			scripted{resp: mac.Response{Kind: mac.JoinRequestSending}},
			scripted{resp: mac.Response{Kind: mac.JoinRequestSending}}).
		on(mac.EventTimeout, scripted{resp: mac.Response{Kind: mac.NoJoinAccept}})
	d := configured(t, engine)

	if err := d.Join(context.Background(), driver.OTAA); err != nil {
		t.Fatalf("Join: %v", err)
	}
	d.Notify(mac.TimeoutFired(1))

	want := []mac.EventKind{mac.EventNewSession, mac.EventTimeout, mac.EventNewSession}
	got := engine.kinds()
	if len(got) != len(want) {
		t.Fatalf("engine events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("engine events = %v, want %v", got, want)
		}
	}
}

func TestSessionExpiredRequeuesJoin(t *testing.T) {
	engine := joinedEngine().on(mac.EventSendData, scripted{resp: mac.Response{Kind: mac.SessionExpired}})
	d := configured(t, engine)

	if err := d.Send(context.Background(), driver.Unconfirmed, 1, []byte{1}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := []mac.EventKind{mac.EventSendData, mac.EventNewSession}
	got := engine.kinds()
	if len(got) != len(want) {
		t.Fatalf("engine events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("engine events = %v, want %v", got, want)
		}
	}
}

func TestTimeoutRequestIsScheduled(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "plain"},
		{name: "with radio error", err: &mac.RadioError{Err: radiotest.ErrBusFault}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer := &manualTimer{}
			engine := newFakeEngine().on(mac.EventRadio, scripted{
				resp: mac.Response{Kind: mac.TimeoutRequest, Delay: 5 * time.Second, Token: 9},
				err:  tt.err,
			})
			d := configured(t, engine, driver.WithTimer(timer))

			d.HandleInterrupt(context.Background())

			s, ok := timer.next()
			if !ok {
				t.Fatal("nothing scheduled")
			}
			if s.delay != 5*time.Second || s.ev.Kind != mac.EventTimeout || s.ev.Token != 9 {
				t.Errorf("scheduled %s after %s", s.ev, s.delay)
			}
		})
	}
}

func TestTimeoutRequestWithoutTimer(t *testing.T) {
	engine := newFakeEngine().on(mac.EventRadio, scripted{resp: mac.Response{Kind: mac.TimeoutRequest, Delay: time.Second}})
	d := configured(t, engine, driver.WithTimer(nil))

	d.HandleInterrupt(context.Background())
	if d.State().State != driver.StateConfigured {
		t.Fatal("driver lost its state")
	}
}

func TestDownlinkDelivery(t *testing.T) {
	port := uint8(10)
	tests := []struct {
		name  string
		frame *mac.Downlink
		want  driver.Downlink
	}{
		{
			name:  "payload",
			frame: &mac.Downlink{FCnt: 4, Port: &port, Payload: []byte{1, 2}},
			want:  driver.Downlink{FCnt: 4, Port: 10, Payload: []byte{1, 2}},
		},
		{
			name:  "MAC only",
			frame: &mac.Downlink{FCnt: 4, MACCommands: []lorawan.MACCommand{{CID: lorawan.DevStatusReq}}},
			want:  driver.Downlink{FCnt: 4},
		},
		{
			name: "payload and MAC commands",
			frame: &mac.Downlink{
				FCnt:        5,
				Port:        &port,
				Payload:     []byte{0xaa, 0xbb},
				MACCommands: []lorawan.MACCommand{{CID: lorawan.LinkCheckAns, Payload: []byte{7, 1}}},
			},
			want: driver.Downlink{FCnt: 5, Port: 10, Payload: []byte{0xaa, 0xbb}},
		},
		{
			name: "frame already taken",
			want: driver.Downlink{FCnt: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine().on(mac.EventRadio, scripted{resp: mac.Response{Kind: mac.DownlinkReceived, FCnt: tt.want.FCnt}})
			engine.downlink = tt.frame

			var got []driver.Downlink
			d := configured(t, engine, driver.WithDownlinkListener(driver.DownlinkListenerFunc(func(dl driver.Downlink) {
				got = append(got, dl)
			})))

			d.HandleInterrupt(context.Background())

			if len(got) != 1 {
				t.Fatalf("listener called %d times, want 1", len(got))
			}
			if got[0].FCnt != tt.want.FCnt || got[0].Port != tt.want.Port || !bytes.Equal(got[0].Payload, tt.want.Payload) {
				t.Errorf("downlink = %+v, want %+v", got[0], tt.want)
			}
		})
	}
}

func TestDownlinkListenersInOrder(t *testing.T) {
	engine := newFakeEngine().on(mac.EventRadio, scripted{resp: mac.Response{Kind: mac.DownlinkReceived, FCnt: 1}})

	var order []string
	listener := func(name string) driver.DownlinkListener {
		return driver.DownlinkListenerFunc(func(driver.Downlink) { order = append(order, name) })
	}
	d := configured(t, engine, driver.WithDownlinkListener(listener("first")), driver.WithDownlinkListener(listener("second")))

	d.HandleInterrupt(context.Background())

	if strings.Join(order, ",") != "first,second" {
		t.Fatalf("listeners called %v", order)
	}
}

type joinRecorder struct {
	d     *driver.Driver
	addrs []lorawan.DevAddr
	state driver.Status
}

func (j *joinRecorder) OnJoin(addr lorawan.DevAddr) {
	j.addrs = append(j.addrs, addr)
	// listeners run outside the lock
	j.state = j.d.State()
}

func TestJoinSuccess(t *testing.T) {
	engine := newFakeEngine().
		on(mac.EventNewSession, scripted{resp: mac.Response{Kind: mac.JoinRequestSending}}).
		on(mac.EventRadio, scripted{resp: mac.Response{Kind: mac.JoinSuccess}, joined: true})
	rec := &joinRecorder{}
	d := configured(t, engine, driver.WithJoinListener(rec))
	rec.d = d
	ctx := context.Background()

	if err := d.Join(ctx, driver.OTAA); err != nil {
		t.Fatalf("Join: %v", err)
	}
	d.HandleInterrupt(ctx)

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := d.AwaitJoin(ctx); err != nil {
		t.Fatalf("AwaitJoin: %v", err)
	}
	if len(rec.addrs) != 1 || rec.addrs[0] != (lorawan.DevAddr{0x26, 0x01, 0x02, 0x03}) {
		t.Errorf("join listener got %v", rec.addrs)
	}
	if !rec.state.Joined {
		t.Error("listener saw an unjoined driver")
	}
}

func TestAwaitJoinTimeout(t *testing.T) {
	d := configured(t, newFakeEngine())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := d.AwaitJoin(ctx); !errors.Is(err, driver.ErrRecvTimeout) {
		t.Fatalf("err = %v, want ErrRecvTimeout", err)
	}
}

func joinedEngine() *fakeEngine {
	e := newFakeEngine()
	e.session = &lorawan.DeviceSession{DevAddr: lorawan.DevAddr{0x26, 0x01, 0x02, 0x03}}
	return e
}

func TestSendErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unconfigured", func(t *testing.T) {
		d, _ := newDriver(t, newFakeEngine())
		if err := d.Send(ctx, driver.Unconfirmed, 1, []byte{1}); !errors.Is(err, driver.ErrNotInitialized) {
			t.Fatalf("err = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("not joined", func(t *testing.T) {
		d := configured(t, newFakeEngine())
		err := d.Send(ctx, driver.Unconfirmed, 1, []byte{1})
		var noSession *mac.NoSessionError
		if !errors.Is(err, driver.ErrSend) || !errors.As(err, &noSession) {
			t.Fatalf("err = %v, want ErrSend(no session)", err)
		}
	})

	t.Run("busy", func(t *testing.T) {
		engine := joinedEngine()
		engine.ready = false
		d := configured(t, engine)
		if err := d.Send(ctx, driver.Unconfirmed, 1, []byte{1}); !errors.Is(err, mac.ErrBusy) || !errors.Is(err, driver.ErrSend) {
			t.Fatalf("err = %v, want ErrSend(busy)", err)
		}
		if len(engine.kinds()) != 0 {
			t.Error("engine saw an uplink while busy")
		}
	})

	t.Run("engine rejects", func(t *testing.T) {
		engine := joinedEngine().on(mac.EventSendData, scripted{err: &mac.SessionError{Err: mac.ErrInvalidPort}})
		d := configured(t, engine)
		if err := d.Send(ctx, driver.Unconfirmed, 0, []byte{1}); !errors.Is(err, mac.ErrInvalidPort) || !errors.Is(err, driver.ErrSend) {
			t.Fatalf("err = %v, want ErrSend(invalid port)", err)
		}
	})
}

func TestSend(t *testing.T) {
	engine := joinedEngine().on(mac.EventSendData, scripted{resp: mac.Response{Kind: mac.UplinkSending}})
	d := configured(t, engine)

	if err := d.Send(context.Background(), driver.Confirmed, 2, []byte{1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	engine.mu.Lock()
	ev := engine.events[0]
	engine.mu.Unlock()
	if ev.Data.Port != 2 || !ev.Data.Confirmed {
		t.Errorf("engine got %s", ev)
	}
}

func TestSendRecv(t *testing.T) {
	port := uint8(5)
	tests := []struct {
		name    string
		outcome mac.ResponseKind
		frame   *mac.Downlink
		bufLen  int
		wantN   int
		wantErr error
	}{
		{name: "downlink", outcome: mac.DownlinkReceived, frame: &mac.Downlink{Port: &port, Payload: []byte("abc")}, bufLen: 8, wantN: 3},
		{name: "buffer too small", outcome: mac.DownlinkReceived, frame: &mac.Downlink{Port: &port, Payload: []byte("abc")}, bufLen: 2, wantErr: driver.ErrRecvBufferTooSmall},
		{name: "ack only", outcome: mac.DownlinkReceived, bufLen: 8},
		{name: "no downlink", outcome: mac.ReadyToSend, bufLen: 8},
		{name: "no ack", outcome: mac.NoAck, bufLen: 8, wantErr: driver.ErrNoAck},
		{name: "session expired", outcome: mac.SessionExpired, bufLen: 8, wantErr: driver.ErrSessionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := joinedEngine().
				on(mac.EventSendData, scripted{resp: mac.Response{Kind: mac.UplinkSending}}).
				on(mac.EventTimeout, scripted{resp: mac.Response{Kind: tt.outcome, FCnt: 1}})
			engine.downlink = tt.frame
			d := configured(t, engine)

			type result struct {
				n   int
				err error
			}
			done := make(chan result, 1)
			go func() {
				n, err := d.SendRecv(context.Background(), driver.Confirmed, 1, []byte{1}, make([]byte, tt.bufLen))
				done <- result{n, err}
			}()

			<-engine.sent
			d.Notify(mac.TimeoutFired(1))

			var res result
			select {
			case res = <-done:
			case <-time.After(time.Second):
				t.Fatal("SendRecv did not return")
			}
			if tt.wantErr != nil {
				if !errors.Is(res.err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", res.err, tt.wantErr)
				}
				return
			}
			if res.err != nil || res.n != tt.wantN {
				t.Fatalf("SendRecv = %d, %v; want %d", res.n, res.err, tt.wantN)
			}
		})
	}
}

func TestSendRecvContextDone(t *testing.T) {
	engine := joinedEngine().on(mac.EventSendData, scripted{resp: mac.Response{Kind: mac.UplinkSending}})
	d := configured(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.SendRecv(ctx, driver.Unconfirmed, 1, []byte{1}, make([]byte, 8))
	if !errors.Is(err, driver.ErrRecvTimeout) {
		t.Fatalf("err = %v, want ErrRecvTimeout", err)
	}
}

func TestReset(t *testing.T) {
	d := configured(t, newFakeEngine())
	for _, mode := range []driver.ResetMode{driver.ResetRestart, driver.ResetReload} {
		if err := d.Reset(context.Background(), mode); !errors.Is(err, driver.ErrNotImplemented) {
			t.Errorf("Reset(%d) = %v, want ErrNotImplemented", mode, err)
		}
	}
}

func TestCanceledContext(t *testing.T) {
	d, _ := newDriver(t, newFakeEngine())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Configure(ctx, fullConfig()); !errors.Is(err, driver.ErrOther) {
		t.Fatalf("Configure err = %v, want ErrOther", err)
	}
	if d.State().State != driver.StateBound {
		t.Fatal("canceled Configure changed state")
	}
}
