// Package mac implements the device side of LoRaWAN 1.0 class A: OTAA join,
// data uplinks and the two receive windows that follow every transmission.
//
// A Device never blocks and never starts timers. Waiting is expressed as a
// TimeoutRequest response; the owner schedules TimeoutFired with the same
// token after the requested delay and feeds radio interrupts back in as
// RadioEvent(radio.Interrupt()).
package mac

import (
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/radio"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Radio is the transceiver a Device drives
type Radio interface {
	Handle(ev radio.Event) (radio.Response, error)
}

// Credentials identify the device to the join server. The EUIs are in over
// the air (LSB first) order.
type Credentials struct {
	DevEUI lorawan.EUI64
	AppEUI lorawan.EUI64
	AppKey lorawan.AppKey
}

type phase uint8

const (
	phaseIdle phase = iota
	phaseJoin
	phaseData
)

type step uint8

const (
	stepNone step = iota
	stepTx
	stepWaitRx1
	stepRx1
	stepWaitRx2
	stepRx2
)

const (
	defaultTxPower = 14
	// rxWindowGuard closes RX2 when the chip never reports a timeout
	rxWindowGuard = 3 * time.Second
	maxFOptsLen   = 15
)

// Device is a class A end device
type Device struct {
	region *lorawan.RegionConfiguration
	radio  Radio
	creds  Credentials
	rnd    func() uint32

	session  *lorawan.DeviceSession
	rx2Freq  uint32
	phase    phase
	step     step
	token    uint32
	devNonce [2]byte
	channel  lorawan.Channel
	dr       int

	confirmed   bool
	ackDownlink bool
	answers     []lorawan.MACCommand
	downlink    *Downlink

	log zerolog.Logger
}

// Option configures a Device
type Option func(*Device)

// WithLogger sets the logger, the global zerolog logger by default
func WithLogger(l zerolog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// New returns an unjoined device. rnd seeds DevNonces and channel selection.
func New(region *lorawan.RegionConfiguration, r Radio, creds Credentials, rnd func() uint32, opts ...Option) *Device {
	d := &Device{
		region:  region,
		radio:   r,
		creds:   creds,
		rnd:     rnd,
		dr:      region.DefaultTxDR,
		rx2Freq: region.DefaultRX2Freq,
		log:     log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Session returns a copy of the active session
func (d *Device) Session() (lorawan.DeviceSession, bool) {
	if d.session == nil {
		return lorawan.DeviceSession{}, false
	}
	return *d.session, true
}

// ReadyToSend reports whether an uplink can be started now
func (d *Device) ReadyToSend() bool {
	return d.session != nil && d.step == stepNone
}

// TakeDownlink returns the last decoded downlink once
func (d *Device) TakeDownlink() *Downlink {
	dl := d.downlink
	d.downlink = nil
	return dl
}

// Handle advances the state machine by one event. When both a response and
// an error are returned the response must still be acted upon.
func (d *Device) Handle(ev Event) (Response, error) {
	switch ev.Kind {
	case EventNewSession:
		return d.join()
	case EventSendData:
		return d.send(ev.Data)
	case EventTimeout:
		return d.timeout(ev.Token)
	case EventRadio:
		return d.radioEvent(ev.Radio)
	default:
		return Response{Kind: NoUpdate}, nil
	}
}

func (d *Device) join() (Response, error) {
	if d.phase == phaseJoin {
		return Response{Kind: NoUpdate}, nil
	}

	n := d.rnd()
	d.devNonce = [2]byte{byte(n), byte(n >> 8)}

	jr := lorawan.JoinRequestPayload{
		JoinEUI:  d.creds.AppEUI,
		DevEUI:   d.creds.DevEUI,
		DevNonce: d.devNonce,
	}
	body, err := jr.MarshalBinary()
	if err != nil {
		return Response{Kind: NoUpdate}, &SessionError{Err: err}
	}

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0},
		MACPayload: body,
	}
	if err := phy.SetJoinRequestMIC(d.creds.AppKey); err != nil {
		return Response{Kind: NoUpdate}, &SessionError{Err: err}
	}
	frame, err := phy.MarshalBinary()
	if err != nil {
		return Response{Kind: NoUpdate}, &SessionError{Err: err}
	}

	d.session = nil
	d.downlink = nil
	d.answers = nil
	d.ackDownlink = false
	d.rx2Freq = d.region.DefaultRX2Freq
	d.dr = d.region.DefaultTxDR

	if err := d.transmit(frame); err != nil {
		d.phase = phaseIdle
		return Response{Kind: NoUpdate}, err
	}
	d.phase = phaseJoin

	d.log.Debug().
		Str("devEUI", d.creds.DevEUI.Reverse().String()).
		Hex("devNonce", d.devNonce[:]).
		Uint32("freq", d.channel.Frequency).
		Msg("join request sent")

	return Response{Kind: JoinRequestSending}, nil
}

func (d *Device) send(data SendData) (Response, error) {
	if d.session == nil {
		return Response{Kind: NoUpdate}, &NoSessionError{}
	}
	if d.step != stepNone {
		return Response{Kind: NoUpdate}, &SessionError{Err: ErrBusy}
	}
	if data.Port == 0 || data.Port > 223 {
		return Response{Kind: NoUpdate}, &SessionError{Err: ErrInvalidPort}
	}
	if d.session.FCntUp == math.MaxUint32 {
		d.session = nil
		d.phase = phaseIdle
		return Response{Kind: SessionExpired}, nil
	}

	fopts := d.encodeAnswers(d.answers)
	if len(data.Data)+len(fopts) > d.region.MaxPayloadSize(d.dr) {
		return Response{Kind: NoUpdate}, &SessionError{Err: ErrPayloadTooLarge}
	}

	fcnt := d.session.FCntUp
	enc, err := lorawan.EncryptFRMPayload(d.session.AppSKey, d.session.DevAddr, fcnt, true, data.Data)
	if err != nil {
		return Response{Kind: NoUpdate}, &SessionError{Err: err}
	}

	port := data.Port
	mp := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: d.session.DevAddr,
			FCtrl:   lorawan.FCtrl{ACK: d.ackDownlink},
			FCnt:    uint16(fcnt),
			FOpts:   fopts,
		},
		FPort:      &port,
		FRMPayload: enc,
	}
	body, err := mp.Marshal(true)
	if err != nil {
		return Response{Kind: NoUpdate}, &SessionError{Err: err}
	}

	mtype := lorawan.UnconfirmedDataUp
	if data.Confirmed {
		mtype = lorawan.ConfirmedDataUp
	}
	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: body,
	}
	if err := phy.SetUplinkDataMIC(fcnt, d.session.NwkSKey); err != nil {
		return Response{Kind: NoUpdate}, &SessionError{Err: err}
	}
	frame, err := phy.MarshalBinary()
	if err != nil {
		return Response{Kind: NoUpdate}, &SessionError{Err: err}
	}

	if err := d.transmit(frame); err != nil {
		return Response{Kind: NoUpdate}, err
	}

	d.session.FCntUp++
	d.phase = phaseData
	d.confirmed = data.Confirmed
	d.ackDownlink = false
	d.answers = nil

	return Response{Kind: UplinkSending, FCnt: fcnt}, nil
}

func (d *Device) transmit(frame []byte) error {
	channels := d.region.DefaultChannels
	d.channel = channels[int(d.rnd()%uint32(len(channels)))]

	rate := d.region.DataRate(d.dr)
	cfg := radio.TxConfig{
		Rf: radio.RfConfig{
			Frequency:       d.channel.Frequency,
			SpreadingFactor: rate.SpreadFactor,
			Bandwidth:       rate.Bandwidth,
		},
		PowerDBm: defaultTxPower,
	}
	if _, err := d.radio.Handle(radio.TxRequest(cfg, frame)); err != nil {
		d.step = stepNone
		return &RadioError{Err: err}
	}

	d.step = stepTx
	// outstanding timers belong to the previous exchange
	d.token++
	return nil
}

func (d *Device) radioEvent(ev radio.Event) (Response, error) {
	resp, err := d.radio.Handle(ev)
	if err != nil {
		if d.step == stepRx1 || d.step == stepRx2 {
			r, _ := d.windowClosed()
			return r, &RadioError{Err: err}
		}
		return Response{Kind: NoUpdate}, &RadioError{Err: err}
	}

	switch resp.Kind {
	case radio.TxDone:
		if d.step != stepTx {
			return Response{Kind: NoUpdate}, nil
		}
		d.step = stepWaitRx1
		return d.requestTimeout(d.rx1Delay()), nil

	case radio.RxDone:
		if d.step != stepRx1 && d.step != stepRx2 {
			return Response{Kind: NoUpdate}, nil
		}
		if r, ok := d.accept(resp); ok {
			return r, nil
		}
		return d.windowClosed()

	case radio.RxTimeout:
		if d.step != stepRx1 && d.step != stepRx2 {
			return Response{Kind: NoUpdate}, nil
		}
		return d.windowClosed()

	default:
		return Response{Kind: NoUpdate}, nil
	}
}

func (d *Device) timeout(token uint32) (Response, error) {
	if token != d.token {
		return Response{Kind: NoUpdate}, nil
	}

	switch d.step {
	case stepWaitRx1:
		next := d.requestTimeout(d.rx2Delay() - d.rx1Delay())
		if err := d.openWindow(d.rx1Config()); err != nil {
			d.step = stepWaitRx2
			return next, err
		}
		d.step = stepRx1
		return next, nil

	case stepRx1:
		// RX2 is due while RX1 is still listening
		if _, err := d.radio.Handle(radio.CancelRx()); err != nil {
			d.step = stepRx2
			return d.windowClosed()
		}
		return d.openRx2()

	case stepWaitRx2:
		return d.openRx2()

	case stepRx2:
		if _, err := d.radio.Handle(radio.CancelRx()); err != nil {
			r, _ := d.windowClosed()
			return r, &RadioError{Err: err}
		}
		return d.windowClosed()

	default:
		return Response{Kind: NoUpdate}, nil
	}
}

func (d *Device) openRx2() (Response, error) {
	d.step = stepRx2
	if err := d.openWindow(d.rx2Config()); err != nil {
		r, _ := d.windowClosed()
		return r, err
	}
	return d.requestTimeout(rxWindowGuard), nil
}

func (d *Device) openWindow(cfg radio.RfConfig) error {
	if _, err := d.radio.Handle(radio.RxRequest(cfg)); err != nil {
		return &RadioError{Err: err}
	}
	return nil
}

// windowClosed moves on after a receive window ended without a valid frame
func (d *Device) windowClosed() (Response, error) {
	switch d.step {
	case stepRx1:
		// the RX2 timer is already pending
		d.step = stepWaitRx2
		return Response{Kind: NoUpdate}, nil

	case stepRx2:
		d.step = stepNone
		switch d.phase {
		case phaseJoin:
			d.phase = phaseIdle
			return Response{Kind: NoJoinAccept}, nil
		case phaseData:
			d.phase = phaseIdle
			if d.confirmed {
				return Response{Kind: NoAck}, nil
			}
			return Response{Kind: ReadyToSend}, nil
		}
	}
	return Response{Kind: NoUpdate}, nil
}

func (d *Device) requestTimeout(delay time.Duration) Response {
	d.token++
	return Response{Kind: TimeoutRequest, Delay: delay, Token: d.token}
}

func (d *Device) accept(resp radio.Response) (Response, bool) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(resp.Payload); err != nil {
		d.log.Debug().Err(err).Msg("dropping undecodable frame")
		return Response{}, false
	}

	if d.phase == phaseJoin {
		return d.acceptJoin(&phy)
	}
	return d.acceptData(&phy, resp.Quality)
}

func (d *Device) acceptJoin(phy *lorawan.PHYPayload) (Response, bool) {
	if phy.MHDR.MType != lorawan.JoinAccept {
		return Response{}, false
	}
	if err := phy.DecryptJoinAcceptPayload(d.creds.AppKey); err != nil {
		d.log.Debug().Err(err).Msg("dropping join accept")
		return Response{}, false
	}
	if ok, err := phy.ValidateJoinAcceptMIC(d.creds.AppKey); err != nil || !ok {
		d.log.Debug().Msg("join accept MIC mismatch")
		return Response{}, false
	}

	var ja lorawan.JoinAcceptPayload
	if err := ja.UnmarshalBinary(phy.MACPayload); err != nil {
		d.log.Debug().Err(err).Msg("dropping join accept")
		return Response{}, false
	}

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(d.creds.AppKey, ja.JoinNonce, ja.NetID, d.devNonce)
	if err != nil {
		d.log.Error().Err(err).Msg("derive session keys")
		return Response{}, false
	}

	d.session = &lorawan.DeviceSession{
		DevAddr:     ja.DevAddr,
		NetID:       ja.NetID,
		NwkSKey:     nwkSKey,
		AppSKey:     appSKey,
		RX1DROffset: ja.DLSettings.RX1DROffset,
		RX2DR:       ja.DLSettings.RX2DataRate,
		RXDelay:     ja.RxDelay,
		CFList:      ja.CFList,
	}
	d.step = stepNone
	d.phase = phaseIdle

	return Response{Kind: JoinSuccess}, true
}

func (d *Device) acceptData(phy *lorawan.PHYPayload, q radio.RxQuality) (Response, bool) {
	if phy.MHDR.MType != lorawan.UnconfirmedDataDown && phy.MHDR.MType != lorawan.ConfirmedDataDown {
		return Response{}, false
	}

	var mp lorawan.MACPayload
	if err := mp.Unmarshal(phy.MACPayload, false); err != nil {
		return Response{}, false
	}
	if mp.FHDR.DevAddr != d.session.DevAddr {
		return Response{}, false
	}

	fcnt := lorawan.GetFullFCnt(d.session.FCntDown, mp.FHDR.FCnt)
	if fcnt < d.session.FCntDown {
		d.log.Debug().Uint32("fCnt", fcnt).Msg("dropping replayed downlink")
		return Response{}, false
	}
	if ok, err := phy.ValidateDownlinkDataMIC(fcnt, d.session.NwkSKey); err != nil || !ok {
		d.log.Debug().Uint32("fCnt", fcnt).Msg("downlink MIC mismatch")
		return Response{}, false
	}

	dl := &Downlink{FCnt: fcnt, Ack: mp.FHDR.FCtrl.ACK, Quality: q}
	commands := mp.FHDR.FOpts

	if mp.FPort != nil {
		port := *mp.FPort
		key := d.session.AppSKey
		if port == 0 {
			key = d.session.NwkSKey
		}
		plain, err := lorawan.EncryptFRMPayload(key, d.session.DevAddr, fcnt, false, mp.FRMPayload)
		if err != nil {
			return Response{}, false
		}
		if port == 0 {
			commands = plain
		} else {
			dl.Port = &port
			dl.Payload = plain
		}
	}

	cmds, err := lorawan.ParseMACCommands(false, commands)
	if err != nil {
		d.log.Warn().Err(err).Int("parsed", len(cmds)).Msg("truncated MAC commands")
	}
	dl.MACCommands = cmds

	d.answers = d.answerCommands(cmds, q)
	d.ackDownlink = phy.MHDR.MType == lorawan.ConfirmedDataDown
	d.session.FCntDown = fcnt + 1
	d.downlink = dl
	d.step = stepNone
	d.phase = phaseIdle

	return Response{Kind: DownlinkReceived, FCnt: fcnt}, true
}

func (d *Device) rx1Delay() time.Duration {
	if d.phase == phaseJoin {
		return d.region.JoinAcceptDelay1
	}
	if d.session != nil && d.session.RXDelay > 0 {
		return time.Duration(d.session.RXDelay) * time.Second
	}
	return d.region.ReceiveDelay1
}

func (d *Device) rx2Delay() time.Duration {
	if d.phase == phaseJoin {
		return d.region.JoinAcceptDelay2
	}
	return d.rx1Delay() + time.Second
}

func (d *Device) rx1Config() radio.RfConfig {
	var offset uint8
	if d.session != nil {
		offset = d.session.RX1DROffset
	}
	dr := d.region.GetRX1DataRate(uint8(d.dr), offset)
	rate := d.region.DataRate(int(dr))
	return radio.RfConfig{
		Frequency:       d.region.DownlinkFrequency(d.channel.Frequency),
		SpreadingFactor: rate.SpreadFactor,
		Bandwidth:       rate.Bandwidth,
	}
}

func (d *Device) rx2Config() radio.RfConfig {
	dr := d.region.DefaultRX2DR
	if d.session != nil {
		dr = int(d.session.RX2DR)
	}
	rate := d.region.DataRate(dr)
	return radio.RfConfig{
		Frequency:       d.rx2Freq,
		SpreadingFactor: rate.SpreadFactor,
		Bandwidth:       rate.Bandwidth,
	}
}
