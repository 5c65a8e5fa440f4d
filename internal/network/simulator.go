// Package network is a single device LoRaWAN 1.0 network and join server
// that answers frames over the air. It is attached to a simulated radio so
// the node can be exercised end to end without a gateway.
package network

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Downlink is application data queued for the device
type Downlink struct {
	Port      uint8
	Payload   []byte
	Confirmed bool
}

// Uplink is a decoded application uplink
type Uplink struct {
	FCnt        uint32
	Port        uint8
	Payload     []byte
	Confirmed   bool
	MACCommands []lorawan.MACCommand
}

// Option configures a Simulator
type Option func(*Simulator)

// WithDevAddr sets the address handed out in join accepts
func WithDevAddr(addr lorawan.DevAddr) Option {
	return func(s *Simulator) { s.devAddr = addr }
}

// WithNetID sets the network identifier
func WithNetID(id [3]byte) Option {
	return func(s *Simulator) { s.netID = id }
}

// WithRXDelay sets the RX1 delay in seconds carried by join accepts
func WithRXDelay(seconds uint8) Option {
	return func(s *Simulator) { s.rxDelay = seconds }
}

// WithRegion selects the region used for MAC command answers
func WithRegion(region string) Option {
	return func(s *Simulator) { s.macHandler = NewMACCommandHandler(region) }
}

// Simulator plays the network side for one device
type Simulator struct {
	mu         sync.Mutex
	appKey     lorawan.AppKey
	netID      [3]byte
	devAddr    lorawan.DevAddr
	rxDelay    uint8
	joinNonce  uint32
	session    *lorawan.DeviceSession
	queue      []Downlink
	pendingMAC []lorawan.MACCommand
	uplinks    []Uplink
	joins      int
	dropJoins  int
	deliver    func([]byte)
	macHandler *MACCommandHandler
}

// NewSimulator creates a simulator that sends its answers through deliver
func NewSimulator(appKey lorawan.AppKey, deliver func([]byte), opts ...Option) *Simulator {
	s := &Simulator{
		appKey:     appKey,
		netID:      [3]byte{0x13, 0x00, 0x00},
		devAddr:    lorawan.DevAddr{0x01, 0x02, 0x03, 0x26},
		rxDelay:    1,
		deliver:    deliver,
		macHandler: NewMACCommandHandler("EU868"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DropJoinRequests ignores the next n join requests
func (s *Simulator) DropJoinRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropJoins = n
}

// QueueDownlink queues application data for the next receive window
func (s *Simulator) QueueDownlink(dl Downlink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, dl)
}

// QueueMACCommand queues a network request carried in the next FOpts
func (s *Simulator) QueueMACCommand(cmd lorawan.MACCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMAC = append(s.pendingMAC, cmd)
}

// Uplinks returns every application uplink accepted so far
func (s *Simulator) Uplinks() []Uplink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Uplink(nil), s.uplinks...)
}

// Joins returns how many join requests were accepted
func (s *Simulator) Joins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins
}

// Session returns the network view of the session
func (s *Simulator) Session() (lorawan.DeviceSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return lorawan.DeviceSession{}, false
	}
	return *s.session, true
}

// DeviceStatus returns the last DevStatusAns received
func (s *Simulator) DeviceStatus() (DeviceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.macHandler.Status()
}

// HandleFrame processes a frame transmitted by the device
func (s *Simulator) HandleFrame(frame []byte) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(frame); err != nil {
		log.Debug().Err(err).Msg("simulator: undecodable frame")
		return
	}

	s.mu.Lock()
	var answer []byte
	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		answer = s.handleJoinRequest(&phy)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		answer = s.handleDataUp(&phy)
	default:
		log.Debug().Uint8("mType", uint8(phy.MHDR.MType)).Msg("simulator: ignoring frame")
	}
	deliver := s.deliver
	s.mu.Unlock()

	if answer != nil && deliver != nil {
		deliver(answer)
	}
}

func (s *Simulator) handleJoinRequest(phy *lorawan.PHYPayload) []byte {
	var joinReq lorawan.JoinRequestPayload
	if err := joinReq.UnmarshalBinary(phy.MACPayload); err != nil {
		log.Error().Err(err).Msg("simulator: parse join request")
		return nil
	}

	if ok, err := phy.ValidateJoinRequestMIC(s.appKey); err != nil || !ok {
		log.Error().Str("devEUI", joinReq.DevEUI.Reverse().String()).Msg("simulator: join request MIC mismatch")
		return nil
	}

	if s.dropJoins > 0 {
		s.dropJoins--
		log.Debug().Msg("simulator: dropping join request")
		return nil
	}

	s.joinNonce++
	var joinNonce [3]byte
	joinNonce[0] = byte(s.joinNonce)
	joinNonce[1] = byte(s.joinNonce >> 8)
	joinNonce[2] = byte(s.joinNonce >> 16)

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(s.appKey, joinNonce, s.netID, joinReq.DevNonce)
	if err != nil {
		log.Error().Err(err).Msg("simulator: derive session keys")
		return nil
	}

	region := s.macHandler.region
	joinAccept := lorawan.JoinAcceptPayload{
		JoinNonce: joinNonce,
		NetID:     s.netID,
		DevAddr:   s.devAddr,
		DLSettings: lorawan.DLSettings{
			RX2DataRate: uint8(region.DefaultRX2DR),
		},
		RxDelay: s.rxDelay,
	}
	body, err := joinAccept.MarshalBinary()
	if err != nil {
		log.Error().Err(err).Msg("simulator: marshal join accept")
		return nil
	}

	acceptPHY := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0},
		MACPayload: body,
	}
	if err := acceptPHY.SetJoinAcceptMIC(s.appKey); err != nil {
		log.Error().Err(err).Msg("simulator: join accept MIC")
		return nil
	}
	if err := acceptPHY.EncryptJoinAcceptPayload(s.appKey); err != nil {
		log.Error().Err(err).Msg("simulator: encrypt join accept")
		return nil
	}

	s.session = &lorawan.DeviceSession{
		DevAddr: s.devAddr,
		NetID:   s.netID,
		NwkSKey: nwkSKey,
		AppSKey: appSKey,
		RX2DR:   uint8(region.DefaultRX2DR),
		RXDelay: s.rxDelay,
	}
	s.joins++

	log.Info().
		Str("devEUI", joinReq.DevEUI.Reverse().String()).
		Str("devAddr", s.devAddr.String()).
		Msg("simulator: join accepted")

	frame, _ := acceptPHY.MarshalBinary()
	return frame
}

func (s *Simulator) handleDataUp(phy *lorawan.PHYPayload) []byte {
	if s.session == nil {
		return nil
	}

	var mp lorawan.MACPayload
	if err := mp.Unmarshal(phy.MACPayload, true); err != nil {
		log.Error().Err(err).Msg("simulator: parse uplink")
		return nil
	}
	if mp.FHDR.DevAddr != s.session.DevAddr {
		return nil
	}

	fcnt := lorawan.GetFullFCnt(s.session.FCntUp, mp.FHDR.FCnt)
	if ok, err := phy.ValidateUplinkDataMIC(fcnt, s.session.NwkSKey); err != nil || !ok {
		log.Error().Uint32("fCnt", fcnt).Msg("simulator: uplink MIC mismatch")
		return nil
	}
	s.session.FCntUp = fcnt + 1

	up := Uplink{FCnt: fcnt, Confirmed: phy.MHDR.MType == lorawan.ConfirmedDataUp}
	if mp.FPort != nil {
		up.Port = *mp.FPort
		key := s.session.AppSKey
		if up.Port == 0 {
			key = s.session.NwkSKey
		}
		plain, err := lorawan.EncryptFRMPayload(key, s.session.DevAddr, fcnt, true, mp.FRMPayload)
		if err != nil {
			return nil
		}
		up.Payload = plain
	}

	cmds, err := lorawan.ParseMACCommands(true, mp.FHDR.FOpts)
	if err != nil {
		log.Warn().Err(err).Msg("simulator: uplink MAC commands")
	}
	up.MACCommands = cmds
	s.uplinks = append(s.uplinks, up)
	s.pendingMAC = append(s.pendingMAC, s.macHandler.HandleUplink(s.session, 0, cmds)...)

	var dl *Downlink
	if len(s.queue) > 0 {
		dl = &s.queue[0]
		s.queue = s.queue[1:]
	}
	if dl == nil && !up.Confirmed && len(s.pendingMAC) == 0 {
		return nil
	}
	return s.buildDownlink(dl, up.Confirmed)
}

func (s *Simulator) buildDownlink(dl *Downlink, ack bool) []byte {
	fopts, _ := lorawan.EncodeMACCommands(s.pendingMAC)
	if len(fopts) > 15 {
		log.Warn().Int("len", len(fopts)).Msg("simulator: MAC commands exceed FOpts, dropped")
		fopts = nil
	}
	s.pendingMAC = nil

	fcnt := s.session.FCntDown
	macPayload := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: s.session.DevAddr,
			FCtrl:   lorawan.FCtrl{ACK: ack},
			FCnt:    uint16(fcnt),
			FOpts:   fopts,
		},
	}

	mtype := lorawan.UnconfirmedDataDown
	if dl != nil {
		port := dl.Port
		enc, err := lorawan.EncryptFRMPayload(s.session.AppSKey, s.session.DevAddr, fcnt, false, dl.Payload)
		if err != nil {
			return nil
		}
		macPayload.FPort = &port
		macPayload.FRMPayload = enc
		if dl.Confirmed {
			mtype = lorawan.ConfirmedDataDown
		}
	}

	body, err := macPayload.Marshal(false)
	if err != nil {
		log.Error().Err(err).Msg("simulator: marshal downlink")
		return nil
	}
	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: body,
	}
	if err := phy.SetDownlinkDataMIC(fcnt, s.session.NwkSKey); err != nil {
		log.Error().Err(err).Msg("simulator: downlink MIC")
		return nil
	}
	s.session.FCntDown++

	log.Debug().
		Uint32("fCnt", fcnt).
		Bool("ack", ack).
		Int("fOptsLen", len(fopts)).
		Msg("simulator: downlink scheduled")

	frame, _ := phy.MarshalBinary()
	return frame
}
