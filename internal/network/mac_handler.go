package network

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// DeviceStatus is the last DevStatusAns reported by the device
type DeviceStatus struct {
	Battery uint8
	Margin  int8
}

// MACCommandHandler answers device to network MAC commands
type MACCommandHandler struct {
	region *lorawan.RegionConfiguration
	status *DeviceStatus
}

// NewMACCommandHandler creates a MAC command handler for a region name
func NewMACCommandHandler(region string) *MACCommandHandler {
	return &MACCommandHandler{
		region: lorawan.GetRegionConfiguration(region),
	}
}

// HandleUplink processes uplink MAC commands and returns the answers
func (h *MACCommandHandler) HandleUplink(session *lorawan.DeviceSession, snr int8, commands []lorawan.MACCommand) []lorawan.MACCommand {
	var responses []lorawan.MACCommand

	for _, cmd := range commands {
		switch cmd.CID {
		case lorawan.LinkCheckReq:
			responses = append(responses, h.handleLinkCheckReq(session, snr))

		case lorawan.LinkADRAns, lorawan.RXParamSetupAns, lorawan.NewChannelAns, lorawan.DlChannelAns:
			h.handleStatusAns(session, cmd)

		case lorawan.DevStatusAns:
			h.handleDevStatusAns(session, cmd.Payload)

		case lorawan.DutyCycleAns, lorawan.RXTimingSetupAns, lorawan.TxParamSetupAns:
			log.Debug().
				Str("devAddr", session.DevAddr.String()).
				Uint8("cid", cmd.CID).
				Msg("MAC command acknowledged")

		default:
			log.Warn().
				Uint8("cid", cmd.CID).
				Str("devAddr", session.DevAddr.String()).
				Msg("unhandled MAC command")
		}
	}

	return responses
}

// Status returns the last device status, if any was reported
func (h *MACCommandHandler) Status() (DeviceStatus, bool) {
	if h.status == nil {
		return DeviceStatus{}, false
	}
	return *h.status, true
}

func (h *MACCommandHandler) handleLinkCheckReq(session *lorawan.DeviceSession, snr int8) lorawan.MACCommand {
	// margin above the demodulation floor of the current data rate
	floor := -20 + 2.5*float64(12-h.region.DataRate(h.region.DefaultTxDR).SpreadFactor)
	margin := int(float64(snr) - floor)
	if margin < 0 {
		margin = 0
	}
	if margin > 254 {
		margin = 254
	}

	log.Debug().
		Str("devAddr", session.DevAddr.String()).
		Int("margin", margin).
		Msg("answering LinkCheckReq")

	return lorawan.MACCommand{
		CID:     lorawan.LinkCheckAns,
		Payload: []byte{byte(margin), 1},
	}
}

func (h *MACCommandHandler) handleStatusAns(session *lorawan.DeviceSession, cmd lorawan.MACCommand) {
	if len(cmd.Payload) != 1 {
		return
	}

	log.Debug().
		Str("devAddr", session.DevAddr.String()).
		Uint8("cid", cmd.CID).
		Uint8("status", cmd.Payload[0]).
		Msg("MAC command answer")
}

func (h *MACCommandHandler) handleDevStatusAns(session *lorawan.DeviceSession, payload []byte) {
	if len(payload) != 2 {
		return
	}

	// 6 bit two's complement
	margin := int8(payload[1]<<2) >> 2
	h.status = &DeviceStatus{Battery: payload[0], Margin: margin}

	log.Info().
		Str("devAddr", session.DevAddr.String()).
		Uint8("battery", payload[0]).
		Int8("margin", margin).
		Msg("device status")
}
