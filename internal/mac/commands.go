package mac

import (
	"github.com/lorawan-server/lorawan-node/internal/radio"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Answer status bits
const (
	rxParamChannelACK     = 0x01
	rxParamRX2DataRateACK = 0x02
	rxParamRX1DROffsetACK = 0x04
	batteryUnknown        = 0xff
)

// answerCommands applies network requests and returns the answers to send
// in the FOpts of the next uplink
func (d *Device) answerCommands(cmds []lorawan.MACCommand, q radio.RxQuality) []lorawan.MACCommand {
	var answers []lorawan.MACCommand

	for _, cmd := range cmds {
		switch cmd.CID {
		case lorawan.LinkCheckAns:
			d.log.Info().
				Uint8("margin", cmd.Payload[0]).
				Uint8("gwCnt", cmd.Payload[1]).
				Msg("link check")

		case lorawan.DevStatusReq:
			margin := q.SNR
			if margin < -32 {
				margin = -32
			}
			if margin > 31 {
				margin = 31
			}
			answers = append(answers, lorawan.MACCommand{
				CID:     lorawan.DevStatusAns,
				Payload: []byte{batteryUnknown, byte(margin) & 0x3f},
			})

		case lorawan.RXTimingSetupReq:
			d.session.RXDelay = cmd.Payload[0] & 0x0f
			answers = append(answers, lorawan.MACCommand{CID: lorawan.RXTimingSetupAns})

		case lorawan.RXParamSetupReq:
			answers = append(answers, lorawan.MACCommand{
				CID:     lorawan.RXParamSetupAns,
				Payload: []byte{d.applyRXParamSetup(cmd.Payload)},
			})

		case lorawan.DutyCycleReq:
			answers = append(answers, lorawan.MACCommand{CID: lorawan.DutyCycleAns})

		case lorawan.TxParamSetupReq:
			answers = append(answers, lorawan.MACCommand{CID: lorawan.TxParamSetupAns})

		case lorawan.LinkADRReq:
			// channel and data rate management stay with the region defaults
			answers = append(answers, lorawan.MACCommand{CID: lorawan.LinkADRAns, Payload: []byte{0x00}})

		case lorawan.NewChannelReq:
			answers = append(answers, lorawan.MACCommand{CID: lorawan.NewChannelAns, Payload: []byte{0x00}})

		case lorawan.DlChannelReq:
			answers = append(answers, lorawan.MACCommand{CID: lorawan.DlChannelAns, Payload: []byte{0x00}})

		default:
			d.log.Warn().Str("command", cmd.Name()).Msg("unhandled MAC command")
		}
	}

	return answers
}

func (d *Device) applyRXParamSetup(p []byte) byte {
	rx1Offset := (p[0] >> 4) & 0x07
	rx2DR := p[0] & 0x0f
	freq := (uint32(p[1]) | uint32(p[2])<<8 | uint32(p[3])<<16) * 100

	var status byte
	if int(rx2DR) < len(d.region.DataRates) && d.region.DataRates[rx2DR].SpreadFactor != 0 {
		status |= rxParamRX2DataRateACK
	}
	if rx1Offset <= 5 {
		status |= rxParamRX1DROffsetACK
	}
	if freq != 0 {
		status |= rxParamChannelACK
	}

	if status == rxParamChannelACK|rxParamRX2DataRateACK|rxParamRX1DROffsetACK {
		d.session.RX1DROffset = rx1Offset
		d.session.RX2DR = rx2DR
		d.rx2Freq = freq
	}
	return status
}

// encodeAnswers packs as many answers as fit in FOpts
func (d *Device) encodeAnswers(answers []lorawan.MACCommand) []byte {
	var out []byte
	for _, a := range answers {
		if len(out)+1+len(a.Payload) > maxFOptsLen {
			d.log.Warn().Uint8("cid", a.CID).Msg("FOpts full, dropping answer")
			continue
		}
		out = append(out, a.CID)
		out = append(out, a.Payload...)
	}
	return out
}
