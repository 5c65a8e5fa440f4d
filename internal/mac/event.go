package mac

import (
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/radio"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// EventKind selects the kind of input handled by a Device
type EventKind uint8

const (
	EventNewSession EventKind = iota
	EventRadio
	EventTimeout
	EventSendData
)

func (k EventKind) String() string {
	switch k {
	case EventNewSession:
		return "NewSessionRequest"
	case EventRadio:
		return "RadioEvent"
	case EventTimeout:
		return "TimeoutFired"
	case EventSendData:
		return "SendDataRequest"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// SendData is an application uplink
type SendData struct {
	Port      uint8
	Data      []byte
	Confirmed bool
}

// Event is an input to the MAC state machine. Events are transient.
type Event struct {
	Kind  EventKind
	Radio radio.Event
	Data  SendData
	// Token identifies the timeout request a TimeoutFired answers
	Token uint32
}

// NewSessionRequest starts an OTAA join
func NewSessionRequest() Event {
	return Event{Kind: EventNewSession}
}

// RadioEvent wraps a radio layer event
func RadioEvent(ev radio.Event) Event {
	return Event{Kind: EventRadio, Radio: ev}
}

// TimeoutFired reports that the delay of a TimeoutRequest elapsed
func TimeoutFired(token uint32) Event {
	return Event{Kind: EventTimeout, Token: token}
}

// SendDataRequest asks for an application uplink
func SendDataRequest(port uint8, data []byte, confirmed bool) Event {
	return Event{Kind: EventSendData, Data: SendData{Port: port, Data: data, Confirmed: confirmed}}
}

func (e Event) String() string {
	switch e.Kind {
	case EventRadio:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Radio.Kind)
	case EventTimeout:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Token)
	case EventSendData:
		return fmt.Sprintf("%s(port=%d len=%d confirmed=%t)", e.Kind, e.Data.Port, len(e.Data.Data), e.Data.Confirmed)
	default:
		return e.Kind.String()
	}
}

// ResponseKind is the outcome of handling one Event
type ResponseKind uint8

const (
	NoUpdate ResponseKind = iota
	TimeoutRequest
	JoinSuccess
	ReadyToSend
	DownlinkReceived
	NoAck
	NoJoinAccept
	SessionExpired
	UplinkSending
	JoinRequestSending
)

func (k ResponseKind) String() string {
	switch k {
	case NoUpdate:
		return "NoUpdate"
	case TimeoutRequest:
		return "TimeoutRequest"
	case JoinSuccess:
		return "JoinSuccess"
	case ReadyToSend:
		return "ReadyToSend"
	case DownlinkReceived:
		return "DownlinkReceived"
	case NoAck:
		return "NoAck"
	case NoJoinAccept:
		return "NoJoinAccept"
	case SessionExpired:
		return "SessionExpired"
	case UplinkSending:
		return "UplinkSending"
	case JoinRequestSending:
		return "JoinRequestSending"
	default:
		return fmt.Sprintf("ResponseKind(%d)", uint8(k))
	}
}

// Response is produced and consumed within one dispatch cycle
type Response struct {
	Kind ResponseKind
	// Delay and Token are set for TimeoutRequest
	Delay time.Duration
	Token uint32
	// FCnt is the uplink counter for UplinkSending and the downlink counter
	// for DownlinkReceived
	FCnt uint32
}

func (r Response) String() string {
	switch r.Kind {
	case TimeoutRequest:
		return fmt.Sprintf("%s(%s)", r.Kind, r.Delay)
	case DownlinkReceived, UplinkSending:
		return fmt.Sprintf("%s(%d)", r.Kind, r.FCnt)
	default:
		return r.Kind.String()
	}
}

// Downlink is a decoded data frame addressed to this device
type Downlink struct {
	FCnt uint32
	// Port is nil when the frame carries no FRMPayload
	Port        *uint8
	Payload     []byte
	MACCommands []lorawan.MACCommand
	Ack         bool
	Quality     radio.RxQuality
}
