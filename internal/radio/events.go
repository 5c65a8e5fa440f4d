package radio

import "fmt"

// RfConfig is the modulation of a single transmission or receive window
type RfConfig struct {
	Frequency       uint32 // Hz
	SpreadingFactor int
	Bandwidth       int // kHz
	CodingRate      uint8
}

// TxConfig adds the output power to an RfConfig
type TxConfig struct {
	Rf       RfConfig
	PowerDBm int8
}

// EventKind selects the kind of request handled by the radio
type EventKind uint8

const (
	EventTxRequest EventKind = iota
	EventRxRequest
	EventCancelRx
	EventPhy
)

func (k EventKind) String() string {
	switch k {
	case EventTxRequest:
		return "TxRequest"
	case EventRxRequest:
		return "RxRequest"
	case EventCancelRx:
		return "CancelRx"
	case EventPhy:
		return "PhyEvent"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is a request to the radio
type Event struct {
	Kind    EventKind
	Tx      TxConfig
	Rx      RfConfig
	Payload []byte
}

// TxRequest builds a transmit request
func TxRequest(cfg TxConfig, payload []byte) Event {
	return Event{Kind: EventTxRequest, Tx: cfg, Payload: payload}
}

// RxRequest builds a receive window request
func RxRequest(cfg RfConfig) Event {
	return Event{Kind: EventRxRequest, Rx: cfg}
}

// CancelRx builds a receive cancel request
func CancelRx() Event {
	return Event{Kind: EventCancelRx}
}

// Interrupt is the event injected when the DIO0 line fires
func Interrupt() Event {
	return Event{Kind: EventPhy}
}

// ResponseKind tells what the radio is doing after an event
type ResponseKind uint8

const (
	Idle ResponseKind = iota
	Txing
	Rxing
	TxDone
	RxDone
	RxTimeout
)

func (k ResponseKind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case Txing:
		return "Txing"
	case Rxing:
		return "Rxing"
	case TxDone:
		return "TxDone"
	case RxDone:
		return "RxDone"
	case RxTimeout:
		return "RxTimeout"
	default:
		return fmt.Sprintf("ResponseKind(%d)", uint8(k))
	}
}

// RxQuality carries the link quality of a received packet
type RxQuality struct {
	RSSI int16
	SNR  int8
}

// Response is the radio state after handling an event
type Response struct {
	Kind    ResponseKind
	Quality RxQuality
	Payload []byte
}
