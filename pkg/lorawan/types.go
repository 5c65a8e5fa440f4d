package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// decodeHex decodes s into dst. s must be exactly 2*len(dst) hex characters.
func decodeHex(dst []byte, s, name string) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("invalid %s length: expected %d hex characters, got %d", name, 2*len(dst), len(s))
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}

	copy(dst, b)
	return nil
}

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// ParseEUI64 parses a 16 character hex string
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	err := decodeHex(e[:], s, "EUI64")
	return e, err
}

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// Reverse returns the EUI in LSB-first (over the air) order
func (e EUI64) Reverse() EUI64 {
	var r EUI64
	for i := range e {
		r[len(e)-1-i] = e[i]
	}
	return r
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	return decodeHex(e[:], string(text), "EUI64")
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return e.UnmarshalText([]byte(s))
}

// DevAddr represents a 4-byte device address
type DevAddr [4]byte

// ParseDevAddr parses an 8 character hex string
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	err := decodeHex(d[:], s, "DevAddr")
	return d, err
}

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler
func (d DevAddr) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	return decodeHex(d[:], string(text), "DevAddr")
}

// MarshalJSON implements json.Marshaler
func (d DevAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DevAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// Key roles. They share the AES128Key representation.
type (
	AppKey  = AES128Key
	NwkSKey = AES128Key
	AppSKey = AES128Key
)

// ParseAES128Key parses a 32 character hex string
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	err := decodeHex(k[:], s, "AES128Key")
	return k, err
}

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler
func (k AES128Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AES128Key) UnmarshalText(text []byte) error {
	return decodeHex(k[:], string(text), "AES128Key")
}

// MarshalJSON implements json.Marshaler
func (k AES128Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (k *AES128Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return k.UnmarshalText([]byte(s))
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

// IsDownlink reports whether m travels network to device
func (m MType) IsDownlink() bool {
	return m == JoinAccept || m == UnconfirmedDataDown || m == ConfirmedDataDown
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWAN1_0 Major = 0
	LoRaWAN1_1 Major = 1
)

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// Byte encodes the header
func (h MHDR) Byte() byte {
	return byte(h.MType<<5) | byte(h.Major)
}

// MACPayload represents the MAC payload
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// JoinRequestPayload represents join request
type JoinRequestPayload struct {
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce [2]byte
}

// JoinAcceptPayload represents join accept
type JoinAcceptPayload struct {
	JoinNonce  [3]byte
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// DLSettings represents downlink settings
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}
