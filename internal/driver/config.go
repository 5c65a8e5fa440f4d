package driver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lorawan-server/lorawan-node/internal/mac"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Mode selects how the radio is operated
type Mode uint8

const (
	// ModeWAN joins a LoRaWAN network
	ModeWAN Mode = iota
	// ModeP2P talks point to point without a network
	ModeP2P
)

func (m Mode) String() string {
	switch m {
	case ModeWAN:
		return "WAN"
	case ModeP2P:
		return "P2P"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode parses "wan" or "p2p", case insensitive
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "WAN":
		return ModeWAN, nil
	case "P2P":
		return ModeP2P, nil
	default:
		return ModeWAN, fmt.Errorf("unknown mode %q", s)
	}
}

// ConnectMode is the activation method
type ConnectMode uint8

const (
	OTAA ConnectMode = iota
	ABP
)

func (m ConnectMode) String() string {
	switch m {
	case OTAA:
		return "OTAA"
	case ABP:
		return "ABP"
	default:
		return fmt.Sprintf("ConnectMode(%d)", uint8(m))
	}
}

// ParseConnectMode parses "otaa" or "abp", case insensitive
func ParseConnectMode(s string) (ConnectMode, error) {
	switch strings.ToUpper(s) {
	case "OTAA":
		return OTAA, nil
	case "ABP":
		return ABP, nil
	default:
		return OTAA, fmt.Errorf("unknown connect mode %q", s)
	}
}

// QoS selects confirmed or unconfirmed uplinks
type QoS uint8

const (
	Unconfirmed QoS = iota
	Confirmed
)

func (q QoS) String() string {
	if q == Confirmed {
		return "Confirmed"
	}
	return "Unconfirmed"
}

// ResetMode selects what Reset restarts
type ResetMode uint8

const (
	ResetRestart ResetMode = iota
	ResetReload
)

// Config holds the optional settings applied by Configure. The zero value is
// an empty configuration. Setters return an updated copy and never fail.
type Config struct {
	band        *lorawan.Region
	mode        *Mode
	connectMode *ConnectMode
	devAddr     *lorawan.DevAddr
	devEUI      *lorawan.EUI64
	appEUI      *lorawan.EUI64
	appKey      *lorawan.AppKey
}

// NewConfig returns an empty configuration
func NewConfig() Config {
	return Config{}
}

// Band sets the region
func (c Config) Band(r lorawan.Region) Config {
	c.band = &r
	return c
}

// Mode sets the operating mode
func (c Config) Mode(m Mode) Config {
	c.mode = &m
	return c
}

// ConnectMode sets the activation method
func (c Config) ConnectMode(m ConnectMode) Config {
	c.connectMode = &m
	return c
}

// DeviceAddress sets the device address
func (c Config) DeviceAddress(a lorawan.DevAddr) Config {
	c.devAddr = &a
	return c
}

// DeviceEUI sets the device EUI in canonical (MSB first) order
func (c Config) DeviceEUI(e lorawan.EUI64) Config {
	c.devEUI = &e
	return c
}

// AppEUI sets the application (join) EUI in canonical order
func (c Config) AppEUI(e lorawan.EUI64) Config {
	c.appEUI = &e
	return c
}

// AppKey sets the root key
func (c Config) AppKey(k lorawan.AppKey) Config {
	c.appKey = &k
	return c
}

// Region returns the band, EU868 when unset
func (c Config) Region() lorawan.Region {
	if c.band == nil {
		return lorawan.EU868
	}
	return *c.band
}

// OperatingMode returns the mode, WAN when unset
func (c Config) OperatingMode() Mode {
	if c.mode == nil {
		return ModeWAN
	}
	return *c.mode
}

// Activation returns the connect mode, OTAA when unset
func (c Config) Activation() ConnectMode {
	if c.connectMode == nil {
		return OTAA
	}
	return *c.connectMode
}

// DevAddr returns the device address if set
func (c Config) DevAddr() (lorawan.DevAddr, bool) {
	if c.devAddr == nil {
		return lorawan.DevAddr{}, false
	}
	return *c.devAddr, true
}

// DevEUI returns the device EUI if set
func (c Config) DevEUI() (lorawan.EUI64, bool) {
	if c.devEUI == nil {
		return lorawan.EUI64{}, false
	}
	return *c.devEUI, true
}

// JoinEUI returns the application EUI if set
func (c Config) JoinEUI() (lorawan.EUI64, bool) {
	if c.appEUI == nil {
		return lorawan.EUI64{}, false
	}
	return *c.appEUI, true
}

// Key returns the app key if set
func (c Config) Key() (lorawan.AppKey, bool) {
	if c.appKey == nil {
		return lorawan.AppKey{}, false
	}
	return *c.appKey, true
}

// Validate reports the required identifiers that are missing
func (c Config) Validate() error {
	var missing []string
	if c.devEUI == nil {
		missing = append(missing, "device EUI")
	}
	if c.appEUI == nil {
		missing = append(missing, "app EUI")
	}
	if c.appKey == nil {
		missing = append(missing, "app key")
	}
	if len(missing) > 0 {
		return errors.New("missing " + strings.Join(missing, ", "))
	}
	return nil
}

// credentials converts the identifiers to over the air order
func (c Config) credentials() (mac.Credentials, error) {
	if err := c.Validate(); err != nil {
		return mac.Credentials{}, err
	}
	return mac.Credentials{
		DevEUI: c.devEUI.Reverse(),
		AppEUI: c.appEUI.Reverse(),
		AppKey: *c.appKey,
	}, nil
}
