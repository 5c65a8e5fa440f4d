package driver

import (
	"github.com/rs/zerolog"

	"github.com/lorawan-server/lorawan-node/internal/mac"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Engine is the LoRaWAN state machine owned by a configured Driver. Handle
// advances it by one event; a response returned together with an error is
// still interpreted.
type Engine interface {
	Handle(ev mac.Event) (mac.Response, error)
	ReadyToSend() bool
	TakeDownlink() *mac.Downlink
	Session() (lorawan.DeviceSession, bool)
}

// EngineFactory builds the engine when a Driver is configured. log is the
// driver's logger tagged with component=mac.
type EngineFactory func(region *lorawan.RegionConfiguration, r mac.Radio, creds mac.Credentials, rnd func() uint32, log zerolog.Logger) Engine

// NewMACEngine is the default EngineFactory
func NewMACEngine(region *lorawan.RegionConfiguration, r mac.Radio, creds mac.Credentials, rnd func() uint32, log zerolog.Logger) Engine {
	return mac.New(region, r, creds, rnd, mac.WithLogger(log))
}
