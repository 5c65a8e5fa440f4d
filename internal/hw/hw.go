// Package hw binds the radio collaborators to Linux SPI and GPIO through
// periph.io.
package hw

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const edgePollInterval = 100 * time.Millisecond

// Config names the SPI port and GPIO lines the radio is wired to
type Config struct {
	SPIPort  string
	SPIHz    int64
	CSPin    string
	ResetPin string
	DIO0Pin  string
}

// Board is an opened SX127x wiring
type Board struct {
	Bus   *SPIBus
	CS    *OutputPin
	Reset *OutputPin

	port spi.PortCloser
	dio0 gpio.PinIO
}

// Open initializes the host drivers and opens the port and pins
func Open(cfg Config) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initialize periph.io host: %w", err)
	}

	p, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("open SPI port %s: %w", cfg.SPIPort, err)
	}

	conn, err := p.Connect(physic.Frequency(cfg.SPIHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("connect SPI port %s: %w", cfg.SPIPort, err)
	}

	pins := make(map[string]gpio.PinIO, 3)
	for _, name := range []string{cfg.CSPin, cfg.ResetPin, cfg.DIO0Pin} {
		pin := gpioreg.ByName(name)
		if pin == nil {
			p.Close()
			return nil, fmt.Errorf("open pin %s: not found", name)
		}
		pins[name] = pin
	}

	return &Board{
		Bus:   &SPIBus{conn: conn},
		CS:    NewOutputPin(pins[cfg.CSPin]),
		Reset: NewOutputPin(pins[cfg.ResetPin]),
		port:  p,
		dio0:  pins[cfg.DIO0Pin],
	}, nil
}

// WatchIRQ calls handler on every rising edge of DIO0 until ctx is done
func (b *Board) WatchIRQ(ctx context.Context, handler func(context.Context)) error {
	return watchEdges(ctx, b.dio0, handler)
}

// Close releases the SPI port
func (b *Board) Close() error {
	if err := b.dio0.In(gpio.PullDown, gpio.NoEdge); err != nil {
		log.Warn().Err(err).Str("pin", b.dio0.Name()).Msg("disable edge detection")
	}
	return b.port.Close()
}

// SPIBus implements radio.Bus
type SPIBus struct {
	conn spi.Conn
}

// Tx implements radio.Bus
func (b *SPIBus) Tx(w, r []byte) error {
	return b.conn.Tx(w, r)
}

// OutputPin implements radio.Pin
type OutputPin struct {
	pin gpio.PinOut
}

// NewOutputPin wraps a GPIO line
func NewOutputPin(pin gpio.PinOut) *OutputPin {
	return &OutputPin{pin: pin}
}

// Out implements radio.Pin
func (p *OutputPin) Out(high bool) error {
	return p.pin.Out(gpio.Level(high))
}

// SleepDelay implements radio.Delay with time.Sleep
type SleepDelay struct{}

// DelayMs implements radio.Delay
func (SleepDelay) DelayMs(ms uint8) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// watchEdges uses the blocking WaitForEdge with a short timeout so ctx is
// observed between edges
func watchEdges(ctx context.Context, pin gpio.PinIn, handler func(context.Context)) error {
	if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return fmt.Errorf("enable edge detection on %s: %w", pin.Name(), err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if pin.WaitForEdge(edgePollInterval) {
			handler(ctx)
		}
	}
}
