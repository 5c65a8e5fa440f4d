// Package radiotest provides an in-memory SX127x that speaks the register
// protocol used by package radio. It backs unit tests and the -sim mode of
// lora-node.
package radiotest

import (
	"errors"
	"sync"

	"github.com/lorawan-server/lorawan-node/internal/radio"
)

const (
	regPktSnrValue  = 0x19
	regPktRssiValue = 0x1a
)

// ErrBusFault is returned by Tx once FailTransfers has been called
var ErrBusFault = errors.New("simulated bus fault")

// Line is a simulated output pin
type Line struct {
	mu    sync.Mutex
	high  bool
	edges int
}

// Out implements radio.Pin
func (l *Line) Out(high bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.high != high {
		l.edges++
	}
	l.high = high
	return nil
}

// High reports the current level
func (l *Line) High() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.high
}

// Edges reports how many level changes were driven
func (l *Line) Edges() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.edges
}

// Chip is a simulated SX127x. It implements radio.Bus and radio.Delay, and
// exposes CS and Reset as radio.Pin.
type Chip struct {
	CS    Line
	Reset Line

	mu        sync.Mutex
	regs      [128]byte
	fifo      [256]byte
	tx        [][]byte
	pendingRx [][]byte
	delayMs   int
	fault     error
	autoRx    bool
	irq       chan struct{}

	// OnTransmit, when set, is called with every transmitted frame after
	// the chip lock is released.
	OnTransmit func(payload []byte)
}

// NewChip returns a chip in its power on state
func NewChip() *Chip {
	c := &Chip{
		irq:    make(chan struct{}, 16),
		autoRx: true,
	}
	c.regs[radio.RegVersion] = radio.ChipVersion
	c.regs[radio.RegOpMode] = radio.ModeStandby
	return c
}

// SetVersion overrides the silicon version register
func (c *Chip) SetVersion(v byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[radio.RegVersion] = v
}

// SetAutoRxTimeout controls whether opening a receive window with nothing
// queued raises RxTimeout immediately. It is on by default.
func (c *Chip) SetAutoRxTimeout(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoRx = on
}

// FailTransfers makes every following bus transfer fail with err
func (c *Chip) FailTransfers(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = err
}

// Interrupts delivers one value per DIO0 rising edge
func (c *Chip) Interrupts() <-chan struct{} {
	return c.irq
}

// DelayMs implements radio.Delay
func (c *Chip) DelayMs(ms uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delayMs += int(ms)
}

// Delayed reports the total time slept through DelayMs
func (c *Chip) Delayed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayMs
}

// Register returns the raw value of a register
func (c *Chip) Register(addr uint8) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr&0x7f]
}

// Mode returns the transceiver mode bits of RegOpMode
func (c *Chip) Mode() byte {
	return c.Register(radio.RegOpMode) & radio.ModeMask
}

// Transmitted returns a copy of every frame sent so far
func (c *Chip) Transmitted() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.tx))
	for i, p := range c.tx {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// QueueRx queues a frame to be received by the next receive window
func (c *Chip) QueueRx(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRx = append(c.pendingRx, append([]byte(nil), payload...))
}

// InjectRx places payload in the FIFO and raises RxDone now
func (c *Chip) InjectRx(payload []byte, rssi int16, snr int8) {
	c.mu.Lock()
	c.loadRx(payload)
	c.regs[regPktRssiValue] = byte(rssi + 157)
	c.regs[regPktSnrValue] = byte(snr * 4)
	c.mu.Unlock()
	c.raise(radio.IrqRxDone)
}

// RaiseIRQ sets flags in RegIrqFlags and signals DIO0
func (c *Chip) RaiseIRQ(flags byte) {
	c.raise(flags)
}

func (c *Chip) raise(flags byte) {
	c.mu.Lock()
	c.regs[radio.RegIrqFlags] |= flags
	c.mu.Unlock()
	select {
	case c.irq <- struct{}{}:
	default:
	}
}

func (c *Chip) loadRx(payload []byte) {
	copy(c.fifo[:], payload)
	c.regs[radio.RegFifoRxCurrentAddr] = 0
	c.regs[radio.RegRxNbBytes] = byte(len(payload))
}

// Tx implements radio.Bus
func (c *Chip) Tx(w, r []byte) error {
	if len(w) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.fault != nil {
		err := c.fault
		c.mu.Unlock()
		return err
	}

	addr := w[0] & 0x7f
	var raise byte
	var sent []byte

	if w[0]&0x80 != 0 {
		for _, b := range w[1:] {
			switch addr {
			case radio.RegFifo:
				c.fifo[c.regs[radio.RegFifoAddrPtr]] = b
				c.regs[radio.RegFifoAddrPtr]++
				continue
			case radio.RegIrqFlags:
				c.regs[addr] &^= b
			case radio.RegOpMode:
				c.regs[addr] = b
				raise, sent = c.modeChanged(b & radio.ModeMask)
			default:
				c.regs[addr] = b
			}
			addr = (addr + 1) & 0x7f
		}
	} else if r != nil {
		for i := 1; i < len(w) && i < len(r); i++ {
			if addr == radio.RegFifo {
				r[i] = c.fifo[c.regs[radio.RegFifoAddrPtr]]
				c.regs[radio.RegFifoAddrPtr]++
				continue
			}
			r[i] = c.regs[addr]
			addr = (addr + 1) & 0x7f
		}
	}
	onTx := c.OnTransmit
	c.mu.Unlock()

	if sent != nil && onTx != nil {
		onTx(append([]byte(nil), sent...))
	}
	if raise != 0 {
		c.raise(raise)
	}
	return nil
}

// modeChanged runs with c.mu held and returns the IRQ flags to raise
func (c *Chip) modeChanged(mode byte) (byte, []byte) {
	switch mode {
	case radio.ModeTx:
		n := int(c.regs[radio.RegPayloadLength])
		frame := append([]byte(nil), c.fifo[:n]...)
		c.tx = append(c.tx, frame)
		return radio.IrqTxDone, frame

	case radio.ModeRxSingle:
		if len(c.pendingRx) > 0 {
			c.loadRx(c.pendingRx[0])
			c.pendingRx = c.pendingRx[1:]
			return radio.IrqRxDone, nil
		}
		if c.autoRx {
			return radio.IrqRxTimeout, nil
		}
	}
	return 0, nil
}
