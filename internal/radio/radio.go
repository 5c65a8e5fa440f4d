package radio

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChip is returned by New when the version register does not
	// identify an SX127x
	ErrUnknownChip = errors.New("unknown radio chip")
	// ErrCRC is returned when a packet is received with a bad payload CRC
	ErrCRC = errors.New("payload CRC error")
	// ErrPayloadTooLong is returned for transmissions above 255 bytes
	ErrPayloadTooLong = errors.New("payload too long")
)

// Bus is a full duplex SPI transfer. r may be nil for write only transfers.
type Bus interface {
	Tx(w, r []byte) error
}

// Pin is an output control line
type Pin interface {
	Out(high bool) error
}

// Delay blocks for a number of milliseconds
type Delay interface {
	DelayMs(ms uint8)
}

// DelayFunc adapts a function to Delay
type DelayFunc func(ms uint8)

// DelayMs calls f(ms)
func (f DelayFunc) DelayMs(ms uint8) { f(ms) }

// Radio is a bound SX127x transceiver in LoRa mode
type Radio struct {
	bus   Bus
	cs    Pin
	reset Pin
}

// New resets the chip, checks its version and leaves it in LoRa standby
func New(bus Bus, cs, reset Pin, delay Delay) (*Radio, error) {
	r := &Radio{bus: bus, cs: cs, reset: reset}

	if err := r.cs.Out(true); err != nil {
		return nil, fmt.Errorf("chip select: %w", err)
	}
	if err := r.reset.Out(false); err != nil {
		return nil, fmt.Errorf("reset low: %w", err)
	}
	delay.DelayMs(1)
	if err := r.reset.Out(true); err != nil {
		return nil, fmt.Errorf("reset high: %w", err)
	}
	delay.DelayMs(10)

	version, err := r.read(regVersion)
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != ChipVersion {
		return nil, fmt.Errorf("%w: version 0x%02x", ErrUnknownChip, version)
	}

	// LoRa mode can only be selected while sleeping
	if err := r.setMode(modeSleep); err != nil {
		return nil, err
	}
	if err := r.writeAll([]regValue{
		{regSyncWord, syncWordPublic},
		{regFifoTxBaseAddr, 0x00},
		{regFifoRxBaseAddr, 0x00},
		{regPreambleMsb, 0x00},
		{regPreambleLsb, 0x08},
	}); err != nil {
		return nil, err
	}
	if err := r.setMode(modeStandby); err != nil {
		return nil, err
	}

	return r, nil
}

// Handle executes ev and reports the resulting radio state
func (r *Radio) Handle(ev Event) (Response, error) {
	switch ev.Kind {
	case EventTxRequest:
		if err := r.transmit(ev.Tx, ev.Payload); err != nil {
			return Response{Kind: Idle}, err
		}
		return Response{Kind: Txing}, nil

	case EventRxRequest:
		if err := r.receive(ev.Rx); err != nil {
			return Response{Kind: Idle}, err
		}
		return Response{Kind: Rxing}, nil

	case EventCancelRx:
		if err := r.standby(); err != nil {
			return Response{Kind: Idle}, err
		}
		return Response{Kind: Idle}, nil

	case EventPhy:
		return r.interrupt()

	default:
		return Response{Kind: Idle}, fmt.Errorf("unsupported radio event %s", ev.Kind)
	}
}

func (r *Radio) standby() error {
	if err := r.setMode(modeStandby); err != nil {
		return err
	}
	return r.write(regIrqFlags, 0xff)
}

func (r *Radio) transmit(cfg TxConfig, payload []byte) error {
	if len(payload) > 255 {
		return ErrPayloadTooLong
	}
	if err := r.standby(); err != nil {
		return err
	}
	if err := r.configure(cfg.Rf, false); err != nil {
		return err
	}
	if err := r.writeAll([]regValue{
		{regPaConfig, paConfig(cfg.PowerDBm)},
		{regDioMapping1, dioMapTxDone},
		{regFifoAddrPtr, 0x00},
		{regPayloadLength, byte(len(payload))},
	}); err != nil {
		return err
	}
	if err := r.burstWrite(regFifo, payload); err != nil {
		return err
	}
	return r.setMode(modeTx)
}

func (r *Radio) receive(cfg RfConfig) error {
	if err := r.standby(); err != nil {
		return err
	}
	if err := r.configure(cfg, true); err != nil {
		return err
	}
	if err := r.writeAll([]regValue{
		{regDioMapping1, dioMapRxDone},
		{regSymbTimeoutLsb, 0x08},
		{regFifoAddrPtr, 0x00},
	}); err != nil {
		return err
	}
	return r.setMode(modeRxSingle)
}

func (r *Radio) interrupt() (Response, error) {
	flags, err := r.read(regIrqFlags)
	if err != nil {
		return Response{Kind: Idle}, err
	}
	if err := r.write(regIrqFlags, flags); err != nil {
		return Response{Kind: Idle}, err
	}

	switch {
	case flags&IrqTxDone != 0:
		return Response{Kind: TxDone}, r.setMode(modeStandby)

	case flags&IrqRxDone != 0:
		if flags&IrqCrcError != 0 {
			return Response{Kind: Idle}, ErrCRC
		}
		return r.readPacket()

	case flags&IrqRxTimeout != 0:
		return Response{Kind: RxTimeout}, nil

	default:
		return Response{Kind: Idle}, nil
	}
}

func (r *Radio) readPacket() (Response, error) {
	n, err := r.read(regRxNbBytes)
	if err != nil {
		return Response{Kind: Idle}, err
	}
	addr, err := r.read(regFifoRxCurrentAddr)
	if err != nil {
		return Response{Kind: Idle}, err
	}
	if err := r.write(regFifoAddrPtr, addr); err != nil {
		return Response{Kind: Idle}, err
	}
	payload, err := r.burstRead(regFifo, int(n))
	if err != nil {
		return Response{Kind: Idle}, err
	}
	snr, err := r.read(regPktSnrValue)
	if err != nil {
		return Response{Kind: Idle}, err
	}
	rssi, err := r.read(regPktRssiValue)
	if err != nil {
		return Response{Kind: Idle}, err
	}

	return Response{
		Kind:    RxDone,
		Payload: payload,
		Quality: RxQuality{RSSI: int16(rssi) - 157, SNR: int8(snr) / 4},
	}, nil
}

func (r *Radio) configure(cfg RfConfig, downlink bool) error {
	bw, ok := bandwidthBits[cfg.Bandwidth]
	if !ok {
		return fmt.Errorf("unsupported bandwidth %d kHz", cfg.Bandwidth)
	}
	if cfg.SpreadingFactor < 6 || cfg.SpreadingFactor > 12 {
		return fmt.Errorf("unsupported spreading factor %d", cfg.SpreadingFactor)
	}
	cr := cfg.CodingRate
	if cr == 0 {
		cr = 1 // 4/5
	}

	frf := (uint64(cfg.Frequency) << frfStepShift) / fxoscHz
	cfg3 := byte(modemCfg3AgcAuto)
	if cfg.SpreadingFactor >= 11 && cfg.Bandwidth == 125 {
		cfg3 |= modemCfg3LowDR
	}

	iq, iq2 := byte(0x27), byte(0x1d)
	if downlink {
		iq, iq2 = 0x66, 0x19
	}

	return r.writeAll([]regValue{
		{regFrfMsb, byte(frf >> 16)},
		{regFrfMid, byte(frf >> 8)},
		{regFrfLsb, byte(frf)},
		{regModemConfig1, bw | cr<<1},
		{regModemConfig2, byte(cfg.SpreadingFactor)<<4 | modemCfg2CrcOn},
		{regModemConfig3, cfg3},
		{regInvertIQ, iq},
		{regInvertIQ2, iq2},
	})
}

func paConfig(dbm int8) byte {
	if dbm < 2 {
		dbm = 2
	}
	if dbm > 17 {
		dbm = 17
	}
	return 0x80 | byte(dbm-2)
}

func (r *Radio) setMode(mode byte) error {
	return r.write(regOpMode, modeLoRa|mode)
}

func (r *Radio) read(reg register) (byte, error) {
	b, err := r.burstRead(reg, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Radio) write(reg register, v byte) error {
	return r.burstWrite(reg, []byte{v})
}

type regValue struct {
	reg register
	v   byte
}

// writeAll writes register values in order
func (r *Radio) writeAll(values []regValue) error {
	for _, rv := range values {
		if err := r.write(rv.reg, rv.v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Radio) burstRead(reg register, n int) ([]byte, error) {
	w := make([]byte, n+1)
	rd := make([]byte, n+1)
	w[0] = byte(reg) &^ writeFlag
	if err := r.transfer(w, rd); err != nil {
		return nil, fmt.Errorf("read register 0x%02x: %w", byte(reg), err)
	}
	return rd[1:], nil
}

func (r *Radio) burstWrite(reg register, data []byte) error {
	w := make([]byte, len(data)+1)
	w[0] = byte(reg) | writeFlag
	copy(w[1:], data)
	if err := r.transfer(w, nil); err != nil {
		return fmt.Errorf("write register 0x%02x: %w", byte(reg), err)
	}
	return nil
}

func (r *Radio) transfer(w, rd []byte) error {
	if err := r.cs.Out(false); err != nil {
		return err
	}
	err := r.bus.Tx(w, rd)
	if csErr := r.cs.Out(true); err == nil {
		err = csErr
	}
	return err
}
