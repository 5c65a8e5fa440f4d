package radio

type register uint8

// SX127x LoRa mode registers
const (
	regFifo              register = 0x00
	regOpMode            register = 0x01
	regFrfMsb            register = 0x06
	regFrfMid            register = 0x07
	regFrfLsb            register = 0x08
	regPaConfig          register = 0x09
	regFifoAddrPtr       register = 0x0d
	regFifoTxBaseAddr    register = 0x0e
	regFifoRxBaseAddr    register = 0x0f
	regFifoRxCurrentAddr register = 0x10
	regIrqFlags          register = 0x12
	regRxNbBytes         register = 0x13
	regPktSnrValue       register = 0x19
	regPktRssiValue      register = 0x1a
	regModemConfig1      register = 0x1d
	regModemConfig2      register = 0x1e
	regSymbTimeoutLsb    register = 0x1f
	regPreambleMsb       register = 0x20
	regPreambleLsb       register = 0x21
	regPayloadLength     register = 0x22
	regModemConfig3      register = 0x26
	regInvertIQ          register = 0x33
	regSyncWord          register = 0x39
	regInvertIQ2         register = 0x3b
	regDioMapping1       register = 0x40
	regVersion           register = 0x42
)

// Exported for simulators that need to decode bus traffic.
const (
	RegFifo              = uint8(regFifo)
	RegOpMode            = uint8(regOpMode)
	RegFifoAddrPtr       = uint8(regFifoAddrPtr)
	RegFifoRxCurrentAddr = uint8(regFifoRxCurrentAddr)
	RegIrqFlags          = uint8(regIrqFlags)
	RegRxNbBytes         = uint8(regRxNbBytes)
	RegPayloadLength     = uint8(regPayloadLength)
	RegVersion           = uint8(regVersion)
)

const (
	modeLoRa     = 0x80
	modeSleep    = 0x00
	modeStandby  = 0x01
	modeTx       = 0x03
	modeRxSingle = 0x06

	// ModeMask selects the transceiver mode bits of RegOpMode
	ModeMask         = 0x07
	ModeTx           = modeTx
	ModeRxSingle     = modeRxSingle
	ModeStandby      = modeStandby
	ChipVersion      = 0x12
	syncWordPublic   = 0x34
	writeFlag        = 0x80
	fxoscHz          = 32000000
	frfStepShift     = 19
	dioMapTxDone     = 0x40
	dioMapRxDone     = 0x00
	modemCfg2CrcOn   = 0x04
	modemCfg3AgcAuto = 0x04
	modemCfg3LowDR   = 0x08
)

// IRQ flags
const (
	IrqRxTimeout = 0x80
	IrqRxDone    = 0x40
	IrqCrcError  = 0x20
	IrqTxDone    = 0x08
)

var bandwidthBits = map[int]byte{
	125: 0x70,
	250: 0x80,
	500: 0x90,
}
