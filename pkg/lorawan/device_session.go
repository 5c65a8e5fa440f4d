package lorawan

// DeviceSession is the device side view of an activated session
type DeviceSession struct {
	DevAddr DevAddr
	NetID   [3]byte

	NwkSKey NwkSKey
	AppSKey AppSKey

	// Frame counters
	FCntUp   uint32
	FCntDown uint32

	// RX windows
	RX1DROffset uint8
	RX2DR       uint8
	RXDelay     uint8
	CFList      []byte
}

// ActivationMode represents device activation mode
type ActivationMode string

const (
	ABP  ActivationMode = "ABP"
	OTAA ActivationMode = "OTAA"
)
