package lorawan

import (
	"fmt"
	"strings"
	"time"
)

// Region identifies a regional parameter set
type Region uint8

const (
	RegionUnknown Region = iota
	EU868
	US915
	AU915
	KR920
	AS923
	IN865
	CN470
)

var regionNames = map[Region]string{
	RegionUnknown: "UNKNOWN",
	EU868:         "EU868",
	US915:         "US915",
	AU915:         "AU915",
	KR920:         "KR920",
	AS923:         "AS923",
	IN865:         "IN865",
	CN470:         "CN470",
}

// String returns the region name
func (r Region) String() string {
	if name, ok := regionNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Region(%d)", uint8(r))
}

// ParseRegion parses a region name, case-insensitive
func ParseRegion(s string) (Region, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "CN470_510" {
		name = "CN470"
	}
	for r, n := range regionNames {
		if r != RegionUnknown && n == name {
			return r, nil
		}
	}
	return RegionUnknown, fmt.Errorf("unknown region: %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (r Region) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Region) UnmarshalText(text []byte) error {
	parsed, err := ParseRegion(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Profile returns the configuration of the region, EU868 when unknown
func (r Region) Profile() *RegionConfiguration {
	switch r {
	case US915:
		return &US915Configuration
	case AU915:
		return &AU915Configuration
	case KR920:
		return &KR920Configuration
	case AS923:
		return &AS923Configuration
	case IN865:
		return &IN865Configuration
	case CN470:
		return &CN470Configuration
	default:
		return &EU868Configuration
	}
}

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name                string
	DefaultChannels     []Channel
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	DefaultTxDR         int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32
	ReceiveDelay1       time.Duration
	ReceiveDelay2       time.Duration
	JoinAcceptDelay1    time.Duration
	JoinAcceptDelay2    time.Duration
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int // kHz
}

// GetRegionConfiguration returns configuration for a region name
func GetRegionConfiguration(region string) *RegionConfiguration {
	r, err := ParseRegion(region)
	if err != nil {
		return &EU868Configuration
	}
	return r.Profile()
}

// DataRate returns the data rate settings of dr, clamped to the table
func (r *RegionConfiguration) DataRate(dr int) DataRate {
	if dr < 0 {
		dr = 0
	}
	if dr >= len(r.DataRates) {
		dr = len(r.DataRates) - 1
	}
	return r.DataRates[dr]
}

// MaxPayloadSize returns the maximum MACPayload size at dr
func (r *RegionConfiguration) MaxPayloadSize(dr int) int {
	if size, ok := r.MaxPayloadSizePerDR[dr]; ok {
		return size
	}
	return 51
}

// GetRX1DataRate calculates the RX1 data rate
func (r *RegionConfiguration) GetRX1DataRate(uplinkDR, rx1DROffset uint8) uint8 {
	dr := int(uplinkDR) - int(rx1DROffset)
	if dr < 0 {
		dr = 0
	}
	return uint8(dr)
}

var defaultTimings = struct {
	rx1, rx2, ja1, ja2 time.Duration
}{time.Second, 2 * time.Second, 5 * time.Second, 6 * time.Second}

func channelRange(start, step uint32, n, minDR, maxDR int) []Channel {
	channels := make([]Channel, n)
	for i := 0; i < n; i++ {
		channels[i] = Channel{Frequency: start + uint32(i)*step, MinDR: minDR, MaxDR: maxDR}
	}
	return channels
}

var sf12to7 = []DataRate{
	{SpreadFactor: 12, Bandwidth: 125}, // DR0
	{SpreadFactor: 11, Bandwidth: 125}, // DR1
	{SpreadFactor: 10, Bandwidth: 125}, // DR2
	{SpreadFactor: 9, Bandwidth: 125},  // DR3
	{SpreadFactor: 8, Bandwidth: 125},  // DR4
	{SpreadFactor: 7, Bandwidth: 125},  // DR5
}

var payload51to242 = map[int]int{0: 51, 1: 51, 2: 51, 3: 115, 4: 242, 5: 242, 6: 242}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name:                "EU868",
	DefaultChannels:     channelRange(868100000, 200000, 3, 0, 5),
	DataRates:           append(append([]DataRate{}, sf12to7...), DataRate{SpreadFactor: 7, Bandwidth: 250}),
	MaxPayloadSizePerDR: payload51to242,
	DefaultTxDR:         5,
	DefaultRX2DR:        0,
	DefaultRX2Freq:      869525000,
	ReceiveDelay1:       defaultTimings.rx1,
	ReceiveDelay2:       defaultTimings.rx2,
	JoinAcceptDelay1:    defaultTimings.ja1,
	JoinAcceptDelay2:    defaultTimings.ja2,
}

// US915Configuration for US 915MHz band, sub-band 2 (channels 8-15)
var US915Configuration = RegionConfiguration{
	Name:            "US915",
	DefaultChannels: channelRange(903900000, 200000, 8, 0, 3),
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125}, // DR0
		{SpreadFactor: 9, Bandwidth: 125},  // DR1
		{SpreadFactor: 8, Bandwidth: 125},  // DR2
		{SpreadFactor: 7, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 500},  // DR4
		{}, {}, {},                         // DR5-7 RFU
		{SpreadFactor: 12, Bandwidth: 500}, // DR8
	},
	MaxPayloadSizePerDR: map[int]int{0: 11, 1: 53, 2: 125, 3: 242, 4: 242, 8: 53},
	DefaultTxDR:         3,
	DefaultRX2DR:        8,
	DefaultRX2Freq:      923300000,
	ReceiveDelay1:       defaultTimings.rx1,
	ReceiveDelay2:       defaultTimings.rx2,
	JoinAcceptDelay1:    defaultTimings.ja1,
	JoinAcceptDelay2:    defaultTimings.ja2,
}

// AU915Configuration for AU 915MHz band, sub-band 2 (channels 8-15)
var AU915Configuration = RegionConfiguration{
	Name:            "AU915",
	DefaultChannels: channelRange(916800000, 200000, 8, 0, 5),
	DataRates: append(append([]DataRate{}, sf12to7...),
		DataRate{SpreadFactor: 8, Bandwidth: 500}, // DR6
		DataRate{}, // DR7 RFU
		DataRate{SpreadFactor: 12, Bandwidth: 500}, // DR8
	),
	MaxPayloadSizePerDR: map[int]int{0: 51, 1: 51, 2: 51, 3: 115, 4: 242, 5: 242, 6: 242, 8: 53},
	DefaultTxDR:         5,
	DefaultRX2DR:        8,
	DefaultRX2Freq:      923300000,
	ReceiveDelay1:       defaultTimings.rx1,
	ReceiveDelay2:       defaultTimings.rx2,
	JoinAcceptDelay1:    defaultTimings.ja1,
	JoinAcceptDelay2:    defaultTimings.ja2,
}

// KR920Configuration for KR 920MHz band
var KR920Configuration = RegionConfiguration{
	Name:                "KR920",
	DefaultChannels:     channelRange(922100000, 200000, 3, 0, 5),
	DataRates:           sf12to7,
	MaxPayloadSizePerDR: payload51to242,
	DefaultTxDR:         5,
	DefaultRX2DR:        0,
	DefaultRX2Freq:      921900000,
	ReceiveDelay1:       defaultTimings.rx1,
	ReceiveDelay2:       defaultTimings.rx2,
	JoinAcceptDelay1:    defaultTimings.ja1,
	JoinAcceptDelay2:    defaultTimings.ja2,
}

// AS923Configuration for AS 923MHz band
var AS923Configuration = RegionConfiguration{
	Name:                "AS923",
	DefaultChannels:     channelRange(923200000, 200000, 2, 0, 5),
	DataRates:           append(append([]DataRate{}, sf12to7...), DataRate{SpreadFactor: 7, Bandwidth: 250}),
	MaxPayloadSizePerDR: payload51to242,
	DefaultTxDR:         5,
	DefaultRX2DR:        2,
	DefaultRX2Freq:      923200000,
	ReceiveDelay1:       defaultTimings.rx1,
	ReceiveDelay2:       defaultTimings.rx2,
	JoinAcceptDelay1:    defaultTimings.ja1,
	JoinAcceptDelay2:    defaultTimings.ja2,
}

// IN865Configuration for IN 865MHz band
var IN865Configuration = RegionConfiguration{
	Name: "IN865",
	DefaultChannels: []Channel{
		{Frequency: 865062500, MinDR: 0, MaxDR: 5},
		{Frequency: 865402500, MinDR: 0, MaxDR: 5},
		{Frequency: 865985000, MinDR: 0, MaxDR: 5},
	},
	DataRates:           sf12to7,
	MaxPayloadSizePerDR: payload51to242,
	DefaultTxDR:         5,
	DefaultRX2DR:        2,
	DefaultRX2Freq:      866550000,
	ReceiveDelay1:       defaultTimings.rx1,
	ReceiveDelay2:       defaultTimings.rx2,
	JoinAcceptDelay1:    defaultTimings.ja1,
	JoinAcceptDelay2:    defaultTimings.ja2,
}

// CN470Configuration for China 470-510MHz band, first 16 uplink channels
var CN470Configuration = RegionConfiguration{
	Name:                "CN470",
	DefaultChannels:     channelRange(470300000, 200000, 16, 0, 5),
	DataRates:           sf12to7,
	MaxPayloadSizePerDR: map[int]int{0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222},
	DefaultTxDR:         5,
	DefaultRX2DR:        0,
	DefaultRX2Freq:      505300000,
	ReceiveDelay1:       defaultTimings.rx1,
	ReceiveDelay2:       defaultTimings.rx2,
	JoinAcceptDelay1:    defaultTimings.ja1,
	JoinAcceptDelay2:    defaultTimings.ja2,
}

// DownlinkFrequency returns the RX1 frequency for an uplink on uplinkFreq
func (r *RegionConfiguration) DownlinkFrequency(uplinkFreq uint32) uint32 {
	switch r.Name {
	case "US915":
		// 8 downlink channels, 600 kHz apart, mapped from uplink channel modulo 8
		ch := int((uplinkFreq-902300000)/200000) % 8
		return 923300000 + uint32(ch)*600000
	case "AU915":
		ch := int((uplinkFreq-915200000)/200000) % 8
		return 923300000 + uint32(ch)*600000
	case "CN470":
		ch := int((uplinkFreq-470300000)/200000) % 48
		return 500300000 + uint32(ch)*200000
	default:
		return uplinkFreq
	}
}
