// Package gwtype holds the data types shared across the radio driver,
// channel manager, protocol engine, and pipeline: the descriptors that
// flow uplink and downlink through the gateway.
package gwtype

import "fmt"

// Bandwidth is a LoRa channel bandwidth in Hz.
type Bandwidth uint32

const (
	BW125 Bandwidth = 125000
	BW250 Bandwidth = 250000
	BW500 Bandwidth = 500000
)

// KHz returns the bandwidth expressed in kHz, as used in the "datr" string.
func (b Bandwidth) KHz() int { return int(b / 1000) }

// ParseBandwidthKHz maps a kHz value from a "datr" string to a Bandwidth.
func ParseBandwidthKHz(khz int) (Bandwidth, bool) {
	switch khz {
	case 125:
		return BW125, true
	case 250:
		return BW250, true
	case 500:
		return BW500, true
	default:
		return 0, false
	}
}

// CodingRate is one of the four LoRa coding rates, 4/5 .. 4/8.
type CodingRate uint8

const (
	CR4_5 CodingRate = 1
	CR4_6 CodingRate = 2
	CR4_7 CodingRate = 3
	CR4_8 CodingRate = 4
)

// String renders the coding rate the way the wire protocol expects: "4/5" .. "4/8".
func (c CodingRate) String() string {
	return fmt.Sprintf("4/%d", 4+int(c))
}

// ParseCodingRateDenominator maps the "n" in "4/n" to a CodingRate.
func ParseCodingRateDenominator(n int) (CodingRate, bool) {
	cr := n - 4
	if cr < 1 || cr > 4 {
		return 0, false
	}
	return CodingRate(cr), true
}

// Modulation describes the LoRa radio parameters used for one frame.
type Modulation struct {
	FrequencyHz     uint32
	Bandwidth       Bandwidth
	SpreadingFactor uint8
	CodingRate      CodingRate
}

// Datr renders the "datr" field of the Semtech JSON encoding, e.g. "SF7BW125".
func (m Modulation) Datr() string {
	return fmt.Sprintf("SF%dBW%d", m.SpreadingFactor, m.Bandwidth.KHz())
}

// RxDescriptor is produced by the radio driver on every framing completion.
// It is allocated inside the interrupt handler, moved through the gateway
// core's bounded RX queue and then the protocol engine's bounded uplink
// queue, encoded, then discarded; it is never mutated after construction.
type RxDescriptor struct {
	Payload       []byte
	Modulation    Modulation
	RSSIdBm       int16
	SNRdB         float64
	CRCOk         bool
	HWTimestampUs uint32
	RFChainIndex  uint8
}

// ScheduleKind selects how a TxRequest is timed.
type ScheduleKind uint8

const (
	ScheduleImmediate ScheduleKind = iota
	ScheduleAt
)

// Schedule is the variant {Immediate | At(timestamp_us)} named in the spec;
// AtGps is not implemented, matching "only Immediate and At required."
type Schedule struct {
	Kind         ScheduleKind
	TimestampUs  uint32
}

// TxRequest is produced by the protocol engine from a parsed PULL_RESP.
// It is allocated by the decoder, moved into the channel manager's TX
// queue, dequeued by the TX worker, transmitted, then discarded.
type TxRequest struct {
	Payload    []byte
	Modulation Modulation
	TxPowerDbm int8
	Schedule   Schedule
	InvertIQ   bool
}

// RadioConfig is the durable per-radio configuration: carrier frequency,
// modem parameters, and TX power.
type RadioConfig struct {
	FrequencyHz     uint32
	SpreadingFactor uint8
	Bandwidth       Bandwidth
	CodingRate      CodingRate
	SyncWord        byte
	PreambleLen     uint16
	CRCOn           bool
	ImplicitHeader  bool
	InvertIQRx      bool
	InvertIQTx      bool
	TxPowerDbm      int8
}

// DefaultRadioConfig returns values matching a public LoRaWAN AU915 gateway:
// sync word 0x34, preamble length 8, CRC on, explicit header.
func DefaultRadioConfig() RadioConfig {
	return RadioConfig{
		FrequencyHz:     915200000,
		SpreadingFactor: 7,
		Bandwidth:       BW125,
		CodingRate:      CR4_5,
		SyncWord:        0x34,
		PreambleLen:     8,
		CRCOn:           true,
		ImplicitHeader:  false,
		TxPowerDbm:      14,
	}
}
