// Package freqplan implements the AU915 channel tables and the
// uplink-to-RX1-downlink mapping named in the spec.
package freqplan

const (
	UplinkChannelCount   = 64
	UplinkStartHz        = 915200000
	UplinkStepHz         = 200000
	SubBandCount         = 8
	SubBandSize          = UplinkChannelCount / SubBandCount

	DownlinkChannelCount = 8
	DownlinkStartHz      = 923300000
	DownlinkStepHz       = 600000

	SyncWordPublic = 0x34

	RX2FrequencyHz        = 923300000
	RX2SpreadingFactor    = 12
	RX2BandwidthHz        = 500000
)

// UplinkChannelHz returns the carrier frequency for uplink channel n (0..63).
func UplinkChannelHz(n int) uint32 {
	return UplinkStartHz + uint32(n)*UplinkStepHz
}

// DownlinkChannelHz returns the carrier frequency for downlink channel n (0..7).
func DownlinkChannelHz(n int) uint32 {
	return DownlinkStartHz + uint32(n)*DownlinkStepHz
}

// SubBand returns the sub-band (0..7) an uplink channel belongs to.
func SubBand(uplinkChannel int) int {
	return uplinkChannel / SubBandSize
}

// RX1DownlinkChannel maps an uplink channel to its RX1 downlink channel:
// n / 8, capped to 7. This is the spec's literal formula; it is not the
// same as "n mod 8" for every channel (e.g. channel 17 maps to 2, not 1).
func RX1DownlinkChannel(uplinkChannel int) int {
	c := uplinkChannel / DownlinkChannelCount
	if c > DownlinkChannelCount-1 {
		c = DownlinkChannelCount - 1
	}
	return c
}
