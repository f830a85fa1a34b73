// Package protocol implements the Semtech UDP packet-forwarder protocol:
// datagram framing, JSON encoding of RX/TX descriptors, token and
// acknowledgement accounting, liveness tracking, and uplink batching.
package protocol

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"

	"github.com/agsys/lora-gateway/internal/gwtype"
)

// Packet types, per the wire format table. protocol_version is always 2.
const (
	ProtocolVersion byte = 2

	TypePushData byte = 0x00
	TypePushAck  byte = 0x01
	TypePullData byte = 0x02
	TypePullResp byte = 0x03
	TypePullAck  byte = 0x04
	TypeTxAck    byte = 0x05
)

// TX_ACK error codes.
const (
	ErrInvalidJSON  = "INVALID_JSON"
	ErrMissingTxpk  = "MISSING_TXPK"
	ErrTxFailedCode = "TX_FAILED"
	ErrTooLateCode  = "TOO_LATE"
	ErrTooEarlyCode = "TOO_EARLY"
)

// RXPK is one uplink frame in a PUSH_DATA rxpk array.
type RXPK struct {
	Tmst uint32  `json:"tmst"`
	Freq float64 `json:"freq"`
	Chan uint8   `json:"chan"`
	Rfch uint8   `json:"rfch"`
	Stat string  `json:"stat"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	Rssi int     `json:"rssi"`
	Lsnr float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// TXPK is the downlink descriptor parsed from a PULL_RESP payload.
type TXPK struct {
	Imme bool    `json:"imme,omitempty"`
	Tmst uint32  `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu,omitempty"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	Ipol bool    `json:"ipol"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// Stat is the periodic statistics payload.
type Stat struct {
	Time string  `json:"time"`
	Rxnb int     `json:"rxnb"`
	Rxok int     `json:"rxok"`
	Rxfw int     `json:"rxfw"`
	Ackr float64 `json:"ackr"`
	Dwnb int     `json:"dwnb"`
	Txnb int     `json:"txnb"`
}

type rxpkPayload struct {
	RXPK []RXPK `json:"rxpk"`
}

type statPayload struct {
	Stat Stat `json:"stat"`
}

type txpkPayload struct {
	TXPK *TXPK `json:"txpk"`
}

type txAckPayload struct {
	TxpkAck struct {
		Error string `json:"error,omitempty"`
	} `json:"txpk_ack"`
}

// base64Encode/Decode use the standard alphabet with '=' padding, no line
// wrapping, per the spec.
func base64Encode(p []byte) string { return base64.StdEncoding.EncodeToString(p) }

func base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

var datrRe = regexp.MustCompile(`^SF(\d+)BW(\d+)$`)

// parseDatr decodes a "SF<sf>BW<khz>" string into spreading factor and
// bandwidth; a malformed string is a DecodeError.
func parseDatr(datr string) (sf uint8, bw gwtype.Bandwidth, err error) {
	m := datrRe.FindStringSubmatch(datr)
	if m == nil {
		return 0, 0, newErr(KindDecodeError, fmt.Errorf("malformed datr %q", datr))
	}
	sfVal, _ := strconv.Atoi(m[1])
	khz, _ := strconv.Atoi(m[2])
	bwVal, ok := gwtype.ParseBandwidthKHz(khz)
	if !ok || sfVal < 6 || sfVal > 12 {
		return 0, 0, newErr(KindDecodeError, fmt.Errorf("unsupported datr %q", datr))
	}
	return uint8(sfVal), bwVal, nil
}

var codrRe = regexp.MustCompile(`^4/(\d+)$`)

// parseCodr decodes a "4/n" coding-rate string.
func parseCodr(codr string) (gwtype.CodingRate, error) {
	m := codrRe.FindStringSubmatch(codr)
	if m == nil {
		return 0, newErr(KindDecodeError, fmt.Errorf("malformed codr %q", codr))
	}
	n, _ := strconv.Atoi(m[1])
	cr, ok := gwtype.ParseCodingRateDenominator(n)
	if !ok {
		return 0, newErr(KindDecodeError, fmt.Errorf("unsupported codr %q", codr))
	}
	return cr, nil
}

// rxpkFromDescriptor renders an RxDescriptor into the JSON rxpk shape.
// Frequency is rendered in MHz with six significant digits, matching the
// round-trip property's tolerance.
func rxpkFromDescriptor(d gwtype.RxDescriptor) RXPK {
	stat := "OK"
	if !d.CRCOk {
		stat = "CRC"
	}
	return RXPK{
		Tmst: d.HWTimestampUs,
		Freq: mhzSixSigFigs(d.Modulation.FrequencyHz),
		Chan: 0,
		Rfch: d.RFChainIndex,
		Stat: stat,
		Modu: "LORA",
		Datr: d.Modulation.Datr(),
		Codr: d.Modulation.CodingRate.String(),
		Rssi: int(d.RSSIdBm),
		Lsnr: d.SNRdB,
		Size: len(d.Payload),
		Data: base64Encode(d.Payload),
	}
}

func mhzSixSigFigs(hz uint32) float64 {
	mhz := float64(hz) / 1e6
	v, _ := strconv.ParseFloat(strconv.FormatFloat(mhz, 'g', 6, 64), 64)
	return v
}

// txRequestFromTXPK maps a parsed TXPK into a TxRequest, per the downlink
// field-mapping rules in the spec.
func txRequestFromTXPK(t TXPK) (gwtype.TxRequest, error) {
	if len(t.Data) == 0 {
		return gwtype.TxRequest{}, newErr(KindDecodeError, fmt.Errorf("empty data"))
	}
	payload, err := base64Decode(t.Data)
	if err != nil {
		return gwtype.TxRequest{}, newErr(KindDecodeError, fmt.Errorf("base64: %w", err))
	}
	if len(payload) > 255 {
		return gwtype.TxRequest{}, newErr(KindDecodeError, fmt.Errorf("payload length %d exceeds 255", len(payload)))
	}
	sf, bw, err := parseDatr(t.Datr)
	if err != nil {
		return gwtype.TxRequest{}, err
	}
	cr, err := parseCodr(t.Codr)
	if err != nil {
		return gwtype.TxRequest{}, err
	}

	schedule := gwtype.Schedule{Kind: gwtype.ScheduleImmediate}
	if !t.Imme {
		schedule = gwtype.Schedule{Kind: gwtype.ScheduleAt, TimestampUs: t.Tmst}
	}

	return gwtype.TxRequest{
		Payload: payload,
		Modulation: gwtype.Modulation{
			FrequencyHz:     uint32(t.Freq*1e6 + 0.5),
			Bandwidth:       bw,
			SpreadingFactor: sf,
			CodingRate:      cr,
		},
		TxPowerDbm: int8(t.Powe),
		Schedule:   schedule,
		InvertIQ:   t.Ipol,
	}, nil
}
