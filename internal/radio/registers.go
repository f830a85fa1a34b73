package radio

// SX127x register addresses. The top bit of the address byte selects write
// (set) vs read (clear) per the SPI register I/O contract.
const (
	regFIFO          = 0x00
	regOpMode        = 0x01
	regFrfMsb        = 0x06
	regPaConfig      = 0x09
	regOcp           = 0x0B
	regLna           = 0x0C
	regFifoAddrPtr   = 0x0D
	regFifoTxBaseAddr = 0x0E
	regFifoRxBaseAddr = 0x0F
	regFifoRxCurrAddr = 0x10
	regIrqFlagsMask  = 0x11
	regIrqFlags      = 0x12
	regRxNbBytes     = 0x13
	regModemStat     = 0x18
	regPktSnrValue   = 0x19
	regPktRssiValue  = 0x1A
	regModemConfig1  = 0x1D
	regModemConfig2  = 0x1E
	regSymbTimeout   = 0x1F
	regPreambleMsb   = 0x20
	regPreambleLsb   = 0x21
	regPayloadLength = 0x22
	regMaxPayloadLen = 0x23
	regModemConfig3  = 0x26
	regDetectOptimize = 0x31
	regInvertIQ      = 0x33
	regDetectionThreshold = 0x37
	regSyncWord      = 0x39
	regDioMapping1   = 0x40
	regVersion       = 0x42
	regPaDac         = 0x4D
)

const regWriteBit = 0x80

// Operating modes. Values match the chip's RegOpMode low bits; the LoRa
// (vs FSK) mode bit and the low-frequency-mode bit are handled separately
// in the driver since they are only mutable in Sleep.
type Mode uint8

const (
	ModeSleep Mode = iota
	ModeStandby
	ModeFsTx
	ModeTx
	ModeFsRx
	ModeRxContinuous
	ModeRxSingle
	ModeCad
)

const (
	opModeLongRangeMode = 1 << 7 // LoRa mode, mutable only in Sleep
	opModeLowFreqMode   = 1 << 3
)

// IRQ flag bits, RegIrqFlags (0x12).
const (
	irqRxTimeout = 1 << 7
	irqRxDone    = 1 << 6
	irqCrcError  = 1 << 5
	irqValidHdr  = 1 << 4
	irqTxDone    = 1 << 3
	irqCadDone   = 1 << 2
	irqFhssChange = 1 << 1
	irqCadDetected = 1 << 0
)

// chipVersionExpected is the RegVersion identity byte for the SX127x family.
const chipVersionExpected = 0x12

// fXOHz is the crystal oscillator frequency used by the FRF formula.
const fXOHz = 32000000

// frfRegisters computes FRF = freq_hz * 2^19 / F_XO and returns the three
// bytes to write MSB->LSB into RegFrfMsb, RegFrfMsb+1, RegFrfMsb+2.
func frfRegisters(freqHz uint32) [3]byte {
	frf := (uint64(freqHz) << 19) / fXOHz
	return [3]byte{byte(frf >> 16), byte(frf >> 8), byte(frf)}
}

// bandwidthCode maps a channel bandwidth to the 4-bit RegModemConfig1 field.
func bandwidthCode(bw uint32) byte {
	switch bw {
	case 125000:
		return 0x7
	case 250000:
		return 0x8
	case 500000:
		return 0x9
	default:
		return 0x7
	}
}

// detectOptimizeAndThreshold returns the RegDetectOptimize and
// RegDetectionThreshold values for the given spreading factor: SF6 needs a
// distinct pair from SF7-12.
func detectOptimizeAndThreshold(sf uint8) (optimize, threshold byte) {
	if sf == 6 {
		return 0x05, 0x0C
	}
	return 0x03, 0x0A
}

// paConfigForPower implements the TX power programming algorithm from the
// spec: <=17 dBm uses the PA_BOOST pin with the nominal/default DAC,
// 18-20 dBm enables the boost DAC (register value 0x87). dBm is saturated
// to [2, 20] before encoding.
func paConfigForPower(dBm int8) (paConfig, paDac byte) {
	if dBm < 2 {
		dBm = 2
	}
	if dBm > 20 {
		dBm = 20
	}
	const paBoost = 1 << 7
	if dBm <= 17 {
		outputPower := byte(dBm - 2)
		return paBoost | outputPower, 0x84
	}
	outputPower := byte(dBm - 5)
	return paBoost | outputPower, 0x87
}

// ocpTrimFor100mA is the RegOcp value enabling over-current protection at
// approximately 100 mA: OcpOn | OcpTrim, OcpTrim = (100-45)/5.
const ocpTrimFor100mA = 0x20 | 0x0B

// dio0Mapping selects the RegDioMapping1 DIO0 field for the mode the radio
// is about to enter, so the driver always knows which IRQ fired: RxDone,
// TxDone, or CadDone.
func dio0Mapping(m Mode) byte {
	switch m {
	case ModeTx:
		return 0x40
	case ModeRxContinuous, ModeRxSingle:
		return 0x00
	case ModeCad:
		return 0x80
	default:
		return 0xC0 // no interrupt source of interest
	}
}
