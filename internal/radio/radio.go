// Package radio implements the register-level driver for one SX127x-family
// LoRa transceiver: configuration, interrupt-driven RX/TX framing, and
// channel activity detection.
package radio

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/lora-gateway/internal/clock"
	"github.com/agsys/lora-gateway/internal/gwtype"
)

// Radio drives one transceiver over a shared SPI bus. All register access
// is serialized by mu; concurrent readers of cached state are forbidden
// during a transaction.
type Radio struct {
	name  string
	spi   SPI
	reset Pin
	dio0  Pin
	clock clock.Source
	log   *log.Logger

	mu   sync.Mutex
	mode Mode
	cfg  gwtype.RadioConfig

	rxCallback func(gwtype.RxDescriptor)
	txDone     chan error
	cadResult  chan bool
}

// New resets the chip, verifies its identity against the expected SX127x
// version byte, and latches LoRa mode. A version mismatch returns
// ChipAbsent with no further register writes; on a match it puts the chip
// in Standby and arms the DIO0 watch. Modem parameters are left for
// Configure.
func New(name string, spi SPI, reset, dio0 Pin, clk clock.Source, logger *log.Logger) (*Radio, error) {
	if logger == nil {
		logger = log.Default()
	}
	r := &Radio{
		name:  name,
		spi:   spi,
		reset: reset,
		dio0:  dio0,
		clock: clk,
		log:   logger,
		mode:  ModeSleep,
	}

	if r.reset != nil {
		_ = r.reset.Out(Low)
		time.Sleep(time.Millisecond)
		_ = r.reset.Out(High)
		time.Sleep(5 * time.Millisecond)
	}

	if err := r.writeReg(regOpMode, opModeLongRangeMode|opModeLowFreqMode); err != nil {
		return nil, newErr(ErrBusError, err)
	}

	ver, err := r.readReg(regVersion)
	if err != nil {
		return nil, newErr(ErrBusError, err)
	}
	if ver != chipVersionExpected {
		return nil, newErr(ErrChipAbsent, fmt.Errorf("radio %s: version register = 0x%02x, want 0x%02x", name, ver, chipVersionExpected))
	}

	if err := r.setModeLocked(ModeStandby); err != nil {
		return nil, newErr(ErrBusError, err)
	}

	if r.dio0 != nil {
		if err := r.dio0.Watch(RisingEdge, r.handleInterrupt); err != nil {
			return nil, newErr(ErrBusError, fmt.Errorf("arm dio0 watch: %w", err))
		}
	}

	r.logf("identified chip version 0x%02x, standby", ver)
	return r, nil
}

func (r *Radio) logf(format string, args ...any) {
	r.log.Printf("[radio:%s] "+format, append([]any{r.name}, args...)...)
}

// Close disarms the interrupt watch. It does not change the chip's
// operating mode, so the chip is not put to sleep.
func (r *Radio) Close() error {
	if r.dio0 != nil {
		return r.dio0.Unwatch()
	}
	return nil
}

// Configure applies a RadioConfig: frequency, modem parameters, TX power,
// sync word, preamble, and FIFO base addresses, per the configuration
// sequence in the spec. The radio ends in Standby.
func (r *Radio) Configure(cfg gwtype.RadioConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.setModeLocked(ModeSleep); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.setModeLocked(ModeStandby); err != nil {
		return newErr(ErrBusError, err)
	}

	frf := frfRegisters(cfg.FrequencyHz)
	if err := r.writeBurst(regFrfMsb, frf[:]); err != nil {
		return newErr(ErrBusError, err)
	}

	bw := bandwidthCode(uint32(cfg.Bandwidth))
	modemConfig1 := bw<<4 | byte(cfg.CodingRate)<<1
	if cfg.ImplicitHeader {
		modemConfig1 |= 0x01
	}
	if err := r.writeReg(regModemConfig1, modemConfig1); err != nil {
		return newErr(ErrBusError, err)
	}

	modemConfig2 := cfg.SpreadingFactor << 4 // symbol-timeout MSBs left clear
	if cfg.CRCOn {
		modemConfig2 |= 0x04 // RxPayloadCrcOn
	}
	if err := r.writeReg(regModemConfig2, modemConfig2); err != nil {
		return newErr(ErrBusError, err)
	}

	optimize, threshold := detectOptimizeAndThreshold(cfg.SpreadingFactor)
	if err := r.writeReg(regDetectOptimize, optimize); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regDetectionThreshold, threshold); err != nil {
		return newErr(ErrBusError, err)
	}

	modemConfig3 := byte(0x04) // AGC auto on
	if cfg.SpreadingFactor >= 11 && cfg.Bandwidth <= gwtype.BW125 {
		modemConfig3 |= 0x08 // low-data-rate optimize
	}
	if err := r.writeReg(regModemConfig3, modemConfig3); err != nil {
		return newErr(ErrBusError, err)
	}

	paConfig, paDac := paConfigForPower(cfg.TxPowerDbm)
	if err := r.writeReg(regPaConfig, paConfig); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regPaDac, paDac); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regOcp, ocpTrimFor100mA); err != nil {
		return newErr(ErrBusError, err)
	}

	if err := r.writeReg(regSyncWord, cfg.SyncWord); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regPreambleMsb, byte(cfg.PreambleLen>>8)); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regPreambleLsb, byte(cfg.PreambleLen)); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regLna, 0x23); err != nil { // max gain, LNA boost on
		return newErr(ErrBusError, err)
	}

	iq := byte(0x27)
	if cfg.InvertIQRx {
		iq = 0x67
	}
	if err := r.writeReg(regInvertIQ, iq); err != nil {
		return newErr(ErrBusError, err)
	}

	if err := r.writeReg(regFifoTxBaseAddr, 0x00); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regFifoRxBaseAddr, 0x00); err != nil {
		return newErr(ErrBusError, err)
	}

	r.cfg = cfg
	r.logf("configured freq=%dHz sf=%d bw=%d cr=%s power=%ddBm", cfg.FrequencyHz, cfg.SpreadingFactor, cfg.Bandwidth, cfg.CodingRate, cfg.TxPowerDbm)
	return nil
}

// SetFrequency retunes the carrier without a full Configure, used by the
// channel manager's optional hopping and by Transmit's per-request retune.
func (r *Radio) SetFrequency(hz uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	frf := frfRegisters(hz)
	if err := r.writeBurst(regFrfMsb, frf[:]); err != nil {
		return newErr(ErrBusError, err)
	}
	r.cfg.FrequencyHz = hz
	return nil
}

// StartReceive arms continuous receive and registers the callback invoked
// from interrupt context on every RX_DONE.
func (r *Radio) StartReceive(cb func(gwtype.RxDescriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writeReg(regIrqFlags, 0xFF); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regDioMapping1, dio0Mapping(ModeRxContinuous)); err != nil {
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regFifoAddrPtr, 0x00); err != nil {
		return newErr(ErrBusError, err)
	}
	r.rxCallback = cb
	return r.setModeLocked(ModeRxContinuous)
}

// Transmit sends one packet. The radio must be in Standby with no TX in
// flight. It blocks until the TX_DONE interrupt fires or ctx is done,
// resolving the spec's open question about TX-done detection: completion
// is observed through a channel signalled from the interrupt handler, not
// a polled flag.
func (r *Radio) Transmit(ctx context.Context, req gwtype.TxRequest) error {
	if len(req.Payload) > 255 {
		return newErr(ErrInvalidArgument, fmt.Errorf("payload length %d exceeds 255", len(req.Payload)))
	}

	r.mu.Lock()
	if r.mode != ModeStandby {
		r.mu.Unlock()
		return newErr(ErrBusy, fmt.Errorf("radio %s not in standby (mode=%d)", r.name, r.mode))
	}

	if req.Modulation.FrequencyHz != 0 && req.Modulation.FrequencyHz != r.cfg.FrequencyHz {
		frf := frfRegisters(req.Modulation.FrequencyHz)
		if err := r.writeBurst(regFrfMsb, frf[:]); err != nil {
			r.mu.Unlock()
			return newErr(ErrBusError, err)
		}
		r.cfg.FrequencyHz = req.Modulation.FrequencyHz
	}

	iq := byte(0x27)
	if req.InvertIQ {
		iq = 0x67
	}
	if err := r.writeReg(regInvertIQ, iq); err != nil {
		r.mu.Unlock()
		return newErr(ErrBusError, err)
	}

	if err := r.writeReg(regIrqFlags, 0xFF); err != nil {
		r.mu.Unlock()
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regDioMapping1, dio0Mapping(ModeTx)); err != nil {
		r.mu.Unlock()
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regFifoAddrPtr, 0x00); err != nil {
		r.mu.Unlock()
		return newErr(ErrBusError, err)
	}
	if err := r.writeBurst(regFIFO, req.Payload); err != nil {
		r.mu.Unlock()
		return newErr(ErrBusError, err)
	}
	if err := r.writeReg(regPayloadLength, byte(len(req.Payload))); err != nil {
		r.mu.Unlock()
		return newErr(ErrBusError, err)
	}

	done := make(chan error, 1)
	r.txDone = done
	if err := r.setModeLocked(ModeTx); err != nil {
		r.mu.Unlock()
		return newErr(ErrBusError, err)
	}
	r.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return newErr(ErrTimeout, ctx.Err())
	}
}

// CAD performs channel-activity detection with a 100 ms ceiling, returning
// true if the channel is free.
func (r *Radio) CAD(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if err := r.writeReg(regIrqFlags, 0xFF); err != nil {
		r.mu.Unlock()
		return false, newErr(ErrBusError, err)
	}
	if err := r.writeReg(regDioMapping1, dio0Mapping(ModeCad)); err != nil {
		r.mu.Unlock()
		return false, newErr(ErrBusError, err)
	}
	result := make(chan bool, 1)
	r.cadResult = result
	if err := r.setModeLocked(ModeCad); err != nil {
		r.mu.Unlock()
		return false, newErr(ErrBusError, err)
	}
	r.mu.Unlock()

	cadCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	select {
	case detected := <-result:
		return !detected, nil
	case <-cadCtx.Done():
		return false, newErr(ErrTimeout, cadCtx.Err())
	}
}

// handleInterrupt runs on the DIO0 rising edge. It must not block: it reads
// the IRQ flags, does the bounded FIFO work, and hands off via a callback
// or a completion channel. Real processing of the resulting RxDescriptor
// happens in the consumer of the bounded queue the callback feeds.
func (r *Radio) handleInterrupt() {
	r.mu.Lock()
	flags, err := r.readReg(regIrqFlags)
	if err != nil {
		r.mu.Unlock()
		r.logf("irq flags read failed: %v", err)
		return
	}

	switch {
	case flags&irqRxDone != 0 && (r.mode == ModeRxContinuous || r.mode == ModeRxSingle):
		desc, rerr := r.readRxDescriptorLocked(flags)
		_ = r.writeReg(regIrqFlags, irqRxDone|irqCrcError)
		cb := r.rxCallback
		r.mu.Unlock()
		if rerr != nil {
			r.logf("rx descriptor read failed: %v", rerr)
			return
		}
		if cb != nil {
			cb(desc)
		}

	case flags&irqTxDone != 0 && r.mode == ModeTx:
		_ = r.writeReg(regIrqFlags, irqTxDone)
		_ = r.setModeLocked(ModeStandby)
		done := r.txDone
		r.mu.Unlock()
		if done != nil {
			done <- nil
		}

	case flags&irqCadDone != 0 && r.mode == ModeCad:
		detected := flags&irqCadDetected != 0
		_ = r.writeReg(regIrqFlags, irqCadDone|irqCadDetected)
		_ = r.setModeLocked(ModeStandby)
		result := r.cadResult
		r.mu.Unlock()
		if result != nil {
			result <- detected
		}

	default:
		r.mu.Unlock()
	}
}

// readRxDescriptorLocked must be called with mu held. It builds an
// RxDescriptor reflecting the currently applied modulation, per the spec.
func (r *Radio) readRxDescriptorLocked(flags byte) (gwtype.RxDescriptor, error) {
	n, err := r.readReg(regRxNbBytes)
	if err != nil {
		return gwtype.RxDescriptor{}, err
	}
	curr, err := r.readReg(regFifoRxCurrAddr)
	if err != nil {
		return gwtype.RxDescriptor{}, err
	}
	if err := r.writeReg(regFifoAddrPtr, curr); err != nil {
		return gwtype.RxDescriptor{}, err
	}
	payload, err := r.readBurst(regFIFO, int(n))
	if err != nil {
		return gwtype.RxDescriptor{}, err
	}
	rssiReg, err := r.readReg(regPktRssiValue)
	if err != nil {
		return gwtype.RxDescriptor{}, err
	}
	snrReg, err := r.readReg(regPktSnrValue)
	if err != nil {
		return gwtype.RxDescriptor{}, err
	}

	return gwtype.RxDescriptor{
		Payload: payload,
		Modulation: gwtype.Modulation{
			FrequencyHz:     r.cfg.FrequencyHz,
			Bandwidth:       r.cfg.Bandwidth,
			SpreadingFactor: r.cfg.SpreadingFactor,
			CodingRate:      r.cfg.CodingRate,
		},
		RSSIdBm:       int16(rssiReg) - 157,
		SNRdB:         float64(int8(snrReg)) / 4,
		CRCOk:         flags&irqCrcError == 0,
		HWTimestampUs: r.clock.NowMicros(),
		RFChainIndex:  0,
	}, nil
}

// setModeLocked must be called with mu held. It only writes RegOpMode;
// StartReceive, Transmit and CAD clear the pending interrupt flags
// themselves before they remap DIO0 and change mode.
func (r *Radio) setModeLocked(m Mode) error {
	opMode := opModeLongRangeMode | opModeLowFreqMode | byte(m)
	if err := r.writeReg(regOpMode, opMode); err != nil {
		return err
	}
	r.mode = m
	return nil
}

func (r *Radio) writeReg(addr byte, val byte) error {
	w := []byte{addr | regWriteBit, val}
	return r.spi.Tx(w, make([]byte, len(w)))
}

func (r *Radio) readReg(addr byte) (byte, error) {
	w := []byte{addr &^ regWriteBit, 0x00}
	rd := make([]byte, len(w))
	if err := r.spi.Tx(w, rd); err != nil {
		return 0, err
	}
	return rd[1], nil
}

func (r *Radio) writeBurst(addr byte, data []byte) error {
	w := make([]byte, len(data)+1)
	w[0] = addr | regWriteBit
	copy(w[1:], data)
	return r.spi.Tx(w, make([]byte, len(w)))
}

func (r *Radio) readBurst(addr byte, n int) ([]byte, error) {
	w := make([]byte, n+1)
	w[0] = addr &^ regWriteBit
	rd := make([]byte, len(w))
	if err := r.spi.Tx(w, rd); err != nil {
		return nil, err
	}
	return rd[1:], nil
}
