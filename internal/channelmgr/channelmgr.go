// Package channelmgr implements the channel manager: it owns the two
// radio handles, serializes timed transmissions on the TX radio while RX
// continuously runs on the RX radio, and optionally drives channel
// hopping.
package channelmgr

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agsys/lora-gateway/internal/clock"
	"github.com/agsys/lora-gateway/internal/freqplan"
	"github.com/agsys/lora-gateway/internal/gwtype"
	"github.com/agsys/lora-gateway/internal/pipeline"
	"github.com/agsys/lora-gateway/internal/radio"
)

const (
	txQueueCapacity = 16

	// Scheduling window thresholds, in microseconds, from the spec.
	maxLeadUs    = 5_000_000
	lateCutoffUs = -100_000
)

// OutcomeSink receives TX scheduling/completion outcomes so the channel
// manager doesn't need to know about the gateway core's stats struct.
type OutcomeSink interface {
	TxOk()
	TxFail()
	TxCollision()
	QueueFullDropped()
}

// RxSink receives RxDescriptors from the RX radio's interrupt callback.
// The gateway core implements this and is passed in at construction,
// breaking the cyclic back-reference the manager would otherwise need.
type RxSink interface {
	OnReceive(gwtype.RxDescriptor)
}

// Manager owns the RX and TX radios with fixed roles.
type Manager struct {
	rxRadio *radio.Radio
	txRadio *radio.Radio
	clock   clock.Source
	sink    OutcomeSink
	log     *log.Logger

	txQueue *pipeline.DropNewestQueue[gwtype.TxRequest]
	txMu    sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup

	hopMu       sync.Mutex
	hopStop     chan struct{}
	hopIndex    int
	hopPlanSize int
}

// NewManager constructs a Manager. Both radios must already be
// constructed (New()'d) but not yet configured for their roles; Start
// puts rxRadio into RxContinuous and leaves txRadio in Standby. Call
// SetSink before Start since the gateway core (the usual sink) is
// typically constructed after the manager it depends on.
func NewManager(rxRadio, txRadio *radio.Radio, clk clock.Source, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		rxRadio:  rxRadio,
		txRadio:  txRadio,
		clock:    clk,
		log:      logger,
		txQueue:  pipeline.NewDropNewestQueue[gwtype.TxRequest](txQueueCapacity),
		stopChan: make(chan struct{}),
	}
}

// SetSink wires the outcome sink. Must be called before Start.
func (m *Manager) SetSink(sink OutcomeSink) { m.sink = sink }

// Start arms RX on rxRadio and launches the TX worker.
func (m *Manager) Start(sink RxSink) error {
	if err := m.rxRadio.StartReceive(sink.OnReceive); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.txWorker()
	return nil
}

// RetuneRx changes the RX radio's carrier without disturbing RxContinuous.
func (m *Manager) RetuneRx(hz uint32) error {
	return m.rxRadio.SetFrequency(hz)
}

// Stop is cooperative: it closes stopChan and waits for the TX worker
// (and hopping ticker, if running) to exit.
func (m *Manager) Stop() {
	close(m.stopChan)
	m.StopHopping()
	m.wg.Wait()
}

// ScheduleTx checks req's scheduling window against the current clock
// and, if it's still within bounds, enqueues it on the bounded TX queue.
// A request beyond the lead window or past the late cutoff is rejected
// immediately (ErrTooEarly/ErrTooLate) rather than being queued and
// rejected later by the worker, so a caller building a TX_ACK sees the
// real rejection reason instead of reporting success for a doomed
// request. On queue overflow it drops the newest (req itself) and
// returns ErrQueueFull.
func (m *Manager) ScheduleTx(req gwtype.TxRequest) error {
	if req.Schedule.Kind == gwtype.ScheduleAt {
		delta := int32(req.Schedule.TimestampUs - m.clock.NowMicros())
		switch {
		case delta > maxLeadUs:
			m.sink.TxFail()
			return errTooEarly
		case delta < lateCutoffUs:
			m.sink.TxCollision()
			return errTooLate
		}
	}
	if !m.txQueue.Enqueue(req) {
		m.sink.QueueFullDropped()
		return errQueueFull
	}
	return nil
}

func (m *Manager) txWorker() {
	defer m.wg.Done()
	for {
		req, ok := m.txQueue.Dequeue(m.stopChan)
		if !ok {
			return
		}
		m.handleTx(req)
	}
}

// handleTx spin-waits until req's scheduled timestamp is due, then
// transmits. The lead/lateness window was already checked synchronously
// in ScheduleTx, so a request reaching here is accepted; it is simply a
// matter of waiting for its moment.
func (m *Manager) handleTx(req gwtype.TxRequest) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if req.Schedule.Kind == gwtype.ScheduleAt {
		for {
			delta := int32(req.Schedule.TimestampUs - m.clock.NowMicros())
			if delta <= 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	if req.Modulation.FrequencyHz != 0 {
		if err := m.txRadio.SetFrequency(req.Modulation.FrequencyHz); err != nil {
			m.log.Printf("[channelmgr] retune failed: %v", err)
			m.sink.TxFail()
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.txRadio.Transmit(ctx, req); err != nil {
		m.log.Printf("[channelmgr] transmit failed: %v", err)
		m.sink.TxFail()
		return
	}
	m.sink.TxOk()
}

// EnableHopping starts a periodic tick that advances a channel index
// modulo planSize and retunes the RX radio. Disabled by default.
func (m *Manager) EnableHopping(interval time.Duration, planSize int) {
	m.hopMu.Lock()
	defer m.hopMu.Unlock()
	if m.hopStop != nil {
		return
	}
	m.hopPlanSize = planSize
	m.hopStop = make(chan struct{})
	m.wg.Add(1)
	go m.hopLoop(interval)
}

// StopHopping is a no-op if hopping was never enabled.
func (m *Manager) StopHopping() {
	m.hopMu.Lock()
	stop := m.hopStop
	m.hopStop = nil
	m.hopMu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (m *Manager) hopLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.hopMu.Lock()
	stop := m.hopStop
	m.hopMu.Unlock()

	for {
		select {
		case <-m.stopChan:
			return
		case <-stop:
			return
		case <-ticker.C:
			m.hopMu.Lock()
			m.hopIndex = (m.hopIndex + 1) % m.hopPlanSize
			idx := m.hopIndex
			m.hopMu.Unlock()
			freq := freqplan.UplinkChannelHz(idx)
			if err := m.rxRadio.SetFrequency(freq); err != nil {
				m.log.Printf("[channelmgr] hop retune failed: %v", err)
			}
		}
	}
}
