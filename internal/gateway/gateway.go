// Package gateway implements the gateway core: lifecycle, statistics
// aggregation, RX descriptor routing from the radio driver to the
// protocol engine, and gateway EUI derivation. The frequency-plan helpers
// live in package freqplan.
package gateway

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agsys/lora-gateway/internal/channelmgr"
	"github.com/agsys/lora-gateway/internal/clock"
	"github.com/agsys/lora-gateway/internal/gwtype"
	"github.com/agsys/lora-gateway/internal/pipeline"
)

const rxQueueCapacity = 32

// Forwarder is the narrow interface the gateway core needs from the
// protocol engine: submit an uplink for eventual PUSH_DATA encoding.
type Forwarder interface {
	Submit(gwtype.RxDescriptor) bool
}

// Config controls core behavior not owned by the radio or protocol layers.
type Config struct {
	// DropNonCRCOk discards CRC-failed frames before they reach the
	// forwarder. The zero value forwards them; cmd/lora-gateway sets it
	// true unless gateway.forward_non_crc_ok is set.
	DropNonCRCOk bool
}

// Gateway is the core: it owns the RX processing queue, aggregates
// GatewayStats from every concurrent context via atomics, and implements
// channelmgr.RxSink and protocol.StatsSink so the radio and protocol
// layers never need to know about each other.
type Gateway struct {
	cfg       Config
	clock     clock.Source
	mgr       *channelmgr.Manager
	forwarder Forwarder
	log       *log.Logger

	rxQueue *pipeline.DropNewestQueue[gwtype.RxDescriptor]

	rxTotal     atomic.Uint64
	rxOk        atomic.Uint64
	rxBad       atomic.Uint64
	rxForwarded atomic.Uint64
	txTotal     atomic.Uint64
	txOk        atomic.Uint64
	txFail      atomic.Uint64
	txCollision atomic.Uint64
	lastRxNanos atomic.Int64
	lastTxNanos atomic.Int64

	startTime time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New constructs the core. Call SetForwarder before Start.
func New(cfg Config, clk clock.Source, mgr *channelmgr.Manager, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		cfg:      cfg,
		clock:    clk,
		mgr:      mgr,
		log:      logger,
		rxQueue:  pipeline.NewDropNewestQueue[gwtype.RxDescriptor](rxQueueCapacity),
		stopChan: make(chan struct{}),
	}
}

// SetForwarder wires the protocol engine in after construction, breaking
// the construction-order cycle (the engine's StatsSink is this Gateway).
func (g *Gateway) SetForwarder(f Forwarder) { g.forwarder = f }

// Start arms the channel manager's RX radio with this Gateway as the
// RxSink and launches the RX processing worker.
func (g *Gateway) Start() error {
	g.startTime = g.clock.WallClock()
	if err := g.mgr.Start(g); err != nil {
		return err
	}
	g.wg.Add(1)
	go g.rxWorker()
	return nil
}

// Stop is cooperative.
func (g *Gateway) Stop() {
	close(g.stopChan)
	g.mgr.Stop()
	g.wg.Wait()
}

// OnReceive is invoked from the radio driver's interrupt-adjacent
// callback. It performs only bounded, non-blocking work: counter
// increments and a wait-free queue push.
func (g *Gateway) OnReceive(d gwtype.RxDescriptor) {
	g.rxTotal.Add(1)
	if d.CRCOk {
		g.rxOk.Add(1)
	} else {
		g.rxBad.Add(1)
	}
	g.lastRxNanos.Store(int64(d.HWTimestampUs))
	g.rxQueue.Enqueue(d)
}

// rxWorker drains the RX queue, applies the configurable CRC filter, and
// submits surviving frames to the protocol engine.
func (g *Gateway) rxWorker() {
	defer g.wg.Done()
	for {
		d, ok := g.rxQueue.Dequeue(g.stopChan)
		if !ok {
			return
		}
		if !d.CRCOk && g.cfg.DropNonCRCOk {
			continue
		}
		if g.forwarder != nil {
			g.forwarder.Submit(d)
		}
	}
}

// RetuneRx changes the RX radio's carrier frequency.
func (g *Gateway) RetuneRx(hz uint32) error { return g.mgr.RetuneRx(hz) }

// NowMicros is the monotonic microsecond timestamp accessor shared by the
// radio driver and the protocol engine.
func (g *Gateway) NowMicros() uint32 { return g.clock.NowMicros() }

// Snapshot implements protocol.StatsSink.
func (g *Gateway) Snapshot() gwtype.GatewayStats {
	return gwtype.GatewayStats{
		RxTotal:     g.rxTotal.Load(),
		RxOk:        g.rxOk.Load(),
		RxBad:       g.rxBad.Load(),
		RxForwarded: g.rxForwarded.Load(),
		TxTotal:     g.txTotal.Load(),
		TxOk:        g.txOk.Load(),
		TxFail:      g.txFail.Load(),
		TxCollision: g.txCollision.Load(),
		UptimeSec:   uint64(g.clock.WallClock().Sub(g.startTime).Seconds()),
	}
}

// IncRxForwarded implements protocol.StatsSink: the spec's resolution of
// the open question of when to count a forwarded uplink — on PUSH_DATA
// sendto success, reported by the protocol engine after each send.
func (g *Gateway) IncRxForwarded(n uint64) { g.rxForwarded.Add(n) }

// The following implement channelmgr.OutcomeSink.

func (g *Gateway) TxOk() {
	g.txTotal.Add(1)
	g.txOk.Add(1)
	g.lastTxNanos.Store(g.clock.WallClock().UnixNano())
}

func (g *Gateway) TxFail() {
	g.txTotal.Add(1)
	g.txFail.Add(1)
}

func (g *Gateway) TxCollision() {
	g.txTotal.Add(1)
	g.txCollision.Add(1)
}

func (g *Gateway) QueueFullDropped() {
	g.log.Printf("[gateway] tx queue full, request dropped")
}
