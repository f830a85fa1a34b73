package protocol

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agsys/lora-gateway/internal/channelmgr"
	"github.com/agsys/lora-gateway/internal/clock"
	"github.com/agsys/lora-gateway/internal/gwtype"
	"github.com/agsys/lora-gateway/internal/pipeline"
)

const (
	udpRecvTimeout   = 1 * time.Second
	livenessWindow   = 30 * time.Second
	outboundCapBytes = 2048
	batchMaxItems    = 8
	batchFirstWait   = 100 * time.Millisecond

	// uplinkQueueCapacity matches the RX queue capacity named in the
	// spec; this is the engine's own buffer fed by the gateway core's
	// RX processing worker via Submit.
	uplinkQueueCapacity = 32
)

// Scheduler accepts a parsed downlink request. Implemented by
// channelmgr.Manager; named as an interface here to avoid the protocol
// engine depending on the manager's full surface.
type Scheduler interface {
	ScheduleTx(gwtype.TxRequest) error
}

// StatsSink is how the protocol engine reads gateway-wide counters for
// the periodic stat report and reports forwarded uplinks back to the
// gateway core, without importing it.
type StatsSink interface {
	Snapshot() gwtype.GatewayStats
	IncRxForwarded(n uint64)
}

// Config holds the engine's tunables, with the spec's reference defaults.
type Config struct {
	ServerAddr          *net.UDPAddr
	GatewayEUI          [8]byte
	KeepaliveInterval   time.Duration
	StatInterval        time.Duration
}

// DefaultConfig returns the reference intervals from the spec.
func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: 10 * time.Second,
		StatInterval:      30 * time.Second,
	}
}

// Engine implements the Semtech UDP packet-forwarder protocol.
type Engine struct {
	cfg       Config
	conn      *net.UDPConn
	clock     clock.Source
	scheduler Scheduler
	stats     StatsSink
	log       *log.Logger

	rxQueue *pipeline.DropNewestQueue[gwtype.RxDescriptor]

	pushToken atomic.Uint32
	pullToken atomic.Uint32

	pushSentCount atomic.Uint64
	pushAckCount  atomic.Uint64
	pullAckCount  atomic.Uint64

	connected   atomic.Bool
	lastPullAck atomic.Int64 // unix nanos

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEngine constructs the engine. Its uplink queue is fed by the gateway
// core's RX processing worker via Submit; the engine drains it to build
// PUSH_DATA datagrams.
func NewEngine(cfg Config, conn *net.UDPConn, clk clock.Source, scheduler Scheduler, stats StatsSink, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultConfig().KeepaliveInterval
	}
	if cfg.StatInterval == 0 {
		cfg.StatInterval = DefaultConfig().StatInterval
	}
	return &Engine{
		cfg:       cfg,
		conn:      conn,
		clock:     clk,
		scheduler: scheduler,
		stats:     stats,
		log:       logger,
		rxQueue:   pipeline.NewDropNewestQueue[gwtype.RxDescriptor](uplinkQueueCapacity),
		stopChan:  make(chan struct{}),
	}
}

// Submit pushes an uplink descriptor; called by the gateway core's RX
// processing worker after stats bookkeeping.
func (e *Engine) Submit(d gwtype.RxDescriptor) bool {
	return e.rxQueue.Enqueue(d)
}

// Status returns the current liveness view.
func (e *Engine) Status() gwtype.ForwarderStatus {
	var last time.Time
	if ns := e.lastPullAck.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return gwtype.ForwarderStatus{
		Connected:    e.connected.Load(),
		PushAckCount: e.pushAckCount.Load(),
		PullAckCount: e.pullAckCount.Load(),
		LastPullAck:  last,
	}
}

// Start sends the initial PULL_DATA and launches the UDP RX/TX workers
// and the keepalive/stats ticks.
func (e *Engine) Start() {
	e.sendPullData()

	e.wg.Add(4)
	go e.udpRxWorker()
	go e.udpTxWorker()
	go e.keepaliveLoop()
	go e.statsLoop()
}

// Stop is cooperative: close stopChan and wait for every worker.
func (e *Engine) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

func (e *Engine) udpRxWorker() {
	defer e.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-e.stopChan:
			return
		default:
		}
		e.conn.SetReadDeadline(time.Now().Add(udpRecvTimeout))
		n, err := e.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			e.log.Printf("[protocol] udp read error: %v", err)
			continue
		}
		e.handleDatagram(buf[:n])
	}
}

func (e *Engine) handleDatagram(buf []byte) {
	if len(buf) < 4 {
		return
	}
	ptype := buf[3]
	rest := buf[4:]

	switch ptype {
	case TypePushAck:
		e.pushAckCount.Add(1)
	case TypePullAck:
		e.pullAckCount.Add(1)
		e.lastPullAck.Store(time.Now().UnixNano())
		e.connected.Store(true)
	case TypePullResp:
		e.handlePullResp(rest)
	default:
		e.log.Printf("[protocol] unexpected packet type 0x%02x", ptype)
	}
}

func (e *Engine) handlePullResp(payload []byte) {
	var p txpkPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.sendTxAck(ErrInvalidJSON)
		return
	}
	if p.TXPK == nil {
		e.sendTxAck(ErrMissingTxpk)
		return
	}

	req, err := txRequestFromTXPK(*p.TXPK)
	if err != nil {
		e.sendTxAck(ErrInvalidJSON)
		return
	}

	if err := e.scheduler.ScheduleTx(req); err != nil {
		e.sendTxAck(txAckErrorFor(err))
		return
	}
	e.sendTxAck("")
}

// txAckErrorFor maps a scheduler error to a TX_ACK error code. The spec
// lists TOO_LATE/TOO_EARLY/TX_FAILED explicitly; queue-full and any other
// scheduling rejection are reported as TX_FAILED, the spec's catch-all.
func txAckErrorFor(err error) string {
	switch {
	case errors.Is(err, channelmgr.ErrTooLate):
		return ErrTooLateCode
	case errors.Is(err, channelmgr.ErrTooEarly):
		return ErrTooEarlyCode
	case errors.Is(err, channelmgr.ErrQueueFull):
		return ErrTxFailedCode
	default:
		return ErrTxFailedCode
	}
}

func (e *Engine) sendTxAck(errCode string) {
	token := uint16(e.pushToken.Add(1))
	header := []byte{ProtocolVersion, byte(token >> 8), byte(token), TypeTxAck}
	buf := append(header, e.cfg.GatewayEUI[:]...)
	if errCode != "" {
		var p txAckPayload
		p.TxpkAck.Error = errCode
		body, _ := json.Marshal(p)
		buf = append(buf, body...)
	}
	if err := e.write(buf); err != nil {
		e.log.Printf("[protocol] tx_ack send failed: %v", err)
	}
}

func (e *Engine) udpTxWorker() {
	defer e.wg.Done()
	var carry []gwtype.RxDescriptor
	for {
		select {
		case <-e.stopChan:
			return
		default:
		}

		var batch []gwtype.RxDescriptor
		if len(carry) > 0 {
			batch, carry = carry, nil
		} else {
			first, ok := e.rxQueue.DequeueTimeout(batchFirstWait)
			if !ok {
				continue
			}
			batch = []gwtype.RxDescriptor{first}
		}
		for len(batch) < batchMaxItems {
			next, ok := e.rxQueue.TryDequeue()
			if !ok {
				break
			}
			batch = append(batch, next)
		}
		carry = e.sendUplinkBatch(batch)
	}
}

// sendUplinkBatch encodes and sends one PUSH_DATA datagram. If the full
// batch would exceed the outbound buffer cap, it sends the oldest
// descriptors that fit and returns the rest for the caller to carry into
// the front of the next batch, preserving uplink order rather than
// re-enqueuing them behind newer frames.
func (e *Engine) sendUplinkBatch(batch []gwtype.RxDescriptor) []gwtype.RxDescriptor {
	sent := batch
	for len(sent) > 0 {
		buf, err := e.buildPushData(sent)
		if err == nil && len(buf) <= outboundCapBytes {
			break
		}
		sent = sent[:len(sent)-1]
	}
	leftover := batch[len(sent):]
	if len(sent) == 0 {
		return leftover
	}

	buf, err := e.buildPushData(sent)
	if err != nil {
		e.log.Printf("[protocol] encode push_data failed: %v", err)
		return leftover
	}

	e.pushSentCount.Add(1)
	if err := e.write(buf); err != nil {
		e.log.Printf("[protocol] push_data send failed: %v", err)
		return leftover
	}
	e.stats.IncRxForwarded(uint64(len(sent)))
	return leftover
}

func (e *Engine) buildPushData(batch []gwtype.RxDescriptor) ([]byte, error) {
	rxpks := make([]RXPK, 0, len(batch))
	for _, d := range batch {
		rxpks = append(rxpks, rxpkFromDescriptor(d))
	}
	body, err := json.Marshal(rxpkPayload{RXPK: rxpks})
	if err != nil {
		return nil, err
	}
	token := uint16(e.pushToken.Add(1))
	header := []byte{ProtocolVersion, byte(token >> 8), byte(token), TypePushData}
	buf := append(header, e.cfg.GatewayEUI[:]...)
	buf = append(buf, body...)
	return buf, nil
}

func (e *Engine) keepaliveLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.sendPullData()
			if e.connected.Load() {
				last := time.Unix(0, e.lastPullAck.Load())
				if time.Since(last) > livenessWindow {
					e.connected.Store(false)
					e.log.Printf("[protocol] server disconnected: no PULL_ACK in %s", livenessWindow)
				}
			}
		}
	}
}

func (e *Engine) sendPullData() {
	token := uint16(e.pullToken.Add(1))
	header := []byte{ProtocolVersion, byte(token >> 8), byte(token), TypePullData}
	buf := append(header, e.cfg.GatewayEUI[:]...)
	if err := e.write(buf); err != nil {
		e.log.Printf("[protocol] pull_data send failed: %v", err)
	}
}

func (e *Engine) statsLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.StatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.sendStats()
		}
	}
}

func (e *Engine) sendStats() {
	snap := e.stats.Snapshot()

	sent := e.pushSentCount.Swap(0)
	acked := e.pushAckCount.Swap(0)
	ackr := 100 * float64(acked) / float64(maxUint64(sent, 1))

	stat := Stat{
		Time: e.clock.WallClock().UTC().Format("2006-01-02 15:04:05 GMT"),
		Rxnb: int(snap.RxTotal),
		Rxok: int(snap.RxOk),
		Rxfw: int(snap.RxForwarded),
		Ackr: ackr,
		Dwnb: int(snap.TxTotal),
		Txnb: int(snap.TxOk),
	}

	body, err := json.Marshal(statPayload{Stat: stat})
	if err != nil {
		e.log.Printf("[protocol] encode stat failed: %v", err)
		return
	}
	token := uint16(e.pushToken.Add(1))
	header := []byte{ProtocolVersion, byte(token >> 8), byte(token), TypePushData}
	buf := append(header, e.cfg.GatewayEUI[:]...)
	buf = append(buf, body...)
	if err := e.write(buf); err != nil {
		e.log.Printf("[protocol] stat send failed: %v", err)
	}
}

// write sends one datagram to the server. A socket already connected to
// the server (net.DialUDP) is written with Write, since WriteToUDP is
// refused on a connected socket; otherwise it is addressed to ServerAddr.
func (e *Engine) write(buf []byte) error {
	if e.conn.RemoteAddr() != nil {
		_, err := e.conn.Write(buf)
		return err
	}
	_, err := e.conn.WriteToUDP(buf, e.cfg.ServerAddr)
	return err
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
