package protocol

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/agsys/lora-gateway/internal/channelmgr"
	"github.com/agsys/lora-gateway/internal/clock"
	"github.com/agsys/lora-gateway/internal/gwtype"
)

type mockScheduler struct {
	mu       sync.Mutex
	received []gwtype.TxRequest
	err      error
}

func (m *mockScheduler) ScheduleTx(req gwtype.TxRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.received = append(m.received, req)
	return nil
}

type mockStatsSink struct {
	mu          sync.Mutex
	forwarded   uint64
	snapshot    gwtype.GatewayStats
}

func (m *mockStatsSink) Snapshot() gwtype.GatewayStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *mockStatsSink) IncRxForwarded(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarded += n
}

// loopbackPair dials a UDP socket from "server" to "gateway" and returns the
// gateway-side *net.UDPConn (used by the Engine) plus the server-side
// listener the test uses to observe/inject datagrams.
func loopbackPair(t *testing.T) (gatewayConn *net.UDPConn, serverConn *net.UDPConn) {
	t.Helper()
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}
	gateway, err := net.DialUDP("udp", nil, server.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() {
		gateway.Close()
		server.Close()
	})
	return gateway, server
}

func newTestEngine(t *testing.T) (*Engine, *net.UDPConn, *mockScheduler, *mockStatsSink) {
	t.Helper()
	gatewayConn, serverConn := loopbackPair(t)
	scheduler := &mockScheduler{}
	stats := &mockStatsSink{}

	cfg := Config{
		ServerAddr:        serverConn.LocalAddr().(*net.UDPAddr),
		GatewayEUI:        [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		KeepaliveInterval: time.Hour, // quiet during the test
		StatInterval:      time.Hour,
	}
	e := NewEngine(cfg, gatewayConn, clock.NewSystem(), scheduler, stats, nil)
	return e, serverConn, scheduler, stats
}

func TestEngineSubmitBatchesIntoPushData(t *testing.T) {
	e, serverConn, _, stats := newTestEngine(t)
	e.Start()
	defer e.Stop()

	d := gwtype.RxDescriptor{
		Payload: []byte{0x01, 0x02},
		Modulation: gwtype.Modulation{
			FrequencyHz:     915200000,
			Bandwidth:       gwtype.BW125,
			SpreadingFactor: 7,
			CodingRate:      gwtype.CR4_5,
		},
		CRCOk: true,
	}
	// Drain the initial PULL_DATA sent by Start before looking for PUSH_DATA.
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65535)
	if _, _, err := serverConn.ReadFromUDP(buf); err != nil || buf[3] != TypePullData {
		t.Fatalf("expected initial PULL_DATA, got err=%v type=0x%02x", err, buf[3])
	}

	if !e.Submit(d) {
		t.Fatal("Submit returned false on an empty queue")
	}

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := serverConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected a PUSH_DATA datagram within the batch window: %v", err)
	}
	if n < 4 || buf[3] != TypePushData {
		t.Fatalf("expected PUSH_DATA (0x00), got type 0x%02x", buf[3])
	}

	var payload rxpkPayload
	if err := json.Unmarshal(buf[12:n], &payload); err != nil {
		t.Fatalf("decode push_data body: %v", err)
	}
	if len(payload.RXPK) != 1 {
		t.Fatalf("got %d rxpk entries, want 1", len(payload.RXPK))
	}

	time.Sleep(20 * time.Millisecond)
	if got := stats.forwarded; got != 1 {
		t.Errorf("IncRxForwarded total = %d, want 1", got)
	}
}

func TestEnginePullRespSchedulesTx(t *testing.T) {
	e, serverConn, scheduler, _ := newTestEngine(t)
	e.Start()
	defer e.Stop()

	// Drain the initial PULL_DATA so the assertions below aren't confused by it.
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65535)
	n, clientAddr, err := serverConn.ReadFromUDP(buf)
	if err != nil || buf[3] != TypePullData {
		t.Fatalf("expected initial PULL_DATA, got n=%d err=%v type=0x%02x", n, err, buf[3])
	}

	txpk := TXPK{
		Imme: true,
		Freq: 923.3,
		Datr: "SF12BW500",
		Codr: "4/5",
		Data: base64Encode([]byte{0xAA, 0xBB}),
	}
	body, _ := json.Marshal(txpkPayload{TXPK: &txpk})
	datagram := append([]byte{ProtocolVersion, 0x00, 0x01, TypePullResp}, body...)
	if _, err := serverConn.WriteToUDP(datagram, clientAddr); err != nil {
		t.Fatalf("send PULL_RESP: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		scheduler.mu.Lock()
		got := len(scheduler.received)
		scheduler.mu.Unlock()
		if got == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for ScheduleTx to be called from a PULL_RESP")
}

func TestEngineHandlePullRespMissingTxpkSendsAck(t *testing.T) {
	e, serverConn, _, _ := newTestEngine(t)
	e.Start()
	defer e.Stop()

	buf := make([]byte, 65535)
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, clientAddr, err := serverConn.ReadFromUDP(buf)
	if err != nil || buf[3] != TypePullData {
		t.Fatalf("expected initial PULL_DATA, got n=%d err=%v", n, err)
	}

	datagram := append([]byte{ProtocolVersion, 0x00, 0x02, TypePullResp}, []byte(`{}`)...)
	if _, err := serverConn.WriteToUDP(datagram, clientAddr); err != nil {
		t.Fatalf("send empty PULL_RESP: %v", err)
	}

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = serverConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected a TX_ACK datagram: %v", err)
	}
	if buf[3] != TypeTxAck {
		t.Fatalf("expected TX_ACK (0x05), got type 0x%02x", buf[3])
	}
	var ack txAckPayload
	if err := json.Unmarshal(buf[12:n], &ack); err != nil {
		t.Fatalf("decode tx_ack body: %v", err)
	}
	if ack.TxpkAck.Error != ErrMissingTxpk {
		t.Errorf("tx_ack error = %q, want %q", ack.TxpkAck.Error, ErrMissingTxpk)
	}
}

func TestTxAckErrorForMapsSchedulingRejections(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"too late", channelmgr.ErrTooLate, ErrTooLateCode},
		{"too early", channelmgr.ErrTooEarly, ErrTooEarlyCode},
		{"queue full", channelmgr.ErrQueueFull, ErrTxFailedCode},
		{"other", errors.New("boom"), ErrTxFailedCode},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := txAckErrorFor(c.err); got != c.want {
				t.Errorf("txAckErrorFor(%v) = %q, want %q", c.err, got, c.want)
			}
		})
	}
}

func TestEnginePullRespTooLateSendsTxAck(t *testing.T) {
	e, serverConn, scheduler, _ := newTestEngine(t)
	scheduler.err = channelmgr.ErrTooLate
	e.Start()
	defer e.Stop()

	buf := make([]byte, 65535)
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, clientAddr, err := serverConn.ReadFromUDP(buf)
	if err != nil || buf[3] != TypePullData {
		t.Fatalf("expected initial PULL_DATA, got err=%v", err)
	}

	txpk := TXPK{Imme: true, Freq: 923.3, Datr: "SF12BW500", Codr: "4/5", Data: base64Encode([]byte{0xAA})}
	body, _ := json.Marshal(txpkPayload{TXPK: &txpk})
	datagram := append([]byte{ProtocolVersion, 0x00, 0x01, TypePullResp}, body...)
	if _, err := serverConn.WriteToUDP(datagram, clientAddr); err != nil {
		t.Fatalf("send PULL_RESP: %v", err)
	}

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := serverConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected a TX_ACK datagram: %v", err)
	}
	var ack txAckPayload
	if err := json.Unmarshal(buf[12:n], &ack); err != nil {
		t.Fatalf("decode tx_ack body: %v", err)
	}
	if ack.TxpkAck.Error != ErrTooLateCode {
		t.Errorf("tx_ack error = %q, want %q", ack.TxpkAck.Error, ErrTooLateCode)
	}
}

func TestSendUplinkBatchCarriesOverflowInOrder(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	// A big payload per descriptor forces the batch over outboundCapBytes
	// well before batchMaxItems, so some descriptors must be deferred. Each
	// descriptor's payload is marked with its original index so the test
	// can check the deferred ones are the chronologically newest, in order.
	big := make([]byte, 300)
	batch := make([]gwtype.RxDescriptor, batchMaxItems)
	for i := range batch {
		marked := append([]byte{byte(i)}, big...)
		batch[i] = gwtype.RxDescriptor{Payload: marked, CRCOk: true}
	}

	leftover := e.sendUplinkBatch(batch)
	if len(leftover) == 0 {
		t.Fatal("expected some descriptors to overflow outboundCapBytes and be carried over")
	}
	if len(leftover) >= len(batch) {
		t.Fatalf("leftover has %d entries, want fewer than the original %d (at least one must have been sent)", len(leftover), len(batch))
	}

	wantFirstIndex := len(batch) - len(leftover)
	for i, d := range leftover {
		if got := int(d.Payload[0]); got != wantFirstIndex+i {
			t.Errorf("leftover[%d] carries original index %d, want %d (newest-tail, in order)", i, got, wantFirstIndex+i)
		}
	}
}

func TestEngineHandlesPullAckAndPushAck(t *testing.T) {
	e, serverConn, _, _ := newTestEngine(t)
	e.Start()
	defer e.Stop()

	buf := make([]byte, 65535)
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, clientAddr, err := serverConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected initial PULL_DATA: %v", err)
	}

	ack := []byte{ProtocolVersion, 0x00, 0x01, TypePullAck}
	if _, err := serverConn.WriteToUDP(ack, clientAddr); err != nil {
		t.Fatalf("send PULL_ACK: %v", err)
	}
	pushAck := []byte{ProtocolVersion, 0x00, 0x02, TypePushAck}
	if _, err := serverConn.WriteToUDP(pushAck, clientAddr); err != nil {
		t.Fatalf("send PUSH_ACK: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status := e.Status()
		if status.Connected && status.PullAckCount == 1 && status.PushAckCount == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for PULL_ACK to mark the engine connected and PUSH_ACK to be counted")
}
