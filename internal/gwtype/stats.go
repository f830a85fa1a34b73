package gwtype

import "time"

// GatewayStats are the monotonic counters the spec names: incremented
// from multiple concurrent contexts, so implementations hold the live
// values as atomics and only assemble this snapshot on demand.
type GatewayStats struct {
	RxTotal     uint64
	RxOk        uint64
	RxBad       uint64
	RxForwarded uint64
	TxTotal     uint64
	TxOk        uint64
	TxFail      uint64
	TxCollision uint64
	UptimeSec   uint64
	LastRxTime  time.Time
	LastTxTime  time.Time
}

// ForwarderStatus reflects the protocol engine's view of server liveness.
type ForwarderStatus struct {
	Connected     bool
	PushAckCount  uint64
	PullAckCount  uint64
	LastPullAck   time.Time
}
