package channelmgr

import "errors"

// Sentinel errors returned by ScheduleTx, checked with errors.Is by the
// protocol engine when mapping to TX_ACK error codes.
var (
	errQueueFull = errors.New("channelmgr: tx queue full")
	errTooLate   = errors.New("channelmgr: tx scheduled past the late cutoff")
	errTooEarly  = errors.New("channelmgr: tx scheduled beyond the lead window")
)

// ErrQueueFull reports that the TX queue was at capacity and req was
// dropped.
var ErrQueueFull = errQueueFull

// ErrTooLate reports that req's timestamp had already passed the late
// cutoff at the time ScheduleTx was called.
var ErrTooLate = errTooLate

// ErrTooEarly reports that req's timestamp was beyond the lead window
// at the time ScheduleTx was called.
var ErrTooEarly = errTooEarly
