package iokernel

import "sync/atomic"

// Stats are the counters the spec designates as the sole observable
// failure surface outside of a process's kill flag (spec §7: "No error is
// ever raised up to a caller ... All observable failure surfaces are
// counters and the kill flag").
type Stats struct {
	Pulled              atomic.Uint64 // descriptors dequeued from egress rings
	Transmitted         atomic.Uint64 // segments accepted by the driver
	Backpressure        atomic.Uint64 // segments held over by a short enqueue
	MempoolExhausted    atomic.Uint64 // bursts aborted for want of buffers
	MalformedDropped    atomic.Uint64 // descriptors dropped as malformed
	RuntimesKilled      atomic.Uint64 // processes killed for a protocol violation
	CompletionsSent     atomic.Uint64 // completions delivered directly
	CompletionsOverflow atomic.Uint64 // completions spilled to an overflow queue
	CompletionsDropped  atomic.Uint64 // completions lost to a full overflow queue
	CompletionsDrained  atomic.Uint64 // completions moved out of overflow queues
}
