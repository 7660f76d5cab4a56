package iokernel

import "unsafe"

// ptrDiff returns the byte distance from base to p, both pointing into the
// same backing array — used to recover a segment's shared-memory offset
// after it may have moved during in-place GSO rewriting.
func ptrDiff(p, base *byte) uintptr {
	return uintptr(unsafe.Pointer(p)) - uintptr(unsafe.Pointer(base))
}

// Kernel wires together the Poller, Segmenter, Completion Router and a
// Driver into the single transmit-burst cycle described in spec §4.4. It
// is driven by one pinned OS thread with no suspension points inside a
// burst (spec §5); Kernel itself holds no lock around that cycle.
type Kernel struct {
	Poller    *Poller
	Segmenter *Segmenter
	Router    *CompletionRouter
	Driver    Driver
	Burst     uint32

	Stats Stats

	// carry holds buffers the driver did not accept on the previous call's
	// BulkEnqueue; they are retried before any new polling, mempool draw,
	// or attach happens (spec §4.4, "Back-pressure"). These buffers are
	// already attached — re-deriving them from scratch next cycle would
	// both draw fresh buffers from the pool for descriptors already
	// spoken for and silently leak the held ones along with their
	// Process reference.
	carry []*Buffer

	// carryPulled holds descriptors a previous segmentBatch call deferred
	// because segmenting them would have exceeded MaxSegsPerBurst; they are
	// retried, ahead of any new polling, before carry (spec's supplemented
	// TX_MAX_SEGS behavior — see iokernel.MaxSegsPerBurst).
	carryPulled []pulledDesc

	pulledBuf []pulledDesc
}

// NewKernel constructs a Kernel from its four components. burst is the
// descriptor burst cap (spec §6, "burst size"); zero selects DefaultBurst.
func NewKernel(poller *Poller, seg *Segmenter, router *CompletionRouter, drv Driver, burst uint32) *Kernel {
	if burst == 0 {
		burst = DefaultBurst
	}
	k := &Kernel{Poller: poller, Segmenter: seg, Router: router, Driver: drv, Burst: burst}
	poller.Stats = &k.Stats
	return k
}

// RegisterProcess adds p to the completion router's drain rotation and its
// threads to the poller's poll set — the two independent registrations a
// runtime needs before its traffic is served.
func (k *Kernel) RegisterProcess(p *Process, threads ...*Thread) {
	k.Router.Register(p)
	for _, t := range threads {
		k.Poller.Register(t)
	}
}

// Burst1 runs one transmit-burst cycle: Poller -> Segmenter -> bulk-acquire
// -> attach -> bulk-enqueue -> handle short enqueue (spec §4.4). It
// reports whether any work was performed, which is what the outer loop
// (spec §5) uses to decide whether to call DrainCompletions instead.
func (k *Kernel) Burst1() bool {
	bufs := k.carry
	k.carry = nil

	if len(bufs) == 0 {
		pulled := k.carryPulled
		if pulled == nil {
			k.pulledBuf = k.Poller.PollOnce(k.Burst, k.pulledBuf[:0])
			pulled = k.pulledBuf
			if len(pulled) == 0 {
				return false
			}
			k.Stats.Pulled.Add(uint64(len(pulled)))
		}

		segs, deferred := k.segmentBatch(pulled)
		k.carryPulled = deferred
		if len(segs) == 0 {
			if len(deferred) == len(pulled) {
				// Nothing in this batch could make progress: the very
				// first descriptor alone already exceeds the remaining
				// segment budget. Report no work so the outer loop falls
				// back to draining completions instead of spinning.
				return false
			}
			// Every non-deferred descriptor was malformed or fatal and
			// already completed/killed directly; no driver work this
			// cycle, but work was still performed.
			return true
		}

		// Mempool allocation is all-or-nothing, mirroring DPDK's
		// rte_mempool_get_bulk: a driver either hands back exactly
		// len(segs) buffers or none. On exhaustion the whole cycle
		// aborts and the already-pulled descriptors are dropped
		// outright — the runtime learns about the loss only through
		// the completions that never arrive (spec §4.4, "Failure
		// semantics").
		got, err := k.Driver.BulkGet(len(segs))
		if err != nil {
			k.Stats.MempoolExhausted.Add(1)
			return true
		}
		for i := range got {
			k.attachSegment(got[i], &segs[i])
		}
		bufs = got
	}

	accepted, _ := k.Driver.BulkEnqueue(bufs)
	k.Stats.Transmitted.Add(uint64(accepted))

	if accepted < len(bufs) {
		k.carry = bufs[accepted:]
		k.Stats.Backpressure.Add(uint64(len(bufs) - accepted))
	}

	return true
}

// segmentBatch runs the Segmenter over a batch of pulled descriptors,
// handling malformed-descriptor drops and fatal protocol violations inline
// (spec §4.2, "Edge cases"), and stopping early — carrying the rest of the
// batch over to the next burst — the moment a descriptor's GSO fan-out
// would exceed MaxSegsPerBurst (spec's supplemented TX_MAX_SEGS behavior).
func (k *Kernel) segmentBatch(pulled []pulledDesc) (out []Segment, deferred []pulledDesc) {
	budget := MaxSegsPerBurst
	for i, d := range pulled {
		res := k.Segmenter.Process(d, uint32(budget))
		if res.deferred {
			return out, pulled[i:]
		}
		if res.fatal {
			if !d.proc.Killed() {
				d.proc.Kill()
				k.Stats.RuntimesKilled.Add(1)
			}
			continue
		}
		if res.dropped {
			k.Stats.MalformedDropped.Add(1)
			k.completeDropped(d, res.origToken)
			continue
		}
		out = append(out, res.segs...)
		budget -= len(res.segs)
	}
	return out, nil
}

// completeDropped delivers a single completion for a descriptor the
// Segmenter rejected before it ever reached the driver — there is no
// Buffer to release, so the router's normal release path doesn't apply.
func (k *Kernel) completeDropped(d pulledDesc, token uint64) {
	if token == 0 || d.proc.Killed() {
		return
	}
	if k.Router.deliver(d.proc, d.thread, token) {
		k.Stats.CompletionsSent.Add(1)
		return
	}
	if d.proc.enqueueOverflow(token) {
		k.Stats.CompletionsOverflow.Add(1)
		return
	}
	k.Stats.CompletionsDropped.Add(1)
}

// attachSegment copies a segment's wire metadata onto a freshly drawn
// buffer and computes its physical address from the originating
// process's page table (spec §4.4, "attach").
func (k *Kernel) attachSegment(buf *Buffer, seg *Segment) {
	paddr, err := seg.Proc.physAddr(segBaseOffset(seg))
	if err != nil {
		// Translation failure here is a runtime protocol violation that
		// should have been caught at poll time; defensively kill and
		// drop rather than transmit garbage.
		if !seg.Proc.Killed() {
			seg.Proc.Kill()
			k.Stats.RuntimesKilled.Add(1)
		}
	}
	seg.Proc.Ref()

	// Only the three iokernel-owned fields are set here: a Driver may have
	// already stashed its own bookkeeping (e.g. a UMEM frame address) in
	// DriverKey when it handed this buffer back from BulkGet, and that
	// must survive attach.
	buf.Trailer.Proc = seg.Proc
	buf.Trailer.Thread = seg.Thread
	buf.Trailer.CompletionToken = seg.CompletionToken
	buf.PhysAddr = paddr
	buf.Len = seg.Len
	buf.OffloadFlags = seg.OffloadFlags
	buf.Frame = seg.Frame
}

// segBaseOffset recovers a segment frame's offset within its process's
// shared-memory region, by pointer arithmetic against the region's base.
func segBaseOffset(seg *Segment) uint64 {
	region := seg.Proc.region
	if len(region) == 0 || len(seg.Frame) == 0 {
		return 0
	}
	return uint64(ptrDiff(&seg.Frame[0], &region[0]))
}

// ReapCompletions polls the driver for released buffers and runs them
// through the Completion Router (spec §6, "free callback is expected to
// run the Completion Router on the buffer's trailer"). max bounds how many
// are reaped in one call.
func (k *Kernel) ReapCompletions(max int) {
	for _, buf := range k.Driver.ReapReleased(max) {
		outcome, err := k.Router.OnBufferReleased(buf)
		switch {
		case err != nil:
			k.Stats.CompletionsDropped.Add(1)
		case outcome == CompletionDelivered:
			k.Stats.CompletionsSent.Add(1)
		case outcome == CompletionOverflowed:
			k.Stats.CompletionsOverflow.Add(1)
		}
		buf.Reset()
	}
}

// DrainCompletions runs the Completion Router's overflow drain (spec §4.3,
// "Draining"). The outer loop (spec §5) calls this whenever Burst1 reports
// no work was performed.
func (k *Kernel) DrainCompletions() bool {
	drained := k.Router.DrainCompletions()
	k.Stats.CompletionsDrained.Add(uint64(drained))
	return drained > 0
}
