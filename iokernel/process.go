package iokernel

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Process represents one registered runtime client (P in spec §3).
//
// The relationship among Process, Thread, and an in-flight Buffer would
// form a cycle under naive shared ownership (Process -> Thread, Buffer ->
// Process, Buffer -> Thread). It is broken the same way the spec's §9
// design notes describe: Thread is treated as non-owning-borrowed from
// Process (a Thread never outlives its Process, enforced by Process being
// the only thing that constructs or drops Threads), and Buffer holds only
// a strong reference (the atomic refCount below) on Process, plus a raw
// pointer to Thread that is safe precisely because Thread cannot outlive
// Process.
type Process struct {
	id uint64

	region     []byte
	pagePaddrs []uint64

	threads []*Thread

	refCount int64 // atomic; one per in-flight Buffer referencing this Process
	killed   atomic.Bool

	overflowMu  sync.Mutex
	overflow    *queue.Queue
	overflowCap int

	nextThreadRR uint32 // round-robin cursor for completion delivery fallback
}

// NewProcess registers a runtime process. region is the process's mapped
// shared-memory range; pagePaddrs holds one physical frame number per 2
// MiB page offset within region, per spec §6.
func NewProcess(id uint64, region []byte, pagePaddrs []uint64, overflowCap int) *Process {
	if overflowCap <= 0 {
		overflowCap = DefaultOverflowCapacity
	}
	return &Process{
		id:          id,
		region:      region,
		pagePaddrs:  pagePaddrs,
		refCount:    1, // registration itself holds one reference
		overflow:    queue.New(),
		overflowCap: overflowCap,
	}
}

// AddThread creates a runtime thread parented by p, wired to the given
// descriptor/completion rings.
func (p *Process) AddThread(egress *EgressRing, ingress *IngressRing) *Thread {
	t := &Thread{proc: p, egress: egress, ingress: ingress}
	t.active.Store(true)
	p.threads = append(p.threads, t)
	return t
}

// Kill marks the process for teardown. No new completions are delivered to
// it; in-flight buffers still drop their reference normally as the driver
// releases them (spec §5, "Cancellation").
func (p *Process) Kill() { p.killed.Store(true) }

// Killed reports whether Kill has been called.
func (p *Process) Killed() bool { return p.killed.Load() }

// Ref adds a strong reference, taken once per in-flight Buffer that
// references this process (spec §3, "Ownership").
func (p *Process) Ref() { atomic.AddInt64(&p.refCount, 1) }

// Unref drops a strong reference, returning the post-decrement count.
// Exactly one Unref must be issued per driver buffer release (spec §3,
// Buffer invariant).
func (p *Process) Unref() int64 { return atomic.AddInt64(&p.refCount, -1) }

// RefCount reports the current strong reference count, for tests and
// diagnostics (spec §8, "Reference balance").
func (p *Process) RefCount() int64 { return atomic.LoadInt64(&p.refCount) }

// translate resolves a shared-memory offset to a host-addressable slice of
// length n, bounds-checked against the process's region (spec §4.1).
func (p *Process) translate(offset uint64, n int) ([]byte, error) {
	if offset > uint64(len(p.region)) || int(offset)+n > len(p.region) {
		return nil, ErrBadOffset
	}
	return p.region[offset : uint64(n)+offset], nil
}

// physAddr computes the physical address of a header block's virtual
// offset within the process's region, using the 2 MiB huge-page frame
// table, per spec §6:
//
//	paddr = pagePaddrs[va >> 21] + (va & ((1<<21) - 1))
func (p *Process) physAddr(offset uint64) (uint64, error) {
	page := offset >> PageShift2MB
	if page >= uint64(len(p.pagePaddrs)) {
		return 0, ErrBadPageFrame
	}
	return p.pagePaddrs[page] + (offset & pageMask2MB), nil
}

// pickThreadRR returns the process's next thread in round-robin order, used
// when completions must be routed to a thread other than the one that
// submitted the original descriptor (spec §4.3).
func (p *Process) pickThreadRR() *Thread {
	if len(p.threads) == 0 {
		return nil
	}
	idx := p.nextThreadRR % uint32(len(p.threads))
	p.nextThreadRR++
	return p.threads[idx]
}

// enqueueOverflow appends a completion token to the bounded overflow
// queue. It reports false if the queue is already at capacity.
func (p *Process) enqueueOverflow(token uint64) bool {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	if p.overflow.Length() >= p.overflowCap {
		return false
	}
	p.overflow.Add(token)
	return true
}

// overflowLen reports how many tokens are currently spilled, for tests and
// diagnostics.
func (p *Process) overflowLen() int {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	return p.overflow.Length()
}

// peekFrontOverflow returns the oldest queued token without removing it.
func (p *Process) peekFrontOverflow() (uint64, bool) {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	if p.overflow.Length() == 0 {
		return 0, false
	}
	return p.overflow.Peek().(uint64), true
}

// popFrontOverflow removes and returns the oldest queued token.
func (p *Process) popFrontOverflow() (uint64, bool) {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	if p.overflow.Length() == 0 {
		return 0, false
	}
	return p.overflow.Remove().(uint64), true
}

// Thread belongs to exactly one Process (T in spec §3).
type Thread struct {
	proc *Process // non-owning: lives exactly as long as proc

	egress  *EgressRing
	ingress *IngressRing

	active atomic.Bool
}

// Process returns the thread's owning process.
func (t *Thread) Process() *Process { return t.proc }

// SetActive updates whether the runtime is currently polling this thread's
// ingress ring (spec §3). An inactive thread's completions route through
// its process's round-robin fallback instead.
func (t *Thread) SetActive(active bool) { t.active.Store(active) }

// Active reports the thread's active flag.
func (t *Thread) Active() bool { return t.active.Load() }
