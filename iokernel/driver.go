package iokernel

// Trailer is the private data a NIC buffer carries so the Completion
// Router can identify where a completion belongs once the driver releases
// the buffer (B's invariant in spec §3; mirrors the teacher driver's
// per-buffer private struct and the original's tx_pktmbuf_priv).
type Trailer struct {
	Proc            *Process
	Thread          *Thread
	CompletionToken uint64

	// DriverKey is opaque to iokernel; a concrete Driver may stash its own
	// per-buffer bookkeeping here (e.g. an AF_XDP UMEM frame address, or —
	// for the in-process driver — a pool slot index that must survive
	// recycling for the buffer to keep pointing at the same arena frame).
	DriverKey uint64
}

// reset clears everything except DriverKey, which is the Driver's own
// buffer identity and outlives any single segment passing through it.
func (tr *Trailer) reset() {
	tr.Proc = nil
	tr.Thread = nil
	tr.CompletionToken = 0
}

// Buffer is an opaque driver-provided object drawn from a fixed-size pool,
// carrying a Trailer (spec §3, "NIC buffer (B)"). iokernel only ever reads
// or writes the Trailer and the metadata fields below; everything else
// about how a Buffer maps onto real NIC memory is the Driver's concern.
type Buffer struct {
	Trailer Trailer

	// PhysAddr is the physical address of the segment's header block,
	// computed from the originating Process's page table (spec §6).
	PhysAddr uint64

	// Len is the segment's total on-wire length, including its L2 header.
	Len uint32

	// OffloadFlags are copied verbatim from the originating descriptor
	// (spec §4.4, "copying header offload flags").
	OffloadFlags uint32

	// Frame is a host-addressable view of the segment's header block, for
	// drivers that transmit by reading shared memory directly rather than
	// through PhysAddr/DMA (e.g. the in-process reference driver).
	Frame []byte
}

// Reset clears a buffer's per-segment metadata — everything a Driver
// dealt with a Process, Thread and completion token for — but leaves
// Trailer.DriverKey alone, since that field is the Driver's own bookkeeping
// for the buffer's identity (e.g. iokerneldrv's arena slot index) and must
// survive the buffer going back into a free pool and coming back out
// (grounded on the original's tx_pktmbuf_priv_init, which zeroes only the
// fields the data plane owns, not the pool slot's own bookkeeping).
func (b *Buffer) Reset() {
	b.Trailer.reset()
	b.PhysAddr = 0
	b.Len = 0
	b.OffloadFlags = 0
	b.Frame = nil
}

// Driver is the NIC boundary the transmit path consumes. The spec treats
// driver internals as out of scope; this interface is exactly the three
// operations §4.4 and §6 say any compliant driver offers.
type Driver interface {
	// BulkGet draws exactly n buffers from the driver's pool. The request
	// is all-or-nothing, mirroring DPDK's rte_mempool_get_bulk: a driver
	// either returns exactly n buffers and a nil error, or a nil slice and
	// a non-nil error when the pool cannot satisfy the whole request.
	// There is no partial fulfillment (spec §4.4, "Mempool exhaustion").
	BulkGet(n int) ([]*Buffer, error)

	// BulkEnqueue submits bufs for transmission. The returned accepted
	// count may be less than len(bufs); a short enqueue is not an error
	// (spec §4.4, "Back-pressure").
	BulkEnqueue(bufs []*Buffer) (accepted int, err error)

	// ReapReleased polls for buffers the NIC has finished transmitting, up
	// to max at a time. This is the polled-mode equivalent of the driver's
	// per-buffer free callback (spec §6, "Driver contract").
	ReapReleased(max int) []*Buffer
}
