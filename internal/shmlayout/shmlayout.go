// Package shmlayout derives a fixed offset table for a runtime process's
// shared-memory region, so the kernel side (cmd/iokerneld) and the runtime
// side (cmd/loadgen) agree on where each thread's rings and frame arena
// live without any handshake protocol (spec §6: "fixed bit-exact" layout
// extended here from single records to whole-region placement).
package shmlayout

// ringHeaderLen is the 8-byte producer+consumer index pair every ring in
// iokernel.shmring expects at the start of its backing slice.
const ringHeaderLen = 8

// recordLen is the slot width both the egress and ingress ring wire formats
// use (spec §6).
const recordLen = 16

// Layout carves one process's region into, per thread: an egress ring, an
// ingress ring, and an equal share of the trailing frame arena where
// header blocks and their payloads live.
type Layout struct {
	Threads   int
	RingSlots uint32

	arenaOffset    uint64
	arenaPerThread uint64
}

// RingBytes is the total size of one ring (header + body) at the given slot
// count.
func RingBytes(slots uint32) uint64 {
	return ringHeaderLen + uint64(slots)*recordLen
}

// New derives a Layout for a region of regionSize bytes split across
// threads, each with an egress and ingress ring of ringSlots slots.
// regionSize must be large enough to hold both rings for every thread plus
// at least one MTU-sized frame per thread; New does not validate this —
// callers size the region generously and let translate-time bounds checks
// in iokernel catch anything too small.
func New(threads int, ringSlots uint32, regionSize uint64) Layout {
	perThreadCtrl := 2 * RingBytes(ringSlots)
	ctrl := uint64(threads) * perThreadCtrl
	arenaSize := uint64(0)
	if regionSize > ctrl {
		arenaSize = regionSize - ctrl
	}
	return Layout{
		Threads:        threads,
		RingSlots:      ringSlots,
		arenaOffset:    ctrl,
		arenaPerThread: arenaSize / uint64(threads),
	}
}

// EgressRingOffset is thread i's egress ring's byte offset within the
// region.
func (l Layout) EgressRingOffset(i int) uint64 {
	return uint64(i) * 2 * RingBytes(l.RingSlots)
}

// IngressRingOffset is thread i's ingress ring's byte offset, immediately
// following its egress ring.
func (l Layout) IngressRingOffset(i int) uint64 {
	return l.EgressRingOffset(i) + RingBytes(l.RingSlots)
}

// ThreadArena returns thread i's share of the frame arena: where header
// blocks and payloads for descriptors from that thread should be placed.
func (l Layout) ThreadArena(i int) (offset, size uint64) {
	return l.arenaOffset + uint64(i)*l.arenaPerThread, l.arenaPerThread
}

// RegionSize returns the minimum region size this Layout was built for.
func (l Layout) RegionSize() uint64 {
	return l.arenaOffset + uint64(l.Threads)*l.arenaPerThread
}
