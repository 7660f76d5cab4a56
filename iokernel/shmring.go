package iokernel

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// bytePtr reinterprets the first bytes of b as a pointer to T, mirroring
// the teacher's unsafe.Pointer arithmetic over mmap'd ring regions
// (afxdp/afxdp.go's makeQueue/makeUMemQueue).
func bytePtr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// descRecordLen is the size in bytes of a single egress-ring slot: an
// 8-byte command tag followed by an 8-byte shared-memory offset (spec §6).
const descRecordLen = 16

// completionRecordLen is the size in bytes of a single ingress-ring slot.
const completionRecordLen = 16

// EgressRing is a single-producer (the runtime)/single-consumer (the
// kernel) ring of 16-byte command records, backed by a caller-supplied
// shared-memory byte slice. The cached producer/consumer index technique
// mirrors the teacher's xdpUQueue (afxdp/afxdp.go): atomics are only
// touched when the cached view disagrees with demand, not on every slot.
type EgressRing struct {
	mem        []byte
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	cachedProd uint32
}

// NewEgressRing wraps mem (which must be at least 8 (producer) + 8
// (consumer) + size*16 bytes) as an egress ring of the given slot count.
// size must be a power of two.
func NewEgressRing(mem []byte, size uint32) *EgressRing {
	prod, cons, body := splitRingRegion(mem)
	return &EgressRing{
		mem:  body,
		mask: size - 1,
		size: size,
		prod: prod,
		cons: cons,
	}
}

func splitRingRegion(mem []byte) (prod, cons *uint32, body []byte) {
	prod = (*uint32)(bytePtr(mem[0:4]))
	cons = (*uint32)(bytePtr(mem[4:8]))
	return prod, cons, mem[8:]
}

// available returns how many records the consumer may dequeue without a
// fresh atomic load, refreshing the cached producer index if that looks
// like zero.
func (r *EgressRing) available(cons uint32) uint32 {
	prod := r.cachedProd
	avail := prod - cons
	if avail > 0 {
		return avail
	}
	prod = atomic.LoadUint32(r.prod)
	r.cachedProd = prod
	return prod - cons
}

// Dequeue pops up to len(out) command records, returning the count popped.
func (r *EgressRing) Dequeue(out []DescRecord) int {
	cons := atomic.LoadUint32(r.cons)
	avail := r.available(cons)
	n := uint32(len(out))
	if avail < n {
		n = avail
	}
	for i := uint32(0); i < n; i++ {
		idx := (cons + i) & r.mask
		out[i] = decodeDescRecord(r.mem[idx*descRecordLen : (idx+1)*descRecordLen])
	}
	if n > 0 {
		atomic.StoreUint32(r.cons, cons+n)
	}
	return int(n)
}

// Enqueue publishes a single command record, for use by the runtime side of
// the transport (tests and cmd/loadgen; the kernel itself only dequeues). It
// reports false if the ring is full.
func (r *EgressRing) Enqueue(rec DescRecord) bool {
	prod := atomic.LoadUint32(r.prod)
	cons := atomic.LoadUint32(r.cons)
	if prod-cons >= r.size {
		return false
	}
	idx := prod & r.mask
	encodeDescRecord(r.mem[idx*descRecordLen:(idx+1)*descRecordLen], rec)
	atomic.StoreUint32(r.prod, prod+1)
	return true
}

// DescRecord is the decoded form of one 16-byte egress command slot.
type DescRecord struct {
	Tag    [8]byte
	Offset uint64
}

// NewTransmitRecord builds the one legal descriptor shape a runtime may
// enqueue: a "transmit" command naming the shared-memory offset of a header
// block (spec §4.1, "Descriptor decoding").
func NewTransmitRecord(offset uint64) DescRecord {
	return DescRecord{Tag: transmitTag, Offset: offset}
}

func decodeDescRecord(b []byte) DescRecord {
	var rec DescRecord
	copy(rec.Tag[:], b[0:8])
	rec.Offset = binary.LittleEndian.Uint64(b[8:16])
	return rec
}

func encodeDescRecord(b []byte, rec DescRecord) {
	copy(b[0:8], rec.Tag[:])
	binary.LittleEndian.PutUint64(b[8:16], rec.Offset)
}

// IngressRing is a single-producer (the kernel)/single-consumer (the
// runtime) ring of 16-byte completion records.
type IngressRing struct {
	mem        []byte
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	cachedCons uint32
}

// NewIngressRing wraps mem as an ingress ring of the given slot count.
func NewIngressRing(mem []byte, size uint32) *IngressRing {
	prod, cons, body := splitRingRegion(mem)
	return &IngressRing{
		mem:  body,
		mask: size - 1,
		size: size,
		prod: prod,
		cons: cons,
	}
}

// freeSlots reports how many records may be produced without a fresh
// atomic load of the consumer index.
func (r *IngressRing) freeSlots(prod uint32) uint32 {
	free := r.size - (prod - r.cachedCons)
	if free > 0 {
		return free
	}
	r.cachedCons = atomic.LoadUint32(r.cons)
	return r.size - (prod - r.cachedCons)
}

// Enqueue publishes a single completion record. It reports false if the
// ring is full (caller is expected to spill to the process's overflow
// queue, per spec §4.3).
func (r *IngressRing) Enqueue(rec CompletionRecord) bool {
	prod := atomic.LoadUint32(r.prod)
	if r.freeSlots(prod) == 0 {
		return false
	}
	idx := prod & r.mask
	encodeCompletionRecord(r.mem[idx*completionRecordLen:(idx+1)*completionRecordLen], rec)
	atomic.StoreUint32(r.prod, prod+1)
	return true
}

func encodeCompletionRecord(b []byte, rec CompletionRecord) {
	copy(b[0:8], rec.Tag[:])
	binary.LittleEndian.PutUint64(b[8:16], rec.CompletionData)
}

func decodeCompletionRecord(b []byte) CompletionRecord {
	var rec CompletionRecord
	copy(rec.Tag[:], b[0:8])
	rec.CompletionData = binary.LittleEndian.Uint64(b[8:16])
	return rec
}

// Dequeue pops a single completion record, for use by the runtime side of
// the transport (tests and cmd/loadgen; the kernel itself only enqueues). It
// reports false if the ring is empty.
func (r *IngressRing) Dequeue() (CompletionRecord, bool) {
	cons := r.cachedCons
	prod := atomic.LoadUint32(r.prod)
	if cons == prod {
		cons = atomic.LoadUint32(r.cons)
		if cons == prod {
			return CompletionRecord{}, false
		}
	}
	idx := cons & r.mask
	rec := decodeCompletionRecord(r.mem[idx*completionRecordLen : (idx+1)*completionRecordLen])
	atomic.StoreUint32(r.cons, cons+1)
	r.cachedCons = cons + 1
	return rec, true
}
