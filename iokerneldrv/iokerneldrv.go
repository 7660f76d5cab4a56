// Package iokerneldrv is the in-process reference iokernel.Driver: a fixed
// pool of buffers backed by a flat byte arena, with no real NIC underneath.
// It exists for tests, the loopback mode of cmd/iokerneld, and cmd/bench,
// and mirrors the free-list-of-frames idiom afxdp.Socket uses for its own
// local pool (afxdp/afxdp.go's freeFrames/freeCount), minus the kernel ring
// plumbing.
package iokerneldrv

import "github.com/iokernel-go/txkernel/iokernel"

// DefaultFrameSize comfortably holds one MTU-sized segment plus its
// header-block prefix.
const DefaultFrameSize = 2048

// Driver is a fixed-size in-process buffer pool. It is not safe for
// concurrent use, matching every other Driver implementation (spec §5).
type Driver struct {
	arena     []byte
	frameSize uint32

	pool     []*iokernel.Buffer // free list
	inflight []*iokernel.Buffer // enqueued, awaiting release
}

// New allocates a pool of poolSize buffers, each backed by a frameSize-byte
// slot in a single flat arena.
func New(poolSize int, frameSize uint32) *Driver {
	if frameSize == 0 {
		frameSize = DefaultFrameSize
	}
	pool := make([]*iokernel.Buffer, poolSize)
	for i := range pool {
		pool[i] = &iokernel.Buffer{Trailer: iokernel.Trailer{DriverKey: uint64(i)}}
	}
	return &Driver{
		arena:     make([]byte, int(frameSize)*poolSize),
		frameSize: frameSize,
		pool:      pool,
	}
}

func (d *Driver) frameFor(buf *iokernel.Buffer) []byte {
	start := int(buf.Trailer.DriverKey) * int(d.frameSize)
	return d.arena[start : start+int(d.frameSize)]
}

// BulkGet draws exactly n buffers from the free list, or fails outright if
// the pool can't satisfy the whole request (spec §4.4, "Mempool
// exhaustion" — all-or-nothing, no partial draw).
func (d *Driver) BulkGet(n int) ([]*iokernel.Buffer, error) {
	if n > len(d.pool) {
		return nil, iokernel.ErrMempoolExhausted
	}
	start := len(d.pool) - n
	out := make([]*iokernel.Buffer, n)
	copy(out, d.pool[start:])
	d.pool = d.pool[:start]
	return out, nil
}

// BulkEnqueue copies each accepted buffer's segment into its arena slot and
// marks it in flight. There is no NIC to back-pressure against here, so
// every call accepts everything — real back-pressure testing goes through
// a driver built to inject it (iokernel's own tests use a purpose-built
// fake for that).
func (d *Driver) BulkEnqueue(bufs []*iokernel.Buffer) (int, error) {
	for _, buf := range bufs {
		copy(d.frameFor(buf), buf.Frame)
	}
	d.inflight = append(d.inflight, bufs...)
	return len(bufs), nil
}

// ReapReleased releases up to max in-flight buffers back to the free list,
// oldest first, standing in for a NIC's asynchronous completion signal.
func (d *Driver) ReapReleased(max int) []*iokernel.Buffer {
	n := len(d.inflight)
	if n > max {
		n = max
	}
	out := d.inflight[:n]
	d.inflight = d.inflight[n:]
	d.pool = append(d.pool, out...)
	return out
}
