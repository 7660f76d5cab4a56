//go:build linux

// Package afxdpdriver adapts an AF_XDP socket (package afxdp) into the
// iokernel.Driver contract (spec §6). NIC buffers are UMEM frames owned by
// the socket; transmitting a segment means copying its bytes out of the
// runtime's shared-memory region into a UMEM frame, since userspace has no
// direct DMA access to that region the way a physical NIC driver would.
package afxdpdriver

import (
	"github.com/iokernel-go/txkernel/afxdp"
	"github.com/iokernel-go/txkernel/iokernel"
)

// DefaultReapBatch bounds how many UMEM addresses a single ReapReleased
// call asks the kernel for.
const DefaultReapBatch = 64

// Driver transmits iokernel segments over an AF_XDP socket.
//
// Driver is not safe for concurrent use, matching the Socket it wraps
// (spec §5: the transmit path is driven by a single pinned thread).
type Driver struct {
	sock      *afxdp.Socket
	reapBatch uint32

	// inflight maps a UMEM frame address to the Buffer submitted with it,
	// so ReapReleased can turn a bare completed address back into the
	// iokernel.Buffer (and its Trailer) the router needs.
	inflight map[uint64]*iokernel.Buffer

	addrBuf []uint64 // scratch for PollCompletionAddrs
}

// New wraps sock as an iokernel.Driver. reapBatch bounds ReapReleased's
// per-call kernel poll size; zero selects DefaultReapBatch.
func New(sock *afxdp.Socket, reapBatch uint32) *Driver {
	if reapBatch == 0 {
		reapBatch = DefaultReapBatch
	}
	return &Driver{
		sock:      sock,
		reapBatch: reapBatch,
		inflight:  make(map[uint64]*iokernel.Buffer),
		addrBuf:   make([]uint64, reapBatch),
	}
}

// BulkGet draws exactly n UMEM frames, all-or-nothing (spec §4.4). The
// socket's own free-frame pool is a single best-effort counter, not an
// atomic bulk reservation, so a shortfall mid-draw is rolled back via
// ReturnFrame to preserve the contract.
func (d *Driver) BulkGet(n int) ([]*iokernel.Buffer, error) {
	if int(d.sock.FreeFrameCount()) < n {
		d.sock.PollCompletions(d.reapBatch)
	}
	if int(d.sock.FreeFrameCount()) < n {
		return nil, iokernel.ErrMempoolExhausted
	}

	out := make([]*iokernel.Buffer, n)
	for i := 0; i < n; i++ {
		fr := d.sock.NextFrame()
		if len(fr.Buf) == 0 {
			for j := 0; j < i; j++ {
				d.sock.ReturnFrame(out[j].Trailer.DriverKey)
			}
			return nil, iokernel.ErrMempoolExhausted
		}
		out[i] = &iokernel.Buffer{Trailer: iokernel.Trailer{DriverKey: fr.Addr}}
	}
	return out, nil
}

// BulkEnqueue copies each buffer's segment bytes into its UMEM frame and
// submits it to the TX ring, stopping at the first submission failure —
// not copying or submitting any buffer beyond that point — so the caller's
// short-enqueue carry-over semantics (spec §4.4, "Back-pressure") see a
// contiguous accepted prefix.
func (d *Driver) BulkEnqueue(bufs []*iokernel.Buffer) (int, error) {
	accepted := 0
	for _, buf := range bufs {
		addr := buf.Trailer.DriverKey
		dst := d.sock.FrameAt(addr)
		n := copy(dst, buf.Frame)
		if err := d.sock.Submit(addr, uint32(n)); err != nil {
			break
		}
		d.inflight[addr] = buf
		accepted++
	}
	if accepted == 0 {
		return 0, nil
	}
	if err := d.sock.FlushTx(); err != nil {
		return accepted, err
	}
	return accepted, nil
}

// ReapReleased polls the completion ring and returns the Buffers whose
// frames the NIC has finished transmitting.
func (d *Driver) ReapReleased(max int) []*iokernel.Buffer {
	if max > len(d.addrBuf) {
		max = len(d.addrBuf)
	}
	n := d.sock.PollCompletionAddrs(d.addrBuf[:max])
	if n == 0 {
		return nil
	}
	out := make([]*iokernel.Buffer, 0, n)
	for i := uint32(0); i < n; i++ {
		addr := d.addrBuf[i]
		buf, ok := d.inflight[addr]
		if !ok {
			// A frame completed that this driver instance never submitted
			// (e.g. left over from before a restart); nothing to route.
			continue
		}
		delete(d.inflight, addr)
		out = append(out, buf)
	}
	return out
}
