package iokernel

import (
	"encoding/binary"
	"testing"
)

// fakeDriver is an in-memory Driver for tests: a fixed pool of buffers, an
// enqueue acceptance cap per call, and an inflight list that ReapReleased
// drains back into the pool — standing in for a real NIC's release path.
type fakeDriver struct {
	pool          []*Buffer
	inflight      []*Buffer
	acceptPerCall int // negative means unlimited
	enqueuedLens  []uint32
}

func newFakeDriver(poolSize, acceptPerCall int) *fakeDriver {
	pool := make([]*Buffer, poolSize)
	for i := range pool {
		pool[i] = &Buffer{}
	}
	return &fakeDriver{pool: pool, acceptPerCall: acceptPerCall}
}

func (d *fakeDriver) BulkGet(n int) ([]*Buffer, error) {
	if n > len(d.pool) {
		return nil, ErrMempoolExhausted
	}
	start := len(d.pool) - n
	out := make([]*Buffer, n)
	copy(out, d.pool[start:])
	d.pool = d.pool[:start]
	return out, nil
}

func (d *fakeDriver) BulkEnqueue(bufs []*Buffer) (int, error) {
	n := len(bufs)
	if d.acceptPerCall >= 0 && n > d.acceptPerCall {
		n = d.acceptPerCall
	}
	d.inflight = append(d.inflight, bufs[:n]...)
	for _, b := range bufs[:n] {
		d.enqueuedLens = append(d.enqueuedLens, b.Len)
	}
	return n, nil
}

func (d *fakeDriver) ReapReleased(max int) []*Buffer {
	n := len(d.inflight)
	if n > max {
		n = max
	}
	out := d.inflight[:n]
	d.inflight = d.inflight[n:]
	d.pool = append(d.pool, out...)
	return out
}

// newRing allocates a ring-shaped byte slice (8-byte head + size*16 body)
// and returns it ready to back either ring type.
func newRing(size uint32) []byte {
	return make([]byte, 8+int(size)*16)
}

// testProc builds a Process with a single huge page covering regionSize
// bytes and one thread whose egress/ingress rings have the given slot
// counts (must be powers of two).
func testProc(t *testing.T, id uint64, regionSize int, egressSize, ingressSize uint32, overflowCap int) (*Process, *Thread) {
	t.Helper()
	region := make([]byte, regionSize)
	p := NewProcess(id, region, []uint64{0x10_0000_0000}, overflowCap)
	egress := NewEgressRing(newRing(egressSize), egressSize)
	ingress := NewIngressRing(newRing(ingressSize), ingressSize)
	th := p.AddThread(egress, ingress)
	return p, th
}

// writeHeaderBlock encodes a header block (16-byte prefix + frame) at
// offset within p's region and returns offset, for use as an egress
// descriptor's shared-memory pointer.
func writeHeaderBlock(p *Process, offset uint64, token uint64, offloadFlags uint32, frame []byte) {
	block := p.region[offset:]
	binary.LittleEndian.PutUint64(block[0:8], token)
	binary.LittleEndian.PutUint32(block[8:12], offloadFlags)
	binary.LittleEndian.PutUint32(block[12:16], uint32(len(frame)))
	copy(block[16:16+len(frame)], frame)
}

// submitDescriptor enqueues a transmit descriptor on th's egress ring
// pointing at a freshly written header block.
func submitDescriptor(t *testing.T, p *Process, th *Thread, offset uint64, token uint64, frame []byte) {
	t.Helper()
	writeHeaderBlock(p, offset, token, 0, frame)
	if !th.egress.Enqueue(DescRecord{Tag: transmitTag, Offset: offset}) {
		t.Fatalf("egress ring full")
	}
}

// plainFrame returns an arbitrary n-byte frame with no particular L2/L3/L4
// structure, valid for descriptors that stay at or under the MTU (the
// Segmenter never inspects frame contents on that path).
func plainFrame(n int) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = byte(i)
	}
	return f
}

// udpFrame builds a well-formed Ethernet+IPv4+UDP frame of exactly
// totalLen bytes (header H=42 plus payload), with the IP total-length and
// UDP length fields set consistently, for GSO tests.
func udpFrame(totalLen uint32) []byte {
	f := make([]byte, totalLen)
	f[ipProtoOffset] = protoUDP
	payload := totalLen - HeaderLen
	binary.BigEndian.PutUint16(f[ipTotalLenOffset:ipTotalLenOffset+2], uint16(totalLen-14))
	binary.BigEndian.PutUint16(f[udpLenOffset:udpLenOffset+2], uint16(payload+8))
	for i := int(HeaderLen); i < int(totalLen); i++ {
		f[i] = byte(i)
	}
	return f
}

func newTestKernel(drv Driver, burst uint32) *Kernel {
	return NewKernel(NewPoller(), NewSegmenter(DefaultMTU), NewCompletionRouter(DefaultDrainBatch), drv, burst)
}
