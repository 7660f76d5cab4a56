package iokerneldrv

import (
	"testing"

	"github.com/iokernel-go/txkernel/iokernel"
)

func TestBulkGetAllOrNothing(t *testing.T) {
	d := New(4, 128)

	if _, err := d.BulkGet(5); err != iokernel.ErrMempoolExhausted {
		t.Fatalf("BulkGet(5) on a pool of 4 = %v, want ErrMempoolExhausted", err)
	}

	bufs, err := d.BulkGet(4)
	if err != nil {
		t.Fatalf("BulkGet(4): unexpected error %v", err)
	}
	if len(bufs) != 4 {
		t.Fatalf("BulkGet(4) returned %d buffers", len(bufs))
	}
	if _, err := d.BulkGet(1); err != iokernel.ErrMempoolExhausted {
		t.Fatalf("BulkGet(1) on an empty pool = %v, want ErrMempoolExhausted", err)
	}
}

func TestEnqueueReapRoundTrip(t *testing.T) {
	d := New(2, 128)

	bufs, err := d.BulkGet(2)
	if err != nil {
		t.Fatalf("BulkGet: %v", err)
	}
	bufs[0].Frame = []byte("first")
	bufs[1].Frame = []byte("second")

	accepted, err := d.BulkEnqueue(bufs)
	if err != nil || accepted != 2 {
		t.Fatalf("BulkEnqueue = (%d, %v), want (2, nil)", accepted, err)
	}

	released := d.ReapReleased(10)
	if len(released) != 2 {
		t.Fatalf("ReapReleased returned %d buffers, want 2", len(released))
	}
	if got := string(d.frameFor(released[0])[:5]); got != "first" {
		t.Fatalf("arena for first buffer = %q, want %q", got, "first")
	}
	if got := string(d.frameFor(released[1])[:6]); got != "second" {
		t.Fatalf("arena for second buffer = %q, want %q", got, "second")
	}

	// Released buffers go back to the free list.
	if _, err := d.BulkGet(2); err != nil {
		t.Fatalf("BulkGet after reap: %v", err)
	}
}

// TestRecycledBufferKeepsArenaSlotAfterReset is a regression test:
// iokernel.Kernel.ReapCompletions calls Buffer.Reset() on every buffer this
// driver's ReapReleased hands back, before it is drawn again from the free
// list. Reset must not erase Trailer.DriverKey — frameFor uses it to find
// the buffer's arena slot — or every recycled buffer would alias slot 0.
func TestRecycledBufferKeepsArenaSlotAfterReset(t *testing.T) {
	d := New(2, 128)

	bufs, err := d.BulkGet(2)
	if err != nil {
		t.Fatalf("BulkGet: %v", err)
	}
	bufs[0].Frame = []byte("first")
	bufs[1].Frame = []byte("second")
	if _, err := d.BulkEnqueue(bufs); err != nil {
		t.Fatalf("BulkEnqueue: %v", err)
	}

	for _, b := range d.ReapReleased(10) {
		b.Reset()
	}

	redrawn, err := d.BulkGet(2)
	if err != nil {
		t.Fatalf("BulkGet after recycle: %v", err)
	}
	redrawn[0].Frame = []byte("third")
	redrawn[1].Frame = []byte("fourth")
	if _, err := d.BulkEnqueue(redrawn); err != nil {
		t.Fatalf("BulkEnqueue: %v", err)
	}

	released := d.ReapReleased(10)
	if len(released) != 2 {
		t.Fatalf("ReapReleased returned %d buffers, want 2", len(released))
	}
	if got := string(d.frameFor(released[0])[:5]); got != "third" {
		t.Fatalf("arena for recycled buffer 0 = %q, want %q (DriverKey was lost on reset)", got, "third")
	}
	if got := string(d.frameFor(released[1])[:6]); got != "fourth" {
		t.Fatalf("arena for recycled buffer 1 = %q, want %q (DriverKey was lost on reset)", got, "fourth")
	}
}
