package iokernel

import "testing"

// Scenario: single runtime, one thread, one descriptor len=100 (<= MTU),
// token=0xAA (spec §8). Exactly one segment reaches the driver and exactly
// one completion comes back carrying the original token.
func TestSingleDescriptorPassThrough(t *testing.T) {
	proc, th := testProc(t, 1, 4096, 8, 8, 16)
	submitDescriptor(t, proc, th, 0, 0xAA, plainFrame(100))

	drv := newFakeDriver(4, -1)
	k := newTestKernel(drv, 32)
	k.RegisterProcess(proc, th)

	if !k.Burst1() {
		t.Fatal("Burst1 reported no work")
	}
	if len(drv.enqueuedLens) != 1 || drv.enqueuedLens[0] != 100 {
		t.Fatalf("enqueued lens = %v, want [100]", drv.enqueuedLens)
	}

	k.ReapCompletions(10)

	rec, ok := th.ingress.Dequeue()
	if !ok {
		t.Fatal("no completion delivered")
	}
	if rec.Tag != completeTag || rec.CompletionData != 0xAA {
		t.Fatalf("completion = %+v, want token 0xAA", rec)
	}
	if _, ok := th.ingress.Dequeue(); ok {
		t.Fatal("unexpected second completion")
	}
	if proc.RefCount() != 1 {
		t.Fatalf("RefCount = %d, want 1 (registration only)", proc.RefCount())
	}
}

// Scenario: UDP descriptor, H=42, total_len = 42+4000, MTU=1500 (spec §8).
// Expect 3 segments of 1500, 1500, 1126 bytes; only the last carries the
// original token.
func TestUDPSegmentationLengths(t *testing.T) {
	proc, th := testProc(t, 1, 16384, 8, 8, 16)
	frame := udpFrame(42 + 4000)
	submitDescriptor(t, proc, th, 0, 0xBB, frame)

	drv := newFakeDriver(8, -1)
	k := newTestKernel(drv, 32)
	k.RegisterProcess(proc, th)

	if !k.Burst1() {
		t.Fatal("Burst1 reported no work")
	}

	want := []uint32{1500, 1500, 1126}
	if len(drv.enqueuedLens) != len(want) {
		t.Fatalf("enqueued lens = %v, want %v", drv.enqueuedLens, want)
	}
	for i, w := range want {
		if drv.enqueuedLens[i] != w {
			t.Fatalf("segment %d len = %d, want %d", i, drv.enqueuedLens[i], w)
		}
	}

	k.ReapCompletions(10)

	rec, ok := th.ingress.Dequeue()
	if !ok {
		t.Fatal("no completion delivered for oversized descriptor")
	}
	if rec.CompletionData != 0xBB {
		t.Fatalf("completion token = %#x, want 0xBB", rec.CompletionData)
	}
	if _, ok := th.ingress.Dequeue(); ok {
		t.Fatal("intermediate segment produced a second completion")
	}
}

// Scenario: the descriptor's header block sits close enough to the end of
// its process's region that GSO expansion has nowhere to grow into — the
// reconstructed segments would not fit the declared header block. Spec
// §4.2 calls this fatal for the runtime: no completion, kill flag set, no
// segment ever reaches the driver.
func TestSegmentOverflowKillsRuntime(t *testing.T) {
	const regionSize = 8192
	const totalLen = 42 + 4000 // 3 segments; finalLen = 42*3+4000 = 4126
	const slack = 4100         // >= totalLen, < finalLen: room to hold the
	// descriptor as pulled, but not room to expand it in place.
	offset := uint64(regionSize - 16 - slack)

	proc, th := testProc(t, 1, regionSize, 8, 8, 16)
	submitDescriptor(t, proc, th, offset, 0xAB, udpFrame(totalLen))

	drv := newFakeDriver(8, -1)
	k := newTestKernel(drv, 32)
	k.RegisterProcess(proc, th)

	if !k.Burst1() {
		t.Fatal("Burst1 should report work performed (the kill), even though nothing reached the driver")
	}
	if !proc.Killed() {
		t.Fatal("process should be killed after a segment-overflow violation")
	}
	if got := k.Stats.RuntimesKilled.Load(); got != 1 {
		t.Fatalf("RuntimesKilled = %d, want 1", got)
	}
	if len(drv.enqueuedLens) != 0 {
		t.Fatalf("driver received %d segments, want 0", len(drv.enqueuedLens))
	}

	k.ReapCompletions(10)
	if _, ok := th.ingress.Dequeue(); ok {
		t.Fatal("a killed runtime's fatal descriptor should not produce a completion")
	}
}

// Scenario: a descriptor's GSO fan-out would exceed the burst's remaining
// segment budget. Rather than dropping it, the Segmenter defers it back to
// the caller so it can be retried — unlike a protocol violation, this is
// not the runtime's fault (spec's supplemented MaxSegsPerBurst behavior).
func TestSegmenterDefersWhenFanOutExceedsBudget(t *testing.T) {
	const totalLen = 42 + 4000 // needs 3 segments at MTU 1500
	proc, th := testProc(t, 1, 16384, 8, 8, 16)
	writeHeaderBlock(proc, 0, 0xCD, 0, udpFrame(totalLen))
	d := pulledDesc{proc: proc, thread: th, headerBlock: proc.region[0 : 16+totalLen]}

	s := NewSegmenter(DefaultMTU)
	res := s.Process(d, 2) // only 2 segments left in this burst, needs 3
	if !res.deferred {
		t.Fatalf("Process with insufficient budget: deferred=%v, want true", res.deferred)
	}
	if res.dropped || res.fatal {
		t.Fatalf("a budget deferral must not also be reported as dropped/fatal: %+v", res)
	}
	if len(res.segs) != 0 {
		t.Fatalf("a deferred descriptor should yield no segments, got %d", len(res.segs))
	}

	// With the full per-burst budget it succeeds normally.
	res = s.Process(d, MaxSegsPerBurst)
	if res.deferred || res.dropped || res.fatal {
		t.Fatalf("Process with full budget should succeed, got %+v", res)
	}
	if len(res.segs) != 3 {
		t.Fatalf("segs = %d, want 3", len(res.segs))
	}
}

// Scenario: segmentBatch's cumulative budget tracking (each processed
// descriptor's segment count is subtracted from the remaining budget
// before the next descriptor is considered), exercised directly rather
// than through Burst1/Poller plumbing.
func TestSegmentBatchTracksCumulativeBudget(t *testing.T) {
	proc, th := testProc(t, 1, 16384, 8, 8, 16)
	writeHeaderBlock(proc, 0, 0x1, 0, plainFrame(64))
	writeHeaderBlock(proc, 1024, 0x2, 0, plainFrame(64))
	pulled := []pulledDesc{
		{proc: proc, thread: th, headerBlock: proc.region[0 : 16+64]},
		{proc: proc, thread: th, headerBlock: proc.region[1024 : 1024+16+64]},
	}

	drv := newFakeDriver(8, -1)
	k := newTestKernel(drv, 32)
	k.RegisterProcess(proc, th)

	segs, deferred := k.segmentBatch(pulled)
	if len(segs) != 2 {
		t.Fatalf("segs = %d, want 2 (both pass through under the real MaxSegsPerBurst budget)", len(segs))
	}
	if deferred != nil {
		t.Fatalf("deferred = %v, want nil", deferred)
	}
}

// Segmentation correctness: concatenated segment payloads reconstruct the
// original payload, and every segment's IP/UDP length fields are internally
// consistent and within MTU (spec §8, invariant 4).
func TestUDPSegmentationPayloadReconstruction(t *testing.T) {
	const mtu = 1500
	const totalLen = 42 + 4000
	proc, th := testProc(t, 1, 16384, 8, 8, 16)
	frame := udpFrame(totalLen)
	originalPayload := append([]byte(nil), frame[HeaderLen:]...)
	submitDescriptor(t, proc, th, 0, 0xCC, frame)

	seg := NewSegmenter(mtu)
	d := pulledDesc{proc: proc, thread: th, headerBlock: proc.region[0 : 16+totalLen]}
	res := seg.Process(d, MaxSegsPerBurst)
	if res.dropped {
		t.Fatalf("segmentation dropped the descriptor: %v", res.err)
	}

	var reconstructed []byte
	for _, s := range res.segs {
		if s.Len > mtu {
			t.Fatalf("segment length %d exceeds MTU %d", s.Len, mtu)
		}
		ipLen := uint16(s.Frame[ipTotalLenOffset])<<8 | uint16(s.Frame[ipTotalLenOffset+1])
		udpLen := uint16(s.Frame[udpLenOffset])<<8 | uint16(s.Frame[udpLenOffset+1])
		if int(ipLen) != len(s.Frame)-14 {
			t.Fatalf("IP total length %d inconsistent with frame length %d", ipLen, len(s.Frame))
		}
		if int(udpLen) != len(s.Frame)-HeaderLen+8 {
			t.Fatalf("UDP length %d inconsistent with frame length %d", udpLen, len(s.Frame))
		}
		reconstructed = append(reconstructed, s.Frame[HeaderLen:]...)
	}
	if len(reconstructed) != len(originalPayload) {
		t.Fatalf("reconstructed payload length %d, want %d", len(reconstructed), len(originalPayload))
	}
	for i := range originalPayload {
		if reconstructed[i] != originalPayload[i] {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
}

// Scenario: two runtimes P1, P2 with one descriptor each, burst size=1, pos
// starts at 0: first call drains P1, second drains P2 (spec §8, fairness).
func TestPollerFairness(t *testing.T) {
	p1, t1 := testProc(t, 1, 4096, 8, 8, 16)
	p2, t2 := testProc(t, 2, 4096, 8, 8, 16)
	submitDescriptor(t, p1, t1, 0, 1, plainFrame(64))
	submitDescriptor(t, p2, t2, 0, 2, plainFrame(64))

	drv := newFakeDriver(4, -1)
	k := newTestKernel(drv, 1) // burst size 1
	k.RegisterProcess(p1, t1)
	k.RegisterProcess(p2, t2)

	if !k.Burst1() {
		t.Fatal("first Burst1 reported no work")
	}
	k.ReapCompletions(10)
	if rec, ok := t1.ingress.Dequeue(); !ok || rec.CompletionData != 1 {
		t.Fatalf("expected P1's completion first, got ok=%v rec=%+v", ok, rec)
	}
	if _, ok := t2.ingress.Dequeue(); ok {
		t.Fatal("P2 drained before its turn")
	}

	if !k.Burst1() {
		t.Fatal("second Burst1 reported no work")
	}
	k.ReapCompletions(10)
	if rec, ok := t2.ingress.Dequeue(); !ok || rec.CompletionData != 2 {
		t.Fatalf("expected P2's completion second, got ok=%v rec=%+v", ok, rec)
	}
}

// Scenario: driver accepts only 1 of 3 segments; next burst with no new
// input must transmit the remaining 2, and counters show 2 units of
// back-pressure (spec §8).
func TestBackpressureCarriesOverRemainingSegments(t *testing.T) {
	proc, th := testProc(t, 1, 16384, 8, 8, 16)
	submitDescriptor(t, proc, th, 0, 0xDD, udpFrame(42+4000)) // 3 segments

	drv := newFakeDriver(8, 1) // accepts only 1 buffer per BulkEnqueue call
	k := newTestKernel(drv, 32)
	k.RegisterProcess(proc, th)

	if !k.Burst1() {
		t.Fatal("first Burst1 reported no work")
	}
	if got := k.Stats.Transmitted.Load(); got != 1 {
		t.Fatalf("after first burst Transmitted = %d, want 1", got)
	}
	if got := k.Stats.Backpressure.Load(); got != 2 {
		t.Fatalf("after first burst Backpressure = %d, want 2", got)
	}
	if len(k.carry) != 2 {
		t.Fatalf("carry len = %d, want 2", len(k.carry))
	}

	// No new input; Burst1 must drain the carry before polling again.
	if !k.Burst1() {
		t.Fatal("second Burst1 (carry retry) reported no work")
	}
	if got := k.Stats.Transmitted.Load(); got != 2 {
		t.Fatalf("after second burst Transmitted = %d, want 2", got)
	}

	if !k.Burst1() {
		t.Fatal("third Burst1 (carry retry) reported no work")
	}
	if got := k.Stats.Transmitted.Load(); got != 3 {
		t.Fatalf("after third burst Transmitted = %d, want 3", got)
	}
	if len(k.carry) != 0 {
		t.Fatalf("carry should be drained, got len %d", len(k.carry))
	}

	k.ReapCompletions(10)
	rec, ok := th.ingress.Dequeue()
	if !ok || rec.CompletionData != 0xDD {
		t.Fatalf("expected single completion for 0xDD, got ok=%v rec=%+v", ok, rec)
	}
}

// Mempool exhaustion aborts the whole cycle rather than partially fulfilling
// it (spec §4.4): no buffers are attached, the already-pulled descriptor is
// dropped, and the loss only shows up in stats.
func TestMempoolExhaustionAbortsCycle(t *testing.T) {
	proc, th := testProc(t, 1, 16384, 8, 8, 16)
	submitDescriptor(t, proc, th, 0, 0xEE, udpFrame(42+4000)) // needs 3 buffers

	drv := newFakeDriver(2, -1) // pool can never satisfy a 3-buffer request
	k := newTestKernel(drv, 32)
	k.RegisterProcess(proc, th)

	if !k.Burst1() {
		t.Fatal("Burst1 reported no work despite pulling a descriptor")
	}
	if got := k.Stats.MempoolExhausted.Load(); got != 1 {
		t.Fatalf("MempoolExhausted = %d, want 1", got)
	}
	if got := k.Stats.Transmitted.Load(); got != 0 {
		t.Fatalf("Transmitted = %d, want 0", got)
	}
	if _, ok := th.ingress.Dequeue(); ok {
		t.Fatal("a completion was delivered despite mempool exhaustion")
	}
}

// Scenario: ingress ring full; overflow queue capacity=4; five completions
// enqueued: four land in overflow, one is dropped and reported; after the
// consumer drains the ingress ring, drain_completions moves all four out in
// FIFO order (spec §8).
func TestOverflowSpillAndFIFODrain(t *testing.T) {
	proc, th := testProc(t, 1, 4096, 8, 8, 4) // ingress ring size 8, overflow cap 4
	router := NewCompletionRouter(DefaultDrainBatch)
	router.Register(proc)

	// Fill the ingress ring completely so the direct-delivery path always
	// fails during the next phase.
	for i := 0; i < 8; i++ {
		if !th.ingress.Enqueue(CompletionRecord{Tag: completeTag, CompletionData: 999}) {
			t.Fatalf("priming enqueue %d failed", i)
		}
	}

	mkBuf := func(token uint64) *Buffer {
		return &Buffer{Trailer: Trailer{Proc: proc, Thread: th, CompletionToken: token}}
	}

	for i := uint64(1); i <= 4; i++ {
		outcome, err := router.OnBufferReleased(mkBuf(i))
		if err != nil {
			t.Fatalf("completion %d: unexpected error %v", i, err)
		}
		if outcome != CompletionOverflowed {
			t.Fatalf("completion %d: outcome = %v, want CompletionOverflowed", i, outcome)
		}
	}
	if _, err := router.OnBufferReleased(mkBuf(5)); err != ErrOverflowFull {
		t.Fatalf("completion 5: err = %v, want ErrOverflowFull", err)
	}
	if n := proc.overflowLen(); n != 4 {
		t.Fatalf("overflow length = %d, want 4", n)
	}

	// Consumer drains the (primed) ingress ring.
	for i := 0; i < 8; i++ {
		if _, ok := th.ingress.Dequeue(); !ok {
			t.Fatalf("expected primed record %d", i)
		}
	}

	if router.DrainCompletions() == 0 {
		t.Fatal("DrainCompletions reported no work")
	}
	if n := proc.overflowLen(); n != 0 {
		t.Fatalf("overflow length after drain = %d, want 0", n)
	}
	for want := uint64(1); want <= 4; want++ {
		rec, ok := th.ingress.Dequeue()
		if !ok {
			t.Fatalf("missing drained completion for token %d", want)
		}
		if rec.CompletionData != want {
			t.Fatalf("drained out of order: got %d, want %d", rec.CompletionData, want)
		}
	}
}

// Scenario: runtime sets kill after one descriptor enqueued: the in-flight
// completion is suppressed, the P ref is still released, no use-after-free
// on teardown (spec §8).
func TestKillSuppressesCompletionButReleasesRef(t *testing.T) {
	proc, th := testProc(t, 1, 4096, 8, 8, 16)
	submitDescriptor(t, proc, th, 0, 0xFF, plainFrame(64))

	drv := newFakeDriver(4, -1)
	k := newTestKernel(drv, 32)
	k.RegisterProcess(proc, th)

	if !k.Burst1() {
		t.Fatal("Burst1 reported no work")
	}
	if got := proc.RefCount(); got != 2 {
		t.Fatalf("RefCount after attach = %d, want 2 (registration + in-flight buffer)", got)
	}

	proc.Kill()

	k.ReapCompletions(10)

	if _, ok := th.ingress.Dequeue(); ok {
		t.Fatal("completion delivered to a killed process")
	}
	if got := proc.RefCount(); got != 1 {
		t.Fatalf("RefCount after release = %d, want 1 (registration only, ref dropped on release)", got)
	}
}

// Reference balance: after the system quiesces, a process's reference count
// returns to its initial registration count across several descriptors,
// including ones that fan out into multiple segments (spec §8, invariant 2).
func TestReferenceBalanceAcrossSegmentation(t *testing.T) {
	proc, th := testProc(t, 1, 16384, 8, 8, 16)
	submitDescriptor(t, proc, th, 0, 0x11, plainFrame(64))
	submitDescriptor(t, proc, th, 1024, 0x22, udpFrame(42+4000))

	drv := newFakeDriver(8, -1)
	k := newTestKernel(drv, 32)
	k.RegisterProcess(proc, th)

	for k.Burst1() {
	}
	k.ReapCompletions(10)

	if got := proc.RefCount(); got != 1 {
		t.Fatalf("RefCount = %d, want 1 (registration only) after quiescence", got)
	}
	if got := k.Stats.Transmitted.Load(); got != 4 { // 1 + 3 segments
		t.Fatalf("Transmitted = %d, want 4", got)
	}
}
