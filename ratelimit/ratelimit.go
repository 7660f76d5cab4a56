// Package ratelimit paces how fast a producer enqueues egress descriptors
// into a shared-memory ring. loadgen uses it to shape synthetic traffic
// without busy-looping the producer thread into a spin that starves the
// consumer side of the same CPU.
package ratelimit

import "time"

// DescriptorThrottle caps the average rate at which descriptors may be
// enqueued. Not safe for concurrent use — each egress thread owns one.
type DescriptorThrottle struct {
	nsPerDescriptor int64
	descriptorsSent uint64
	startTime       time.Time
	checkEvery      uint64
}

// New creates a throttle admitting descriptorsPerSec descriptors per second
// on average. descriptorsPerSec == 0 disables throttling and New returns
// nil; ThrottleN on a nil *DescriptorThrottle is a no-op, so callers never
// need to branch on whether throttling is enabled.
func New(descriptorsPerSec uint64) *DescriptorThrottle {
	if descriptorsPerSec == 0 {
		return nil
	}
	return &DescriptorThrottle{
		nsPerDescriptor: int64(time.Second) / int64(descriptorsPerSec),
		startTime:       time.Now(),

		// Recheck the clock roughly every 10ms of descriptors, but never
		// less often than every 32 nor more often than every 1024 — balances
		// pacing accuracy against the cost of time.Now() on the hot path.
		checkEvery: min(max(descriptorsPerSec/100, 32), 1024),
	}
}

// ThrottleN blocks the caller until n more descriptors are allowed. It does
// not let a producer that falls behind schedule "catch up" with a burst —
// a delayed send just shifts the whole remaining schedule later.
func (l *DescriptorThrottle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.descriptorsSent += n
	if l.descriptorsSent%l.checkEvery != 0 {
		return // Fast path: only check time periodically.
	}

	expected := l.startTime.Add(time.Duration(int64(l.descriptorsSent) * l.nsPerDescriptor))
	if now := time.Now(); now.Before(expected) {
		time.Sleep(expected.Sub(now))
	}
}

// Achieved reports the mean enqueue rate observed so far, descriptors per
// second since the throttle was created. A nil throttle (throttling
// disabled) reports zero — callers measuring achieved rate fall back to
// their own wall-clock division in that case.
func (l *DescriptorThrottle) Achieved() float64 {
	if l == nil {
		return 0
	}
	elapsed := time.Since(l.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(l.descriptorsSent) / elapsed
}
