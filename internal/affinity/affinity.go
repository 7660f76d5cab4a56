//go:build linux

// Package affinity pins the calling goroutine's OS thread to a single CPU
// core, for the one burst-loop thread the transmit path runs on (spec §5:
// "driven by one pinned OS thread with no suspension points inside a
// burst"). Grounded on the same golang.org/x/sys/unix syscall surface the
// teacher's afxdp package already uses for raw socket and mmap calls.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its current OS thread and
// restricts that thread to cpu. The caller must already be running on a
// goroutine it intends to keep locked for the lifetime of the pin — there
// is no Unpin; call runtime.UnlockOSThread yourself if the thread needs to
// become general-purpose again.
func PinCurrentThread(cpu int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: pinning to cpu %d: %w", cpu, err)
	}
	return nil
}
