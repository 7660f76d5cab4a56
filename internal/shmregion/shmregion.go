//go:build linux

// Package shmregion maps a fixed-size file into memory for use as a
// runtime-kernel shared-memory region (spec §3: "single-producer/
// single-consumer lock-free rings in shared memory"). It stands in for the
// real mechanism a runtime would use to share memory with the kernel
// (hugetlbfs, memfd, or a driver-mapped BAR) — grounded on the teacher's own
// mmapRegion/mmapUmem helpers in afxdp/afxdp.go, which map kernel-allocated
// ring and UMEM memory the same way.
package shmregion

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a byte slice backed by a memory-mapped file.
type Region struct {
	mem []byte
}

// Create truncates (or creates) the file at path to size bytes and maps it
// read-write. The caller owns the file afterward; Close only unmaps.
func Create(path string, size uint64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmregion: creating %q: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("shmregion: truncating %q to %d bytes: %w", path, size, err)
	}
	return mapFile(f, size)
}

// Open maps an existing file at path, sized to fit at least size bytes.
func Open(path string, size uint64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmregion: opening %q: %w", path, err)
	}
	defer f.Close()
	return mapFile(f, size)
}

func mapFile(f *os.File, size uint64) (*Region, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmregion: mmap: %w", err)
	}
	return &Region{mem: mem}, nil
}

// Bytes returns the mapped region.
func (r *Region) Bytes() []byte { return r.mem }

// Close unmaps the region. It does not remove the backing file.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
