//go:build linux || darwin

package source

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mmap allocates chunks as anonymous private mappings outside the Go heap.
// Memory from this source is invisible to the garbage collector, which is
// fine for arena chunks: only pointer-free values are placed in them.
type Mmap struct {
	pageSize int
}

// NewMmap returns an mmap-backed source.
func NewMmap() (*Mmap, error) {
	return &Mmap{pageSize: unix.Getpagesize()}, nil
}

// Acquire maps n bytes rounded up to whole pages and returns the first n.
// The capacity of the result covers the whole mapping. Fresh anonymous
// mappings are zero-filled by the kernel.
func (m *Mmap) Acquire(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	size := (n + m.pageSize - 1) &^ (m.pageSize - 1)
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("source: mmap %d bytes: %w", size, err)
	}
	return data[:n], nil
}

// Release unmaps a buffer returned by Acquire.
func (m *Mmap) Release(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b[:cap(b)]); err != nil {
		return fmt.Errorf("source: munmap %d bytes: %w", cap(b), err)
	}
	return nil
}

// Name returns "mmap".
func (m *Mmap) Name() string { return "mmap" }
