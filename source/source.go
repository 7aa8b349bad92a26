// Package source provides the memory sources an arena obtains its chunks from.
//
// A Source hands out zeroed byte buffers and takes them back when the arena
// is released. Sources never retry: a failed Acquire is reported to the
// caller as is.
package source

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrInvalidSize is returned when a non-positive size is requested.
var ErrInvalidSize = errors.New("source: invalid chunk size")

// Source supplies chunk memory to an arena.
type Source interface {
	// Acquire returns a zeroed buffer of exactly n bytes.
	Acquire(n int) ([]byte, error)
	// Release returns a buffer previously obtained from Acquire.
	// The buffer must not be used afterwards.
	Release(b []byte) error
	// Name identifies the source in logs and metrics.
	Name() string
}

// Heap allocates chunks on the Go heap.
type Heap struct{}

// NewHeap returns the Go heap source.
func NewHeap() Heap { return Heap{} }

// Acquire allocates n bytes with make. Allocation panics that the runtime
// lets us recover from (e.g. impossible lengths) are returned as errors.
func (Heap) Acquire(n int) (b []byte, err error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(runtime.Error); ok {
				b, err = nil, fmt.Errorf("source: heap acquire %d bytes: %w", n, re)
				return
			}
			panic(r)
		}
	}()
	return make([]byte, n), nil
}

// Release drops the buffer; the collector reclaims it.
func (Heap) Release([]byte) error { return nil }

// Name returns "heap".
func (Heap) Name() string { return "heap" }

// ByName returns the source registered under name ("heap" or "mmap").
func ByName(name string) (Source, error) {
	switch name {
	case "", "heap":
		return NewHeap(), nil
	case "mmap":
		return NewMmap()
	default:
		return nil, fmt.Errorf("source: unknown source %q", name)
	}
}
