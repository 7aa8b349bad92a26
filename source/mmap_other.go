//go:build !linux && !darwin

package source

import "errors"

// ErrUnsupported is returned by NewMmap on platforms without anonymous mmap support.
var ErrUnsupported = errors.New("source: mmap not supported on this platform")

// Mmap is unavailable on this platform.
type Mmap struct{}

// NewMmap always fails on this platform.
func NewMmap() (*Mmap, error) { return nil, ErrUnsupported }

func (*Mmap) Acquire(int) ([]byte, error) { return nil, ErrUnsupported }
func (*Mmap) Release([]byte) error       { return ErrUnsupported }
func (*Mmap) Name() string               { return "mmap" }
