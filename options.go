package dynarena

import (
	"go.uber.org/zap"

	"github.com/pavanmanishd/dynarena/source"
)

const (
	// DefaultChunkSize is the default size of the first chunk (64 KiB).
	DefaultChunkSize = 1 << 16

	// DefaultMaxChunkSize caps geometric chunk growth (64 MiB). Requests
	// larger than the cap still get a chunk of their own size.
	DefaultMaxChunkSize = 1 << 26
)

type config struct {
	name         string
	chunkSize    int
	maxChunkSize int
	maxBytes     int
	growth       func(prev int) int
	src          source.Source
	logger       *zap.Logger
	dtorCapacity int
	releaseHooks []func(Metrics)
}

// Option configures an Arena.
type Option func(*config)

// WithChunkSize sets the size of the first chunk. Values <= 0 select DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(c *config) { c.chunkSize = n }
}

// WithMaxChunkSize caps the size geometric growth may reach.
func WithMaxChunkSize(n int) Option {
	return func(c *config) { c.maxChunkSize = n }
}

// WithGrowth replaces the default doubling policy. The function receives the
// previous chunk size and returns the next one; results are clamped to the
// maximum chunk size and never below the request being served.
func WithGrowth(fn func(prev int) int) Option {
	return func(c *config) { c.growth = fn }
}

// WithMaxBytes limits the bytes an arena may hold across chunks and slabs.
// Exceeding it fails the allocation with ErrAllocationFailure. 0 means no limit.
func WithMaxBytes(n int) Option {
	return func(c *config) { c.maxBytes = n }
}

// WithSource sets where chunks come from. Defaults to the Go heap.
func WithSource(src source.Source) Option {
	return func(c *config) { c.src = src }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithName labels the arena in logs and metrics.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithDestructorCapacity preallocates room for n destructor entries.
func WithDestructorCapacity(n int) Option {
	return func(c *config) { c.dtorCapacity = n }
}

// WithReleaseHook registers fn to receive the final metrics snapshot after
// the arena has been released.
func WithReleaseHook(fn func(Metrics)) Option {
	return func(c *config) { c.releaseHooks = append(c.releaseHooks, fn) }
}

func doubling(prev int) int { return prev * 2 }

func newConfig(opts []Option) config {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()
	return cfg
}

func (c *config) normalize() {
	if c.chunkSize <= 0 {
		c.chunkSize = DefaultChunkSize
	}
	if c.maxChunkSize <= 0 {
		c.maxChunkSize = DefaultMaxChunkSize
	}
	if c.maxChunkSize < c.chunkSize {
		c.maxChunkSize = c.chunkSize
	}
	if c.maxBytes < 0 {
		c.maxBytes = 0
	}
	if c.growth == nil {
		c.growth = doubling
	}
	if c.src == nil {
		c.src = source.NewHeap()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
}
