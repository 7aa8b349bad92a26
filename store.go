package dynarena

import (
	"fmt"
	"math"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// zeroBase is the address handed out for zero-size requests.
var zeroBase uint64

// ptrAlign is the alignment of raw byte regions.
const ptrAlign = unsafe.Sizeof(uintptr(0))

// chunk represents a single memory chunk within an arena.
type chunk struct {
	buf    []byte  // backing memory
	offset uintptr // allocation offset within buf
}

// bump carves size bytes aligned to align out of the chunk.
// The alignment applies to the absolute address, not the offset.
func (c *chunk) bump(size, align uintptr) (unsafe.Pointer, bool) {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(c.buf)))
	off := alignUp(base+c.offset, align) - base
	if off+size > uintptr(len(c.buf)) {
		return nil, false
	}
	c.offset = off + size
	return unsafe.Pointer(&c.buf[off]), true
}

// budget tracks bytes held by an arena against an optional limit.
type budget struct {
	limit int
	used  int
}

func (b *budget) charge(n int) error {
	if b.limit > 0 && b.used+n > b.limit {
		return fmt.Errorf("byte budget exhausted: %d in use, %d requested, limit %d", b.used, n, b.limit)
	}
	b.used += n
	return nil
}

func (b *budget) refund(n int) {
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
}

// store is the chunked bump allocator behind an arena. Pointer-free values
// and raw byte regions live here.
type store struct {
	chunks   []chunk
	current  int // chunk being bumped, -1 before the first chunk
	lastSize int // size the growth policy produced last
	cfg      *config
	budget   *budget
	owner    *scope
	log      *zap.Logger
}

func newStore(cfg *config, b *budget, owner *scope, log *zap.Logger) store {
	return store{current: -1, cfg: cfg, budget: b, owner: owner, log: log}
}

// reserve returns size bytes aligned to align. Zero-size requests share one
// sentinel address and consume nothing.
func (s *store) reserve(size, align uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return unsafe.Pointer(&zeroBase), nil
	}
	if align == 0 {
		align = 1
	}

	// Fast path: bump the current chunk
	if s.current >= 0 {
		if p, ok := s.chunks[s.current].bump(size, align); ok {
			return p, nil
		}
	}

	// Slow path: need another chunk
	return s.reserveSlow(size, align)
}

func (s *store) reserveSlow(size, align uintptr) (unsafe.Pointer, error) {
	if size > uintptr(math.MaxInt)-align {
		return nil, fmt.Errorf("request of %d bytes overflows", size)
	}

	// Chunks kept by a reset are reused in order before asking for memory.
	for i := s.current + 1; i < len(s.chunks); i++ {
		s.current = i
		if p, ok := s.chunks[i].bump(size, align); ok {
			return p, nil
		}
	}

	if err := s.grow(int(size + align - 1)); err != nil {
		return nil, err
	}
	p, ok := s.chunks[s.current].bump(size, align)
	if !ok {
		panic("dynarena: fresh chunk cannot hold the request it was sized for")
	}
	return p, nil
}

// grow appends a new chunk of at least need bytes. Nothing changes on failure.
func (s *store) grow(need int) error {
	size := s.cfg.chunkSize
	if s.lastSize > 0 {
		size = s.cfg.growth(s.lastSize)
		if size <= 0 || size > s.cfg.maxChunkSize {
			size = s.cfg.maxChunkSize
		}
	}
	policy := size
	if need > size {
		size = need
	}

	if err := s.budget.charge(size); err != nil {
		return err
	}
	buf, err := s.cfg.src.Acquire(size)
	if err != nil {
		s.budget.refund(size)
		return err
	}

	s.chunks = append(s.chunks, chunk{buf: buf})
	owners.addSpan(chunkBase(buf), uintptr(len(buf)), s.owner)
	s.current = len(s.chunks) - 1
	s.lastSize = policy
	s.log.Debug("chunk acquired",
		zap.Int("size", size),
		zap.Int("chunks", len(s.chunks)),
		zap.String("source", s.cfg.src.Name()))
	return nil
}

// rewind makes every chunk empty again but keeps the memory.
func (s *store) rewind() {
	for i := range s.chunks {
		s.chunks[i].offset = 0
	}
	s.current = -1
	if len(s.chunks) > 0 {
		s.current = 0
	}
}

// release hands every chunk back to the source.
func (s *store) release() error {
	var err error
	for i := range s.chunks {
		n := len(s.chunks[i].buf)
		owners.removeSpan(chunkBase(s.chunks[i].buf))
		err = multierr.Append(err, s.cfg.src.Release(s.chunks[i].buf))
		s.budget.refund(n)
		s.chunks[i] = chunk{}
	}
	s.chunks = nil
	s.current = -1
	return err
}

func chunkBase(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

func (s *store) sizeInUse() int {
	sum := 0
	for _, c := range s.chunks {
		sum += int(c.offset)
	}
	return sum
}

func (s *store) capacity() int {
	sum := 0
	for _, c := range s.chunks {
		sum += len(c.buf)
	}
	return sum
}

// alignUp rounds off up to a multiple of align, which must be a power of two.
func alignUp(off, align uintptr) uintptr {
	mask := align - 1
	return (off + mask) &^ mask
}
