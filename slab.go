package dynarena

import (
	"reflect"
	"unsafe"

	"go.uber.org/zap"
)

// minSlabElems is the element count of the first chunk of a slab, unless
// the configured chunk size holds fewer elements.
const minSlabElems = 16

// slabber is the type-independent view of a slab.
type slabber interface {
	clear()
	drop()
	usage() (used, capacity, chunks int)
}

// slab holds values of one pointer-bearing type. Such values cannot live in
// untyped chunk memory because the collector would not trace their pointers,
// so each type gets its own list of []T chunks. A chunk is never appended
// past its capacity, which keeps element addresses stable.
type slab[T any] struct {
	chunks   [][]T
	current  int
	next     int // element count of the next chunk
	maxElems int
	elemSize int
	realSize uintptr // elemSize is at least 1 for budgeting
	budget   *budget
	owner    *scope
	log      *zap.Logger
}

func newSlab[T any](cfg *config, b *budget, owner *scope, log *zap.Logger) *slab[T] {
	width := unsafe.Sizeof(*new(T))
	size := max(int(width), 1)
	first := max(1, min(minSlabElems, cfg.chunkSize/size))
	maxElems := max(first, cfg.maxChunkSize/size)
	return &slab[T]{
		current:  -1,
		next:     first,
		maxElems: maxElems,
		elemSize: size,
		realSize: width,
		budget:   b,
		owner:    owner,
		log:      log.With(zap.Stringer("type", reflect.TypeFor[T]())),
	}
}

// place copies v into the slab and returns its stable address.
func (s *slab[T]) place(v T) (*T, error) {
	if s.current < 0 || len(s.chunks[s.current]) == cap(s.chunks[s.current]) {
		if err := s.advance(); err != nil {
			return nil, err
		}
	}
	c := append(s.chunks[s.current], v)
	s.chunks[s.current] = c
	return &c[len(c)-1], nil
}

// advance moves to the next retained chunk or grows a new one.
func (s *slab[T]) advance() error {
	if s.current+1 < len(s.chunks) {
		s.current++
		return nil
	}
	n := s.next
	if err := s.budget.charge(n * s.elemSize); err != nil {
		return err
	}
	c := make([]T, 0, n)
	s.chunks = append(s.chunks, c)
	owners.addSpan(slabBase(c), uintptr(n)*s.realSize, s.owner)
	s.current = len(s.chunks) - 1
	s.next = min(n*2, s.maxElems)
	s.log.Debug("slab chunk acquired", zap.Int("elems", n), zap.Int("chunks", len(s.chunks)))
	return nil
}

// clear zeroes every placed value and rewinds the slab, keeping its chunks.
func (s *slab[T]) clear() {
	for i, c := range s.chunks {
		clear(c)
		s.chunks[i] = c[:0]
	}
	s.current = -1
	if len(s.chunks) > 0 {
		s.current = 0
	}
}

// drop zeroes every placed value and forgets all chunks.
func (s *slab[T]) drop() {
	for i, c := range s.chunks {
		clear(c)
		owners.removeSpan(slabBase(c))
		s.budget.refund(cap(c) * s.elemSize)
		s.chunks[i] = nil
	}
	s.chunks = nil
	s.current = -1
}

func (s *slab[T]) usage() (used, capacity, chunks int) {
	for _, c := range s.chunks {
		used += len(c) * s.elemSize
		capacity += cap(c) * s.elemSize
	}
	return used, capacity, len(s.chunks)
}

func slabBase[T any](c []T) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(c)))
}
