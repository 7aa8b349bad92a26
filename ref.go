package dynarena

import (
	"fmt"
	"reflect"
)

// scope is the identity and lifetime token of one arena. Refs carry the
// scope and the generation they were issued in; both are checked on use.
type scope struct {
	id       uint64
	name     string
	gen      uint64
	parent   *scope
	released bool
}

func (s *scope) live(gen uint64) bool {
	return !s.released && s.gen == gen
}

// outlives reports whether s is a strict ancestor of other. A parent arena
// always releases its children before itself.
func (s *scope) outlives(other *scope) bool {
	for p := other.parent; p != nil; p = p.parent {
		if p == s {
			return true
		}
	}
	return false
}

func (s *scope) String() string {
	if s.name != "" {
		return fmt.Sprintf("arena #%d (%s)", s.id, s.name)
	}
	return fmt.Sprintf("arena #%d", s.id)
}

// refHandle is implemented by every Ref instantiation so the gate can find
// handles inside values of any type.
type refHandle interface {
	refTarget() (*scope, uint64)
	refElem() reflect.Type
}

var refHandleType = reflect.TypeFor[refHandle]()

// Ref is a handle to a value placed in an arena. It is valid until the arena
// is released or reset; using it afterwards panics with ErrStaleRef.
//
// The zero Ref refers to nothing.
type Ref[T any] struct {
	ptr   *T
	scope *scope
	gen   uint64
}

func newRef[T any](p *T, s *scope) Ref[T] {
	return Ref[T]{ptr: p, scope: s, gen: s.gen}
}

// Get returns the placed value. It panics if the Ref is zero or stale.
func (r Ref[T]) Get() *T {
	p, err := r.Load()
	if err != nil {
		panic(err)
	}
	return p
}

// Load returns the placed value, or ErrStaleRef if the Ref is zero or its
// arena has been released or reset since the value was placed.
func (r Ref[T]) Load() (*T, error) {
	if r.scope == nil {
		return nil, fmt.Errorf("%w: zero Ref[%s]", ErrStaleRef, reflect.TypeFor[T]())
	}
	if !r.scope.live(r.gen) {
		return nil, fmt.Errorf("%w: %s was released or reset", ErrStaleRef, r.scope)
	}
	return r.ptr, nil
}

// Value returns a copy of the placed value.
func (r Ref[T]) Value() T { return *r.Get() }

// Valid reports whether Get would succeed.
func (r Ref[T]) Valid() bool {
	return r.scope != nil && r.scope.live(r.gen)
}

// IsZero reports whether r is the zero Ref.
func (r Ref[T]) IsZero() bool { return r.scope == nil }

// ArenaID returns the id of the arena the value lives in, or 0 for the zero Ref.
func (r Ref[T]) ArenaID() uint64 {
	if r.scope == nil {
		return 0
	}
	return r.scope.id
}

func (r Ref[T]) String() string {
	if r.scope == nil {
		return fmt.Sprintf("Ref[%s](nil)", reflect.TypeFor[T]())
	}
	return fmt.Sprintf("Ref[%s](%s, gen %d)", reflect.TypeFor[T](), r.scope, r.gen)
}

func (r Ref[T]) refTarget() (*scope, uint64) { return r.scope, r.gen }

func (r Ref[T]) refElem() reflect.Type { return reflect.TypeFor[T]() }
