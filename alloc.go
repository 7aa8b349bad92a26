package dynarena

import (
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Alloc moves v into the arena and returns a Ref valid until the arena is
// released. If T has cleanup obligations (see Destroyer), the cleanup runs
// exactly once at release.
//
// Every Ref reachable from v must point into a strict ancestor of a; Refs
// into a itself, into child or unrelated arenas, or stale Refs are rejected
// with a *CapabilityError. Go pointers, slices and strings reachable from v
// follow the same rule when they point into arena memory. Use AllocCopy for
// values that link to other values of the same arena.
//
// A value destroyed through a pointer (a pointer or interface field whose
// type has Destroy) can be owned by one placement only. Placing a second
// owner of it, in any arena, is rejected until the first one has run.
func Alloc[T any](a *Arena, v T) (Ref[T], error) {
	info := infoOf[T]()
	p, err := allocBound(a, "Alloc", info, &v, info.destroy)
	if err != nil {
		return Ref[T]{}, err
	}
	return newRef(p, a.scope), nil
}

// MustAlloc is like Alloc but panics on error.
func MustAlloc[T any](a *Arena, v T) Ref[T] {
	r, err := Alloc(a, v)
	if err != nil {
		panic(err)
	}
	return r
}

// AllocWith is like Alloc but registers cleanup as the value's destructor.
// If T has cleanup obligations of its own, they run after cleanup.
//
// The gate checks v, not cleanup. The closure must not capture Refs or
// pointers into a itself: by the time it runs, those values may already
// have been destroyed. Like AllocUnchecked, it is an escape hatch.
func AllocWith[T any](a *Arena, v T, cleanup func(*T) error) (Ref[T], error) {
	if cleanup == nil {
		return Alloc(a, v)
	}
	info := infoOf[T]()
	own := info.destroy
	p, err := allocBound(a, "AllocWith", info, &v, func(slot unsafe.Pointer) error {
		err := cleanup((*T)(slot))
		if own != nil {
			err = multierr.Append(err, own(slot))
		}
		return err
	})
	if err != nil {
		return Ref[T]{}, err
	}
	return newRef(p, a.scope), nil
}

// allocBound places v on the bound path and registers destroy, if set, as
// its cleanup.
func allocBound[T any](a *Arena, op string, info *typeInfo, v *T, destroy func(unsafe.Pointer) error) (*T, error) {
	if err := a.usable(); err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(v).Elem()
	if info.refs || info.pointers {
		if err := a.checkBorrows(op, info, rv); err != nil {
			a.log.Debug("placement rejected", zap.String("op", op), zap.Error(err))
			return nil, err
		}
	}
	if destroy == nil {
		return place(a, op, info, *v)
	}

	claims, err := a.claimOwned(op, info, rv)
	if err != nil {
		a.log.Debug("placement rejected", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	p, err := place(a, op, info, *v)
	if err != nil {
		owners.unclaim(claims)
		return nil, err
	}
	if info.size > 0 {
		slot := uintptr(unsafe.Pointer(p))
		owners.claimSlot(slot, a.scope)
		claims = append(claims, slot)
	}
	a.reg.register(unsafe.Pointer(p), destroy, info.typ, claims...)
	return p, nil
}

// AllocCopy moves v into the arena without registering any cleanup and
// returns a Ref valid until the arena is released. T must be trivially
// destructible; types with cleanup obligations are rejected with a
// *CapabilityError. v may hold Refs to other values of the same arena,
// including ones that refer back to it.
func AllocCopy[T any](a *Arena, v T) (Ref[T], error) {
	info := infoOf[T]()
	if err := a.usable(); err != nil {
		return Ref[T]{}, err
	}
	if info.destroy != nil {
		return Ref[T]{}, cleanupViolation("AllocCopy", info)
	}
	p, err := place(a, "AllocCopy", info, v)
	if err != nil {
		return Ref[T]{}, err
	}
	return newRef(p, a.scope), nil
}

// MustAllocCopy is like AllocCopy but panics on error.
func MustAllocCopy[T any](a *Arena, v T) Ref[T] {
	r, err := AllocCopy(a, v)
	if err != nil {
		panic(err)
	}
	return r
}

// AllocUnchecked places v without consulting the gate and without
// registering cleanup. Any cleanup obligation of T is skipped on purpose.
func AllocUnchecked[T any](a *Arena, v T) (Ref[T], error) {
	if err := a.usable(); err != nil {
		return Ref[T]{}, err
	}
	p, err := place(a, "AllocUnchecked", infoOf[T](), v)
	if err != nil {
		return Ref[T]{}, err
	}
	return newRef(p, a.scope), nil
}

// AllocSlice allocates a zeroed slice of n elements of type T inside the
// arena's chunk memory. T must be trivially destructible and free of Go
// pointers. Returns nil if n <= 0.
//
// The slice is valid until the arena is released or reset.
func AllocSlice[T any](a *Arena, n int) ([]T, error) {
	if err := a.usable(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	info := infoOf[T]()
	if info.destroy != nil {
		return nil, cleanupViolation("AllocSlice", info)
	}
	if info.pointers {
		return nil, &CapabilityError{
			Op:     "AllocSlice",
			Type:   info.typ.String(),
			Reason: "element type holds Go pointers, which untyped chunk memory cannot carry; place elements with Alloc or AllocCopy",
		}
	}
	if info.size > 0 && uintptr(n) > uintptr(math.MaxInt)/info.size {
		return nil, &AllocError{Op: "AllocSlice", Size: n, Align: int(info.align), Cause: fmt.Errorf("%d elements of %d bytes overflow", n, info.size)}
	}
	total := info.size * uintptr(n)
	ptr, err := a.store.reserve(total, info.align)
	if err != nil {
		return nil, &AllocError{Op: "AllocSlice", Size: int(total), Align: int(info.align), Cause: err}
	}
	a.allocs++
	s := unsafe.Slice((*T)(ptr), n)
	clear(s)
	return s, nil
}

// AllocBytes returns n zeroed bytes from the arena, aligned to pointer size.
// The slice is valid until the arena is released or reset. Returns nil if n <= 0.
func (a *Arena) AllocBytes(n int) ([]byte, error) {
	if err := a.usable(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	ptr, err := a.store.reserve(uintptr(n), ptrAlign)
	if err != nil {
		return nil, &AllocError{Op: "AllocBytes", Size: n, Align: int(ptrAlign), Cause: err}
	}
	a.allocs++
	b := unsafe.Slice((*byte)(ptr), n)
	clear(b)
	return b, nil
}

// CopyBytes copies src into the arena.
func (a *Arena) CopyBytes(src []byte) ([]byte, error) {
	b, err := a.AllocBytes(len(src))
	if err != nil || b == nil {
		return b, err
	}
	copy(b, src)
	return b, nil
}

// AllocString copies s into the arena and returns a string backed by arena memory.
func (a *Arena) AllocString(s string) (string, error) {
	if s == "" {
		return "", a.usable()
	}
	b, err := a.AllocBytes(len(s))
	if err != nil {
		return "", err
	}
	copy(b, s)
	return unsafe.String(unsafe.SliceData(b), len(b)), nil
}

// place reserves a slot for info's type and moves v into it. Pointer-free
// types go to chunk memory, the rest to the type's slab.
func place[T any](a *Arena, op string, info *typeInfo, v T) (*T, error) {
	if info.pointers {
		s := slabOf[T](a, info)
		p, err := s.place(v)
		if err != nil {
			return nil, &AllocError{Op: op, Size: int(info.size), Align: int(info.align), Cause: err}
		}
		a.allocs++
		return p, nil
	}

	ptr, err := a.store.reserve(info.size, info.align)
	if err != nil {
		return nil, &AllocError{Op: op, Size: int(info.size), Align: int(info.align), Cause: err}
	}
	p := (*T)(ptr)
	*p = v
	a.allocs++
	return p, nil
}

func slabOf[T any](a *Arena, info *typeInfo) *slab[T] {
	if s, ok := a.slabs[info.typ]; ok {
		return s.(*slab[T])
	}
	s := newSlab[T](&a.cfg, &a.budget, a.scope, a.log)
	if a.slabs == nil {
		a.slabs = make(map[reflect.Type]slabber)
	}
	a.slabs[info.typ] = s
	return s
}

func cleanupViolation(op string, info *typeInfo) error {
	reason := "type has cleanup obligations (Destroy) that would never run"
	if len(info.dtorPath) > 0 {
		reason = "field has cleanup obligations (Destroy) that would never run"
	}
	return &CapabilityError{
		Op:     op,
		Type:   info.typ.String(),
		Path:   info.dtorPath,
		Reason: reason + "; place it with Alloc instead",
	}
}
