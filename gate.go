package dynarena

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"unsafe"

	"go.uber.org/multierr"
)

// Destroyer is implemented by values with cleanup obligations. Values placed
// with Alloc have Destroy called exactly once when their arena is released.
//
// A type's Destroy method is its whole cleanup. Types without one are
// cleaned field by field: struct fields and array elements held by value
// that have cleanup are destroyed in declaration order. Pointers, slices,
// maps, channels and interfaces without a Destroy method are not owned and
// are not followed.
type Destroyer interface {
	Destroy() error
}

var destroyerType = reflect.TypeFor[Destroyer]()

// typeInfo is the gate's classification of one type.
type typeInfo struct {
	typ      reflect.Type
	size     uintptr
	align    uintptr
	pointers bool                       // holds Go pointers, placed in a slab
	destroy  func(unsafe.Pointer) error // nil for trivially destructible types
	dtorPath []string                   // where the cleanup obligation sits
	refs     bool                       // may transitively hold a Ref
	owns     bool                       // cleanup destroys values behind pointers
}

var typeCache sync.Map // reflect.Type -> *typeInfo

func infoOf[T any]() *typeInfo {
	return infoFor(reflect.TypeFor[T]())
}

func infoFor(t reflect.Type) *typeInfo {
	if v, ok := typeCache.Load(t); ok {
		return v.(*typeInfo)
	}
	path, _ := cleanupPath(t)
	info := &typeInfo{
		typ:      t,
		size:     t.Size(),
		align:    uintptr(t.Align()),
		pointers: containsPointers(t, make(map[reflect.Type]bool)),
		destroy:  dropGlue(t),
		dtorPath: path,
		refs:     mayHoldRefs(t, make(map[reflect.Type]bool)),
		owns:     ownsThroughPointers(t, make(map[reflect.Type]bool)),
	}
	v, _ := typeCache.LoadOrStore(t, info)
	return v.(*typeInfo)
}

// containsPointers reports whether values of t hold anything the collector
// must trace.
func containsPointers(t reflect.Type, visited map[reflect.Type]bool) bool {
	if visited[t] {
		return false
	}
	visited[t] = true

	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func,
		reflect.Interface, reflect.UnsafePointer, reflect.String:
		return true
	case reflect.Array:
		return t.Len() > 0 && containsPointers(t.Elem(), visited)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if containsPointers(t.Field(i).Type, visited) {
				return true
			}
		}
	}
	return false
}

// ownDestroy returns the cleanup of a type that implements Destroyer itself,
// through either its value or its pointer method set.
func ownDestroy(t reflect.Type) func(unsafe.Pointer) error {
	switch {
	case t.Kind() == reflect.Interface:
		if !t.Implements(destroyerType) {
			return nil
		}
		return func(p unsafe.Pointer) error {
			if d, ok := reflect.NewAt(t, p).Elem().Interface().(Destroyer); ok {
				return d.Destroy()
			}
			return nil
		}
	case reflect.PointerTo(t).Implements(destroyerType):
		return func(p unsafe.Pointer) error {
			return reflect.NewAt(t, p).Interface().(Destroyer).Destroy()
		}
	case t.Implements(destroyerType):
		// t is a pointer type whose pointee has Destroy.
		return func(p unsafe.Pointer) error {
			v := reflect.NewAt(t, p).Elem()
			if v.IsNil() {
				return nil
			}
			return v.Interface().(Destroyer).Destroy()
		}
	}
	return nil
}

// dropGlue builds the cleanup action for t, or nil when t is trivially
// destructible.
func dropGlue(t reflect.Type) func(unsafe.Pointer) error {
	if fn := ownDestroy(t); fn != nil {
		return fn
	}

	switch t.Kind() {
	case reflect.Struct:
		type part struct {
			off uintptr
			fn  func(unsafe.Pointer) error
		}
		var parts []part
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if fn := dropGlue(f.Type); fn != nil {
				parts = append(parts, part{off: f.Offset, fn: fn})
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return func(p unsafe.Pointer) error {
			var err error
			for _, pt := range parts {
				err = multierr.Append(err, pt.fn(unsafe.Add(p, pt.off)))
			}
			return err
		}

	case reflect.Array:
		if t.Len() == 0 {
			return nil
		}
		fn := dropGlue(t.Elem())
		if fn == nil {
			return nil
		}
		n, size := t.Len(), t.Elem().Size()
		return func(p unsafe.Pointer) error {
			var err error
			for i := 0; i < n; i++ {
				err = multierr.Append(err, fn(unsafe.Add(p, uintptr(i)*size)))
			}
			return err
		}
	}
	return nil
}

// cleanupPath locates the first cleanup obligation inside t.
func cleanupPath(t reflect.Type) ([]string, bool) {
	if ownDestroy(t) != nil {
		return nil, true
	}
	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if sub, ok := cleanupPath(f.Type); ok {
				return append([]string{f.Name}, sub...), true
			}
		}
	case reflect.Array:
		if t.Len() > 0 {
			if sub, ok := cleanupPath(t.Elem()); ok {
				return append([]string{"[0]"}, sub...), true
			}
		}
	}
	return nil, false
}

func isRefType(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && t.Implements(refHandleType)
}

// mayHoldRefs reports whether a value of t can reach a Ref.
func mayHoldRefs(t reflect.Type, visited map[reflect.Type]bool) bool {
	if isRefType(t) {
		return true
	}
	if visited[t] {
		return false
	}
	visited[t] = true

	switch t.Kind() {
	case reflect.Interface:
		return true
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return mayHoldRefs(t.Elem(), visited)
	case reflect.Map:
		return mayHoldRefs(t.Key(), visited) || mayHoldRefs(t.Elem(), visited)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if mayHoldRefs(t.Field(i).Type, visited) {
				return true
			}
		}
	}
	return false
}

// ownedTarget is a value that a cleanup destroys through a pointer.
type ownedTarget struct {
	addr uintptr
	path []string
}

// ownsThroughPointers reports whether the cleanup of t destroys values that
// t only points to.
func ownsThroughPointers(t reflect.Type, visited map[reflect.Type]bool) bool {
	if ownDestroy(t) != nil {
		return t.Kind() == reflect.Pointer || t.Kind() == reflect.Interface
	}
	if visited[t] {
		return false
	}
	visited[t] = true

	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if ownsThroughPointers(t.Field(i).Type, visited) {
				return true
			}
		}
	case reflect.Array:
		return t.Len() > 0 && ownsThroughPointers(t.Elem(), visited)
	}
	return false
}

// ownedTargets appends the values the cleanup of v reaches through
// pointers. It follows the same fields as dropGlue.
func ownedTargets(v reflect.Value, path []string, out []ownedTarget) []ownedTarget {
	t := v.Type()
	if ownDestroy(t) != nil {
		if t.Kind() == reflect.Interface {
			if v.IsNil() {
				return out
			}
			v = v.Elem()
		}
		if v.Kind() == reflect.Pointer && !v.IsNil() && v.Type().Elem().Size() > 0 {
			out = append(out, ownedTarget{addr: v.Pointer(), path: slices.Clone(path)})
		}
		return out
	}

	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if infoFor(f.Type).owns {
				out = ownedTargets(v.Field(i), append(path, f.Name), out)
			}
		}
	case reflect.Array:
		if infoFor(t.Elem()).owns {
			for i := 0; i < v.Len(); i++ {
				out = ownedTargets(v.Index(i), append(path, "["+strconv.Itoa(i)+"]"), out)
			}
		}
	}
	return out
}

var arenaType = reflect.TypeFor[Arena]()

// borrowWalker finds every Ref and every Go pointer reachable from a value.
// Unexported fields are included; pointer and slice cycles are visited once.
// Arenas themselves are opaque.
type borrowWalker struct {
	visited map[visitKey]bool
	ref     func(path []string, h refHandle) error
	// addr sees every non-nil pointer, slice, string and unsafe.Pointer.
	// The walk continues into the memory behind it only if follow is set.
	addr func(path []string, t reflect.Type, p uintptr) (follow bool, err error)
}

type visitKey struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

func newBorrowWalker(ref func([]string, refHandle) error, addr func([]string, reflect.Type, uintptr) (bool, error)) *borrowWalker {
	return &borrowWalker{visited: make(map[visitKey]bool), ref: ref, addr: addr}
}

func (w *borrowWalker) visitAddr(path []string, t reflect.Type, p uintptr) (bool, error) {
	if w.addr == nil {
		return true, nil
	}
	return w.addr(path, t, p)
}

// walk requires v to be usable with Interface, which holds for every value
// it derives itself.
func (w *borrowWalker) walk(v reflect.Value, path []string) error {
	if !v.IsValid() {
		return nil
	}
	t := v.Type()
	if isRefType(t) {
		return w.ref(path, v.Interface().(refHandle))
	}
	if t == arenaType {
		return nil
	}
	if info := infoFor(t); !info.refs && !info.pointers {
		return nil
	}

	switch t.Kind() {
	case reflect.Pointer, reflect.UnsafePointer:
		if v.IsNil() {
			return nil
		}
		follow, err := w.visitAddr(path, t, v.Pointer())
		if err != nil || !follow || t.Kind() == reflect.UnsafePointer {
			return err
		}
		key := visitKey{ptr: v.Pointer(), typ: t}
		if w.visited[key] {
			return nil
		}
		w.visited[key] = true
		return w.walk(v.Elem(), path)

	case reflect.String:
		if v.Len() == 0 {
			return nil
		}
		_, err := w.visitAddr(path, t, uintptr(unsafe.Pointer(unsafe.StringData(v.String()))))
		return err

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return w.walk(v.Elem(), path)

	case reflect.Struct:
		v = addressable(v)
		for i := 0; i < t.NumField(); i++ {
			f := v.Field(i)
			if !f.CanInterface() {
				f = reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
			}
			if err := w.walk(f, append(path, t.Field(i).Name)); err != nil {
				return err
			}
		}

	case reflect.Slice:
		if v.IsNil() || v.Cap() == 0 {
			return nil
		}
		follow, err := w.visitAddr(path, t, v.Pointer())
		if err != nil || !follow {
			return err
		}
		key := visitKey{ptr: v.Pointer(), typ: t, n: v.Len()}
		if w.visited[key] {
			return nil
		}
		w.visited[key] = true
		fallthrough
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := w.walk(v.Index(i), append(path, "["+strconv.Itoa(i)+"]")); err != nil {
				return err
			}
		}

	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			k := iter.Key()
			elem := append(path, fmt.Sprintf("[%v]", k))
			if err := w.walk(k, elem); err != nil {
				return err
			}
			if err := w.walk(iter.Value(), elem); err != nil {
				return err
			}
		}
	}
	return nil
}

// addressable returns v itself when it has an address, or an addressable copy.
func addressable(v reflect.Value) reflect.Value {
	if v.CanAddr() {
		return v
	}
	c := reflect.New(v.Type()).Elem()
	c.Set(v)
	return c
}
