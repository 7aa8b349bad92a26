package dynarena

import (
	"reflect"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// dtorEntry is a type-erased cleanup action for one placed value.
type dtorEntry struct {
	slot   unsafe.Pointer
	fn     func(unsafe.Pointer) error
	typ    reflect.Type
	claims []uintptr // addresses held in owners until the action has run
}

// registry is the append-only destructor log of an arena.
type registry struct {
	entries []dtorEntry
	run     int // actions invoked, across generations
	failed  int // actions that returned an error or panicked
}

func (r *registry) register(slot unsafe.Pointer, fn func(unsafe.Pointer) error, typ reflect.Type, claims ...uintptr) {
	r.entries = append(r.entries, dtorEntry{slot: slot, fn: fn, typ: typ, claims: claims})
}

func (r *registry) pending() int { return len(r.entries) }

// runAll invokes every registered action exactly once, newest first, and
// empties the log. Every action runs even if earlier ones fail; failures are
// returned together.
func (r *registry) runAll(log *zap.Logger) error {
	entries := r.entries
	r.entries = nil

	var errs error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := entries[i].invoke(); err != nil {
			r.failed++
			log.Warn("destructor failed", zap.Stringer("type", entries[i].typ), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
		r.run++
		owners.unclaim(entries[i].claims)
		entries[i] = dtorEntry{}
	}
	return errs
}

func (e *dtorEntry) invoke() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &DestroyError{Type: e.typ.String(), Panic: p}
		}
	}()
	if derr := e.fn(e.slot); derr != nil {
		return &DestroyError{Type: e.typ.String(), Err: derr}
	}
	return nil
}
