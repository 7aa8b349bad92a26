package dynarena

import (
	"errors"
	"reflect"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var arenaIDs atomic.Uint64

// Arena is a heterogeneous arena. Not goroutine-safe: one owner at a time.
//
// An Arena is released exactly once, with Release or at the end of With or
// Scope. Releasing runs every registered destructor and hands all memory
// back at once; nothing is freed before that.
type Arena struct {
	cfg      config
	store    store
	slabs    map[reflect.Type]slabber
	reg      registry
	budget   budget
	scope    *scope
	parent   *Arena
	children []*Arena
	log      *zap.Logger
	allocs   int
	tearing  bool // destructors are running; placement is refused
	forget   runtime.Cleanup
}

// New creates an arena. No memory is acquired until the first placement.
func New(opts ...Option) *Arena {
	return newArena(newConfig(opts), nil)
}

// NewArena creates an arena whose first chunk has chunkSize bytes.
// If chunkSize <= 0, DefaultChunkSize is used.
func NewArena(chunkSize int) *Arena {
	return New(WithChunkSize(chunkSize))
}

func newArena(cfg config, parent *Arena) *Arena {
	a := &Arena{cfg: cfg, parent: parent}
	a.scope = &scope{id: arenaIDs.Add(1), name: cfg.name}
	if parent != nil {
		a.scope.parent = parent.scope
	}
	a.forget = runtime.AddCleanup(a, owners.forget, a.scope)
	a.log = cfg.logger.With(zap.Uint64("arena", a.scope.id))
	if cfg.name != "" {
		a.log = a.log.With(zap.String("name", cfg.name))
	}
	a.budget.limit = cfg.maxBytes
	a.store = newStore(&a.cfg, &a.budget, a.scope, a.log)
	if cfg.dtorCapacity > 0 {
		a.reg.entries = make([]dtorEntry, 0, cfg.dtorCapacity)
	}
	return a
}

// ID returns the arena's process-unique id.
func (a *Arena) ID() uint64 { return a.scope.id }

// Name returns the name given with WithName.
func (a *Arena) Name() string { return a.cfg.name }

// Generation counts the resets of the arena. Refs only stay valid within
// the generation they were issued in.
func (a *Arena) Generation() uint64 { return a.scope.gen }

// Released reports whether Release has run.
func (a *Arena) Released() bool { return a.scope.released }

// NewChild creates an arena nested in a. The child inherits a's options,
// overridden by opts, and is released no later than a. Values placed in the
// child may borrow values placed in a; the reverse is rejected.
func (a *Arena) NewChild(opts ...Option) (*Arena, error) {
	if err := a.usable(); err != nil {
		return nil, err
	}
	cfg := a.cfg
	cfg.releaseHooks = slices.Clone(a.cfg.releaseHooks)
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()

	child := newArena(cfg, a)
	a.children = append(a.children, child)
	return child, nil
}

// Scope runs fn with a fresh child arena and releases the child when fn
// returns or panics. Errors from fn and from the release are combined.
func (a *Arena) Scope(fn func(child *Arena) error) (err error) {
	child, err := a.NewChild()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, releaseOnce(child))
	}()
	return fn(child)
}

// With runs fn with a fresh arena and releases it when fn returns or panics.
func With(fn func(a *Arena) error, opts ...Option) (err error) {
	a := New(opts...)
	defer func() {
		err = multierr.Append(err, releaseOnce(a))
	}()
	return fn(a)
}

// releaseOnce releases a unless something already did.
func releaseOnce(a *Arena) error {
	if err := a.Release(); !errors.Is(err, ErrReleased) {
		return err
	}
	return nil
}

// Release tears the arena down: live children are released (newest first),
// every destructor runs exactly once (newest first), then all chunks go back
// to their source. A failing destructor does not stop the others; all
// failures are returned together. A second call returns ErrReleased and
// does nothing.
func (a *Arena) Release() error {
	if a.scope.released || a.tearing {
		return ErrReleased
	}
	a.tearing = true

	err := a.releaseChildren()
	err = multierr.Append(err, a.reg.runAll(a.log))
	a.scope.released = true

	final := a.snapshot()
	err = multierr.Append(err, a.store.release())
	for _, s := range a.slabs {
		s.drop()
	}
	a.slabs = nil
	a.forget.Stop()
	a.detach()
	a.tearing = false

	a.log.Debug("arena released",
		zap.Int("allocations", final.Allocations),
		zap.Int("destructors_run", final.DestructorsRun),
		zap.Int("capacity", final.Capacity+final.SlabCapacity),
		zap.Error(err))
	for _, hook := range a.cfg.releaseHooks {
		hook(final)
	}
	return err
}

// Reset runs every destructor and rewinds the arena for reuse, keeping its
// memory. Live children are released. All Refs issued before the reset
// become stale.
func (a *Arena) Reset() error {
	if err := a.usable(); err != nil {
		return err
	}
	a.tearing = true

	err := a.releaseChildren()
	err = multierr.Append(err, a.reg.runAll(a.log))
	a.scope.gen++
	a.store.rewind()
	for _, s := range a.slabs {
		s.clear()
	}
	a.allocs = 0
	a.tearing = false

	a.log.Debug("arena reset", zap.Uint64("generation", a.scope.gen), zap.Error(err))
	return err
}

func (a *Arena) releaseChildren() error {
	var err error
	for len(a.children) > 0 {
		child := a.children[len(a.children)-1]
		err = multierr.Append(err, releaseOnce(child))
		// Release detaches the child; guard against a child that could not.
		if n := len(a.children); n > 0 && a.children[n-1] == child {
			a.children = a.children[:n-1]
		}
	}
	return err
}

func (a *Arena) detach() {
	if a.parent == nil {
		return
	}
	p := a.parent
	if i := slices.Index(p.children, a); i >= 0 {
		p.children = slices.Delete(p.children, i, i+1)
	}
	a.parent = nil
}

func (a *Arena) usable() error {
	if a.scope.released || a.tearing {
		return ErrReleased
	}
	return nil
}

// checkBorrows applies the bound-path rule to every Ref and every Go
// pointer reachable from v: it must lead into a live strict ancestor of a or,
// for pointers, into ordinary Go memory.
func (a *Arena) checkBorrows(op string, info *typeInfo, v reflect.Value) error {
	violation := func(path []string) *CapabilityError {
		return &CapabilityError{Op: op, Type: info.typ.String(), Path: slices.Clone(path)}
	}
	w := newBorrowWalker(func(path []string, h refHandle) error {
		target, gen := h.refTarget()
		if target == nil {
			return nil
		}
		borrowed := "Ref[" + h.refElem().String() + "]"
		if !target.live(gen) {
			e := violation(path)
			e.Reason = "borrowed " + borrowed + " into " + target.String() + " is already stale"
			e.Invalidated = "it became invalid when " + target.String() + " was released or reset"
			return e
		}
		return a.rejectBorrow(violation, path, borrowed, target)
	}, func(path []string, t reflect.Type, p uintptr) (bool, error) {
		target := owners.lookup(p)
		if target == nil {
			return true, nil
		}
		return false, a.rejectBorrow(violation, path, t.String(), target)
	})
	return w.walk(v, nil)
}

// rejectBorrow explains why a value of a may not borrow from target, or
// returns nil if target outlives a.
func (a *Arena) rejectBorrow(violation func([]string) *CapabilityError, path []string, borrowed string, target *scope) error {
	if target != a.scope && target.outlives(a.scope) {
		return nil
	}
	e := violation(path)
	if target == a.scope {
		e.Reason = "borrowed " + borrowed + " points into the same arena; destructor order between its values is unspecified"
		e.Invalidated = "it may be destroyed before this value's destructor runs during the teardown of " + a.scope.String()
		return e
	}
	e.Reason = "borrowed " + borrowed + " points into " + target.String() + ", which does not outlive " + a.scope.String()
	e.Invalidated = "it becomes invalid when " + target.String() + " is released, while " + a.scope.String() + " and this value are still alive"
	return e
}

// claimOwned reserves the values the cleanup of v destroys through pointers,
// so that no other registration destroys them as well.
func (a *Arena) claimOwned(op string, info *typeInfo, v reflect.Value) ([]uintptr, error) {
	if !info.owns {
		return nil, nil
	}
	targets := ownedTargets(v, nil, nil)
	addrs := make([]uintptr, 0, len(targets))
	for _, t := range targets {
		if i := slices.Index(addrs, t.addr); i >= 0 {
			return nil, &CapabilityError{
				Op:          op,
				Type:        info.typ.String(),
				Path:        t.path,
				Reason:      "owned pointer targets the same value as " + strings.Join(targets[i].path, "."),
				Invalidated: "its Destroy would run twice at the teardown of " + a.scope.String(),
			}
		}
		addrs = append(addrs, t.addr)
	}
	addr, holder := owners.claim(addrs, a.scope)
	if holder == nil {
		return addrs, nil
	}
	return nil, &CapabilityError{
		Op:          op,
		Type:        info.typ.String(),
		Path:        targets[slices.Index(addrs, addr)].path,
		Reason:      "owned pointer targets a value whose cleanup is already registered with " + holder.String(),
		Invalidated: "its Destroy would run twice",
	}
}
