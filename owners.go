package dynarena

import (
	"cmp"
	"slices"
	"sync"
)

// span is a range of chunk or slab memory held by one arena.
type span struct {
	base, end uintptr
	owner     *scope
}

// ownerIndex knows, for every live arena, which memory it holds and which
// addresses it has registered for cleanup. It is shared by arenas on any
// goroutine.
type ownerIndex struct {
	mu     sync.RWMutex
	spans  []span // sorted by base, disjoint
	claims map[uintptr]*scope
}

var owners = ownerIndex{claims: make(map[uintptr]*scope)}

func (x *ownerIndex) addSpan(base, size uintptr, owner *scope) {
	if owner == nil || size == 0 {
		return
	}
	end := base + size
	x.mu.Lock()
	defer x.mu.Unlock()
	// Overlapping spans belong to arenas that were dropped without Release
	// and whose memory has since been reused.
	x.spans = slices.DeleteFunc(x.spans, func(s span) bool { return s.base < end && base < s.end })
	i, _ := slices.BinarySearchFunc(x.spans, base, compareBase)
	x.spans = slices.Insert(x.spans, i, span{base: base, end: end, owner: owner})
}

func compareBase(s span, addr uintptr) int { return cmp.Compare(s.base, addr) }

func (x *ownerIndex) removeSpan(base uintptr) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := slices.BinarySearchFunc(x.spans, base, compareBase); ok {
		x.spans = slices.Delete(x.spans, i, i+1)
	}
}

// lookup returns the arena holding addr, or nil when addr is ordinary Go
// memory.
func (x *ownerIndex) lookup(addr uintptr) *scope {
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, found := slices.BinarySearchFunc(x.spans, addr, compareBase)
	if !found {
		if i == 0 {
			return nil
		}
		i--
	}
	if s := x.spans[i]; addr >= s.base && addr < s.end {
		return s.owner
	}
	return nil
}

// claim records that owner's registry will destroy the values at addrs.
// Nothing is recorded if one of them is claimed already; the holder of the
// first conflicting address is returned instead.
func (x *ownerIndex) claim(addrs []uintptr, owner *scope) (uintptr, *scope) {
	if len(addrs) == 0 {
		return 0, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, addr := range addrs {
		if holder, ok := x.claims[addr]; ok {
			return addr, holder
		}
	}
	for _, addr := range addrs {
		x.claims[addr] = owner
	}
	return 0, nil
}

// claimSlot records a freshly placed value. A slot is new memory, so any
// earlier claim on it is left over from an arena that was never released.
func (x *ownerIndex) claimSlot(addr uintptr, owner *scope) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.claims[addr] = owner
}

// forget drops everything recorded for s. It runs for arenas that were
// collected without being released.
func (x *ownerIndex) forget(s *scope) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.spans = slices.DeleteFunc(x.spans, func(sp span) bool { return sp.owner == s })
	for addr, holder := range x.claims {
		if holder == s {
			delete(x.claims, addr)
		}
	}
}

func (x *ownerIndex) unclaim(addrs []uintptr) {
	if len(addrs) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, addr := range addrs {
		delete(x.claims, addr)
	}
}
