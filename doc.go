// Package dynarena implements a heterogeneous memory arena for Go.
//
// # Overview
//
// An arena holds values of many unrelated types. Values are placed with a
// pointer-bump allocator over large chunks and are never moved. Values with
// cleanup obligations get one destructor entry each; all destructors run
// exactly once, and all memory is handed back at once, when the arena is
// released. There is no way to free a single value early.
//
// # Basic Usage
//
//	a := dynarena.New()
//	defer a.Release()
//
//	// Bound path: the value owns a resource, Destroy runs at Release.
//	f, err := dynarena.Alloc(a, tempFile{path: "/tmp/x"})
//
//	// Copy path: trivially destructible values, may link to each other.
//	head := dynarena.MustAllocCopy(a, node{val: 1})
//	next := dynarena.MustAllocCopy(a, node{val: 2, next: head})
//	fmt.Println(next.Get().next.Get().val) // 1
//
// # References
//
// Placement returns a Ref rather than a raw pointer. A Ref remembers the
// arena and its generation; Get panics with ErrStaleRef once the arena is
// released or reset, so a reference can never outlive its arena unnoticed.
//
// # The capability gate
//
// Destructors run in reverse placement order, but no value may depend on
// that. Therefore:
//
//   - Alloc rejects values that borrow (hold a Ref or a Go pointer to)
//     another value of the same arena, of a child arena, or of an unrelated
//     arena. Borrowing from an ancestor arena (see NewChild and Scope) is
//     fine: it outlives the child.
//   - A value destroyed through a pointer has one owner. Alloc rejects a
//     second placement that would destroy it again.
//   - AllocCopy accepts only trivially destructible types (no Destroy
//     anywhere in the value). Such values may borrow freely, which makes
//     self-referential graphs possible.
//
// Rejections are *CapabilityError values. The arenacheck analyzer reports
// copy-path violations before the program runs.
//
// # Memory Layout
//
// Pointer-free values and raw bytes share chunks obtained from a
// source.Source (the Go heap by default, or mmap). Chunks grow
// geometrically; leftover space in a full chunk is not reused. Values whose
// type holds Go pointers live in per-type slabs on the Go heap so the
// collector can trace them.
//
// # Thread Safety
//
// An Arena has a single owner. Concurrent use of one arena requires
// external locking.
//
// # Metrics and Monitoring
//
//	m := a.Metrics()
//	fmt.Printf("Utilization: %.2f%%\n", m.Utilization*100)
//	fmt.Printf("Destructors pending: %d\n", m.Destructors)
//
// Package arenaprom exports these snapshots to Prometheus.
package dynarena
