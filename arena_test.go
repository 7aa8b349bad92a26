package dynarena

import (
	"errors"
	"testing"
)

func TestNewArena(t *testing.T) {
	tests := []struct {
		name      string
		chunkSize int
		expected  int
	}{
		{"default chunk size", 0, DefaultChunkSize},
		{"negative chunk size", -1, DefaultChunkSize},
		{"custom chunk size", 8192, 8192},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewArena(tt.chunkSize)
			defer a.Release()
			if a.ChunkSize() != tt.expected {
				t.Errorf("NewArena(%d) chunk size = %d, want %d", tt.chunkSize, a.ChunkSize(), tt.expected)
			}
			if a.NumChunks() != 0 {
				t.Errorf("NewArena(%d) chunks = %d, want 0 before the first placement", tt.chunkSize, a.NumChunks())
			}
		})
	}
}

func TestNewOptions(t *testing.T) {
	var final Metrics
	a := New(
		WithName("opts"),
		WithChunkSize(128),
		WithMaxChunkSize(64),
		WithDestructorCapacity(8),
		WithReleaseHook(func(m Metrics) { final = m }),
	)
	if a.Name() != "opts" {
		t.Errorf("Name() = %q, want %q", a.Name(), "opts")
	}
	if a.cfg.maxChunkSize != 128 {
		t.Errorf("max chunk size = %d, want it raised to the chunk size", a.cfg.maxChunkSize)
	}
	if cap(a.reg.entries) != 8 {
		t.Errorf("destructor capacity = %d, want 8", cap(a.reg.entries))
	}

	MustAllocCopy(a, uint64(1))
	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !final.Released || final.Name != "opts" || final.Allocations != 1 {
		t.Errorf("release hook got %+v", final)
	}
}

func TestArenaIDsAreUnique(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		a := New()
		if seen[a.ID()] {
			t.Fatalf("duplicate arena id %d", a.ID())
		}
		seen[a.ID()] = true
		a.Release()
	}
}

func TestArenaGrowth(t *testing.T) {
	tests := []struct {
		name   string
		opts   []Option
		allocs []int
		want   []int // chunk sizes
	}{
		{"doubling", []Option{WithChunkSize(64)}, []int{40, 40, 40}, []int{64, 128}},
		// The request plus worst-case alignment slack wins over the policy.
		{"request larger than policy", []Option{WithChunkSize(64)}, []int{500}, []int{507}},
		{"capped", []Option{WithChunkSize(64), WithMaxChunkSize(100)}, []int{40, 40, 40, 40}, []int{64, 100, 100}},
		{"custom policy", []Option{WithChunkSize(64), WithGrowth(func(p int) int { return p + 64 })}, []int{40, 100, 150}, []int{64, 128, 192}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(tt.opts...)
			defer a.Release()
			for _, n := range tt.allocs {
				if _, err := a.AllocBytes(n); err != nil {
					t.Fatalf("AllocBytes(%d): %v", n, err)
				}
			}
			var got []int
			for _, c := range a.store.chunks {
				got = append(got, len(c.buf))
			}
			if len(got) != len(tt.want) {
				t.Fatalf("chunk sizes = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk sizes = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestArenaReset(t *testing.T) {
	c := &counter{}
	a := NewArena(1024)
	defer a.Release()

	r := MustAllocCopy(a, plainRecord{ID: 1})
	MustAlloc(a, newDropCounted(c, 1))
	a.AllocBytes(2000)
	chunks := a.NumChunks()

	if err := a.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.live != 0 {
		t.Errorf("live after Reset = %d, want 0", c.live)
	}
	if a.SizeInUse() != 0 {
		t.Errorf("SizeInUse after Reset = %d, want 0", a.SizeInUse())
	}
	if a.NumChunks() != chunks {
		t.Errorf("NumChunks after Reset = %d, want %d (memory is kept)", a.NumChunks(), chunks)
	}
	if a.Generation() != 1 {
		t.Errorf("Generation after Reset = %d, want 1", a.Generation())
	}
	if r.Valid() {
		t.Error("Ref issued before Reset is still valid")
	}
	if _, err := r.Load(); !errors.Is(err, ErrStaleRef) {
		t.Errorf("Load after Reset = %v, want ErrStaleRef", err)
	}

	// The arena is reusable and the retained chunks serve new placements.
	r2 := MustAllocCopy(a, plainRecord{ID: 2})
	if r2.Value().ID != 2 {
		t.Errorf("value after Reset = %d, want 2", r2.Value().ID)
	}
	a.AllocBytes(2000)
	if a.NumChunks() != chunks {
		t.Errorf("NumChunks = %d, want %d: retained chunks not reused", a.NumChunks(), chunks)
	}
}

func TestArenaRelease(t *testing.T) {
	c := &counter{}
	a := NewArena(1024)
	r := MustAllocCopy(a, uint32(3))
	MustAlloc(a, newDropCounted(c, 1))
	a.AllocBytes(2000)

	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !a.Released() {
		t.Error("Released() = false after Release")
	}
	if a.NumChunks() != 0 || a.Capacity() != 0 || a.SizeInUse() != 0 {
		t.Errorf("after Release: chunks=%d capacity=%d inUse=%d, want all 0", a.NumChunks(), a.Capacity(), a.SizeInUse())
	}
	if a.budget.used != 0 {
		t.Errorf("budget after Release = %d, want 0", a.budget.used)
	}
	if c.live != 0 {
		t.Errorf("live after Release = %d, want 0", c.live)
	}

	// Teardown is idempotent: a second call does nothing.
	if err := a.Release(); !errors.Is(err, ErrReleased) {
		t.Errorf("second Release = %v, want ErrReleased", err)
	}
	if c.destroyed != 1 {
		t.Errorf("destroyed = %d, want 1", c.destroyed)
	}
	if err := a.Reset(); !errors.Is(err, ErrReleased) {
		t.Errorf("Reset after Release = %v, want ErrReleased", err)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Error("Get on a released Ref did not panic")
			}
		}()
		r.Get()
	}()
}

func TestArenaReleaseFailures(t *testing.T) {
	c := &counter{}
	a := New()
	MustAlloc(a, newDropCounted(c, 0))
	MustAlloc(a, failingDestroyer{err: errCleanup})
	MustAlloc(a, newDropCounted(c, 1))
	MustAlloc(a, panickingDestroyer{})
	MustAlloc(a, newDropCounted(c, 2))

	err := a.Release()
	if !errors.Is(err, ErrDestructorFailed) {
		t.Fatalf("Release = %v, want ErrDestructorFailed", err)
	}
	if !errors.Is(err, errCleanup) {
		t.Errorf("Release = %v, want it to wrap the cleanup error", err)
	}
	var de *DestroyError
	if !errors.As(err, &de) {
		t.Fatalf("Release = %v, want a *DestroyError", err)
	}
	if c.live != 0 {
		t.Errorf("live = %d, want 0: failures must not stop remaining destructors", c.live)
	}
	m := a.Metrics()
	if m.DestructorsRun != 5 || m.DestructorFailures != 2 {
		t.Errorf("run=%d failed=%d, want 5 and 2", m.DestructorsRun, m.DestructorFailures)
	}
}

func TestArenaChildren(t *testing.T) {
	c := &counter{}
	parent := New(WithName("parent"))
	child, err := parent.NewChild(WithName("child"))
	if err != nil {
		t.Fatalf("NewChild: %v", err)
	}
	grandchild, err := child.NewChild()
	if err != nil {
		t.Fatalf("NewChild: %v", err)
	}

	MustAlloc(parent, newDropCounted(c, 0))
	MustAlloc(child, newDropCounted(c, 1))
	MustAlloc(grandchild, newDropCounted(c, 2))
	if parent.Metrics().Children != 1 {
		t.Errorf("Children = %d, want 1", parent.Metrics().Children)
	}

	if err := parent.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !child.Released() || !grandchild.Released() {
		t.Error("children not released with their parent")
	}
	want := []int{2, 1, 0}
	for i := range want {
		if c.order[i] != want[i] {
			t.Fatalf("destroy order = %v, want %v", c.order, want)
		}
	}
	if _, err := parent.NewChild(); !errors.Is(err, ErrReleased) {
		t.Errorf("NewChild on released arena = %v, want ErrReleased", err)
	}
}

func TestArenaChildReleasedEarly(t *testing.T) {
	parent := New()
	defer parent.Release()
	child, _ := parent.NewChild()
	if err := child.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n := len(parent.children); n != 0 {
		t.Errorf("parent still tracks %d children", n)
	}
}

func TestScope(t *testing.T) {
	c := &counter{}
	a := New()
	defer a.Release()

	err := a.Scope(func(child *Arena) error {
		MustAlloc(child, newDropCounted(c, 1))
		return errCleanup
	})
	if !errors.Is(err, errCleanup) {
		t.Errorf("Scope = %v, want fn's error", err)
	}
	if c.live != 0 {
		t.Errorf("live after Scope = %d, want 0", c.live)
	}

	// The child is released even when fn panics.
	func() {
		defer func() { recover() }()
		a.Scope(func(child *Arena) error {
			MustAlloc(child, newDropCounted(c, 2))
			panic("scope panic")
		})
	}()
	if c.live != 0 {
		t.Errorf("live after panicking Scope = %d, want 0", c.live)
	}

	// Releasing the child early inside fn is fine.
	err = a.Scope(func(child *Arena) error { return child.Release() })
	if err != nil {
		t.Errorf("Scope with early release = %v", err)
	}
}

func TestWith(t *testing.T) {
	c := &counter{}
	var captured *Arena
	err := With(func(a *Arena) error {
		captured = a
		MustAlloc(a, newDropCounted(c, 1))
		MustAlloc(a, failingDestroyer{err: errCleanup})
		return nil
	}, WithName("with"))
	if !errors.Is(err, errCleanup) {
		t.Errorf("With = %v, want the destructor failure", err)
	}
	if !captured.Released() || captured.Name() != "with" {
		t.Errorf("arena not released or misnamed: %q", captured.Name())
	}
	if c.live != 0 {
		t.Errorf("live = %d, want 0", c.live)
	}
}

// reentrant tries to place a value into its own arena while being destroyed.
type reentrant struct {
	a   *Arena
	err *error
}

func (r reentrant) Destroy() error {
	_, err := AllocCopy(r.a, 1)
	*r.err = err
	return nil
}

func TestPlacementDuringTeardown(t *testing.T) {
	var got error
	a := New()
	MustAlloc(a, reentrant{a: a, err: &got})
	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !errors.Is(got, ErrReleased) {
		t.Errorf("placement during teardown = %v, want ErrReleased", got)
	}
}

func BenchmarkArenaAllocBytes(b *testing.B) {
	a := NewArena(1 << 20)
	defer a.Release()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.AllocBytes(64)
		if i%10000 == 9999 {
			a.Reset()
		}
	}
}

func BenchmarkArenaVsBuiltin(b *testing.B) {
	b.Run("Arena", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			a := NewArena(4096)
			for j := 0; j < 100; j++ {
				MustAllocCopy(a, int64(j))
			}
			a.Release()
		}
	})

	b.Run("Builtin", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			for j := 0; j < 100; j++ {
				p := new(int64)
				*p = int64(j)
			}
		}
	})
}
