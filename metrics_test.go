package dynarena

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestArenaMetrics(t *testing.T) {
	a := NewArena(1024)
	defer a.Release()

	// Test initial state
	if a.SizeInUse() != 0 {
		t.Errorf("Initial SizeInUse = %d, want 0", a.SizeInUse())
	}
	if a.NumChunks() != 0 {
		t.Errorf("Initial NumChunks = %d, want 0", a.NumChunks())
	}
	if a.ChunkSize() != 1024 {
		t.Errorf("ChunkSize = %d, want 1024", a.ChunkSize())
	}
	if a.Utilization() != 0 {
		t.Errorf("Initial Utilization = %f, want 0", a.Utilization())
	}

	// Allocate some data
	a.AllocBytes(100)
	a.AllocBytes(200)

	sizeInUse := a.SizeInUse()
	if sizeInUse < 300 {
		t.Errorf("SizeInUse = %d, want >= 300", sizeInUse)
	}
	utilization := a.Utilization()
	if utilization <= 0 || utilization > 1 {
		t.Errorf("Utilization = %f, want 0 < x <= 1", utilization)
	}

	// Force chunk growth
	a.AllocBytes(2000)
	if a.NumChunks() != 2 {
		t.Errorf("NumChunks after growth = %d, want 2", a.NumChunks())
	}
	if a.Capacity() <= 1024 {
		t.Errorf("Capacity after growth = %d, want > 1024", a.Capacity())
	}

	m := a.Metrics()
	want := Metrics{
		ID:          a.ID(),
		SizeInUse:   a.SizeInUse(),
		Capacity:    a.Capacity(),
		NumChunks:   a.NumChunks(),
		ChunkSize:   a.ChunkSize(),
		Utilization: a.Utilization(),
		Allocations: 3,
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("Metrics() mismatch (-want +got):\n%s", diff)
	}
}

func TestArenaMetricsPlacements(t *testing.T) {
	c := &counter{}
	a := New(WithName("placements"))
	defer a.Release()

	MustAlloc(a, newDropCounted(c, 1))
	MustAlloc(a, newDropCounted(c, 2))
	MustAllocCopy(a, plainRecord{})
	child, _ := a.NewChild()
	MustAlloc(child, newDropCounted(c, 3))

	got := a.Metrics()
	want := Metrics{
		Name:        "placements",
		ID:          a.ID(),
		ChunkSize:   DefaultChunkSize,
		Allocations: 3,
		Destructors: 2,
		Children:    1,
		SlabChunks:  1,
		NumChunks:   1,
	}
	opts := cmpopts.IgnoreFields(Metrics{}, "SizeInUse", "Capacity", "Utilization", "SlabBytes", "SlabCapacity")
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("Metrics() mismatch (-want +got):\n%s", diff)
	}
	if got.SlabBytes == 0 || got.SlabCapacity < got.SlabBytes {
		t.Errorf("slab bytes = %d of %d", got.SlabBytes, got.SlabCapacity)
	}
	if a.PendingDestructors() != 2 {
		t.Errorf("PendingDestructors = %d, want 2", a.PendingDestructors())
	}
}

func TestArenaMetricsAfterReset(t *testing.T) {
	a := NewArena(1024)
	defer a.Release()

	a.AllocBytes(500)
	if a.SizeInUse() == 0 {
		t.Error("Expected non-zero SizeInUse before reset")
	}
	if a.Utilization() == 0 {
		t.Error("Expected non-zero Utilization before reset")
	}

	a.Reset()
	if a.SizeInUse() != 0 {
		t.Errorf("SizeInUse after Reset = %d, want 0", a.SizeInUse())
	}
	if a.Utilization() != 0 {
		t.Errorf("Utilization after Reset = %f, want 0", a.Utilization())
	}
	// Chunks should remain
	if a.NumChunks() == 0 {
		t.Error("NumChunks should not be 0 after Reset")
	}
	if a.Capacity() == 0 {
		t.Error("Capacity should not be 0 after Reset")
	}
	if m := a.Metrics(); m.Allocations != 0 || m.Generation != 1 {
		t.Errorf("after Reset: allocations=%d generation=%d", m.Allocations, m.Generation)
	}
}

func TestArenaMetricsAfterRelease(t *testing.T) {
	c := &counter{}
	a := NewArena(1024)
	a.AllocBytes(100)
	MustAlloc(a, newDropCounted(c, 1))

	a.Release()

	if a.SizeInUse() != 0 {
		t.Errorf("SizeInUse after Release = %d, want 0", a.SizeInUse())
	}
	if a.NumChunks() != 0 {
		t.Errorf("NumChunks after Release = %d, want 0", a.NumChunks())
	}
	if a.Capacity() != 0 {
		t.Errorf("Capacity after Release = %d, want 0", a.Capacity())
	}
	if a.Utilization() != 0 {
		t.Errorf("Utilization after Release = %f, want 0", a.Utilization())
	}
	want := Metrics{ID: a.ID(), ChunkSize: 1024, DestructorsRun: 1, Released: true}
	if diff := cmp.Diff(want, a.Metrics()); diff != "" {
		t.Errorf("Metrics() after Release mismatch (-want +got):\n%s", diff)
	}
}

func TestUtilizationEdgeCases(t *testing.T) {
	a := NewArena(64)
	defer a.Release()

	if a.Utilization() != 0 {
		t.Errorf("empty arena utilization = %f, want 0", a.Utilization())
	}

	// Fill the first chunk exactly
	for i := 0; i < 8; i++ {
		a.AllocBytes(8)
	}
	if a.NumChunks() != 1 {
		t.Fatalf("NumChunks = %d, want 1", a.NumChunks())
	}
	if a.Utilization() != 1 {
		t.Errorf("full chunk utilization = %f, want 1", a.Utilization())
	}
}

func BenchmarkMetrics(b *testing.B) {
	a := NewArena(4096)
	defer a.Release()
	for i := 0; i < 1000; i++ {
		a.AllocBytes(64)
		MustAllocCopy(a, "s")
	}

	b.Run("Individual", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = a.SizeInUse()
			_ = a.NumChunks()
			_ = a.Capacity()
			_ = a.Utilization()
		}
	})

	b.Run("Snapshot", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = a.Metrics()
		}
	})
}
