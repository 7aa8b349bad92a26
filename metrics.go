package dynarena

// SizeInUse returns the bytes placed in chunk memory, alignment padding
// included. Zero once released.
func (a *Arena) SizeInUse() int { return a.Metrics().SizeInUse }

// NumChunks returns the number of chunks the store holds.
func (a *Arena) NumChunks() int { return a.Metrics().NumChunks }

// Capacity returns the bytes held in chunks.
func (a *Arena) Capacity() int { return a.Metrics().Capacity }

// Utilization is SizeInUse over Capacity, or 0 without chunks.
func (a *Arena) Utilization() float64 { return a.Metrics().Utilization }

// ChunkSize returns the size of the arena's first chunk.
func (a *Arena) ChunkSize() int {
	return a.cfg.chunkSize
}

// PendingDestructors returns the number of destructors that will run at release.
func (a *Arena) PendingDestructors() int {
	return a.reg.pending()
}

// Metrics returns a snapshot of arena statistics.
func (a *Arena) Metrics() Metrics {
	if a.scope.released {
		return Metrics{
			Name:               a.cfg.name,
			ID:                 a.scope.id,
			Generation:         a.scope.gen,
			ChunkSize:          a.cfg.chunkSize,
			DestructorsRun:     a.reg.run,
			DestructorFailures: a.reg.failed,
			Released:           true,
		}
	}
	return a.snapshot()
}

func (a *Arena) snapshot() Metrics {
	m := Metrics{
		Name:               a.cfg.name,
		ID:                 a.scope.id,
		Generation:         a.scope.gen,
		SizeInUse:          a.store.sizeInUse(),
		Capacity:           a.store.capacity(),
		NumChunks:          len(a.store.chunks),
		ChunkSize:          a.cfg.chunkSize,
		Allocations:        a.allocs,
		Destructors:        a.reg.pending(),
		DestructorsRun:     a.reg.run,
		DestructorFailures: a.reg.failed,
		Children:           len(a.children),
		Released:           a.scope.released,
	}
	for _, s := range a.slabs {
		used, capacity, chunks := s.usage()
		m.SlabBytes += used
		m.SlabCapacity += capacity
		m.SlabChunks += chunks
	}
	if m.Capacity > 0 {
		m.Utilization = float64(m.SizeInUse) / float64(m.Capacity)
	}
	return m
}

// Metrics contains statistical information about an arena.
type Metrics struct {
	Name               string  // Name given with WithName
	ID                 uint64  // Process-unique arena id
	Generation         uint64  // Number of resets
	SizeInUse          int     // Bytes currently allocated in chunks
	Capacity           int     // Total chunk capacity in bytes
	NumChunks          int     // Number of chunks
	ChunkSize          int     // First chunk size
	SlabBytes          int     // Bytes held by values in typed slabs
	SlabCapacity       int     // Total slab capacity in bytes
	SlabChunks         int     // Number of slab chunks
	Utilization        float64 // Ratio of used to total chunk capacity (0.0-1.0)
	Allocations        int     // Placements in the current generation
	Destructors        int     // Destructors waiting for release
	DestructorsRun     int     // Destructors invoked so far
	DestructorFailures int     // Destructors that failed or panicked
	Children           int     // Live child arenas
	Released           bool    // Release has run
}
