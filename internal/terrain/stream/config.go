package stream

import (
	"fmt"
	"time"
)

type Config struct {
	GenerationWorkers int
	MeshWorkers       int

	// Scheduling is skipped while either pool has more queued tasks.
	MaxPendingMesh       int
	MaxPendingGeneration int

	// BatchSize is how many coordinates one aux step pulls from the shell
	// iterator.
	BatchSize int
	// SortNearest is how many buffered payloads are ordered by distance
	// each tick.
	SortNearest int
	ApplyBudget time.Duration

	PreallocPerShard int
	HeightCache      int
}

func DefaultConfig() Config {
	return Config{
		GenerationWorkers:    8,
		MeshWorkers:          1,
		MaxPendingMesh:       256,
		MaxPendingGeneration: 1024,
		BatchSize:            128,
		SortNearest:          10,
		ApplyBudget:          4 * time.Millisecond,
		PreallocPerShard:     1024,
		HeightCache:          256,
	}
}

func (c Config) Validate() error {
	switch {
	case c.GenerationWorkers <= 0:
		return fmt.Errorf("generation workers must be positive, got %d", c.GenerationWorkers)
	case c.MeshWorkers <= 0:
		return fmt.Errorf("mesh workers must be positive, got %d", c.MeshWorkers)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.ApplyBudget <= 0:
		return fmt.Errorf("apply budget must be positive, got %s", c.ApplyBudget)
	case c.MaxPendingMesh < 0 || c.MaxPendingGeneration < 0:
		return fmt.Errorf("pending thresholds must not be negative")
	case c.SortNearest < 0 || c.PreallocPerShard < 0:
		return fmt.Errorf("sort and prealloc counts must not be negative")
	}
	return nil
}
