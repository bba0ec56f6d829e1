package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/terrain/chunk"
	"voxelstream.ai/internal/terrain/gen"
	"voxelstream.ai/internal/terrain/mesh"
	"voxelstream.ai/internal/terrain/shell"
	"voxelstream.ai/internal/terrain/stream"
)

type Tuning struct {
	ChunkEdge        int     `yaml:"chunk_edge"`
	ViewRadius       int     `yaml:"view_radius"`
	FirstShellRadius int     `yaml:"first_shell_radius"`
	TickRateHz       int     `yaml:"tick_rate_hz"`
	Iso              float32 `yaml:"iso"`

	Streamer  Streamer  `yaml:"streamer"`
	Generator Generator `yaml:"generator"`

	// StatsEveryTicks samples tick stats for the persistent logs.
	StatsEveryTicks int `yaml:"stats_every_ticks"`
}

type Streamer struct {
	GenerationWorkers    int `yaml:"generation_workers"`
	MeshWorkers          int `yaml:"mesh_workers"`
	MaxPendingMesh       int `yaml:"max_pending_mesh"`
	MaxPendingGeneration int `yaml:"max_pending_generation"`
	BatchSize            int `yaml:"batch_size"`
	SortNearest          int `yaml:"sort_nearest"`
	ApplyBudgetMs        int `yaml:"apply_budget_ms"`
	PreallocPerShard     int `yaml:"prealloc_per_shard"`
	HeightCache          int `yaml:"height_cache"`
}

type Noise struct {
	Frequency  float64 `yaml:"frequency"`
	Octaves    int     `yaml:"octaves"`
	Gain       float64 `yaml:"gain"`
	Lacunarity float64 `yaml:"lacunarity"`
}

type Generator struct {
	Seed                 int64   `yaml:"seed"`
	BaseHeightOffset     float32 `yaml:"base_height_offset"`
	BaseHeightMultiplier float32 `yaml:"base_height_multiplier"`
	BaseNoise            Noise   `yaml:"base_noise"`
	MultiplierNoise      Noise   `yaml:"multiplier_noise"`
}

func Defaults() Tuning {
	sc := stream.DefaultConfig()
	gc := gen.DefaultConfig()
	return Tuning{
		ChunkEdge:        chunk.DefaultEdge,
		ViewRadius:       shell.DefaultRadius,
		FirstShellRadius: shell.DefaultFirstShellRadius,
		TickRateHz:       60,
		Iso:              mesh.DefaultIso,
		Streamer: Streamer{
			GenerationWorkers:    sc.GenerationWorkers,
			MeshWorkers:          sc.MeshWorkers,
			MaxPendingMesh:       sc.MaxPendingMesh,
			MaxPendingGeneration: sc.MaxPendingGeneration,
			BatchSize:            sc.BatchSize,
			SortNearest:          sc.SortNearest,
			ApplyBudgetMs:        int(sc.ApplyBudget / time.Millisecond),
			PreallocPerShard:     sc.PreallocPerShard,
			HeightCache:          sc.HeightCache,
		},
		Generator: Generator{
			Seed:                 gc.Seed,
			BaseHeightOffset:     gc.BaseHeightOffset,
			BaseHeightMultiplier: gc.BaseHeightMultiplier,
			BaseNoise:            Noise(gc.BaseNoise),
			MultiplierNoise:      Noise(gc.MultiplierNoise),
		},
		StatsEveryTicks: 60,
	}
}

// Load reads path over Defaults; fields absent from the file keep their
// default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.ChunkEdge <= 0 || t.ChunkEdge%8 != 0 {
		errs = append(errs, fmt.Errorf("chunk_edge must be a positive multiple of 8, got %d", t.ChunkEdge))
	}
	if t.ViewRadius < 0 || t.FirstShellRadius < 0 {
		errs = append(errs, errors.New("view_radius and first_shell_radius must not be negative"))
	}
	if t.TickRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be positive, got %d", t.TickRateHz))
	}
	if t.Iso <= 0 || t.Iso >= 1 {
		errs = append(errs, fmt.Errorf("iso must be inside (0,1), got %v", t.Iso))
	}
	errs = append(errs, t.StreamConfig().Validate(), t.GenConfig().Validate())
	return errors.Join(errs...)
}

func (t Tuning) Dims() chunk.Dims { return chunk.Dims{Edge: t.ChunkEdge} }

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}

func (t Tuning) StreamConfig() stream.Config {
	s := t.Streamer
	return stream.Config{
		GenerationWorkers:    s.GenerationWorkers,
		MeshWorkers:          s.MeshWorkers,
		MaxPendingMesh:       s.MaxPendingMesh,
		MaxPendingGeneration: s.MaxPendingGeneration,
		BatchSize:            s.BatchSize,
		SortNearest:          s.SortNearest,
		ApplyBudget:          time.Duration(s.ApplyBudgetMs) * time.Millisecond,
		PreallocPerShard:     s.PreallocPerShard,
		HeightCache:          s.HeightCache,
	}
}

func (t Tuning) GenConfig() gen.Config {
	g := t.Generator
	return gen.Config{
		Seed:                 g.Seed,
		BaseHeightOffset:     g.BaseHeightOffset,
		BaseHeightMultiplier: g.BaseHeightMultiplier,
		BaseNoise:            gen.NoiseParams(g.BaseNoise),
		MultiplierNoise:      gen.NoiseParams(g.MultiplierNoise),
	}
}
