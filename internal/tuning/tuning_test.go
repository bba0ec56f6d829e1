package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"voxelstream.ai/internal/terrain/gen"
	"voxelstream.ai/internal/terrain/stream"
)

func TestDefaultsMatchComponents(t *testing.T) {
	d := Defaults()
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if diff := cmp.Diff(stream.DefaultConfig(), d.StreamConfig()); diff != "" {
		t.Fatalf("stream config (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(gen.DefaultConfig(), d.GenConfig()); diff != "" {
		t.Fatalf("gen config (-want +got):\n%s", diff)
	}
	if d.TickInterval() != time.Second/60 {
		t.Fatalf("tick interval=%s", d.TickInterval())
	}
}

func TestLoadOverridesOnlyPresentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := "chunk_edge: 16\nstreamer:\n  mesh_workers: 2\n  apply_budget_ms: 6\ngenerator:\n  seed: 7\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Defaults()
	want.ChunkEdge = 16
	want.Streamer.MeshWorkers = 2
	want.Streamer.ApplyBudgetMs = 6
	want.Generator.Seed = 7
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("loaded tuning (-want +got):\n%s", diff)
	}
	if got.StreamConfig().ApplyBudget != 6*time.Millisecond {
		t.Fatalf("apply budget=%s", got.StreamConfig().ApplyBudget)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("chunk_edge: 12\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for chunk_edge 12")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRepoConfigLoads(t *testing.T) {
	if _, err := Load(filepath.Join("..", "..", "configs", "tuning.yaml")); err != nil {
		t.Fatalf("configs/tuning.yaml: %v", err)
	}
}
