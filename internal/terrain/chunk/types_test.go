package chunk

import "testing"

func TestClassify(t *testing.T) {
	d := Dims{Edge: 2}
	field := make([]float32, d.Volume())
	if got := Classify(field); got != Empty {
		t.Fatalf("zero field: got %s want EMPTY", got)
	}
	for i := range field {
		field[i] = 1
	}
	if got := Classify(field); got != Full {
		t.Fatalf("solid field: got %s want FULL", got)
	}
	field[3] = 0.25
	if got := Classify(field); got != Mixed {
		t.Fatalf("partial field: got %s want MIXED", got)
	}
	// Values above one are clamped before summing.
	for i := range field {
		field[i] = 7
	}
	if got := Classify(field); got != Full {
		t.Fatalf("clamped field: got %s want FULL", got)
	}
}

func TestDimsIndexAndChunkAt(t *testing.T) {
	d := Dims{Edge: 4}
	if d.Volume() != 125 {
		t.Fatalf("volume=%d want 125", d.Volume())
	}
	if got := d.Index(1, 2, 3); got != 1+2*5+3*25 {
		t.Fatalf("index=%d", got)
	}
	if got := d.ChunkAt(-0.5, 4, 7.9); got != (Coord{X: -1, Y: 1, Z: 1}) {
		t.Fatalf("ChunkAt=%v", got)
	}
	if d.MaxTriangles() != 5*64 {
		t.Fatalf("max triangles=%d", d.MaxTriangles())
	}
}

func TestCoordDistSq(t *testing.T) {
	a := Coord{X: -1, Y: 2, Z: 0}
	b := Coord{X: 2, Y: -2, Z: 0}
	if got := a.DistSq(b); got != 25 {
		t.Fatalf("DistSq=%d want 25", got)
	}
	if a.Add(b).Sub(b) != a {
		t.Fatalf("Add/Sub mismatch")
	}
}
