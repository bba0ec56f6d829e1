package main

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
)

func seedIndex(t *testing.T, path string) string {
	t.Helper()
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	run, err := idx.StartRun(map[string]int{"chunk_edge": 32})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 1; i <= 6; i++ {
		idx.ObserveTick(metrics.TickStats{
			Tick:         uint64(i),
			At:           at.Add(time.Duration(i) * time.Second),
			LoadedChunks: i * 10,
			StepMS:       float64(i),
			Overrun:      i%3 == 0,
			Throttled:    i == 1,
		})
	}
	for _, src := range []string{"a", "b", "a"} {
		if err := idx.WriteEdit(persistlog.EditEntry{At: at, Source: src, Center: [3]float64{1, 2, 3}, Radius: 4, Delta: -0.5, Chunks: [][3]int{{0, 0, 0}, {1, 0, 0}}}); err != nil {
			t.Fatalf("WriteEdit: %v", err)
		}
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return run
}

func TestDBQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "stream.sqlite")
	run := seedIndex(t, path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	latest, err := latestRun(db)
	if err != nil || latest != run {
		t.Fatalf("latestRun = %q, %v; want %q", latest, err, run)
	}

	runs, err := queryRuns(db, 10)
	if err != nil {
		t.Fatalf("queryRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Ticks != 6 || runs[0].Overruns != 2 || runs[0].Edits != 3 || runs[0].TuningDigest == "" {
		t.Fatalf("runs = %+v", runs)
	}

	ticks, err := queryTicks(db, run, false, 3)
	if err != nil {
		t.Fatalf("queryTicks: %v", err)
	}
	var got []uint64
	for _, r := range ticks {
		got = append(got, r.Tick)
	}
	if diff := cmp.Diff([]uint64{4, 5, 6}, got); diff != "" {
		t.Fatalf("newest ticks (-want +got):\n%s", diff)
	}
	if !ticks[2].Overrun || ticks[0].Overrun || ticks[2].Loaded != 60 {
		t.Fatalf("tick rows = %+v", ticks)
	}

	over, err := queryTicks(db, run, true, 10)
	if err != nil || len(over) != 2 || over[0].Tick != 3 || over[1].Tick != 6 {
		t.Fatalf("overruns = %+v, %v", over, err)
	}

	sum, err := querySummary(db, run)
	if err != nil {
		t.Fatalf("querySummary: %v", err)
	}
	want := tickSummary{RunID: run, Ticks: 6, Overruns: 2, Throttled: 1, MaxLoaded: 60, AvgStepMS: 3.5, MaxStepMS: 6}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Fatalf("summary (-want +got):\n%s", diff)
	}

	edits, err := queryEdits(db, run, "a", 10)
	if err != nil {
		t.Fatalf("queryEdits: %v", err)
	}
	if len(edits) != 2 || edits[0].Seq != 0 || edits[1].Seq != 2 || edits[0].Chunks != 2 || edits[0].Center != [3]float64{1, 2, 3} {
		t.Fatalf("edits = %+v", edits)
	}

	if s, err := querySummary(db, "missing"); err != nil || s.Ticks != 0 {
		t.Fatalf("summary of unknown run = %+v, %v", s, err)
	}
}

func TestReadTicksAndEditsFromLogs(t *testing.T) {
	dir := t.TempDir()
	tl := persistlog.NewTickLogger(dir)
	for i := 1; i <= 5; i++ {
		tl.ObserveTick(metrics.TickStats{Tick: uint64(i), Overrun: i == 4})
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("close tick log: %v", err)
	}
	al := persistlog.NewAuditLogger(dir)
	for _, e := range []persistlog.EditEntry{
		{Source: "a", Center: [3]float64{0, 0, 0}, Radius: 1, Delta: 1},
		{Source: "b", Center: [3]float64{50, 0, 0}, Radius: 1, Delta: 1},
		{Source: "a", Center: [3]float64{-5, 5, 5}, Radius: 1, Delta: -1},
	} {
		if err := al.WriteEdit(e); err != nil {
			t.Fatalf("WriteEdit: %v", err)
		}
	}
	if err := al.Close(); err != nil {
		t.Fatalf("close audit log: %v", err)
	}

	ticks, err := readTicks(dir, 3, false)
	if err != nil || len(ticks) != 3 || ticks[0].Tick != 3 {
		t.Fatalf("since 3: %+v, %v", ticks, err)
	}
	ticks, err = readTicks(dir, 0, true)
	if err != nil || len(ticks) != 1 || ticks[0].Tick != 4 {
		t.Fatalf("overruns: %+v, %v", ticks, err)
	}

	min, max, err := parseAABB("10,10,10:-10,-10,-10")
	if err != nil {
		t.Fatalf("parseAABB: %v", err)
	}
	edits, err := readEdits(dir, editFilter{Box: &[2][3]float64{min, max}})
	if err != nil || len(edits) != 2 {
		t.Fatalf("aabb: %+v, %v", edits, err)
	}
	edits, err = readEdits(dir, editFilter{Source: "b"})
	if err != nil || len(edits) != 1 || edits[0].Center[0] != 50 {
		t.Fatalf("source: %+v, %v", edits, err)
	}

	if got, err := readTicks(filepath.Join(dir, "nope"), 0, false); err != nil || len(got) != 0 {
		t.Fatalf("missing dir: %+v, %v", got, err)
	}
}

func TestParseAABBRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "1,2,3", "1,2:3,4,5", "a,b,c:1,2,3"} {
		if _, _, err := parseAABB(s); err == nil {
			t.Fatalf("parseAABB(%q) accepted", s)
		}
	}
}
