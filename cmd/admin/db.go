package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type runRow struct {
	RunID        string `json:"run_id"`
	StartedAt    string `json:"started_at"`
	TuningDigest string `json:"tuning_digest"`
	Ticks        int    `json:"ticks"`
	Overruns     int    `json:"overruns"`
	Edits        int    `json:"edits"`
}

type tickRow struct {
	RunID             string  `json:"run_id"`
	Tick              uint64  `json:"tick"`
	At                string  `json:"at"`
	Loaded            int     `json:"loaded"`
	PoolFree          int     `json:"pool_free"`
	PendingGeneration int     `json:"pending_generation"`
	PendingMesh       int     `json:"pending_mesh"`
	Buffered          int     `json:"buffered"`
	Applied           int     `json:"applied"`
	StepMS            float64 `json:"step_ms"`
	Throttled         bool    `json:"throttled"`
	Overrun           bool    `json:"overrun"`
}

type editRow struct {
	RunID  string     `json:"run_id"`
	Seq    int64      `json:"seq"`
	At     string     `json:"at"`
	Source string     `json:"source"`
	Center [3]float64 `json:"center"`
	Radius float64    `json:"radius"`
	Delta  float64    `json:"delta"`
	Chunks int        `json:"chunks"`
}

type tickSummary struct {
	RunID     string  `json:"run_id"`
	Ticks     int     `json:"ticks"`
	Overruns  int     `json:"overruns"`
	Throttled int     `json:"throttled"`
	MaxLoaded int     `json:"max_loaded"`
	AvgStepMS float64 `json:"avg_step_ms"`
	MaxStepMS float64 `json:"max_step_ms"`
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	name := fs.String("name", "", "stream instance name (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	runID := fs.String("run", "", "run id (optional; defaults to latest)")
	limit := fs.Int("limit", 20, "result limit")
	source := fs.String("source", "", "source filter (edits)")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*name) == "" {
			fmt.Fprintln(os.Stderr, "missing -name or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "streams", *name, "index", "stream.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}
	run := strings.TrimSpace(*runID)
	if q != "runs" && run == "" {
		run, err = latestRun(db)
		if err != nil {
			fmt.Fprintln(os.Stderr, "latest run:", err)
			os.Exit(1)
		}
		if run == "" {
			fmt.Fprintln(os.Stderr, "no runs found")
			os.Exit(2)
		}
	}

	var out any
	switch q {
	case "runs":
		out, err = queryRuns(db, *limit)
	case "ticks":
		out, err = queryTicks(db, run, false, *limit)
	case "overruns":
		out, err = queryTicks(db, run, true, *limit)
	case "summary":
		out, err = querySummary(db, run)
	case "edits":
		out, err = queryEdits(db, run, strings.TrimSpace(*source), *limit)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(runs|ticks|overruns|summary|edits)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	printRows(out)
}

func latestRun(db *sql.DB) (string, error) {
	var id sql.NullString
	err := db.QueryRow(`SELECT run_id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id.String, nil
}

func queryRuns(db *sql.DB, limit int) ([]runRow, error) {
	rows, err := db.Query(`SELECT r.run_id, r.started_at, r.tuning_digest,
		(SELECT COUNT(1) FROM ticks t WHERE t.run_id=r.run_id),
		(SELECT COUNT(1) FROM ticks t WHERE t.run_id=r.run_id AND t.overrun=1),
		(SELECT COUNT(1) FROM edits e WHERE e.run_id=r.run_id)
		FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []runRow
	for rows.Next() {
		var r runRow
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.TuningDigest, &r.Ticks, &r.Overruns, &r.Edits); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// queryTicks returns the newest ticks of run, oldest first.
func queryTicks(db *sql.DB, run string, onlyOverrun bool, limit int) ([]tickRow, error) {
	q := `SELECT run_id,tick,at,loaded,pool_free,pending_generation,pending_mesh,buffered,applied,step_ms,throttled,overrun FROM ticks WHERE run_id=?`
	if onlyOverrun {
		q += ` AND overrun=1`
	}
	q += ` ORDER BY tick DESC LIMIT ?`
	rows, err := db.Query(q, run, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tickRow
	for rows.Next() {
		var r tickRow
		var throttled, overrun int
		if err := rows.Scan(&r.RunID, &r.Tick, &r.At, &r.Loaded, &r.PoolFree, &r.PendingGeneration, &r.PendingMesh, &r.Buffered, &r.Applied, &r.StepMS, &throttled, &overrun); err != nil {
			return nil, err
		}
		r.Throttled, r.Overrun = throttled != 0, overrun != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func querySummary(db *sql.DB, run string) (tickSummary, error) {
	s := tickSummary{RunID: run}
	var avg, max sql.NullFloat64
	var maxLoaded sql.NullInt64
	err := db.QueryRow(`SELECT COUNT(1), COALESCE(SUM(overrun),0), COALESCE(SUM(throttled),0), MAX(loaded), AVG(step_ms), MAX(step_ms) FROM ticks WHERE run_id=?`, run).
		Scan(&s.Ticks, &s.Overruns, &s.Throttled, &maxLoaded, &avg, &max)
	if err != nil {
		return s, err
	}
	s.MaxLoaded = int(maxLoaded.Int64)
	s.AvgStepMS = avg.Float64
	s.MaxStepMS = max.Float64
	return s, nil
}

func queryEdits(db *sql.DB, run, source string, limit int) ([]editRow, error) {
	q := `SELECT run_id,seq,at,source,x,y,z,radius,delta,chunks FROM edits WHERE run_id=?`
	args := []any{run}
	if source != "" {
		q += ` AND source=?`
		args = append(args, source)
	}
	q += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []editRow
	for rows.Next() {
		var r editRow
		if err := rows.Scan(&r.RunID, &r.Seq, &r.At, &r.Source, &r.Center[0], &r.Center[1], &r.Center[2], &r.Radius, &r.Delta, &r.Chunks); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// printRows prints one JSON line per element of a slice, or v itself.
func printRows(v any) {
	switch rows := v.(type) {
	case []runRow:
		for _, r := range rows {
			printJSON(r)
		}
	case []tickRow:
		for _, r := range rows {
			printJSON(r)
		}
	case []editRow:
		for _, r := range rows {
			printJSON(r)
		}
	default:
		printJSON(v)
	}
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
