package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/metrics"
	persistlog "voxelstream.ai/internal/persistence/log"
)

const SchemaVersion = "1"

// SQLiteIndex is a secondary, queryable index of streamer runs, sampled tick
// stats and terrain edits. Writes never block the caller: a single writer
// goroutine drains a bounded channel and anything that does not fit is
// counted and dropped. The zstd JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	runID  atomic.Pointer[string]

	dropRun   atomic.Uint64
	dropTick  atomic.Uint64
	dropEdit  atomic.Uint64
	writeErrs atomic.Uint64
}

type Stats struct {
	DropRunTotal    uint64 `json:"drop_run_total"`
	DropTickTotal   uint64 `json:"drop_tick_total"`
	DropEditTotal   uint64 `json:"drop_edit_total"`
	WriteErrorTotal uint64 `json:"write_error_total"`
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
}

type reqKind int

const (
	reqRun reqKind = iota + 1
	reqTick
	reqEdit
)

type req struct {
	kind  reqKind
	runID string

	run  runRow
	tick metrics.TickStats
	edit persistlog.EditEntry
}

type runRow struct {
	StartedAt string
	Digest    string
	JSON      string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			tuning_digest TEXT NOT NULL,
			tuning_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			at TEXT NOT NULL,
			loaded INTEGER NOT NULL,
			pool_free INTEGER NOT NULL,
			pending_generation INTEGER NOT NULL,
			pending_mesh INTEGER NOT NULL,
			buffered INTEGER NOT NULL,
			applied INTEGER NOT NULL,
			step_ms REAL NOT NULL,
			throttled INTEGER NOT NULL,
			overrun INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_run_overrun ON ticks(run_id, overrun, tick);`,
		`CREATE TABLE IF NOT EXISTS edits (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at TEXT NOT NULL,
			source TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			radius REAL NOT NULL,
			delta REAL NOT NULL,
			chunks INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_edits_source ON edits(source, run_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, SchemaVersion)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// StartRun records a new run with the canonical JSON of the applied tuning
// and makes it the run that later ticks and edits are filed under.
func (s *SQLiteIndex) StartRun(tune any) (string, error) {
	if s == nil || s.closed.Load() {
		return "", fmt.Errorf("index closed")
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	id := uuid.NewString()
	s.runID.Store(&id)

	r := req{kind: reqRun, runID: id, run: runRow{
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Digest:    hex.EncodeToString(sum[:]),
		JSON:      string(b),
	}}
	select {
	case s.ch <- r:
	default:
		s.dropRun.Add(1)
	}
	return id, nil
}

func (s *SQLiteIndex) RunID() string {
	if p := s.runID.Load(); p != nil {
		return *p
	}
	return ""
}

// ObserveTick makes the index a metrics.Sink.
func (s *SQLiteIndex) ObserveTick(st metrics.TickStats) { _ = s.WriteTick(st) }

func (s *SQLiteIndex) WriteTick(st metrics.TickStats) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, runID: s.RunID(), tick: st}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteEdit(e persistlog.EditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEdit, runID: s.RunID(), edit: e}:
	default:
		s.dropEdit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropRunTotal:    s.dropRun.Load(),
		DropTickTotal:   s.dropTick.Load(),
		DropEditTotal:   s.dropEdit.Load(),
		WriteErrorTotal: s.writeErrs.Load(),
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,started_at,tuning_digest,tuning_json) VALUES(?,?,?,?)`)
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,at,loaded,pool_free,pending_generation,pending_mesh,buffered,applied,step_ms,throttled,overrun,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEdit, _ := s.db.Prepare(`INSERT OR REPLACE INTO edits(run_id,seq,at,source,x,y,z,radius,delta,chunks,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, insertTick, insertEdit} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		editSeq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrs.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrs.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrs.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	// An idle stream must not hold its transaction open forever.
	idle := time.NewTicker(commitMaxWait)
	defer idle.Stop()

	for {
		var (
			r  req
			ok bool
		)
		select {
		case r, ok = <-s.ch:
			if !ok {
				commit()
				return
			}
		case <-idle.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRun:
			exec(insertRun, r.runID, r.run.StartedAt, r.run.Digest, r.run.JSON)

		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick,
				r.runID,
				int64(t.Tick),
				t.At.UTC().Format(time.RFC3339Nano),
				t.LoadedChunks,
				t.PoolFree,
				t.PendingGeneration,
				t.PendingMesh,
				t.Buffered,
				t.Applied,
				t.StepMS,
				boolInt(t.Throttled),
				boolInt(t.Overrun),
				string(raw),
			)

		case reqEdit:
			e := r.edit
			seq := editSeq[r.runID]
			editSeq[r.runID] = seq + 1
			raw, _ := json.Marshal(e)
			exec(insertEdit,
				r.runID,
				seq,
				e.At.UTC().Format(time.RFC3339Nano),
				e.Source,
				e.Center[0], e.Center[1], e.Center[2],
				e.Radius,
				float64(e.Delta),
				len(e.Chunks),
				string(raw),
			)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}
