package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/persistence/indexdb"
	persistlog "voxelstream.ai/internal/persistence/log"
)

type runtimeIndex interface {
	metrics.Sink
	WriteEdit(e persistlog.EditEntry) error
	StartRun(tune any) (string, error)
	RunID() string
	Close() error
}

func openRuntimeIndex(dataDir, instance string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "stream.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "d1":
		endpoint := strings.TrimSpace(os.Getenv("VS_INDEX_D1_INGEST_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("VS_INDEX_BACKEND=d1 but VS_INDEX_D1_INGEST_URL is empty")
		}
		idx, err := indexdb.OpenD1(indexdb.D1Config{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("VS_INDEX_D1_TOKEN")),
			Instance:      instance,
			BatchSize:     envInt("VS_INDEX_D1_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("VS_INDEX_D1_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported VS_INDEX_BACKEND: %s", backend)
	}
}

// writeIndexMetrics appends the backend's queue counters to a /metrics body.
func writeIndexMetrics(w io.Writer, idx runtimeIndex) {
	counter := func(metric, help string, labels string, v uint64) {
		fmt.Fprintf(w, "# HELP voxelstream_index_%s %s\n", metric, help)
		fmt.Fprintf(w, "# TYPE voxelstream_index_%s counter\n", metric)
		fmt.Fprintf(w, "voxelstream_index_%s{%s} %d\n", metric, labels, v)
	}
	switch x := idx.(type) {
	case *indexdb.SQLiteIndex:
		st := x.Stats()
		counter("dropped_total", "Index writes dropped on a full queue.", `backend="sqlite",kind="run"`, st.DropRunTotal)
		fmt.Fprintf(w, "voxelstream_index_dropped_total{backend=\"sqlite\",kind=\"tick\"} %d\n", st.DropTickTotal)
		fmt.Fprintf(w, "voxelstream_index_dropped_total{backend=\"sqlite\",kind=\"edit\"} %d\n", st.DropEditTotal)
		counter("write_errors_total", "Failed index statements.", `backend="sqlite"`, st.WriteErrorTotal)
		fmt.Fprintf(w, "# HELP voxelstream_index_queue_depth Pending index writes.\n")
		fmt.Fprintf(w, "# TYPE voxelstream_index_queue_depth gauge\n")
		fmt.Fprintf(w, "voxelstream_index_queue_depth{backend=\"sqlite\"} %d\n", st.QueueDepth)
	case *indexdb.D1Index:
		st := x.Stats()
		counter("sent_total", "Events delivered to the ingest endpoint.", `backend="d1"`, st.SentTotal)
		counter("flush_fail_total", "Failed batch flushes.", `backend="d1"`, st.FlushFailTotal)
		counter("dropped_total", "Events dropped on a full queue or retain overflow.", `backend="d1",kind="queue"`, st.QueueDroppedTotal)
		fmt.Fprintf(w, "voxelstream_index_dropped_total{backend=\"d1\",kind=\"retained\"} %d\n", st.RetainedDroppedTotal)
		fmt.Fprintf(w, "# HELP voxelstream_index_queue_depth Pending index writes.\n")
		fmt.Fprintf(w, "# TYPE voxelstream_index_queue_depth gauge\n")
		fmt.Fprintf(w, "voxelstream_index_queue_depth{backend=\"d1\"} %d\n", st.QueueDepth)
	}
}

// indexStats is the JSON view of the backend's counters, or nil.
func indexStats(idx runtimeIndex) any {
	switch x := idx.(type) {
	case *indexdb.SQLiteIndex:
		return x.Stats()
	case *indexdb.D1Index:
		return x.Stats()
	}
	return nil
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
