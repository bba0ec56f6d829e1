package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/metrics"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files
// <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReadJSONLZstd decodes every line of every <prefix>-*.jsonl.zst file in dir,
// oldest file first, and hands the raw line to fn.
func ReadJSONLZstd(dir, prefix string, fn func(line []byte) error) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := readFile(filepath.Join(dir, name), fn); err != nil {
			return err
		}
	}
	return nil
}

func readFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return sc.Err()
}

// TickLogger writes one JSONL entry per observed tick (compressed). It is a
// metrics.Sink; write failures are counted, not returned.
type TickLogger struct {
	w *JSONLZstdWriter

	mu       sync.Mutex
	failures int
	lastErr  error
}

func NewTickLogger(dataDir string) *TickLogger {
	return &TickLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "ticks"), "ticks")}
}

func (l *TickLogger) WriteTick(v metrics.TickStats) error { return l.w.Write(v) }
func (l *TickLogger) Close() error                        { return l.w.Close() }

func (l *TickLogger) ObserveTick(v metrics.TickStats) {
	if err := l.WriteTick(v); err != nil {
		l.mu.Lock()
		l.failures++
		l.lastErr = err
		l.mu.Unlock()
	}
}

// Failures reports how many writes failed and the most recent error.
func (l *TickLogger) Failures() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures, l.lastErr
}

// ReadTicks replays every tick record under dataDir in file order.
func ReadTicks(dataDir string, fn func(metrics.TickStats) error) error {
	return ReadJSONLZstd(filepath.Join(dataDir, "ticks"), "ticks", func(line []byte) error {
		var s metrics.TickStats
		if err := json.Unmarshal(line, &s); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		return fn(s)
	})
}

// EditEntry records one terrain edit.
type EditEntry struct {
	At     time.Time  `json:"at"`
	Source string     `json:"source"`
	Center [3]float64 `json:"center"`
	Radius float64    `json:"radius"`
	Delta  float32    `json:"delta"`
	Chunks [][3]int   `json:"chunks"`
}

// AuditLogger writes edit entries (compressed).
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteEdit(v EditEntry) error { return l.w.Write(v) }
func (l *AuditLogger) Close() error               { return l.w.Close() }

func ReadEdits(dataDir string, fn func(EditEntry) error) error {
	return ReadJSONLZstd(filepath.Join(dataDir, "audit"), "audit", func(line []byte) error {
		var e EditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		return fn(e)
	})
}
