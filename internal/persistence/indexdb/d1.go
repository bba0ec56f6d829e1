package indexdb

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voxelstream.ai/internal/metrics"
	persistlog "voxelstream.ai/internal/persistence/log"
)

// D1Config points the index at an HTTP ingest endpoint (a Cloudflare Worker
// in front of a D1 database) that accepts {"events":[...]} batches.
type D1Config struct {
	Endpoint      string
	Token         string
	Instance      string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// MaxRetained bounds the events kept for redelivery after failed flushes.
	MaxRetained int
	Logger      *log.Logger
}

type D1Index struct {
	cfg        D1Config
	httpClient *http.Client

	ch   chan d1Event
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	runID  atomic.Pointer[string]

	sent          atomic.Uint64
	flushFails    atomic.Uint64
	queueDropped  atomic.Uint64
	retainDropped atomic.Uint64
}

type D1Stats struct {
	SentTotal            uint64 `json:"sent_total"`
	FlushFailTotal       uint64 `json:"flush_fail_total"`
	QueueDroppedTotal    uint64 `json:"queue_dropped_total"`
	RetainedDroppedTotal uint64 `json:"retained_dropped_total"`
	QueueDepth           int    `json:"queue_depth"`
	QueueCapacity        int    `json:"queue_capacity"`
}

type d1Event struct {
	Kind     string `json:"kind"`
	Instance string `json:"instance"`
	RunID    string `json:"run_id"`
	Payload  any    `json:"payload"`
}

type d1RunPayload struct {
	StartedAt    string          `json:"started_at"`
	TuningDigest string          `json:"tuning_digest"`
	Tuning       json.RawMessage `json:"tuning"`
}

type d1EditPayload struct {
	Chunks int                  `json:"chunks"`
	Raw    persistlog.EditEntry `json:"raw"`
}

func OpenD1(cfg D1Config) (*D1Index, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Instance = strings.TrimSpace(cfg.Instance)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty d1 ingest endpoint")
	}
	if cfg.Instance == "" {
		return nil, fmt.Errorf("empty instance id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxRetained < cfg.BatchSize {
		cfg.MaxRetained = 8 * cfg.BatchSize
	}

	d := &D1Index{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan d1Event, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *D1Index) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *D1Index) StartRun(tune any) (string, error) {
	if d == nil || d.closed.Load() {
		return "", fmt.Errorf("index closed")
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	id := uuid.NewString()
	d.runID.Store(&id)
	d.enqueue(d1Event{Kind: "run", Instance: d.cfg.Instance, RunID: id, Payload: d1RunPayload{
		StartedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		TuningDigest: hex.EncodeToString(sum[:]),
		Tuning:       b,
	}})
	return id, nil
}

func (d *D1Index) RunID() string {
	if p := d.runID.Load(); p != nil {
		return *p
	}
	return ""
}

func (d *D1Index) ObserveTick(st metrics.TickStats) { _ = d.WriteTick(st) }

func (d *D1Index) WriteTick(st metrics.TickStats) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue(d1Event{Kind: "tick", Instance: d.cfg.Instance, RunID: d.RunID(), Payload: st})
	return nil
}

func (d *D1Index) WriteEdit(e persistlog.EditEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue(d1Event{Kind: "edit", Instance: d.cfg.Instance, RunID: d.RunID(), Payload: d1EditPayload{
		Chunks: len(e.Chunks),
		Raw:    e,
	}})
	return nil
}

func (d *D1Index) Stats() D1Stats {
	if d == nil {
		return D1Stats{}
	}
	return D1Stats{
		SentTotal:            d.sent.Load(),
		FlushFailTotal:       d.flushFails.Load(),
		QueueDroppedTotal:    d.queueDropped.Load(),
		RetainedDroppedTotal: d.retainDropped.Load(),
		QueueDepth:           len(d.ch),
		QueueCapacity:        cap(d.ch),
	}
}

func (d *D1Index) enqueue(ev d1Event) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- ev:
	default:
		if d.queueDropped.Add(1)%1000 == 1 {
			d.printf("d1 index queue full; drop kind=%s instance=%s", ev.Kind, ev.Instance)
		}
	}
}

func (d *D1Index) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]d1Event, 0, d.cfg.BatchSize)
	// A failed batch is kept and retried on the next flush; only the oldest
	// events beyond MaxRetained are given up.
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.flushFails.Add(1)
			d.printf("d1 index flush failed batch=%d err=%v", len(batch), err)
			if over := len(batch) - d.cfg.MaxRetained; over > 0 {
				d.retainDropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		d.sent.Add(uint64(len(batch)))
		clear(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize && len(batch)%d.cfg.BatchSize == 0 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *D1Index) sendBatch(events []d1Event) error {
	body := struct {
		Events []d1Event `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-vs-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *D1Index) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
