package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/observerproto"
	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/terrain/chunk"
	"voxelstream.ai/internal/terrain/gen"
	"voxelstream.ai/internal/terrain/mesh"
	"voxelstream.ai/internal/terrain/shell"
	"voxelstream.ai/internal/terrain/stream"
	"voxelstream.ai/internal/terrain/viewer"
	"voxelstream.ai/internal/transport/observer"
	"voxelstream.ai/internal/tuning"
)

type appConfig struct {
	// Name labels metrics and remote index events.
	Name        string
	DataDir     string
	Tune        tuning.Tuning
	AllowRemote bool
	EnablePprof bool
	// Index may be nil.
	Index runtimeIndex
}

// app owns one streamer and everything that observes it.
type app struct {
	cfg     appConfig
	log     *log.Logger
	started time.Time

	pos     *viewer.Position
	orch    *stream.Orchestrator
	obs     *observer.Server
	monitor *metrics.Monitor

	tickLog  *persistlog.TickLogger
	auditLog *persistlog.AuditLogger
}

func newApp(cfg appConfig, logger *log.Logger) (*app, error) {
	tune := cfg.Tune
	if err := tune.Validate(); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	dims := tune.Dims()
	g, err := gen.New(tune.GenConfig(), dims)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	table, err := shell.NewTable(tune.ViewRadius, tune.FirstShellRadius)
	if err != nil {
		return nil, fmt.Errorf("shell table: %w", err)
	}

	// Start on the surface above the origin.
	pos := viewer.NewPosition(dims)
	heights := make([]float32, g.HeightMapLen())
	g.HeightMap(0, 0, heights)
	pos.Set(0, float64(heights[0]), 0)

	a := &app{
		cfg:      cfg,
		log:      logger,
		started:  time.Now(),
		pos:      pos,
		monitor:  metrics.NewMonitor(tune.Streamer.MaxPendingMesh),
		tickLog:  persistlog.NewTickLogger(cfg.DataDir),
		auditLog: persistlog.NewAuditLogger(cfg.DataDir),
	}

	obs, err := observer.NewServer(observer.Options{
		Viewer: pos,
		Editor: observer.EditorFunc(func(b stream.Brush) ([]chunk.Coord, error) {
			return a.orch.Carve(b)
		}),
		Audit: multiEditLogger{a.auditLog, cfg.Index},
		Params: observerproto.StreamParams{
			TickRateHz:       tune.TickRateHz,
			ChunkEdge:        tune.ChunkEdge,
			ViewRadius:       tune.ViewRadius,
			FirstShellRadius: tune.FirstShellRadius,
			Seed:             tune.Generator.Seed,
			Iso:              float64(tune.Iso),
			MaxBrushRadius:   stream.MaxBrushRadius,
		},
		Tick:        func() uint64 { return a.orch.Stats().Tick },
		RunID:       a.runID,
		AllowRemote: cfg.AllowRemote,
	}, logger)
	if err != nil {
		a.closeLogs()
		return nil, err
	}
	a.obs = obs

	var sampled metrics.Multi
	sampled = append(sampled, a.tickLog, obs)
	if cfg.Index != nil {
		sampled = append(sampled, cfg.Index)
	}
	a.orch = stream.New(tune.StreamConfig(), stream.Deps{
		Table:     table,
		Generator: g,
		Extractor: mesh.SurfaceNetsFactory(dims, tune.Iso),
		Viewer:    pos,
		Sink:      obs,
		Metrics: metrics.Multi{
			a.monitor,
			metrics.Sampled{Every: tune.StatsEveryTicks, Next: sampled},
		},
		Log: logger,
	})
	return a, nil
}

func (a *app) runID() string {
	if a.cfg.Index == nil {
		return ""
	}
	return a.cfg.Index.RunID()
}

// start brings the streamer up and opens an index run.
func (a *app) start() error {
	if err := a.orch.Init(); err != nil {
		return err
	}
	if a.cfg.Index != nil {
		id, err := a.cfg.Index.StartRun(a.cfg.Tune)
		if err != nil {
			a.log.Printf("index start run: %v", err)
		} else {
			a.log.Printf("index run %s", id)
		}
	}
	return nil
}

// serve ticks the streamer and serves HTTP on ln until ctx is done or either
// side fails. The streamer is stopped before serve returns.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.orch.Run(gctx, a.cfg.Tune.TickInterval())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Websocket handlers are hijacked; close them before waiting on Shutdown.
		a.obs.Close()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx2)
	})
	return g.Wait()
}

func (a *app) close() {
	a.obs.Close()
	a.closeLogs()
	if a.cfg.Index != nil {
		if err := a.cfg.Index.Close(); err != nil {
			a.log.Printf("index close: %v", err)
		}
	}
}

func (a *app) closeLogs() {
	if err := a.tickLog.Close(); err != nil {
		a.log.Printf("tick log close: %v", err)
	}
	if err := a.auditLog.Close(); err != nil {
		a.log.Printf("audit log close: %v", err)
	}
}

func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(rw, a.cfg.Name, a.monitor.Snapshot())

		fmt.Fprintf(rw, "# HELP voxelstream_observer_clients Connected observer clients.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_observer_clients gauge\n")
		fmt.Fprintf(rw, "voxelstream_observer_clients{streamer=%q} %d\n", a.cfg.Name, a.obs.Clients())
		fmt.Fprintf(rw, "# HELP voxelstream_observer_cached_meshes Encoded meshes kept for late subscribers.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_observer_cached_meshes gauge\n")
		fmt.Fprintf(rw, "voxelstream_observer_cached_meshes{streamer=%q} %d\n", a.cfg.Name, a.obs.Cached())
		fmt.Fprintf(rw, "# HELP voxelstream_observer_kicked_total Clients disconnected for falling behind.\n")
		fmt.Fprintf(rw, "# TYPE voxelstream_observer_kicked_total counter\n")
		fmt.Fprintf(rw, "voxelstream_observer_kicked_total{streamer=%q} %d\n", a.cfg.Name, a.obs.Kicked())

		if a.cfg.Index != nil {
			writeIndexMetrics(rw, a.cfg.Index)
		}
	})
	mux.HandleFunc("/debug/metrics", func(rw http.ResponseWriter, r *http.Request) {
		if !a.cfg.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		failures, lastErr := a.tickLog.Failures()
		resp := debugState{
			Name:            a.cfg.Name,
			RunID:           a.runID(),
			UptimeSec:       int64(time.Since(a.started) / time.Second),
			Stream:          a.orch.Stats(),
			Monitor:         a.monitor.Snapshot(),
			ObserverClients: a.obs.Clients(),
			CachedMeshes:    a.obs.Cached(),
			Kicked:          a.obs.Kicked(),
			TickLogFailures: failures,
			Index:           indexStats(a.cfg.Index),
		}
		resp.Viewer[0], resp.Viewer[1], resp.Viewer[2] = a.pos.World()
		if lastErr != nil {
			resp.TickLogError = lastErr.Error()
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/v1/observer/bootstrap", a.obs.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", a.obs.WSHandler())

	if a.cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// debugState is served by /debug/metrics and read by cmd/admin.
type debugState struct {
	Name            string           `json:"name"`
	RunID           string           `json:"run_id,omitempty"`
	UptimeSec       int64            `json:"uptime_sec"`
	Stream          stream.Stats     `json:"stream"`
	Monitor         metrics.Snapshot `json:"monitor"`
	Viewer          [3]float64       `json:"viewer"`
	ObserverClients int              `json:"observer_clients"`
	CachedMeshes    int              `json:"cached_meshes"`
	Kicked          uint64           `json:"kicked"`
	TickLogFailures int              `json:"tick_log_failures"`
	TickLogError    string           `json:"tick_log_error,omitempty"`
	Index           any              `json:"index,omitempty"`
}

type multiEditLogger struct {
	a *persistlog.AuditLogger
	b runtimeIndex
}

func (m multiEditLogger) WriteEdit(e persistlog.EditEntry) error {
	var err error
	if m.a != nil {
		err = m.a.WriteEdit(e)
	}
	if m.b != nil {
		_ = m.b.WriteEdit(e)
	}
	return err
}
