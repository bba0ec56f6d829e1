package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"voxelstream.ai/internal/tuning"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		name        = flag.String("name", "stream_1", "instance name (metrics label, remote index instance)")
		configDir   = flag.String("configs", "./configs", "config directory")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		disableDB   = flag.Bool("disable_db", false, "disable the run/tick/edit index")
		allowRemote = flag.Bool("allow_remote", false, "accept observer and debug clients from non-loopback addresses")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	instDir := filepath.Join(*dataDir, "streams", *name)
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning %s not found; using defaults", tp)
		tune = tuning.Defaults()
	}

	idx, err := openRuntimeIndex(instDir, *name, *disableDB, logger)
	if err != nil {
		logger.Fatalf("index: %v", err)
	}

	a, err := newApp(appConfig{
		Name:        *name,
		DataDir:     instDir,
		Tune:        tune,
		AllowRemote: *allowRemote,
		EnablePprof: envBool("VS_ENABLE_PPROF_HTTP", false),
		Index:       idx,
	}, logger)
	if err != nil {
		if idx != nil {
			_ = idx.Close()
		}
		logger.Fatalf("init: %v", err)
	}
	defer a.close()
	if !a.cfg.EnablePprof {
		logger.Printf("pprof endpoints disabled (VS_ENABLE_PPROF_HTTP=false)")
	}

	if err := a.start(); err != nil {
		logger.Printf("start streamer: %v", err)
		return
	}

	ctx, cancel := signalContext()
	defer cancel()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Printf("listen: %v", err)
		_ = a.orch.Stop()
		return
	}
	logger.Printf("listening on %s (edge=%d radius=%d tick=%dHz)", ln.Addr(), tune.ChunkEdge, tune.ViewRadius, tune.TickRateHz)
	if err := a.serve(ctx, ln); err != nil {
		logger.Printf("serve: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	return ip != nil && ip.IsLoopback()
}
