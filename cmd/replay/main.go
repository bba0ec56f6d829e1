package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/terrain/gen"
	"voxelstream.ai/internal/tuning"
)

func main() {
	var (
		dataDir    = flag.String("data", "./data", "runtime data directory")
		name       = flag.String("name", "stream_1", "stream instance name")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		limit      = flag.Int("limit", 0, "replay at most this many edits (0 replays all)")
		verbose    = flag.Bool("v", false, "print one line per edited chunk")
	)
	flag.Parse()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = tuning.Defaults()
	}
	g, err := gen.New(tune.GenConfig(), tune.Dims())
	if err != nil {
		fmt.Fprintln(os.Stderr, "generator:", err)
		os.Exit(1)
	}

	instDir := filepath.Join(*dataDir, "streams", *name)
	var edits []persistlog.EditEntry
	if err := persistlog.ReadEdits(instDir, func(e persistlog.EditEntry) error {
		edits = append(edits, e)
		return nil
	}); err != nil {
		fmt.Fprintln(os.Stderr, "read edits:", err)
		os.Exit(1)
	}
	if *limit > 0 && len(edits) > *limit {
		edits = edits[:*limit]
	}
	if len(edits) == 0 {
		fmt.Println("no edits to replay")
		return
	}

	rep, err := replay(g, tune.Iso, edits)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if *verbose {
		for _, c := range rep.Chunks {
			b, _ := json.Marshal(c)
			fmt.Println(string(b))
		}
	}
	fmt.Printf("replay ok: edits=%d verified_chunks=%d extra_chunks=%d edited_chunks=%d seed=%d edge=%d\n",
		rep.Edits, rep.Verified, rep.Extra, len(rep.Chunks), tune.Generator.Seed, tune.ChunkEdge)
}
