package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"voxelstream.ai/internal/metrics"
	persistlog "voxelstream.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "ticks":
			ticksCmd(os.Args[2:])
			return
		case "edits":
			editsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "streams"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

func instanceDir(dataDir, name string) string {
	if strings.TrimSpace(name) == "" {
		fmt.Fprintln(os.Stderr, "missing -name")
		os.Exit(2)
	}
	return filepath.Join(dataDir, "streams", name)
}

func ticksCmd(args []string) {
	fs := flag.NewFlagSet("ticks", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	name := fs.String("name", "", "stream instance name")
	since := fs.Uint64("since_tick", 0, "skip ticks before this one")
	onlyOverrun := fs.Bool("only_overrun", false, "print only ticks that overran their budget")
	_ = fs.Parse(args)

	ticks, err := readTicks(instanceDir(*dataDir, *name), *since, *onlyOverrun)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read ticks:", err)
		os.Exit(1)
	}
	for _, t := range ticks {
		printJSON(t)
	}
}

// readTicks loads the tick log. A restarted server starts again at tick 1,
// so records are returned in file order rather than sorted.
func readTicks(instDir string, since uint64, onlyOverrun bool) ([]metrics.TickStats, error) {
	var out []metrics.TickStats
	err := persistlog.ReadTicks(instDir, func(s metrics.TickStats) error {
		if s.Tick < since || (onlyOverrun && !s.Overrun) {
			return nil
		}
		out = append(out, s)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

func editsCmd(args []string) {
	fs := flag.NewFlagSet("edits", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	name := fs.String("name", "", "stream instance name")
	source := fs.String("source", "", "only edits from this client id")
	aabb := fs.String("aabb", "", "AABB filter on the brush centre: x1,y1,z1:x2,y2,z2 (optional)")
	_ = fs.Parse(args)

	f := editFilter{Source: strings.TrimSpace(*source)}
	if s := strings.TrimSpace(*aabb); s != "" {
		min, max, err := parseAABB(s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -aabb:", err)
			os.Exit(2)
		}
		f.Box = &[2][3]float64{min, max}
	}
	edits, err := readEdits(instanceDir(*dataDir, *name), f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read edits:", err)
		os.Exit(1)
	}
	for _, e := range edits {
		printJSON(e)
	}
}

type editFilter struct {
	Source string
	Box    *[2][3]float64
}

func (f editFilter) match(e persistlog.EditEntry) bool {
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.Box != nil {
		for i := 0; i < 3; i++ {
			if e.Center[i] < f.Box[0][i] || e.Center[i] > f.Box[1][i] {
				return false
			}
		}
	}
	return true
}

func readEdits(instDir string, f editFilter) ([]persistlog.EditEntry, error) {
	var out []persistlog.EditEntry
	err := persistlog.ReadEdits(instDir, func(e persistlog.EditEntry) error {
		if f.match(e) {
			out = append(out, e)
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

// parseAABB accepts "x1,y1,z1:x2,y2,z2" in any corner order.
func parseAABB(s string) (min, max [3]float64, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return min, max, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	a, err := parseVec3(parts[0])
	if err != nil {
		return min, max, err
	}
	b, err := parseVec3(parts[1])
	if err != nil {
		return min, max, err
	}
	for i := 0; i < 3; i++ {
		min[i], max[i] = a[i], b[i]
		if min[i] > max[i] {
			min[i], max[i] = max[i], min[i]
		}
	}
	return min, max, nil
}

func parseVec3(s string) ([3]float64, error) {
	var out [3]float64
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("expected x,y,z, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}
