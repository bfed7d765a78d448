// Package main provides the entry point for memsim, a standalone
// driver for the memory-hierarchy simulation core: it assembles a
// machine from a YAML description (or the built-in default), replays a
// synthetic access stream through it, and reports what the hierarchy
// did with it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"

	"github.com/sarchlab/memhier/config"
	"github.com/sarchlab/memhier/cpu"
	"github.com/sarchlab/memhier/hierarchy"
)

var (
	configPath = flag.String("config", "", "Path to machine description YAML file")
	dumpConfig = flag.String("dump-config", "", "Write the effective machine description to this path and exit")
	cycles     = flag.Int("cycles", 10000, "Number of cycles to simulate")
	accesses   = flag.Int("accesses", 1000, "Number of synthetic accesses to issue")
	footprint  = flag.Uint64("footprint", 1<<20, "Byte span of the synthetic address stream")
	writeRatio = flag.Float64("write-ratio", 0.3, "Fraction of synthetic accesses that are writes")
	seed       = flag.Int64("seed", 1, "Seed for the synthetic access stream")
	verbose    = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadMachineConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading machine config: %v\n", err)
			os.Exit(1)
		}
	}

	if *dumpConfig != "" {
		if err := cfg.SaveConfig(*dumpConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Error dumping machine config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Machine description written to %s\n", *dumpConfig)
		return
	}

	level := slog.LevelError
	if *verbose {
		level = slog.LevelInfo
	}
	logger := islog.L.New(
		islog.L.WithSlogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		logiface.WithLevel[*islog.Event](logiface.LevelInformational),
	)

	var completed int
	h, err := hierarchy.New(cfg, hierarchy.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building hierarchy: %v\n", err)
		os.Exit(1)
	}
	h.SetWakeup(cpu.Wakeup{
		ICache: func(coreID int, physAddr uint64) { completed++ },
		DCache: func(coreID, threadID, robID int, seq uint64, physAddr uint64) { completed++ },
	})

	exitCode := run(h, cfg)
	fmt.Printf("Cycles simulated: %d\n", h.Now())
	fmt.Printf("Accesses completed: %d\n", completed)
	os.Exit(exitCode)
}

// run replays the synthetic stream, issuing a new access whenever the
// front-end has room, and clocks the hierarchy for the whole cycle
// budget; it does not stop early once the stream and its completions
// have drained.
func run(h *hierarchy.Hierarchy, cfg *config.MachineConfig) int {
	rng := rand.New(rand.NewSource(*seed))

	cores := make([]int, len(cfg.Cores))
	for i, c := range cfg.Cores {
		cores[i] = c.ID
	}

	issued, rejected := 0, 0
	for cycle := 0; cycle < *cycles; cycle++ {
		if issued < *accesses {
			core := cores[rng.Intn(len(cores))]
			if h.IsCacheAvailable(core, 0, false) {
				addr := (rng.Uint64() % *footprint) &^ 0x3f
				isWrite := rng.Float64() < *writeRatio
				if h.AccessCache(core, 0, issued, uint64(issued), h.Now(), addr, false, isWrite) {
					issued++
				} else {
					rejected++
				}
			}
		}
		h.Clock()
	}

	if *verbose {
		fmt.Printf("Accesses issued: %d (rejected and retried: %d)\n", issued, rejected)
		for _, c := range cores {
			fmt.Printf("Core %d pending off-chip misses at exit: %d\n", c, h.PendingOffchipMisses(c))
		}
	}
	if issued < *accesses {
		fmt.Fprintf(os.Stderr, "Cycle budget exhausted with %d accesses unissued\n", *accesses-issued)
		return 1
	}
	return 0
}
