package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ecogrid/gridsim/grid"
	"github.com/ecogrid/gridsim/grid/history"
)

var (
	// CLI flags for the simulation run
	seed         int64  // Seed for the partitioned RNG streams
	horizon      int64  // Total simulation time (in ticks)
	logLevel     string // Log verbosity level
	scenarioPath string // YAML scenario file; empty uses the built-in topology
	historyPath  string // Paged history file; empty keeps history in memory
	snapshotOut  string // Snapshot file written after the run
	snapshotIn   string // Snapshot file restored before the run
	balancing    bool   // Load balancer toggle
	fluctuate    bool   // Per-tick demand noise toggle

	// CLI flags for the history subcommand
	histFrom    int64 // Range scan lower bound (tick)
	histTo      int64 // Range scan upper bound (tick)
	histCompact int64 // Drop records older than this tick before scanning
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "gridsim",
	Short: "Tick-driven simulator for resource distribution grids",
}

// runCmd executes the simulation using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the grid simulation",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		sc := grid.DefaultScenario()
		if scenarioPath != "" {
			sc, err = grid.LoadScenario(scenarioPath)
			if err != nil {
				logrus.Fatalf("unable to read scenario: %v", err)
			}
		}
		sc.Config.Seed = seed
		sc.Config.HistoryPath = historyPath
		sc.Config.Balancing = &balancing
		sc.Config.Fluctuate = fluctuate

		logrus.Infof("Starting simulation with %d nodes, %d edges, horizon=%d ticks, balancing=%v",
			len(sc.Nodes), len(sc.Edges), horizon, balancing)

		startTime := time.Now()

		s, err := grid.NewSimulator(sc)
		if err != nil {
			logrus.Fatalf("unable to build simulator: %v", err)
		}
		if snapshotIn != "" {
			if err := s.LoadSnapshot(snapshotIn); err != nil {
				logrus.Fatalf("unable to load snapshot: %v", err)
			}
		}

		s.Start()
		s.Run(horizon)

		s.Metrics.Print()
		fmt.Printf("Wall time             : %s\n", time.Since(startTime).Round(time.Millisecond))

		if snapshotOut != "" {
			if err := s.SaveSnapshot(snapshotOut); err != nil {
				logrus.Fatalf("unable to save snapshot: %v", err)
			}
		}
		logrus.Info("Simulation complete.")
	},
}

// historyCmd range-scans a history file written by a previous run
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Scan a history file for records in a tick range",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if historyPath == "" {
			logrus.Fatalf("History file not provided. Use --history.")
		}
		store, err := history.Open(historyPath, history.DefaultOrder)
		if err != nil {
			logrus.Fatalf("unable to open history: %v", err)
		}
		if histCompact > 0 {
			if err := store.Compact(histCompact); err != nil {
				logrus.Fatalf("unable to compact history: %v", err)
			}
			logrus.Infof("compacted records before tick %d", histCompact)
		}
		records := store.Scan(histFrom, histTo)
		for _, rec := range records {
			fmt.Printf("tick %d\tnode %d\tload %.2f\n", rec.Timestamp, rec.Entity, rec.Value)
		}
		logrus.Infof("%d records in [%d, %d]", len(records), histFrom, histTo)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for the deterministic RNG streams")
	runCmd.Flags().Int64Var(&horizon, "horizon", 1000, "Total simulation horizon (in ticks)")
	runCmd.Flags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&scenarioPath, "scenario", "", "YAML scenario file (built-in topology when empty)")
	runCmd.Flags().StringVar(&historyPath, "history", "", "History file path (in-memory only when empty)")
	runCmd.Flags().StringVar(&snapshotOut, "snapshot-out", "", "Write a snapshot here after the run")
	runCmd.Flags().StringVar(&snapshotIn, "snapshot-in", "", "Restore this snapshot before the run")
	runCmd.Flags().BoolVar(&balancing, "balancing", true, "Enable the load balancer")
	runCmd.Flags().BoolVar(&fluctuate, "fluctuate", false, "Enable per-tick demand noise on sink nodes")

	historyCmd.Flags().StringVar(&historyPath, "history", "", "History file path")
	historyCmd.Flags().StringVar(&logLevel, "log", "error", "Log level")
	historyCmd.Flags().Int64Var(&histFrom, "from", 0, "Range scan lower bound (tick, inclusive)")
	historyCmd.Flags().Int64Var(&histTo, "to", 1<<62, "Range scan upper bound (tick, inclusive)")
	historyCmd.Flags().Int64Var(&histCompact, "compact-before", 0, "Drop records older than this tick and rewrite the file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
}
