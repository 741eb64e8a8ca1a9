package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/loadtest"
	"github.com/fieldsync/fieldsync/internal/store"
)

var (
	loadtestReports   int
	loadtestSyncedPct float64
	loadtestWorkers   int
	loadtestQueries   int
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure queue query latency under concurrent readers",
	Long: `Populate a throwaway database with a realistic report mix and hammer it
with concurrent feed and pending-count queries, reporting latency
percentiles. The configured database is never touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir, err := os.MkdirTemp("", "fieldsync-loadtest-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating temp directory: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		st, err := store.Open(filepath.Join(dir, "loadtest.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		fmt.Printf("Populating %d reports (%.0f%% synced)...\n", loadtestReports, loadtestSyncedPct*100)
		start := time.Now()
		if err := loadtest.Populate(st, loadtestReports, loadtestSyncedPct); err != nil {
			fmt.Fprintf(os.Stderr, "Populate failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Populated in %v\n", time.Since(start).Round(time.Millisecond))

		fmt.Printf("Running %d workers x %d queries...\n", loadtestWorkers, loadtestQueries)
		stats, err := loadtest.RunQueryLoad(context.Background(), st, loadtestWorkers, loadtestQueries)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load test failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nQueries: %d (errors: %d)\n", stats.TotalQueries, stats.Errors)
		fmt.Printf("  min:  %v\n", stats.Min)
		fmt.Printf("  mean: %v\n", stats.Mean)
		fmt.Printf("  p50:  %v\n", stats.P50)
		fmt.Printf("  p95:  %v\n", stats.P95)
		fmt.Printf("  p99:  %v\n", stats.P99)
		fmt.Printf("  max:  %v\n", stats.Max)
	},
}

func init() {
	loadtestCmd.Flags().IntVar(&loadtestReports, "reports", 5000, "number of reports to populate")
	loadtestCmd.Flags().Float64Var(&loadtestSyncedPct, "synced-pct", 0.8, "share of reports already synced")
	loadtestCmd.Flags().IntVar(&loadtestWorkers, "workers", 16, "concurrent query workers")
	loadtestCmd.Flags().IntVar(&loadtestQueries, "queries", 100, "queries per worker")
	rootCmd.AddCommand(loadtestCmd)
}
