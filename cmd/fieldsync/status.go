package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/report"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local queue status",
	Long: `Display the per-status breakdown of the local report queue.

This is computed entirely from the local store and works regardless of
remote reachability.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		ctx := context.Background()
		counts, err := st.StatusCounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading store: %v\n", err)
			os.Exit(1)
		}
		pending, err := st.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending reports: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nLocal report queue (%s)\n\n", cfg.DBPath)
		for _, s := range []report.SyncStatus{report.StatusLocal, report.StatusPending, report.StatusFailed, report.StatusSynced} {
			fmt.Printf("  %-8s %d\n", s, counts[s])
		}
		fmt.Printf("\nPending upload: %d\n\n", pending)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
