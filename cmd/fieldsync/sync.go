package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/remote"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass over the local queue",
	Long: `Upload queued reports to the remote incident store.

Reports still inside their retry backoff window are skipped unless --force
is given. Ctrl+C aborts the remaining batch; the report in flight keeps
whatever status it reached.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		client := buildRemote(cfg)
		auth := remote.StaticAuth{Token: cfg.Remote.Token}

		eng, err := engine.New(st, client, client, auth, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sync engine: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		start := time.Now()
		res, err := eng.Sync(ctx, engine.Options{
			Force: syncForce,
			OnProgress: func(p engine.Progress) {
				switch p.Outcome {
				case engine.OutcomeCompleted:
					fmt.Printf("  synced %s (%d/%d)\n", p.ReportID, p.Attempted, p.Total)
				case engine.OutcomeFailed:
					fmt.Printf("  failed %s: %v\n", p.ReportID, p.Err)
				}
			},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "Sync cancelled")
				os.Exit(130)
			}
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v: attempted=%d completed=%d pending=%d\n",
			time.Since(start).Round(time.Millisecond),
			res.Attempted, res.Completed, res.TotalPending)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "bypass retry backoff and attempt every unsynced report")
	rootCmd.AddCommand(syncCmd)
}
