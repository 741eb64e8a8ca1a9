package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/feed"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Print the merged incident feed",
	Long: `Fetch the confirmed remote incidents, merge them with anything still
queued locally and print the deduplicated, time-ordered feed.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		client := buildRemote(cfg)

		view, err := feed.New(feed.Config{Store: st, Table: client})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating merge view: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := view.FetchWithRetry(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching remote incidents: %v\n", err)
			os.Exit(1)
		}

		incidents, err := view.Snapshot(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building feed: %v\n", err)
			os.Exit(1)
		}

		if len(incidents) == 0 {
			fmt.Println("No incidents.")
			return
		}

		for _, inc := range incidents {
			origin := "remote"
			if inc.Local {
				origin = "local"
			}
			fmt.Printf("%s  [%s] sev=%d %s (%.5f, %.5f) %s by %s\n",
				inc.OccurredAt.Local().Format("2006-01-02 15:04"),
				inc.Status, inc.Severity, inc.Type,
				inc.Latitude, inc.Longitude, origin, inc.ReportedBy)
		}
	},
}

func init() {
	rootCmd.AddCommand(feedCmd)
}
