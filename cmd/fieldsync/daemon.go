package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/bridge"
	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/feed"
	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/spool"
	"github.com/fieldsync/fieldsync/internal/trigger"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the full sync pipeline in the foreground:

  1. Watch the spool directory for dropped report files
  2. Sync queued reports to the remote store on mutation, reconnect,
     and a recurring forced interval
  3. Maintain the merged incident feed over a realtime subscription
  4. Broadcast sync progress and pending counts to bridge clients`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st := openStore(cfg)
		defer st.Close()

		client := buildRemote(cfg)
		auth := remote.StaticAuth{Token: cfg.Remote.Token}

		eng, err := engine.New(st, client, client, auth,
			config.NewLogger("[engine] ", cfg.Logging))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sync engine: %v\n", err)
			os.Exit(1)
		}

		// Bridge: foreground contexts connect here for live sync status.
		var br *bridge.Server
		if cfg.Bridge.Enabled {
			br = bridge.NewServer(&bridge.Config{
				Port:   cfg.Bridge.Port,
				Logger: config.NewLogger("[bridge] ", cfg.Logging),
			})
			if err := br.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting bridge: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = br.Stop() }()
		}

		triggerCfg := &trigger.Config{
			Interval:      cfg.Sync.Interval,
			ProbeInterval: cfg.Sync.ProbeInterval,
			Logger:        config.NewLogger("[trigger] ", cfg.Logging),
		}
		if cfg.Remote.BaseURL != "" {
			triggerCfg.Prober = &trigger.HTTPProber{URL: cfg.Remote.BaseURL}
		}
		if br != nil {
			srv := br
			triggerCfg.OnProgress = srv.BroadcastProgress
			triggerCfg.OnComplete = func(res engine.Result, err error) {
				srv.BroadcastComplete(res, err)
				if pending, cErr := st.PendingCount(context.Background()); cErr == nil {
					srv.BroadcastPendingCount(pending)
				}
			}
		}

		mgr, err := trigger.New(eng, st, triggerCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating trigger manager: %v\n", err)
			os.Exit(1)
		}
		if err := mgr.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting trigger manager: %v\n", err)
			os.Exit(1)
		}
		defer mgr.Stop()

		importer, err := spool.New(st, cfg.SpoolDir, &spool.Config{
			Logger: config.NewLogger("[spool] ", cfg.Logging),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating spool importer: %v\n", err)
			os.Exit(1)
		}
		if err := importer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting spool importer: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = importer.Stop() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Merge view with realtime subscription; runs until shutdown.
		feedCfg := feed.Config{
			Store:  st,
			Table:  client,
			Logger: config.NewLogger("[feed] ", cfg.Logging),
		}
		if cfg.Remote.RealtimeURL != "" {
			rt, err := remote.NewWSRealtime(cfg.Remote.RealtimeURL, auth,
				config.NewLogger("[realtime] ", cfg.Logging))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating realtime subscriber: %v\n", err)
				os.Exit(1)
			}
			feedCfg.Realtime = rt
		}
		view, err := feed.New(feedCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating merge view: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("fieldsync daemon running (store=%s spool=%s)\n", cfg.DBPath, cfg.SpoolDir)
		fmt.Println("Press Ctrl+C to stop")

		// Kick an initial pass for anything queued while the daemon was down.
		mgr.RequestSync(false)

		if err := view.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Feed stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
