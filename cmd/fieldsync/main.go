// Command fieldsync is the offline-first incident report client: it captures
// reports into a durable local queue and reconciles them with the remote
// authoritative store once connectivity allows.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first incident reporting",
	Long: `fieldsync keeps incident reports in a durable local queue and syncs
them to the remote incident store when connectivity allows.

Reports captured while offline are retried with exponential backoff; the
merged feed reconciles confirmed remote incidents with anything still
queued locally.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: built-in defaults + FIELDSYNC_* env)")
}

// loadConfig reads the effective configuration for a command invocation.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore opens and migrates the durable report store.
func openStore(cfg *config.Config) *store.Store {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening report store: %v\n", err)
		os.Exit(1)
	}
	return st
}

// buildRemote constructs the HTTP client for the remote backend.
func buildRemote(cfg *config.Config) *remote.Client {
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:    cfg.Remote.BaseURL,
		StorageURL: cfg.Remote.StorageURL,
		Auth:       remote.StaticAuth{Token: cfg.Remote.Token},
		Timeout:    cfg.Remote.Timeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating remote client: %v\n", err)
		os.Exit(1)
	}
	return client
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
