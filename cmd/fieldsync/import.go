package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/spool"
)

var importDryRun bool

var importCmd = &cobra.Command{
	Use:   "import <archive.jsonl>",
	Short: "Bulk-import a JSONL archive of reports into the local queue",
	Long: `Load reports from a JSONL archive (one report object per line) into
the local queue. Records whose id is already in the store are skipped.
Imported reports enter as local and are picked up by the next sync pass.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		res, err := spool.ImportArchive(context.Background(), st, spool.ImportOptions{
			FromJSONL: args[0],
			DryRun:    importDryRun,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
			os.Exit(1)
		}

		for _, msg := range res.Errors {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", msg)
		}
		if importDryRun {
			fmt.Printf("Dry run: %d importable, %d duplicates\n", res.Imported, res.Duplicates)
			return
		}
		fmt.Printf("Imported %d reports (%d duplicates skipped)\n", res.Imported, res.Duplicates)

		pending, err := st.PendingCount(context.Background())
		if err == nil {
			fmt.Printf("%d reports pending sync\n", pending)
		}
	},
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "parse and validate without writing to the store")
	rootCmd.AddCommand(importCmd)
}
