package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/report"
)

var (
	reportType        string
	reportSeverity    int
	reportLat         float64
	reportLon         float64
	reportDescription string
	reportPhotoPath   string
	reportOccurredAt  string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Capture an incident report into the local queue",
	Long: `Capture an incident report. The report is written to the durable
local store with status "local" and picked up by the next sync pass; no
network access is required at capture time.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		occurred := time.Time{}
		if reportOccurredAt != "" {
			t, err := time.Parse(time.RFC3339, reportOccurredAt)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid --occurred-at (want RFC3339): %v\n", err)
				os.Exit(1)
			}
			occurred = t
		}

		r := report.New(report.Type(reportType), reportSeverity, reportLat, reportLon, occurred)
		r.Description = reportDescription

		if reportPhotoPath != "" {
			data, err := os.ReadFile(reportPhotoPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading photo: %v\n", err)
				os.Exit(1)
			}
			r.Photo = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
		}

		st := openStore(cfg)
		defer st.Close()

		if err := st.Create(context.Background(), r); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving report: %v\n", err)
			os.Exit(1)
		}

		pending, _ := st.PendingCount(context.Background())
		fmt.Printf("Report %s queued (%d pending)\n", r.ID, pending)
		fmt.Println("Run 'fieldsync sync' or start the daemon to upload.")
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportType, "type", "other", "incident type (fire, flood, accident, medical, hazard, other)")
	reportCmd.Flags().IntVar(&reportSeverity, "severity", 3, "severity 1-5")
	reportCmd.Flags().Float64Var(&reportLat, "lat", 0, "latitude")
	reportCmd.Flags().Float64Var(&reportLon, "lon", 0, "longitude")
	reportCmd.Flags().StringVar(&reportDescription, "description", "", "free-form description")
	reportCmd.Flags().StringVar(&reportPhotoPath, "photo", "", "path to a photo to attach")
	reportCmd.Flags().StringVar(&reportOccurredAt, "occurred-at", "", "when the incident occurred (RFC3339, default now)")
	_ = reportCmd.MarkFlagRequired("lat")
	_ = reportCmd.MarkFlagRequired("lon")
	rootCmd.AddCommand(reportCmd)
}
