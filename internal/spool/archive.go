package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/store"
)

// ImportOptions contains configuration for a bulk archive import.
type ImportOptions struct {
	// FromJSONL is the input archive path, one report JSON object per line.
	FromJSONL string

	// DryRun parses and validates without writing to the store.
	DryRun bool
}

// ImportResult contains statistics about an archive import.
type ImportResult struct {
	Imported   int
	Duplicates int
	Errors     []string
}

// FromJSONL reads a JSONL archive and returns the parsed reports. Missing
// ids, statuses and timestamps get defaults before validation; an invalid
// record fails the whole read so a partial archive is never imported.
func FromJSONL(jsonlPath string) ([]*report.IncidentReport, error) {
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	var reports []*report.IncidentReport
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var r report.IncidentReport
		if err := decoder.Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		applyDefaults(&r)
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid report at record %d: %w", lineNum, err)
		}
		reports = append(reports, &r)
	}

	return reports, nil
}

// ImportArchive loads a JSONL archive of reports into the store. Records
// whose id is already present are counted as duplicates and skipped; other
// insert failures are collected without aborting the rest of the archive.
func ImportArchive(ctx context.Context, st *store.Store, opts ImportOptions) (*ImportResult, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	reports, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for _, r := range reports {
		if existing, err := st.Get(ctx, r.ID); err == nil && existing != nil {
			result.Duplicates++
			continue
		}
		if opts.DryRun {
			result.Imported++
			continue
		}
		if err := st.Create(ctx, r); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to import report %s: %v", r.ID, err))
			continue
		}
		result.Imported++
	}

	return result, nil
}
