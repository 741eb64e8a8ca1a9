// Package feed maintains the merged incident view: the latest confirmed
// remote rows reconciled with the unsynced subset of the local store into one
// deduplicated, time-ordered feed.
//
// The view owns no durable state. Its remote-row cache is transient, rebuilt
// on reconnect, and never persisted.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldsync/fieldsync/internal/backoff"
	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/store"
)

// View reconciles the remote confirmed-incident stream with local pending
// reports.
type View struct {
	store  *store.Store
	table  remote.TableClient
	rt     remote.Realtime
	policy backoff.Policy
	logger *log.Logger

	mu   sync.Mutex
	rows []remote.Row // newest first

	fetching atomic.Bool

	// onChange, when set, is invoked after every remote cache update.
	onChange func()
}

// Config holds configuration for the merge view.
type Config struct {
	// Store supplies the local unsynced reports. Required.
	Store *store.Store

	// Table is used for the initial and recovery fetches. Required.
	Table remote.TableClient

	// Realtime delivers live INSERT events. Optional; without it the view
	// only refreshes via fetch.
	Realtime remote.Realtime

	// OnChange is called after each remote cache update. Optional.
	OnChange func()

	// Logger for view activity. If nil, a stderr logger is used.
	Logger *log.Logger
}

// New creates a merge view.
func New(cfg Config) (*View, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Table == nil {
		return nil, fmt.Errorf("table client cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}
	return &View{
		store:    cfg.Store,
		table:    cfg.Table,
		rt:       cfg.Realtime,
		policy:   backoff.Fetch(),
		logger:   cfg.Logger,
		onChange: cfg.OnChange,
	}, nil
}

// FetchWithRetry loads the confirmed rows, retrying with exponential backoff
// (base 1s, cap 60s, uncapped attempts) until it succeeds or ctx is
// cancelled. Only one fetch runs at a time; a re-entrant call is a no-op.
func (v *View) FetchWithRetry(ctx context.Context) error {
	if !v.fetching.CompareAndSwap(false, true) {
		return nil
	}
	defer v.fetching.Store(false)

	for attempt := 0; ; attempt++ {
		rows, err := v.table.ListIncidents(ctx)
		if err == nil {
			v.setRows(rows)
			v.logger.Printf("Fetched %d remote incidents", len(rows))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := v.policy.Delay(attempt)
		v.logger.Printf("Fetch attempt %d failed: %v (retrying in %v)", attempt+1, err, delay)
		if !wait(ctx, delay) {
			return ctx.Err()
		}
	}
}

// healthySubscription is how long a subscription must stay up before the
// reconnect backoff resets.
const healthySubscription = 30 * time.Second

// Run drives the view: fetch with retry, then hold the realtime subscription,
// re-entering the fetch path whenever the subscription drops. Reconnects are
// paced by the fetch backoff policy so a dead realtime endpoint behind a
// healthy table API cannot turn the loop into a hot spin. Returns when ctx is
// cancelled.
func (v *View) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := v.FetchWithRetry(ctx); err != nil {
			return err
		}

		if v.rt == nil {
			// No realtime channel; nothing more to hold open.
			<-ctx.Done()
			return ctx.Err()
		}

		started := time.Now()
		err := v.rt.Subscribe(ctx, v.ApplyRow)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) >= healthySubscription {
			attempt = 0
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			v.logger.Printf("Realtime subscription dropped: %v (refetching)", err)
		}

		delay := v.policy.Delay(attempt)
		attempt++
		if !wait(ctx, delay) {
			return ctx.Err()
		}
	}
}

// ApplyRow folds one realtime row into the cache: an existing row with the
// same key is replaced in place, a new one is prepended. Never duplicates.
func (v *View) ApplyRow(row remote.Row) {
	v.mu.Lock()
	replaced := false
	for i := range v.rows {
		if v.rows[i].Key() == row.Key() {
			v.rows[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		v.rows = append([]remote.Row{row}, v.rows...)
	}
	v.mu.Unlock()

	if v.onChange != nil {
		v.onChange()
	}
}

// RemoteRows returns a copy of the cached confirmed rows, newest first.
func (v *View) RemoteRows() []remote.Row {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]remote.Row, len(v.rows))
	copy(out, v.rows)
	return out
}

// Snapshot recomputes the merged feed from the cached remote rows and the
// current unsynced local reports.
func (v *View) Snapshot(ctx context.Context) ([]report.Incident, error) {
	local, err := v.store.QueryStatus(ctx,
		report.StatusLocal, report.StatusPending, report.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to query local reports: %w", err)
	}
	return Merge(v.RemoteRows(), local), nil
}

func (v *View) setRows(rows []remote.Row) {
	v.mu.Lock()
	v.rows = rows
	v.mu.Unlock()

	if v.onChange != nil {
		v.onChange()
	}
}

// Merge is the pure reconciliation: confirmed remote rows unioned with the
// mapped local rows whose status is still unsynced, sorted by occurrence
// time descending. A synced local row is by definition already present as a
// confirmed remote row and is excluded. Local rows whose id already appears
// remotely (insert landed, local status not yet updated) are also excluded so
// the feed never shows the same incident twice.
func Merge(remoteRows []remote.Row, local []*report.IncidentReport) []report.Incident {
	merged := make([]report.Incident, 0, len(remoteRows)+len(local))
	seen := make(map[string]bool, len(remoteRows))

	for _, row := range remoteRows {
		merged = append(merged, row.ToIncident())
		seen[row.Key()] = true
	}

	for _, r := range local {
		if !r.Status.Unsynced() {
			continue
		}
		if seen[r.ID] {
			continue
		}
		merged = append(merged, report.FromLocal(r))
		seen[r.ID] = true
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].OccurredAt.Equal(merged[j].OccurredAt) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].OccurredAt.After(merged[j].OccurredAt)
	})

	return merged
}

// wait blocks for d or until ctx is cancelled. Returns false on cancellation.
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
