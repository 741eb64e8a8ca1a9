// Package engine implements the upload-and-insert protocol that moves locally
// queued incident reports to the remote backend.
//
// The engine is pure orchestration: it reads due reports from the durable
// store, uploads attached media, inserts rows remotely and writes status and
// retry bookkeeping back. It guarantees at most one sync pass in flight
// process-wide; a concurrent caller gets ErrSyncInProgress and must treat it
// as a no-op.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fieldsync/fieldsync/internal/backoff"
	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/store"
)

// ErrSyncInProgress is returned when a sync pass is already executing.
// Triggers drop the duplicate request; the next tick or mutation catches
// remaining work.
var ErrSyncInProgress = errors.New("engine: sync already in progress")

// Outcome classifies one report's fate within a pass.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Progress is emitted once per report so an observer can reflect live
// status without polling the store.
type Progress struct {
	ReportID string
	Outcome  Outcome
	Err      error

	// Attempted counts reports processed so far in this pass.
	Attempted int
	// Total is the unsynced count observed at the start of the pass, the
	// same denominator for every outcome within one pass.
	Total int
}

// Options configures a single sync pass.
type Options struct {
	// Force bypasses the retry backoff gate, attempting every unsynced
	// report regardless of next_retry_at.
	Force bool

	// Now overrides the clock, for deterministic tests. Nil means time.Now.
	Now func() time.Time

	// OnProgress receives one event per completed, failed or skipped
	// report. May be nil.
	OnProgress func(Progress)
}

// Result summarizes a sync pass.
type Result struct {
	// Attempted is the number of reports an upload was tried for.
	Attempted int
	// Completed is the number of reports that reached synced status.
	Completed int
	// TotalPending is the unsynced count observed at the start of the pass.
	TotalPending int
}

// Engine orchestrates sync passes over a durable store and a remote client.
type Engine struct {
	store  *store.Store
	table  remote.TableClient
	blobs  remote.BlobClient
	auth   remote.AuthProvider
	policy backoff.Policy
	logger *log.Logger

	running atomic.Bool
}

// New creates a sync engine. The store must be open and migrated.
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, table remote.TableClient, blobs remote.BlobClient, auth remote.AuthProvider, logger *log.Logger) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if table == nil {
		return nil, fmt.Errorf("table client cannot be nil")
	}
	if auth == nil {
		return nil, fmt.Errorf("auth provider cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:  st,
		table:  table,
		blobs:  blobs,
		auth:   auth,
		policy: backoff.Sync(),
		logger: logger,
	}, nil
}

// Running reports whether a sync pass is currently executing.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Sync performs one pass over the unsynced reports.
//
// Reports are processed strictly sequentially in capture order. An empty due
// set returns immediately without touching the remote backend. A failure on
// one report does not abort the batch; cancellation does, and is returned as
// the context error rather than a generic failure.
func (e *Engine) Sync(ctx context.Context, opts Options) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer e.running.Store(false)

	if !e.auth.Auth().Usable() {
		return Result{}, remote.ErrUnauthenticated
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	unsynced, err := e.store.QueryStatus(ctx, report.StatusLocal, report.StatusPending, report.StatusFailed)
	if err != nil {
		return Result{}, fmt.Errorf("failed to query unsynced reports: %w", err)
	}

	res := Result{TotalPending: len(unsynced)}

	var due []*report.IncidentReport
	for _, r := range unsynced {
		if backoff.Due(r.NextRetryAt, now(), opts.Force) {
			due = append(due, r)
			continue
		}
		emit(opts.OnProgress, Progress{ReportID: r.ID, Outcome: OutcomeSkipped, Total: len(unsynced)})
	}

	if len(due) == 0 {
		return res, nil
	}

	e.logger.Printf("Sync pass: %d due of %d pending (force=%v)", len(due), len(unsynced), opts.Force)

	for _, r := range due {
		// A set cancellation signal aborts the remaining batch before
		// any further mutation.
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempted++
		if err := e.attempt(ctx, r, now); err != nil {
			if isCancellation(err) {
				return res, err
			}
			e.logger.Printf("Report %s failed (attempt %d): %v", r.ID, r.RetryCount+1, err)
			emit(opts.OnProgress, Progress{
				ReportID: r.ID, Outcome: OutcomeFailed, Err: err,
				Attempted: res.Attempted, Total: len(unsynced),
			})
			continue
		}

		res.Completed++
		emit(opts.OnProgress, Progress{
			ReportID: r.ID, Outcome: OutcomeCompleted,
			Attempted: res.Attempted, Total: len(unsynced),
		})
	}

	e.logger.Printf("Sync pass complete: attempted=%d completed=%d pending=%d",
		res.Attempted, res.Completed, res.TotalPending)

	return res, nil
}

// attempt uploads and inserts a single report, writing status transitions
// back to the store. Claiming sets pending + last_attempt_at; success lands
// synced and clears retry bookkeeping; failure lands failed and schedules
// the next retry. Cancellation is propagated without any store write.
func (e *Engine) attempt(ctx context.Context, r *report.IncidentReport, now func() time.Time) error {
	attemptAt := now().UTC()

	pending := report.StatusPending
	if err := e.store.Update(ctx, r.ID, store.Patch{
		Status:        &pending,
		LastAttemptAt: &attemptAt,
	}); err != nil {
		// A local storage failure leaves the report in its prior status
		// for the next pass.
		return fmt.Errorf("failed to claim report: %w", err)
	}

	imageURL, err := e.resolvePhoto(ctx, r, attemptAt)
	if err == nil {
		row := remote.Row{
			IncidentType: string(r.Type),
			Severity:     r.Severity,
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			LocalID:      r.ID,
			ImageURL:     imageURL,
			CreatedAt:    r.CreatedAt,
			OccurredAt:   r.OccurredAt,
			Description:  r.Description,
			ReportedBy:   r.ReportedBy,
		}
		err = e.table.InsertIncident(ctx, row)
		if remote.IsDuplicate(err) {
			// The row already exists remotely; a previous attempt
			// succeeded before the local status landed.
			e.logger.Printf("Report %s already present remotely, treating as synced", r.ID)
			err = nil
		}
	}

	if err != nil {
		if isCancellation(err) {
			return err
		}
		return e.recordFailure(ctx, r, attemptAt, err)
	}

	synced := report.StatusSynced
	zero := 0
	patch := store.Patch{
		Status:           &synced,
		RetryCount:       &zero,
		ClearNextRetryAt: true,
	}
	if imageURL != "" && imageURL != r.Photo {
		patch.Photo = &imageURL
	}
	if err := e.store.Update(ctx, r.ID, patch); err != nil {
		// The remote insert landed; the duplicate-key path makes the
		// retry on the next pass harmless.
		return fmt.Errorf("failed to mark report synced: %w", err)
	}
	return nil
}

// recordFailure increments retry bookkeeping and schedules the next attempt.
func (e *Engine) recordFailure(ctx context.Context, r *report.IncidentReport, attemptAt time.Time, cause error) error {
	failed := report.StatusFailed
	retries := r.RetryCount + 1
	nextRetry := e.policy.NextRetryAt(attemptAt, retries)

	if err := e.store.Update(ctx, r.ID, store.Patch{
		Status:      &failed,
		RetryCount:  &retries,
		NextRetryAt: &nextRetry,
	}); err != nil {
		e.logger.Printf("Failed to record failure for %s: %v", r.ID, err)
	}
	return cause
}

// resolvePhoto returns the public image URL for the report, uploading inline
// image data to the blob store when needed. A photo that is already a URL is
// passed through without a second upload.
func (e *Engine) resolvePhoto(ctx context.Context, r *report.IncidentReport, attemptAt time.Time) (string, error) {
	if r.Photo == "" {
		return "", nil
	}
	if r.PhotoIsRemote() {
		return r.Photo, nil
	}
	if e.blobs == nil {
		return "", fmt.Errorf("report carries inline photo but no blob store is configured")
	}

	data, contentType, ext, err := decodeInlinePhoto(r.Photo)
	if err != nil {
		return "", fmt.Errorf("failed to decode inline photo: %w", err)
	}

	name := fmt.Sprintf("%s_%d%s", r.ID, attemptAt.UnixMilli(), ext)
	url, err := e.blobs.Upload(ctx, name, data, contentType)
	if err != nil {
		return "", fmt.Errorf("failed to upload photo: %w", err)
	}
	return url, nil
}

// decodeInlinePhoto parses either a data URI (data:image/png;base64,...) or
// bare base64 image bytes.
func decodeInlinePhoto(photo string) (data []byte, contentType, ext string, err error) {
	contentType = "image/jpeg"
	ext = ".jpg"
	payload := photo

	if strings.HasPrefix(photo, "data:") {
		rest := strings.TrimPrefix(photo, "data:")
		meta, b64, ok := strings.Cut(rest, ",")
		if !ok {
			return nil, "", "", fmt.Errorf("malformed data URI")
		}
		payload = b64
		meta = strings.TrimSuffix(meta, ";base64")
		if meta != "" {
			contentType = meta
		}
		switch contentType {
		case "image/png":
			ext = ".png"
		case "image/gif":
			ext = ".gif"
		case "image/webp":
			ext = ".webp"
		}
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", "", fmt.Errorf("invalid base64 image data: %w", err)
	}
	return data, contentType, ext, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func emit(fn func(Progress), p Progress) {
	if fn != nil {
		fn(p)
	}
}
