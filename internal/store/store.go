// Package store provides the durable SQLite-backed queue of incident reports.
//
// The store is the single source of truth for anything not yet confirmed
// remotely. It runs in embedded mode with WAL for concurrent reads, and
// notifies registered observers synchronously after every committed mutation
// so the trigger layer can react without polling.
//
// Schema evolution is tracked with PRAGMA user_version. Upgrades back-fill
// defaults for pre-existing rows and run at most once per version.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldsync/fieldsync/internal/report"
)

// schemaVersion is the current PRAGMA user_version. Version 1 is the base
// reports table; version 2 added the retry bookkeeping columns.
const schemaVersion = 2

// Op identifies the kind of committed mutation an observer is told about.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
)

// Event describes one committed mutation.
type Event struct {
	Op     Op
	Report *report.IncidentReport
}

// Store wraps the SQLite connection holding the incident report queue.
type Store struct {
	conn *sql.DB
	path string

	subsMu sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// Open creates a store at the specified path, creating parent directories
// and running schema migration as needed.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".fieldsync/reports.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		subs: make(map[int]func(Event)),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps the in-memory database alive and shared.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, subs: make(map[int]func(Event))}
	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Migrate brings the schema up to the current version. It is idempotent:
// a store already at the current version is left untouched, and each
// upgrade step runs at most once per version.
func (s *Store) Migrate(ctx context.Context) error {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if version < 1 {
		base := `
		CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity INTEGER NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			occurred_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			photo TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			reported_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'local'
		);

		CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
		CREATE INDEX IF NOT EXISTS idx_reports_occurred ON reports(occurred_at);
		`
		if _, err := tx.ExecContext(ctx, base); err != nil {
			return fmt.Errorf("failed to create base schema: %w", err)
		}
	}

	if version < 2 {
		// Retry bookkeeping, back-filled with defaults for pre-existing rows.
		upgrade := `
		ALTER TABLE reports ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0;
		ALTER TABLE reports ADD COLUMN next_retry_at TEXT;
		ALTER TABLE reports ADD COLUMN last_attempt_at TEXT;

		CREATE INDEX IF NOT EXISTS idx_reports_retry ON reports(status, next_retry_at);
		`
		if _, err := tx.ExecContext(ctx, upgrade); err != nil {
			return fmt.Errorf("failed to upgrade schema to v2: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// Create inserts a new report. The report must validate; duplicate ids fail.
func (s *Store) Create(ctx context.Context, r *report.IncidentReport) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid report: %w", err)
	}

	query := `
	INSERT INTO reports (
		id, type, severity, latitude, longitude,
		occurred_at, created_at, photo, description, reported_by,
		status, retry_count, next_retry_at, last_attempt_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.conn.ExecContext(ctx, query,
		r.ID,
		string(r.Type),
		r.Severity,
		r.Latitude,
		r.Longitude,
		r.OccurredAt.UTC().Format(time.RFC3339Nano),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.Photo,
		r.Description,
		r.ReportedBy,
		string(r.Status),
		r.RetryCount,
		timeToNullString(r.NextRetryAt),
		timeToNullString(r.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", r.ID, err)
	}

	s.notify(Event{Op: OpCreate, Report: r})
	return nil
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Status        *report.SyncStatus
	Photo         *string
	RetryCount    *int
	NextRetryAt   *time.Time
	LastAttemptAt *time.Time

	// ClearNextRetryAt nulls the retry gate; it wins over NextRetryAt.
	ClearNextRetryAt bool
}

// Update applies a partial update to the report with the given id and
// notifies observers with the post-update row.
func (s *Store) Update(ctx context.Context, id string, p Patch) error {
	var sets []string
	var args []interface{}

	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("unknown status %q", *p.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.Photo != nil {
		sets = append(sets, "photo = ?")
		args = append(args, *p.Photo)
	}
	if p.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *p.RetryCount)
	}
	if p.ClearNextRetryAt {
		sets = append(sets, "next_retry_at = NULL")
	} else if p.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, p.NextRetryAt.UTC().Format(time.RFC3339Nano))
	}
	if p.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, p.LastAttemptAt.UTC().Format(time.RFC3339Nano))
	}

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE reports SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update report %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("report %s not found", id)
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload report %s: %w", id, err)
	}
	s.notify(Event{Op: OpUpdate, Report: updated})
	return nil
}

// Get retrieves a single report by id. Returns sql.ErrNoRows if absent.
func (s *Store) Get(ctx context.Context, id string) (*report.IncidentReport, error) {
	row := s.conn.QueryRowContext(ctx, selectColumns+" FROM reports WHERE id = ?", id)
	return scanReport(row)
}

// QueryStatus returns reports whose status is in the given set, oldest
// creation first so sync passes process reports in capture order.
func (s *Store) QueryStatus(ctx context.Context, statuses ...report.SyncStatus) ([]*report.IncidentReport, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	query := selectColumns + ` FROM reports
	WHERE status IN (` + strings.Join(placeholders, ", ") + `)
	ORDER BY created_at ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	return scanReports(rows)
}

// All returns every report, newest occurrence first.
func (s *Store) All(ctx context.Context) ([]*report.IncidentReport, error) {
	rows, err := s.conn.QueryContext(ctx, selectColumns+" FROM reports ORDER BY occurred_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	return scanReports(rows)
}

// PendingCount returns the number of unsynced reports. This is computable
// regardless of remote reachability.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reports WHERE status != ?", string(report.StatusSynced),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reports: %w", err)
	}
	return count, nil
}

// StatusCounts returns the per-status breakdown.
func (s *Store) StatusCounts(ctx context.Context) (map[report.SyncStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM reports GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count reports: %w", err)
	}
	defer rows.Close()

	counts := make(map[report.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[report.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// Subscribe registers an observer called synchronously after each committed
// mutation. The returned function removes the subscription.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

// notify invokes observers outside the subscription lock so a callback may
// unsubscribe itself.
func (s *Store) notify(ev Event) {
	s.subsMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

const selectColumns = `
	SELECT id, type, severity, latitude, longitude,
	       occurred_at, created_at, photo, description, reported_by,
	       status, retry_count, next_retry_at, last_attempt_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (*report.IncidentReport, error) {
	var r report.IncidentReport
	var typ, status string
	var occurredAt, createdAt string
	var nextRetryAt, lastAttemptAt sql.NullString

	err := row.Scan(
		&r.ID,
		&typ,
		&r.Severity,
		&r.Latitude,
		&r.Longitude,
		&occurredAt,
		&createdAt,
		&r.Photo,
		&r.Description,
		&r.ReportedBy,
		&status,
		&r.RetryCount,
		&nextRetryAt,
		&lastAttemptAt,
	)
	if err != nil {
		return nil, err
	}

	r.Type = report.Type(typ)
	r.Status = report.SyncStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, occurredAt); err == nil {
		r.OccurredAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	r.NextRetryAt = nullStringToTime(nextRetryAt)
	r.LastAttemptAt = nullStringToTime(lastAttemptAt)

	return &r, nil
}

func scanReports(rows *sql.Rows) ([]*report.IncidentReport, error) {
	var reports []*report.IncidentReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}
	return reports, nil
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
