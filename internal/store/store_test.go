package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldsync/fieldsync/internal/report"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	st, err := OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestReport(t *testing.T) *report.IncidentReport {
	t.Helper()
	return report.New(report.TypeFlood, 2, 51.5072, -0.1276, time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
}

func TestCreateAndGet(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	r := newTestReport(t)
	r.Photo = "data:image/jpeg;base64,aGk="
	r.Description = "river over the banks"

	if err := st.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := st.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != r.ID || got.Type != r.Type || got.Severity != r.Severity {
		t.Errorf("roundtrip mismatch: got %+v", got)
	}
	if got.Status != report.StatusLocal {
		t.Errorf("status = %q, want %q", got.Status, report.StatusLocal)
	}
	if got.Photo != r.Photo {
		t.Errorf("photo = %q, want %q", got.Photo, r.Photo)
	}
	if !got.OccurredAt.Equal(r.OccurredAt) {
		t.Errorf("occurred_at = %v, want %v", got.OccurredAt, r.OccurredAt)
	}
	if got.RetryCount != 0 || got.NextRetryAt != nil || got.LastAttemptAt != nil {
		t.Errorf("fresh report should carry zeroed retry bookkeeping: %+v", got)
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	st := setupStore(t)

	r := newTestReport(t)
	r.Severity = 9
	if err := st.Create(context.Background(), r); err == nil {
		t.Error("expected validation error for severity 9")
	}
}

func TestCreateDuplicateID(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	r := newTestReport(t)
	if err := st.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := st.Create(ctx, r); err == nil {
		t.Error("expected duplicate id to fail")
	}
}

func TestUpdatePartial(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	r := newTestReport(t)
	if err := st.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	failed := report.StatusFailed
	retries := 2
	next := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	attempt := time.Date(2025, 6, 1, 8, 59, 58, 0, time.UTC)
	err := st.Update(ctx, r.ID, Patch{
		Status:        &failed,
		RetryCount:    &retries,
		NextRetryAt:   &next,
		LastAttemptAt: &attempt,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := st.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != report.StatusFailed || got.RetryCount != 2 {
		t.Errorf("got status=%q retries=%d", got.Status, got.RetryCount)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(next) {
		t.Errorf("next_retry_at = %v, want %v", got.NextRetryAt, next)
	}
	if got.Description != r.Description {
		t.Error("untouched fields must survive a partial update")
	}

	// Success path: clear the gate, keep everything else.
	synced := report.StatusSynced
	zero := 0
	err = st.Update(ctx, r.ID, Patch{Status: &synced, RetryCount: &zero, ClearNextRetryAt: true})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = st.Get(ctx, r.ID)
	if got.Status != report.StatusSynced || got.RetryCount != 0 || got.NextRetryAt != nil {
		t.Errorf("after success patch: %+v", got)
	}
}

func TestUpdateMissingReport(t *testing.T) {
	st := setupStore(t)

	pending := report.StatusPending
	if err := st.Update(context.Background(), "no-such-id", Patch{Status: &pending}); err == nil {
		t.Error("expected error updating a missing report")
	}
}

func TestQueryStatus(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	statuses := []report.SyncStatus{
		report.StatusLocal, report.StatusFailed, report.StatusSynced, report.StatusPending,
	}
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	var ids []string
	for i, s := range statuses {
		r := newTestReport(t)
		r.Status = s
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := st.Create(ctx, r); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, r.ID)
	}

	unsynced, err := st.QueryStatus(ctx, report.StatusLocal, report.StatusPending, report.StatusFailed)
	if err != nil {
		t.Fatalf("QueryStatus failed: %v", err)
	}
	if len(unsynced) != 3 {
		t.Fatalf("got %d unsynced reports, want 3", len(unsynced))
	}
	// Capture order: oldest created_at first.
	wantOrder := []string{ids[0], ids[1], ids[3]}
	for i, r := range unsynced {
		if r.ID != wantOrder[i] {
			t.Errorf("position %d: got %s, want %s", i, r.ID, wantOrder[i])
		}
	}

	none, err := st.QueryStatus(ctx)
	if err != nil || none != nil {
		t.Errorf("empty status set should return nothing, got %v, %v", none, err)
	}
}

func TestPendingCount(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	for _, s := range []report.SyncStatus{report.StatusLocal, report.StatusFailed, report.StatusSynced} {
		r := newTestReport(t)
		r.Status = s
		if err := st.Create(ctx, r); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	pending, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}

	counts, err := st.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts failed: %v", err)
	}
	if counts[report.StatusSynced] != 1 || counts[report.StatusLocal] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestSubscribe(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	var events []Event
	unsubscribe := st.Subscribe(func(ev Event) {
		events = append(events, ev)
	})

	r := newTestReport(t)
	if err := st.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Notification is synchronous: it must have landed already.
	if len(events) != 1 || events[0].Op != OpCreate || events[0].Report.ID != r.ID {
		t.Fatalf("after create: events = %+v", events)
	}

	pending := report.StatusPending
	if err := st.Update(ctx, r.ID, Patch{Status: &pending}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(events) != 2 || events[1].Op != OpUpdate {
		t.Fatalf("after update: events = %+v", events)
	}
	if events[1].Report.Status != report.StatusPending {
		t.Error("update event must carry the post-update row")
	}

	unsubscribe()
	if err := st.Update(ctx, r.ID, Patch{Status: &pending}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(events) != 2 {
		t.Error("unsubscribed observer must not be notified")
	}
}

// TestMigrateBackfill builds a version-1 database by hand, then verifies the
// upgrade back-fills retry defaults for pre-existing rows and is idempotent.
func TestMigrateBackfill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")

	raw, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("Failed to open raw database: %v", err)
	}

	v1 := `
	CREATE TABLE reports (
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
	`
	if _, err := raw.Exec(v1); err != nil {
		t.Fatalf("Failed to create v1 schema: %v", err)
	}
	if _, err := raw.Exec(
		`INSERT INTO reports (id, type, severity, latitude, longitude, occurred_at, created_at, status)
		 VALUES ('old-1', 'fire', 3, 1.0, 2.0, '2025-05-01T00:00:00Z', '2025-05-01T00:00:00Z', 'local')`,
	); err != nil {
		t.Fatalf("Failed to insert v1 row: %v", err)
	}
	if _, err := raw.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("Failed to set v1 version: %v", err)
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("Failed to close raw database: %v", err)
	}

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open (with migration) failed: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	got, err := st.Get(ctx, "old-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RetryCount != 0 || got.NextRetryAt != nil || got.LastAttemptAt != nil {
		t.Errorf("v1 row should be back-filled with defaults: %+v", got)
	}

	// Mutate the bookkeeping, then run the migration again; the second run
	// must not touch rows already carrying retry state.
	retries := 5
	if err := st.Update(ctx, "old-1", Patch{RetryCount: &retries}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	got, _ = st.Get(ctx, "old-1")
	if got.RetryCount != 5 {
		t.Errorf("retry_count = %d after re-migration, want 5", got.RetryCount)
	}
}
