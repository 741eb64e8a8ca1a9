package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/store"
)

type fakeTable struct {
	mu        sync.Mutex
	rows      []remote.Row
	failTimes int
	calls     int
}

func (f *fakeTable) InsertIncident(ctx context.Context, row remote.Row) error {
	return errors.New("not used")
}

func (f *fakeTable) ListIncidents(ctx context.Context) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failTimes > 0 {
		f.failTimes--
		return nil, errors.New("fetch failed")
	}
	out := make([]remote.Row, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func ts(sec int) time.Time {
	return time.Date(2025, 6, 1, 0, 0, sec, 0, time.UTC)
}

func remoteRow(id string, occurred time.Time) remote.Row {
	return remote.Row{
		ID:           id,
		IncidentType: "fire",
		Severity:     3,
		OccurredAt:   occurred,
		Status:       "active",
	}
}

func localReport(t *testing.T, st *store.Store, status report.SyncStatus, occurred time.Time) *report.IncidentReport {
	t.Helper()
	r := report.New(report.TypeFire, 3, 34.05, -118.24, occurred)
	r.Status = status
	if err := st.Create(context.Background(), r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return r
}

func setupView(t *testing.T, table *fakeTable) (*View, *store.Store) {
	t.Helper()

	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	v, err := New(Config{Store: st, Table: table})
	if err != nil {
		t.Fatalf("Failed to create view: %v", err)
	}
	return v, st
}

func TestMerge(t *testing.T) {
	remoteRows := []remote.Row{remoteRow("R1", ts(10))}

	pending := report.New(report.TypeFlood, 2, 0, 0, ts(20))
	pending.ID = "L1"
	pending.Status = report.StatusPending
	synced := report.New(report.TypeFire, 1, 0, 0, ts(5))
	synced.ID = "L2"
	synced.Status = report.StatusSynced

	got := Merge(remoteRows, []*report.IncidentReport{pending, synced})

	// Synced local rows are excluded; the rest sorts newest first.
	if len(got) != 2 {
		t.Fatalf("got %d incidents, want 2", len(got))
	}
	if got[0].ID != "L1" || got[1].ID != "R1" {
		t.Errorf("order = [%s %s], want [L1 R1]", got[0].ID, got[1].ID)
	}
	if !got[0].Local {
		t.Error("pending report should be marked local")
	}
	if got[1].Local {
		t.Error("confirmed row should not be marked local")
	}
}

func TestMergeDedupesByLocalID(t *testing.T) {
	// The insert landed remotely before the local status update: the
	// confirmed row wins and the local row is suppressed.
	row := remoteRow("srv-9", ts(10))
	row.LocalID = "L1"

	local := report.New(report.TypeFire, 3, 0, 0, ts(10))
	local.ID = "L1"
	local.Status = report.StatusPending

	got := Merge([]remote.Row{row}, []*report.IncidentReport{local})
	if len(got) != 1 {
		t.Fatalf("got %d incidents, want 1", len(got))
	}
	if got[0].Local {
		t.Error("confirmed row must win over its local twin")
	}
}

func TestMergeTimestampTiebreak(t *testing.T) {
	rows := []remote.Row{remoteRow("B", ts(10)), remoteRow("A", ts(10))}

	got := Merge(rows, nil)
	if got[0].ID != "A" || got[1].ID != "B" {
		t.Errorf("tiebreak order = [%s %s], want [A B]", got[0].ID, got[1].ID)
	}
}

func TestMergeEmpty(t *testing.T) {
	if got := Merge(nil, nil); len(got) != 0 {
		t.Errorf("empty inputs should merge to an empty feed, got %v", got)
	}
}

func TestApplyRow(t *testing.T) {
	v, _ := setupView(t, &fakeTable{})

	v.ApplyRow(remoteRow("R1", ts(10)))
	v.ApplyRow(remoteRow("R2", ts(20)))

	rows := v.RemoteRows()
	if len(rows) != 2 || rows[0].ID != "R2" {
		t.Fatalf("rows = %v, want R2 prepended", rows)
	}

	// Same key again replaces in place, never duplicates.
	updated := remoteRow("R1", ts(10))
	updated.Status = "responding"
	v.ApplyRow(updated)

	rows = v.RemoteRows()
	if len(rows) != 2 {
		t.Fatalf("got %d rows after replay, want 2", len(rows))
	}
	if rows[1].Status != "responding" {
		t.Error("replayed row should replace the cached one in place")
	}
}

func TestSnapshot(t *testing.T) {
	table := &fakeTable{rows: []remote.Row{remoteRow("R1", ts(10))}}
	v, st := setupView(t, table)

	localReport(t, st, report.StatusPending, ts(20))
	localReport(t, st, report.StatusSynced, ts(5))

	if err := v.FetchWithRetry(context.Background()); err != nil {
		t.Fatalf("FetchWithRetry failed: %v", err)
	}

	got, err := v.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d incidents, want 2", len(got))
	}
	if got[0].ID == "R1" || got[1].ID != "R1" {
		t.Errorf("order = [%s %s], want pending local first", got[0].ID, got[1].ID)
	}
}

func TestFetchWithRetryRecovers(t *testing.T) {
	table := &fakeTable{
		rows:      []remote.Row{remoteRow("R1", ts(10))},
		failTimes: 2,
	}
	v, _ := setupView(t, table)

	var changes int
	v.onChange = func() { changes++ }

	start := time.Now()
	if err := v.FetchWithRetry(context.Background()); err != nil {
		t.Fatalf("FetchWithRetry failed: %v", err)
	}

	// Two failures cost 1s + 2s of backoff before the third attempt lands.
	if elapsed := time.Since(start); elapsed < 3*time.Second {
		t.Errorf("expected at least 3s of backoff, got %v", elapsed)
	}
	if table.calls != 3 {
		t.Errorf("list calls = %d, want 3", table.calls)
	}
	if len(v.RemoteRows()) != 1 {
		t.Error("rows should be cached after recovery")
	}
	if changes != 1 {
		t.Errorf("onChange fired %d times, want 1", changes)
	}
}

func TestFetchWithRetryCancelled(t *testing.T) {
	table := &fakeTable{failTimes: 1000}
	v, _ := setupView(t, table)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := v.FetchWithRetry(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if len(v.RemoteRows()) != 0 {
		t.Error("cancelled fetch must not populate the cache")
	}
}

type failingRealtime struct {
	mu    sync.Mutex
	calls int
}

func (f *failingRealtime) Subscribe(ctx context.Context, onRow func(remote.Row)) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("realtime endpoint unavailable")
}

func (f *failingRealtime) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunBacksOffOnSubscriptionDrop(t *testing.T) {
	// Table API healthy, realtime endpoint dead: the reconnect loop must
	// pace itself instead of redialing as fast as the fetch returns.
	table := &fakeTable{rows: []remote.Row{remoteRow("R1", ts(10))}}
	rt := &failingRealtime{}

	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	v, err := New(Config{Store: st, Table: table, Realtime: rt})
	if err != nil {
		t.Fatalf("Failed to create view: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := v.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run err = %v, want deadline exceeded", err)
	}

	// The first reconnect delay is a full second, so within 300ms the loop
	// gets one fetch and one subscribe attempt, then sits in the wait.
	if calls := table.calls; calls > 2 {
		t.Errorf("list calls = %d, want at most 2", calls)
	}
	if calls := rt.subscribeCalls(); calls > 2 {
		t.Errorf("subscribe calls = %d, want at most 2", calls)
	}
}

func TestFetchWithRetryReentrant(t *testing.T) {
	v, _ := setupView(t, &fakeTable{})

	// Simulate a fetch already in flight.
	v.fetching.Store(true)
	defer v.fetching.Store(false)

	if err := v.FetchWithRetry(context.Background()); err != nil {
		t.Errorf("re-entrant call should be a silent no-op, got %v", err)
	}
}
