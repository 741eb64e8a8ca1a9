package trigger

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/store"
)

type fakeTable struct {
	mu          sync.Mutex
	insertHook  func() error
	insertCalls int
}

func (f *fakeTable) InsertIncident(ctx context.Context, row remote.Row) error {
	f.mu.Lock()
	f.insertCalls++
	hook := f.insertHook
	f.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

func (f *fakeTable) ListIncidents(ctx context.Context) ([]remote.Row, error) {
	return nil, nil
}

func (f *fakeTable) inserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertCalls
}

type fakeBackgrounder struct {
	mu       sync.Mutex
	oneOff   []string
	periodic []string
}

func (f *fakeBackgrounder) RegisterOneOffSync(tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oneOff = append(f.oneOff, tag)
	return nil
}

func (f *fakeBackgrounder) RegisterPeriodicSync(tag string, minInterval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periodic = append(f.periodic, tag)
	return nil
}

func (f *fakeBackgrounder) oneOffCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.oneOff)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func setupManager(t *testing.T, config *Config) (*Manager, *store.Store, *fakeTable) {
	t.Helper()

	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	table := &fakeTable{}
	eng, err := engine.New(st, table, nil, remote.StaticAuth{Token: "t"}, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if config == nil {
		config = &Config{}
	}
	if config.Interval == 0 {
		// Keep the recurring forced pass out of short tests.
		config.Interval = time.Hour
	}
	config.Logger = quietLogger()

	mgr, err := New(eng, st, config)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return mgr, st, table
}

func createLocalReport(t *testing.T, st *store.Store) *report.IncidentReport {
	t.Helper()
	r := report.New(report.TypeHazard, 2, 48.85, 2.35, time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC))
	if err := st.Create(context.Background(), r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return r
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestMutationTriggersSync(t *testing.T) {
	mgr, st, table := setupManager(t, nil)
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	// Give the run loop time to park at its receive.
	time.Sleep(50 * time.Millisecond)

	r := createLocalReport(t, st)

	if !waitFor(t, 3*time.Second, func() bool { return table.inserts() == 1 }) {
		t.Fatal("store mutation did not trigger a sync pass")
	}
	if !waitFor(t, 3*time.Second, func() bool {
		got, err := st.Get(context.Background(), r.ID)
		return err == nil && got.Status == report.StatusSynced
	}) {
		t.Error("report did not reach synced status")
	}
}

func TestSyncedMutationDoesNotTrigger(t *testing.T) {
	mgr, st, table := setupManager(t, nil)
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	// A row landing as synced is the engine's own write; reacting to it
	// would loop forever.
	r := report.New(report.TypeFire, 1, 0, 0, time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC))
	r.Status = report.StatusSynced
	if err := st.Create(context.Background(), r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := table.inserts(); got != 0 {
		t.Errorf("insert calls = %d, want 0", got)
	}
}

func TestResumeTriggersSync(t *testing.T) {
	mgr, st, table := setupManager(t, nil)

	// Queue the report before the manager observes the store, so only the
	// explicit resume can pick it up.
	createLocalReport(t, st)

	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	// Give the run loop time to park at its receive.
	time.Sleep(50 * time.Millisecond)

	mgr.Resume()

	if !waitFor(t, 3*time.Second, func() bool { return table.inserts() == 1 }) {
		t.Fatal("resume did not trigger a sync pass")
	}
}

func TestCoalescing(t *testing.T) {
	var passMu sync.Mutex
	passes := 0
	mgr, st, table := setupManager(t, &Config{
		OnComplete: func(engine.Result, error) {
			passMu.Lock()
			passes++
			passMu.Unlock()
		},
	})

	createLocalReport(t, st)

	release := make(chan struct{})
	blocked := make(chan struct{}, 1)
	table.insertHook = func() error {
		select {
		case blocked <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	// Give the run loop time to park at its receive.
	time.Sleep(50 * time.Millisecond)

	mgr.RequestSync(false)
	<-blocked

	// Triggers arriving while the pass runs are dropped, never queued:
	// no follow-up pass starts after the burst.
	for i := 0; i < 10; i++ {
		mgr.RequestSync(false)
	}
	close(release)

	if !waitFor(t, 3*time.Second, func() bool {
		passMu.Lock()
		defer passMu.Unlock()
		return passes >= 1
	}) {
		t.Fatal("pass never completed")
	}

	time.Sleep(300 * time.Millisecond)
	passMu.Lock()
	gotPasses := passes
	passMu.Unlock()
	if gotPasses != 1 {
		t.Errorf("engine passes = %d, want 1", gotPasses)
	}
	if got := table.inserts(); got != 1 {
		t.Errorf("insert calls = %d, want 1", got)
	}
}

func TestOfflineDefersSync(t *testing.T) {
	bg := &fakeBackgrounder{}
	mgr, st, table := setupManager(t, &Config{Backgrounder: bg})

	createLocalReport(t, st)

	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	mgr.mu.Lock()
	mgr.online = false
	mgr.mu.Unlock()

	mgr.RequestSync(false)

	if !waitFor(t, time.Second, func() bool { return bg.oneOffCount() == 1 }) {
		t.Fatal("offline trigger did not register a deferred sync")
	}
	if bg.oneOff[0] != SyncTag {
		t.Errorf("deferred sync tag = %q, want %q", bg.oneOff[0], SyncTag)
	}
	if table.inserts() != 0 {
		t.Error("offline trigger must not run a pass")
	}
}

type fakeProber struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeProber) Online(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func TestStartSeedsConnectivityFromProbe(t *testing.T) {
	bg := &fakeBackgrounder{}
	mgr, st, table := setupManager(t, &Config{
		Prober:        &fakeProber{online: false},
		ProbeInterval: time.Hour,
		Backgrounder:  bg,
	})

	createLocalReport(t, st)

	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	// The manager knows it is offline before the first probe tick: a
	// trigger fired right after startup defers instead of running.
	mgr.RequestSync(false)

	if !waitFor(t, time.Second, func() bool { return bg.oneOffCount() == 1 }) {
		t.Fatal("startup trigger while offline did not defer")
	}
	if table.inserts() != 0 {
		t.Error("offline startup trigger must not run a pass")
	}
}

func TestStopDetachesObservers(t *testing.T) {
	mgr, st, table := setupManager(t, nil)
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	mgr.Stop()

	// Mutations after shutdown must not start passes.
	createLocalReport(t, st)
	time.Sleep(200 * time.Millisecond)
	if got := table.inserts(); got != 0 {
		t.Errorf("insert calls after Stop = %d, want 0", got)
	}
}

func TestStartTwice(t *testing.T) {
	mgr, _, _ := setupManager(t, nil)
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	if err := mgr.Start(); err == nil {
		t.Error("second Start should fail")
	}
}
