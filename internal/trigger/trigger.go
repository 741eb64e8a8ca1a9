// Package trigger decides when to invoke the sync engine without thrashing.
//
// Triggers come from five places: a committed store mutation on an unsynced
// report, the offline-to-online transition, regaining the foreground, the
// recurring forced interval, and an explicit manual request. All of them
// funnel through one coalescing channel; while a pass is executing a
// duplicate trigger is dropped, not queued.
package trigger

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/engine"
	"github.com/fieldsync/fieldsync/internal/remote"
	"github.com/fieldsync/fieldsync/internal/store"
)

// SyncTag names the deferred sync request registered with the platform
// background-sync collaborator when a trigger fires while offline.
const SyncTag = "incident-sync"

// Prober answers whether the remote backend is currently reachable.
type Prober interface {
	Online(ctx context.Context) bool
}

// HTTPProber probes connectivity with a HEAD request.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Online implements Prober.
func (p *HTTPProber) Online(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Config holds configuration for the trigger manager.
type Config struct {
	// Interval is the recurring forced-sync period (default: 60s). Forced
	// passes bypass the due filter to retry reports whose backoff has not
	// elapsed but whose failure may have been environmental.
	Interval time.Duration

	// ProbeInterval is how often connectivity is re-checked (default: 15s).
	ProbeInterval time.Duration

	// Prober detects online/offline transitions. Nil assumes always online.
	Prober Prober

	// Backgrounder registers deferred syncs while offline. Optional;
	// absence degrades to foreground-only triggers.
	Backgrounder remote.Backgrounder

	// OnProgress is forwarded to every sync pass. Optional.
	OnProgress func(engine.Progress)

	// OnComplete is invoked after each pass with its result. Optional.
	OnComplete func(engine.Result, error)

	// Logger for trigger activity. If nil, a stderr logger is used.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:      60 * time.Second,
		ProbeInterval: 15 * time.Second,
		Logger:        log.New(os.Stderr, "[trigger] ", log.LstdFlags),
	}
}

type syncRequest struct {
	force  bool
	reason string
}

// Manager coalesces sync triggers and drives the engine.
type Manager struct {
	engine *engine.Engine
	store  *store.Store
	config *Config

	requests chan syncRequest

	mu     sync.Mutex
	online bool

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	started     bool
}

// New creates a trigger manager for the given engine and store.
func New(eng *engine.Engine, st *store.Store, config *Config) (*Manager, error) {
	if eng == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[trigger] ", log.LstdFlags)
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine: eng,
		store:  st,
		config: config,
		// Unbuffered: a trigger is accepted only while the run loop is
		// idle at the receive. Anything arriving during a pass is
		// dropped, never queued; the interval tick catches leftovers.
		requests: make(chan syncRequest),
		online:   true,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins observing triggers. It returns immediately; syncs run on the
// manager's own goroutines until Stop is called.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("trigger manager already started")
	}
	m.started = true
	m.mu.Unlock()

	// Seed connectivity before any trigger can fire, so a request during
	// the first probe interval while offline defers instead of running.
	if m.config.Prober != nil {
		online := m.config.Prober.Online(m.ctx)
		m.mu.Lock()
		m.online = online
		m.mu.Unlock()
	}

	m.unsubscribe = m.store.Subscribe(m.onStoreEvent)

	m.wg.Add(2)
	go m.runLoop()
	go m.intervalLoop()

	if m.config.Prober != nil {
		m.wg.Add(1)
		go m.probeLoop()
	}

	if m.config.Backgrounder != nil {
		if err := m.config.Backgrounder.RegisterPeriodicSync(SyncTag, m.config.Interval); err != nil {
			m.config.Logger.Printf("Periodic background sync unavailable: %v", err)
		}
	}

	m.config.Logger.Printf("Trigger manager started (interval=%v)", m.config.Interval)
	return nil
}

// Stop tears the manager down: the store subscription is detached, in-flight
// waits are aborted, and no state updates land from a stale attempt.
func (m *Manager) Stop() {
	m.cancel()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.wg.Wait()
	m.config.Logger.Println("Trigger manager stopped")
}

// RequestSync is the explicit manual trigger.
func (m *Manager) RequestSync(force bool) {
	m.trigger(syncRequest{force: force, reason: "manual"})
}

// Resume is the foreground-visibility-regained trigger.
func (m *Manager) Resume() {
	m.trigger(syncRequest{reason: "resume"})
}

// onStoreEvent reacts to committed store mutations. Only reports that still
// need syncing schedule work; engine-driven transitions to synced do not.
func (m *Manager) onStoreEvent(ev store.Event) {
	if ev.Report == nil || !ev.Report.Status.Unsynced() {
		return
	}
	m.trigger(syncRequest{reason: "mutation"})
}

// trigger routes a request: online requests coalesce into the run loop,
// offline ones register a deferred background sync instead.
func (m *Manager) trigger(req syncRequest) {
	if m.ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	online := m.online
	m.mu.Unlock()

	if !online {
		m.deferSync(req.reason)
		return
	}

	select {
	case m.requests <- req:
	default:
		// The run loop is busy with a pass; drop, don't queue.
	}
}

// deferSync registers a one-off platform sync for when connectivity returns.
func (m *Manager) deferSync(reason string) {
	if m.config.Backgrounder == nil {
		m.config.Logger.Printf("Offline (%s): no background sync support, waiting for reconnect", reason)
		return
	}
	if err := m.config.Backgrounder.RegisterOneOffSync(SyncTag); err != nil {
		m.config.Logger.Printf("Failed to register deferred sync: %v", err)
		return
	}
	m.config.Logger.Printf("Offline (%s): deferred sync registered", reason)
}

// runLoop executes coalesced sync requests one at a time.
func (m *Manager) runLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case req := <-m.requests:
			m.runSync(req)
		}
	}
}

func (m *Manager) runSync(req syncRequest) {
	res, err := m.engine.Sync(m.ctx, engine.Options{
		Force:      req.force,
		OnProgress: m.config.OnProgress,
	})
	switch {
	case errors.Is(err, engine.ErrSyncInProgress):
		// Duplicate trigger; the running pass covers it.
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		m.config.Logger.Printf("Sync (%s) failed: %v", req.reason, err)
	default:
		if res.Attempted > 0 {
			m.config.Logger.Printf("Sync (%s): attempted=%d completed=%d pending=%d",
				req.reason, res.Attempted, res.Completed, res.TotalPending)
		}
	}
	if m.config.OnComplete != nil {
		m.config.OnComplete(res, err)
	}
}

// intervalLoop issues the recurring forced sync.
func (m *Manager) intervalLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.trigger(syncRequest{force: true, reason: "interval"})
		}
	}
}

// probeLoop watches for the offline-to-online transition and fires an
// immediate sync when connectivity returns.
func (m *Manager) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			online := m.config.Prober.Online(m.ctx)

			m.mu.Lock()
			wasOnline := m.online
			m.online = online
			m.mu.Unlock()

			if online && !wasOnline {
				m.config.Logger.Println("Back online")
				m.trigger(syncRequest{reason: "online"})
			}
		}
	}
}
