// Package spool provides the drop-folder intake for incident reports.
//
// External producers write report JSON files into a spool directory. The
// importer watches the directory, validates each file after a debounce
// window, inserts it into the durable store and removes the file. Files that
// fail validation are left in place with a warning so the producer can
// inspect them.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/store"
)

// Config holds configuration for the importer.
type Config struct {
	// DebounceInterval is how long to wait before processing a file,
	// batching rapid rewrites together (default: 100ms).
	DebounceInterval time.Duration

	// Logger for importer activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Importer watches a spool directory and feeds dropped reports into the store.
type Importer struct {
	store    *store.Store
	spoolDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> queued at
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an importer for the given spool directory.
func New(st *store.Store, spoolDir string, config *Config) (*Importer, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Importer{
		store:       st,
		spoolDir:    spoolDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start drains any files already present, then begins watching. It returns
// immediately; importing runs on the importer's own goroutines until Stop.
func (im *Importer) Start() error {
	if err := os.MkdirAll(im.spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	if err := im.drainExisting(); err != nil {
		return err
	}

	if err := im.watcher.Add(im.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	im.wg.Add(2)
	go im.watchFileEvents()
	go im.processChangeQueue()

	im.config.Logger.Printf("Watching spool: %s", im.spoolDir)
	return nil
}

// Stop shuts the importer down and waits for its goroutines.
func (im *Importer) Stop() error {
	im.cancel()
	if err := im.watcher.Close(); err != nil {
		im.config.Logger.Printf("Error closing watcher: %v", err)
	}
	im.wg.Wait()
	return nil
}

// drainExisting imports files dropped before the importer started.
func (im *Importer) drainExisting() error {
	entries, err := os.ReadDir(im.spoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		im.importFile(filepath.Join(im.spoolDir, entry.Name()))
	}
	return nil
}

func (im *Importer) watchFileEvents() {
	defer im.wg.Done()

	for {
		select {
		case <-im.ctx.Done():
			return

		case event, ok := <-im.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			im.queueChange(event.Name)

		case err, ok := <-im.watcher.Errors:
			if !ok {
				return
			}
			im.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (im *Importer) queueChange(path string) {
	im.changeQueueMu.Lock()
	defer im.changeQueueMu.Unlock()
	im.changeQueue[path] = time.Now()
}

func (im *Importer) processChangeQueue() {
	defer im.wg.Done()

	ticker := time.NewTicker(im.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-im.ctx.Done():
			return
		case <-ticker.C:
			im.processPendingChanges()
		}
	}
}

func (im *Importer) processPendingChanges() {
	im.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range im.changeQueue {
		if now.Sub(queuedAt) < im.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(im.changeQueue, path)
	}
	im.changeQueueMu.Unlock()

	for _, path := range ready {
		im.importFile(path)
	}
}

// importFile reads a dropped report, inserts it into the store and removes
// the file. Invalid files stay in the spool for inspection.
func (im *Importer) importFile(path string) {
	r, err := ReadReportFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		im.config.Logger.Printf("WARNING: leaving invalid spool file %s: %v", filepath.Base(path), err)
		return
	}

	if err := im.store.Create(im.ctx, r); err != nil {
		// Duplicate drop of the same id: already in the store, discard.
		if existing, getErr := im.store.Get(im.ctx, r.ID); getErr == nil && existing != nil {
			im.config.Logger.Printf("Spool file %s duplicates report %s, discarding", filepath.Base(path), r.ID)
			_ = os.Remove(path)
			return
		}
		im.config.Logger.Printf("WARNING: failed to import %s: %v", filepath.Base(path), err)
		return
	}

	if err := os.Remove(path); err != nil {
		im.config.Logger.Printf("Failed to remove imported file %s: %v", path, err)
	}
	im.config.Logger.Printf("Imported report %s from spool", r.ID)
}

// ReadReportFile reads and validates a spooled report JSON file. Reports
// without an id, status or timestamps get defaults before validation.
func ReadReportFile(path string) (*report.IncidentReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r report.IncidentReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report file %s: %w", path, err)
	}

	applyDefaults(&r)

	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report file %s: %w", path, err)
	}
	return &r, nil
}

// WriteReportFile drops a report into the spool directory, the producer-side
// half of the intake. Used by the CLI and by tests.
func WriteReportFile(spoolDir string, r *report.IncidentReport) error {
	applyDefaults(r)
	if err := r.Validate(); err != nil {
		return fmt.Errorf("cannot spool invalid report: %w", err)
	}

	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report %s: %w", r.ID, err)
	}

	path := filepath.Join(spoolDir, r.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report file %s: %w", path, err)
	}
	return nil
}

func applyDefaults(r *report.IncidentReport) {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = report.StatusLocal
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = r.CreatedAt
	}
}
