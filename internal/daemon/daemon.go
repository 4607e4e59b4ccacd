package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/feedsync/internal/dashboard"
	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/reconcile"
	"github.com/mschirtzinger/feedsync/internal/scheduler"
	"github.com/mschirtzinger/feedsync/internal/store/db"
)

// Scheduler keys of the daemon's periodic jobs.
const (
	SyncJobKey    = "periodic-sync"
	PollJobKey    = "poll-feeds"
	CleanupJobKey = "cleanup"
)

// Config holds configuration for the daemon.
type Config struct {
	// InboxDir is watched for batch files (empty = no inbox)
	InboxDir string

	// DebounceInterval is how long a file must stay quiet before it is ingested
	DebounceInterval time.Duration

	// SyncSchedule is the cron spec of periodic sync cycles (empty = none)
	SyncSchedule string

	// PollSchedule is the cron spec of feed polls (empty = none)
	PollSchedule string

	// CleanupSchedule is the cron spec of stale-mark and retention cleanup
	CleanupSchedule string

	// SyncConstraints gate periodic sync cycles
	SyncConstraints scheduler.Constraints

	// StatsInterval throttles store_changed broadcasts
	StatsInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		SyncSchedule:     "@every 1h",
		PollSchedule:     "@every 30m",
		CleanupSchedule:  "@daily",
		SyncConstraints:  scheduler.Constraints{Network: scheduler.NetworkConnected},
		StatsInterval:    time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Deps are the components the daemon drives. Poller and Dashboard are optional.
type Deps struct {
	Store     *db.DB
	Engine    *reconcile.Engine
	Ingester  *ingest.Ingester
	Poller    *ingest.Poller
	Scheduler *scheduler.Scheduler
	Dashboard *dashboard.Handler
}

// Daemon runs periodic sync, feed polling, inbox ingestion and cleanup.
type Daemon struct {
	deps   Deps
	config *Config
	logger *log.Logger

	watcher       *InboxWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon. Use Start to run it.
func New(deps Deps, config *Config) (*Daemon, error) {
	if deps.Store == nil || deps.Engine == nil || deps.Ingester == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("store, engine, ingester and scheduler are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		deps:        deps,
		config:      config,
		logger:      config.Logger,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled.
//
// On startup it ingests files already in the inbox and runs one sync
// cycle; afterwards work is driven by the schedules and inbox events.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	if d.deps.Dashboard != nil {
		d.deps.Engine.AddObserver(d.deps.Dashboard.OnStatus)
	}

	if err := d.registerJobs(); err != nil {
		return err
	}

	if d.config.InboxDir != "" {
		if err := os.MkdirAll(d.config.InboxDir, 0o755); err != nil {
			return fmt.Errorf("failed to create inbox: %w", err)
		}
		w, err := NewInboxWatcher()
		if err != nil {
			return err
		}
		if err := w.Start(d.config.InboxDir); err != nil {
			return err
		}
		d.watcher = w
		d.logger.Printf("Watching inbox: %s", d.config.InboxDir)

		d.ProcessInbox()

		d.wg.Add(2)
		go d.watchInbox()
		go d.processChangeQueue()
	}

	d.wg.Add(1)
	go d.watchStore()

	d.deps.Scheduler.Start()
	// Cron only fires after a full interval, so run the first sync now. It
	// shares the periodic key: a cron firing before it runs replaces it.
	if err := d.deps.Scheduler.Submit(SyncJobKey, d.config.SyncConstraints, 0, d.syncJob); err != nil {
		d.logger.Printf("Warning: failed to schedule initial sync: %v", err)
	}

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Println("Stopping daemon")
		d.cancel()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Printf("Error closing watcher: %v", err)
			}
		}
		d.deps.Scheduler.Stop()
		d.wg.Wait()

		d.logger.Println("Daemon stopped")
	})
	return nil
}

func (d *Daemon) registerJobs() error {
	s := d.deps.Scheduler
	if spec := d.config.SyncSchedule; spec != "" {
		if err := s.Every(spec, SyncJobKey, d.config.SyncConstraints, d.syncJob); err != nil {
			return err
		}
	}
	if spec := d.config.PollSchedule; spec != "" && d.deps.Poller != nil {
		poll := scheduler.Constraints{Network: scheduler.NetworkConnected}
		if err := s.Every(spec, PollJobKey, poll, d.pollJob); err != nil {
			return err
		}
	}
	if spec := d.config.CleanupSchedule; spec != "" {
		if err := s.Every(spec, CleanupJobKey, scheduler.Constraints{}, d.cleanupJob); err != nil {
			return err
		}
	}
	return nil
}

// syncJob runs one cycle. Outside a chain there is nothing to do.
func (d *Daemon) syncJob(ctx context.Context) error {
	report, err := d.deps.Engine.Cycle(ctx)
	if errors.Is(err, reconcile.ErrNotConfigured) {
		return nil
	}
	if d.deps.Dashboard != nil {
		d.deps.Dashboard.OnCycle(report, err)
	}
	if err == nil && d.deps.Dashboard != nil {
		if devices, derr := d.deps.Store.ListDevices(ctx); derr == nil {
			d.deps.Dashboard.OnDevices(devices)
		}
	}
	return err
}

func (d *Daemon) pollJob(ctx context.Context) error {
	results, err := d.deps.Poller.PollAll(ctx)
	if d.deps.Dashboard != nil && len(results) > 0 {
		d.deps.Dashboard.OnIngest("poll", results)
	}
	return err
}

func (d *Daemon) cleanupJob(ctx context.Context) error {
	report, err := d.deps.Engine.Cleanup(ctx)
	if err != nil {
		return err
	}

	feeds, err := d.deps.Store.ListFeeds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list feeds: %w", err)
	}
	ids := make([]int64, 0, len(feeds))
	for _, f := range feeds {
		ids = append(ids, f.ID)
	}
	evicted, err := d.deps.Ingester.Cleanup(ctx, ids)
	if err != nil {
		return err
	}

	d.logger.Printf("Cleanup: %d stale pending, %d stale remote, %d synced marks, %d items evicted",
		report.StalePending, report.StaleRemote, report.SyncedPruned, evicted)
	return nil
}

// ProcessInbox ingests every batch file currently in the inbox, oldest name first.
func (d *Daemon) ProcessInbox() {
	matches, err := filepath.Glob(filepath.Join(d.config.InboxDir, "*"+InboxExt))
	if err != nil {
		d.logger.Printf("Warning: failed to list inbox: %v", err)
		return
	}
	sort.Strings(matches)
	for _, path := range matches {
		d.ingestFile(path)
	}
}

func (d *Daemon) watchInbox() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files that have been quiet long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		d.ingestFile(path)
	}
}

// ingestFile ingests one batch file and removes it. A file that cannot be
// parsed is moved to the failed/ subdirectory.
func (d *Daemon) ingestFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	batches, err := ingest.ReadJSONLFile(path)
	if err != nil {
		d.logger.Printf("Error reading %s: %v", path, err)
		d.quarantine(path)
		return
	}

	results := make([]*ingest.Result, 0, len(batches))
	for i := range batches {
		b := &batches[i]
		r, err := d.deps.Ingester.Ingest(d.ctx, &b.Feed, b.Candidates)
		if err != nil {
			d.logger.Printf("Error ingesting %s from %s: %v", b.Feed.URL, path, err)
			continue
		}
		results = append(results, r)
	}

	if err := os.Remove(path); err != nil {
		d.logger.Printf("Warning: failed to remove processed %s: %v", path, err)
	}
	if d.deps.Dashboard != nil {
		d.deps.Dashboard.OnIngest(filepath.Base(path), results)
	}
}

func (d *Daemon) quarantine(path string) {
	dir := filepath.Join(filepath.Dir(path), "failed")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logger.Printf("Warning: failed to create %s: %v", dir, err)
		return
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
		d.logger.Printf("Warning: failed to move %s aside: %v", path, err)
	}
}

// watchStore turns store change notifications into throttled stats broadcasts.
func (d *Daemon) watchStore() {
	defer d.wg.Done()

	changes, unsubscribe := d.deps.Store.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(d.config.StatsInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-d.ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			dirty = true
		case <-ticker.C:
			if !dirty || d.deps.Dashboard == nil {
				continue
			}
			dirty = false
			stats, err := d.deps.Store.GetStats(d.ctx)
			if err != nil {
				d.logger.Printf("Warning: failed to read stats: %v", err)
				continue
			}
			d.deps.Dashboard.OnStoreChanged(stats)
		}
	}
}
