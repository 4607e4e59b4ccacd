package reconcile

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/feedsync/internal/scheduler"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/transport"
)

// PushJobKey is the scheduler key of the deferred push. Requesting a push
// replaces any push that has not started yet.
const PushJobKey = "send-read-marks"

// State is the phase of the sync cycle.
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StateMerging State = "merging"
	StatePushing State = "pushing"
	StateFailed  State = "failed"
)

// Summary is the user-facing outcome of the latest sync.
type Summary string

const (
	SummaryNone    Summary = "none"
	SummaryLoading Summary = "loading"
	SummarySuccess Summary = "success"
	SummaryError   Summary = "error"
)

// Status is a snapshot of the engine for foreground callers.
type Status struct {
	State   State   `json:"state" yaml:"state"`
	Summary Summary `json:"summary" yaml:"summary"`
	// Message explains an error summary.
	Message     string    `json:"message,omitempty" yaml:"message,omitempty"`
	LastCycle   time.Time `json:"last_cycle,omitempty" yaml:"last_cycle,omitempty"`
	NeedsReauth bool      `json:"needs_reauth" yaml:"needs_reauth"`
}

// Config holds engine configuration.
type Config struct {
	// ServerURL is recorded in the membership row on create and join.
	ServerURL string

	// Scheduler runs deferred pushes (nil = pushes only happen in Cycle)
	Scheduler JobScheduler

	// PushDelay is the initial delay of a requested push (default: 10s)
	PushDelay time.Duration

	// PushBatchSize bounds marks per push request (default: 50)
	PushBatchSize int

	// OnlyOnUnmetered requires an unmetered network for deferred pushes.
	OnlyOnUnmetered bool

	// OnlyWhenCharging requires external power for deferred pushes.
	OnlyWhenCharging bool

	// PendingMarkMaxAge prunes unsynced pending marks older than this (0 = keep)
	PendingMarkMaxAge time.Duration

	// RemoteMarkMaxAge prunes unresolved remote marks older than this (0 = keep)
	RemoteMarkMaxAge time.Duration

	// SyncedMarkRetention prunes synced bookkeeping older than this (0 = keep)
	SyncedMarkRetention time.Duration

	// Logger for engine activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PushDelay:           10 * time.Second,
		PushBatchSize:       50,
		PendingMarkMaxAge:   30 * 24 * time.Hour,
		RemoteMarkMaxAge:    30 * 24 * time.Hour,
		SyncedMarkRetention: 90 * 24 * time.Hour,
	}
}

// Engine orchestrates pull, merge and push for one installation.
type Engine struct {
	items     ItemStore
	staging   StagingStore
	transport transport.Transport
	cfg       Config
	logger    *log.Logger
	now       func() time.Time

	cycles singleflight.Group

	mu        sync.Mutex
	status    Status
	observers []func(Status)
}

// New creates an engine. items and staging are usually the same *db.DB.
func New(items ItemStore, staging StagingStore, tr transport.Transport, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.PushDelay < 0 {
		cfg.PushDelay = 0
	}
	if cfg.PushBatchSize <= 0 {
		cfg.PushBatchSize = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}

	return &Engine{
		items:     items,
		staging:   staging,
		transport: tr,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		status:    Status{State: StateIdle, Summary: SummaryNone},
	}
}

// Status returns the current status snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// AddObserver registers fn to receive every status change. fn runs on the
// goroutine that changed the status and must not block.
func (e *Engine) AddObserver(fn func(Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) updateStatus(fn func(*Status)) {
	e.mu.Lock()
	fn(&e.status)
	snapshot := e.status
	observers := append([]func(Status){}, e.observers...)
	e.mu.Unlock()

	for _, obs := range observers {
		obs(snapshot)
	}
}

func (e *Engine) setState(s State) {
	e.updateStatus(func(st *Status) { st.State = s })
}

// pushConstraints maps the push settings onto scheduler constraints.
func (e *Engine) pushConstraints() scheduler.Constraints {
	c := scheduler.Constraints{
		Network:          scheduler.NetworkConnected,
		RequiresCharging: e.cfg.OnlyWhenCharging,
	}
	if e.cfg.OnlyOnUnmetered {
		c.Network = scheduler.NetworkUnmetered
	}
	return c
}

// RequestPush asks the scheduler for a deferred cycle that delivers pending
// marks. It replaces a request that has not started yet. Without a
// scheduler, or outside a chain, it does nothing.
func (e *Engine) RequestPush(ctx context.Context) {
	if e.cfg.Scheduler == nil {
		return
	}
	remote, err := e.staging.GetSyncRemote(ctx)
	if err != nil {
		e.logger.Printf("Warning: failed to read sync config, push not scheduled: %v", err)
		return
	}
	if !remote.HasSession() {
		return
	}

	err = e.cfg.Scheduler.Submit(PushJobKey, e.pushConstraints(), e.cfg.PushDelay, func(ctx context.Context) error {
		_, err := e.Cycle(ctx)
		return err
	})
	if err != nil {
		e.logger.Printf("Warning: failed to schedule push: %v", err)
	}
}

func (e *Engine) session(ctx context.Context) (*schema.SyncRemote, transport.Session, error) {
	remote, err := e.staging.GetSyncRemote(ctx)
	if err != nil {
		return nil, transport.Session{}, err
	}
	if !remote.HasSession() {
		return remote, transport.Session{}, ErrNotConfigured
	}
	return remote, transport.SessionFromRemote(remote), nil
}
