// Package scheduler runs deferred background jobs.
//
// A job is submitted under a key with constraints and an initial delay. A
// new submission replaces any submission with the same key that has not
// started yet, so at most one intentional run per key is queued. Failed
// runs are retried with exponential backoff. Periodic submissions use cron
// specs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Job is the unit of deferred work.
type Job func(ctx context.Context) error

// RetryConfig controls backoff between failed attempts.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the default backoff policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (r RetryConfig) Delay(attempt int) time.Duration {
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(r.InitialDelay) * math.Pow(mult, float64(attempt))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(d)
}

// Config holds scheduler configuration.
type Config struct {
	Retry RetryConfig

	// Conditions reports whether constraints are met (default: always met).
	Conditions Conditions

	// ConditionPoll is how often unmet constraints are re-checked.
	ConditionPoll time.Duration

	// ShouldRetry decides whether a failed job is retried (default: always).
	ShouldRetry func(error) bool

	// Logger for scheduler activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Retry:         DefaultRetryConfig(),
		Conditions:    AlwaysMet{},
		ConditionPoll: 30 * time.Second,
	}
}

type entry struct {
	key         string
	constraints Constraints
	job         Job

	// ctx is cancelled when the entry is replaced before it starts.
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler runs submitted jobs in the background.
type Scheduler struct {
	cfg    Config
	logger *log.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	pending map[string]*entry
	running map[string]int
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Cron triggers start with Start.
func New(config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Conditions == nil {
		cfg.Conditions = AlwaysMet{}
	}
	if cfg.ConditionPoll <= 0 {
		cfg.ConditionPoll = 30 * time.Second
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = func(error) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		cron:    cron.New(),
		pending: make(map[string]*entry),
		running: make(map[string]int),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the cron triggers registered with Every.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels pending jobs, interrupts running ones through their context
// and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

// Submit queues job under key to run once after delay, as soon as the
// constraints are met. An earlier submission with the same key that has not
// started is dropped.
func (s *Scheduler) Submit(key string, c Constraints, delay time.Duration, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	if old, ok := s.pending[key]; ok {
		old.cancel()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	e := &entry{key: key, constraints: c, job: job, ctx: ctx, cancel: cancel}
	s.pending[key] = e

	s.wg.Add(1)
	go s.run(e, delay)
	return nil
}

// Every submits job under key on the cron schedule spec (e.g. "@every 1h").
func (s *Scheduler) Every(spec, key string, c Constraints, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.Submit(key, c, 0, job); err != nil && !errors.Is(err, ErrStopped) {
			s.logger.Printf("Warning: failed to submit %s: %v", key, err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, key, err)
	}
	return nil
}

// Pending reports whether a not yet started job is queued under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Running reports whether a job for key is executing or backing off.
func (s *Scheduler) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[key] > 0
}

func (s *Scheduler) run(e *entry, delay time.Duration) {
	defer s.wg.Done()
	defer e.cancel()

	if !sleep(e.ctx, delay) {
		return
	}
	if !s.waitForConditions(e) {
		return
	}

	s.mu.Lock()
	if s.pending[e.key] != e {
		s.mu.Unlock()
		return
	}
	delete(s.pending, e.key)
	s.running[e.key]++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[e.key]--
		if s.running[e.key] == 0 {
			delete(s.running, e.key)
		}
		s.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		err := e.job(s.ctx)
		if err == nil {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if !s.cfg.ShouldRetry(err) {
			s.logger.Printf("Job %s failed, not retrying: %v", e.key, err)
			return
		}
		if attempt >= s.cfg.Retry.MaxRetries {
			s.logger.Printf("Job %s failed after %d attempts: %v", e.key, attempt+1, err)
			return
		}

		wait := s.cfg.Retry.Delay(attempt)
		s.logger.Printf("Job %s failed (attempt %d), retrying in %s: %v", e.key, attempt+1, wait, err)
		if !sleep(s.ctx, wait) {
			return
		}

		// A newer submission will do the work.
		if s.Pending(e.key) {
			return
		}
		if !s.waitForConditions(e) {
			return
		}
	}
}

func (s *Scheduler) waitForConditions(e *entry) bool {
	logged := false
	for !s.cfg.Conditions.Met(e.constraints) {
		if !logged {
			s.logger.Printf("Job %s waiting for %s", e.key, e.constraints)
			logged = true
		}
		if !sleep(e.ctx, s.cfg.ConditionPoll) {
			return false
		}
	}
	return true
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
