package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, cfg *Config) *Scheduler {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Logger = log.New(io.Discard, "", 0)
	s := New(cfg)
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmit_Runs(t *testing.T) {
	s := newTestScheduler(t, nil)
	var ran atomic.Int32

	if err := s.Submit("k", Constraints{}, 0, func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	waitFor(t, "job run", func() bool { return ran.Load() == 1 })
}

func TestSubmit_ReplacesUnstarted(t *testing.T) {
	s := newTestScheduler(t, nil)
	var first, second atomic.Int32

	_ = s.Submit("send-read-marks", Constraints{}, 100*time.Millisecond, func(ctx context.Context) error {
		first.Add(1)
		return nil
	})
	_ = s.Submit("send-read-marks", Constraints{}, 10*time.Millisecond, func(ctx context.Context) error {
		second.Add(1)
		return nil
	})

	waitFor(t, "replacement run", func() bool { return second.Load() == 1 })
	time.Sleep(200 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced job must not run")
	}
}

func TestSubmit_DifferentKeysBothRun(t *testing.T) {
	s := newTestScheduler(t, nil)
	var n atomic.Int32
	job := func(ctx context.Context) error { n.Add(1); return nil }

	_ = s.Submit("a", Constraints{}, 0, job)
	_ = s.Submit("b", Constraints{}, 0, job)
	waitFor(t, "both jobs", func() bool { return n.Load() == 2 })
}

func TestSubmit_RetriesWithBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	s := newTestScheduler(t, cfg)

	var attempts atomic.Int32
	_ = s.Submit("k", Constraints{}, 0, func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	waitFor(t, "third attempt", func() bool { return attempts.Load() == 3 })
	time.Sleep(30 * time.Millisecond)
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3 (no retry after success)", attempts.Load())
	}
}

func TestSubmit_GivesUpAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1}
	s := newTestScheduler(t, cfg)

	var attempts atomic.Int32
	_ = s.Submit("k", Constraints{}, 0, func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("down")
	})

	waitFor(t, "retries", func() bool { return attempts.Load() == 3 })
	waitFor(t, "job finished", func() bool { return !s.Running("k") })
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestSubmit_NoRetryWhenRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond}
	cfg.ShouldRetry = func(error) bool { return false }
	s := newTestScheduler(t, cfg)

	var attempts atomic.Int32
	_ = s.Submit("k", Constraints{}, 0, func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("unauthorized")
	})

	waitFor(t, "job finished", func() bool { return attempts.Load() == 1 && !s.Running("k") })
	time.Sleep(20 * time.Millisecond)
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

type toggleConditions struct {
	mu  sync.Mutex
	met bool
}

func (c *toggleConditions) Met(Constraints) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.met
}

func (c *toggleConditions) set(met bool) {
	c.mu.Lock()
	c.met = met
	c.mu.Unlock()
}

func TestSubmit_WaitsForConstraints(t *testing.T) {
	cond := &toggleConditions{}
	cfg := DefaultConfig()
	cfg.Conditions = cond
	cfg.ConditionPoll = 5 * time.Millisecond
	s := newTestScheduler(t, cfg)

	var ran atomic.Int32
	_ = s.Submit("k", Constraints{Network: NetworkUnmetered}, 0, func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})

	time.Sleep(30 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatal("job ran before constraints were met")
	}
	if !s.Pending("k") {
		t.Error("job should still be pending")
	}

	cond.set(true)
	waitFor(t, "job run", func() bool { return ran.Load() == 1 })
}

func TestStop_RejectsSubmit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	s := New(cfg)
	_ = s.Submit("k", Constraints{}, time.Hour, func(ctx context.Context) error { return nil })
	s.Stop()

	if err := s.Submit("k", Constraints{}, 0, func(ctx context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() after Stop = %v, want ErrStopped", err)
	}
}

func TestEvery_Submits(t *testing.T) {
	s := newTestScheduler(t, nil)
	var n atomic.Int32

	if err := s.Every("@every 1s", "cycle", Constraints{}, func(ctx context.Context) error {
		n.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Every() failed: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && n.Load() == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if n.Load() == 0 {
		t.Error("cron trigger never ran the job")
	}
}

func TestEvery_InvalidSpec(t *testing.T) {
	s := newTestScheduler(t, nil)
	if err := s.Every("not a spec", "k", Constraints{}, func(ctx context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid spec")
	}
}

func TestRetryConfigDelay(t *testing.T) {
	r := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := r.Delay(i); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i, got, w)
		}
	}
}

func TestHostConditions(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	dir := t.TempDir()
	bat := filepath.Join(dir, "BAT0")
	_ = os.MkdirAll(bat, 0755)
	_ = os.WriteFile(filepath.Join(bat, "type"), []byte("Battery\n"), 0644)
	_ = os.WriteFile(filepath.Join(bat, "status"), []byte("Discharging\n"), 0644)

	h := &HostConditions{ProbeAddr: ln.Addr().String(), PowerSupplyDir: dir}

	if !h.Met(Constraints{Network: NetworkConnected}) {
		t.Error("reachable probe should satisfy connected")
	}
	if h.Met(Constraints{RequiresCharging: true}) {
		t.Error("discharging battery should not satisfy charging")
	}

	_ = os.WriteFile(filepath.Join(bat, "status"), []byte("Charging\n"), 0644)
	if !h.Met(Constraints{RequiresCharging: true}) {
		t.Error("charging battery should satisfy charging")
	}

	h.Metered = true
	if h.Met(Constraints{Network: NetworkUnmetered}) {
		t.Error("metered link should not satisfy unmetered")
	}

	noBattery := &HostConditions{PowerSupplyDir: t.TempDir()}
	if !noBattery.Met(Constraints{RequiresCharging: true}) {
		t.Error("machine without a battery counts as charging")
	}
}
