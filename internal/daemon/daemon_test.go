package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/reconcile"
	"github.com/mschirtzinger/feedsync/internal/relay"
	"github.com/mschirtzinger/feedsync/internal/scheduler"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/transport/httpsync"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// setupTestDB creates a database in a temp dir for testing.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

type testEnv struct {
	store  *db.DB
	engine *reconcile.Engine
	deps   Deps
	inbox  string
}

// setupTestEnv wires a daemon against an in-process relay.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ts := httptest.NewServer(relay.NewServer(&relay.Config{Logger: testLogger()}).Handler())
	t.Cleanup(ts.Close)

	store := setupTestDB(t)
	cfg := httpsync.DefaultConfig(ts.URL)
	cfg.RequestsPerSecond = 0
	cfg.Logger = testLogger()
	client, err := httpsync.New(cfg)
	if err != nil {
		t.Fatalf("httpsync.New() failed: %v", err)
	}

	sched := scheduler.New(&scheduler.Config{Logger: testLogger()})

	ecfg := reconcile.DefaultConfig()
	ecfg.ServerURL = ts.URL
	ecfg.Scheduler = sched
	ecfg.PushDelay = 10 * time.Millisecond
	ecfg.Logger = testLogger()
	engine := reconcile.New(store, store, client, ecfg)

	icfg := ingest.DefaultConfig()
	icfg.Applier = engine
	icfg.Logger = testLogger()

	return &testEnv{
		store:  store,
		engine: engine,
		inbox:  filepath.Join(t.TempDir(), "inbox"),
		deps: Deps{
			Store:     store,
			Engine:    engine,
			Ingester:  ingest.New(store, icfg),
			Scheduler: sched,
		},
	}
}

func (env *testEnv) config() *Config {
	cfg := DefaultConfig()
	cfg.InboxDir = env.inbox
	cfg.DebounceInterval = 20 * time.Millisecond
	cfg.StatsInterval = 20 * time.Millisecond
	cfg.PollSchedule = ""
	cfg.SyncConstraints = scheduler.Constraints{}
	cfg.Logger = testLogger()
	return cfg
}

// startDaemon runs the daemon until the test ends.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Start() returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeInboxFile(t *testing.T, dir, name string, guids ...string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	var content string
	for _, guid := range guids {
		content += fmt.Sprintf(`{"feed_url":"https://example.com/feed","feed_title":"Example","guid":%q,"title":"Title %s"}`+"\n", guid, guid)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func countItems(t *testing.T, store *db.DB) int {
	t.Helper()
	n, err := store.CountItems(context.Background(), db.ItemFilter{})
	if err != nil {
		t.Fatalf("CountItems() failed: %v", err)
	}
	return n
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}, nil); err == nil {
		t.Error("New() with no deps should fail")
	}
}

func TestDaemon_IngestsExistingInboxFiles(t *testing.T) {
	env := setupTestEnv(t)
	path := writeInboxFile(t, env.inbox, "001.jsonl", "a1", "a2")

	d, err := New(env.deps, env.config())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "existing file ingested", func() bool { return countItems(t, env.store) == 2 })
	waitFor(t, "processed file removed", func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})
}

func TestDaemon_IngestsNewInboxFiles(t *testing.T) {
	env := setupTestEnv(t)

	d, err := New(env.deps, env.config())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	// Give the watcher time to come up.
	waitFor(t, "inbox created", func() bool {
		_, err := os.Stat(env.inbox)
		return err == nil
	})
	time.Sleep(50 * time.Millisecond)

	writeInboxFile(t, env.inbox, "002.jsonl", "b1", "b2", "b3")
	waitFor(t, "new file ingested", func() bool { return countItems(t, env.store) == 3 })
}

func TestDaemon_QuarantinesBadFiles(t *testing.T) {
	env := setupTestEnv(t)
	if err := os.MkdirAll(env.inbox, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	bad := filepath.Join(env.inbox, "bad.jsonl")
	if err := os.WriteFile(bad, []byte("{not json\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	d, err := New(env.deps, env.config())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "bad file moved to failed/", func() bool {
		_, err := os.Stat(filepath.Join(env.inbox, "failed", "bad.jsonl"))
		return err == nil
	})
	if countItems(t, env.store) != 0 {
		t.Error("bad file should not ingest anything")
	}
}

func TestDaemon_InitialSyncPushesPendingMarks(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.CreateChain(ctx, "laptop"); err != nil {
		t.Fatalf("CreateChain() failed: %v", err)
	}
	key := schema.ReadMarkKey{FeedURL: "https://example.com/feed", ArticleGUID: "x1"}
	if err := env.store.AddPendingReadMark(key); err != nil {
		t.Fatalf("AddPendingReadMark() failed: %v", err)
	}

	cfg := env.config()
	cfg.InboxDir = ""
	d, err := New(env.deps, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "pending mark confirmed", func() bool {
		n, err := env.store.CountPendingReadMarks(ctx)
		return err == nil && n == 0
	})
	if st := env.engine.Status(); st.Summary != reconcile.SummarySuccess {
		t.Errorf("Summary = %q, want %q", st.Summary, reconcile.SummarySuccess)
	}
}

func TestDaemon_SyncJobOutsideChain(t *testing.T) {
	env := setupTestEnv(t)
	d, err := New(env.deps, env.config())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := d.syncJob(context.Background()); err != nil {
		t.Errorf("syncJob() outside a chain = %v, want nil", err)
	}
}

func TestDaemon_CleanupJobEnforcesRetention(t *testing.T) {
	env := setupTestEnv(t)
	cfg := ingest.DefaultConfig()
	cfg.KeepPerFeed = 0
	cfg.Logger = testLogger()
	env.deps.Ingester = ingest.New(env.store, cfg)

	path := writeInboxFile(t, env.inbox, "003.jsonl", "c1", "c2", "c3", "c4")
	batches, err := ingest.ReadJSONLFile(path)
	if err != nil {
		t.Fatalf("ReadJSONLFile() failed: %v", err)
	}
	for i := range batches {
		if _, err := env.deps.Ingester.Ingest(context.Background(), &batches[i].Feed, batches[i].Candidates); err != nil {
			t.Fatalf("Ingest() failed: %v", err)
		}
	}

	// Tighten retention after the fact; the cleanup job applies it.
	cfg2 := ingest.DefaultConfig()
	cfg2.KeepPerFeed = 2
	cfg2.Logger = testLogger()
	env.deps.Ingester = ingest.New(env.store, cfg2)

	d, err := New(env.deps, env.config())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := d.cleanupJob(context.Background()); err != nil {
		t.Fatalf("cleanupJob() failed: %v", err)
	}
	if got := countItems(t, env.store); got != 2 {
		t.Errorf("items after cleanup = %d, want 2", got)
	}
}

func TestDaemon_StopIsIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	d, err := New(env.deps, env.config())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
}
