package reconcile

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/feedsync/internal/scheduler"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/transport"
)

const testFeedURL = "https://x/feed"

// fakeTransport is an in-memory Transport. Errors set on it are returned by
// the matching call until cleared.
type fakeTransport struct {
	mu sync.Mutex

	nextDevice int64
	devices    []schema.Device
	inbox      []schema.RemoteReadMark
	highWater  time.Time
	feeds      []string
	feedHash   int64

	pushed     [][]schema.ReadMarkKey
	reject     map[string]bool
	feedPushes int
	pulls      int

	pullErr  error
	pushErr  error
	leaveErr error

	// pullGate blocks PullReadMarks until closed when set.
	pullGate    chan struct{}
	pullStarted chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reject: make(map[string]bool)}
}

func (f *fakeTransport) CreateChain(ctx context.Context, deviceName string) (transport.Session, error) {
	return f.JoinChain(ctx, "code", "secret", deviceName)
}

func (f *fakeTransport) JoinChain(_ context.Context, code, secret, name string) (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDevice++
	f.devices = append(f.devices, schema.Device{DeviceID: f.nextDevice, DeviceName: name})
	return transport.Session{SyncCode: code, SecretKey: secret, DeviceID: f.nextDevice, DeviceName: name}, nil
}

func (f *fakeTransport) LeaveChain(context.Context, transport.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaveErr
}

func (f *fakeTransport) ListDevices(context.Context, transport.Session) ([]schema.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.Device(nil), f.devices...), nil
}

func (f *fakeTransport) RemoveDevice(_ context.Context, _ transport.Session, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range f.devices {
		if d.DeviceID == id {
			f.devices = append(f.devices[:i], f.devices[i+1:]...)
			return nil
		}
	}
	return transport.NotFound("remove device", 404)
}

func (f *fakeTransport) PushReadMarks(_ context.Context, _ transport.Session, marks []schema.ReadMarkKey) (transport.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return transport.Confirmation{}, f.pushErr
	}
	f.pushed = append(f.pushed, append([]schema.ReadMarkKey(nil), marks...))
	var conf transport.Confirmation
	for _, m := range marks {
		if f.reject[m.ArticleGUID] {
			conf.Rejected = append(conf.Rejected, m)
		} else {
			conf.Accepted = append(conf.Accepted, m)
		}
	}
	return conf, nil
}

func (f *fakeTransport) PullReadMarks(_ context.Context, _ transport.Session, since time.Time) (transport.PullResult, error) {
	f.mu.Lock()
	gate, started := f.pullGate, f.pullStarted
	f.pulls++
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return transport.PullResult{}, f.pullErr
	}
	var res transport.PullResult
	for _, m := range f.inbox {
		if m.Timestamp.After(since) {
			res.Marks = append(res.Marks, m)
		}
	}
	if f.highWater.After(since) {
		res.HighWater = f.highWater
	}
	return res, nil
}

func (f *fakeTransport) PullFeedList(context.Context, transport.Session) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.feeds...), nil
}

func (f *fakeTransport) PushFeedList(_ context.Context, _ transport.Session, urls []string, hash int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds = append([]string(nil), urls...)
	f.feedHash = hash
	f.feedPushes++
	return nil
}

// deliver queues a peer mark for the next pull.
func (f *fakeTransport) deliver(key schema.ReadMarkKey, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, schema.RemoteReadMark{ReadMarkKey: key, Timestamp: at})
	if at.After(f.highWater) {
		f.highWater = at
	}
}

func (f *fakeTransport) pushedGUIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.pushed {
		for _, k := range batch {
			out = append(out, k.ArticleGUID)
		}
	}
	return out
}

func (f *fakeTransport) set(fn func(*fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeScheduler records submissions without running them.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []submitCall
}

type submitCall struct {
	key   string
	c     scheduler.Constraints
	delay time.Duration
	job   scheduler.Job
}

func (s *fakeScheduler) Submit(key string, c scheduler.Constraints, delay time.Duration, job scheduler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, submitCall{key: key, c: c, delay: delay, job: job})
	return nil
}

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

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// setupEngine returns an engine that is already a member of a chain.
func setupEngine(t *testing.T) (*Engine, *db.DB, *fakeTransport) {
	t.Helper()
	store := setupTestDB(t)
	tr := newFakeTransport()
	cfg := DefaultConfig()
	cfg.Logger = testLogger()
	e := New(store, store, tr, cfg)

	if _, err := e.CreateChain(context.Background(), "laptop"); err != nil {
		t.Fatalf("CreateChain() failed: %v", err)
	}
	return e, store, tr
}

func createFeed(t *testing.T, store *db.DB, url string) int64 {
	t.Helper()
	id, err := store.UpsertFeed(&schema.Feed{URL: url, Title: "Feed"})
	if err != nil {
		t.Fatalf("UpsertFeed() failed: %v", err)
	}
	return id
}

func createItem(t *testing.T, store *db.DB, feedID int64, guid string) int64 {
	t.Helper()
	id, _, err := store.UpsertItem(&schema.Item{GUID: guid, FeedID: feedID, Title: "Title " + guid}, "")
	if err != nil {
		t.Fatalf("UpsertItem(%s) failed: %v", guid, err)
	}
	return id
}

func key(guid string) schema.ReadMarkKey {
	return schema.ReadMarkKey{FeedURL: testFeedURL, ArticleGUID: guid}
}

func isRead(t *testing.T, store *db.DB, id int64) bool {
	t.Helper()
	item, err := store.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetItem(%d) failed: %v", id, err)
	}
	return item.Read
}

func pendingMark(t *testing.T, store *db.DB, guid string) *schema.PendingReadMark {
	t.Helper()
	m, err := store.GetPendingReadMark(context.Background(), key(guid))
	if err != nil {
		t.Fatalf("GetPendingReadMark(%s) failed: %v", guid, err)
	}
	return m
}
