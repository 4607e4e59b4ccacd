package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/feedsync/internal/reconcile"
	"github.com/mschirtzinger/feedsync/internal/relay"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/transport/httpsync"
)

const feedURL = "https://example.com/feed.xml"

// device is one installation talking to a shared relay.
type device struct {
	store  *db.DB
	engine *reconcile.Engine
	feedID int64
}

func newDevice(dir, serverURL string) (*device, error) {
	store, err := db.Open(filepath.Join(dir, "feedsync.db"))
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, err
	}
	feedID, err := store.UpsertFeed(&schema.Feed{URL: feedURL, Title: "Example"})
	if err != nil {
		store.Close()
		return nil, err
	}

	ccfg := httpsync.DefaultConfig(serverURL)
	ccfg.RequestsPerSecond = 0
	ccfg.Logger = log.New(io.Discard, "", 0)
	client, err := httpsync.New(ccfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	ecfg := reconcile.DefaultConfig()
	ecfg.ServerURL = serverURL
	ecfg.Logger = log.New(io.Discard, "", 0)
	return &device{store: store, engine: reconcile.New(store, store, client, ecfg), feedID: feedID}, nil
}

func (d *device) ingest(guid string) (int64, error) {
	id, _, err := d.store.UpsertItem(&schema.Item{GUID: guid, FeedID: d.feedID, Title: guid}, "")
	return id, err
}

func newRelayServer() *httptest.Server {
	s := relay.NewServer(&relay.Config{Logger: log.New(io.Discard, "", 0)})
	return httptest.NewServer(s.Handler())
}

func TestTwoDevices_ReadMarksConverge(t *testing.T) {
	ts := newRelayServer()
	defer ts.Close()
	ctx := context.Background()

	laptop, err := newDevice(t.TempDir(), ts.URL)
	if err != nil {
		t.Fatalf("newDevice() failed: %v", err)
	}
	defer laptop.store.Close()
	phone, err := newDevice(t.TempDir(), ts.URL)
	if err != nil {
		t.Fatalf("newDevice() failed: %v", err)
	}
	defer phone.store.Close()

	remote, err := laptop.engine.CreateChain(ctx, "laptop")
	if err != nil {
		t.Fatalf("CreateChain() failed: %v", err)
	}
	if _, err := phone.engine.JoinChain(ctx, remote.SyncCode, remote.SecretKey, "phone"); err != nil {
		t.Fatalf("JoinChain() failed: %v", err)
	}

	devices, err := laptop.engine.RefreshDevices(ctx)
	if err != nil {
		t.Fatalf("RefreshDevices() failed: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("RefreshDevices() = %+v, want 2 devices", devices)
	}

	a1, _ := laptop.ingest("a1")
	if _, err := laptop.ingest("a2"); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	p1, _ := phone.ingest("a1")

	if err := laptop.engine.MarkRead(ctx, a1); err != nil {
		t.Fatalf("MarkRead() failed: %v", err)
	}
	if err := laptop.engine.MarkReadByKey(ctx, schema.ReadMarkKey{FeedURL: feedURL, ArticleGUID: "a2"}); err != nil {
		t.Fatalf("MarkReadByKey() failed: %v", err)
	}
	if report, err := laptop.engine.Cycle(ctx); err != nil {
		t.Fatalf("laptop Cycle() failed: %v", err)
	} else if report.Pushed != 2 {
		t.Errorf("laptop Pushed = %d, want 2", report.Pushed)
	}

	report, err := phone.engine.Cycle(ctx)
	if err != nil {
		t.Fatalf("phone Cycle() failed: %v", err)
	}
	if report.Applied != 1 || report.Retained != 1 {
		t.Errorf("phone Applied/Retained = %d/%d, want 1/1", report.Applied, report.Retained)
	}
	item, _ := phone.store.GetItem(ctx, p1)
	if !item.Read {
		t.Error("phone item a1 not read")
	}
	if report.Pushed != 0 {
		t.Errorf("phone echoed %d marks back", report.Pushed)
	}

	// a2 arrives on the phone later and picks up the staged mark.
	p2, _ := phone.ingest("a2")
	if _, _, err := phone.engine.ApplyRemoteReadMarks(ctx); err != nil {
		t.Fatalf("ApplyRemoteReadMarks() failed: %v", err)
	}
	item, _ = phone.store.GetItem(ctx, p2)
	if !item.Read {
		t.Error("phone item a2 not read after late ingestion")
	}

	// A repeated pull brings nothing new.
	report, err = phone.engine.Cycle(ctx)
	if err != nil {
		t.Fatalf("phone Cycle() failed: %v", err)
	}
	if report.Pulled != 0 {
		t.Errorf("second pull returned %d marks, want 0", report.Pulled)
	}

	// The laptop removes the phone; the phone finds out on its next cycle.
	phoneRemote, _ := phone.store.GetSyncRemote(ctx)
	if err := laptop.engine.RemoveDevice(ctx, phoneRemote.DeviceID); err != nil {
		t.Fatalf("RemoveDevice() failed: %v", err)
	}
	if _, err := phone.engine.Cycle(ctx); !errors.Is(err, reconcile.ErrReauthRequired) {
		t.Errorf("phone Cycle() after removal error = %v, want ErrReauthRequired", err)
	}
	if !phone.engine.Status().NeedsReauth {
		t.Errorf("phone Status() = %+v after removal, want NeedsReauth", phone.engine.Status())
	}
}

func Example() {
	ts := newRelayServer()
	defer ts.Close()
	ctx := context.Background()

	dirA, _ := os.MkdirTemp("", "feedsync-a")
	defer os.RemoveAll(dirA)
	dirB, _ := os.MkdirTemp("", "feedsync-b")
	defer os.RemoveAll(dirB)

	laptop, _ := newDevice(dirA, ts.URL)
	defer laptop.store.Close()
	phone, _ := newDevice(dirB, ts.URL)
	defer phone.store.Close()

	remote, _ := laptop.engine.CreateChain(ctx, "laptop")
	phone.engine.JoinChain(ctx, remote.SyncCode, remote.SecretKey, "phone")

	id, _ := laptop.ingest("post-1")
	phoneID, _ := phone.ingest("post-1")

	laptop.engine.MarkRead(ctx, id)
	sent, _ := laptop.engine.Cycle(ctx)
	got, _ := phone.engine.Cycle(ctx)

	item, _ := phone.store.GetItem(ctx, phoneID)
	fmt.Printf("pushed %d, applied %d, read on phone: %v\n", sent.Pushed, got.Applied, item.Read)
	// Output: pushed 1, applied 1, read on phone: true
}
