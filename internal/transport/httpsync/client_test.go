package httpsync

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mschirtzinger/feedsync/internal/relay"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/transport"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := DefaultConfig(url)
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 5 * time.Second
	cfg.Logger = log.New(io.Discard, "", 0)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	s := relay.NewServer(&relay.Config{Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "::"} {
		if _, err := New(DefaultConfig(u)); err == nil {
			t.Errorf("New(%q) = nil error", u)
		}
	}
}

func TestClient_TwoDeviceRoundTrip(t *testing.T) {
	ts := newRelay(t)
	ctx := context.Background()
	a := newTestClient(t, ts.URL)
	b := newTestClient(t, ts.URL)

	sa, err := a.CreateChain(ctx, "laptop")
	if err != nil {
		t.Fatalf("CreateChain() failed: %v", err)
	}
	if sa.SecretKey == "" || sa.SyncCode == "" || sa.DeviceID == 0 {
		t.Fatalf("incomplete session: %+v", sa)
	}

	sb, err := b.JoinChain(ctx, sa.SyncCode, sa.SecretKey, "phone")
	if err != nil {
		t.Fatalf("JoinChain() failed: %v", err)
	}

	devices, err := b.ListDevices(ctx, sb)
	if err != nil {
		t.Fatalf("ListDevices() failed: %v", err)
	}
	if len(devices) != 2 {
		t.Errorf("ListDevices() = %+v, want 2 devices", devices)
	}

	marks := []schema.ReadMarkKey{
		{FeedURL: "https://x/feed", ArticleGUID: "g1"},
		{FeedURL: "https://x/feed", ArticleGUID: "g2"},
	}
	conf, err := a.PushReadMarks(ctx, sa, marks)
	if err != nil {
		t.Fatalf("PushReadMarks() failed: %v", err)
	}
	if len(conf.Accepted) != 2 || len(conf.Rejected) != 0 {
		t.Errorf("Confirmation = %+v", conf)
	}

	pulled, err := b.PullReadMarks(ctx, sb, time.Time{})
	if err != nil {
		t.Fatalf("PullReadMarks() failed: %v", err)
	}
	if len(pulled.Marks) != 2 || pulled.Marks[0].ReadMarkKey != marks[0] {
		t.Errorf("PullReadMarks() = %+v", pulled.Marks)
	}
	if pulled.HighWater.IsZero() {
		t.Error("HighWater should be set")
	}

	again, err := b.PullReadMarks(ctx, sb, pulled.HighWater)
	if err != nil {
		t.Fatalf("second PullReadMarks() failed: %v", err)
	}
	if len(again.Marks) != 0 {
		t.Errorf("pull from high-water returned %d marks", len(again.Marks))
	}

	feeds := []string{"https://x/feed", "https://y/feed"}
	if err := a.PushFeedList(ctx, sa, feeds, transport.FeedListHash(feeds)); err != nil {
		t.Fatalf("PushFeedList() failed: %v", err)
	}
	got, err := b.PullFeedList(ctx, sb)
	if err != nil {
		t.Fatalf("PullFeedList() failed: %v", err)
	}
	if len(got) != 2 || got[0] != feeds[0] {
		t.Errorf("PullFeedList() = %v", got)
	}

	if err := b.LeaveChain(ctx, sb); err != nil {
		t.Fatalf("LeaveChain() failed: %v", err)
	}
	if _, err := b.ListDevices(ctx, sb); !errors.Is(err, transport.ErrUnauthorized) {
		t.Errorf("ListDevices() after leave = %v, want ErrUnauthorized", err)
	}
}

func TestClient_WrongSecretSkipsMarks(t *testing.T) {
	ts := newRelay(t)
	ctx := context.Background()
	a := newTestClient(t, ts.URL)
	b := newTestClient(t, ts.URL)

	sa, _ := a.CreateChain(ctx, "a")
	otherKey, _ := transport.GenerateSecretKey()
	sb, err := b.JoinChain(ctx, sa.SyncCode, otherKey, "b")
	if err != nil {
		t.Fatalf("JoinChain() failed: %v", err)
	}

	_, _ = a.PushReadMarks(ctx, sa, []schema.ReadMarkKey{{FeedURL: "https://x/feed", ArticleGUID: "g1"}})
	pulled, err := b.PullReadMarks(ctx, sb, time.Time{})
	if err != nil {
		t.Fatalf("PullReadMarks() failed: %v", err)
	}
	if len(pulled.Marks) != 0 || pulled.Undecryptable != 1 {
		t.Errorf("PullReadMarks() = %d marks, %d undecryptable; want 0, 1", len(pulled.Marks), pulled.Undecryptable)
	}
}

func TestClient_JoinUnknownChain(t *testing.T) {
	ts := newRelay(t)
	c := newTestClient(t, ts.URL)
	key, _ := transport.GenerateSecretKey()

	_, err := c.JoinChain(context.Background(), "nope", key, "b")
	if !errors.Is(err, transport.ErrNotFound) {
		t.Errorf("JoinChain(unknown) = %v, want ErrNotFound", err)
	}
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"unknown chain"}`, transport.ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ``, transport.ErrUnauthorized},
		{"not found", http.StatusNotFound, ``, transport.ErrNotFound},
		{"server", http.StatusServiceUnavailable, ``, transport.ErrServerError},
		{"bad json", http.StatusOK, `{not json`, transport.ErrProtocol},
		{"empty body", http.StatusOK, ``, transport.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			c := newTestClient(t, ts.URL)
			_, err := c.ListDevices(context.Background(), transport.Session{SyncCode: "c", DeviceID: 1})
			if !errors.Is(err, tt.want) {
				t.Errorf("ListDevices() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClient_TimeoutIsNetworkUnreachable(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer ts.Close()
	defer close(block)

	cfg := DefaultConfig(ts.URL)
	cfg.Timeout = 50 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)
	c, _ := New(cfg)

	_, err := c.ListDevices(context.Background(), transport.Session{SyncCode: "c", DeviceID: 1})
	if !errors.Is(err, transport.ErrNetworkUnreachable) {
		t.Errorf("ListDevices() = %v, want ErrNetworkUnreachable", err)
	}
	if !transport.IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestClient_PartialConfirmation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"accepted":[1]}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	key, _ := transport.GenerateSecretKey()
	marks := []schema.ReadMarkKey{
		{FeedURL: "https://x/feed", ArticleGUID: "a"},
		{FeedURL: "https://x/feed", ArticleGUID: "b"},
	}
	conf, err := c.PushReadMarks(context.Background(), transport.Session{SyncCode: "c", SecretKey: key, DeviceID: 1}, marks)
	if err != nil {
		t.Fatalf("PushReadMarks() failed: %v", err)
	}
	if len(conf.Accepted) != 1 || conf.Accepted[0] != marks[1] {
		t.Errorf("Accepted = %+v", conf.Accepted)
	}
	if len(conf.Rejected) != 1 || conf.Rejected[0] != marks[0] {
		t.Errorf("Rejected = %+v", conf.Rejected)
	}
}
