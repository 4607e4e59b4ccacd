package freshrss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/store/db"
)

func newFakeServer(t *testing.T, loginStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/greader.php/accounts/ClientLogin", func(w http.ResponseWriter, r *http.Request) {
		if loginStatus != http.StatusOK {
			w.WriteHeader(loginStatus)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("Email") != "alice" || r.PostForm.Get("Passwd") != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "SID=alice/sid\nLSID=null\nAuth=alice/token123\n")
	})
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "GoogleLogin auth=alice/token123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("/api/greader.php/reader/api/0/token", authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "actiontoken\n")
	}))
	mux.HandleFunc("/api/greader.php/reader/api/0/subscription/list", authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"subscriptions":[
			{"id":"feed/1","title":"One","url":"https://one/feed"},
			{"id":"feed/2","title":"Two","url":"https://two/feed"},
			{"id":"feed/3","title":"Bad","url":"not a url"}]}`)
	}))
	mux.HandleFunc("/api/greader.php/reader/api/0/stream/contents/reading-list", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("n") != "10" {
			t.Errorf("n = %q, want 10", r.URL.Query().Get("n"))
		}
		fmt.Fprint(w, `{"items":[
			{"id":"tag:1","title":"A","published":1700000000,"summary":{"content":"sa"},
			 "canonical":[{"href":"https://one/a"}],"origin":{"streamId":"feed/1"}},
			{"id":"tag:2","title":"B","content":{"content":"full"},"alternate":[{"href":"https://one/b"}],
			 "origin":{"streamId":"feed/1"}},
			{"id":"tag:3","title":"C","origin":{"streamId":"feed/9"}}]}`)
	}))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, serverURL, user string) *Client {
	t.Helper()
	c, err := New(&Config{
		Credentials: Credentials{ServerURL: serverURL, Username: user, Password: "pw"},
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func TestImport(t *testing.T) {
	ts := newFakeServer(t, http.StatusOK)
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	in := ingest.New(store, &ingest.Config{Logger: log.New(io.Discard, "", 0)})
	ctx := context.Background()

	res, err := Import(ctx, newTestClient(t, ts.URL+"/", "alice"), in, ImportOptions{FetchCount: 10, BatchSize: 1})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Feeds != 2 || res.Articles != 3 || res.Inserted != 2 || res.Skipped != 1 {
		t.Errorf("Import() = %+v", res)
	}

	urls, _ := store.ListFeedURLs(ctx)
	if len(urls) != 2 {
		t.Errorf("ListFeedURLs() = %v, want both valid subscriptions", urls)
	}
	items, _ := store.ListItems(ctx, db.ItemFilter{FeedURL: "https://one/feed"})
	if len(items) != 2 {
		t.Fatalf("ListItems() = %d items, want 2", len(items))
	}
	for _, it := range items {
		if it.GUID == "tag:1" && (it.Link != "https://one/a" || it.PublishDate == nil) {
			t.Errorf("tag:1 = %+v", it)
		}
		if it.GUID == "tag:2" {
			body, _ := store.GetItemBody(ctx, it.ID)
			if body != "full" {
				t.Errorf("tag:2 body = %q, want full content", body)
			}
		}
	}
}

func TestLogin_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrInvalidCredentials},
		{http.StatusForbidden, ErrAPIDisabled},
		{http.StatusNotFound, ErrEndpointNotFound},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := newFakeServer(t, tt.status)
			err := newTestClient(t, ts.URL, "alice").Login(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Login() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	ts := newFakeServer(t, http.StatusOK)
	err := newTestClient(t, ts.URL, "mallory").Login(context.Background())
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestParseAuthToken(t *testing.T) {
	if got, ok := ParseAuthToken("SID=x\nAuth=abc\n"); !ok || got != "abc" {
		t.Errorf("ParseAuthToken() = %q, %v", got, ok)
	}
	if _, ok := ParseAuthToken("SID=x\nAuth=\n"); ok {
		t.Error("ParseAuthToken() accepted an empty token")
	}
}

func TestAPIBase(t *testing.T) {
	tests := map[string]string{
		"https://rss.example.com":                          "https://rss.example.com/api/greader.php",
		"https://rss.example.com/":                         "https://rss.example.com/api/greader.php",
		"https://rss.example.com/api":                      "https://rss.example.com/api/greader.php",
		"https://rss.example.com/api/greader.php/":         "https://rss.example.com/api/greader.php",
		"https://rss.example.com/p/api/greader.php/reader": "https://rss.example.com/p/api/greader.php",
	}
	for in, want := range tests {
		if got := APIBase(in); got != want {
			t.Errorf("APIBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		ok    bool
	}{
		{"valid", Credentials{"https://x", "u", "p"}, true},
		{"blank user", Credentials{"https://x", " ", "p"}, false},
		{"no scheme", Credentials{"x.com", "u", "p"}, false},
		{"no password", Credentials{"http://x", "u", ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.creds.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
