package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/mschirtzinger/feedsync/internal/transport"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(&Config{Logger: log.New(io.Discard, "", 0)})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_RequiresCredentials(t *testing.T) {
	s, ts := newTestServer(t)
	code, id := s.Hub().Create("a")

	tests := []struct {
		name   string
		code   string
		device string
		want   int
	}{
		{"none", "", "", http.StatusUnauthorized},
		{"unknown chain", "nope", "1", http.StatusUnauthorized},
		{"unknown device", code, "42", http.StatusUnauthorized},
		{"member", code, strconv.FormatInt(id, 10), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+transport.PathDevices, nil)
			if tt.code != "" {
				req.Header.Set(transport.HeaderSyncCode, tt.code)
			}
			if tt.device != "" {
				req.Header.Set(transport.HeaderDeviceID, tt.device)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestServer_JoinUnknownChain(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(transport.DeviceRequest{DeviceName: "b"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+transport.PathJoin, bytes.NewReader(body))
	req.Header.Set(transport.HeaderSyncCode, "missing")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_PullRejectsBadSince(t *testing.T) {
	s, ts := newTestServer(t)
	code, id := s.Hub().Create("a")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+transport.PathReadMarks+"?since=abc", nil)
	req.Header.Set(transport.HeaderSyncCode, code)
	req.Header.Set(transport.HeaderDeviceID, strconv.FormatInt(id, 10))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
