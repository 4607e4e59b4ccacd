package main

import (
	"testing"
	"time"
)

func TestProbeAddr(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://localhost:8686", "localhost:8686"},
		{"https://sync.example.com", "sync.example.com:443"},
		{"http://sync.example.com/base", "sync.example.com:80"},
		{"not a url", ""},
	}
	for _, tt := range tests {
		if got := probeAddr(tt.url); got != tt.want {
			t.Errorf("probeAddr(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	got, err := parseWhen("2 weeks ago", now)
	if err != nil {
		t.Fatalf("parseWhen() failed: %v", err)
	}
	if want := now.AddDate(0, 0, -14); !got.Equal(want) {
		t.Errorf("parseWhen(2 weeks ago) = %v, want %v", got, want)
	}

	if _, err := parseWhen("the heat death of the universe", now); err == nil {
		t.Error("parseWhen() of nonsense should fail")
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1", "42"})
	if err != nil {
		t.Fatalf("parseIDs() failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 42 {
		t.Errorf("parseIDs() = %v", ids)
	}
	for _, bad := range []string{"x", "0", "-3"} {
		if _, err := parseIDs([]string{bad}); err == nil {
			t.Errorf("parseIDs(%q) should fail", bad)
		}
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"sync", "run"}, {"sync", "status"}, {"sync", "cleanup"},
		{"chain", "create"}, {"chain", "join"}, {"chain", "leave"}, {"chain", "devices"}, {"chain", "remove-device"},
		{"items", "list"}, {"items", "read"}, {"items", "unread"}, {"items", "read-key"}, {"items", "read-all"},
		{"items", "pin"}, {"items", "bookmark"}, {"items", "ingest"}, {"items", "fetch"}, {"items", "cleanup"},
		{"daemon"}, {"relay", "serve"}, {"relay", "loadtest"}, {"freshrss", "import"}, {"config", "init"}, {"config", "show"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		if err != nil || len(rest) != 0 || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered (got %v, rest %v, err %v)", path, cmd.Name(), rest, err)
		}
	}
}
