package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitEvent(t *testing.T, w *InboxWatcher) (FileEvent, bool) {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev, true
	case <-time.After(2 * time.Second):
		return FileEvent{}, false
	}
}

func TestInboxWatcher_StartStop(t *testing.T) {
	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if err := w.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := w.Start(t.TempDir()); err == nil {
		t.Error("second Start() should fail")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if _, ok := <-w.Events(); ok {
		t.Error("Events() should be closed after Stop()")
	}
}

func TestInboxWatcher_StartNonexistentDirectory(t *testing.T) {
	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Start() on a missing directory should fail")
	}
}

func TestInboxWatcher_BatchFileCreated(t *testing.T) {
	dir := t.TempDir()
	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	path := filepath.Join(dir, "batch.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	ev, ok := waitEvent(t, w)
	if !ok {
		t.Fatal("no event for new batch file")
	}
	abs, _ := filepath.Abs(path)
	if ev.Path != abs {
		t.Errorf("Path = %q, want %q", ev.Path, abs)
	}
	if ev.Op != OpCreate && ev.Op != OpModify {
		t.Errorf("Op = %v, want create or modify", ev.Op)
	}
}

func TestInboxWatcher_OtherFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	w, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Errorf("unexpected event for non-batch file: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
