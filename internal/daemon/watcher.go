package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// InboxExt is the extension of candidate batch files.
const InboxExt = ".jsonl"

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was written to.
	OpModify
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// FileEvent is a change to a batch file in the inbox.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// InboxWatcher watches one directory for new or updated batch files.
// Removals and renames are ignored: the daemon removes processed files itself.
type InboxWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewInboxWatcher creates a watcher. It emits nothing until Start.
func NewInboxWatcher() (*InboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &InboxWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (w *InboxWatcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve inbox %s: %w", dir, err)
	}
	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", abs, err)
	}
	w.dir = abs

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited.
func (w *InboxWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel of inbox changes. It is closed by Stop.
func (w *InboxWatcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (w *InboxWatcher) Errors() <-chan error {
	return w.errors
}

func (w *InboxWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if fe, ok := w.convertEvent(event); ok {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent keeps create and write events of batch files directly in
// the inbox.
func (w *InboxWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !strings.HasSuffix(event.Name, InboxExt) {
		return FileEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(abs) != w.dir {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: abs, Op: op}, true
}

// IsRunning returns true if the watcher is currently running.
func (w *InboxWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
