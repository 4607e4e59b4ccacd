package daemon_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/feedsync/internal/daemon"
	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/reconcile"
	"github.com/mschirtzinger/feedsync/internal/scheduler"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/transport/httpsync"
)

// Example shows a daemon ingesting a batch file dropped into its inbox.
func Example() {
	dir, err := os.MkdirTemp("", "feedsync-daemon")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := db.Open(filepath.Join(dir, "feedsync.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		log.Fatal(err)
	}

	quiet := log.New(io.Discard, "", 0)
	client, err := httpsync.New(httpsync.Config{ServerURL: "http://127.0.0.1:1", Logger: quiet})
	if err != nil {
		log.Fatal(err)
	}
	sched := scheduler.New(&scheduler.Config{Logger: quiet})
	engine := reconcile.New(store, store, client, &reconcile.Config{Scheduler: sched, Logger: quiet})
	ingester := ingest.New(store, &ingest.Config{KeepPerFeed: 100, Applier: engine, Logger: quiet})

	config := daemon.DefaultConfig()
	config.InboxDir = filepath.Join(dir, "inbox")
	config.DebounceInterval = 50 * time.Millisecond
	config.PollSchedule = ""
	config.Logger = quiet

	d, err := daemon.New(daemon.Deps{Store: store, Engine: engine, Ingester: ingester, Scheduler: sched}, config)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	batch := `{"feed_url":"https://example.com/feed","guid":"1","title":"First"}
{"feed_url":"https://example.com/feed","guid":"2","title":"Second"}
`
	if err := os.WriteFile(filepath.Join(config.InboxDir, "batch.jsonl"), []byte(batch), 0o644); err != nil {
		log.Fatal(err)
	}

	var n int
	for i := 0; i < 100 && n < 2; i++ {
		time.Sleep(20 * time.Millisecond)
		n, _ = store.CountItems(context.Background(), db.ItemFilter{})
	}

	cancel()
	<-errCh
	fmt.Printf("items: %d\n", n)

	// Output:
	// items: 2
}
