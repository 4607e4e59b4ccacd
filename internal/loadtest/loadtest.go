// Package loadtest simulates a fleet of devices sharing one sync chain.
//
// Every device has its own store, transport client and engine, all talking
// to one in-process relay. A read storm has each device mark a random share
// of the common items read and sync concurrently; convergence is then
// checked by comparing every device's read set with the union of all marks.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/reconcile"
	"github.com/mschirtzinger/feedsync/internal/relay"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/transport/httpsync"
)

// Config sizes a fleet.
type Config struct {
	// Devices in the chain (default: 5)
	Devices int
	// Feeds per device (default: 5)
	Feeds int
	// ItemsPerFeed ingested into every device (default: 50)
	ItemsPerFeed int
	// Dir holds the device databases (default: a temp dir removed by Close)
	Dir string
	// Logger for component activity (default: discard)
	Logger *log.Logger
}

// Device is one simulated installation.
type Device struct {
	Name   string
	Store  *db.DB
	Engine *reconcile.Engine
}

// Fleet is a running relay plus its member devices.
type Fleet struct {
	Devices []*Device

	relay   *relay.Server
	keys    []schema.ReadMarkKey
	dir     string
	tempDir bool

	mu     sync.Mutex
	marked map[schema.ReadMarkKey]bool
}

// LatencyStats captures cycle latencies of a run.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalCycles int
	Errors      int
	MarksPushed int
}

// NewFleet starts a relay on a free local port, creates a chain on the
// first device, joins the rest and ingests the same items everywhere.
func NewFleet(ctx context.Context, cfg Config) (*Fleet, error) {
	if cfg.Devices <= 0 {
		cfg.Devices = 5
	}
	if cfg.Feeds <= 0 {
		cfg.Feeds = 5
	}
	if cfg.ItemsPerFeed <= 0 {
		cfg.ItemsPerFeed = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	f := &Fleet{dir: cfg.Dir, marked: make(map[schema.ReadMarkKey]bool)}
	if f.dir == "" {
		dir, err := os.MkdirTemp("", "feedsync-loadtest")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		f.dir, f.tempDir = dir, true
	}

	f.relay = relay.NewServer(&relay.Config{Addr: "127.0.0.1:0", Logger: logger})
	if err := f.relay.Start(); err != nil {
		f.Close()
		return nil, err
	}
	serverURL := "http://" + f.relay.GetAddr()

	batches := generateBatches(cfg.Feeds, cfg.ItemsPerFeed)
	for _, b := range batches {
		for _, c := range b.Candidates {
			f.keys = append(f.keys, schema.ReadMarkKey{FeedURL: b.Feed.URL, ArticleGUID: c.Item.GUID})
		}
	}

	var code, secret string
	for i := 0; i < cfg.Devices; i++ {
		d, err := newDevice(ctx, filepath.Join(f.dir, fmt.Sprintf("device-%03d.db", i)), serverURL, logger)
		if err != nil {
			f.Close()
			return nil, err
		}
		d.Name = fmt.Sprintf("device-%03d", i)
		f.Devices = append(f.Devices, d)

		if i == 0 {
			remote, err := d.Engine.CreateChain(ctx, d.Name)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to create chain: %w", err)
			}
			code, secret = remote.SyncCode, remote.SecretKey
		} else if _, err := d.Engine.JoinChain(ctx, code, secret, d.Name); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to join %s: %w", d.Name, err)
		}

		in := ingest.New(d.Store, &ingest.Config{Applier: d.Engine, Logger: logger})
		for j := range batches {
			if _, err := in.Ingest(ctx, &batches[j].Feed, batches[j].Candidates); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to ingest into %s: %w", d.Name, err)
			}
		}
	}
	return f, nil
}

func newDevice(ctx context.Context, path, serverURL string, logger *log.Logger) (*Device, error) {
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		store.Close()
		return nil, err
	}
	client, err := httpsync.New(httpsync.Config{ServerURL: serverURL, Timeout: 30 * time.Second, Logger: logger})
	if err != nil {
		store.Close()
		return nil, err
	}
	engine := reconcile.New(store, store, client, &reconcile.Config{ServerURL: serverURL, Logger: logger})
	return &Device{Store: store, Engine: engine}, nil
}

// Close stops the relay and closes every device store.
func (f *Fleet) Close() error {
	var firstErr error
	for _, d := range f.Devices {
		if err := d.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.relay != nil {
		if err := f.relay.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.tempDir {
		_ = os.RemoveAll(f.dir)
	}
	return firstErr
}

// Items is the number of items every device holds.
func (f *Fleet) Items() int {
	return len(f.keys)
}

// RunReadStorm has every device concurrently mark marksPerDevice random
// items read and run a sync cycle after each batch of batchSize marks.
func (f *Fleet) RunReadStorm(ctx context.Context, marksPerDevice, batchSize int) (*LatencyStats, error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	if marksPerDevice > len(f.keys) {
		marksPerDevice = len(f.keys)
	}

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, len(f.Devices))
	pushedChan := make(chan int, len(f.Devices))
	errorsChan := make(chan error, len(f.Devices))

	for i, d := range f.Devices {
		wg.Add(1)
		go func(i int, d *Device) {
			defer wg.Done()

			// Deterministic per device for reproducibility.
			rng := rand.New(rand.NewSource(int64(42 + i)))
			order := rng.Perm(len(f.keys))[:marksPerDevice]

			durations := make([]time.Duration, 0, marksPerDevice/batchSize+1)
			pushed := 0
			for start := 0; start < len(order); start += batchSize {
				end := min(start+batchSize, len(order))
				for _, idx := range order[start:end] {
					key := f.keys[idx]
					if err := d.Engine.MarkReadByKey(ctx, key); err != nil {
						errorsChan <- fmt.Errorf("%s mark failed: %w", d.Name, err)
						return
					}
					f.recordMark(key)
				}

				began := time.Now()
				report, err := d.Engine.Cycle(ctx)
				durations = append(durations, time.Since(began))
				if err != nil {
					errorsChan <- fmt.Errorf("%s cycle failed: %w", d.Name, err)
					return
				}
				pushed += report.Pushed
			}
			resultsChan <- durations
			pushedChan <- pushed
		}(i, d)
	}

	wg.Wait()
	close(resultsChan)
	close(pushedChan)
	close(errorsChan)

	var errs []error
	for err := range errorsChan {
		errs = append(errs, err)
	}
	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		if len(errs) > 0 {
			return nil, errs[0]
		}
		return nil, fmt.Errorf("no cycles completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = len(errs)
	for n := range pushedChan {
		stats.MarksPushed += n
	}
	return stats, nil
}

// SettleAndVerify runs one more cycle on every device so each pulls the
// marks pushed after its last cycle, then checks that every device has
// exactly the fleet-wide marked items read.
func (f *Fleet) SettleAndVerify(ctx context.Context) error {
	for _, d := range f.Devices {
		if _, err := d.Engine.Cycle(ctx); err != nil {
			return fmt.Errorf("%s settle cycle failed: %w", d.Name, err)
		}
	}

	f.mu.Lock()
	want := len(f.marked)
	f.mu.Unlock()

	for _, d := range f.Devices {
		read, err := d.Store.ListItems(ctx, db.ItemFilter{})
		if err != nil {
			return err
		}
		got := 0
		for _, it := range read {
			key := schema.ReadMarkKey{FeedURL: it.FeedURL, ArticleGUID: it.GUID}
			f.mu.Lock()
			marked := f.marked[key]
			f.mu.Unlock()
			switch {
			case it.Read && !marked:
				return fmt.Errorf("%s has %s read but no device marked it", d.Name, key)
			case !it.Read && marked:
				return fmt.Errorf("%s is missing the read mark for %s", d.Name, key)
			case it.Read:
				got++
			}
		}
		if got != want {
			return fmt.Errorf("%s has %d read items, want %d", d.Name, got, want)
		}
	}
	return nil
}

func (f *Fleet) recordMark(key schema.ReadMarkKey) {
	f.mu.Lock()
	f.marked[key] = true
	f.mu.Unlock()
}

// generateBatches creates the shared feed content. Publish dates are
// staggered an hour apart going back from a fixed base.
func generateBatches(feeds, perFeed int) []ingest.Batch {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	batches := make([]ingest.Batch, feeds)
	for i := 0; i < feeds; i++ {
		url := fmt.Sprintf("https://feeds.example.com/%03d.xml", i)
		b := ingest.Batch{Feed: schema.Feed{URL: url, Title: fmt.Sprintf("Feed %d", i)}}
		for j := 0; j < perFeed; j++ {
			pub := base.Add(-time.Duration(j) * time.Hour)
			b.Candidates = append(b.Candidates, schema.Candidate{
				Item: schema.Item{
					GUID:        fmt.Sprintf("%03d-%05d", i, j),
					Title:       fmt.Sprintf("Article %d of feed %d", j, i),
					PublishDate: &pub,
				},
			})
		}
		batches[i] = b
	}
	return batches
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(sorted)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalCycles: len(sorted),
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Cycle Latency:\n")
	fmt.Fprintf(w, "  Total Cycles:  %d\n", s.TotalCycles)
	fmt.Fprintf(w, "  Marks Pushed:  %d\n", s.MarksPushed)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
