package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// Store is the part of the item store ingestion writes to.
type Store interface {
	UpsertFeedContext(ctx context.Context, feed *schema.Feed) (int64, error)
	UpsertItems(ctx context.Context, candidates []schema.Candidate) []db.UpsertResult
	CleanupOldest(ctx context.Context, feedID int64, keepCount int) ([]int64, error)
	DeleteItems(ctx context.Context, itemIDs []int64) (int, error)
	TouchFeed(ctx context.Context, feedID int64, at time.Time) error
}

// MarkApplier merges staged remote read marks into the item store.
// *reconcile.Engine implements it.
type MarkApplier interface {
	ApplyRemoteReadMarks(ctx context.Context) (applied, retained int, err error)
}

// Config holds ingester configuration.
type Config struct {
	// KeepPerFeed is the retention count per feed (0 = keep everything)
	KeepPerFeed int

	// Applier merges remote marks after new items arrive (nil = skip)
	Applier MarkApplier

	// Logger for ingestion activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{KeepPerFeed: 100}
}

// Result summarizes the ingestion of one feed's candidates.
type Result struct {
	FeedURL  string  `json:"feed_url" yaml:"feed_url"`
	FeedID   int64   `json:"feed_id" yaml:"feed_id"`
	Inserted int     `json:"inserted" yaml:"inserted"`
	Updated  int     `json:"updated" yaml:"updated"`
	Failed   int     `json:"failed" yaml:"failed"`
	Applied  int     `json:"applied" yaml:"applied"`
	Evicted  int     `json:"evicted" yaml:"evicted"`
	Errors   []error `json:"-" yaml:"-"`
}

// Ingester stores candidates and keeps retention in check.
type Ingester struct {
	store  Store
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// New creates an ingester.
func New(store Store, config *Config) *Ingester {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.KeepPerFeed < 0 {
		cfg.KeepPerFeed = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[ingest] ", log.LstdFlags)
	}
	return &Ingester{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Ingest upserts candidates into the feed. The feed is created when it
// does not exist; FeedID of every candidate is overwritten.
//
// Per-candidate failures are counted in the result and do not stop the
// batch. The returned error reports failures that concern the whole feed.
func (in *Ingester) Ingest(ctx context.Context, feed *schema.Feed, candidates []schema.Candidate) (*Result, error) {
	feedID, err := in.store.UpsertFeedContext(ctx, feed)
	if err != nil {
		return nil, fmt.Errorf("failed to register feed %s: %w", feed.URL, err)
	}
	result := &Result{FeedURL: feed.URL, FeedID: feedID}

	for i := range candidates {
		candidates[i].Item.FeedID = feedID
	}

	for _, r := range in.store.UpsertItems(ctx, candidates) {
		switch {
		case r.Err != nil:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("item %q: %w", r.GUID, r.Err))
		case r.Inserted:
			result.Inserted++
		default:
			result.Updated++
		}
	}
	if result.Failed > 0 {
		in.logger.Printf("Warning: %d of %d items from %s failed to store", result.Failed, len(candidates), feed.URL)
	}

	// Marks staged before these items existed can resolve now.
	if result.Inserted > 0 && in.cfg.Applier != nil {
		applied, _, err := in.cfg.Applier.ApplyRemoteReadMarks(ctx)
		if err != nil {
			in.logger.Printf("Warning: failed to apply remote read marks: %v", err)
		}
		result.Applied = applied
	}

	if in.cfg.KeepPerFeed > 0 {
		evicted, err := in.evict(ctx, feedID)
		if err != nil {
			return result, err
		}
		result.Evicted = evicted
	}

	if err := in.store.TouchFeed(ctx, feedID, in.now()); err != nil {
		return result, fmt.Errorf("failed to record sync time of %s: %w", feed.URL, err)
	}

	if result.Inserted > 0 || result.Evicted > 0 {
		in.logger.Printf("Ingested %s: %d new, %d updated, %d evicted", feed.URL, result.Inserted, result.Updated, result.Evicted)
	}
	return result, nil
}

func (in *Ingester) evict(ctx context.Context, feedID int64) (int, error) {
	ids, err := in.store.CleanupOldest(ctx, feedID, in.cfg.KeepPerFeed)
	if err != nil {
		return 0, fmt.Errorf("failed to select items for retention: %w", err)
	}
	n, err := in.store.DeleteItems(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old items: %w", err)
	}
	return n, nil
}

// Cleanup applies retention to every feed without ingesting anything.
func (in *Ingester) Cleanup(ctx context.Context, feedIDs []int64) (int, error) {
	if in.cfg.KeepPerFeed <= 0 {
		return 0, nil
	}
	total := 0
	for _, id := range feedIDs {
		n, err := in.evict(ctx, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
