package freshrss

import (
	"context"
	"fmt"
	"time"

	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// Ingester stores fetched candidates. *ingest.Ingester implements it.
type Ingester interface {
	Ingest(ctx context.Context, feed *schema.Feed, candidates []schema.Candidate) (*ingest.Result, error)
}

// ImportOptions tune an import.
type ImportOptions struct {
	// FetchCount is the number of unread articles requested (default: 50)
	FetchCount int
	// BatchSize bounds candidates per ingestion call (default: 50)
	BatchSize int
}

// ImportResult summarizes an import.
type ImportResult struct {
	Feeds    int `json:"feeds" yaml:"feeds"`
	Articles int `json:"articles" yaml:"articles"`
	Inserted int `json:"inserted" yaml:"inserted"`
	Skipped  int `json:"skipped" yaml:"skipped"`
	Failed   int `json:"failed" yaml:"failed"`
}

// Import logs in, registers every subscription as a feed and ingests the
// unread articles. Articles whose origin is not a known subscription are
// skipped. Read state is not sent back to the server.
func Import(ctx context.Context, c *Client, in Ingester, opts ImportOptions) (*ImportResult, error) {
	if opts.FetchCount <= 0 {
		opts.FetchCount = 50
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}

	if err := c.Login(ctx); err != nil {
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	if _, err := c.Token(ctx); err != nil {
		return nil, fmt.Errorf("failed to get action token: %w", err)
	}

	subs, err := c.Subscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions: %w", err)
	}
	feeds := make(map[string]*schema.Feed, len(subs))
	var order []string
	for _, s := range subs {
		if schema.ValidateFeedURL(s.URL) != nil {
			c.logger.Printf("Warning: skipping subscription %q with invalid url %q", s.Title, s.URL)
			continue
		}
		feeds[s.ID] = &schema.Feed{URL: s.URL, Title: s.Title}
		order = append(order, s.ID)
	}

	articles, err := c.UnreadItems(ctx, opts.FetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unread items: %w", err)
	}

	result := &ImportResult{Feeds: len(order), Articles: len(articles)}
	grouped := make(map[string][]schema.Candidate)
	for i := range articles {
		a := &articles[i]
		if _, ok := feeds[a.Origin.StreamID]; !ok || a.ID == "" {
			result.Skipped++
			continue
		}
		grouped[a.Origin.StreamID] = append(grouped[a.Origin.StreamID], candidate(a))
	}

	for _, id := range order {
		feed := feeds[id]
		cands := grouped[id]
		if len(cands) == 0 {
			if _, err := in.Ingest(ctx, feed, nil); err != nil {
				return result, err
			}
			continue
		}
		for start := 0; start < len(cands); start += opts.BatchSize {
			end := min(start+opts.BatchSize, len(cands))
			r, err := in.Ingest(ctx, feed, cands[start:end])
			if err != nil {
				return result, err
			}
			result.Inserted += r.Inserted
			result.Failed += r.Failed
		}
	}

	c.logger.Printf("Imported %d feeds and %d articles (%d new)", result.Feeds, result.Articles-result.Skipped, result.Inserted)
	return result, nil
}

func candidate(a *Article) schema.Candidate {
	item := schema.Item{
		GUID:    a.ID,
		Title:   a.Title,
		Link:    a.Link(),
		Author:  a.Author,
		Snippet: a.Summary.Content,
	}
	if r := []rune(item.Snippet); len(r) > 200 {
		item.Snippet = string(r[:200])
	}
	if a.Published > 0 {
		t := time.Unix(a.Published, 0)
		item.PublishDate = &t
	}
	return schema.Candidate{Item: item, Body: a.Body()}
}
