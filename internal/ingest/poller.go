package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// snippetLength bounds the plain-text snippet stored with an item.
const snippetLength = 200

// FeedLister lists subscribed feeds.
type FeedLister interface {
	ListFeeds(ctx context.Context) ([]*schema.Feed, error)
}

// PollerConfig holds poller configuration.
type PollerConfig struct {
	// Timeout bounds one feed fetch (default: 30s)
	Timeout time.Duration

	// UserAgent sent with feed requests
	UserAgent string

	// Logger for poll activity (default: stderr logger)
	Logger *log.Logger
}

// Poller fetches subscribed feeds and hands their items to an Ingester.
type Poller struct {
	feeds    FeedLister
	ingester *Ingester
	parser   *gofeed.Parser
	timeout  time.Duration
	logger   *log.Logger
}

// NewPoller creates a poller.
func NewPoller(feeds FeedLister, ingester *Ingester, config *PollerConfig) *Poller {
	if config == nil {
		config = &PollerConfig{}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[poller] ", log.LstdFlags)
	}

	parser := gofeed.NewParser()
	if config.UserAgent != "" {
		parser.UserAgent = config.UserAgent
	}
	return &Poller{feeds: feeds, ingester: ingester, parser: parser, timeout: timeout, logger: logger}
}

// PollFeed fetches one feed and ingests its items.
func (p *Poller) PollFeed(ctx context.Context, feed *schema.Feed) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	parsed, err := p.parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed %s: %w", feed.URL, err)
	}

	f := *feed
	if f.Title == "" {
		f.Title = parsed.Title
	}
	return p.ingester.Ingest(ctx, &f, Candidates(parsed))
}

// PollAll fetches every subscribed feed. A failing feed is logged and
// skipped; the error is returned only when the feed list cannot be read.
func (p *Poller) PollAll(ctx context.Context) ([]*Result, error) {
	feeds, err := p.feeds.ListFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}

	var results []*Result
	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := p.PollFeed(ctx, feed)
		if err != nil {
			p.logger.Printf("Warning: %v", err)
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// Candidates converts a parsed feed into store candidates. Items without a
// guid fall back to their link; items with neither are skipped.
func Candidates(parsed *gofeed.Feed) []schema.Candidate {
	out := make([]schema.Candidate, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		guid := it.GUID
		if guid == "" {
			guid = it.Link
		}
		if guid == "" {
			continue
		}

		body := it.Content
		if body == "" {
			body = it.Description
		}

		item := schema.Item{
			GUID:        guid,
			Title:       it.Title,
			Link:        it.Link,
			Snippet:     snippet(it.Description),
			PublishDate: it.PublishedParsed,
		}
		if item.PublishDate == nil {
			item.PublishDate = it.UpdatedParsed
		}
		if it.Author != nil {
			item.Author = it.Author.Name
		}
		out = append(out, schema.Candidate{Item: item, Body: body})
	}
	return out
}

// snippet strips markup and truncates s on a rune boundary.
func snippet(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	text := strings.Join(strings.Fields(b.String()), " ")

	runes := []rune(text)
	if len(runes) > snippetLength {
		return string(runes[:snippetLength])
	}
	return text
}
