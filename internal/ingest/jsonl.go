package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// Record is one line of an inbox file.
type Record struct {
	FeedURL   string     `json:"feed_url"`
	FeedTitle string     `json:"feed_title,omitempty"`
	FeedTag   string     `json:"feed_tag,omitempty"`
	GUID      string     `json:"guid"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet,omitempty"`
	Link      string     `json:"link,omitempty"`
	Author    string     `json:"author,omitempty"`
	Published *time.Time `json:"published,omitempty"`
	Body      string     `json:"body,omitempty"`
}

// Batch groups candidates of one feed, in file order.
type Batch struct {
	Feed       schema.Feed
	Candidates []schema.Candidate
}

// ReadJSONLFile reads an inbox file. See ReadJSONL.
func ReadJSONLFile(path string) ([]Batch, error) {
	// #nosec G304 - path comes from the inbox watcher or the CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return ReadJSONL(file)
}

// ReadJSONL decodes one Record per line and groups them by feed in order of
// first appearance. A malformed line fails the whole file.
func ReadJSONL(r io.Reader) ([]Batch, error) {
	decoder := json.NewDecoder(r)
	index := make(map[string]int)
	var batches []Batch
	lineNum := 0

	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if err := schema.ValidateFeedURL(rec.FeedURL); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		i, ok := index[rec.FeedURL]
		if !ok {
			i = len(batches)
			index[rec.FeedURL] = i
			batches = append(batches, Batch{Feed: schema.Feed{URL: rec.FeedURL}})
		}
		b := &batches[i]
		if rec.FeedTitle != "" {
			b.Feed.Title = rec.FeedTitle
		}
		if rec.FeedTag != "" {
			b.Feed.Tag = rec.FeedTag
		}

		b.Candidates = append(b.Candidates, schema.Candidate{
			Item: schema.Item{
				GUID:        rec.GUID,
				Title:       rec.Title,
				Snippet:     rec.Snippet,
				Link:        rec.Link,
				Author:      rec.Author,
				PublishDate: rec.Published,
			},
			Body: rec.Body,
		})
	}

	return batches, nil
}
