// Package schema provides the records persisted by the feedsync stores.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// Item is one ingested article.
//
// (GUID, FeedID) is the natural identity of an item. Re-ingesting the same
// pair updates the stored row and never creates a second one.
type Item struct {
	// ===== Identity =====
	ID     int64  `json:"id"`
	GUID   string `json:"guid"`
	FeedID int64  `json:"feed_id"`

	// FeedURL is filled from the owning feed on reads; it is not stored on the item row.
	FeedURL string `json:"feed_url,omitempty"`

	// ===== Content (refined by re-ingestion) =====
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet,omitempty"`
	Link        string     `json:"link,omitempty"`
	Author      string     `json:"author,omitempty"`
	PublishDate *time.Time `json:"publish_date,omitempty"`

	FirstSyncedTime time.Time `json:"first_synced_time"`

	// ===== User state (never overwritten by ingestion) =====
	Read       bool       `json:"read"`
	ReadTime   *time.Time `json:"read_time,omitempty"`
	Notified   bool       `json:"notified"`
	Pinned     bool       `json:"pinned"`
	Bookmarked bool       `json:"bookmarked"`
}

// Validate checks the fields required to store an item.
func (i *Item) Validate() error {
	if strings.TrimSpace(i.GUID) == "" {
		return fmt.Errorf("guid is required")
	}
	if i.FeedID <= 0 {
		return fmt.Errorf("feed_id is required")
	}
	if len(i.Title) > 2000 {
		return fmt.Errorf("title must be 2000 characters or less (got %d)", len(i.Title))
	}
	return nil
}

// SortTime is the time used to order items for retention: the publish date
// when known, otherwise the time the item was first seen.
func (i *Item) SortTime() time.Time {
	if i.PublishDate != nil && !i.PublishDate.IsZero() {
		return *i.PublishDate
	}
	return i.FirstSyncedTime
}

// Protected reports whether retention cleanup must keep the item regardless of age.
func (i *Item) Protected() bool {
	return i.Pinned || i.Bookmarked
}

// Key returns the cross-device identity of the item. FeedURL must be populated.
func (i *Item) Key() ReadMarkKey {
	return ReadMarkKey{FeedURL: i.FeedURL, ArticleGUID: i.GUID}
}
