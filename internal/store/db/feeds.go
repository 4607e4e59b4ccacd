package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// UpsertFeed inserts a feed or refreshes its title and tag, returning its id.
//
// An empty title or tag on the incoming feed keeps the stored value.
func (db *DB) UpsertFeed(feed *schema.Feed) (int64, error) {
	return db.UpsertFeedContext(context.Background(), feed)
}

// UpsertFeedContext inserts or updates a feed with context support.
func (db *DB) UpsertFeedContext(ctx context.Context, feed *schema.Feed) (int64, error) {
	if err := feed.Validate(); err != nil {
		return 0, fmt.Errorf("invalid feed: %w", err)
	}

	query := `
	INSERT INTO feeds (url, title, tag, notify)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET
		title = CASE WHEN excluded.title != '' THEN excluded.title ELSE feeds.title END,
		tag = CASE WHEN excluded.tag != '' THEN excluded.tag ELSE feeds.tag END
	RETURNING id
	`

	var id int64
	err := db.conn.QueryRowContext(ctx, query, feed.URL, feed.Title, feed.Tag, boolToInt(feed.Notify)).Scan(&id)
	if err != nil {
		return 0, storageErr(fmt.Sprintf("upsert feed %s", feed.URL), err)
	}
	db.notifyChanged()
	return id, nil
}

// GetFeedByURL returns the feed with the given url, or ErrFeedNotFound.
func (db *DB) GetFeedByURL(ctx context.Context, url string) (*schema.Feed, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, url, title, tag, notify, last_sync FROM feeds WHERE url = ?`, url)
	feed, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFeedNotFound, url)
	}
	if err != nil {
		return nil, storageErr("get feed", err)
	}
	return feed, nil
}

// ListFeeds returns all feeds ordered by url.
func (db *DB) ListFeeds(ctx context.Context) ([]*schema.Feed, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, url, title, tag, notify, last_sync FROM feeds ORDER BY url ASC`)
	if err != nil {
		return nil, storageErr("list feeds", err)
	}
	defer rows.Close()

	var feeds []*schema.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, storageErr("scan feed", err)
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate feeds", err)
	}
	return feeds, nil
}

// ListFeedURLs returns the urls of all local feeds, sorted.
func (db *DB) ListFeedURLs(ctx context.Context) ([]string, error) {
	feeds, err := db.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(feeds))
	for _, f := range feeds {
		urls = append(urls, f.URL)
	}
	return urls, nil
}

// TouchFeed records a successful fetch of the feed.
func (db *DB) TouchFeed(ctx context.Context, feedID int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE feeds SET last_sync = ? WHERE id = ?`, toMillis(at), feedID)
	if err != nil {
		return storageErr("update feed last sync", err)
	}
	return nil
}

// DeleteFeed removes a feed and, through the foreign key, all of its items.
// Returns nil if the feed doesn't exist.
func (db *DB) DeleteFeed(url string) error {
	return db.DeleteFeedContext(context.Background(), url)
}

// DeleteFeedContext removes a feed with context support.
func (db *DB) DeleteFeedContext(ctx context.Context, url string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM feeds WHERE url = ?`, url); err != nil {
		return storageErr(fmt.Sprintf("delete feed %s", url), err)
	}
	db.notifyChanged()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*schema.Feed, error) {
	var feed schema.Feed
	var notify int
	var lastSync sql.NullInt64
	if err := row.Scan(&feed.ID, &feed.URL, &feed.Title, &feed.Tag, &notify, &lastSync); err != nil {
		return nil, err
	}
	feed.Notify = notify != 0
	feed.LastSync = nullIntToTime(lastSync)
	return &feed, nil
}
