package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// UpsertResult reports the outcome of one candidate in a batch upsert.
type UpsertResult struct {
	GUID     string
	ID       int64
	Inserted bool
	Err      error
}

// UpsertItem stores a candidate item keyed by (guid, feed_id).
//
// A new item is inserted unread, unless a read mark already exists for its
// (feed url, guid), pushed or not; then it is inserted read. An existing item has its
// content refreshed while read, notified, pinned and bookmarked stay as they
// are. Returns the item id and whether a row was inserted.
func (db *DB) UpsertItem(item *schema.Item, body string) (int64, bool, error) {
	return db.UpsertItemContext(context.Background(), item, body)
}

// UpsertItemContext upserts one item with context support.
func (db *DB) UpsertItemContext(ctx context.Context, item *schema.Item, body string) (int64, bool, error) {
	if err := item.Validate(); err != nil {
		return 0, false, fmt.Errorf("invalid item: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	id, inserted, err := upsertItemTx(ctx, tx, item, body)
	if err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, storageErr("commit item upsert", err)
	}
	db.notifyChanged()
	return id, inserted, nil
}

// readMarkQuery selects the staged read time of an item's (feed url, guid).
const readMarkQuery = `
	SELECT p.created_at FROM pending_read_marks p
	JOIN feeds f ON f.url = p.feed_url
	WHERE f.id = ? AND p.article_guid = ?
	LIMIT 1`

func upsertItemTx(ctx context.Context, tx *sql.Tx, item *schema.Item, body string) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM items WHERE guid = ? AND feed_id = ?`, item.GUID, item.FeedID).Scan(&id)

	switch {
	case err == nil:
		update := `
		UPDATE items SET
			title = ?,
			snippet = ?,
			link = ?,
			author = ?,
			body = CASE WHEN ? != '' THEN ? ELSE body END,
			pub_date = COALESCE(?, pub_date)
		WHERE id = ?
		`
		_, err = tx.ExecContext(ctx, update,
			item.Title, item.Snippet, item.Link, item.Author,
			body, body,
			timeToNullInt(item.PublishDate),
			id,
		)
		if err != nil {
			return 0, false, storageErr(fmt.Sprintf("update item %s", item.GUID), err)
		}
		return id, false, nil

	case errors.Is(err, sql.ErrNoRows):
		firstSynced := item.FirstSyncedTime
		if firstSynced.IsZero() {
			firstSynced = time.Now()
		}

		insert := `
		INSERT INTO items (
			guid, feed_id, title, snippet, link, author, body,
			pub_date, first_synced_time, read, read_time
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			EXISTS (`+readMarkQuery+`),
			(`+readMarkQuery+`)
		)
		RETURNING id
		`
		err = tx.QueryRowContext(ctx, insert,
			item.GUID, item.FeedID, item.Title, item.Snippet, item.Link, item.Author, body,
			timeToNullInt(item.PublishDate), toMillis(firstSynced),
			item.FeedID, item.GUID,
			item.FeedID, item.GUID,
		).Scan(&id)
		if err != nil {
			return 0, false, storageErr(fmt.Sprintf("insert item %s", item.GUID), err)
		}
		return id, true, nil

	default:
		return 0, false, storageErr("look up item", err)
	}
}

// UpsertItems upserts a batch of candidates item by item.
//
// The batch is not atomic: each candidate commits on its own and a failure is
// reported in that candidate's result so the caller can retry just the
// failed ones. Change subscribers are notified once.
func (db *DB) UpsertItems(ctx context.Context, candidates []schema.Candidate) []UpsertResult {
	results := make([]UpsertResult, len(candidates))
	changed := false

	for i := range candidates {
		c := &candidates[i]
		results[i].GUID = c.Item.GUID

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		if err := c.Validate(); err != nil {
			results[i].Err = fmt.Errorf("invalid item: %w", err)
			continue
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			results[i].Err = storageErr("begin transaction", err)
			continue
		}
		id, inserted, err := upsertItemTx(ctx, tx, &c.Item, c.Body)
		if err == nil {
			if cerr := tx.Commit(); cerr != nil {
				err = storageErr("commit item upsert", cerr)
			}
		}
		if err != nil {
			_ = tx.Rollback()
			results[i].Err = err
			continue
		}

		results[i].ID = id
		results[i].Inserted = inserted
		changed = true
	}

	if changed {
		db.notifyChanged()
	}
	return results
}

// SetRead changes only the read flag (and its timestamp) of an item.
// Sync bookkeeping is the caller's concern.
func (db *DB) SetRead(itemID int64, read bool) error {
	return db.SetReadContext(context.Background(), itemID, read)
}

// SetReadContext changes the read flag with context support.
func (db *DB) SetReadContext(ctx context.Context, itemID int64, read bool) error {
	return db.SetReadManyContext(ctx, []int64{itemID}, read)
}

// SetReadManyContext changes the read flag of several items in one transaction.
func (db *DB) SetReadManyContext(ctx context.Context, itemIDs []int64, read bool) error {
	if len(itemIDs) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	var readTime sql.NullInt64
	if read {
		readTime = sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true}
	}

	// read_time keeps the first read timestamp when an already read item is re-marked.
	stmt, err := tx.PrepareContext(ctx, `
		UPDATE items SET
			read = ?,
			read_time = CASE WHEN ? = 1 THEN COALESCE(read_time, ?) ELSE NULL END
		WHERE id = ?`)
	if err != nil {
		return storageErr("prepare read update", err)
	}
	defer stmt.Close()

	for _, id := range itemIDs {
		if _, err := stmt.ExecContext(ctx, boolToInt(read), boolToInt(read), readTime, id); err != nil {
			return storageErr(fmt.Sprintf("set read on item %d", id), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit read update", err)
	}
	db.notifyChanged()
	return nil
}

// MarkReadAndNotified marks an item read and notified in one write.
func (db *DB) MarkReadAndNotified(ctx context.Context, itemID int64) error {
	return db.execItemUpdate(ctx, "mark item read and notified",
		`UPDATE items SET read = 1, notified = 1, read_time = COALESCE(read_time, ?) WHERE id = ?`,
		time.Now().UnixMilli(), itemID)
}

// SetNotified changes the notified flag.
func (db *DB) SetNotified(ctx context.Context, itemID int64, notified bool) error {
	return db.execItemUpdate(ctx, "set notified",
		`UPDATE items SET notified = ? WHERE id = ?`, boolToInt(notified), itemID)
}

// SetPinned changes the pinned flag. Pinned items survive retention cleanup.
func (db *DB) SetPinned(ctx context.Context, itemID int64, pinned bool) error {
	return db.execItemUpdate(ctx, "set pinned",
		`UPDATE items SET pinned = ? WHERE id = ?`, boolToInt(pinned), itemID)
}

// SetBookmarked changes the bookmarked flag. Bookmarked items survive retention cleanup.
func (db *DB) SetBookmarked(ctx context.Context, itemID int64, bookmarked bool) error {
	return db.execItemUpdate(ctx, "set bookmarked",
		`UPDATE items SET bookmarked = ? WHERE id = ?`, boolToInt(bookmarked), itemID)
}

func (db *DB) execItemUpdate(ctx context.Context, op, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	db.notifyChanged()
	return nil
}

// LookupItemID resolves a cross-device key to the local item id.
// The boolean is false when no such item has been ingested.
func (db *DB) LookupItemID(ctx context.Context, key schema.ReadMarkKey) (int64, bool, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT i.id FROM items i
		JOIN feeds f ON f.id = i.feed_id
		WHERE f.url = ? AND i.guid = ?`, key.FeedURL, key.ArticleGUID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("look up item by key", err)
	}
	return id, true, nil
}

const itemColumns = `
	i.id, i.guid, i.feed_id, f.url, i.title, i.snippet, i.link, i.author,
	i.pub_date, i.first_synced_time, i.read, i.read_time,
	i.notified, i.pinned, i.bookmarked`

// GetItem returns the item with the given id, or ErrItemNotFound.
func (db *DB) GetItem(ctx context.Context, itemID int64) (*schema.Item, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items i JOIN feeds f ON f.id = i.feed_id WHERE i.id = ?`, itemID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, storageErr("get item", err)
	}
	return item, nil
}

// GetItemBody returns the stored body text of an item.
func (db *DB) GetItemBody(ctx context.Context, itemID int64) (string, error) {
	var body string
	err := db.conn.QueryRowContext(ctx, `SELECT body FROM items WHERE id = ?`, itemID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}
	if err != nil {
		return "", storageErr("get item body", err)
	}
	return body, nil
}

// ItemFilter configures ListItems and CountItems.
type ItemFilter struct {
	// FeedURL restricts to one feed (empty = all feeds)
	FeedURL string
	// Tag restricts to feeds with this tag (empty = all tags)
	Tag string
	// UnreadOnly restricts to unread items
	UnreadOnly bool
	// PinnedOnly restricts to pinned items
	PinnedOnly bool
	// BookmarkedOnly restricts to bookmarked items
	BookmarkedOnly bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results
	Offset int
}

func (f ItemFilter) where() (string, []any) {
	var conditions []string
	var args []any

	if f.FeedURL != "" {
		conditions = append(conditions, "f.url = ?")
		args = append(args, f.FeedURL)
	}
	if f.Tag != "" {
		conditions = append(conditions, "f.tag = ?")
		args = append(args, f.Tag)
	}
	if f.UnreadOnly {
		conditions = append(conditions, "i.read = 0")
	}
	if f.PinnedOnly {
		conditions = append(conditions, "i.pinned = 1")
	}
	if f.BookmarkedOnly {
		conditions = append(conditions, "i.bookmarked = 1")
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// ListItems returns items matching the filter, newest first.
func (db *DB) ListItems(ctx context.Context, filter ItemFilter) ([]*schema.Item, error) {
	where, args := filter.where()
	query := `SELECT ` + itemColumns + ` FROM items i JOIN feeds f ON f.id = i.feed_id` + where +
		` ORDER BY COALESCE(i.pub_date, i.first_synced_time) DESC, i.id DESC`

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list items", err)
	}
	defer rows.Close()

	var items []*schema.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("scan item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate items", err)
	}
	return items, nil
}

// CountItems returns the number of items matching the filter. Limit and Offset are ignored.
func (db *DB) CountItems(ctx context.Context, filter ItemFilter) (int, error) {
	where, args := filter.where()
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items i JOIN feeds f ON f.id = i.feed_id`+where, args...).Scan(&count)
	if err != nil {
		return 0, storageErr("count items", err)
	}
	return count, nil
}

// CleanupOldest returns the ids of items in the feed beyond the keepCount
// most recent, ordered oldest first. Recency is the publish date, or the
// first-synced time when the publish date is unknown; ties break on id.
//
// Pinned and bookmarked items are never candidates but count toward
// keepCount, so a feed with many protected items keeps fewer unprotected
// ones. Nothing is deleted; pass the result to DeleteItems.
func (db *DB) CleanupOldest(ctx context.Context, feedID int64, keepCount int) ([]int64, error) {
	var protected int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE feed_id = ? AND (pinned = 1 OR bookmarked = 1)`,
		feedID).Scan(&protected)
	if err != nil {
		return nil, storageErr("count protected items", err)
	}
	keepUnprotected := max(keepCount-protected, 0)

	query := `
	SELECT id FROM items
	WHERE feed_id = ? AND pinned = 0 AND bookmarked = 0
	ORDER BY COALESCE(pub_date, first_synced_time) DESC, id DESC
	LIMIT -1 OFFSET ?
	`
	rows, err := db.conn.QueryContext(ctx, query, feedID, keepUnprotected)
	if err != nil {
		return nil, storageErr("query cleanup candidates", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan cleanup candidate", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate cleanup candidates", err)
	}

	// Oldest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// DeleteItems removes the given items and returns how many rows went away.
func (db *DB) DeleteItems(ctx context.Context, itemIDs []int64) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM items WHERE id = ?`)
	if err != nil {
		return 0, storageErr("prepare item delete", err)
	}
	defer stmt.Close()

	deleted := 0
	for _, id := range itemIDs {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, storageErr(fmt.Sprintf("delete item %d", id), err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit item delete", err)
	}
	if deleted > 0 {
		db.notifyChanged()
	}
	return deleted, nil
}

func scanItem(row rowScanner) (*schema.Item, error) {
	var item schema.Item
	var pubDate, readTime sql.NullInt64
	var firstSynced int64
	var read, notified, pinned, bookmarked int

	err := row.Scan(
		&item.ID,
		&item.GUID,
		&item.FeedID,
		&item.FeedURL,
		&item.Title,
		&item.Snippet,
		&item.Link,
		&item.Author,
		&pubDate,
		&firstSynced,
		&read,
		&readTime,
		&notified,
		&pinned,
		&bookmarked,
	)
	if err != nil {
		return nil, err
	}

	item.PublishDate = nullIntToTime(pubDate)
	item.FirstSyncedTime = fromMillis(firstSynced)
	item.Read = read != 0
	item.ReadTime = nullIntToTime(readTime)
	item.Notified = notified != 0
	item.Pinned = pinned != 0
	item.Bookmarked = bookmarked != 0
	return &item, nil
}
