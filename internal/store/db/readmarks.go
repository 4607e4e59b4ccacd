package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// AddPendingReadMark records that an article was read locally and must be
// sent to the chain. Repeated calls for the same key collapse into one row,
// which is reset to unsynced with a fresh created_at.
//
// The item does not have to exist locally.
func (db *DB) AddPendingReadMark(key schema.ReadMarkKey) error {
	return db.AddPendingReadMarksContext(context.Background(), []schema.ReadMarkKey{key})
}

// AddPendingReadMarkContext records one pending mark with context support.
func (db *DB) AddPendingReadMarkContext(ctx context.Context, key schema.ReadMarkKey) error {
	return db.AddPendingReadMarksContext(ctx, []schema.ReadMarkKey{key})
}

// AddPendingReadMarksContext records several pending marks in one transaction.
func (db *DB) AddPendingReadMarksContext(ctx context.Context, keys []schema.ReadMarkKey) error {
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			return fmt.Errorf("invalid read mark %s: %w", k, err)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pending_read_marks (feed_url, article_guid, created_at, synced)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(feed_url, article_guid) DO UPDATE SET
			created_at = excluded.created_at,
			synced = 0`)
	if err != nil {
		return storageErr("prepare pending mark insert", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.FeedURL, k.ArticleGUID, now); err != nil {
			return storageErr(fmt.Sprintf("add pending read mark %s", k), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit pending marks", err)
	}
	db.notifyChanged()
	return nil
}

// MarkSynced records that the read state of a local item is known to the
// chain. A confirmed row is created when none exists, which is how marks
// applied from peers are remembered for later ingestion.
func (db *DB) MarkSynced(ctx context.Context, itemID int64) error {
	query := `
	INSERT INTO pending_read_marks (feed_url, article_guid, created_at, synced)
	SELECT f.url, i.guid, ?, 1
	FROM items i JOIN feeds f ON f.id = i.feed_id
	WHERE i.id = ?
	ON CONFLICT(feed_url, article_guid) DO UPDATE SET
		synced = 1
	`
	if _, err := db.conn.ExecContext(ctx, query, time.Now().UnixMilli(), itemID); err != nil {
		return storageErr(fmt.Sprintf("mark item %d synced", itemID), err)
	}
	db.notifyChanged()
	return nil
}

// MarkNotSynced flips the mark of a local item back to unsynced, so a later
// read pushes again. It is a no-op when the item has no mark.
func (db *DB) MarkNotSynced(ctx context.Context, itemID int64) error {
	query := `
	UPDATE pending_read_marks SET synced = 0
	WHERE (feed_url, article_guid) IN (
		SELECT f.url, i.guid FROM items i JOIN feeds f ON f.id = i.feed_id WHERE i.id = ?
	)
	`
	if _, err := db.conn.ExecContext(ctx, query, itemID); err != nil {
		return storageErr(fmt.Sprintf("mark item %d not synced", itemID), err)
	}
	db.notifyChanged()
	return nil
}

// MarkKeysSynced flips the given marks to synced after the remote service
// confirmed them. Returns the number of rows changed.
func (db *DB) MarkKeysSynced(ctx context.Context, keys []schema.ReadMarkKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE pending_read_marks SET synced = 1 WHERE feed_url = ? AND article_guid = ?`)
	if err != nil {
		return 0, storageErr("prepare synced update", err)
	}
	defer stmt.Close()

	changed := 0
	for _, k := range keys {
		res, err := stmt.ExecContext(ctx, k.FeedURL, k.ArticleGUID)
		if err != nil {
			return 0, storageErr(fmt.Sprintf("mark %s synced", k), err)
		}
		n, _ := res.RowsAffected()
		changed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit synced marks", err)
	}
	db.notifyChanged()
	return changed, nil
}

// GetPendingReadMarks returns unsynced marks that should be pushed, oldest
// first. A mark whose local item exists but is currently unread is held
// back: the user took the read back before it left the device.
//
// When after is non-nil only marks ordered after it are returned, so a
// caller can page past marks the service keeps rejecting.
func (db *DB) GetPendingReadMarks(ctx context.Context, after *schema.PendingReadMark, limit int) ([]schema.PendingReadMark, error) {
	query := `
	SELECT p.id, p.feed_url, p.article_guid, p.created_at, p.synced
	FROM pending_read_marks p
	WHERE p.synced = 0
	  AND NOT EXISTS (
		SELECT 1 FROM items i JOIN feeds f ON f.id = i.feed_id
		WHERE f.url = p.feed_url AND i.guid = p.article_guid AND i.read = 0
	  )
	`
	var args []any
	if after != nil {
		created := after.CreatedAt.UnixMilli()
		query += " AND (p.created_at > ? OR (p.created_at = ? AND p.id > ?))"
		args = append(args, created, created, after.ID)
	}
	query += " ORDER BY p.created_at ASC, p.id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query pending read marks", err)
	}
	defer rows.Close()

	var marks []schema.PendingReadMark
	for rows.Next() {
		m, err := scanPendingMark(rows)
		if err != nil {
			return nil, storageErr("scan pending read mark", err)
		}
		marks = append(marks, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate pending read marks", err)
	}
	return marks, nil
}

// GetPendingReadMark returns the staged mark for a key, or nil when none exists.
func (db *DB) GetPendingReadMark(ctx context.Context, key schema.ReadMarkKey) (*schema.PendingReadMark, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, feed_url, article_guid, created_at, synced
		FROM pending_read_marks WHERE feed_url = ? AND article_guid = ?`, key.FeedURL, key.ArticleGUID)
	m, err := scanPendingMark(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get pending read mark", err)
	}
	return m, nil
}

// CountPendingReadMarks returns the number of unsynced marks.
func (db *DB) CountPendingReadMarks(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_read_marks WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, storageErr("count pending read marks", err)
	}
	return n, nil
}

// SyncedGUIDsInFeed returns the guids of a feed that are known to be read on the chain.
func (db *DB) SyncedGUIDsInFeed(ctx context.Context, feedURL string) (map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT article_guid FROM pending_read_marks WHERE feed_url = ? AND synced = 1`, feedURL)
	if err != nil {
		return nil, storageErr("query synced guids", err)
	}
	defer rows.Close()

	guids := make(map[string]bool)
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, storageErr("scan synced guid", err)
		}
		guids[g] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate synced guids", err)
	}
	return guids, nil
}

// DeleteStalePendingMarks removes unsynced marks created before the cutoff.
// This bounds the staging table when a mark can never be delivered.
func (db *DB) DeleteStalePendingMarks(ctx context.Context, before time.Time) (int64, error) {
	return db.execDelete(ctx, "delete stale pending read marks",
		`DELETE FROM pending_read_marks WHERE synced = 0 AND created_at < ?`, toMillis(before))
}

// PruneSyncedMarks removes confirmed marks created before the cutoff.
func (db *DB) PruneSyncedMarks(ctx context.Context, before time.Time) (int64, error) {
	return db.execDelete(ctx, "prune synced read marks",
		`DELETE FROM pending_read_marks WHERE synced = 1 AND created_at < ?`, toMillis(before))
}

// AddRemoteReadMarks stages marks pulled from the chain. Marks already
// staged for the same key are left alone. Returns the number of new rows.
func (db *DB) AddRemoteReadMarks(ctx context.Context, marks []schema.RemoteReadMark) (int, error) {
	if len(marks) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO remote_read_marks (feed_url, article_guid, timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT(feed_url, article_guid) DO NOTHING`)
	if err != nil {
		return 0, storageErr("prepare remote mark insert", err)
	}
	defer stmt.Close()

	added := 0
	for _, m := range marks {
		if err := m.Validate(); err != nil {
			return 0, fmt.Errorf("invalid remote read mark: %w", err)
		}
		res, err := stmt.ExecContext(ctx, m.FeedURL, m.ArticleGUID, toMillis(m.Timestamp))
		if err != nil {
			return 0, storageErr(fmt.Sprintf("add remote read mark %s", m.ReadMarkKey), err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit remote marks", err)
	}
	if added > 0 {
		db.notifyChanged()
	}
	return added, nil
}

// GetMarksReadyToApply returns every staged remote mark in arrival order.
func (db *DB) GetMarksReadyToApply(ctx context.Context) ([]schema.RemoteReadMark, error) {
	return db.queryRemoteMarks(ctx, "")
}

// GetMarksForFeed returns the staged remote marks of one feed in arrival order.
func (db *DB) GetMarksForFeed(ctx context.Context, feedURL string) ([]schema.RemoteReadMark, error) {
	return db.queryRemoteMarks(ctx, feedURL)
}

func (db *DB) queryRemoteMarks(ctx context.Context, feedURL string) ([]schema.RemoteReadMark, error) {
	query := `SELECT id, feed_url, article_guid, timestamp FROM remote_read_marks`
	var args []any
	if feedURL != "" {
		query += ` WHERE feed_url = ?`
		args = append(args, feedURL)
	}
	query += ` ORDER BY id ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query remote read marks", err)
	}
	defer rows.Close()

	var marks []schema.RemoteReadMark
	for rows.Next() {
		var m schema.RemoteReadMark
		var ts int64
		if err := rows.Scan(&m.ID, &m.FeedURL, &m.ArticleGUID, &ts); err != nil {
			return nil, storageErr("scan remote read mark", err)
		}
		m.Timestamp = fromMillis(ts)
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate remote read marks", err)
	}
	return marks, nil
}

// DeleteRemoteReadMarks removes consumed remote marks by id.
func (db *DB) DeleteRemoteReadMarks(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM remote_read_marks WHERE id = ?`)
	if err != nil {
		return storageErr("prepare remote mark delete", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return storageErr(fmt.Sprintf("delete remote read mark %d", id), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit remote mark delete", err)
	}
	return nil
}

// CountRemoteReadMarks returns the number of staged, unapplied remote marks.
func (db *DB) CountRemoteReadMarks(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM remote_read_marks`).Scan(&n); err != nil {
		return 0, storageErr("count remote read marks", err)
	}
	return n, nil
}

// DeleteStaleRemoteMarks removes staged remote marks whose timestamp is before the cutoff.
func (db *DB) DeleteStaleRemoteMarks(ctx context.Context, before time.Time) (int64, error) {
	return db.execDelete(ctx, "delete stale remote read marks",
		`DELETE FROM remote_read_marks WHERE timestamp < ?`, toMillis(before))
}

func (db *DB) execDelete(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(op, err)
	}
	return n, nil
}

func scanPendingMark(row rowScanner) (*schema.PendingReadMark, error) {
	var m schema.PendingReadMark
	var created int64
	var synced int
	if err := row.Scan(&m.ID, &m.FeedURL, &m.ArticleGUID, &created, &synced); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(created)
	m.Synced = synced != 0
	return &m, nil
}
