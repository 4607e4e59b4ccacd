package db

import (
	"context"
	"fmt"
	"time"

	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// GetSyncRemote returns the chain membership row. It always exists; an
// installation that is not in a chain has empty credentials.
func (db *DB) GetSyncRemote(ctx context.Context) (*schema.SyncRemote, error) {
	var r schema.SyncRemote
	var latest int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT url, sync_code, secret_key, device_id, device_name,
		       latest_message_timestamp, last_feeds_remote_hash
		FROM sync_remote WHERE id = 1`).Scan(
		&r.URL, &r.SyncCode, &r.SecretKey, &r.DeviceID, &r.DeviceName,
		&latest, &r.LastFeedsRemoteHash,
	)
	if err != nil {
		return nil, storageErr("get sync remote", err)
	}
	r.LatestMessageTimestamp = fromMillis(latest)
	return &r, nil
}

// SaveSyncRemote overwrites the chain membership row.
func (db *DB) SaveSyncRemote(ctx context.Context, r *schema.SyncRemote) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sync_remote SET
			url = ?, sync_code = ?, secret_key = ?, device_id = ?, device_name = ?,
			latest_message_timestamp = ?, last_feeds_remote_hash = ?
		WHERE id = 1`,
		r.URL, r.SyncCode, r.SecretKey, r.DeviceID, r.DeviceName,
		toMillis(r.LatestMessageTimestamp), r.LastFeedsRemoteHash,
	)
	if err != nil {
		return storageErr("save sync remote", err)
	}
	db.notifyChanged()
	return nil
}

// UpdateMessageTimestamp advances the pull high-water mark. It never moves
// the mark backwards.
func (db *DB) UpdateMessageTimestamp(ctx context.Context, ts time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sync_remote SET latest_message_timestamp = MAX(latest_message_timestamp, ?) WHERE id = 1`,
		toMillis(ts))
	if err != nil {
		return storageErr("update message timestamp", err)
	}
	return nil
}

// UpdateFeedsRemoteHash records the hash of the feed list last uploaded.
func (db *DB) UpdateFeedsRemoteHash(ctx context.Context, hash int64) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sync_remote SET last_feeds_remote_hash = ? WHERE id = 1`, hash)
	if err != nil {
		return storageErr("update feeds remote hash", err)
	}
	return nil
}

// ClearSyncState forgets the chain: credentials, the high-water mark, every
// staged pending and remote mark, the device list and the remote feed
// snapshot. The server url is kept.
func (db *DB) ClearSyncState(ctx context.Context) error {
	return db.resetSync(ctx, "sync state reset", true)
}

// ClearMembership drops the credentials, the high-water mark, the feed list
// hash, the device list and the remote feed snapshot. Pending and remote
// read marks stay staged so they are delivered once the device joins a
// chain again. The server url is kept.
func (db *DB) ClearMembership(ctx context.Context) error {
	return db.resetSync(ctx, "membership reset", false)
}

func (db *DB) resetSync(ctx context.Context, what string, marks bool) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	type stmt struct {
		query string
		what  string
	}
	stmts := []stmt{
		{`UPDATE sync_remote SET sync_code = '', secret_key = '', device_id = 0,
			latest_message_timestamp = 0, last_feeds_remote_hash = 0 WHERE id = 1`, "reset sync remote"},
		{`DELETE FROM sync_devices`, "clear devices"},
		{`DELETE FROM remote_feeds`, "clear remote feeds"},
	}
	if marks {
		stmts = append(stmts,
			stmt{`DELETE FROM pending_read_marks`, "clear pending read marks"},
			stmt{`DELETE FROM remote_read_marks`, "clear remote read marks"},
		)
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.query); err != nil {
			return storageErr(s.what, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit "+what, err)
	}
	db.notifyChanged()
	return nil
}

// ReplaceDevices swaps the stored device list for the given one.
func (db *DB) ReplaceDevices(ctx context.Context, devices []schema.Device) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_devices`); err != nil {
		return storageErr("clear devices", err)
	}
	for _, d := range devices {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_devices (device_id, device_name) VALUES (?, ?)
			 ON CONFLICT(device_id) DO UPDATE SET device_name = excluded.device_name`,
			d.DeviceID, d.DeviceName)
		if err != nil {
			return storageErr(fmt.Sprintf("insert device %d", d.DeviceID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit devices", err)
	}
	db.notifyChanged()
	return nil
}

// ListDevices returns the stored device list ordered by id.
func (db *DB) ListDevices(ctx context.Context) ([]schema.Device, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT device_id, device_name FROM sync_devices ORDER BY device_id ASC`)
	if err != nil {
		return nil, storageErr("list devices", err)
	}
	defer rows.Close()

	var devices []schema.Device
	for rows.Next() {
		var d schema.Device
		if err := rows.Scan(&d.DeviceID, &d.DeviceName); err != nil {
			return nil, storageErr("scan device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate devices", err)
	}
	return devices, nil
}

// ReplaceRemoteFeeds swaps the remote feed snapshot for the given urls.
func (db *DB) ReplaceRemoteFeeds(ctx context.Context, urls []string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM remote_feeds`); err != nil {
		return storageErr("clear remote feeds", err)
	}
	for _, u := range urls {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO remote_feeds (url) VALUES (?)`, u); err != nil {
			return storageErr(fmt.Sprintf("insert remote feed %s", u), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit remote feeds", err)
	}
	return nil
}

// ListRemoteFeeds returns the remote feed snapshot, sorted.
func (db *DB) ListRemoteFeeds(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT url FROM remote_feeds ORDER BY url ASC`)
	if err != nil {
		return nil, storageErr("list remote feeds", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, storageErr("scan remote feed", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate remote feeds", err)
	}
	return urls, nil
}

// Stats summarizes the store for status output.
type Stats struct {
	Feeds            int `json:"feeds" yaml:"feeds"`
	Items            int `json:"items" yaml:"items"`
	UnreadItems      int `json:"unread_items" yaml:"unread_items"`
	PendingReadMarks int `json:"pending_read_marks" yaml:"pending_read_marks"`
	SyncedReadMarks  int `json:"synced_read_marks" yaml:"synced_read_marks"`
	RemoteReadMarks  int `json:"remote_read_marks" yaml:"remote_read_marks"`
	Devices          int `json:"devices" yaml:"devices"`
}

// GetStats counts rows in each table.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM feeds),
			(SELECT COUNT(*) FROM items),
			(SELECT COUNT(*) FROM items WHERE read = 0),
			(SELECT COUNT(*) FROM pending_read_marks WHERE synced = 0),
			(SELECT COUNT(*) FROM pending_read_marks WHERE synced = 1),
			(SELECT COUNT(*) FROM remote_read_marks),
			(SELECT COUNT(*) FROM sync_devices)`).Scan(
		&s.Feeds, &s.Items, &s.UnreadItems,
		&s.PendingReadMarks, &s.SyncedReadMarks, &s.RemoteReadMarks, &s.Devices,
	)
	if err != nil {
		return nil, storageErr("get stats", err)
	}
	return &s, nil
}
