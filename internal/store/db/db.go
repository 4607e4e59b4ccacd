// Package db provides the embedded SQLite persistence for feedsync.
//
// One database file holds both halves of the local state:
//   - the item store: feeds and the articles ingested from them
//   - the sync staging store: pending (outbound) and remote (inbound) read
//     marks, the chain membership row, the device list and the remote feed
//     snapshot
//
// The database runs in WAL mode so the CLI can read while the daemon writes.
// Every write method has a Context variant; the plain variant uses
// context.Background().
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string

	mu          sync.Mutex
	subscribers map[int]chan struct{}
	nextSubID   int
}

// Open creates a new database connection at the specified path.
//
// The parent directory is created if needed. The caller must call
// InitSchema before use and Close when done.
//
// Example:
//
//	store, err := db.Open("feedsync.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:        conn,
		path:        path,
		subscribers: make(map[int]chan struct{}),
	}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection. Subscribers are released.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil

	db.mu.Lock()
	for id, ch := range db.subscribers {
		close(ch)
		delete(db.subscribers, id)
	}
	db.mu.Unlock()
	return nil
}

// InitSchema creates the tables and indexes. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Item store
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		tag TEXT NOT NULL DEFAULT '',
		notify INTEGER NOT NULL DEFAULT 0,
		last_sync INTEGER
	);

	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guid TEXT NOT NULL,
		feed_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		snippet TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		pub_date INTEGER,           -- unix millis
		first_synced_time INTEGER NOT NULL,

		-- User state
		read INTEGER NOT NULL DEFAULT 0,
		read_time INTEGER,
		notified INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		bookmarked INTEGER NOT NULL DEFAULT 0,

		UNIQUE (guid, feed_id),
		FOREIGN KEY (feed_id) REFERENCES feeds(id) ON DELETE CASCADE
	);

	-- Sync staging store
	CREATE TABLE IF NOT EXISTS pending_read_marks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_url TEXT NOT NULL,
		article_guid TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		UNIQUE (feed_url, article_guid)
	);

	CREATE TABLE IF NOT EXISTS remote_read_marks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_url TEXT NOT NULL,
		article_guid TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		UNIQUE (feed_url, article_guid)
	);

	CREATE TABLE IF NOT EXISTS sync_remote (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		url TEXT NOT NULL DEFAULT '',
		sync_code TEXT NOT NULL DEFAULT '',
		secret_key TEXT NOT NULL DEFAULT '',
		device_id INTEGER NOT NULL DEFAULT 0,
		device_name TEXT NOT NULL DEFAULT '',
		latest_message_timestamp INTEGER NOT NULL DEFAULT 0,
		last_feeds_remote_hash INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO sync_remote (id) VALUES (1);

	CREATE TABLE IF NOT EXISTS sync_devices (
		device_id INTEGER PRIMARY KEY,
		device_name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS remote_feeds (
		url TEXT PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_items_feed ON items(feed_id);
	CREATE INDEX IF NOT EXISTS idx_items_read ON items(read);
	CREATE INDEX IF NOT EXISTS idx_items_retention
	    ON items(feed_id, pinned, bookmarked, pub_date, first_synced_time);
	CREATE INDEX IF NOT EXISTS idx_feeds_tag ON feeds(tag);
	CREATE INDEX IF NOT EXISTS idx_pending_synced ON pending_read_marks(synced, created_at);
	CREATE INDEX IF NOT EXISTS idx_remote_timestamp ON remote_read_marks(timestamp);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives a value after any committed
// write. Notifications coalesce: a slow reader sees one pending signal, not
// one per write. Call the returned function to unsubscribe.
func (db *DB) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	db.mu.Lock()
	id := db.nextSubID
	db.nextSubID++
	db.subscribers[id] = ch
	db.mu.Unlock()

	return ch, func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		if _, ok := db.subscribers[id]; ok {
			delete(db.subscribers, id)
			close(ch)
		}
	}
}

func (db *DB) notifyChanged() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, ch := range db.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// toMillis stores times as unix milliseconds so ORDER BY sorts chronologically.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToNullInt(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullIntToTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
