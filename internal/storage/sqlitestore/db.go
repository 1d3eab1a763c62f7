// Package sqlitestore implements the on-device persistent store on
// embedded SQLite.
//
// One database file holds everything the engine must not lose across a
// process restart:
//   - records: the local mirror of every entity type, keyed (kind, id)
//   - pending_ops: the durable pending-operation queue
//   - dead_ops: operations that exhausted their replay attempts
//   - sync_meta: per-kind last-sync timestamps
//
// The database runs in WAL mode so status reads stay cheap while a sync
// pass is writing.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection shared by the per-kind stores, the
// pending queue, and the sync metadata.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created along with the schema. The caller
// MUST call Close() when done.
//
// Example:
//
//	db, err := sqlitestore.Open(filepath.Join(dataDir, "aceup.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
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

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// Useful for integrating with other libraries that expect *sql.DB.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
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
	return nil
}

// initSchema creates the tables if they don't exist. Idempotent.
func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	-- Local mirror of every synchronized entity type
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		doc TEXT NOT NULL,  -- JSON document
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);

	-- Durable pending-operation queue, one partition per kind
	CREATE TABLE IF NOT EXISTS pending_ops (
		op_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,  -- create, update, delete, link, unlink
		payload TEXT,      -- JSON snapshot or relation ids
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL  -- enqueue order within a kind
	);

	-- Operations that exhausted their replay attempts
	CREATE TABLE IF NOT EXISTS dead_ops (
		op_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		dead_at TEXT NOT NULL,
		last_error TEXT
	);

	-- Per-kind sync bookkeeping
	CREATE TABLE IF NOT EXISTS sync_meta (
		kind TEXT PRIMARY KEY,
		last_sync_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(kind, updated_at);
	CREATE INDEX IF NOT EXISTS idx_pending_kind_seq ON pending_ops(kind, seq);
	CREATE INDEX IF NOT EXISTS idx_pending_entity ON pending_ops(kind, entity_id);
	CREATE INDEX IF NOT EXISTS idx_dead_kind ON dead_ops(kind);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// LastSyncAt returns the recorded last successful sync time for a kind,
// or nil if the kind has never completed a pass.
func (db *DB) LastSyncAt(ctx context.Context, kind string) (*time.Time, error) {
	var raw sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_sync_at FROM sync_meta WHERE kind = ?`, kind).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync metadata for %s: %w", kind, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last sync time for %s: %w", kind, err)
	}
	return &t, nil
}

// SetLastSyncAt records the completion time of a successful sync pass.
func (db *DB) SetLastSyncAt(ctx context.Context, kind string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_meta (kind, last_sync_at) VALUES (?, ?)
	ON CONFLICT(kind) DO UPDATE SET last_sync_at = excluded.last_sync_at
	`, kind, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record sync time for %s: %w", kind, err)
	}
	return nil
}
