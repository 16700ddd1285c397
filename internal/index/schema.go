// Package index provides the SQLite recall index over stored records:
// vector search on embedded summaries, keyword search (FTS5 when compiled
// in, LIKE otherwise), and the per-namespace replication watermarks.
//
// The index is a projection. Every row is derivable from the record store,
// a missing or stale row is a degraded state rather than data loss, and
// Reindex rebuilds the whole database from the store at any time.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	anchor     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	summary    TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '[]',
	source_ref TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	embedding  BLOB,
	indexed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_namespace ON records(namespace);
CREATE INDEX IF NOT EXISTS idx_records_anchor ON records(namespace, anchor);

CREATE TABLE IF NOT EXISTS sync_state (
	namespace    TEXT PRIMARY KEY,
	remote       TEXT NOT NULL DEFAULT '',
	tracking_ref TEXT NOT NULL DEFAULT '',
	last_hash    TEXT NOT NULL DEFAULT '',
	local_hash   TEXT NOT NULL DEFAULT '',
	synced_at    TEXT NOT NULL DEFAULT ''
);
`

// DB wraps a sql.DB with index-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema. WAL
// keeps readers unblocked while a capture or resync writes.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply fts schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
