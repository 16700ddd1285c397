package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/munin/internal/apperr"
)

// Upsert inserts or replaces one entry and its FTS projection. Write
// failures wrap apperr.ErrIndexWrite; callers treat them as a degraded
// capture, never as a reason to roll back the store.
func (db *DB) Upsert(e Entry) error {
	return db.UpsertBatch([]Entry{e})
}

// UpsertBatch applies a set of entries in one transaction, so readers never
// observe a partially indexed blob.
func (db *DB) UpsertBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return writeErr("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	for _, e := range entries {
		if err := upsertTx(tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return writeErr("commit", err)
	}
	return nil
}

func upsertTx(tx *sql.Tx, e Entry) error {
	if e.IndexedAt.IsZero() {
		e.IndexedAt = time.Now()
	}
	tagsJSON, _ := json.Marshal(e.Tags)

	_, err := tx.Exec(`
		INSERT INTO records (id, namespace, anchor, seq, summary, body, tags, source_ref, created_at, checksum, embedding, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			namespace  = excluded.namespace,
			anchor     = excluded.anchor,
			seq        = excluded.seq,
			summary    = excluded.summary,
			body       = excluded.body,
			tags       = excluded.tags,
			source_ref = excluded.source_ref,
			created_at = excluded.created_at,
			checksum   = excluded.checksum,
			embedding  = excluded.embedding,
			indexed_at = excluded.indexed_at
	`, e.ID, e.Namespace, e.Anchor, e.Seq, e.Summary, e.Body, string(tagsJSON), e.SourceRef,
		e.CreatedAt.UTC().Format(time.RFC3339), e.Checksum, packEmbedding(e.Embedding), e.IndexedAt.UnixNano())
	if err != nil {
		return writeErr("upsert "+e.ID, err)
	}
	if err := ftsUpsert(tx, e); err != nil {
		return err
	}
	return nil
}

// Delete removes an entry and its FTS projection. Deleting an absent id is
// not an error.
func (db *DB) Delete(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return writeErr("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, id)
	if _, err := tx.Exec(`DELETE FROM records WHERE id = ?`, id); err != nil {
		return writeErr("delete "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return writeErr("commit", err)
	}
	return nil
}

// Get returns one entry by identity. apperr.ErrNotFound when absent.
func (db *DB) Get(id string) (*Entry, error) {
	row := db.conn.QueryRow(`
		SELECT id, namespace, anchor, seq, summary, body, tags, source_ref, created_at, checksum, embedding, indexed_at
		FROM records WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("index: get %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("index: get %s: %w", id, err)
	}
	return e, nil
}

// AllChecksums returns id -> checksum for every indexed entry. Resync uses
// this to find changed and vanished records in two batch lookups.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT id, checksum FROM records`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, cs string
		if err := rows.Scan(&id, &cs); err != nil {
			return nil, err
		}
		out[id] = cs
	}
	return out, rows.Err()
}

// NamespaceStats summarizes one namespace's index state.
type NamespaceStats struct {
	Namespace     string    `json:"namespace"`
	Records       int       `json:"records"`
	Embedded      int       `json:"embedded"`
	LastIndexedAt time.Time `json:"last_indexed_at"`
}

// Stats returns per-namespace record and embedding counts.
func (db *DB) Stats() ([]NamespaceStats, error) {
	rows, err := db.conn.Query(`
		SELECT namespace,
		       count(*),
		       count(embedding),
		       max(indexed_at)
		FROM records
		GROUP BY namespace
		ORDER BY namespace
	`)
	if err != nil {
		return nil, fmt.Errorf("index: stats: %w", err)
	}
	defer rows.Close()

	var out []NamespaceStats
	for rows.Next() {
		var s NamespaceStats
		var last int64
		if err := rows.Scan(&s.Namespace, &s.Records, &s.Embedded, &last); err != nil {
			return nil, err
		}
		s.LastIndexedAt = time.Unix(0, last).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// SyncState is the replication watermark for one namespace: the tracking and
// local ref hashes seen at the last reconcile. A cycle that lands on the same
// pair skips the merge entirely.
type SyncState struct {
	Namespace   string
	Remote      string
	TrackingRef string
	LastHash    string
	LocalHash   string
	SyncedAt    time.Time
}

// GetSyncState returns the stored watermark, or nil when the namespace has
// never been synced.
func (db *DB) GetSyncState(namespace string) (*SyncState, error) {
	var s SyncState
	var syncedAt string
	err := db.conn.QueryRow(`
		SELECT namespace, remote, tracking_ref, last_hash, local_hash, synced_at
		FROM sync_state WHERE namespace = ?
	`, namespace).Scan(&s.Namespace, &s.Remote, &s.TrackingRef, &s.LastHash, &s.LocalHash, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: sync state %s: %w", namespace, err)
	}
	if t, perr := time.Parse(time.RFC3339, syncedAt); perr == nil {
		s.SyncedAt = t
	}
	return &s, nil
}

// PutSyncState stores the watermark for a namespace.
func (db *DB) PutSyncState(s SyncState) error {
	_, err := db.conn.Exec(`
		INSERT INTO sync_state (namespace, remote, tracking_ref, last_hash, local_hash, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET
			remote       = excluded.remote,
			tracking_ref = excluded.tracking_ref,
			last_hash    = excluded.last_hash,
			local_hash   = excluded.local_hash,
			synced_at    = excluded.synced_at
	`, s.Namespace, s.Remote, s.TrackingRef, s.LastHash, s.LocalHash, s.SyncedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return writeErr("sync state "+s.Namespace, err)
	}
	return nil
}

// clearRecords drops every entry and FTS row. Reindex starts here; the
// sync_state table survives because it describes refs, not entries.
func (db *DB) clearRecords() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return writeErr("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsClear(tx)
	if _, err := tx.Exec(`DELETE FROM records`); err != nil {
		return writeErr("clear records", err)
	}
	if err := tx.Commit(); err != nil {
		return writeErr("commit", err)
	}
	return nil
}

func scanEntry(row interface{ Scan(...interface{}) error }) (*Entry, error) {
	var e Entry
	var tagsJSON, createdAt string
	var embedding []byte
	var indexedAt int64
	err := row.Scan(&e.ID, &e.Namespace, &e.Anchor, &e.Seq, &e.Summary, &e.Body,
		&tagsJSON, &e.SourceRef, &createdAt, &e.Checksum, &embedding, &indexedAt)
	if err != nil {
		return nil, err
	}
	if t, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
		e.CreatedAt = t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &e.Tags)
	e.Embedding = unpackEmbedding(embedding)
	e.IndexedAt = time.Unix(0, indexedAt).UTC()
	return &e, nil
}

func writeErr(op string, err error) error {
	return fmt.Errorf("index: %s: %w (%v)", op, apperr.ErrIndexWrite, err)
}
