//go:build !sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not compiled in; keyword search uses a LIKE scan over the
	// records table, which already stores summary, body, and tags.
	return nil
}

func ftsUpsert(_ *sql.Tx, _ Entry) error {
	return nil
}

func ftsDelete(_ *sql.Tx, _ string) {}

func ftsClear(_ *sql.Tx) {}

// KeywordHit is one keyword search hit. Rank is the 1-based position in the
// engine's own ordering; rank fusion consumes positions, not scores.
type KeywordHit struct {
	Entry
	Rank    int
	Snippet string
}

// SearchKeyword is the LIKE fallback: substring match over summary, body,
// and tags, summary matches first, recent entries before old ones.
func (db *DB) SearchKeyword(query, namespace string, k int) ([]KeywordHit, error) {
	if k <= 0 {
		k = 10
	}
	if query == "" {
		return nil, nil
	}
	like := "%" + query + "%"

	where := `WHERE (summary LIKE ? OR body LIKE ? OR tags LIKE ?)`
	args := []interface{}{like, like, like}
	if namespace != "" {
		where += ` AND namespace = ?`
		args = append(args, namespace)
	}
	args = append(args, like, k)

	rows, err := db.conn.Query(`
		SELECT id, namespace, anchor, seq, summary, body, tags, source_ref, created_at, checksum, embedding, indexed_at
		FROM records `+where+`
		ORDER BY (CASE WHEN summary LIKE ? THEN 0 ELSE 1 END), indexed_at DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: keyword search: %w", err)
	}
	defer rows.Close()

	var out []KeywordHit
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		snippet := e.Body
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		out = append(out, KeywordHit{Entry: *e, Rank: len(out) + 1, Snippet: snippet})
	}
	return out, rows.Err()
}
