//go:build sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
			id UNINDEXED,
			namespace UNINDEXED,
			summary,
			body,
			tags,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, e Entry) error {
	_, _ = tx.Exec(`DELETE FROM records_fts WHERE id = ?`, e.ID)
	_, err := tx.Exec(`INSERT INTO records_fts (id, namespace, summary, body, tags) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Namespace, e.Summary, e.Body, strings.Join(e.Tags, " "))
	if err != nil {
		return writeErr("upsert fts "+e.ID, err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, id string) {
	_, _ = tx.Exec(`DELETE FROM records_fts WHERE id = ?`, id)
}

func ftsClear(tx *sql.Tx) {
	_, _ = tx.Exec(`DELETE FROM records_fts`)
}

// KeywordHit is one keyword search hit. Rank is the 1-based position in the
// engine's own ordering; rank fusion consumes positions, not scores.
type KeywordHit struct {
	Entry
	Rank    int
	Snippet string
}

// SearchKeyword runs an FTS5 match over summaries, bodies, and tags,
// best-ranked first. The query is quoted term by term, so user input can
// never inject FTS operators.
func (db *DB) SearchKeyword(query, namespace string, k int) ([]KeywordHit, error) {
	if k <= 0 {
		k = 10
	}
	match := ftsQuote(query)
	if match == "" {
		return nil, nil
	}

	where := `WHERE records_fts MATCH ?`
	args := []interface{}{match}
	if namespace != "" {
		where += ` AND namespace = ?`
		args = append(args, namespace)
	}
	args = append(args, k)

	rows, err := db.conn.Query(`
		SELECT id, snippet(records_fts, 3, '<b>', '</b>', '...', 48)
		FROM records_fts `+where+`
		ORDER BY rank
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: keyword search: %w", err)
	}
	defer rows.Close()

	type hit struct {
		id      string
		snippet string
	}
	var raw []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.snippet); err != nil {
			return nil, err
		}
		raw = append(raw, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: keyword search: %w", err)
	}

	out := make([]KeywordHit, 0, len(raw))
	for i, h := range raw {
		e, err := db.Get(h.id)
		if err != nil {
			continue
		}
		out = append(out, KeywordHit{Entry: *e, Rank: i + 1, Snippet: h.snippet})
	}
	return out, nil
}

// ftsQuote turns free text into a safe FTS5 query: each whitespace-separated
// term becomes a quoted string, implicitly ANDed.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
