//go:build sqlite_fts5

package index

import (
	"strings"
	"testing"
)

func TestFTS5_TableExists(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM records_fts`).Scan(&count); err != nil {
		t.Fatalf("records_fts table missing: %v", err)
	}
}

func TestFTS5_SearchWithSnippet(t *testing.T) {
	db := testDB(t)
	id := "conventions:" + anchorHex('a') + ":0"
	if err := db.Upsert(testEntry(id, func(e *Entry) {
		e.Summary = "error wrapping convention"
		e.Body = "wrap sentinels with fmt.Errorf and match with errors.Is everywhere"
	})); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := db.SearchKeyword("sentinels", "", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].ID != id {
		t.Errorf("id = %q", hits[0].ID)
	}
	if !strings.Contains(hits[0].Snippet, "<b>") {
		t.Errorf("snippet %q lacks highlight markers", hits[0].Snippet)
	}
	if hits[0].Rank != 1 {
		t.Errorf("rank = %d", hits[0].Rank)
	}
}

func TestFTS5_TagsSearchable(t *testing.T) {
	db := testDB(t)
	id := "preferences:" + anchorHex('b') + ":0"
	_ = db.Upsert(testEntry(id, func(e *Entry) {
		e.Summary = "always squash before merging"
		e.Tags = []string{"workflow", "gitflow"}
	}))

	hits, err := db.SearchKeyword("gitflow", "", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Errorf("hits = %+v", hits)
	}
}

func TestFTS5_DeleteRemovesFromFTS(t *testing.T) {
	db := testDB(t)
	id := "mistakes:" + anchorHex('c') + ":0"
	_ = db.Upsert(testEntry(id, func(e *Entry) { e.Body = "vanishing content" }))
	_ = db.Delete(id)

	hits, _ := db.SearchKeyword("vanishing", "", 10)
	for _, h := range hits {
		if h.ID == id {
			t.Error("deleted entry still in FTS index")
		}
	}
}

func TestFTS5_UpsertReplacesContent(t *testing.T) {
	db := testDB(t)
	id := "progress:" + anchorHex('d') + ":0"
	_ = db.Upsert(testEntry(id, func(e *Entry) { e.Summary = "original wording" }))
	_ = db.Upsert(testEntry(id, func(e *Entry) { e.Summary = "replacement wording" }))

	hits, _ := db.SearchKeyword("original", "", 10)
	if len(hits) != 0 {
		t.Error("old FTS content should be gone")
	}
	hits, _ = db.SearchKeyword("replacement", "", 10)
	if len(hits) != 1 || hits[0].Summary != "replacement wording" {
		t.Errorf("FTS not updated: %+v", hits)
	}
}

func TestFTS5_QueryOperatorsAreLiteral(t *testing.T) {
	db := testDB(t)
	_ = db.Upsert(testEntry("decisions:"+anchorHex('e')+":0", func(e *Entry) {
		e.Summary = "pick one or two reviewers"
	}))

	// Unquoted this would be a syntax error or an operator. Quoting turns
	// OR into a plain term, which unicode61 matches case-insensitively.
	hits, err := db.SearchKeyword(`one OR two`, "", 10)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("hits = %d, want 1", len(hits))
	}

	if _, err := db.SearchKeyword(`broken" (query NEAR`, "", 10); err != nil {
		t.Errorf("hostile query returned error: %v", err)
	}
}
