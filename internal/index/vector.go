package index

import (
	"fmt"
	"sort"
)

// VectorHit is one vector search result. Distance is 1 - similarity, so
// result lists read best first in ascending distance order.
type VectorHit struct {
	Entry
	Similarity float64
	Distance   float64
}

// SearchVector scans every embedded entry, keeps those at or above the
// similarity floor, and returns the k nearest by ascending distance. Ties
// prefer the more recently indexed entry. Entries indexed without an
// embedding are invisible here until a reindex backfills them; that is the
// degraded-capture contract, not an error.
//
// The scan is brute force. Namespaces hold memories at human note-taking
// rates, so a linear pass over a few thousand vectors beats maintaining an
// approximate nearest neighbor structure.
func (db *DB) SearchVector(query []float32, namespace string, k int, minSimilarity float64) ([]VectorHit, error) {
	if len(query) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	where := `WHERE embedding IS NOT NULL`
	args := []interface{}{}
	if namespace != "" {
		where += ` AND namespace = ?`
		args = append(args, namespace)
	}
	rows, err := db.conn.Query(`
		SELECT id, namespace, anchor, seq, summary, body, tags, source_ref, created_at, checksum, embedding, indexed_at
		FROM records `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("index: vector search: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("index: vector search scan: %w", err)
		}
		sim := cosineSimilarity(query, e.Embedding)
		if sim < minSimilarity {
			continue
		}
		hits = append(hits, VectorHit{Entry: *e, Similarity: sim, Distance: 1 - sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: vector search: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Entry.IndexedAt.After(hits[j].Entry.IndexedAt)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
