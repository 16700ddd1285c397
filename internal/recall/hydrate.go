package recall

import (
	"context"
	"log/slog"

	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/record"
)

// hydrate materializes matches at the requested level. Hydration failures
// degrade a match to its index projection; a stale body beats a missing
// result.
func (e *Engine) hydrate(ctx context.Context, hits []fusedHit, level Hydration) []Match {
	matches := make([]Match, 0, len(hits))

	// Matches from one anchor share a note blob; read each at most once.
	blobs := make(map[string][]record.Record)
	files := make(map[string][]string)

	for _, h := range hits {
		m := Match{
			ID:         h.entry.ID,
			Namespace:  h.entry.Namespace,
			Anchor:     h.entry.Anchor,
			Seq:        h.entry.Seq,
			Summary:    h.entry.Summary,
			Tags:       h.entry.Tags,
			SourceRef:  h.entry.SourceRef,
			CreatedAt:  h.entry.CreatedAt,
			Score:      h.score,
			Similarity: h.similarity,
			Snippet:    h.snippet,
		}
		if level == HydrateFull || level == HydrateFiles {
			m.Body = e.bodyFor(ctx, h.entry, blobs)
		}
		if level == HydrateFiles {
			m.Files = e.filesFor(ctx, h.entry.Anchor, files)
		}
		matches = append(matches, m)
	}
	return matches
}

// bodyFor reads the authoritative body from the store, falling back to the
// indexed copy.
func (e *Engine) bodyFor(ctx context.Context, entry index.Entry, cache map[string][]record.Record) string {
	if e.store == nil {
		return entry.Body
	}
	key := entry.Namespace + ":" + entry.Anchor
	records, ok := cache[key]
	if !ok {
		blob, err := e.store.Read(ctx, entry.Namespace, entry.Anchor)
		if err == nil {
			records, err = record.DecodeAll(blob)
		}
		if err != nil {
			e.logger.Warn("recall: hydrate read failed",
				slog.String("id", entry.ID),
				slog.String("error", err.Error()))
		}
		cache[key] = records
	}
	if entry.Seq < len(records) {
		return records[entry.Seq].Body
	}
	return entry.Body
}

// filesFor lists the files the anchor commit touched.
func (e *Engine) filesFor(ctx context.Context, anchor string, cache map[string][]string) []string {
	if e.store == nil {
		return nil
	}
	touched, ok := cache[anchor]
	if !ok {
		var err error
		touched, err = e.store.TouchedFiles(ctx, anchor)
		if err != nil {
			e.logger.Warn("recall: touched files failed",
				slog.String("anchor", anchor),
				slog.String("error", err.Error()))
		}
		cache[anchor] = touched
	}
	return touched
}
