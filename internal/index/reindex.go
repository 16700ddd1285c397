package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/munin/internal/checksum"
	"github.com/starford/munin/internal/gitnotes"
	"github.com/starford/munin/internal/record"
)

// Source yields stored note blobs for (re)indexing. *gitnotes.Store
// satisfies it.
type Source interface {
	List(ctx context.Context, namespace string) ([]gitnotes.Anchor, error)
	Read(ctx context.Context, namespace, anchor string) ([]byte, error)
}

// Embedder produces vectors for entries. Resync treats embedding failures as
// degraded entries, never as fatal errors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reindex drops every entry and rebuilds the index by replaying the store.
// Running it twice yields the same entry set; this is the recovery path for
// a lost or corrupted database file.
func Reindex(ctx context.Context, db *DB, source Source, embedder Embedder, logger *slog.Logger) error {
	if err := db.clearRecords(); err != nil {
		return err
	}
	return Resync(ctx, db, source, embedder, logger)
}

// Resync brings the index up to date with the store:
//   - blocks whose checksum is already indexed are skipped
//   - new or changed blocks are decoded, embedded best-effort, and upserted
//   - entries whose identity vanished from the store are removed; identities
//     shift when a replication merge reorders a blob or an archive prunes one
func Resync(ctx context.Context, db *DB, source Source, embedder Embedder, logger *slog.Logger) error {
	known, err := db.AllChecksums()
	if err != nil {
		return err
	}

	live := make(map[string]struct{}, len(known))
	for _, namespace := range record.Namespaces() {
		anchors, err := source.List(ctx, namespace)
		if err != nil {
			return fmt.Errorf("index: resync list %s: %w", namespace, err)
		}
		for _, anchor := range anchors {
			blob, err := source.Read(ctx, namespace, anchor.Commit)
			if err != nil {
				logger.Warn("resync: read failed",
					slog.String("namespace", namespace),
					slog.String("anchor", anchor.Commit),
					slog.String("error", err.Error()))
				continue
			}

			blocks := record.SplitBlob(blob)
			entries := make([]Entry, 0, len(blocks))
			for seq, block := range blocks {
				id := record.ID{Namespace: namespace, Anchor: anchor.Commit, Seq: seq}
				live[id.String()] = struct{}{}
				if known[id.String()] == checksum.Sum(block) {
					continue
				}
				rec, err := record.Decode(block)
				if err != nil {
					logger.Warn("resync: undecodable block",
						slog.String("id", id.String()),
						slog.String("error", err.Error()))
					continue
				}
				entries = append(entries, FromRecord(id, rec, block, embed(ctx, embedder, rec, id.String(), logger)))
			}
			if err := db.UpsertBatch(entries); err != nil {
				return err
			}
			if len(entries) > 0 {
				logger.Debug("resync: indexed",
					slog.String("namespace", namespace),
					slog.String("anchor", anchor.Commit),
					slog.Int("entries", len(entries)))
			}
		}
	}

	for id := range known {
		if _, ok := live[id]; ok {
			continue
		}
		if err := db.Delete(id); err != nil {
			logger.Warn("resync: delete stale failed", slog.String("id", id), slog.String("error", err.Error()))
		} else {
			logger.Debug("resync: removed stale", slog.String("id", id))
		}
	}
	return nil
}

func embed(ctx context.Context, embedder Embedder, rec record.Record, id string, logger *slog.Logger) []float32 {
	if embedder == nil {
		return nil
	}
	vec, err := embedder.Embed(ctx, EmbedText(rec.Summary, rec.Body))
	if err != nil {
		logger.Warn("resync: embedding unavailable", slog.String("id", id), slog.String("error", err.Error()))
		return nil
	}
	return vec
}
