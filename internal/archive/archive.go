// Package archive implements the export path for aged records: write them
// out as Markdown files, optionally pruning them from the store afterward.
// This is the only path that removes records; the store itself never deletes.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/checksum"
	"github.com/starford/munin/internal/gitnotes"
	"github.com/starford/munin/internal/lock"
	"github.com/starford/munin/internal/metrics"
	"github.com/starford/munin/internal/record"
	"github.com/starford/munin/internal/storage"
)

// Request selects what to archive. Before is the exclusive cutoff: records
// created strictly before it are exported.
type Request struct {
	Namespace string
	Before    time.Time
	OutDir    string
	Prune     bool
}

// Result reports one archival run. On error it holds the progress made
// before the failure.
type Result struct {
	Exported int
	Pruned   int
	Files    []string // relative to OutDir
}

// Store is the slice of the record store archival needs. Writing an empty
// blob removes the note at that anchor.
type Store interface {
	List(ctx context.Context, namespace string) ([]gitnotes.Anchor, error)
	Read(ctx context.Context, namespace, anchor string) ([]byte, error)
	WriteBlob(ctx context.Context, namespace, anchor string, blob []byte) error
}

// Config carries the engine's collaborators.
type Config struct {
	Store       Store
	LockDir     string
	LockTimeout time.Duration
	Metrics     metrics.Sink // nil: no events
	Logger      *slog.Logger
}

// Engine runs archival passes.
type Engine struct {
	store       Store
	lockDir     string
	lockTimeout time.Duration
	sink        metrics.Sink
	logger      *slog.Logger
}

// New creates an archive engine.
func New(cfg Config) *Engine {
	e := &Engine{
		store:       cfg.Store,
		lockDir:     cfg.LockDir,
		lockTimeout: cfg.LockTimeout,
		sink:        cfg.Metrics,
		logger:      cfg.Logger,
	}
	if e.sink == nil {
		e.sink = metrics.Noop{}
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = lock.DefaultTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Archive exports every record in the namespace created before the cutoff as
// a Markdown file under OutDir, one file per record. With Prune set the
// affected note blobs are rewritten without the exported records, under the
// namespace lock so captures cannot interleave; the exported set and the
// pruned set are decided from the same blob read. Blobs that fail to decode
// are skipped and left untouched.
func (e *Engine) Archive(ctx context.Context, req Request) (Result, error) {
	var res Result
	if !record.ValidNamespace(req.Namespace) {
		return res, fmt.Errorf("archive: unknown namespace %q: %w", req.Namespace, apperr.ErrValidation)
	}
	if req.Before.IsZero() {
		return res, fmt.Errorf("archive: cutoff is required: %w", apperr.ErrValidation)
	}
	if req.OutDir == "" {
		return res, fmt.Errorf("archive: output directory is required: %w", apperr.ErrValidation)
	}

	out, err := storage.NewFS(req.OutDir)
	if err != nil {
		return res, err
	}

	if req.Prune {
		handle, err := lock.Acquire(ctx, e.lockDir, req.Namespace, e.lockTimeout)
		if err != nil {
			return res, fmt.Errorf("archive: %s: %w", req.Namespace, err)
		}
		defer handle.Release() //nolint:errcheck
	}

	anchors, err := e.store.List(ctx, req.Namespace)
	if err != nil {
		return res, err
	}

	for _, a := range anchors {
		blob, err := e.store.Read(ctx, req.Namespace, a.Commit)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return res, err
		}
		records, err := record.DecodeAll(blob)
		if err != nil {
			e.logger.Warn("archive: skipping undecodable blob",
				slog.String("namespace", req.Namespace),
				slog.String("anchor", shortAnchor(a.Commit)),
				slog.String("error", err.Error()))
			continue
		}

		blocks := record.SplitBlob(blob)
		var kept [][]byte
		exported := 0
		for i, rec := range records {
			if !rec.CreatedAt.Before(req.Before) {
				kept = append(kept, blocks[i])
				continue
			}
			encoded, err := record.Encode(rec)
			if err != nil {
				return res, fmt.Errorf("archive: encode %s:%s:%d: %w", req.Namespace, shortAnchor(a.Commit), i, err)
			}
			rel := filepath.Join(req.Namespace, exportName(rec, a.Commit, encoded))
			if err := out.Write(rel, encoded); err != nil {
				return res, fmt.Errorf("archive: export %s:%s:%d: %w", req.Namespace, shortAnchor(a.Commit), i, err)
			}
			res.Files = append(res.Files, rel)
			res.Exported++
			exported++
		}

		if req.Prune && exported > 0 {
			if err := e.store.WriteBlob(ctx, req.Namespace, a.Commit, record.JoinBlocks(kept)); err != nil {
				return res, fmt.Errorf("archive: prune %s@%s: %w", req.Namespace, shortAnchor(a.Commit), err)
			}
			res.Pruned += exported
		}
	}

	e.sink.Record("archive.completed",
		slog.String("namespace", req.Namespace),
		slog.Int("exported", res.Exported),
		slog.Int("pruned", res.Pruned))
	return res, nil
}

// exportName builds a file name from the creation time, the anchor, and a
// content checksum. Names do not depend on a record's position in its blob,
// so re-runs after a prune reshuffles sequence numbers never collide with a
// different record's export.
func exportName(rec record.Record, anchor string, encoded []byte) string {
	return fmt.Sprintf("%s-%s-%s.md",
		rec.CreatedAt.UTC().Format("20060102T150405Z"),
		shortAnchor(anchor),
		checksum.Short(encoded))
}

func shortAnchor(anchor string) string {
	if len(anchor) > 12 {
		return anchor[:12]
	}
	return anchor
}
