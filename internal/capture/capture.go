// Package capture implements the write path: validate, filter, lock, append,
// then enrich. The store append is the durability boundary; everything after
// it degrades to a warning instead of failing the capture.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/lock"
	"github.com/starford/munin/internal/metrics"
	"github.com/starford/munin/internal/record"
)

// Request is one record to store.
type Request struct {
	Namespace string
	Summary   string
	Body      string
	Tags      []string
	SourceRef string
}

// Result reports a capture. Stored is true once the record is in the store;
// Warnings name the enrichment steps that failed afterward.
type Result struct {
	ID       record.ID
	Stored   bool
	Warnings []string
}

// ContentFilter rewrites the body before it is encoded. An error blocks the
// capture as a validation failure; a rewrite proceeds with the new text.
type ContentFilter interface {
	Filter(text string) (string, error)
}

// Store is the append half of the record store.
type Store interface {
	Append(ctx context.Context, namespace string, payload []byte) (record.ID, error)
}

// Embedder is the enrichment half of embed.Embedder. Nil disables it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config carries the engine's collaborators.
type Config struct {
	Store       Store
	Index       index.RecordIndex
	Embedder    Embedder      // nil: keyword-only entries
	Filter      ContentFilter // nil: store bodies verbatim
	Metrics     metrics.Sink  // nil: no events
	LockDir     string
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Engine orchestrates captures.
type Engine struct {
	store       Store
	db          index.RecordIndex
	embedder    Embedder
	filter      ContentFilter
	sink        metrics.Sink
	lockDir     string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// New creates a capture engine.
func New(cfg Config) *Engine {
	e := &Engine{
		store:       cfg.Store,
		db:          cfg.Index,
		embedder:    cfg.Embedder,
		filter:      cfg.Filter,
		sink:        cfg.Metrics,
		lockDir:     cfg.LockDir,
		lockTimeout: cfg.LockTimeout,
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

// Capture validates and stores one record. It returns an error only when
// nothing was stored: bad input, a filter block, lock timeout, or an append
// failure. A stored record with failed enrichment returns Stored=true and
// warnings.
func (e *Engine) Capture(ctx context.Context, req Request) (Result, error) {
	rec, err := record.New(req.Namespace, req.Summary, req.Body, req.Tags, req.SourceRef, time.Now())
	if err != nil {
		return Result{}, err
	}

	var warnings []string
	if e.filter != nil {
		filtered, err := e.filter.Filter(rec.Body)
		if err != nil {
			return Result{}, fmt.Errorf("capture: content filter: %w: %v", apperr.ErrValidation, err)
		}
		if filtered != rec.Body {
			rec, err = record.New(req.Namespace, req.Summary, filtered, req.Tags, req.SourceRef, rec.CreatedAt)
			if err != nil {
				return Result{}, fmt.Errorf("capture: filtered body: %w", err)
			}
			warnings = append(warnings, "content filter rewrote body")
		}
	}

	encoded, err := record.Encode(rec)
	if err != nil {
		return Result{}, err
	}

	handle, err := lock.Acquire(ctx, e.lockDir, req.Namespace, e.lockTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("capture: %s: %w", req.Namespace, err)
	}
	defer handle.Release() //nolint:errcheck

	id, err := e.store.Append(ctx, req.Namespace, encoded)
	if err != nil {
		return Result{}, fmt.Errorf("capture: append: %w", err)
	}
	// The lock covers the blob read-modify-write only. Release is
	// idempotent; the defer remains for the error paths above.
	_ = handle.Release()

	var vec []float32
	if e.embedder != nil {
		vec, err = e.embedder.Embed(ctx, index.EmbedText(rec.Summary, rec.Body))
		if err != nil {
			e.logger.Warn("capture: embedding unavailable",
				slog.String("id", id.String()),
				slog.String("error", err.Error()))
			warnings = append(warnings, "embedding unavailable")
			vec = nil
		}
	}

	if err := e.db.Upsert(index.FromRecord(id, rec, encoded, vec)); err != nil {
		e.logger.Warn("capture: index write failed",
			slog.String("id", id.String()),
			slog.String("error", err.Error()))
		warnings = append(warnings, "index pending")
	}

	e.sink.Record("capture.stored",
		slog.String("namespace", id.Namespace),
		slog.String("id", id.String()),
		slog.Int("warnings", len(warnings)))

	return Result{ID: id, Stored: true, Warnings: warnings}, nil
}
