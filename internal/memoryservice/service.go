// Package memoryservice coordinates the record store, the index, and the
// capture, recall, and replication engines behind one facade shared by the
// HTTP, MCP, and CLI surfaces.
package memoryservice

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/starford/munin/internal/archive"
	"github.com/starford/munin/internal/capture"
	"github.com/starford/munin/internal/embed"
	"github.com/starford/munin/internal/gitnotes"
	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/metrics"
	"github.com/starford/munin/internal/recall"
	"github.com/starford/munin/internal/record"
	"github.com/starford/munin/internal/replicate"
)

// Publisher broadcasts memory events to streaming clients. *sse.Broker
// satisfies it; nil disables events.
type Publisher interface {
	PublishMemoryEvent(kind string, data map[string]string)
}

// Config carries the service's collaborators and engine defaults.
type Config struct {
	Store    *gitnotes.Store
	DB       *index.DB
	Embedder embed.Embedder        // nil: keyword-only operation
	Filter   capture.ContentFilter // nil: bodies stored verbatim

	Remote      string
	LockDir     string
	LockTimeout time.Duration

	SearchK       int
	SearchKRRF    int
	MinSimilarity float64

	// EmbedProvider names the embedding provider for the status surfaces.
	EmbedProvider string

	Events  Publisher
	Metrics metrics.Sink
	Logger  *slog.Logger
}

// Service is the facade over one repository's memory.
type Service struct {
	store    *gitnotes.Store
	db       *index.DB
	embedder embed.Embedder

	capturer   *capture.Engine
	recaller   *recall.Engine
	replicator *replicate.Service
	archiver   *archive.Engine

	remote   string
	lockDir  string
	provider string
	events   Publisher
	logger   *slog.Logger

	refsChanged atomic.Bool
}

// New creates the service and wires the engines together. The replication
// service reports merged refs back through a flag that Sync drains into an
// index resync, so identities moved by a merge are re-projected before the
// caller sees the results.
func New(cfg Config) *Service {
	if cfg.Remote == "" {
		cfg.Remote = replicate.DefaultRemote
	}
	if cfg.EmbedProvider == "" {
		cfg.EmbedProvider = "none"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		store:    cfg.Store,
		db:       cfg.DB,
		embedder: cfg.Embedder,
		remote:   cfg.Remote,
		lockDir:  cfg.LockDir,
		provider: cfg.EmbedProvider,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
	s.capturer = capture.New(capture.Config{
		Store:       cfg.Store,
		Index:       cfg.DB,
		Embedder:    cfg.Embedder,
		Filter:      cfg.Filter,
		Metrics:     cfg.Metrics,
		LockDir:     cfg.LockDir,
		LockTimeout: cfg.LockTimeout,
		Logger:      cfg.Logger,
	})
	s.recaller = recall.New(recall.Config{
		Index:         cfg.DB,
		Store:         cfg.Store,
		Embedder:      cfg.Embedder,
		Logger:        cfg.Logger,
		K:             cfg.SearchK,
		KRRF:          cfg.SearchKRRF,
		MinSimilarity: cfg.MinSimilarity,
	})
	s.replicator = replicate.New(replicate.Config{
		Store:         cfg.Store,
		Index:         cfg.DB,
		Remote:        cfg.Remote,
		LockDir:       cfg.LockDir,
		LockTimeout:   cfg.LockTimeout,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
		OnRefsChanged: func() { s.refsChanged.Store(true) },
	})
	s.archiver = archive.New(archive.Config{
		Store:       cfg.Store,
		LockDir:     cfg.LockDir,
		LockTimeout: cfg.LockTimeout,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})
	return s
}

// Capture stores one record and publishes a captured event once it is
// durable. Degraded captures (stored, enrichment failed) still publish.
func (s *Service) Capture(ctx context.Context, req capture.Request) (capture.Result, error) {
	res, err := s.capturer.Capture(ctx, req)
	if err != nil {
		return res, err
	}
	s.publish("captured", map[string]string{
		"id":        res.ID.String(),
		"namespace": res.ID.Namespace,
	})
	return res, nil
}

// Search runs one recall query.
func (s *Service) Search(ctx context.Context, q recall.Query) ([]recall.Match, error) {
	return s.recaller.Search(ctx, q)
}

// RecordDetail is one stored record joined with its identity.
type RecordDetail struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Anchor    string    `json:"anchor"`
	Seq       int       `json:"seq"`
	Summary   string    `json:"summary"`
	Body      string    `json:"body,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	SourceRef string    `json:"source_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GetRecord reads every record anchored at one commit, in stored order. The
// read goes straight to the store, which stays authoritative even when the
// index lags; apperr.ErrNotFound when nothing is anchored there.
func (s *Service) GetRecord(ctx context.Context, namespace, anchor string) ([]RecordDetail, error) {
	blob, err := s.store.Read(ctx, namespace, anchor)
	if err != nil {
		return nil, err
	}
	records, err := record.DecodeAll(blob)
	if err != nil {
		return nil, fmt.Errorf("memoryservice: decode %s blob at %s: %w", namespace, anchor, err)
	}
	details := make([]RecordDetail, len(records))
	for seq, rec := range records {
		id := record.ID{Namespace: namespace, Anchor: anchor, Seq: seq}
		details[seq] = RecordDetail{
			ID:        id.String(),
			Namespace: namespace,
			Anchor:    anchor,
			Seq:       seq,
			Summary:   rec.Summary,
			Body:      rec.Body,
			Tags:      rec.Tags,
			SourceRef: rec.SourceRef,
			CreatedAt: rec.CreatedAt,
		}
	}
	return details, nil
}

// Sync runs one replication cycle, then resyncs the index when any merge
// moved a local ref. A false result is a failed namespace, never an error
// thrown at the caller.
func (s *Service) Sync(ctx context.Context, namespaces []string, push bool) map[string]bool {
	results := s.replicator.Sync(ctx, namespaces, push)

	if s.refsChanged.Swap(false) {
		if err := s.ResyncIndex(ctx); err != nil {
			s.logger.Warn("memoryservice: resync after merge failed", slog.String("error", err.Error()))
		}
	}

	failed := 0
	for _, ok := range results {
		if !ok {
			failed++
		}
	}
	s.publish("synced", map[string]string{
		"remote": s.remote,
		"push":   strconv.FormatBool(push),
		"failed": strconv.Itoa(failed),
	})
	return results
}

// Archive exports aged records and, after a prune rewrote blobs, resyncs the
// index so shifted identities are re-projected.
func (s *Service) Archive(ctx context.Context, req archive.Request) (archive.Result, error) {
	res, err := s.archiver.Archive(ctx, req)
	if err != nil {
		return res, err
	}
	if req.Prune && res.Pruned > 0 {
		if err := s.ResyncIndex(ctx); err != nil {
			s.logger.Warn("memoryservice: resync after prune failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// Reindex drops the index and rebuilds it from the store.
func (s *Service) Reindex(ctx context.Context) error {
	if err := index.Reindex(ctx, s.db, s.store, s.embedder, s.logger); err != nil {
		return err
	}
	s.publish("reindexed", map[string]string{})
	return nil
}

// ResyncIndex incrementally reconciles the index with the store. The refs
// watcher and the post-merge path both land here.
func (s *Service) ResyncIndex(ctx context.Context) error {
	return index.Resync(ctx, s.db, s.store, s.embedder, s.logger)
}

// EnsureLayout migrates a legacy flat notes ref into the namespaced layout.
// Entry points run it once before serving; it is cheap when there is nothing
// to move.
func (s *Service) EnsureLayout(ctx context.Context) error {
	return replicate.MigrateLegacyLayout(ctx, s.store, s.lockDir, s.logger)
}

// Namespaces lists the fixed namespace set.
func (s *Service) Namespaces() []string {
	return record.Namespaces()
}

// Status is the operational snapshot served by the status surfaces.
type Status struct {
	Namespaces  []NamespaceStatus `json:"namespaces"`
	Replication ReplicationStatus `json:"replication"`
	Embedding   EmbeddingStatus   `json:"embedding"`
	LockDir     string            `json:"lock_dir"`
}

// NamespaceStatus pairs store-side and index-side counts for one namespace.
type NamespaceStatus struct {
	Namespace string      `json:"namespace"`
	Anchors   int         `json:"anchors"`
	Records   int         `json:"records"`
	Embedded  int         `json:"embedded"`
	Sync      *SyncStatus `json:"sync,omitempty"`
}

// SyncStatus is the replication watermark for one namespace.
type SyncStatus struct {
	Remote   string    `json:"remote"`
	SyncedAt time.Time `json:"synced_at"`
}

// ReplicationStatus reports the replication service's current phase.
type ReplicationStatus struct {
	Remote string          `json:"remote"`
	State  replicate.State `json:"state"`
}

// EmbeddingStatus names the configured embedding provider.
type EmbeddingStatus struct {
	Provider   string `json:"provider"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// Status aggregates store counts, index stats, and sync watermarks for every
// namespace. A missing sync watermark is a namespace that has never synced,
// not an error.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	stats, err := s.db.Stats()
	if err != nil {
		return nil, err
	}
	byNamespace := make(map[string]index.NamespaceStats, len(stats))
	for _, st := range stats {
		byNamespace[st.Namespace] = st
	}

	out := &Status{
		Replication: ReplicationStatus{Remote: s.remote, State: s.replicator.State()},
		Embedding:   EmbeddingStatus{Provider: s.provider},
		LockDir:     s.lockDir,
	}
	if s.embedder != nil {
		out.Embedding.Dimensions = s.embedder.Dimensions()
	}

	for _, namespace := range record.Namespaces() {
		anchors, err := s.store.List(ctx, namespace)
		if err != nil {
			return nil, fmt.Errorf("memoryservice: status for %s: %w", namespace, err)
		}
		ns := NamespaceStatus{Namespace: namespace, Anchors: len(anchors)}
		if st, ok := byNamespace[namespace]; ok {
			ns.Records = st.Records
			ns.Embedded = st.Embedded
		}
		sstate, err := s.db.GetSyncState(namespace)
		if err != nil {
			s.logger.Warn("memoryservice: sync state unavailable",
				slog.String("namespace", namespace),
				slog.String("error", err.Error()))
		} else if sstate != nil {
			ns.Sync = &SyncStatus{Remote: sstate.Remote, SyncedAt: sstate.SyncedAt}
		}
		out.Namespaces = append(out.Namespaces, ns)
	}
	return out, nil
}

func (s *Service) publish(kind string, data map[string]string) {
	if s.events != nil {
		s.events.PublishMemoryEvent(kind, data)
	}
}
