// Package recall implements search over indexed records: vector, keyword, or
// a rank-fused hybrid of both, with optional hydration from the record store.
package recall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/record"
)

// Mode selects the search strategy.
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
	ModeHybrid  Mode = "hybrid"
)

// ParseMode maps user input to a Mode; empty input means hybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeHybrid:
		return ModeHybrid, nil
	case ModeVector:
		return ModeVector, nil
	case ModeKeyword:
		return ModeKeyword, nil
	}
	return "", fmt.Errorf("recall: unknown mode %q: %w", s, apperr.ErrValidation)
}

// Hydration selects how much of each match is materialized.
type Hydration string

const (
	// HydrateSummary returns the index projection only.
	HydrateSummary Hydration = "summary"
	// HydrateFull re-reads the body from the record store, which is
	// authoritative even when the index lags.
	HydrateFull Hydration = "full"
	// HydrateFiles additionally lists the files the anchor commit touched.
	HydrateFiles Hydration = "files"
)

// ParseHydration maps user input to a Hydration; empty input means summary.
func ParseHydration(s string) (Hydration, error) {
	switch Hydration(strings.ToLower(strings.TrimSpace(s))) {
	case "", HydrateSummary:
		return HydrateSummary, nil
	case HydrateFull:
		return HydrateFull, nil
	case HydrateFiles:
		return HydrateFiles, nil
	}
	return "", fmt.Errorf("recall: unknown hydration %q: %w", s, apperr.ErrValidation)
}

// Query is one search request. Zero values defer to the engine defaults.
type Query struct {
	Text          string
	Namespace     string
	K             int
	MinSimilarity float64
	Mode          Mode
	Hydration     Hydration
}

// Match is one search result.
type Match struct {
	ID         string    `json:"id"`
	Namespace  string    `json:"namespace"`
	Anchor     string    `json:"anchor"`
	Seq        int       `json:"seq"`
	Summary    string    `json:"summary"`
	Body       string    `json:"body,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	SourceRef  string    `json:"source_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Score      float64   `json:"score"`
	Similarity float64   `json:"similarity,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	Files      []string  `json:"files,omitempty"`
}

// Store is the hydration half of the record store.
type Store interface {
	Read(ctx context.Context, namespace, anchor string) ([]byte, error)
	TouchedFiles(ctx context.Context, anchor string) ([]string, error)
}

// Embedder turns the query text into a vector. Nil disables vector search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config carries the engine's collaborators and search defaults.
type Config struct {
	Index         index.RecordIndex
	Store         Store
	Embedder      Embedder
	Logger        *slog.Logger
	K             int     // default result count
	KRRF          int     // rank fusion constant
	MinSimilarity float64 // default vector floor
}

// Engine runs searches.
type Engine struct {
	db       index.RecordIndex
	store    Store
	embedder Embedder
	logger   *slog.Logger
	defaultK int
	kRRF     int
	minSim   float64
}

// New creates a recall engine.
func New(cfg Config) *Engine {
	e := &Engine{
		db:       cfg.Index,
		store:    cfg.Store,
		embedder: cfg.Embedder,
		logger:   cfg.Logger,
		defaultK: cfg.K,
		kRRF:     cfg.KRRF,
		minSim:   cfg.MinSimilarity,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.defaultK <= 0 {
		e.defaultK = 8
	}
	if e.kRRF <= 0 {
		e.kRRF = 60
	}
	return e
}

// Search runs one query. Results are best first. An empty index yields empty
// results, not an error; vector mode without a working embedder is
// apperr.ErrEmbeddingUnavailable.
func (e *Engine) Search(ctx context.Context, q Query) ([]Match, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("recall: empty query: %w", apperr.ErrValidation)
	}
	if q.Namespace != "" && !record.ValidNamespace(q.Namespace) {
		return nil, fmt.Errorf("recall: unknown namespace %q: %w", q.Namespace, apperr.ErrValidation)
	}
	if q.K <= 0 {
		q.K = e.defaultK
	}
	if q.MinSimilarity == 0 {
		q.MinSimilarity = e.minSim
	}
	if q.Mode == "" {
		q.Mode = ModeHybrid
	}
	if q.Hydration == "" {
		q.Hydration = HydrateSummary
	}

	var (
		vhits []index.VectorHit
		khits []index.KeywordHit
	)
	switch q.Mode {
	case ModeVector:
		vec, err := e.embedQuery(ctx, q.Text)
		if err != nil {
			return nil, err
		}
		vhits, err = e.db.SearchVector(vec, q.Namespace, q.K, q.MinSimilarity)
		if err != nil {
			return nil, err
		}
	case ModeKeyword:
		var err error
		khits, err = e.db.SearchKeyword(q.Text, q.Namespace, q.K)
		if err != nil {
			return nil, err
		}
	case ModeHybrid:
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			vec, err := e.embedQuery(gctx, q.Text)
			if err != nil {
				// Semantic ranking is an enhancement here; keyword
				// results alone still answer the query.
				e.logger.Warn("recall: hybrid degraded to keyword", slog.String("error", err.Error()))
				return nil
			}
			vhits, err = e.db.SearchVector(vec, q.Namespace, q.K, q.MinSimilarity)
			return err
		})
		g.Go(func() error {
			var err error
			khits, err = e.db.SearchKeyword(q.Text, q.Namespace, q.K)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("recall: unknown mode %q: %w", q.Mode, apperr.ErrValidation)
	}

	fused := fuse(vhits, khits, e.kRRF)
	if len(fused) > q.K {
		fused = fused[:q.K]
	}
	return e.hydrate(ctx, fused, q.Hydration), nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("recall: embedding disabled: %w", apperr.ErrEmbeddingUnavailable)
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, apperr.ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("recall: embed query: %w: %v", apperr.ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}

type fusedHit struct {
	entry      index.Entry
	score      float64
	similarity float64
	snippet    string
}

// fuse combines both rankings with reciprocal rank fusion:
// score = sum over sources of 1/(kRRF + rank). A record found by both
// searches outranks one found by either alone. Ties break on identity so
// results are deterministic.
func fuse(vhits []index.VectorHit, khits []index.KeywordHit, kRRF int) []fusedHit {
	byID := make(map[string]*fusedHit, len(vhits)+len(khits))

	for i, h := range vhits {
		f := byID[h.ID]
		if f == nil {
			f = &fusedHit{entry: h.Entry}
			byID[h.ID] = f
		}
		f.score += 1 / float64(kRRF+i+1)
		f.similarity = h.Similarity
	}
	for _, h := range khits {
		f := byID[h.ID]
		if f == nil {
			f = &fusedHit{entry: h.Entry}
			byID[h.ID] = f
		}
		f.score += 1 / float64(kRRF+h.Rank)
		f.snippet = h.Snippet
	}

	out := make([]fusedHit, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].entry.ID < out[j].entry.ID
	})
	return out
}
