// Package internal wires the munin engines into runnable entry points: the
// long-running HTTP/SSE server, the stdio MCP server, and the one-shot CLI
// commands, all sharing one application setup path.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/munin/internal/api"
	"github.com/starford/munin/internal/capture"
	"github.com/starford/munin/internal/embed"
	"github.com/starford/munin/internal/gitnotes"
	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/mcpserver"
	"github.com/starford/munin/internal/memoryservice"
	"github.com/starford/munin/internal/metrics"
	"github.com/starford/munin/internal/redact"
	"github.com/starford/munin/internal/sse"
)

// App is one opened repository's memory stack: the git-notes store, the
// SQLite index, and the service facade over both. One-shot CLI commands open
// an App, act through Service, and Close; the server entry points keep it
// for the process lifetime.
type App struct {
	Service *memoryservice.Service
	GitDir  string

	store    *gitnotes.Store
	db       *index.DB
	embedder embed.Embedder
	logger   *slog.Logger
}

// NewLogger builds the structured JSON logger used by every entry point and
// installs it as the process default. The MCP entry point logs to stderr
// because stdout carries the protocol.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// OpenApp resolves the repository, opens the index, builds the embedding
// provider and content filter, and wires the service facade. events may be
// nil; one-shot commands have no stream to feed. It also runs the one-time
// legacy ref layout migration, so every entry point starts from the
// namespaced layout.
func OpenApp(ctx context.Context, cfg *Config, logger *slog.Logger, events memoryservice.Publisher) (*App, error) {
	repo := gitnotes.NewRepository(cfg.Repo.Path, cfg.Git.Timeout)
	gitDir, err := repo.GitDir(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve repository %q: %w", cfg.Repo.Path, err)
	}

	// State dir holds the index and the lock files; 0700 because lock
	// files embed PIDs and the index mirrors record bodies.
	stateDir := filepath.Join(gitDir, "munin")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	indexPath := cfg.Index.Path
	if indexPath == "" {
		indexPath = filepath.Join(stateDir, "index.db")
	}
	db, err := index.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	embedder := newEmbedder(cfg, logger)

	var filter capture.ContentFilter
	if cfg.Redact.Enabled {
		filter = redact.New()
	}

	store := gitnotes.NewStore(repo)
	svc := memoryservice.New(memoryservice.Config{
		Store:         store,
		DB:            db,
		Embedder:      embedder,
		Filter:        filter,
		Remote:        cfg.Sync.Remote,
		LockDir:       stateDir,
		LockTimeout:   cfg.Lock.Timeout,
		SearchK:       cfg.Search.K,
		SearchKRRF:    cfg.Search.KRRF,
		MinSimilarity: cfg.Search.MinSimilarity,
		EmbedProvider: cfg.Embedding.Provider,
		Events:        events,
		Metrics:       metrics.Slog{Logger: logger},
		Logger:        logger,
	})

	if err := svc.EnsureLayout(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ref layout: %w", err)
	}

	return &App{
		Service:  svc,
		GitDir:   gitDir,
		store:    store,
		db:       db,
		embedder: embedder,
		logger:   logger,
	}, nil
}

// Close releases the index database.
func (a *App) Close() error {
	return a.db.Close()
}

// newEmbedder builds the configured embedding provider. Construction failure
// (typically a missing API key) degrades to keyword-only operation with a
// warning; embedding is enrichment and must never keep the store offline.
func newEmbedder(cfg *Config, logger *slog.Logger) embed.Embedder {
	if !cfg.Embedding.Enabled() {
		return nil
	}
	embedder, err := embed.New(cfg.Embedding.Provider, cfg.Embedding.APIKey,
		embed.WithModel(cfg.Embedding.Model),
		embed.WithDimensions(cfg.Embedding.Dimensions),
		embed.WithBaseURL(cfg.Embedding.BaseURL),
		embed.WithTimeout(cfg.Embedding.Timeout),
	)
	if err != nil {
		logger.Warn("embedding disabled, running keyword-only",
			slog.String("provider", cfg.Embedding.Provider),
			slog.String("error", err.Error()))
		return nil
	}
	return embedder
}

// Run starts the long-running server: HTTP API, SSE event stream, and the
// refs watcher that keeps the index in step with writes from other
// processes. It blocks until the context is cancelled or a shutdown signal
// arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := NewLogger(cfg, os.Stdout)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("repo_path", cfg.Repo.Path),
		slog.String("sync_remote", cfg.Sync.Remote),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	a, err := OpenApp(ctx, cfg, logger, broker)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("Repository opened", slog.String("git_dir", a.GitDir))

	// Bring the index up to date before serving; a failure here is a
	// degraded start, not a fatal one, the watcher and syncs catch up.
	if err := a.Service.ResyncIndex(ctx); err != nil {
		logger.Warn("initial index resync failed", slog.String("error", err.Error()))
	}

	// Build API router.
	apiRouter := api.NewRouter(a.Service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start refs watcher: captures from other worktrees and fetches land in
	// the index without a local write.
	g.Go(func() error {
		err := index.Watch(gCtx, a.db, a.store, a.embedder, a.GitDir, logger, func() {
			broker.PublishMemoryEvent("reindexed", map[string]string{"trigger": "refs"})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP starts the MCP server on stdio. All logging goes to stderr; stdout
// belongs to the protocol.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := NewLogger(cfg, os.Stderr)

	a, err := OpenApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Service.ResyncIndex(ctx); err != nil {
		logger.Warn("initial index resync failed", slog.String("error", err.Error()))
	}

	logger.Info("MCP server starting on stdio", slog.String("git_dir", a.GitDir))
	return mcpserver.New(a.Service).ServeStdio()
}
