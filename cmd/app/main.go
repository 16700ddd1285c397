package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/munin/internal"
	"github.com/starford/munin/internal/archive"
	"github.com/starford/munin/internal/capture"
	"github.com/starford/munin/internal/recall"
	pkgconfig "github.com/starford/munin/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	path := cmd.String("config")
	if err := pkgconfig.Load(path, cfg); err != nil {
		// A missing default config file is not an error: defaults plus
		// environment variables are a complete configuration.
		if errors.Is(err, os.ErrNotExist) && !cmd.IsSet("config") {
			if verr := cfg.Validate(); verr != nil {
				return nil, fmt.Errorf("default config invalid: %w", verr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// withApp opens the application stack for a one-shot command. Logs go to
// stderr so stdout stays clean for the command's output.
func withApp(ctx context.Context, cmd *cli.Command, fn func(context.Context, *internal.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := internal.NewLogger(cfg, os.Stderr)
	app, err := internal.OpenApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// bodyFrom resolves the record body: the flag when set, otherwise piped
// stdin. An interactive terminal with no flag yields an empty body.
func bodyFrom(cmd *cli.Command) (string, error) {
	if cmd.IsSet("body") {
		return cmd.String("body"), nil
	}
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read body from stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func captureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "Store one memory record in the current repository",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Usage: "Record namespace", Required: true},
			&cli.StringFlag{Name: "summary", Aliases: []string{"s"}, Usage: "One-line summary", Required: true},
			&cli.StringFlag{Name: "body", Aliases: []string{"b"}, Usage: "Record body (reads stdin when piped and unset)"},
			&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Tag (repeatable)"},
			&cli.StringFlag{Name: "source", Usage: "Originating commit or ref"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			body, err := bodyFrom(cmd)
			if err != nil {
				return err
			}
			return withApp(ctx, cmd, func(ctx context.Context, app *internal.App) error {
				res, err := app.Service.Capture(ctx, capture.Request{
					Namespace: cmd.String("namespace"),
					Summary:   cmd.String("summary"),
					Body:      body,
					Tags:      cmd.StringSlice("tag"),
					SourceRef: cmd.String("source"),
				})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"id":       res.ID.String(),
					"stored":   res.Stored,
					"warnings": res.Warnings,
				})
			})
		},
	}
}

func recallCommand() *cli.Command {
	return &cli.Command{
		Name:      "recall",
		Usage:     "Search stored memory records",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Usage: "Restrict to one namespace"},
			&cli.IntFlag{Name: "k", Usage: "Maximum results (0: configured default)"},
			&cli.FloatFlag{Name: "min-similarity", Usage: "Vector similarity floor"},
			&cli.StringFlag{Name: "mode", Value: "hybrid", Usage: "vector, keyword, or hybrid"},
			&cli.StringFlag{Name: "hydrate", Value: "summary", Usage: "summary, full, or files"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			query := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
			if query == "" {
				return fmt.Errorf("recall: query is required")
			}
			mode, err := recall.ParseMode(cmd.String("mode"))
			if err != nil {
				return err
			}
			hydration, err := recall.ParseHydration(cmd.String("hydrate"))
			if err != nil {
				return err
			}
			return withApp(ctx, cmd, func(ctx context.Context, app *internal.App) error {
				matches, err := app.Service.Search(ctx, recall.Query{
					Text:          query,
					Namespace:     cmd.String("namespace"),
					K:             int(cmd.Int("k")),
					MinSimilarity: cmd.Float("min-similarity"),
					Mode:          mode,
					Hydration:     hydration,
				})
				if err != nil {
					return err
				}
				return printJSON(matches)
			})
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Reconcile memory refs with the remote",
		ArgsUsage: "[namespace]...",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "push", Usage: "Push merged refs back to the remote"},
			&cli.StringFlag{Name: "remote", Usage: "Remote to reconcile with (overrides config)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.IsSet("remote") {
				cfg.Sync.Remote = cmd.String("remote")
			}
			logger := internal.NewLogger(cfg, os.Stderr)
			app, err := internal.OpenApp(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			results := app.Service.Sync(ctx, cmd.Args().Slice(), cmd.Bool("push"))
			if err := printJSON(results); err != nil {
				return err
			}
			for ns, ok := range results {
				if !ok {
					return fmt.Errorf("sync: namespace %s failed", ns)
				}
			}
			return nil
		},
	}
}

func reindexCommand() *cli.Command {
	return &cli.Command{
		Name:  "reindex",
		Usage: "Drop the search index and rebuild it from the record store",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, app *internal.App) error {
				return app.Service.Reindex(ctx)
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show per-namespace store, index, and sync state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, app *internal.App) error {
				st, err := app.Service.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
}

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Export aged records as Markdown, optionally pruning them",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Usage: "Namespace to archive", Required: true},
			&cli.StringFlag{Name: "before", Usage: "Cutoff date (YYYY-MM-DD); records older are archived", Required: true},
			&cli.StringFlag{Name: "out", Usage: "Output directory", Required: true},
			&cli.BoolFlag{Name: "prune", Usage: "Remove archived records from the store"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			before, err := time.Parse("2006-01-02", cmd.String("before"))
			if err != nil {
				return fmt.Errorf("archive: invalid --before date: %w", err)
			}
			return withApp(ctx, cmd, func(ctx context.Context, app *internal.App) error {
				res, err := app.Service.Archive(ctx, archive.Request{
					Namespace: cmd.String("namespace"),
					Before:    before,
					OutDir:    cmd.String("out"),
					Prune:     cmd.Bool("prune"),
				})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"exported": res.Exported,
					"pruned":   res.Pruned,
					"files":    res.Files,
				})
			})
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, SSE stream, and refs watcher",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
				return fmt.Errorf("app run error: %w", err)
			}
			return nil
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Run the MCP server on stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := internal.RunMCP(ctx, internal.WithConfig(cfg)); err != nil {
				return fmt.Errorf("mcp run error: %w", err)
			}
			return nil
		},
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "munin",
		Usage: "Durable, searchable memory for agent sessions, stored in git notes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("MUNIN_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			captureCommand(),
			recallCommand(),
			syncCommand(),
			reindexCommand(),
			statusCommand(),
			archiveCommand(),
			serveCommand(),
			mcpCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
