package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// resyncDebounce coalesces bursts of ref updates (a fetch touches every
// tracking ref, a sync rewrites several namespaces) into one resync.
const resyncDebounce = 200 * time.Millisecond

// Watch starts an fsnotify watcher on the repository's refs/notes tree and
// runs a debounced incremental resync when anything under it changes: a
// capture from another worktree's process, a fetch updating tracking refs,
// a merge rewriting blobs. onSync, if non-nil, is called after each
// successful resync.
//
// New ref directories (a namespace's first note) are added to the watch list
// at runtime. Ref updates that bypass the loose ref files (a repack into
// packed-refs) are caught by the next explicit sync instead.
func Watch(ctx context.Context, db *DB, source Source, embedder Embedder, gitDir string, logger *slog.Logger, onSync func()) error {
	root := filepath.Join(gitDir, "refs", "notes")
	// The tree may not exist until the first note is written; git ignores
	// empty directories, so creating it up front is harmless.
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("index: watch %s: %w", root, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", root))

	// resyncTimer debounces ref update bursts into a single resync.
	var resyncTimer *time.Timer
	var resyncCh <-chan time.Time

	scheduleResync := func() {
		if resyncTimer == nil {
			resyncTimer = time.NewTimer(resyncDebounce)
			resyncCh = resyncTimer.C
		} else {
			resyncTimer.Reset(resyncDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if resyncTimer != nil {
				resyncTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-resyncCh:
			if err := Resync(ctx, db, source, embedder, logger); err != nil {
				logger.Warn("watcher: resync failed", slog.String("error", err.Error()))
				continue
			}
			logger.Debug("watcher: resynced")
			if onSync != nil {
				onSync()
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", ev.Name))
					}
				}
			}

			// git updates a ref by writing <ref>.lock and renaming it into
			// place; the lock file events themselves carry no news.
			if strings.HasSuffix(ev.Name, ".lock") {
				continue
			}
			scheduleResync()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
