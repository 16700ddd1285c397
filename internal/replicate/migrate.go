package replicate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/munin/internal/gitnotes"
	"github.com/starford/munin/internal/lock"
)

// MigrateLegacyLayout moves the flat single-namespace notes ref into the
// namespaced layout. Early deployments wrote session records straight to
// refs/notes/mem; that ref name is now the parent directory of the
// per-namespace refs, and git refuses to create refs/notes/mem/sessions
// while the flat ref exists. The move is staged through a backup ref so a
// crash at any point resumes cleanly:
//
//	refs/notes/mem           -> refs/notes/mem-migrating   (copy, then delete)
//	refs/notes/mem-migrating -> refs/notes/mem/sessions    (adopt or merge)
//	refs/notes/mem-migrating deleted last
//
// Repositories without a flat ref return immediately. The whole move runs
// under its own lock scope; concurrent callers wait and then see nothing
// left to do.
func MigrateLegacyLayout(ctx context.Context, store *gitnotes.Store, lockDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	legacyHash, err := store.RefHash(ctx, gitnotes.LegacyNotesRef)
	if err != nil {
		return err
	}
	backupHash, err := store.RefHash(ctx, gitnotes.MigrationBackupRef)
	if err != nil {
		return err
	}
	if legacyHash == "" && backupHash == "" {
		return nil
	}

	handle, err := lock.Acquire(ctx, lockDir, "migrate", 0)
	if err != nil {
		return err
	}
	defer handle.Release() //nolint:errcheck

	// Re-resolve under the lock; another process may have finished the move
	// while we waited.
	legacyHash, err = store.RefHash(ctx, gitnotes.LegacyNotesRef)
	if err != nil {
		return err
	}
	backupHash, err = store.RefHash(ctx, gitnotes.MigrationBackupRef)
	if err != nil {
		return err
	}
	if legacyHash == "" && backupHash == "" {
		return nil
	}

	if legacyHash != "" {
		switch {
		case backupHash == "":
			if err := store.UpdateRef(ctx, gitnotes.MigrationBackupRef, legacyHash); err != nil {
				return err
			}
		case backupHash != legacyHash:
			// An interrupted move left a backup and a legacy writer has
			// appended since. Fold the extra records into the backup rather
			// than overwrite it.
			if _, err := mergeRefs(ctx, store, gitnotes.MigrationBackupRef, gitnotes.LegacyNotesRef); err != nil {
				return err
			}
		}
		// The flat ref must be gone before refs/notes/mem/ can hold
		// namespaced refs.
		if err := store.DeleteRef(ctx, gitnotes.LegacyNotesRef); err != nil {
			return err
		}
	}

	backupHash, err = store.RefHash(ctx, gitnotes.MigrationBackupRef)
	if err != nil {
		return err
	}
	if backupHash == "" {
		return nil
	}

	sessionsRef, err := gitnotes.NamespaceRef("sessions")
	if err != nil {
		return err
	}
	sessionsHash, err := store.RefHash(ctx, sessionsRef)
	if err != nil {
		return err
	}
	if sessionsHash == "" {
		if err := store.UpdateRef(ctx, sessionsRef, backupHash); err != nil {
			return fmt.Errorf("replicate: adopt legacy notes as %s: %w", sessionsRef, err)
		}
	} else {
		if _, err := mergeRefs(ctx, store, sessionsRef, gitnotes.MigrationBackupRef); err != nil {
			return err
		}
	}
	if err := store.DeleteRef(ctx, gitnotes.MigrationBackupRef); err != nil {
		return err
	}

	logger.Info("replicate: migrated legacy notes layout",
		slog.String("from", gitnotes.LegacyNotesRef),
		slog.String("to", sessionsRef))
	return nil
}
