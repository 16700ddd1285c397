package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/munin/internal/apperr"
)

func TestAcquire_CreatesOwnedFile(t *testing.T) {
	dir := t.TempDir()
	handle, err := Acquire(context.Background(), dir, "decisions", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer handle.Release()

	info, err := os.Stat(handle.Path())
	if err != nil {
		t.Fatalf("stat lock file: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("mode = %o, want 600", mode)
	}
	data, err := os.ReadFile(handle.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), fmt.Sprintf("pid %d\n", os.Getpid())) {
		t.Errorf("content = %q, want our pid first", data)
	}
}

func TestAcquire_ContendedTimesOut(t *testing.T) {
	dir := t.TempDir()
	holder, err := Acquire(context.Background(), dir, "progress", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer holder.Release()

	start := time.Now()
	_, err = Acquire(context.Background(), dir, "progress", 150*time.Millisecond)
	if !errors.Is(err, apperr.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("gave up after %v, expected to wait near the timeout", elapsed)
	}
}

func TestAcquire_WaiterSucceedsAfterRelease(t *testing.T) {
	dir := t.TempDir()
	holder, err := Acquire(context.Background(), dir, "insights", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		holder.Release()
	}()

	waiter, err := Acquire(context.Background(), dir, "insights", 2*time.Second)
	if err != nil {
		t.Fatalf("waiter: %v", err)
	}
	if err := waiter.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
}

func TestAcquire_DifferentScopesIndependent(t *testing.T) {
	dir := t.TempDir()
	a, err := Acquire(context.Background(), dir, "decisions", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.Release()

	b, err := Acquire(context.Background(), dir, "blockers", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("other scope blocked: %v", err)
	}
	b.Release()
}

func TestAcquire_ReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "munin-mistakes.lock")
	// PID beyond the default pid_max cannot be running.
	content := "pid 99999999\nacquired 2026-01-01T00:00:00Z\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	handle, err := Acquire(context.Background(), dir, "mistakes", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer handle.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), fmt.Sprintf("pid %d", os.Getpid())) {
		t.Errorf("lock not rewritten by reclaimer: %q", data)
	}
}

func TestAcquire_UnparsableLockIsNotReclaimed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "munin-questions.lock")
	if err := os.WriteFile(path, []byte("garbage\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Acquire(context.Background(), dir, "questions", 100*time.Millisecond)
	if !errors.Is(err, apperr.ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("foreign file was removed: %v", statErr)
	}
}

func TestAcquire_RefusesSymlinkedPath(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("pid 99999999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(dir, "munin-solutions.lock")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	// The reclaim path may remove the symlink itself, but must never write
	// through it: the target stays intact either way.
	handle, err := Acquire(context.Background(), dir, "solutions", 300*time.Millisecond)
	if err == nil {
		handle.Release()
	}
	data, readErr := os.ReadFile(target)
	if readErr != nil {
		t.Fatalf("target unreadable after acquire attempt: %v", readErr)
	}
	if string(data) != "pid 99999999\n" {
		t.Errorf("target modified through symlink: %q", data)
	}
}

func TestAcquire_ContextCancellation(t *testing.T) {
	dir := t.TempDir()
	holder, err := Acquire(context.Background(), dir, "conventions", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = Acquire(ctx, dir, "conventions", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	dir := t.TempDir()
	handle, err := Acquire(context.Background(), dir, "sessions", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := handle.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := handle.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(handle.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present: %v", err)
	}
}

func TestAcquire_RejectsBadScope(t *testing.T) {
	for _, scope := range []string{"", "a/b", `a\b`} {
		if _, err := Acquire(context.Background(), t.TempDir(), scope, time.Second); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("scope %q: err = %v, want ErrValidation", scope, err)
		}
	}
}
