// Package lock serializes writers with an advisory per-scope lock file.
//
// The lock is a file created with O_CREATE|O_EXCL|O_NOFOLLOW holding the
// owner's PID and acquisition time. O_EXCL makes creation the atomic
// test-and-set, O_NOFOLLOW refuses symlinked paths, and the PID lets waiters
// reclaim locks left behind by crashed processes. The lock is advisory: it
// serializes cooperating munin processes on one machine, while cross-machine
// interleavings are handled by the replication merge, not the lock.
package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/starford/munin/internal/apperr"
)

// DefaultTimeout bounds acquisition when the caller does not set one.
const DefaultTimeout = 5 * time.Second

const (
	baseBackoff = 20 * time.Millisecond
	maxBackoff  = 250 * time.Millisecond
)

// Handle is a held lock. Release is idempotent and safe under defer.
type Handle struct {
	path string
	once sync.Once
	err  error
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	return h.path
}

// Release removes the lock file. Only the first call does work; later calls
// return the first call's result.
func (h *Handle) Release() error {
	h.once.Do(func() {
		if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.err = fmt.Errorf("lock: release %s: %w", h.path, err)
		}
	})
	return h.err
}

// Acquire takes the lock named scope under dir, creating dir if needed.
// It retries with capped exponential backoff until the timeout or context
// expires, reclaiming the file on the way if its owner is no longer running.
// Failure to acquire within the timeout is apperr.ErrLockTimeout and means
// no write was performed.
func Acquire(ctx context.Context, dir, scope string, timeout time.Duration) (*Handle, error) {
	if scope == "" || strings.ContainsAny(scope, "/\\") {
		return nil, fmt.Errorf("lock: invalid scope %q: %w", scope, apperr.ErrValidation)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("lock: create dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, "munin-"+scope+".lock")
	deadline := time.Now().Add(timeout)
	backoff := baseBackoff
	for {
		acquired, err := tryAcquire(path)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &Handle{path: path}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock: %s still held after %s: %w", path, timeout, apperr.ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock: %s: %w", path, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// tryAcquire attempts one atomic create. When the file already exists it
// checks the recorded owner; a dead owner's file is removed and creation
// retried once in the same pass, so reclaim does not burn backoff time.
func tryAcquire(path string) (bool, error) {
	acquired, err := create(path)
	if err != nil || acquired {
		return acquired, err
	}
	stale, err := isStale(path)
	if err != nil || !stale {
		return false, err
	}
	// Reclaim. Between the liveness check and the remove another waiter may
	// do the same; whoever wins the O_EXCL create below holds the lock.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("lock: reclaim %s: %w", path, err)
	}
	return create(path)
}

func create(path string) (bool, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|syscall.O_NOFOLLOW, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("lock: create %s: %w", path, err)
	}
	_, err = fmt.Fprintf(file, "pid %d\nacquired %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return false, fmt.Errorf("lock: write %s: %w", path, err)
	}
	return true, nil
}

// isStale reports whether the lock file's recorded owner is gone. Files with
// unreadable content are treated as held; deleting something we cannot
// attribute is worse than waiting for the timeout.
func isStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("lock: inspect %s: %w", path, err)
	}
	pid, ok := parsePID(data)
	if !ok || pid == os.Getpid() {
		return false, nil
	}
	return !processAlive(pid), nil
}

func parsePID(data []byte) (int, bool) {
	line, _, _ := bytes.Cut(data, []byte("\n"))
	rest, ok := strings.CutPrefix(string(line), "pid ")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes a PID with signal 0. EPERM means the process exists
// under another user, which still counts as alive.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
