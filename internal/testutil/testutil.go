// Package testutil provides shared test helpers for setting up repositories
// and databases.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/munin/internal/index"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "munin-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// RequireGit skips the test when no git binary is installed.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skipf("git not available: %v", err)
	}
}

// TestRepo creates a temporary git repository with a committed seed file and
// a local identity, and returns its directory.
func TestRepo(t *testing.T) string {
	t.Helper()
	RequireGit(t)

	dir := t.TempDir()
	Git(t, dir, "init", "--quiet")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "user.email", "test@test.local")
	Git(t, dir, "config", "commit.gpgsign", "false")
	CommitFile(t, dir, "README.md", "seed\n", "initial commit")
	return dir
}

// Git runs a git command in dir, failing the test on error, and returns the
// combined output.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	command := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := command.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, output)
	}
	return string(output)
}

// CommitFile writes a file under dir and commits it, returning the new HEAD.
func CommitFile(t *testing.T, dir, path, content, message string) string {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "add", path)
	Git(t, dir, "commit", "--quiet", "-m", message)
	return Head(t, dir)
}

// CommitFileAt is CommitFile with a fixed commit timestamp, for tests that
// need a deterministic commit order.
func CommitFileAt(t *testing.T, dir, path, content, message, date string) string {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "add", path)
	command := exec.Command("git", "-C", dir, "commit", "--quiet", "-m", message)
	command.Env = append(os.Environ(), "GIT_AUTHOR_DATE="+date, "GIT_COMMITTER_DATE="+date)
	if output, err := command.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v\n%s", err, output)
	}
	return Head(t, dir)
}

// Head returns the current HEAD commit of dir.
func Head(t *testing.T, dir string) string {
	t.Helper()
	return strings.TrimSpace(Git(t, dir, "rev-parse", "HEAD"))
}

// BareClone creates a bare clone of src to serve as a push/fetch remote and
// returns its directory.
func BareClone(t *testing.T, src string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	command := exec.Command("git", "clone", "--quiet", "--bare", src, dir)
	if output, err := command.CombinedOutput(); err != nil {
		t.Fatalf("git clone --bare: %v\n%s", err, output)
	}
	return dir
}

// Clone creates a working clone of src with a local identity, for tests that
// replicate between two repositories through a shared remote.
func Clone(t *testing.T, src string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clone")
	command := exec.Command("git", "clone", "--quiet", src, dir)
	if output, err := command.CombinedOutput(); err != nil {
		t.Fatalf("git clone: %v\n%s", err, output)
	}
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "user.email", "test@test.local")
	Git(t, dir, "config", "commit.gpgsign", "false")
	return dir
}
