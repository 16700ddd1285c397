// Package gitnotes stores memory records in git notes. Notes live under
// refs/notes/mem/<namespace>, one note blob per anchor commit, and the blob
// is the append-only source of truth; everything else in the system is a
// rebuildable projection of it.
//
// All git access goes through Repository, a subprocess-per-operation wrapper:
// arguments are passed as an argv (never through a shell), the subcommand
// must be on a fixed allow-list, and every invocation carries a deadline.
package gitnotes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/starford/munin/internal/apperr"
)

// DefaultTimeout bounds a single git subprocess. A hung remote or a
// pathological repository surfaces as apperr.ErrOperationTimeout instead of
// a stuck caller.
const DefaultTimeout = 30 * time.Second

// allowedSubcommands is the fixed set of git subcommands this process may
// run. Anything else is a programming error, not a user input problem.
var allowedSubcommands = map[string]bool{
	"rev-parse":    true,
	"rev-list":     true,
	"notes":        true,
	"for-each-ref": true,
	"fetch":        true,
	"push":         true,
	"update-ref":   true,
	"diff-tree":    true,
	"merge-base":   true,
	"commit-tree":  true,
}

// Repository runs git commands against one repository directory via
// "git -C <dir>". There is no default directory; callers always say which
// repository they mean.
type Repository struct {
	dir     string
	timeout time.Duration
}

// NewRepository returns a Repository targeting dir. A non-positive timeout
// falls back to DefaultTimeout.
func NewRepository(dir string, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Repository{dir: dir, timeout: timeout}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes an allow-listed git subcommand and returns its stdout.
// Stderr is captured separately and carried in the returned *CommandError.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, nil, args...)
}

// RunInput is Run with stdin fed to the subprocess. Used for writing note
// blobs without touching the filesystem (git notes add --file=-).
func (r *Repository) RunInput(ctx context.Context, stdin []byte, args ...string) (string, error) {
	return r.run(ctx, stdin, args...)
}

// GitDir resolves the repository's .git directory as an absolute path.
func (r *Repository) GitDir(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (r *Repository) run(ctx context.Context, stdin []byte, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("gitnotes: empty git command")
	}
	if !allowedSubcommands[args[0]] {
		return "", fmt.Errorf("gitnotes: git subcommand %q not allowed", args[0])
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fullArgs := append([]string{"-C", r.dir}, args...)
	command := exec.CommandContext(runCtx, "git", fullArgs...)
	// Deadline-bounded subprocesses must never sit on a credential prompt.
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	if err == nil {
		return stdout.String(), nil
	}
	if ctxErr := runCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return "", fmt.Errorf("gitnotes: git %s in %s: %w", strings.Join(args, " "), r.dir, apperr.ErrOperationTimeout)
		}
		return "", fmt.Errorf("gitnotes: git %s in %s: %w", strings.Join(args, " "), r.dir, ctxErr)
	}
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return "", &CommandError{
		Args:     args,
		Dir:      r.dir,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr.String()),
		Err:      err,
	}
}

// CommandError describes a git invocation that ran and failed. ExitCode is
// -1 when the process never produced one.
type CommandError struct {
	Args     []string
	Dir      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s in %s: %v (stderr: %s)", strings.Join(e.Args, " "), e.Dir, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitedWith reports whether err is a CommandError with the given exit code
// and a stderr mentioning fragment. Git signals expected conditions (missing
// note, missing ref) through exit code 1 plus a stable message.
func exitedWith(err error, code int, fragment string) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.ExitCode == code && strings.Contains(ce.Stderr, fragment)
}
