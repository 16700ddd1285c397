package gitnotes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/record"
)

// MaxPayloadBytes caps a single appended payload. Record content bounds keep
// encoded records well under this; the cap is the store's own backstop.
const MaxPayloadBytes = 128 * 1024

// revListChunk bounds how many anchors one rev-list invocation resolves, to
// stay clear of argv limits on large namespaces.
const revListChunk = 256

// Anchor is a commit carrying a note in one namespace.
type Anchor struct {
	Commit     string
	CommitTime time.Time
}

// Store is the append-only record store over git notes. One Store serves one
// repository; it is safe for concurrent use because every operation is a
// self-contained subprocess.
type Store struct {
	repo *Repository
}

// NewStore returns a Store over the given repository.
func NewStore(repo *Repository) *Store {
	return &Store{repo: repo}
}

// Repo exposes the underlying repository for callers that need plumbing
// access alongside store semantics.
func (s *Store) Repo() *Repository {
	return s.repo
}

// Head resolves the current HEAD commit, the anchor for new records.
func (s *Store) Head(ctx context.Context) (string, error) {
	out, err := s.repo.Run(ctx, "rev-parse", "--verify", "HEAD^{commit}")
	if err != nil {
		return "", fmt.Errorf("gitnotes: resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Append adds one encoded record to the namespace's note blob at the current
// HEAD and returns its identity. The write replaces the whole blob; callers
// serialize appends to one namespace through the lock, and cross-machine
// interleavings are repaired by the replication merge.
func (s *Store) Append(ctx context.Context, namespace string, payload []byte) (record.ID, error) {
	ref, err := NamespaceRef(namespace)
	if err != nil {
		return record.ID{}, err
	}
	if len(payload) == 0 {
		return record.ID{}, fmt.Errorf("gitnotes: append to %s: empty payload: %w", namespace, apperr.ErrValidation)
	}
	if len(payload) > MaxPayloadBytes {
		return record.ID{}, fmt.Errorf("gitnotes: append to %s: payload is %d bytes, maximum is %d: %w",
			namespace, len(payload), MaxPayloadBytes, apperr.ErrValidation)
	}

	anchor, err := s.Head(ctx)
	if err != nil {
		return record.ID{}, err
	}
	existing, err := s.readNote(ctx, ref, anchor)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return record.ID{}, err
	}

	blocks := record.SplitBlob(existing)
	seq := len(blocks)
	blob := record.JoinBlocks(append(blocks, payload))
	if err := s.writeNote(ctx, ref, anchor, blob); err != nil {
		return record.ID{}, err
	}
	return record.ID{Namespace: namespace, Anchor: anchor, Seq: seq}, nil
}

// Read returns the raw note blob for an anchor in a namespace.
// apperr.ErrNotFound when no note exists there.
func (s *Store) Read(ctx context.Context, namespace, anchor string) ([]byte, error) {
	ref, err := NamespaceRef(namespace)
	if err != nil {
		return nil, err
	}
	if err := ValidateAnchor(anchor); err != nil {
		return nil, err
	}
	return s.readNote(ctx, ref, anchor)
}

// ReadRef is Read against an arbitrary notes ref, used by replication to
// inspect tracking refs.
func (s *Store) ReadRef(ctx context.Context, ref, anchor string) ([]byte, error) {
	if err := ValidateComponent(ref, "ref"); err != nil {
		return nil, err
	}
	if err := ValidateAnchor(anchor); err != nil {
		return nil, err
	}
	return s.readNote(ctx, ref, anchor)
}

// List returns every anchor carrying a note in the namespace, ordered by
// commit time then commit id. The listing is materialized; blobs stay in the
// store until read anchor by anchor.
func (s *Store) List(ctx context.Context, namespace string) ([]Anchor, error) {
	ref, err := NamespaceRef(namespace)
	if err != nil {
		return nil, err
	}
	return s.ListRef(ctx, ref)
}

// ListRef is List against an arbitrary notes ref.
func (s *Store) ListRef(ctx context.Context, ref string) ([]Anchor, error) {
	if err := ValidateComponent(ref, "ref"); err != nil {
		return nil, err
	}
	out, err := s.repo.Run(ctx, "notes", "--ref="+ref, "list")
	if err != nil {
		return nil, fmt.Errorf("gitnotes: list %s: %w", ref, err)
	}

	var commits []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		// "<note blob> <anchor>"
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		commits = append(commits, fields[1])
	}
	if len(commits) == 0 {
		return nil, nil
	}

	times, err := s.commitTimes(ctx, commits)
	if err != nil {
		return nil, err
	}
	anchors := make([]Anchor, 0, len(commits))
	for _, c := range commits {
		anchors = append(anchors, Anchor{Commit: c, CommitTime: times[c]})
	}
	sort.Slice(anchors, func(i, j int) bool {
		if !anchors[i].CommitTime.Equal(anchors[j].CommitTime) {
			return anchors[i].CommitTime.Before(anchors[j].CommitTime)
		}
		return anchors[i].Commit < anchors[j].Commit
	})
	return anchors, nil
}

// WriteBlob replaces the whole note blob at an anchor. Replication merges
// and archive pruning go through here; an empty blob removes the note.
func (s *Store) WriteBlob(ctx context.Context, namespace, anchor string, blob []byte) error {
	ref, err := NamespaceRef(namespace)
	if err != nil {
		return err
	}
	if err := ValidateAnchor(anchor); err != nil {
		return err
	}
	if len(blob) == 0 {
		return s.removeNote(ctx, ref, anchor)
	}
	return s.writeNote(ctx, ref, anchor, blob)
}

// WriteRefBlob is WriteBlob against an arbitrary notes ref.
func (s *Store) WriteRefBlob(ctx context.Context, ref, anchor string, blob []byte) error {
	if err := ValidateComponent(ref, "ref"); err != nil {
		return err
	}
	if err := ValidateAnchor(anchor); err != nil {
		return err
	}
	if len(blob) == 0 {
		return s.removeNote(ctx, ref, anchor)
	}
	return s.writeNote(ctx, ref, anchor, blob)
}

// RemoveNote deletes the note at an anchor. Missing notes are not an error;
// archive pruning calls this when the last record of a blob is exported.
func (s *Store) RemoveNote(ctx context.Context, namespace, anchor string) error {
	ref, err := NamespaceRef(namespace)
	if err != nil {
		return err
	}
	if err := ValidateAnchor(anchor); err != nil {
		return err
	}
	return s.removeNote(ctx, ref, anchor)
}

// TouchedFiles lists the paths changed by the anchor commit, for hydrating
// recall results with the files a memory was recorded against.
func (s *Store) TouchedFiles(ctx context.Context, anchor string) ([]string, error) {
	if err := ValidateAnchor(anchor); err != nil {
		return nil, err
	}
	out, err := s.repo.Run(ctx, "diff-tree", "--root", "--no-commit-id", "--name-only", "-r", anchor)
	if err != nil {
		if exitedWith(err, 128, "bad object") || exitedWith(err, 128, "failed to resolve") {
			return nil, fmt.Errorf("gitnotes: files for %s: %w", anchor, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("gitnotes: files for %s: %w", anchor, err)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// RefHash resolves a ref to its commit hash. A missing ref returns "" with
// no error; replication treats absent refs as empty namespaces.
func (s *Store) RefHash(ctx context.Context, ref string) (string, error) {
	if err := ValidateComponent(ref, "ref"); err != nil {
		return "", err
	}
	out, err := s.repo.Run(ctx, "rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		if exitedWith(err, 1, "") {
			return "", nil
		}
		return "", fmt.Errorf("gitnotes: resolve %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// RefTree resolves a ref to its tree hash, "" when the ref is missing.
// Notes commits made at different times differ even when their content is
// identical; trees compare content.
func (s *Store) RefTree(ctx context.Context, ref string) (string, error) {
	if err := ValidateComponent(ref, "ref"); err != nil {
		return "", err
	}
	out, err := s.repo.Run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{tree}")
	if err != nil {
		if exitedWith(err, 1, "") {
			return "", nil
		}
		return "", fmt.Errorf("gitnotes: resolve tree %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// IsAncestor reports whether commit a is reachable from commit b.
func (s *Store) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	_, err := s.repo.Run(ctx, "merge-base", "--is-ancestor", a, b)
	if err != nil {
		if exitedWith(err, 1, "") {
			return false, nil
		}
		return false, fmt.Errorf("gitnotes: ancestry %s %s: %w", short(a), short(b), err)
	}
	return true, nil
}

// SealMerge ties otherParent into ref's history with a merge commit over
// ref's current tree, returning the new tip. The note content is untouched;
// the commit exists so a later non-forced push of ref fast-forwards a remote
// sitting at otherParent.
func (s *Store) SealMerge(ctx context.Context, ref, otherParent string) (string, error) {
	if err := ValidateComponent(ref, "ref"); err != nil {
		return "", err
	}
	tip, err := s.RefHash(ctx, ref)
	if err != nil {
		return "", err
	}
	if tip == "" {
		return "", fmt.Errorf("gitnotes: seal merge: ref %s is missing: %w", ref, apperr.ErrNotFound)
	}
	tree, err := s.RefTree(ctx, ref)
	if err != nil {
		return "", err
	}
	out, err := s.repo.Run(ctx, "commit-tree", tree, "-p", tip, "-p", otherParent, "-m", "notes merge")
	if err != nil {
		return "", fmt.Errorf("gitnotes: seal merge %s: %w", ref, err)
	}
	sealed := strings.TrimSpace(out)
	if err := s.UpdateRef(ctx, ref, sealed); err != nil {
		return "", err
	}
	return sealed, nil
}

// UpdateRef points a ref at a hash, creating it if needed.
func (s *Store) UpdateRef(ctx context.Context, ref, hash string) error {
	if err := ValidateComponent(ref, "ref"); err != nil {
		return err
	}
	if _, err := s.repo.Run(ctx, "update-ref", ref, hash); err != nil {
		return fmt.Errorf("gitnotes: update %s: %w", ref, err)
	}
	return nil
}

// DeleteRef removes a ref. Deleting an absent ref is not an error.
func (s *Store) DeleteRef(ctx context.Context, ref string) error {
	if err := ValidateComponent(ref, "ref"); err != nil {
		return err
	}
	if _, err := s.repo.Run(ctx, "update-ref", "-d", ref); err != nil {
		if exitedWith(err, 1, "unable to delete") || exitedWith(err, 1, "cannot lock ref") {
			return nil
		}
		return fmt.Errorf("gitnotes: delete %s: %w", ref, err)
	}
	return nil
}

// ListNoteRefs returns the refs under a prefix, e.g. every fetched tracking
// ref after a sync.
func (s *Store) ListNoteRefs(ctx context.Context, prefix string) ([]string, error) {
	if err := ValidateComponent(prefix, "ref prefix"); err != nil {
		return nil, err
	}
	out, err := s.repo.Run(ctx, "for-each-ref", "--format=%(refname)", prefix)
	if err != nil {
		return nil, fmt.Errorf("gitnotes: list refs %s: %w", prefix, err)
	}
	var refs []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			refs = append(refs, line)
		}
	}
	return refs, nil
}

// Fetch pulls the given refspec from a remote. The refspec is built from
// package constants, never from user input.
func (s *Store) Fetch(ctx context.Context, remote, refspec string) error {
	if err := ValidateRemote(remote); err != nil {
		return err
	}
	if _, err := s.repo.Run(ctx, "fetch", "--quiet", remote, refspec); err != nil {
		return fmt.Errorf("gitnotes: fetch %s: %w", remote, err)
	}
	return nil
}

// Push sends a ref to the remote without forcing. A rejection because the
// remote moved is reported as accepted=false with a nil error; the caller's
// next fetch/merge cycle picks the divergence up.
func (s *Store) Push(ctx context.Context, remote, refspec string) (bool, error) {
	if err := ValidateRemote(remote); err != nil {
		return false, err
	}
	if _, err := s.repo.Run(ctx, "push", "--quiet", remote, refspec); err != nil {
		if exitedWith(err, 1, "failed to push some refs") {
			return false, nil
		}
		return false, fmt.Errorf("gitnotes: push %s: %w", remote, err)
	}
	return true, nil
}

func (s *Store) readNote(ctx context.Context, ref, anchor string) ([]byte, error) {
	out, err := s.repo.Run(ctx, "notes", "--ref="+ref, "show", anchor)
	if err != nil {
		if exitedWith(err, 1, "no note found") || exitedWith(err, 128, "failed to resolve") {
			return nil, fmt.Errorf("gitnotes: read %s@%s: %w", ref, short(anchor), apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("gitnotes: read %s@%s: %w", ref, short(anchor), err)
	}
	return []byte(out), nil
}

func (s *Store) writeNote(ctx context.Context, ref, anchor string, blob []byte) error {
	if _, err := s.repo.RunInput(ctx, blob, "notes", "--ref="+ref, "add", "-f", "--file=-", anchor); err != nil {
		return fmt.Errorf("gitnotes: write %s@%s: %w", ref, short(anchor), err)
	}
	return nil
}

func (s *Store) removeNote(ctx context.Context, ref, anchor string) error {
	if _, err := s.repo.Run(ctx, "notes", "--ref="+ref, "remove", "--ignore-missing", anchor); err != nil {
		return fmt.Errorf("gitnotes: remove %s@%s: %w", ref, short(anchor), err)
	}
	return nil
}

func (s *Store) commitTimes(ctx context.Context, commits []string) (map[string]time.Time, error) {
	times := make(map[string]time.Time, len(commits))
	for start := 0; start < len(commits); start += revListChunk {
		end := min(start+revListChunk, len(commits))
		// A replicated note can annotate a commit this clone never
		// fetched; --ignore-missing leaves it timeless instead of
		// failing the whole listing.
		args := append([]string{"rev-list", "--no-walk=unsorted", "--timestamp", "--ignore-missing"}, commits[start:end]...)
		out, err := s.repo.Run(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("gitnotes: commit times: %w", err)
		}
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			// "<unix timestamp> <commit>"
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			ts, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				continue
			}
			times[fields[1]] = time.Unix(ts, 0).UTC()
		}
	}
	return times, nil
}

func short(anchor string) string {
	if len(anchor) > 12 {
		return anchor[:12]
	}
	return anchor
}
