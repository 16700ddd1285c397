package gitnotes_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/gitnotes"
	"github.com/starford/munin/internal/record"
	"github.com/starford/munin/internal/testutil"
)

func newTestStore(t *testing.T) (*gitnotes.Store, string) {
	t.Helper()
	dir := testutil.TestRepo(t)
	return gitnotes.NewStore(gitnotes.NewRepository(dir, 0)), dir
}

func encodeRecord(t *testing.T, ns, summary string) []byte {
	t.Helper()
	r, err := record.New(ns, summary, "body of "+summary, nil, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	enc, err := record.Encode(r)
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestStore_AppendRead_RoundTrip(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	payload := encodeRecord(t, "decisions", "first memory")
	id, err := store.Append(ctx, "decisions", payload)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id.Namespace != "decisions" || id.Seq != 0 {
		t.Errorf("id = %+v", id)
	}
	if id.Anchor != testutil.Head(t, dir) {
		t.Errorf("anchor = %s, want HEAD", id.Anchor)
	}

	blob, err := store.Read(ctx, "decisions", id.Anchor)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	records, err := record.DecodeAll(blob)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(records) != 1 || records[0].Summary != "first memory" {
		t.Errorf("records = %+v", records)
	}
}

func TestStore_Append_SequencesWithinAnchor(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, "progress", encodeRecord(t, "progress", "one"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := store.Append(ctx, "progress", encodeRecord(t, "progress", "two"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.Seq != 0 || second.Seq != 1 {
		t.Errorf("seq = %d,%d, want 0,1", first.Seq, second.Seq)
	}
	if first.Anchor != second.Anchor {
		t.Errorf("anchors differ: %s vs %s", first.Anchor, second.Anchor)
	}

	blob, err := store.Read(ctx, "progress", first.Anchor)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	records, err := record.DecodeAll(blob)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(records) != 2 || records[0].Summary != "one" || records[1].Summary != "two" {
		t.Errorf("records = %+v", records)
	}
}

func TestStore_Append_NamespacesAreIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, "decisions", encodeRecord(t, "decisions", "a decision")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	anchor, err := store.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if _, err := store.Read(ctx, "blockers", anchor); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("read other namespace: err = %v, want ErrNotFound", err)
	}
}

func TestStore_Read_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	head, err := store.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	// No note on an existing commit.
	if _, err := store.Read(ctx, "insights", head); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	// Anchor that resolves to nothing.
	unknown := strings.Repeat("deadbeef", 5)
	if _, err := store.Read(ctx, "insights", unknown); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_Append_Rejects(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, "scratch", []byte("x")); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown namespace: err = %v, want ErrValidation", err)
	}
	if _, err := store.Append(ctx, "decisions/../escape", []byte("x")); !errors.Is(err, apperr.ErrRefValidation) {
		t.Errorf("traversal: err = %v, want ErrRefValidation", err)
	}
	if _, err := store.Append(ctx, "decisions", nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("empty payload: err = %v, want ErrValidation", err)
	}
	big := bytes.Repeat([]byte("x"), gitnotes.MaxPayloadBytes+1)
	if _, err := store.Append(ctx, "decisions", big); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("oversized payload: err = %v, want ErrValidation", err)
	}
}

func TestStore_List_OrdersByCommitTime(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	// Seed commit is the first anchor.
	if _, err := store.Append(ctx, "sessions", encodeRecord(t, "sessions", "at seed")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	testutil.CommitFileAt(t, dir, "a.txt", "a\n", "second", "2099-02-01T10:00:00Z")
	if _, err := store.Append(ctx, "sessions", encodeRecord(t, "sessions", "at second")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	testutil.CommitFileAt(t, dir, "b.txt", "b\n", "third", "2099-02-02T10:00:00Z")
	if _, err := store.Append(ctx, "sessions", encodeRecord(t, "sessions", "at third")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	anchors, err := store.List(ctx, "sessions")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(anchors) != 3 {
		t.Fatalf("len = %d, want 3", len(anchors))
	}
	for i := 1; i < len(anchors); i++ {
		if anchors[i].CommitTime.Before(anchors[i-1].CommitTime) {
			t.Errorf("anchors out of order: %v then %v", anchors[i-1], anchors[i])
		}
	}
	if anchors[2].Commit != testutil.Head(t, dir) {
		t.Errorf("latest anchor = %s, want HEAD", anchors[2].Commit)
	}
}

func TestStore_List_EmptyNamespace(t *testing.T) {
	store, _ := newTestStore(t)
	anchors, err := store.List(context.Background(), "questions")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(anchors) != 0 {
		t.Errorf("len = %d, want 0", len(anchors))
	}
}

func TestStore_WriteBlob_ReplacesAndRemoves(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Append(ctx, "solutions", encodeRecord(t, "solutions", "original"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	replacement := record.JoinBlocks([][]byte{encodeRecord(t, "solutions", "rewritten")})
	if err := store.WriteBlob(ctx, "solutions", id.Anchor, replacement); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	blob, err := store.Read(ctx, "solutions", id.Anchor)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(blob, replacement) {
		t.Errorf("blob = %q, want %q", blob, replacement)
	}

	if err := store.WriteBlob(ctx, "solutions", id.Anchor, nil); err != nil {
		t.Fatalf("WriteBlob(empty): %v", err)
	}
	if _, err := store.Read(ctx, "solutions", id.Anchor); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("after removal: err = %v, want ErrNotFound", err)
	}
}

func TestStore_TouchedFiles(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	head := testutil.CommitFileAt(t, dir, "pkg/widget.go", "package widget\n", "add widget", "2026-03-01T09:00:00Z")
	files, err := store.TouchedFiles(ctx, head)
	if err != nil {
		t.Fatalf("TouchedFiles: %v", err)
	}
	if len(files) != 1 || files[0] != "pkg/widget.go" {
		t.Errorf("files = %v", files)
	}
}

func TestStore_RefHash_MissingRef(t *testing.T) {
	store, _ := newTestStore(t)
	hash, err := store.RefHash(context.Background(), "refs/notes/mem/blockers")
	if err != nil {
		t.Fatalf("RefHash: %v", err)
	}
	if hash != "" {
		t.Errorf("hash = %q, want empty for missing ref", hash)
	}
}

func TestStore_RefTree_TracksContent(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	if tree, err := store.RefTree(ctx, "refs/notes/mem/insights"); err != nil || tree != "" {
		t.Errorf("missing ref: tree = %q, err = %v", tree, err)
	}

	head := testutil.Head(t, dir)
	blob := record.JoinBlocks([][]byte{encodeRecord(t, "insights", "same bytes")})
	if err := store.WriteRefBlob(ctx, "refs/notes/mem/insights", head, blob); err != nil {
		t.Fatalf("WriteRefBlob: %v", err)
	}
	if err := store.WriteRefBlob(ctx, "refs/notes/other", head, blob); err != nil {
		t.Fatalf("WriteRefBlob: %v", err)
	}

	a, err := store.RefTree(ctx, "refs/notes/mem/insights")
	if err != nil {
		t.Fatalf("RefTree: %v", err)
	}
	b, err := store.RefTree(ctx, "refs/notes/other")
	if err != nil {
		t.Fatalf("RefTree: %v", err)
	}
	if a == "" || a != b {
		t.Errorf("identical content produced different trees: %q vs %q", a, b)
	}
}

func TestStore_SealMerge_GraftsHistory(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	// Two notes histories with no common commit.
	head := testutil.Head(t, dir)
	if err := store.WriteRefBlob(ctx, "refs/notes/side", head, []byte("side content\n")); err != nil {
		t.Fatalf("WriteRefBlob: %v", err)
	}
	if _, err := store.Append(ctx, "decisions", encodeRecord(t, "decisions", "local record")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sideHash, err := store.RefHash(ctx, "refs/notes/side")
	if err != nil {
		t.Fatalf("RefHash: %v", err)
	}
	localRef := "refs/notes/mem/decisions"
	localHash, err := store.RefHash(ctx, localRef)
	if err != nil {
		t.Fatalf("RefHash: %v", err)
	}
	treeBefore, err := store.RefTree(ctx, localRef)
	if err != nil {
		t.Fatalf("RefTree: %v", err)
	}

	anc, err := store.IsAncestor(ctx, sideHash, localHash)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if anc {
		t.Fatal("unrelated histories reported related")
	}

	sealed, err := store.SealMerge(ctx, localRef, sideHash)
	if err != nil {
		t.Fatalf("SealMerge: %v", err)
	}
	anc, err = store.IsAncestor(ctx, sideHash, sealed)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if !anc {
		t.Error("sealed commit does not descend from the grafted parent")
	}
	treeAfter, err := store.RefTree(ctx, localRef)
	if err != nil {
		t.Fatalf("RefTree: %v", err)
	}
	if treeAfter != treeBefore {
		t.Errorf("seal changed content: tree %s -> %s", treeBefore, treeAfter)
	}
}

func TestStore_ListNoteRefs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, "decisions", encodeRecord(t, "decisions", "x")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	refs, err := store.ListNoteRefs(ctx, gitnotes.NotesRefPrefix)
	if err != nil {
		t.Fatalf("ListNoteRefs: %v", err)
	}
	if len(refs) != 1 || refs[0] != "refs/notes/mem/decisions" {
		t.Errorf("refs = %v", refs)
	}
}

func TestRepository_DisallowedSubcommand(t *testing.T) {
	testutil.RequireGit(t)
	repo := gitnotes.NewRepository(t.TempDir(), 0)
	if _, err := repo.Run(context.Background(), "gc"); err == nil || !strings.Contains(err.Error(), "not allowed") {
		t.Errorf("err = %v, want subcommand rejection", err)
	}
}
