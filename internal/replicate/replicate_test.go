package replicate

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/munin/internal/gitnotes"
	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/record"
	"github.com/starford/munin/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func encodeRecordAt(t *testing.T, ns, summary, at string) []byte {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, at)
	if err != nil {
		t.Fatal(err)
	}
	r, err := record.New(ns, summary, "body of "+summary, nil, "", ts)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := record.Encode(r)
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

// replica is one working clone with its own store, index, and service.
type replica struct {
	dir     string
	store   *gitnotes.Store
	db      *index.DB
	svc     *Service
	changes int
}

func newReplica(t *testing.T, remote string) *replica {
	t.Helper()
	r := &replica{dir: testutil.Clone(t, remote)}
	r.store = gitnotes.NewStore(gitnotes.NewRepository(r.dir, 0))
	r.db = testutil.TestDB(t)
	r.svc = New(Config{
		Store:         r.store,
		Index:         r.db,
		Remote:        "origin",
		LockDir:       filepath.Join(r.dir, ".git", "munin", "locks"),
		Logger:        testLogger(),
		OnRefsChanged: func() { r.changes++ },
	})
	return r
}

// twoReplicas seeds a bare remote with one commit and returns two working
// clones of it. Both clones share the seed commit, so captures on either
// side anchor to the same commit id.
func twoReplicas(t *testing.T) (*replica, *replica) {
	t.Helper()
	seed := testutil.TestRepo(t)
	remote := testutil.BareClone(t, seed)
	return newReplica(t, remote), newReplica(t, remote)
}

func wantResults(t *testing.T, got map[string]bool, namespaces []string, want bool) {
	t.Helper()
	for _, ns := range namespaces {
		if got[ns] != want {
			t.Errorf("result[%s] = %v, want %v", ns, got[ns], want)
		}
	}
}

func TestMergeBlobs_CommutativeIdempotent(t *testing.T) {
	early := encodeRecordAt(t, "decisions", "keep the index rebuildable", "2026-03-01T08:00:00Z")
	mid := encodeRecordAt(t, "decisions", "one note blob per anchor", "2026-03-01T09:00:00Z")
	late := encodeRecordAt(t, "decisions", "locks are advisory only", "2026-03-01T10:00:00Z")

	a := record.JoinBlocks([][]byte{early, late})
	b := record.JoinBlocks([][]byte{mid, early})

	ab := mergeBlobs(a, b)
	ba := mergeBlobs(b, a)
	if !bytes.Equal(ab, ba) {
		t.Errorf("merge is not commutative:\n%q\nvs\n%q", ab, ba)
	}
	if again := mergeBlobs(ab, b); !bytes.Equal(again, ab) {
		t.Errorf("merge is not idempotent:\n%q\nvs\n%q", again, ab)
	}

	records, err := record.DecodeAll(ab)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].CreatedAt.Before(records[i-1].CreatedAt) {
			t.Errorf("merged records out of chronological order: %v then %v",
				records[i-1].CreatedAt, records[i].CreatedAt)
		}
	}
}

func TestMergeBlobs_Empty(t *testing.T) {
	if got := mergeBlobs(nil, nil); got != nil {
		t.Errorf("merge of nothing = %q", got)
	}
	blob := record.JoinBlocks([][]byte{encodeRecordAt(t, "insights", "tests must not sleep", "2026-03-01T08:00:00Z")})
	if got := mergeBlobs(blob, nil); !bytes.Equal(got, blob) {
		t.Errorf("merge with empty = %q, want %q", got, blob)
	}
}

func TestSync_PushPullRoundTrip(t *testing.T) {
	a, b := twoReplicas(t)
	ctx := context.Background()

	id, err := a.store.Append(ctx, "decisions", encodeRecordAt(t, "decisions", "shared through the remote", "2026-03-01T08:00:00Z"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	wantResults(t, a.svc.Sync(ctx, []string{"decisions"}, true), []string{"decisions"}, true)

	wantResults(t, b.svc.Sync(ctx, nil, false), record.Namespaces(), true)
	blob, err := b.store.Read(ctx, "decisions", id.Anchor)
	if err != nil {
		t.Fatalf("Read on second clone: %v", err)
	}
	records, err := record.DecodeAll(blob)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(records) != 1 || records[0].Summary != "shared through the remote" {
		t.Errorf("records = %+v", records)
	}
	if b.changes == 0 {
		t.Error("refs-changed callback did not fire on the pulling clone")
	}
}

func TestSync_UnchangedCycleIsQuiet(t *testing.T) {
	a, b := twoReplicas(t)
	ctx := context.Background()

	if _, err := a.store.Append(ctx, "insights", encodeRecordAt(t, "insights", "observed once", "2026-03-01T08:00:00Z")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	wantResults(t, a.svc.Sync(ctx, []string{"insights"}, true), []string{"insights"}, true)

	wantResults(t, b.svc.Sync(ctx, nil, false), record.Namespaces(), true)
	if b.changes != 1 {
		t.Fatalf("changes = %d after first pull, want 1", b.changes)
	}

	wantResults(t, b.svc.Sync(ctx, nil, false), record.Namespaces(), true)
	if b.changes != 1 {
		t.Errorf("changes = %d, refs-changed fired on a no-op cycle", b.changes)
	}

	st, err := b.db.GetSyncState("insights")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st == nil || st.LastHash == "" || st.LocalHash == "" {
		t.Errorf("sync state not recorded: %+v", st)
	}
}

func TestSync_TwoWritersConverge(t *testing.T) {
	a, b := twoReplicas(t)
	ctx := context.Background()

	idA, err := a.store.Append(ctx, "solutions", encodeRecordAt(t, "solutions", "first writer's fix", "2026-03-01T08:00:00Z"))
	if err != nil {
		t.Fatalf("Append on a: %v", err)
	}
	idB, err := b.store.Append(ctx, "solutions", encodeRecordAt(t, "solutions", "second writer's fix", "2026-03-01T09:00:00Z"))
	if err != nil {
		t.Fatalf("Append on b: %v", err)
	}
	if idA.Anchor != idB.Anchor {
		t.Fatalf("clones anchored differently: %s vs %s", idA.Anchor, idB.Anchor)
	}

	wantResults(t, a.svc.Sync(ctx, []string{"solutions"}, true), []string{"solutions"}, true)
	// The second writer fetched the first writer's push, so its merged ref
	// must land without force.
	wantResults(t, b.svc.Sync(ctx, []string{"solutions"}, true), []string{"solutions"}, true)
	wantResults(t, a.svc.Sync(ctx, []string{"solutions"}, false), []string{"solutions"}, true)

	blobA, err := a.store.Read(ctx, "solutions", idA.Anchor)
	if err != nil {
		t.Fatalf("Read on a: %v", err)
	}
	blobB, err := b.store.Read(ctx, "solutions", idB.Anchor)
	if err != nil {
		t.Fatalf("Read on b: %v", err)
	}
	if !bytes.Equal(blobA, blobB) {
		t.Errorf("clones diverged:\n%q\nvs\n%q", blobA, blobB)
	}

	records, err := record.DecodeAll(blobA)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want both writers' records", len(records))
	}
	if records[0].Summary != "first writer's fix" || records[1].Summary != "second writer's fix" {
		t.Errorf("records = %+v", records)
	}
}

func TestPush_RemoteMovedIsRejectedNotError(t *testing.T) {
	a, b := twoReplicas(t)
	ctx := context.Background()

	idA, err := a.store.Append(ctx, "questions", encodeRecordAt(t, "questions", "why does the cache miss", "2026-03-01T08:00:00Z"))
	if err != nil {
		t.Fatalf("Append on a: %v", err)
	}
	wantResults(t, a.svc.Sync(ctx, []string{"questions"}, true), []string{"questions"}, true)

	// The second clone pushes blind, without a fetch-merge cycle first.
	if _, err := b.store.Append(ctx, "questions", encodeRecordAt(t, "questions", "who owns the retry budget", "2026-03-01T09:00:00Z")); err != nil {
		t.Fatalf("Append on b: %v", err)
	}
	localRef := gitnotes.NotesRefPrefix + "/questions"
	accepted, err := b.store.Push(ctx, "origin", localRef+":"+localRef)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if accepted {
		t.Fatal("blind push of a diverged ref was accepted")
	}

	// The designed recovery: the next full cycle fetches, merges, and lands.
	wantResults(t, b.svc.Sync(ctx, []string{"questions"}, true), []string{"questions"}, true)
	blob, err := b.store.Read(ctx, "questions", idA.Anchor)
	if err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
	records, err := record.DecodeAll(blob)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("len = %d, want both writers' records after recovery", len(records))
	}
}

func TestSync_FetchFailureFailsAllNamespaces(t *testing.T) {
	a, _ := twoReplicas(t)
	ctx := context.Background()

	testutil.Git(t, a.dir, "remote", "set-url", "origin", filepath.Join(t.TempDir(), "gone.git"))
	wantResults(t, a.svc.Sync(ctx, []string{"decisions", "insights"}, false), []string{"decisions", "insights"}, false)
	if got := a.svc.State(); got != StateIdle {
		t.Errorf("state = %s, want idle after a failed cycle", got)
	}
}

func TestSync_UnknownNamespaceFails(t *testing.T) {
	a, _ := twoReplicas(t)
	results := a.svc.Sync(context.Background(), []string{"scratch"}, false)
	if results["scratch"] {
		t.Error("unknown namespace reported synced")
	}
}

func TestMigrateLegacyLayout_MovesFlatRef(t *testing.T) {
	dir := testutil.TestRepo(t)
	store := gitnotes.NewStore(gitnotes.NewRepository(dir, 0))
	lockDir := filepath.Join(dir, ".git", "munin", "locks")
	ctx := context.Background()

	head := testutil.Head(t, dir)
	legacy := encodeRecordAt(t, "sessions", "state from the flat layout", "2026-01-05T08:00:00Z")
	if err := store.WriteRefBlob(ctx, gitnotes.LegacyNotesRef, head, legacy); err != nil {
		t.Fatalf("write legacy note: %v", err)
	}

	if err := MigrateLegacyLayout(ctx, store, lockDir, testLogger()); err != nil {
		t.Fatalf("MigrateLegacyLayout: %v", err)
	}

	if h, err := store.RefHash(ctx, gitnotes.LegacyNotesRef); err != nil || h != "" {
		t.Errorf("flat ref still present: %q, %v", h, err)
	}
	if h, err := store.RefHash(ctx, gitnotes.MigrationBackupRef); err != nil || h != "" {
		t.Errorf("backup ref left behind: %q, %v", h, err)
	}
	blob, err := store.Read(ctx, "sessions", head)
	if err != nil {
		t.Fatalf("Read sessions: %v", err)
	}
	records, err := record.DecodeAll(blob)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(records) != 1 || records[0].Summary != "state from the flat layout" {
		t.Errorf("records = %+v", records)
	}

	if err := MigrateLegacyLayout(ctx, store, lockDir, testLogger()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	// The namespaced layout is writable once the flat ref is gone.
	if _, err := store.Append(ctx, "decisions", encodeRecordAt(t, "decisions", "post-migration write", "2026-01-06T08:00:00Z")); err != nil {
		t.Fatalf("Append after migration: %v", err)
	}
}

func TestMigrateLegacyLayout_ResumesAfterCrash(t *testing.T) {
	dir := testutil.TestRepo(t)
	store := gitnotes.NewStore(gitnotes.NewRepository(dir, 0))
	lockDir := filepath.Join(dir, ".git", "munin", "locks")
	ctx := context.Background()

	head := testutil.Head(t, dir)
	legacy := encodeRecordAt(t, "sessions", "survived the crash", "2026-01-05T08:00:00Z")
	if err := store.WriteRefBlob(ctx, gitnotes.LegacyNotesRef, head, legacy); err != nil {
		t.Fatalf("write legacy note: %v", err)
	}

	// Recreate the state of a run that died after taking the backup and
	// deleting the flat ref.
	legacyHash, err := store.RefHash(ctx, gitnotes.LegacyNotesRef)
	if err != nil {
		t.Fatalf("RefHash: %v", err)
	}
	if err := store.UpdateRef(ctx, gitnotes.MigrationBackupRef, legacyHash); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	if err := store.DeleteRef(ctx, gitnotes.LegacyNotesRef); err != nil {
		t.Fatalf("DeleteRef: %v", err)
	}

	// With the flat ref gone, a namespaced write can land before the resume.
	if _, err := store.Append(ctx, "sessions", encodeRecordAt(t, "sessions", "written mid-migration", "2026-01-05T09:00:00Z")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := MigrateLegacyLayout(ctx, store, lockDir, testLogger()); err != nil {
		t.Fatalf("MigrateLegacyLayout: %v", err)
	}

	if h, err := store.RefHash(ctx, gitnotes.MigrationBackupRef); err != nil || h != "" {
		t.Errorf("backup ref left behind: %q, %v", h, err)
	}
	blob, err := store.Read(ctx, "sessions", head)
	if err != nil {
		t.Fatalf("Read sessions: %v", err)
	}
	records, err := record.DecodeAll(blob)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want backup and mid-migration records merged", len(records))
	}
	if records[0].Summary != "survived the crash" || records[1].Summary != "written mid-migration" {
		t.Errorf("records = %+v", records)
	}
}
