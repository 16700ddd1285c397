package replicate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/starford/munin/internal/apperr"
	"github.com/starford/munin/internal/gitnotes"
	"github.com/starford/munin/internal/record"
)

// mergeBlobs combines two note blobs at record-block granularity: split both,
// sort, drop byte-identical duplicates, join. The operation is commutative
// and idempotent, so two clones merging each other's writes in any order
// converge on the same bytes. Encoded blocks lead with created_at, which
// keeps the sorted blob close to chronological order.
func mergeBlobs(a, b []byte) []byte {
	blocks := append(record.SplitBlob(a), record.SplitBlob(b)...)
	if len(blocks) == 0 {
		return nil
	}
	sort.Slice(blocks, func(i, j int) bool {
		return bytes.Compare(blocks[i], blocks[j]) < 0
	})
	merged := make([][]byte, 0, len(blocks))
	for i, blk := range blocks {
		if i > 0 && bytes.Equal(blk, blocks[i-1]) {
			continue
		}
		merged = append(merged, blk)
	}
	return record.JoinBlocks(merged)
}

// mergeRefs folds every anchor of srcRef into dstRef and reports whether
// dstRef changed. Anchors present only in the destination are left alone;
// anchors present only in the source are copied wholesale. A missing source
// ref is a no-op.
func mergeRefs(ctx context.Context, store *gitnotes.Store, dstRef, srcRef string) (bool, error) {
	anchors, err := store.ListRef(ctx, srcRef)
	if err != nil {
		return false, fmt.Errorf("replicate: list %s: %w", srcRef, err)
	}
	changed := false
	for _, a := range anchors {
		src, err := store.ReadRef(ctx, srcRef, a.Commit)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return changed, err
		}
		dst, err := store.ReadRef(ctx, dstRef, a.Commit)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return changed, err
		}
		merged := mergeBlobs(dst, src)
		// Compare against the re-joined destination rather than its raw
		// bytes so separator formatting alone never counts as a change.
		if bytes.Equal(merged, record.JoinBlocks(record.SplitBlob(dst))) {
			continue
		}
		if err := store.WriteRefBlob(ctx, dstRef, a.Commit, merged); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}
