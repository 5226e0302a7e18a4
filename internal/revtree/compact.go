package revtree

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/syncstore/syncstore/internal/blobstore"
)

// CompactResult summarizes one compaction pass.
type CompactResult struct {
	RevisionsBlanked  int
	AttachmentsPruned int
	BlobsRemoved      int
}

// Compact blanks the body of every non-leaf revision across the whole
// store, preserving tree structure (parent pointers, rev ids) so a future
// ForceInsert can still resolve history against them, per §4.1
// "Compaction". Every leaf (winner and conflicts alike) is left untouched.
// Attachment rows belonging to blanked revisions are dropped; blobs with no
// remaining attachment-row reference are removed from blobs if one is given.
func (s *Store) Compact(ctx context.Context, blobs *blobstore.Store) (CompactResult, error) {
	var result CompactResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT sequence FROM revs WHERE current = 0 AND json <> x''`)
		if err != nil {
			return fmt.Errorf("revtree: find compactable revisions: %w", err)
		}
		var seqs []int64
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				_ = rows.Close()
				return err
			}
			seqs = append(seqs, seq)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		var danglingDigests []string
		for _, seq := range seqs {
			digestRows, err := tx.Query(`SELECT key FROM attachments WHERE sequence = ?`, seq)
			if err != nil {
				return fmt.Errorf("revtree: list attachments for blanking: %w", err)
			}
			for digestRows.Next() {
				var digest string
				if err := digestRows.Scan(&digest); err != nil {
					_ = digestRows.Close()
					return err
				}
				danglingDigests = append(danglingDigests, digest)
			}
			if err := digestRows.Err(); err != nil {
				_ = digestRows.Close()
				return err
			}
			_ = digestRows.Close()

			if _, err := tx.Exec(`DELETE FROM attachments WHERE sequence = ?`, seq); err != nil {
				return fmt.Errorf("revtree: prune attachment rows: %w", err)
			}
			if _, err := tx.Exec(`UPDATE revs SET json = x'' WHERE sequence = ?`, seq); err != nil {
				return fmt.Errorf("revtree: blank revision %d: %w", seq, err)
			}
			result.RevisionsBlanked++
		}
		result.AttachmentsPruned = len(danglingDigests)

		if blobs != nil {
			for _, digest := range dedupStrings(danglingDigests) {
				stillReferenced, err := digestStillReferenced(tx, digest)
				if err != nil {
					return err
				}
				if stillReferenced {
					continue
				}
				if err := blobs.Remove(digest); err != nil && err != blobstore.ErrNotFound {
					return fmt.Errorf("revtree: remove orphaned blob %s: %w", digest, err)
				}
				result.BlobsRemoved++
			}
		}
		return nil
	})
	return result, err
}

func digestStillReferenced(tx *sql.Tx, digest string) (bool, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(*) FROM attachments WHERE key = ?`, digest).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("revtree: check blob reference count: %w", err)
	}
	return count > 0, nil
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
