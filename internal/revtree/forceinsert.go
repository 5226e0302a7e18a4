package revtree

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/syncstore/syncstore/internal/eventbus"
)

// ForceInsert is the replication write path (§4.1 "forceInsert"). history is
// the ordered list of ancestor rev ids leading up to and including rev.RevID
// (oldest first). attachments describes every attachment referenced by rev;
// callers resolve inline-vs-streamed attachment bytes before calling this
// and pass already-materialized Attachment values with a blobstore digest.
//
// If the document does not exist, the whole history is inserted as a linear
// chain. If it exists, the incoming chain is grafted onto the deepest common
// ancestor found by rev-id equality; if no ancestor is shared, the incoming
// leaf becomes a sibling root, producing a conflict. The winner is always
// recomputed. The whole operation is one transaction. deletedLeaf marks
// whether the leaf revision is a tombstone, as carried by the replication
// wire format (e.g. CouchDB's "_deleted": true).
func (s *Store) ForceInsert(ctx context.Context, docID string, history []string, bodies map[string][]byte, attachments map[string][]Attachment, deletedLeaf bool) error {
	if len(history) == 0 {
		return fmt.Errorf("revtree: forceInsert %s: empty history", docID)
	}
	leafRevID := history[len(history)-1]

	var prev, next *Revision
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		internalID, isNew, err := getOrCreateDocID(tx, docID)
		if err != nil {
			return err
		}
		created = isNew
		if r, rerr := readRevision(tx, docID, ""); rerr == nil {
			prev = &r
		}

		existing, err := existingRevSeqs(tx, internalID)
		if err != nil {
			return err
		}

		// Find the deepest already-known ancestor walking from the leaf
		// back toward the root; everything below it is new. Default to 0:
		// a brand-new document has no ancestor, so the whole history is new.
		splitAt := 0
		var parentSeq *int64
		for i := len(history) - 1; i >= 0; i-- {
			if seq, ok := existing[history[i]]; ok {
				v := seq
				parentSeq = &v
				splitAt = i + 1
				break
			}
		}

		for i := splitAt; i < len(history); i++ {
			revID := history[i]
			if _, ok := existing[revID]; ok {
				continue // already present (replayed forceInsert, idempotent)
			}
			generation, _, perr := ParseRevID(revID)
			if perr != nil {
				return fmt.Errorf("revtree: forceInsert %s: %w", docID, perr)
			}
			isLeaf := revID == leafRevID
			body := bodies[revID]
			atts := attachments[revID]
			deleted := isLeaf && deletedLeaf

			if parentSeq != nil {
				if err := clearCurrent(tx, *parentSeq); err != nil {
					return err
				}
			}
			seq, err := insertRevision(tx, internalID, parentSeq, revID, generation, deleted, body, atts)
			if err != nil {
				return err
			}
			// insertRevision always marks the new row current=1; the next
			// loop iteration clears it again once its child is inserted, so
			// only the true leaf is left marked current when the loop ends.
			v := seq
			parentSeq = &v
			existing[revID] = seq
		}

		if err := recomputeWinnerTx(tx, internalID); err != nil {
			return err
		}
		if r, rerr := readRevision(tx, docID, ""); rerr == nil {
			next = &r
		}
		return nil
	})
	if err != nil {
		return err
	}

	kind := eventbus.DocumentUpdated
	if created {
		kind = eventbus.DocumentCreated
	}
	s.bus.Post(eventbus.Event{Kind: kind, StoreID: s.id, DocID: docID, Prev: prev, New: next})
	return nil
}

func getOrCreateDocID(tx *sql.Tx, docID string) (id int64, created bool, err error) {
	id, err = getDocID(tx, docID)
	if err == nil {
		return id, false, nil
	}
	if err != ErrNotFound {
		return 0, false, err
	}
	id, err = insertDocRow(tx, docID)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// existingRevSeqs returns every revid -> sequence pair already stored for a
// document, used to find the graft point for an incoming history.
func existingRevSeqs(tx *sql.Tx, internalDocID int64) (map[string]int64, error) {
	rows, err := tx.Query(`SELECT revid, sequence FROM revs WHERE doc_id = ?`, internalDocID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var revID string
		var seq int64
		if err := rows.Scan(&revID, &seq); err != nil {
			return nil, err
		}
		out[revID] = seq
	}
	return out, rows.Err()
}

