package revtree

import (
	"context"
	"fmt"
)

// Changes returns up to limit changes after sequence since, ordered by
// sequence, along with the last sequence included in the result (which
// equals since if no rows matched). A "change" is a document's current
// winning revision as of the highest sequence touching it within the
// window; one row per document, not one row per revision.
func (s *Store) Changes(ctx context.Context, since int64, limit int) (results []Change, lastSeq int64, err error) {
	lastSeq = since
	err = s.submit(ctx, func() error {
		rows, qerr := s.db.Query(`
			SELECT MAX(r.sequence) AS seq, d.docid, d.doc_id
			FROM revs r
			JOIN docs d ON d.doc_id = r.doc_id
			WHERE r.sequence > ?
			GROUP BY d.doc_id
			ORDER BY seq ASC
			LIMIT ?
		`, since, limit)
		if qerr != nil {
			return fmt.Errorf("revtree: query changes: %w", qerr)
		}
		defer rows.Close()

		var rowsOut []Change
		var internalIDs []int64
		var docIDs []string
		var seqs []int64
		for rows.Next() {
			var seq, internalID int64
			var docID string
			if err := rows.Scan(&seq, &docID, &internalID); err != nil {
				return err
			}
			seqs = append(seqs, seq)
			docIDs = append(docIDs, docID)
			internalIDs = append(internalIDs, internalID)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i, internalID := range internalIDs {
			winnerRow := s.db.QueryRow(`
				SELECT r.revid, r.deleted FROM revs r
				JOIN docs d ON d.winning_sequence = r.sequence
				WHERE d.doc_id = ?
			`, internalID)
			var revID string
			var deletedInt int
			if err := winnerRow.Scan(&revID, &deletedInt); err != nil {
				// Document has no remaining leaves (fully purged); skip it.
				continue
			}
			rowsOut = append(rowsOut, Change{
				Sequence: seqs[i],
				DocID:    docIDs[i],
				RevID:    revID,
				Deleted:  deletedInt != 0,
			})
			if seqs[i] > lastSeq {
				lastSeq = seqs[i]
			}
		}
		results = rowsOut
		return nil
	})
	return results, lastSeq, err
}

// GetDocumentCount returns the number of documents that still have at least
// one available revision.
func (s *Store) GetDocumentCount(ctx context.Context) (int, error) {
	var count int
	err := s.submit(ctx, func() error {
		return s.db.QueryRow(`SELECT COUNT(*) FROM docs WHERE winning_sequence IS NOT NULL`).Scan(&count)
	})
	return count, err
}
