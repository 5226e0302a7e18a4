package revtree

import (
	"context"
	"database/sql"
	"fmt"
)

// GetConflictedIds returns the docid of every document that currently has
// more than one leaf revision (a conflict produced by forceInsert).
func (s *Store) GetConflictedIds(ctx context.Context) ([]string, error) {
	var out []string
	err := s.submit(ctx, func() error {
		rows, err := s.db.Query(`
			SELECT d.docid
			FROM docs d
			JOIN revs r ON r.doc_id = d.doc_id AND r.current = 1 AND r.available = 1
			GROUP BY d.doc_id
			HAVING COUNT(*) > 1
		`)
		if err != nil {
			return fmt.Errorf("revtree: list conflicted ids: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var docID string
			if err := rows.Scan(&docID); err != nil {
				return err
			}
			out = append(out, docID)
		}
		return rows.Err()
	})
	return out, err
}

// ResolveConflicts demotes every current leaf of docID except keptRevID to a
// permanently unavailable state, leaving keptRevID as the sole leaf and
// therefore the winner. keptRevID must already be a current leaf.
func (s *Store) ResolveConflicts(ctx context.Context, docID, keptRevID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		internalID, err := getDocID(tx, docID)
		if err != nil {
			return err
		}
		if _, current, err := leafSequence(tx, internalID, keptRevID); err != nil {
			return err
		} else if !current {
			return fmt.Errorf("revtree: resolveConflicts %s: kept rev %s: %w", docID, keptRevID, ErrConflict)
		}

		rows, err := tx.Query(`
			SELECT sequence, revid FROM revs WHERE doc_id = ? AND current = 1 AND available = 1
		`, internalID)
		if err != nil {
			return err
		}
		type leaf struct {
			seq   int64
			revID string
		}
		var losers []leaf
		for rows.Next() {
			var l leaf
			if err := rows.Scan(&l.seq, &l.revID); err != nil {
				_ = rows.Close()
				return err
			}
			if l.revID != keptRevID {
				losers = append(losers, l)
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		for _, l := range losers {
			if _, err := tx.Exec(`UPDATE revs SET available = 0, current = 0 WHERE sequence = ?`, l.seq); err != nil {
				return fmt.Errorf("revtree: discard losing leaf %s: %w", l.revID, err)
			}
		}
		return recomputeWinnerTx(tx, internalID)
	})
}
