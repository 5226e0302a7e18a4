package revtree

import (
	"database/sql"
	"fmt"
)

// recomputeWinnerTx recalculates and persists docs.winning_sequence for a
// single document, applying the §4.1 winner selection rule: prefer a
// non-deleted leaf over a deleted one; among leaves of the preferred
// availability, the highest generation wins; ties are broken
// lexicographically on the full rev id (largest wins). Runs against any
// *sql.DB or *sql.Tx that implements the query/exec methods used below.
func recomputeWinnerTx(db dbTx, docID int64) error {
	rows, err := db.Query(`
		SELECT sequence, revid, deleted
		FROM revs
		WHERE doc_id = ? AND current = 1 AND available = 1
	`, docID)
	if err != nil {
		return fmt.Errorf("revtree: load leaves for doc %d: %w", docID, err)
	}
	type leaf struct {
		sequence int64
		revID    string
		deleted  bool
	}
	var leaves []leaf
	for rows.Next() {
		var l leaf
		var deletedInt int
		if err := rows.Scan(&l.sequence, &l.revID, &deletedInt); err != nil {
			_ = rows.Close()
			return err
		}
		l.deleted = deletedInt != 0
		leaves = append(leaves, l)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	if len(leaves) == 0 {
		_, err := db.Exec(`UPDATE docs SET winning_sequence = NULL WHERE doc_id = ?`, docID)
		return err
	}

	liveCandidates := leaves[:0:0]
	for _, l := range leaves {
		if !l.deleted {
			liveCandidates = append(liveCandidates, l)
		}
	}
	pool := liveCandidates
	if len(pool) == 0 {
		pool = leaves
	}

	best := pool[0]
	for _, l := range pool[1:] {
		if compareRevIDs(l.revID, best.revID) > 0 {
			best = l
		}
	}

	_, err = db.Exec(`UPDATE docs SET winning_sequence = ? WHERE doc_id = ?`, best.sequence, docID)
	if err != nil {
		return fmt.Errorf("revtree: persist winner for doc %d: %w", docID, err)
	}
	return nil
}

// dbTx is satisfied by both *sql.DB and *sql.Tx, letting winner
// recomputation run either as part of a larger transaction (create/update/
// forceInsert) or standalone (the migration repair path).
type dbTx interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}
