package revtree

import (
	"context"
	"database/sql"
)

// History returns the full ancestor chain of revID (or the current winner
// if revID is empty), oldest first, ending with revID itself. Used by the
// Replication Engine's push path to populate a pushed document's
// "_revisions" so a remote forceInsert can graft it correctly.
func (s *Store) History(ctx context.Context, docID, revID string) ([]string, error) {
	var out []string
	err := s.submit(ctx, func() error {
		internalID, err := getDocID(s.db, docID)
		if err != nil {
			return err
		}

		var rID string
		var parent sql.NullInt64
		if revID == "" {
			row := s.db.QueryRow(`
				SELECT r.revid, r.parent FROM revs r
				JOIN docs d ON d.winning_sequence = r.sequence
				WHERE d.doc_id = ?
			`, internalID)
			if err := row.Scan(&rID, &parent); err != nil {
				return err
			}
		} else {
			row := s.db.QueryRow(`SELECT parent FROM revs WHERE doc_id = ? AND revid = ?`, internalID, revID)
			if err := row.Scan(&parent); err != nil {
				return err
			}
			rID = revID
		}

		chain := []string{rID}
		for parent.Valid {
			var pRevID string
			var grandparent sql.NullInt64
			row := s.db.QueryRow(`SELECT revid, parent FROM revs WHERE sequence = ?`, parent.Int64)
			if err := row.Scan(&pRevID, &grandparent); err != nil {
				return err
			}
			chain = append(chain, pRevID)
			parent = grandparent
		}

		out = make([]string, len(chain))
		for i, r := range chain {
			out[len(chain)-1-i] = r
		}
		return nil
	})
	return out, err
}
