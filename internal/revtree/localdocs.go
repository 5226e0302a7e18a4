package revtree

import (
	"context"
	"database/sql"
	"fmt"
)

// GetLocalDoc returns a non-replicated local document, typically used by
// the replication engine to store checkpoints under ids like
// "_local/<replication-id>".
func (s *Store) GetLocalDoc(ctx context.Context, docID string) (LocalDocument, error) {
	var out LocalDocument
	err := s.submit(ctx, func() error {
		row := s.db.QueryRow(`SELECT docid, json FROM localdocs WHERE docid = ?`, docID)
		if err := row.Scan(&out.DocID, &out.Body); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
	return out, err
}

// PutLocalDoc overwrites (or creates) a local document. Unlike Create/Update,
// there is no revision history and no conflict check: the last writer wins.
func (s *Store) PutLocalDoc(ctx context.Context, docID string, body []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO localdocs (docid, json) VALUES (?, ?)
			ON CONFLICT(docid) DO UPDATE SET json = excluded.json
		`, docID, body)
		if err != nil {
			return fmt.Errorf("revtree: put local doc %s: %w", docID, err)
		}
		return nil
	})
}

// DeleteLocalDoc removes a local document. It is not an error to delete one
// that does not exist.
func (s *Store) DeleteLocalDoc(ctx context.Context, docID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM localdocs WHERE docid = ?`, docID)
		if err != nil {
			return fmt.Errorf("revtree: delete local doc %s: %w", docID, err)
		}
		return nil
	})
}
