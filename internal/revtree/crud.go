package revtree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syncstore/syncstore/internal/eventbus"
)

// Create inserts the first revision of a new document. docID must not
// already exist. Returns the stored revision, including its freshly
// assigned "1-hex" rev id.
func (s *Store) Create(ctx context.Context, docID string, body []byte, atts []Attachment) (Revision, error) {
	var out Revision
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getDocID(tx, docID); err == nil {
			return fmt.Errorf("revtree: create %s: %w", docID, ErrConflict)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		internalID, err := insertDocRow(tx, docID)
		if err != nil {
			return err
		}

		revID := newRevID(1, "", false, body, atts)
		seq, err := insertRevision(tx, internalID, nil, revID, 1, false, body, atts)
		if err != nil {
			return err
		}
		if err := setCurrentWinner(tx, internalID, seq); err != nil {
			return err
		}

		out = Revision{
			DocID: docID, RevID: revID, Generation: 1, Sequence: seq,
			Current: true, Body: body, Attachments: atts,
		}
		return nil
	})
	if err != nil {
		return Revision{}, err
	}
	s.bus.Post(eventbus.Event{Kind: eventbus.DocumentCreated, StoreID: s.id, DocID: docID, New: &out})
	return out, nil
}

// Read returns a revision of docID. If revID is empty, the current winner
// is returned.
func (s *Store) Read(ctx context.Context, docID, revID string) (Revision, error) {
	var out Revision
	err := s.submit(ctx, func() error {
		var err error
		out, err = readRevision(s.db, docID, revID)
		return err
	})
	return out, err
}

// Update appends a new revision onto prev, which must be the document's
// current winning leaf. Returns ErrConflict if prev is stale.
func (s *Store) Update(ctx context.Context, prev Revision, body []byte, atts []Attachment) (Revision, error) {
	var out Revision
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		internalID, err := getDocID(tx, prev.DocID)
		if err != nil {
			return err
		}
		parentSeq, current, err := leafSequence(tx, internalID, prev.RevID)
		if err != nil {
			return err
		}
		if !current {
			return fmt.Errorf("revtree: update %s at %s: %w", prev.DocID, prev.RevID, ErrConflict)
		}

		generation := prev.Generation + 1
		revID := newRevID(generation, prev.RevID, false, body, atts)
		if err := clearCurrent(tx, parentSeq); err != nil {
			return err
		}
		seq, err := insertRevision(tx, internalID, &parentSeq, revID, generation, false, body, atts)
		if err != nil {
			return err
		}
		if err := recomputeWinnerTx(tx, internalID); err != nil {
			return err
		}
		out = Revision{
			DocID: prev.DocID, RevID: revID, Generation: generation, Sequence: seq,
			ParentSeq: &parentSeq, Current: true, Body: body, Attachments: atts,
		}
		return nil
	})
	if err != nil {
		return Revision{}, err
	}
	s.bus.Post(eventbus.Event{Kind: eventbus.DocumentUpdated, StoreID: s.id, DocID: prev.DocID, Prev: &prev, New: &out})
	return out, nil
}

// Delete tombstones rev, which must be a current leaf. Returns the
// tombstone revision.
func (s *Store) Delete(ctx context.Context, rev Revision) (Revision, error) {
	var out Revision
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		internalID, err := getDocID(tx, rev.DocID)
		if err != nil {
			return err
		}
		parentSeq, current, err := leafSequence(tx, internalID, rev.RevID)
		if err != nil {
			return err
		}
		if !current {
			return fmt.Errorf("revtree: delete %s at %s: %w", rev.DocID, rev.RevID, ErrNotLeaf)
		}

		generation := rev.Generation + 1
		revID := newRevID(generation, rev.RevID, true, nil, nil)
		if err := clearCurrent(tx, parentSeq); err != nil {
			return err
		}
		seq, err := insertRevision(tx, internalID, &parentSeq, revID, generation, true, nil, nil)
		if err != nil {
			return err
		}
		if err := recomputeWinnerTx(tx, internalID); err != nil {
			return err
		}
		out = Revision{
			DocID: rev.DocID, RevID: revID, Generation: generation, Sequence: seq,
			ParentSeq: &parentSeq, Current: true, Deleted: true,
		}
		return nil
	})
	if err != nil {
		return Revision{}, err
	}
	s.bus.Post(eventbus.Event{Kind: eventbus.DocumentDeleted, StoreID: s.id, DocID: rev.DocID, Prev: &rev, New: &out})
	return out, nil
}

// getDocID resolves a public docID to its internal integer primary key.
func getDocID(db dbTx, docID string) (int64, error) {
	rows, err := db.Query(`SELECT doc_id FROM docs WHERE docid = ?`, docID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, ErrNotFound
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}
	return id, rows.Err()
}

func insertDocRow(tx *sql.Tx, docID string) (int64, error) {
	res, err := tx.Exec(`INSERT INTO docs (docid) VALUES (?)`, docID)
	if err != nil {
		return 0, fmt.Errorf("revtree: insert doc row: %w", err)
	}
	return res.LastInsertId()
}

func insertRevision(tx *sql.Tx, internalDocID int64, parentSeq *int64, revID string, generation int, deleted bool, body []byte, atts []Attachment) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO revs (doc_id, parent, revid, generation, current, deleted, json)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, internalDocID, parentSeq, revID, generation, boolToInt(deleted), body)
	if err != nil {
		return 0, fmt.Errorf("revtree: insert revision: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, a := range atts {
		revpos := a.RevPos
		if revpos == 0 {
			revpos = generation
		}
		if _, err := tx.Exec(`
			INSERT INTO attachments (sequence, filename, key, type, encoding, length, encoded_length, revpos)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, seq, a.Filename, a.Digest, a.ContentType, encodingCode(a.Encoding), a.Length, a.EncodedLength, revpos); err != nil {
			return 0, fmt.Errorf("revtree: insert attachment %s: %w", a.Filename, err)
		}
	}
	return seq, nil
}

func clearCurrent(tx *sql.Tx, seq int64) error {
	_, err := tx.Exec(`UPDATE revs SET current = 0 WHERE sequence = ?`, seq)
	return err
}

func setCurrentWinner(tx *sql.Tx, internalDocID, seq int64) error {
	_, err := tx.Exec(`UPDATE docs SET winning_sequence = ? WHERE doc_id = ?`, seq, internalDocID)
	return err
}

// leafSequence looks up the sequence number of revID within docID,
// reporting whether it is still a current leaf.
func leafSequence(db dbTx, internalDocID int64, revID string) (seq int64, current bool, err error) {
	rows, err := db.Query(`SELECT sequence, current FROM revs WHERE doc_id = ? AND revid = ?`, internalDocID, revID)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, false, ErrNotFound
	}
	var currentInt int
	if err := rows.Scan(&seq, &currentInt); err != nil {
		return 0, false, err
	}
	return seq, currentInt != 0, rows.Err()
}

func readRevision(db dbTx, docID, revID string) (Revision, error) {
	internalID, err := getDocID(db, docID)
	if err != nil {
		return Revision{}, err
	}

	var query string
	var args []interface{}
	if revID == "" {
		query = `
			SELECT r.sequence, r.parent, r.revid, r.generation, r.current, r.deleted, r.json
			FROM revs r JOIN docs d ON d.winning_sequence = r.sequence
			WHERE d.doc_id = ?
		`
		args = []interface{}{internalID}
	} else {
		query = `
			SELECT sequence, parent, revid, generation, current, deleted, json
			FROM revs WHERE doc_id = ? AND revid = ?
		`
		args = []interface{}{internalID, revID}
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return Revision{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Revision{}, ErrNotFound
	}
	var rev Revision
	var parentSeq sql.NullInt64
	var currentInt, deletedInt int
	if err := rows.Scan(&rev.Sequence, &parentSeq, &rev.RevID, &rev.Generation, &currentInt, &deletedInt, &rev.Body); err != nil {
		return Revision{}, err
	}
	if err := rows.Err(); err != nil {
		return Revision{}, err
	}
	rows.Close()
	rev.DocID = docID
	rev.Current = currentInt != 0
	rev.Deleted = deletedInt != 0
	if parentSeq.Valid {
		v := parentSeq.Int64
		rev.ParentSeq = &v
	}
	atts, err := readAttachments(db, rev.Sequence)
	if err != nil {
		return Revision{}, err
	}
	rev.Attachments = atts
	return rev, nil
}

func readAttachments(db dbTx, seq int64) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT filename, key, type, encoding, length, encoded_length, revpos
		FROM attachments WHERE sequence = ?
	`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attachment
	for rows.Next() {
		var a Attachment
		var encCode int
		if err := rows.Scan(&a.Filename, &a.Digest, &a.ContentType, &encCode, &a.Length, &a.EncodedLength, &a.RevPos); err != nil {
			return nil, err
		}
		a.Encoding = encodingName(encCode)
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodingCode(name string) int {
	if name == "gzip" {
		return 1
	}
	return 0
}

func encodingName(code int) string {
	if code == 1 {
		return "gzip"
	}
	return "plain"
}
