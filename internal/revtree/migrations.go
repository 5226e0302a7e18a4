package revtree

import (
	"database/sql"
	"fmt"
)

// migration is a single idempotent schema/repair step, run in order every
// time a Store is opened. Modeled on the teacher's migrationsList +
// RunMigrations pattern (internal/storage/sqlite/migrations.go): migrations
// are cheap to re-run and are not tracked by "has this run before" state,
// only by the invariants they establish.
type migration struct {
	Name string
	Func func(*sql.DB) error
}

var migrationsList = []migration{
	{"schema_v1", func(db *sql.DB) error {
		_, err := db.Exec(schema)
		return err
	}},
	{"duplicate_revision_repair", repairDuplicateRevisions},
}

// runMigrations applies every migration inside one EXCLUSIVE transaction,
// serializing schema changes across processes that might open the same
// store file concurrently — the same EXCLUSIVE-lock technique the teacher
// uses for its own migration runner, and for the same reason (GH#720-style
// races between concurrent openers).
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("revtree: disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = db.Exec("PRAGMA foreign_keys = ON") }()

	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("revtree: acquire migration lock: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	for _, m := range migrationsList {
		if err := m.Func(db); err != nil {
			return fmt.Errorf("revtree: migration %s failed: %w", m.Name, err)
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("revtree: commit migrations: %w", err)
	}
	committed = true
	return nil
}

// repairDuplicateRevisions detects and fixes the corruption named in
// §4.1's "Duplicate-revision repair (schema migration 1→2)": two rows in
// revs sharing (doc_id, revid). For each duplicate group, the row with the
// minimum sequence is kept; children whose parent pointed at a deleted
// duplicate are repointed to the kept sequence, attachment rows are
// migrated the same way, and the redundant rows are deleted. Finally the
// winner is recomputed for every touched document.
func repairDuplicateRevisions(db *sql.DB) error {
	rows, err := db.Query(`
		SELECT doc_id, revid, MIN(sequence) AS keep_seq
		FROM revs
		GROUP BY doc_id, revid
		HAVING COUNT(*) > 1
	`)
	if err != nil {
		return fmt.Errorf("find duplicate revisions: %w", err)
	}
	type dupGroup struct {
		docID   int64
		revID   string
		keepSeq int64
	}
	var groups []dupGroup
	for rows.Next() {
		var g dupGroup
		if err := rows.Scan(&g.docID, &g.revID, &g.keepSeq); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan duplicate revision group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	touchedDocs := make(map[int64]bool)
	for _, g := range groups {
		touchedDocs[g.docID] = true

		dupRows, err := db.Query(
			`SELECT sequence FROM revs WHERE doc_id = ? AND revid = ? AND sequence <> ?`,
			g.docID, g.revID, g.keepSeq,
		)
		if err != nil {
			return fmt.Errorf("find duplicate sequences: %w", err)
		}
		var drop []int64
		for dupRows.Next() {
			var seq int64
			if err := dupRows.Scan(&seq); err != nil {
				_ = dupRows.Close()
				return err
			}
			drop = append(drop, seq)
		}
		_ = dupRows.Close()

		for _, dropSeq := range drop {
			if _, err := db.Exec(`UPDATE revs SET parent = ? WHERE parent = ?`, g.keepSeq, dropSeq); err != nil {
				return fmt.Errorf("repoint children of duplicate %d: %w", dropSeq, err)
			}
			if _, err := db.Exec(`
				INSERT OR IGNORE INTO attachments (sequence, filename, key, type, encoding, length, encoded_length, revpos)
				SELECT ?, filename, key, type, encoding, length, encoded_length, revpos FROM attachments WHERE sequence = ?
			`, g.keepSeq, dropSeq); err != nil {
				return fmt.Errorf("migrate attachments of duplicate %d: %w", dropSeq, err)
			}
			if _, err := db.Exec(`DELETE FROM attachments WHERE sequence = ?`, dropSeq); err != nil {
				return fmt.Errorf("delete attachments of duplicate %d: %w", dropSeq, err)
			}
			if _, err := db.Exec(`DELETE FROM revs WHERE sequence = ?`, dropSeq); err != nil {
				return fmt.Errorf("delete duplicate revision %d: %w", dropSeq, err)
			}
		}
	}

	// Per-attachment repair: within a sequence, collapse duplicate
	// (sequence, filename) rows to one.
	attDupRows, err := db.Query(`
		SELECT sequence, filename, MIN(rowid) AS keep_rowid
		FROM attachments
		GROUP BY sequence, filename
		HAVING COUNT(*) > 1
	`)
	if err != nil {
		return fmt.Errorf("find duplicate attachments: %w", err)
	}
	type attDup struct {
		sequence  int64
		filename  string
		keepRowID int64
	}
	var attDups []attDup
	for attDupRows.Next() {
		var d attDup
		if err := attDupRows.Scan(&d.sequence, &d.filename, &d.keepRowID); err != nil {
			_ = attDupRows.Close()
			return err
		}
		attDups = append(attDups, d)
	}
	_ = attDupRows.Close()
	for _, d := range attDups {
		if _, err := db.Exec(
			`DELETE FROM attachments WHERE sequence = ? AND filename = ? AND rowid <> ?`,
			d.sequence, d.filename, d.keepRowID,
		); err != nil {
			return fmt.Errorf("collapse duplicate attachment rows: %w", err)
		}
	}

	for docID := range touchedDocs {
		if err := recomputeWinnerTx(db, docID); err != nil {
			return fmt.Errorf("recompute winner for doc %d after repair: %w", docID, err)
		}
	}
	return nil
}
