package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

const refreshBatchSize = 1000

// refreshIndex pulls every change since def.LastSequence from the
// document source and replays it into the index's shadow table, per §4.3
// "Index update": prior rows for a changed _id are deleted, then one row
// per unrolled field value is inserted; last_sequence advances inside the
// same transaction as the row changes it covers.
func (s *Store) refreshIndex(ctx context.Context, def IndexDefinition) error {
	since := def.LastSequence
	for {
		changes, lastSeq, err := s.source.Changes(ctx, since, refreshBatchSize)
		if err != nil {
			return fmt.Errorf("query: fetch changes for index %s: %w", def.Name, err)
		}
		if len(changes) == 0 {
			break
		}

		if err := s.submit(ctx, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			committed := false
			defer func() {
				if !committed {
					_ = tx.Rollback()
				}
			}()

			table := shadowTableName(def.Name)
			for _, c := range changes {
				if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE "_id" = ?`, table), c.DocID); err != nil {
					return fmt.Errorf("query: clear stale shadow rows for %s: %w", c.DocID, err)
				}
				if c.Deleted {
					continue
				}
				rev, err := s.source.Read(ctx, c.DocID, c.RevID)
				if err != nil {
					return fmt.Errorf("query: load %s@%s for indexing: %w", c.DocID, c.RevID, err)
				}
				if err := insertShadowRows(tx, def, table, c.DocID, c.RevID, rev.Body); err != nil {
					return err
				}
			}

			if _, err := tx.Exec(`UPDATE index_definitions SET last_sequence = ? WHERE index_name = ?`, lastSeq, def.Name); err != nil {
				return fmt.Errorf("query: advance last_sequence for %s: %w", def.Name, err)
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			committed = true
			return nil
		}); err != nil {
			return err
		}

		since = lastSeq
		if len(changes) < refreshBatchSize {
			break
		}
	}
	return nil
}

// insertShadowRows inserts one row per unrolled value combination for a
// document into an index's shadow table. An array-valued field expands
// into one row per element, matching "$eq over array members" semantics.
func insertShadowRows(tx *sql.Tx, def IndexDefinition, table, docID, revID string, body []byte) error {
	var doc map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return fmt.Errorf("query: decode document %s for indexing: %w", docID, err)
		}
	}

	rows := [][]interface{}{{}}
	for _, field := range def.Fields {
		values := fieldValues(doc, field)
		if len(values) == 0 {
			values = []interface{}{nil}
		}
		var expanded [][]interface{}
		for _, existing := range rows {
			for _, v := range values {
				row := append(append([]interface{}{}, existing...), v)
				expanded = append(expanded, row)
			}
		}
		rows = expanded
	}

	columns := append(append([]string{}, reservedColumns...), def.Fields...)
	placeholders := make([]string, len(columns))
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		placeholders[i] = "?"
		quotedCols[i] = fmt.Sprintf("%q", c)
	}
	stmt := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, table, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	for _, fieldVals := range rows {
		normalized := make([]interface{}, len(fieldVals))
		for i, v := range fieldVals {
			normalized[i] = normalizeIndexValue(v)
		}
		args := append([]interface{}{revID, docID}, normalized...)
		if _, err := tx.Exec(stmt, args...); err != nil {
			return fmt.Errorf("query: insert shadow row for %s: %w", docID, err)
		}
	}
	return nil
}

// normalizeIndexValue leaves scalars as-is (so BLOB-affinity columns keep
// numbers numeric and strings text) and flattens objects/arrays to their
// JSON text form, since a shadow column holds one comparable value.
func normalizeIndexValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, float64, bool:
		return v
	default:
		return scalarToText(v)
	}
}

// fieldValues resolves a dot-separated path against a decoded document. An
// array encountered at any path segment fans out into multiple values.
func fieldValues(doc map[string]interface{}, path string) []interface{} {
	segments := strings.Split(path, ".")
	current := []interface{}{doc}
	for _, seg := range segments {
		var next []interface{}
		for _, c := range current {
			m, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			v, ok := m[seg]
			if !ok {
				continue
			}
			if arr, ok := v.([]interface{}); ok {
				next = append(next, arr...)
			} else {
				next = append(next, v)
			}
		}
		current = next
	}
	return current
}

func scalarToText(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
