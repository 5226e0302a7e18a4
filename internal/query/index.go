package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// CreateIndex validates and persists an index definition, creating its
// shadow table if one does not already exist, per §4.3 "Create index".
// indexType is "json" or "text"; text indexes are capped at one per store.
func (s *Store) CreateIndex(ctx context.Context, name string, fields []string, indexType string) error {
	if name == "" {
		return fmt.Errorf("%w: index name is empty", ErrInvalidField)
	}
	cleaned, err := validateAndDedupFields(fields)
	if err != nil {
		return err
	}

	return s.submit(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("query: begin create index: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		existing, err := indexExistsTx(tx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			if indexType == existing.Type && stringSlicesEqual(cleaned, existing.Fields) {
				committed = true
				return tx.Commit()
			}
			return fmt.Errorf("%w: %s", ErrIndexConflict, name)
		}

		if indexType == "text" {
			hasText, err := hasTextIndexTx(tx)
			if err != nil {
				return err
			}
			if hasText {
				return ErrTextIndexLimit
			}
		}

		if err := createShadowTableTx(tx, name, cleaned, indexType); err != nil {
			return err
		}

		fieldsJSON, err := json.Marshal(cleaned)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO index_definitions (index_name, index_type, fields_json, last_sequence)
			VALUES (?, ?, ?, 0)
		`, name, indexType, string(fieldsJSON)); err != nil {
			return fmt.Errorf("query: persist index definition: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("query: commit create index: %w", err)
		}
		committed = true
		return nil
	})
}

// validateAndDedupFields rejects "$"-prefixed segments and direction
// annotations (a field written as "field ASC"/"field DESC"), de-dups while
// preserving first-seen order, and does not itself add the reserved _rev/
// _id columns (that happens at shadow-table creation time).
func validateAndDedupFields(fields []string) ([]string, error) {
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, fmt.Errorf("%w: empty field", ErrInvalidField)
		}
		for _, seg := range strings.Split(f, ".") {
			if strings.HasPrefix(seg, "$") {
				return nil, fmt.Errorf("%w: %q", ErrInvalidField, f)
			}
		}
		lower := strings.ToLower(f)
		if strings.HasSuffix(lower, " asc") || strings.HasSuffix(lower, " desc") {
			return nil, ErrDescendingIndex
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexExistsTx(tx *sql.Tx, name string) (*IndexDefinition, error) {
	var def IndexDefinition
	var fieldsJSON string
	row := tx.QueryRow(`SELECT index_name, index_type, fields_json, last_sequence FROM index_definitions WHERE index_name = ?`, name)
	err := row.Scan(&def.Name, &def.Type, &fieldsJSON, &def.LastSequence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &def.Fields); err != nil {
		return nil, err
	}
	return &def, nil
}

func hasTextIndexTx(tx *sql.Tx) (bool, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(*) FROM index_definitions WHERE index_type = 'text'`).Scan(&count)
	return count > 0, err
}

// shadowTableName returns the per-index table name, "_t_<index_name>".
func shadowTableName(indexName string) string {
	return fmt.Sprintf("_t_%s", indexName)
}

func createShadowTableTx(tx *sql.Tx, name string, fields []string, indexType string) error {
	table := shadowTableName(name)
	columns := append(append([]string{}, reservedColumns...), fields...)

	if indexType == "text" {
		cols := strings.Join(columns, ", ")
		stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %q USING fts5(%s)`, table, cols)
		_, err := tx.Exec(stmt)
		if err != nil {
			return fmt.Errorf("query: create text shadow table: %w", err)
		}
		return nil
	}

	// Columns are declared with no type keyword, which SQLite assigns BLOB
	// affinity: values are stored exactly as bound (TEXT stays TEXT,
	// REAL/INTEGER stay numeric), so $gt/$lt compare numerically instead
	// of lexicographically once a field holds numbers.
	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %q (`, table)
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", c)
	}
	b.WriteString(")")
	if _, err := tx.Exec(b.String()); err != nil {
		return fmt.Errorf("query: create shadow table: %w", err)
	}

	idxCols := make([]string, len(columns))
	for i, c := range columns {
		idxCols[i] = fmt.Sprintf("%q", c)
	}
	idxStmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (%s)`, "idx_"+table, table, strings.Join(idxCols, ", "))
	if _, err := tx.Exec(idxStmt); err != nil {
		return fmt.Errorf("query: create shadow table composite index: %w", err)
	}
	return nil
}
