package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/syncstore/syncstore/internal/revtree"
)

// extensionDirName is the on-disk directory name for the query engine's own
// relational store, matching the real extension-directory layout named in
// §4.3.
const extensionDirName = "com.cloudant.sync.query"

// DocumentSource is the subset of *revtree.Store the query engine needs to
// keep its shadow tables current and to satisfy post-hoc matching.
type DocumentSource interface {
	Changes(ctx context.Context, since int64, limit int) ([]revtree.Change, int64, error)
	Read(ctx context.Context, docID, revID string) (revtree.Revision, error)
}

// Store is the query engine's own queue and relational database, separate
// from the Revision Tree Engine's store per §5 ("The Query Engine has its
// own queue for its extension database").
type Store struct {
	db     *sql.DB
	source DocumentSource

	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// Open creates (if absent) the query engine's extension database under
// <extensionsDir>/com.cloudant.sync.query/indexes.sync and starts its task
// queue. source is the Revision Tree Engine store indexes are kept in sync
// with.
func Open(extensionsDir string, source DocumentSource) (*Store, error) {
	dir := filepath.Join(extensionsDir, extensionDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("query: create extension directory: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "indexes.sync")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("query: open index database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(metadataSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("query: create metadata schema: %w", err)
	}

	s := &Store{
		db:     db,
		source: source,
		tasks:  make(chan func(), 256),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runQueue()
	return s, nil
}

func (s *Store) runQueue() {
	defer s.wg.Done()
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.done:
			for {
				select {
				case task := <-s.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (s *Store) submit(ctx context.Context, fn func() error) error {
	resultCh := make(chan error, 1)
	task := func() { resultCh <- fn() }
	select {
	case s.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the task queue and closes the index database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func loadIndexDefinition(db *sql.DB, name string) (IndexDefinition, error) {
	var def IndexDefinition
	var fieldsJSON string
	row := db.QueryRow(`SELECT index_name, index_type, fields_json, last_sequence FROM index_definitions WHERE index_name = ?`, name)
	if err := row.Scan(&def.Name, &def.Type, &fieldsJSON, &def.LastSequence); err != nil {
		if err == sql.ErrNoRows {
			return IndexDefinition{}, ErrIndexNotFound
		}
		return IndexDefinition{}, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &def.Fields); err != nil {
		return IndexDefinition{}, fmt.Errorf("query: decode index fields: %w", err)
	}
	return def, nil
}

func listIndexDefinitions(db *sql.DB) ([]IndexDefinition, error) {
	rows, err := db.Query(`SELECT index_name, index_type, fields_json, last_sequence FROM index_definitions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IndexDefinition
	for rows.Next() {
		var def IndexDefinition
		var fieldsJSON string
		if err := rows.Scan(&def.Name, &def.Type, &fieldsJSON, &def.LastSequence); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &def.Fields); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}
