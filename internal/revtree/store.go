package revtree

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/syncstore/syncstore/internal/eventbus"
)

// Store is the embedded revision tree engine: one SQLite file, one exclusive
// process lock, and a single-threaded task queue that gives every read and
// write a serialization point. Concurrency model per §5: callers may call
// from any goroutine, but the Store itself runs one task at a time.
type Store struct {
	id   string
	path string
	db   *sql.DB
	lock *flock.Flock
	bus  *eventbus.Bus

	tasks  chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// Options configures Open.
type Options struct {
	// Bus receives lifecycle and document events. Defaults to eventbus.Default().
	Bus *eventbus.Bus
	// QueueDepth bounds the number of tasks that may be pending submission
	// before Submit blocks. Defaults to 256.
	QueueDepth int
}

// Open opens (creating if absent) the SQLite-backed store at path, acquires
// an exclusive flock on a sibling ".lock" file to prevent two processes from
// writing the same store concurrently, runs schema migrations, and starts
// the task queue goroutine. The returned Store must be closed with Close.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("revtree: create store directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("revtree: acquire store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("revtree: store %s is already open by another process", path)
	}

	db, err := sql.Open("sqlite3", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("revtree: open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Default()
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	s := &Store{
		id:     path,
		path:   path,
		db:     db,
		lock:   lock,
		bus:    bus,
		tasks:  make(chan func(), depth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runQueue()

	s.bus.Post(eventbus.Event{Kind: eventbus.StoreOpened, StoreID: s.id})
	return s, nil
}

// runQueue is the single goroutine through which every read and write
// passes, giving the store linearizable semantics without holding a mutex
// across SQL round trips.
func (s *Store) runQueue() {
	defer s.wg.Done()
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.done:
			// Drain any tasks already accepted before shutdown was requested.
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

// submit runs fn on the queue goroutine and waits for it to finish,
// returning ctx.Err() if ctx is canceled before fn runs.
func (s *Store) submit(ctx context.Context, fn func() error) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	resultCh := make(chan error, 1)
	task := func() {
		resultCh <- fn()
	}
	select {
	case s.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withTx runs fn inside a transaction begun with the driver's default
// BeginTx options on the queue goroutine, committing on success and rolling
// back on error or panic.
// Mirrors the teacher's withTx helper (internal/storage/sqlite/compact.go),
// generalized from issue-tracker operations to revision-tree operations.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.submit(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("revtree: begin transaction: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("revtree: commit transaction: %w", err)
		}
		committed = true
		return nil
	})
}

// Close stops the task queue, closes the database handle, and releases the
// file lock. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
		_ = s.lock.Unlock()
		s.bus.PostSync(eventbus.Event{Kind: eventbus.StoreClosed, StoreID: s.id})
		s.bus.CloseStore(s.id)
	})
	return err
}

// Path reports the filesystem path this store was opened from.
func (s *Store) Path() string { return s.path }
