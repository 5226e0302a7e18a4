// Package watch detects a SQLite store file being modified by a process
// other than the one that has it open, via filesystem events with a
// polling fallback when fsnotify is unavailable.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EnvFallback, when set to "false" or "0", disables the polling fallback
// and requires a working fsnotify watcher.
const EnvFallback = "SYNCSTORE_WATCHER_FALLBACK"

// Watcher monitors a store file for external modification using fsnotify
// events, or by polling mtime/size when fsnotify can't be set up.
type Watcher struct {
	watcher   *fsnotify.Watcher
	debouncer *debouncer
	path      string
	parentDir string

	pollingMode  bool
	pollInterval time.Duration
	lastModTime  time.Time
	lastExists   bool
	lastSize     int64

	log *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher for path. onChanged is invoked, after a 500ms
// debounce window, whenever path is created, written, or replaced by
// another process. Falls back to a 5s poll loop if fsnotify.NewWatcher
// fails, unless EnvFallback disables that.
func New(path string, onChanged func(), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		path:         path,
		parentDir:    filepath.Dir(path),
		debouncer:    newDebouncer(500*time.Millisecond, onChanged),
		pollInterval: 5 * time.Second,
		log:          log,
	}

	if stat, err := os.Stat(path); err == nil {
		w.lastModTime = stat.ModTime()
		w.lastExists = true
		w.lastSize = stat.Size()
	}

	fallbackEnv := os.Getenv(EnvFallback)
	fallbackDisabled := fallbackEnv == "false" || fallbackEnv == "0"

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		if fallbackDisabled {
			return nil, err
		}
		log.Warn("fsnotify unavailable, falling back to polling", "error", err, "interval", w.pollInterval)
		w.pollingMode = true
		return w, nil
	}
	w.watcher = fsw

	if err := fsw.Add(w.parentDir); err != nil {
		log.Warn("failed to watch parent directory", "dir", w.parentDir, "error", err)
	}

	if err := fsw.Add(path); err != nil {
		if os.IsNotExist(err) {
			log.Info("store file does not exist yet, watching parent directory", "path", path)
		} else {
			_ = fsw.Close()
			if fallbackDisabled {
				return nil, err
			}
			log.Warn("failed to watch store file, falling back to polling", "error", err, "interval", w.pollInterval)
			w.pollingMode = true
			w.watcher = nil
			return w, nil
		}
	}

	return w, nil
}

// Start begins monitoring in a background goroutine until ctx is canceled
// or Close is called. Call once per Watcher.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.pollingMode {
		w.startPolling(ctx)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		base := filepath.Base(w.path)

		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}

				if event.Name == filepath.Join(w.parentDir, base) && event.Op&fsnotify.Create != 0 {
					w.log.Info("store file created", "path", event.Name)
					_ = w.watcher.Add(w.path)
					w.debouncer.trigger()
					continue
				}

				if event.Name == w.path && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0 {
					w.log.Warn("store file modified externally", "path", event.Name)
					w.debouncer.trigger()
					continue
				}

				if event.Name == w.path && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					w.log.Warn("store file removed or renamed", "path", event.Name)
					_ = w.watcher.Remove(w.path)
					w.reEstablish(ctx)
					continue
				}

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watcher error", "error", err)

			case <-ctx.Done():
				return
			}
		}
	}()
}

// reEstablish retries adding the watch on w.path with backoff, for the case
// where the file was removed and recreated (e.g. a replacing writer).
func (w *Watcher) reEstablish(ctx context.Context) {
	delays := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

	for _, delay := range delays {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			if err := w.watcher.Add(w.path); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				w.log.Warn("failed to re-watch store file", "error", err)
				return
			}
			w.debouncer.trigger()
			return
		}
	}
	w.log.Warn("failed to re-establish store file watch", "path", w.path)
}

func (w *Watcher) startPolling(ctx context.Context) {
	w.log.Info("watching store file by polling", "path", w.path, "interval", w.pollInterval)
	ticker := time.NewTicker(w.pollInterval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.pollOnce()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Watcher) pollOnce() {
	changed := false
	stat, err := os.Stat(w.path)
	switch {
	case err != nil && os.IsNotExist(err):
		if w.lastExists {
			w.lastExists = false
			w.lastModTime = time.Time{}
			w.lastSize = 0
			w.log.Warn("store file missing (polling)", "path", w.path)
			changed = true
		}
	case err != nil:
		w.log.Warn("polling error", "error", err)
	case !w.lastExists:
		w.lastExists = true
		w.lastModTime = stat.ModTime()
		w.lastSize = stat.Size()
		w.log.Info("store file appeared (polling)", "path", w.path)
		changed = true
	case !stat.ModTime().Equal(w.lastModTime) || stat.Size() != w.lastSize:
		w.lastModTime = stat.ModTime()
		w.lastSize = stat.Size()
		w.log.Warn("store file modified externally (polling)", "path", w.path)
		changed = true
	}

	if changed {
		w.debouncer.trigger()
	}
}

// Close stops monitoring and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.debouncer.cancelAndWait()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
