package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherDetectsExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.sync")
	require.NoError(t, os.WriteFile(path, []byte("initial"), 0o644))

	changed := make(chan struct{}, 1)
	w, err := New(path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, nil)
	require.NoError(t, err)
	defer w.Close()

	w.Start(t.Context())

	require.NoError(t, os.WriteFile(path, []byte("modified by another process"), 0o644))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected onChanged to fire after external write")
	}
}

func TestWatcherPollingModeDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.sync")
	require.NoError(t, os.WriteFile(path, []byte("initial"), 0o644))

	w, err := New(path, func() {}, nil)
	require.NoError(t, err)
	defer w.Close()

	w.pollingMode = true
	w.pollInterval = 10 * time.Millisecond

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("modified"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.pollOnce()
		if !w.lastModTime.IsZero() {
			stat, statErr := os.Stat(path)
			require.NoError(t, statErr)
			if stat.Size() == w.lastSize {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected polling to observe updated file size")
}
