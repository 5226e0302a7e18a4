package main

import (
	"log/slog"
	"path/filepath"

	"github.com/syncstore/syncstore/internal/blobstore"
	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/internal/query"
	"github.com/syncstore/syncstore/internal/revtree"
	"github.com/syncstore/syncstore/internal/watch"
)

// app bundles the three stores a syncstore root directory holds: the
// revision tree (db.sync), the content-addressed attachment blobstore, and
// the ad-hoc query engine's shadow index, per §4.3's on-disk layout.
type app struct {
	tree    *revtree.Store
	blobs   *blobstore.Store
	query   *query.Store
	watcher *watch.Watcher
}

// resolveRoot returns the effective store root: --root flag, then
// store.root config, defaulting to "./data".
func resolveRoot() string {
	if storeRoot != "" {
		return storeRoot
	}
	root := config.GetString("store.root")
	if root == "" {
		root = "./data"
	}
	return root
}

// openApp opens all three stores rooted at resolveRoot(), in the layout
// <root>/db.sync (revision tree) and <root>/extensions/... (blobstore and
// query shadow tables).
func openApp() (*app, error) {
	root := resolveRoot()
	extensionsDir := filepath.Join(root, "extensions")

	tree, err := revtree.Open(filepath.Join(root, "db.sync"), revtree.Options{})
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.Open(extensionsDir)
	if err != nil {
		_ = tree.Close()
		return nil, err
	}

	q, err := query.Open(extensionsDir, tree)
	if err != nil {
		_ = tree.Close()
		return nil, err
	}

	storePath := filepath.Join(root, "db.sync")
	w, err := watch.New(storePath, func() {
		slog.Warn("db.sync modified by another process while open", "path", storePath)
	}, slog.Default())
	if err != nil {
		_ = q.Close()
		_ = tree.Close()
		return nil, err
	}
	w.Start(rootCtx)

	return &app{tree: tree, blobs: blobs, query: q, watcher: w}, nil
}

// Close releases all three stores and stops the file watcher, in reverse-
// open order.
func (a *app) Close() error {
	var firstErr error
	if err := a.watcher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.query.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.tree.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
