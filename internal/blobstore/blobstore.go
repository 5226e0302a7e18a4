// Package blobstore implements the content-addressed attachment storage
// described as an external collaborator by the core specification: files
// keyed by their SHA-1 digest under extensions/com.cloudant.attachments/,
// plus a staging area for attachments still being written by a streamed
// replication pull.
//
// Content addressing makes writes write-once: two attachments with the
// same bytes collide on the same path and the second writer is a no-op,
// the same dedup-by-hash shape as the teacher's issue content-hash
// collision detection (internal/storage/sqlite/collision.go), applied here
// to raw bytes instead of structured issue fields.
package blobstore

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is the content-addressing scheme mandated by the protocol, not used for security.
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a requested digest has no blob on disk.
var ErrNotFound = errors.New("blobstore: attachment missing")

const (
	attachmentsDir = "com.cloudant.attachments"
	stagingDir     = "com.cloudant.attachments.staging"
)

// Store is a content-addressed blob store rooted at <extensions>/.
type Store struct {
	root string
}

// Open ensures the attachment and staging directories exist under
// extensionsDir and returns a Store bound to them.
func Open(extensionsDir string) (*Store, error) {
	root := filepath.Join(extensionsDir, attachmentsDir)
	staging := filepath.Join(extensionsDir, stagingDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create attachments dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create staging dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Digest computes the content-addressing key (lowercase hex SHA-1) for data.
func Digest(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(digest string) string {
	return filepath.Join(s.root, digest)
}

// Has reports whether a blob for digest already exists.
func (s *Store) Has(digest string) bool {
	_, err := os.Stat(s.path(digest))
	return err == nil
}

// Put writes data under its own SHA-1 digest if not already present and
// returns the digest. Write-once semantics: if a file already exists at
// that content address it is assumed byte-equal and left untouched.
func (s *Store) Put(data []byte) (digest string, err error) {
	digest = Digest(data)
	if s.Has(digest) {
		return digest, nil
	}
	tmp, err := os.CreateTemp(s.root, "stage-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("blobstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("blobstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("blobstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(digest)); err != nil {
		// Another writer may have raced us to the same content address;
		// that's fine, the bytes are identical by definition of SHA-1.
		if s.Has(digest) {
			return digest, nil
		}
		return "", fmt.Errorf("blobstore: finalize blob: %w", err)
	}
	return digest, nil
}

// Get reads the full contents of the blob addressed by digest.
func (s *Store) Get(digest string) ([]byte, error) {
	data, err := os.ReadFile(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read blob %s: %w", digest, err)
	}
	return data, nil
}

// OpenReader returns a reader over the blob addressed by digest, for streaming
// large attachments without buffering them fully in memory.
func (s *Store) OpenReader(digest string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: open blob %s: %w", digest, err)
	}
	return f, nil
}

// PutStream consumes r fully, writing it to a staging file and then
// renaming into place by its digest once fully received — the path used by
// the replication engine's streamed (non-inline) attachment pulls.
func (s *Store) PutStream(r io.Reader) (digest string, length int64, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: read stream: %w", err)
	}
	digest, err = s.Put(data)
	if err != nil {
		return "", 0, err
	}
	return digest, int64(len(data)), nil
}

// Remove deletes the blob addressed by digest, if present. Used by garbage
// collection after compaction orphans a blob; it is not an error if the
// blob is already gone.
func (s *Store) Remove(digest string) error {
	err := os.Remove(s.path(digest))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore: remove blob %s: %w", digest, err)
	}
	return nil
}
