package revtree

import "errors"

// Error taxonomy per the core specification's error handling design:
// Conflict and NotFound are surfaced to the caller without retry;
// AttachmentNotSaved aborts the enclosing transaction; Corruption is
// handled internally by the open-time repair migration.
var (
	// ErrConflict is returned when update() targets a revision that is no
	// longer a leaf (someone else updated the document first).
	ErrConflict = errors.New("revtree: conflict")

	// ErrNotFound is returned when a document, revision, or local document
	// does not exist.
	ErrNotFound = errors.New("revtree: not found")

	// ErrAttachmentNotSaved is returned when an attachment referenced by a
	// create/update/forceInsert call could not be read from its source.
	ErrAttachmentNotSaved = errors.New("revtree: attachment not saved")

	// ErrNotLeaf is returned by delete() when the target revision already
	// has a child.
	ErrNotLeaf = errors.New("revtree: revision is not a leaf")

	// ErrClosed is returned by any operation submitted after Close().
	ErrClosed = errors.New("revtree: store is closed")
)
