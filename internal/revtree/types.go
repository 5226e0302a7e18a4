package revtree

import "time"

// Attachment is a SHA-1-addressed blob bound to the revision that first
// introduced it.
type Attachment struct {
	Filename       string
	Digest         string // hex SHA-1, the blobstore content address
	ContentType    string
	Encoding       string // "plain" or "gzip"
	Length         int64  // decoded length
	EncodedLength  int64  // length as stored (equals Length when Encoding is "plain")
	RevPos         int    // generation of the revision that introduced this attachment
}

// Revision is one node in a document's revision tree.
type Revision struct {
	DocID       string
	RevID       string // "N-hex", see ParseRevID
	Generation  int
	Sequence    int64
	ParentSeq   *int64 // nil for a tree root
	Current     bool   // true iff this revision is a leaf
	Deleted     bool
	Body        []byte // JSON bytes; empty for a tombstone
	Attachments []Attachment
}

// Document is the winner-facing view of a document: its currently visible
// revision plus whether other, non-winning leaves (conflicts) exist.
type Document struct {
	DocID        string
	Winner       Revision
	HasConflicts bool
}

// Change is one row of a changes() feed result.
type Change struct {
	Sequence int64
	DocID    string
	RevID    string
	Deleted  bool
}

// LocalDocument is a non-replicated (doc_id -> json) mapping with overwrite
// semantics and no revision history.
type LocalDocument struct {
	DocID string
	Body  []byte
}

// timeNow is overridable in tests; production code always uses time.Now.
var timeNow = time.Now
