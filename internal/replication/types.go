// Package replication implements the HTTP-based pull/push replication
// protocol against a CouchDB-compatible remote, driving the Revision Tree
// Engine's forceInsert path from a _changes/_revs_diff/_bulk_get exchange.
package replication

import (
	"encoding/json"
	"fmt"
)

// ChangesResponse is the body of GET /db/_changes.
type ChangesResponse struct {
	Results []ChangeRow     `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// ChangeRow is one entry of a _changes feed. Seq is kept raw since a
// remote's update sequence may be a bare integer or an opaque string
// depending on its storage engine.
type ChangeRow struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Changes []ChangeLeaf    `json:"changes"`
	Deleted bool            `json:"deleted,omitempty"`
}

// ChangeLeaf names one current leaf revision of a changed document.
type ChangeLeaf struct {
	Rev string `json:"rev"`
}

// RevsDiffRequest is the body of POST /db/_revs_diff: docid -> candidate
// revisions the caller already has.
type RevsDiffRequest map[string][]string

// RevsDiffResponse maps docid -> the subset of candidate revisions the
// remote does not have, plus any possible ancestors it can suggest.
type RevsDiffResponse map[string]RevsDiffEntry

// RevsDiffEntry is one docid's missing/possible-ancestor revisions.
type RevsDiffEntry struct {
	Missing           []string `json:"missing"`
	PossibleAncestors []string `json:"possible_ancestors,omitempty"`
}

// BulkGetRequest is the body of POST /db/_bulk_get.
type BulkGetRequest struct {
	Docs []BulkGetRequestDoc `json:"docs"`
}

// BulkGetRequestDoc names one document and the revisions wanted for it.
type BulkGetRequestDoc struct {
	ID       string   `json:"id"`
	OpenRevs []string `json:"open_revs,omitempty"`
}

// BulkGetResponse is the body returned by POST /db/_bulk_get.
type BulkGetResponse struct {
	Results []BulkGetResult `json:"results"`
}

// BulkGetResult bundles every requested revision bundle for one docid.
type BulkGetResult struct {
	ID   string              `json:"id"`
	Docs []BulkGetResultItem `json:"docs"`
}

// BulkGetResultItem wraps either a fetched document or an error for one
// requested revision.
type BulkGetResultItem struct {
	OK    *RemoteDocument `json:"ok,omitempty"`
	Error *RemoteError    `json:"error,omitempty"`
}

// RemoteError reports a per-revision failure inside a bulk-get response.
type RemoteError struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// RemoteDocument is the CouchDB document envelope: revision metadata plus
// arbitrary body fields. Its (Un)MarshalJSON proxy through a plain map so
// that Body holds exactly the non-metadata fields, the way a document
// actually looks on the wire, without re-marshaling field-by-field.
type RemoteDocument struct {
	ID          string
	Rev         string
	Deleted     bool
	Revisions   *RemoteRevisions
	Attachments map[string]RemoteAttachment
	Body        json.RawMessage
}

var remoteDocumentReservedKeys = map[string]bool{
	"_id": true, "_rev": true, "_deleted": true, "_revisions": true, "_attachments": true,
}

// MarshalJSON flattens the envelope fields and Body's own top-level keys
// into one object, the wire shape a _bulk_docs/_bulk_get endpoint expects.
func (d RemoteDocument) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if len(d.Body) > 0 {
		if err := json.Unmarshal(d.Body, &m); err != nil {
			return nil, fmt.Errorf("replication: encode document %s body: %w", d.ID, err)
		}
	}
	m["_id"] = d.ID
	if d.Rev != "" {
		m["_rev"] = d.Rev
	}
	if d.Deleted {
		m["_deleted"] = true
	}
	if d.Revisions != nil {
		m["_revisions"] = d.Revisions
	}
	if len(d.Attachments) > 0 {
		m["_attachments"] = d.Attachments
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits the wire object into envelope fields plus Body
// holding everything else.
func (d *RemoteDocument) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["_id"]; ok {
		_ = json.Unmarshal(v, &d.ID)
	}
	if v, ok := m["_rev"]; ok {
		_ = json.Unmarshal(v, &d.Rev)
	}
	if v, ok := m["_deleted"]; ok {
		_ = json.Unmarshal(v, &d.Deleted)
	}
	if v, ok := m["_revisions"]; ok {
		d.Revisions = &RemoteRevisions{}
		if err := json.Unmarshal(v, d.Revisions); err != nil {
			return err
		}
	}
	if v, ok := m["_attachments"]; ok {
		if err := json.Unmarshal(v, &d.Attachments); err != nil {
			return err
		}
	}

	body := map[string]json.RawMessage{}
	for k, v := range m {
		if !remoteDocumentReservedKeys[k] {
			body[k] = v
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	d.Body = b
	return nil
}

// RemoteRevisions is the "_revisions" member: the ancestor history of a
// document, newest generation first per the CouchDB wire format.
type RemoteRevisions struct {
	Start int      `json:"start"`
	IDs   []string `json:"ids"`
}

// RemoteAttachment is one entry of a document's "_attachments" map.
type RemoteAttachment struct {
	ContentType   string `json:"content_type"`
	Digest        string `json:"digest"` // "sha1-<base64>"
	Length        int64  `json:"length"`
	EncodedLength int64  `json:"encoded_length,omitempty"`
	Encoding      string `json:"encoding,omitempty"`
	RevPos        int    `json:"revpos"`
	Stub          bool   `json:"stub,omitempty"`
	Follows       bool   `json:"follows,omitempty"`
	Data          string `json:"data,omitempty"` // base64, when inline
}

// BulkDocsRequest is the body of POST /db/_bulk_docs?new_edits=false.
type BulkDocsRequest struct {
	Docs     []RemoteDocument `json:"docs"`
	NewEdits bool             `json:"new_edits"`
}

// ReplicationLog is the checkpoint document stored under
// "_local/<replication-id>": in the local store for a pull, on the remote
// for a push.
type ReplicationLog struct {
	ID                   string    `json:"_id"`
	Rev                  string    `json:"_rev,omitempty"`
	History              []History `json:"history"`
	ReplicationIDVersion int       `json:"replication_id_version"`
	SessionID            string    `json:"session_id"`
	SourceLastSeq        string    `json:"source_last_seq"`
}

// History is one checkpoint record, prepended to ReplicationLog.History each
// time a batch is checkpointed and capped to a bounded ring by
// checkpoint.go. Its counts are the run's cumulative totals so far, so a
// run of several batches leaves one entry per batch. SessionID is carried
// over from the stored log, not renewed per run.
type History struct {
	SessionID      string `json:"session_id"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	StartLastSeq   string `json:"start_last_seq"`
	RecordedSeq    string `json:"recorded_seq"`
	DocsRead       int    `json:"docs_read"`
	DocsWritten    int    `json:"docs_written"`
	DocWriteErrors int    `json:"doc_write_failures"`
}
