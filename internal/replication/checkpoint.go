package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/syncstore/syncstore/internal/revtree"
)

// maxHistoryEntries bounds the replication-history ring kept alongside the
// checkpoint, mirroring CouchDB's own replication log (which keeps the most
// recent entries and drops older ones rather than growing unbounded).
const maxHistoryEntries = 10

// CheckpointStore is the local side of a checkpoint: the Revision Tree
// Engine's local-document table, addressed by "_local/<replication-id>".
type CheckpointStore interface {
	GetLocalDoc(ctx context.Context, docID string) (revtree.LocalDocument, error)
	PutLocalDoc(ctx context.Context, docID string, body []byte) error
}

func localDocID(replicationID string) string {
	return "_local/" + replicationID
}

// loadCheckpoint reads the local replication log, returning a zero-value
// log (with a fresh SessionID) if none exists yet.
func loadCheckpoint(ctx context.Context, store CheckpointStore, replicationID string) (ReplicationLog, error) {
	doc, err := store.GetLocalDoc(ctx, localDocID(replicationID))
	if errors.Is(err, revtree.ErrNotFound) {
		return ReplicationLog{ID: localDocID(replicationID), SessionID: uuid.NewString(), ReplicationIDVersion: 3}, nil
	}
	if err != nil {
		return ReplicationLog{}, fmt.Errorf("replication: load checkpoint: %w", err)
	}
	var log ReplicationLog
	if err := json.Unmarshal(doc.Body, &log); err != nil {
		return ReplicationLog{}, fmt.Errorf("replication: decode checkpoint: %w", err)
	}
	return log, nil
}

// saveCheckpoint persists sourceLastSeq as the new authoritative resume
// cursor and appends entry to the bounded history ring. Checkpoint writes
// are the only mutation of the log document; the "since" cursor used to
// resume a run is always log.SourceLastSeq, never derived from history.
func saveCheckpoint(ctx context.Context, store CheckpointStore, replicationID string, log ReplicationLog, sourceLastSeq string, entry History) error {
	log.SourceLastSeq = sourceLastSeq
	log.History = append([]History{entry}, log.History...)
	if len(log.History) > maxHistoryEntries {
		log.History = log.History[:maxHistoryEntries]
	}

	body, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("replication: encode checkpoint: %w", err)
	}
	if err := store.PutLocalDoc(ctx, localDocID(replicationID), body); err != nil {
		return fmt.Errorf("replication: write checkpoint: %w", err)
	}
	return nil
}

// remoteCheckpointStore adapts a remote Client's _local endpoints to the
// same interface, used by the push side writing a checkpoint on the remote.
type remoteCheckpointStore struct {
	client *Client
}

func (r remoteCheckpointStore) GetLocalDoc(ctx context.Context, docID string) (revtree.LocalDocument, error) {
	id := docID
	if len(id) > 7 && id[:7] == "_local/" {
		id = id[7:]
	}
	log, err := r.client.GetLocalDoc(ctx, id)
	if err != nil {
		return revtree.LocalDocument{}, err
	}
	if log == nil {
		return revtree.LocalDocument{}, revtree.ErrNotFound
	}
	body, err := json.Marshal(log)
	if err != nil {
		return revtree.LocalDocument{}, err
	}
	return revtree.LocalDocument{DocID: docID, Body: body}, nil
}

func (r remoteCheckpointStore) PutLocalDoc(ctx context.Context, docID string, body []byte) error {
	id := docID
	if len(id) > 7 && id[:7] == "_local/" {
		id = id[7:]
	}
	var log ReplicationLog
	if err := json.Unmarshal(body, &log); err != nil {
		return err
	}
	return r.client.PutLocalDoc(ctx, id, log)
}
