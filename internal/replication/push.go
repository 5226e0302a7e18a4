package replication

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/syncstore/syncstore/internal/blobstore"
	"github.com/syncstore/syncstore/internal/eventbus"
	"github.com/syncstore/syncstore/internal/revtree"
)

// PushStrategy mirrors PullStrategy symmetrically: it reads local changes,
// computes a revs_diff against the remote, and bulk-uploads what the
// remote is missing, per §4.2 "Push state machine".
type PushStrategy struct {
	counters

	Client        *Client
	Source        *revtree.Store
	Blobs         *blobstore.Store
	Config        Config
	ReplicationID string
}

// NewPushStrategy wires a PushStrategy against bus, defaulting to the
// process-wide singleton when bus is nil.
func NewPushStrategy(client *Client, source *revtree.Store, blobs *blobstore.Store, cfg Config, replicationID string, bus *eventbus.Bus) *PushStrategy {
	if bus == nil {
		bus = eventbus.Default()
	}
	return &PushStrategy{counters: newCounters(bus), Client: client, Source: source, Blobs: blobs, Config: cfg, ReplicationID: replicationID}
}

// Run executes the push batch loop to completion, cancellation, or error.
func (p *PushStrategy) Run(ctx context.Context) error {
	defer p.markTerminated()

	start := time.Now()
	p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationStarted, StoreID: p.ReplicationID})

	remoteCP := remoteCheckpointStore{client: p.Client}
	log, err := loadCheckpoint(ctx, remoteCP, p.ReplicationID)
	if err != nil {
		p.postError(err)
		return err
	}

	since, err := strconv.ParseInt(orZero(log.SourceLastSeq), 10, 64)
	if err != nil {
		since = 0
	}
	sessionID := log.SessionID
	var docsRead, docsWritten, writeFailures int

	for {
		if p.isCancelled() {
			p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationTerminated, StoreID: p.ReplicationID})
			return nil
		}

		changes, lastSeq, err := p.Source.Changes(ctx, since, p.Config.ChangeLimitPerBatch)
		if err != nil {
			p.postError(err)
			return fmt.Errorf("replication: push %s: local changes: %w", p.ReplicationID, err)
		}
		if len(changes) == 0 {
			break
		}

		diffReq := RevsDiffRequest{}
		for _, c := range changes {
			diffReq[c.DocID] = []string{c.RevID}
		}
		diff, err := p.Client.RevsDiff(ctx, diffReq)
		if err != nil {
			p.postError(err)
			return fmt.Errorf("replication: push %s: revs_diff: %w", p.ReplicationID, err)
		}

		var missing []revtree.Change
		for _, c := range changes {
			if entry, ok := diff[c.DocID]; ok && len(entry.Missing) > 0 {
				missing = append(missing, c)
				docsRead++
			}
		}

		for _, sub := range chunkChanges(missing, p.Config.InsertBatchSize) {
			if p.isCancelled() {
				p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationTerminated, StoreID: p.ReplicationID})
				return nil
			}
			req := BulkDocsRequest{NewEdits: false}
			for _, c := range sub {
				doc, err := p.buildRemoteDocument(ctx, c)
				if err != nil {
					writeFailures++
					continue
				}
				req.Docs = append(req.Docs, doc)
			}
			if len(req.Docs) == 0 {
				continue
			}
			if err := p.Client.BulkDocs(ctx, req); err != nil {
				writeFailures += len(req.Docs)
				p.postError(err)
				return fmt.Errorf("replication: push %s: bulk_docs: %w", p.ReplicationID, err)
			}
			docsWritten += len(req.Docs)
			p.docCount.Add(int64(len(req.Docs)))
		}

		p.batchCount.Add(1)
		sinceStr := strconv.FormatInt(lastSeq, 10)
		entry := History{
			SessionID: sessionID, StartTime: start.Format(time.RFC3339), EndTime: time.Now().Format(time.RFC3339),
			StartLastSeq: log.SourceLastSeq, RecordedSeq: sinceStr,
			DocsRead: docsRead, DocsWritten: docsWritten, DocWriteErrors: writeFailures,
		}
		log.SessionID = sessionID
		if err := saveCheckpoint(ctx, remoteCP, p.ReplicationID, log, sinceStr, entry); err != nil {
			p.postError(err)
			return err
		}
		log.SourceLastSeq = sinceStr
		since = lastSeq

		if len(changes) < p.Config.ChangeLimitPerBatch {
			break
		}
	}

	p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationTerminated, StoreID: p.ReplicationID})
	return nil
}

// buildRemoteDocument reads a changed revision's full body, ancestor
// history, and attachments from the local store and renders it for upload.
func (p *PushStrategy) buildRemoteDocument(ctx context.Context, c revtree.Change) (RemoteDocument, error) {
	rev, err := p.Source.Read(ctx, c.DocID, c.RevID)
	if err != nil {
		return RemoteDocument{}, err
	}
	history, err := p.Source.History(ctx, c.DocID, c.RevID)
	if err != nil {
		return RemoteDocument{}, err
	}

	ids := make([]string, len(history))
	start := 0
	for i, revID := range history {
		gen, digest, perr := revtree.ParseRevID(revID)
		if perr != nil {
			return RemoteDocument{}, perr
		}
		if i == len(history)-1 {
			start = gen
		}
		ids[len(history)-1-i] = digest
	}

	atts, err := buildPushAttachments(p.Blobs, rev.Attachments)
	if err != nil {
		return RemoteDocument{}, err
	}

	return RemoteDocument{
		ID: c.DocID, Rev: rev.RevID, Deleted: rev.Deleted,
		Revisions:   &RemoteRevisions{Start: start, IDs: ids},
		Attachments: atts,
		Body:        rev.Body,
	}, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func chunkChanges(items []revtree.Change, size int) [][]revtree.Change {
	if size <= 0 {
		size = len(items)
	}
	var out [][]revtree.Change
	for size > 0 && len(items) > 0 {
		if len(items) < size {
			out = append(out, items)
			break
		}
		out = append(out, items[:size])
		items = items[size:]
	}
	return out
}

func (p *PushStrategy) postError(err error) {
	p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationErrored, StoreID: p.ReplicationID, New: err})
}
