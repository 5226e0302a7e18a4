package replication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syncstore/syncstore/internal/blobstore"
	"github.com/syncstore/syncstore/internal/eventbus"
	"github.com/syncstore/syncstore/internal/revtree"
)

// openRevsPoolSize bounds the number of concurrent single-document fetches
// used when the remote has no _bulk_get support, per §4.2 "bounded by a
// fixed pool and by the sub-batch".
const openRevsPoolSize = 8

// PullStrategy drives changes from a remote source into a local Revision
// Tree Engine store. Run loads the checkpoint and then loops over _changes
// batches until the feed is drained, the run is cancelled, or an error
// occurs; it does not probe the source database before the first batch.
type PullStrategy struct {
	counters

	Client        *Client
	Target        *revtree.Store
	Blobs         *blobstore.Store
	Config        Config
	ReplicationID string
	Filter        interface{} // filter name, selector map, or []string of doc ids; nil for unfiltered
}

// NewPullStrategy wires a PullStrategy against bus, defaulting to the
// process-wide singleton when bus is nil.
func NewPullStrategy(client *Client, target *revtree.Store, blobs *blobstore.Store, cfg Config, replicationID string, filter interface{}, bus *eventbus.Bus) *PullStrategy {
	if bus == nil {
		bus = eventbus.Default()
	}
	return &PullStrategy{counters: newCounters(bus), Client: client, Target: target, Blobs: blobs, Config: cfg, ReplicationID: replicationID, Filter: filter}
}

// Run executes the batch loop to completion, cancellation, or a fatal
// error. It always terminates (no continuous/long-poll mode).
func (p *PullStrategy) Run(ctx context.Context) error {
	defer p.markTerminated()

	start := time.Now()
	p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationStarted, StoreID: p.ReplicationID})

	log, err := loadCheckpoint(ctx, p.Target, p.ReplicationID)
	if err != nil {
		p.postError(err)
		return err
	}

	since := log.SourceLastSeq
	sessionID := log.SessionID
	var docsRead, docsWritten, writeFailures int

	for {
		if p.isCancelled() {
			p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationTerminated, StoreID: p.ReplicationID})
			return nil
		}

		resp, err := p.Client.Changes(ctx, since, p.Config.ChangeLimitPerBatch, p.Filter)
		if err != nil {
			p.postError(err)
			return fmt.Errorf("replication: pull %s: fetch changes: %w", p.ReplicationID, err)
		}
		if len(resp.Results) == 0 {
			break
		}

		diff := RevsDiffResponse{}
		for _, row := range resp.Results {
			for _, c := range row.Changes {
				if _, rerr := p.Target.Read(ctx, row.ID, c.Rev); errors.Is(rerr, revtree.ErrNotFound) {
					entry := diff[row.ID]
					entry.Missing = append(entry.Missing, c.Rev)
					diff[row.ID] = entry
				} else if rerr != nil {
					p.postError(rerr)
					return fmt.Errorf("replication: pull %s: revs_diff: %w", p.ReplicationID, rerr)
				}
			}
		}

		var missingDocIDs []string
		for _, row := range resp.Results {
			if entry, ok := diff[row.ID]; ok && len(entry.Missing) > 0 {
				missingDocIDs = append(missingDocIDs, row.ID)
			}
		}

		for _, sub := range chunkStrings(missingDocIDs, p.Config.InsertBatchSize) {
			if p.isCancelled() {
				p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationTerminated, StoreID: p.ReplicationID})
				return nil
			}
			req := BulkGetRequest{}
			for _, docID := range sub {
				req.Docs = append(req.Docs, BulkGetRequestDoc{ID: docID, OpenRevs: diff[docID].Missing})
			}

			results, err := p.fetchBatch(ctx, req)
			if err != nil {
				writeFailures += len(sub)
				p.postError(err)
				return fmt.Errorf("replication: pull %s: fetch batch: %w", p.ReplicationID, err)
			}

			for _, result := range results {
				docsRead += len(result.Docs)
				n, failed := p.applyDocument(ctx, result)
				docsWritten += n
				writeFailures += failed
			}
		}

		p.batchCount.Add(1)
		lastSeq := seqString(resp.LastSeq)
		since = lastSeq

		entry := History{
			SessionID: sessionID, StartTime: start.Format(time.RFC3339), EndTime: time.Now().Format(time.RFC3339),
			StartLastSeq: log.SourceLastSeq, RecordedSeq: lastSeq,
			DocsRead: docsRead, DocsWritten: docsWritten, DocWriteErrors: writeFailures,
		}
		log.SessionID = sessionID
		if err := saveCheckpoint(ctx, p.Target, p.ReplicationID, log, lastSeq, entry); err != nil {
			p.postError(err)
			return err
		}
		log.SourceLastSeq = lastSeq

		if len(resp.Results) < p.Config.ChangeLimitPerBatch {
			break
		}
	}

	p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationTerminated, StoreID: p.ReplicationID})
	return nil
}

// fetchBatch retrieves every requested (docid, open_revs) pair, preferring
// _bulk_get and falling back to threaded open_revs fetches per §4.2.
func (p *PullStrategy) fetchBatch(ctx context.Context, req BulkGetRequest) ([]BulkGetResult, error) {
	if p.Client.SupportsBulkGet(ctx) {
		resp, err := p.Client.BulkGet(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp.Results, nil
	}

	results := make([]BulkGetResult, len(req.Docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(openRevsPoolSize)
	for i, doc := range req.Docs {
		i, doc := i, doc
		g.Go(func() error {
			items, err := p.Client.OpenRevs(gctx, doc.ID, doc.OpenRevs)
			if err != nil {
				return err
			}
			results[i] = BulkGetResult{ID: doc.ID, Docs: items}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// applyDocument calls forceInsert for every successfully fetched revision
// of one document, in the server's history order, and resolves attachments
// through the blob store. Returns the number of revisions written and the
// number that failed.
func (p *PullStrategy) applyDocument(ctx context.Context, result BulkGetResult) (written, failed int) {
	for _, item := range result.Docs {
		if item.Error != nil || item.OK == nil {
			failed++
			continue
		}
		doc := item.OK
		history := revisionHistory(*doc)
		if len(history) == 0 {
			failed++
			continue
		}
		leaf := history[len(history)-1]

		atts := make(map[string][]revtree.Attachment)
		if len(doc.Attachments) > 0 {
			var leafAtts []revtree.Attachment
			attFailed := false
			for filename, remote := range doc.Attachments {
				att, err := resolvePullAttachment(ctx, p.Client, p.Blobs, doc.ID, doc.Rev, filename, remote, p.Config.PullAttachmentsInline)
				if err != nil {
					attFailed = true
					break
				}
				leafAtts = append(leafAtts, att)
			}
			if attFailed {
				failed++
				continue
			}
			atts[leaf] = leafAtts
		}

		bodies := map[string][]byte{leaf: doc.Body}
		if err := p.Target.ForceInsert(ctx, doc.ID, history, bodies, atts, doc.Deleted); err != nil {
			failed++
			continue
		}
		p.docCount.Add(1)
		written++
	}
	return written, failed
}

func (p *PullStrategy) postError(err error) {
	p.bus.Post(eventbus.Event{Kind: eventbus.ReplicationErrored, StoreID: p.ReplicationID, New: err})
}

// revisionHistory expands a RemoteDocument's _revisions (or its bare _rev
// when _revisions is absent) into an oldest-first list of "N-hex" ids, the
// shape forceInsert expects.
func revisionHistory(doc RemoteDocument) []string {
	if doc.Revisions == nil || len(doc.Revisions.IDs) == 0 {
		if doc.Rev == "" {
			return nil
		}
		return []string{doc.Rev}
	}
	n := len(doc.Revisions.IDs)
	out := make([]string, n)
	for i, id := range doc.Revisions.IDs {
		gen := doc.Revisions.Start - i
		out[n-1-i] = strconv.Itoa(gen) + "-" + id
	}
	return out
}

func seqString(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	return strings.Trim(s, `"`)
}

func chunkStrings(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var out [][]string
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
