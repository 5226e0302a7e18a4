package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client speaks the subset of the CouchDB-compatible HTTP replication
// protocol this package drives: _changes, _revs_diff, _bulk_get (with
// open_revs fallback), _bulk_docs, and _local checkpoint documents.
// Grounded on the request/response shapes surveyed across the pack's
// CouchDB-protocol reference clients (goydb-replicator, kivik, cozy-stack,
// go-couchdb).
type Client struct {
	baseURL *url.URL
	http    *http.Client
	retry   RetryPolicy

	bulkGetOnce    sync.Once
	bulkGetOK      bool
	bulkGetChecked bool
}

// NewClient builds a Client against dbURL (e.g. "https://host/dbname"),
// using httpClient if non-nil or http.DefaultClient otherwise.
func NewClient(dbURL string, httpClient *http.Client, retry RetryPolicy) (*Client, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("replication: parse db url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: u, http: httpClient, retry: retry}, nil
}

func (c *Client) url(pathAndQuery string) string {
	return strings.TrimRight(c.baseURL.String(), "/") + pathAndQuery
}

// Changes fetches one page of the _changes feed. filterOrSelectorOrDocIDs
// is applied as "filter=", "selector=" (POST body), or "doc_ids=" depending
// on its concrete type; nil means unfiltered.
func (c *Client) Changes(ctx context.Context, since string, limit int, filterOrSelectorOrDocIDs interface{}) (*ChangesResponse, error) {
	switch v := filterOrSelectorOrDocIDs.(type) {
	case nil:
		q := fmt.Sprintf("/_changes?since=%s&limit=%d", url.QueryEscape(since), limit)
		var out ChangesResponse
		if err := c.doJSON(ctx, http.MethodGet, q, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case string:
		q := fmt.Sprintf("/_changes?since=%s&limit=%d&filter=%s", url.QueryEscape(since), limit, url.QueryEscape(v))
		var out ChangesResponse
		if err := c.doJSON(ctx, http.MethodGet, q, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case []string:
		ids, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		q := fmt.Sprintf("/_changes?since=%s&limit=%d&filter=_doc_ids&doc_ids=%s", url.QueryEscape(since), limit, url.QueryEscape(string(ids)))
		var out ChangesResponse
		if err := c.doJSON(ctx, http.MethodGet, q, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	default:
		q := fmt.Sprintf("/_changes?since=%s&limit=%d", url.QueryEscape(since), limit)
		body := map[string]interface{}{"selector": v}
		var out ChangesResponse
		if err := c.doJSON(ctx, http.MethodPost, q, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}
}

// RevsDiff posts /db/_revs_diff.
func (c *Client) RevsDiff(ctx context.Context, req RevsDiffRequest) (RevsDiffResponse, error) {
	var out RevsDiffResponse
	if err := c.doJSON(ctx, http.MethodPost, "/_revs_diff", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SupportsBulkGet probes /db/_bulk_get once per client lifetime and caches
// the result, per the "detected once per run" rule in §4.2.
func (c *Client) SupportsBulkGet(ctx context.Context) bool {
	c.bulkGetOnce.Do(func() {
		req := BulkGetRequest{Docs: []BulkGetRequestDoc{}}
		var out BulkGetResponse
		err := c.doJSON(ctx, http.MethodPost, "/_bulk_get", req, &out)
		c.bulkGetOK = err == nil
		c.bulkGetChecked = true
	})
	return c.bulkGetOK
}

// BulkGet posts /db/_bulk_get for a batch of (docid, open_revs) requests.
func (c *Client) BulkGet(ctx context.Context, req BulkGetRequest) (*BulkGetResponse, error) {
	var out BulkGetResponse
	if err := c.doJSON(ctx, http.MethodPost, "/_bulk_get", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenRevs fetches one document's requested revisions via
// GET /db/{id}?open_revs=[...]&latest=true, the fallback path when the
// remote does not support _bulk_get.
func (c *Client) OpenRevs(ctx context.Context, docID string, revs []string) ([]BulkGetResultItem, error) {
	revsJSON, err := json.Marshal(revs)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("/%s?open_revs=%s&latest=true&attachments=%t", url.PathEscape(docID), url.QueryEscape(string(revsJSON)), true)
	var out []BulkGetResultItem
	if err := c.doJSON(ctx, http.MethodGet, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BulkDocs posts /db/_bulk_docs?new_edits=false, the push-side write path.
func (c *Client) BulkDocs(ctx context.Context, req BulkDocsRequest) error {
	req.NewEdits = false
	return c.doJSON(ctx, http.MethodPost, "/_bulk_docs?new_edits=false", req, nil)
}

// GetLocalDoc fetches a checkpoint document from GET /db/_local/{id}. A
// 404 is reported as (nil, nil): no checkpoint exists yet.
func (c *Client) GetLocalDoc(ctx context.Context, id string) (*ReplicationLog, error) {
	var out ReplicationLog
	err := c.doJSON(ctx, http.MethodGet, "/_local/"+url.PathEscape(id), nil, &out)
	if err != nil {
		if herr, ok := err.(*httpStatusError); ok && herr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// PutLocalDoc writes a checkpoint document via PUT /db/_local/{id}.
func (c *Client) PutLocalDoc(ctx context.Context, id string, log ReplicationLog) error {
	log.ID = "_local/" + id
	return c.doJSON(ctx, http.MethodPut, "/_local/"+url.PathEscape(id), log, nil)
}

// httpStatusError carries the status code of a non-2xx response so callers
// can distinguish "not found" from other failures.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("replication: remote returned %d: %s", e.StatusCode, e.Body)
}

// doJSON issues one HTTP request with JSON request/response bodies,
// retrying transient failures (5xx, 429, network errors) per c.retry. out
// may be nil when the response body is not needed.
func (c *Client) doJSON(ctx context.Context, method, pathAndQuery string, body interface{}, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("replication: encode request: %w", err)
		}
		bodyBytes = b
	}

	return c.retry.Do(ctx, func(attempt int) (retryAfter time.Duration, err error) {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url(pathAndQuery), reqBody)
		if err != nil {
			return 0, err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, transientError{err}
		}
		defer resp.Body.Close()

		respBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, transientError{err}
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return parseRetryAfter(resp.Header.Get("Retry-After")), transientError{&httpStatusError{StatusCode: resp.StatusCode, Body: string(respBytes)}}
		}
		if resp.StatusCode >= 400 {
			return 0, &httpStatusError{StatusCode: resp.StatusCode, Body: string(respBytes)}
		}

		if out != nil && len(respBytes) > 0 {
			if err := json.Unmarshal(respBytes, out); err != nil {
				return 0, fmt.Errorf("replication: decode response: %w", err)
			}
		}
		return 0, nil
	})
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}
