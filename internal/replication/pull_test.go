package replication

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncstore/syncstore/internal/blobstore"
	"github.com/syncstore/syncstore/internal/revtree"
)

// newFakeRemote serves just enough of the CouchDB-compatible protocol for
// one pull batch: a single document "doc1" at "1-abc" with no history, no
// attachments, discovered via _changes/_revs_diff/_bulk_get.
func newFakeRemote(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/_changes", func(w http.ResponseWriter, r *http.Request) {
		since := r.URL.Query().Get("since")
		if since != "" && since != "0" {
			json.NewEncoder(w).Encode(ChangesResponse{Results: nil, LastSeq: json.RawMessage(`"1"`)})
			return
		}
		resp := ChangesResponse{
			Results: []ChangeRow{{Seq: json.RawMessage(`"1"`), ID: "doc1", Changes: []ChangeLeaf{{Rev: "1-abc"}}}},
			LastSeq: json.RawMessage(`"1"`),
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/_revs_diff", func(w http.ResponseWriter, r *http.Request) {
		var req RevsDiffRequest
		json.NewDecoder(r.Body).Decode(&req)
		out := RevsDiffResponse{}
		for docID, revs := range req {
			out[docID] = RevsDiffEntry{Missing: revs}
		}
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/_bulk_get", func(w http.ResponseWriter, r *http.Request) {
		var req BulkGetRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Docs) == 0 {
			json.NewEncoder(w).Encode(BulkGetResponse{Results: []BulkGetResult{}})
			return
		}
		var results []BulkGetResult
		for _, d := range req.Docs {
			if d.ID != "doc1" {
				continue
			}
			doc := RemoteDocument{ID: "doc1", Rev: "1-abc", Body: json.RawMessage(`{"field":"value"}`)}
			results = append(results, BulkGetResult{ID: "doc1", Docs: []BulkGetResultItem{{OK: &doc}}})
		}
		json.NewEncoder(w).Encode(BulkGetResponse{Results: results})
	})

	mux.HandleFunc("/_local/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			json.NewEncoder(w).Encode(map[string]string{"ok": "true"})
		}
	})

	return httptest.NewServer(mux)
}

func TestPullStrategyInsertsRemoteDocument(t *testing.T) {
	srv := newFakeRemote(t)
	defer srv.Close()

	dir := t.TempDir()
	target, err := revtree.Open(filepath.Join(dir, "main.sqlite"), revtree.Options{})
	require.NoError(t, err)
	defer target.Close()

	blobs, err := blobstore.Open(filepath.Join(dir, "extensions"))
	require.NoError(t, err)

	client, err := NewClient(srv.URL, srv.Client(), DefaultRetryPolicy())
	require.NoError(t, err)

	strategy := NewPullStrategy(client, target, blobs, DefaultConfig(), "test-replication", nil, nil)
	require.NoError(t, strategy.Run(t.Context()))

	require.EqualValues(t, 1, strategy.DocumentCounter())

	rev, err := target.Read(t.Context(), "doc1", "")
	require.NoError(t, err)
	require.Equal(t, "1-abc", rev.RevID)
	require.JSONEq(t, `{"field":"value"}`, string(rev.Body))

	select {
	case <-strategy.Terminated():
	default:
		t.Fatal("expected Terminated channel to be closed")
	}
}

func TestPullStrategyIsCooperativelyCancellable(t *testing.T) {
	srv := newFakeRemote(t)
	defer srv.Close()

	dir := t.TempDir()
	target, err := revtree.Open(filepath.Join(dir, "main.sqlite"), revtree.Options{})
	require.NoError(t, err)
	defer target.Close()
	blobs, err := blobstore.Open(filepath.Join(dir, "extensions"))
	require.NoError(t, err)

	client, err := NewClient(srv.URL, srv.Client(), DefaultRetryPolicy())
	require.NoError(t, err)

	strategy := NewPullStrategy(client, target, blobs, DefaultConfig(), "test-replication-2", nil, nil)
	strategy.Cancel()
	require.NoError(t, strategy.Run(t.Context()))
	require.EqualValues(t, 0, strategy.DocumentCounter())
}
