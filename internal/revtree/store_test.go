package revtree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	s, err := Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rev, err := s.Create(ctx, "doc1", []byte(`{"a":1}`), nil)
	require.NoError(t, err)
	require.Equal(t, 1, rev.Generation)

	gen, _, err := ParseRevID(rev.RevID)
	require.NoError(t, err)
	require.Equal(t, 1, gen)

	got, err := s.Read(ctx, "doc1", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(got.Body))
	require.Equal(t, rev.RevID, got.RevID)

	updated, err := s.Update(ctx, got, []byte(`{"a":2}`), nil)
	require.NoError(t, err)
	require.Equal(t, 2, updated.Generation)
	require.NotNil(t, updated.ParentSeq)
	require.Equal(t, got.Sequence, *updated.ParentSeq)

	got2, err := s.Read(ctx, "doc1", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":2}`, string(got2.Body))
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "doc1", []byte(`{}`), nil)
	require.NoError(t, err)

	_, err = s.Create(ctx, "doc1", []byte(`{}`), nil)
	require.ErrorIs(t, err, ErrConflict)
}

func TestUpdateStaleRevIsConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rev, err := s.Create(ctx, "doc1", []byte(`{"v":1}`), nil)
	require.NoError(t, err)

	_, err = s.Update(ctx, rev, []byte(`{"v":2}`), nil)
	require.NoError(t, err)

	_, err = s.Update(ctx, rev, []byte(`{"v":3}`), nil)
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateUpdateDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	revA, err := s.Create(ctx, "doc1", []byte(`{"a":1}`), nil)
	require.NoError(t, err)
	revB, err := s.Update(ctx, revA, []byte(`{"a":2}`), nil)
	require.NoError(t, err)
	tomb, err := s.Delete(ctx, revB)
	require.NoError(t, err)
	require.True(t, tomb.Deleted)

	got, err := s.Read(ctx, "doc1", "")
	require.NoError(t, err)
	require.True(t, got.Deleted)

	ids, err := s.GetConflictedIds(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestForceInsertConflictAndResolve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	revA, err := s.Create(ctx, "doc1", []byte(`{"x":1}`), nil)
	require.NoError(t, err)

	siblingRevID := newRevID(1, "", false, []byte(`{"x":2}`), nil)
	err = s.ForceInsert(ctx, "doc1",
		[]string{siblingRevID},
		map[string][]byte{siblingRevID: []byte(`{"x":2}`)},
		nil, false,
	)
	require.NoError(t, err)

	ids, err := s.GetConflictedIds(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, "doc1")

	winner, err := s.Read(ctx, "doc1", "")
	require.NoError(t, err)
	expectedWinner := revA.RevID
	if compareRevIDs(siblingRevID, revA.RevID) > 0 {
		expectedWinner = siblingRevID
	}
	require.Equal(t, expectedWinner, winner.RevID)

	require.NoError(t, s.ResolveConflicts(ctx, "doc1", revA.RevID))
	ids, err = s.GetConflictedIds(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	winner, err = s.Read(ctx, "doc1", "")
	require.NoError(t, err)
	require.Equal(t, revA.RevID, winner.RevID)
}

func TestForceInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	revID := newRevID(1, "", false, []byte(`{"a":1}`), nil)
	history := []string{revID}
	bodies := map[string][]byte{revID: []byte(`{"a":1}`)}

	require.NoError(t, s.ForceInsert(ctx, "doc1", history, bodies, nil, false))
	require.NoError(t, s.ForceInsert(ctx, "doc1", history, bodies, nil, false))

	count, err := s.GetDocumentCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestLocalDocOverwriteSemantics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutLocalDoc(ctx, "_local/checkpoint", []byte(`{"seq":1}`)))
	got, err := s.GetLocalDoc(ctx, "_local/checkpoint")
	require.NoError(t, err)
	require.JSONEq(t, `{"seq":1}`, string(got.Body))

	require.NoError(t, s.PutLocalDoc(ctx, "_local/checkpoint", []byte(`{"seq":2}`)))
	got, err = s.GetLocalDoc(ctx, "_local/checkpoint")
	require.NoError(t, err)
	require.JSONEq(t, `{"seq":2}`, string(got.Body))

	require.NoError(t, s.DeleteLocalDoc(ctx, "_local/checkpoint"))
	_, err = s.GetLocalDoc(ctx, "_local/checkpoint")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChangesFeedOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "doc1", []byte(`{}`), nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "doc2", []byte(`{}`), nil)
	require.NoError(t, err)

	results, lastSeq, err := s.Changes(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "doc1", results[0].DocID)
	require.Equal(t, "doc2", results[1].DocID)
	require.Equal(t, results[1].Sequence, lastSeq)

	more, lastSeq2, err := s.Changes(ctx, lastSeq, 10)
	require.NoError(t, err)
	require.Empty(t, more)
	require.Equal(t, lastSeq, lastSeq2)
}

func TestCompactBlanksNonLeafRevisions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	revA, err := s.Create(ctx, "doc1", []byte(`{"a":1}`), nil)
	require.NoError(t, err)
	_, err = s.Update(ctx, revA, []byte(`{"a":2}`), nil)
	require.NoError(t, err)

	result, err := s.Compact(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.RevisionsBlanked)

	old, err := s.Read(ctx, "doc1", revA.RevID)
	require.NoError(t, err)
	require.Empty(t, old.Body)

	current, err := s.Read(ctx, "doc1", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":2}`, string(current.Body))
}
