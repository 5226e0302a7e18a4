package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncstore/syncstore/internal/revtree"
)

func newTestFixture(t *testing.T) (*revtree.Store, *Store) {
	t.Helper()
	dir := t.TempDir()
	rt, err := revtree.Open(filepath.Join(dir, "main.sqlite"), revtree.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	qs, err := Open(filepath.Join(dir, "extensions"), rt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = qs.Close() })

	return rt, qs
}

func TestCreateIndexValidation(t *testing.T) {
	_, qs := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, qs.CreateIndex(ctx, "name_age", []string{"name", "age"}, "json"))

	err := qs.CreateIndex(ctx, "bad", []string{"$name"}, "json")
	require.ErrorIs(t, err, ErrInvalidField)

	err = qs.CreateIndex(ctx, "bad2", []string{"name ASC"}, "json")
	require.ErrorIs(t, err, ErrDescendingIndex)

	// Re-creating the same definition is a no-op, not a conflict.
	require.NoError(t, qs.CreateIndex(ctx, "name_age", []string{"name", "age"}, "json"))

	err = qs.CreateIndex(ctx, "name_age", []string{"name"}, "json")
	require.ErrorIs(t, err, ErrIndexConflict)
}

func TestTextIndexCappedAtOne(t *testing.T) {
	_, qs := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, qs.CreateIndex(ctx, "body_text", []string{"body"}, "text"))
	err := qs.CreateIndex(ctx, "other_text", []string{"summary"}, "text")
	require.ErrorIs(t, err, ErrTextIndexLimit)
}

func TestFindWithCompoundIndex(t *testing.T) {
	rt, qs := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, qs.CreateIndex(ctx, "name_age", []string{"name", "age"}, "json"))

	_, err := rt.Create(ctx, "doc1", []byte(`{"name":"Mike","age":25}`), nil)
	require.NoError(t, err)
	_, err = rt.Create(ctx, "doc2", []byte(`{"name":"Mike","age":35}`), nil)
	require.NoError(t, err)
	_, err = rt.Create(ctx, "doc3", []byte(`{"name":"Anna","age":40}`), nil)
	require.NoError(t, err)

	sel := Selector{
		"$and": []interface{}{
			map[string]interface{}{"name": map[string]interface{}{"$eq": "Mike"}},
			map[string]interface{}{"age": map[string]interface{}{"$gt": float64(30)}},
		},
	}
	results, err := qs.Find(ctx, sel, FindOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "doc2", results[0].DocID)
}

func TestFindFallsBackToPostHocWithoutIndex(t *testing.T) {
	rt, qs := newTestFixture(t)
	ctx := context.Background()

	_, err := rt.Create(ctx, "doc1", []byte(`{"tags":["a","b"]}`), nil)
	require.NoError(t, err)
	_, err = rt.Create(ctx, "doc2", []byte(`{"tags":["c"]}`), nil)
	require.NoError(t, err)

	sel := Selector{"tags": map[string]interface{}{"$size": float64(2)}}
	results, err := qs.Find(ctx, sel, FindOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "doc1", results[0].DocID)
}

func TestFindArrayFieldEqMatchesMember(t *testing.T) {
	rt, qs := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, qs.CreateIndex(ctx, "by_tag", []string{"tags"}, "json"))
	_, err := rt.Create(ctx, "doc1", []byte(`{"tags":["red","blue"]}`), nil)
	require.NoError(t, err)
	_, err = rt.Create(ctx, "doc2", []byte(`{"tags":["green"]}`), nil)
	require.NoError(t, err)

	sel := Selector{"tags": "blue"}
	results, err := qs.Find(ctx, sel, FindOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "doc1", results[0].DocID)
}
