package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-engine/pkg/storage"
	"github.com/oceanbase/powermem-engine/pkg/storage/memory"
)

func rec(id int64, user, content string, emb ...float64) *storage.Memory {
	now := time.Now().UTC()
	return &storage.Memory{ID: id, UserID: user, Content: content, Embedding: emb, CreatedAt: now, UpdatedAt: now}
}

func newStore(t *testing.T) *memory.Store {
	s, err := memory.New(&memory.Config{Dimensions: 3})
	require.NoError(t, err)
	return s
}

func TestStore_CRUD(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec(1, "u", "hello", 1, 0, 0)))

	got, err := s.Get(ctx, 1, storage.Scope{UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	// Returned records are copies.
	got.Content = "mutated"
	again, err := s.Get(ctx, 1, storage.Scope{})
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Content)

	_, err = s.Get(ctx, 1, storage.Scope{UserID: "other"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err := s.Delete(ctx, 1, storage.Scope{UserID: "other"})
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.Delete(ctx, 1, storage.Scope{})
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.Get(ctx, 1, storage.Scope{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_DimensionMismatch(t *testing.T) {
	s := newStore(t)
	err := s.Upsert(context.Background(), rec(1, "u", "x", 1, 2))
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)

	_, err = s.Search(context.Background(), []float64{1}, nil)
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestStore_SearchGraphAndFiltered(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec(1, "a", "north", 1, 0, 0)))
	require.NoError(t, s.Upsert(ctx, rec(2, "a", "east", 0, 1, 0)))
	require.NoError(t, s.Upsert(ctx, rec(3, "b", "north east", 0.7, 0.7, 0)))

	results, err := s.Search(ctx, []float64{1, 0, 0}, &storage.SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.Equal(t, int64(3), results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)

	results, err = s.Search(ctx, []float64{1, 0, 0}, &storage.SearchOptions{
		Scope: storage.Scope{UserID: "a"}, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []int64{1, 2}, []int64{results[0].ID, results[1].ID})
}

func TestStore_ReindexesAfterVectorChangeAndDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec(1, "u", "a", 1, 0, 0)))
	require.NoError(t, s.Upsert(ctx, rec(2, "u", "b", 0, 1, 0)))

	// Move record 2 on top of the query direction.
	require.NoError(t, s.Upsert(ctx, rec(2, "u", "b", 1, 0, 0.01)))
	_, err := s.Delete(ctx, 1, storage.Scope{})
	require.NoError(t, err)

	results, err := s.Search(ctx, []float64{1, 0, 0}, &storage.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-3)
}

func TestStore_HybridSearch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec(1, "u", "owns a bicycle", 1, 0, 0)))
	require.NoError(t, s.Upsert(ctx, rec(2, "u", "prefers concise English answers", 0.6, 0.4, 0)))
	require.NoError(t, s.Upsert(ctx, rec(3, "u", "likes tea", 0, 1, 0)))

	results, err := s.HybridSearch(ctx, []float64{1, 0, 0}, &storage.SearchOptions{
		Scope: storage.Scope{UserID: "u"}, Limit: 2, Query: "concise English",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].ID)
	require.NotNil(t, results[0].Fusion)
	assert.Equal(t, storage.FusionRRF, results[0].Fusion.Method)
}

func TestStore_ListCountDeleteAll(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		m := rec(i, "u", "m", 1, 1, 1)
		m.Metadata = map[string]interface{}{"even": i%2 == 0}
		require.NoError(t, s.Upsert(ctx, m))
	}

	page, err := s.List(ctx, &storage.ListOptions{Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].ID)
	assert.Equal(t, int64(5), page[1].ID)

	n, err := s.DeleteAll(ctx, &storage.DeleteAllOptions{Filters: map[string]interface{}{"even": true}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := s.Count(ctx, storage.Scope{UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
