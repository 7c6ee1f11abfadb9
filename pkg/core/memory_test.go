package core_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	powermem "github.com/oceanbase/powermem-engine/pkg/core"
	"github.com/oceanbase/powermem-engine/pkg/history"
	"github.com/oceanbase/powermem-engine/pkg/intelligence"
	"github.com/oceanbase/powermem-engine/pkg/llm"
)

func TestNewClient_Validation(t *testing.T) {
	_, err := powermem.NewClient(nil)
	assert.ErrorIs(t, err, powermem.ErrInvalidConfig)

	cfg := memoryConfig()
	_, err = powermem.NewClient(cfg)
	assert.ErrorIs(t, err, powermem.ErrInvalidConfig, "no embedder configured or injected")

	cfg.VectorStore.Provider = "cassandra"
	_, err = powermem.NewClient(cfg, powermem.WithEmbedder(&wordEmbedder{}))
	assert.ErrorIs(t, err, powermem.ErrInvalidConfig)
}

func TestClient_AddSearchDelete(t *testing.T) {
	cfg := memoryConfig()
	cfg.History = &powermem.HistoryConfig{DBPath: filepath.Join(t.TempDir(), "history.db")}
	client := newTestClient(t, cfg)
	ctx := context.Background()

	added, err := client.Add(ctx, "User prefers concise English answers",
		powermem.WithUserID("u1"),
		powermem.WithMetadata(map[string]interface{}{"category": "preference"}),
	)
	require.NoError(t, err)
	require.Len(t, added.Results, 1)
	assert.Equal(t, powermem.EventAdd, added.Results[0].Event)
	id := added.Results[0].ID
	assert.NotZero(t, id)

	_, err = client.Add(ctx, "User owns a bicycle", powermem.WithUserID("u1"))
	require.NoError(t, err)

	found, err := client.Search(ctx, "concise English",
		powermem.WithUserIDForSearch("u1"),
		powermem.WithFilters(map[string]interface{}{"category": "preference"}),
	)
	require.NoError(t, err)
	require.NotEmpty(t, found.Memories)
	assert.Equal(t, id, found.Memories[0].ID)
	assert.Equal(t, "User prefers concise English answers", found.Memories[0].Content)
	assert.Equal(t, "preference", found.Memories[0].Category)
	assert.Equal(t, 1, found.TotalCount)

	require.NoError(t, client.Delete(ctx, id, powermem.WithUserIDForDelete("u1")))

	_, err = client.Get(ctx, id)
	assert.ErrorIs(t, err, powermem.ErrNotFound)

	err = client.Delete(ctx, id)
	assert.ErrorIs(t, err, powermem.ErrNotFound)

	entries, err := client.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, history.EventAdd, entries[0].Event)
	assert.Equal(t, history.EventDelete, entries[1].Event)
	require.NotNil(t, entries[1].OldMemory)
	assert.Equal(t, "User prefers concise English answers", *entries[1].OldMemory)
}

func TestClient_UpdateThenGet(t *testing.T) {
	clk := &clock{now: t0}
	client := newTestClient(t, nil, powermem.WithClock(clk.Now))
	ctx := context.Background()

	added, err := client.Add(ctx, "User lives in Paris", powermem.WithUserID("u1"))
	require.NoError(t, err)
	id := added.Results[0].ID

	clk.Advance(time.Hour)
	updated, err := client.Update(ctx, id, "User lives in Berlin",
		powermem.WithUserIDForUpdate("u1"),
		powermem.WithMetadataForUpdate(map[string]interface{}{"category": "location"}),
	)
	require.NoError(t, err)
	assert.Equal(t, id, updated.ID)

	got, err := client.Get(ctx, id, powermem.WithUserIDForGet("u1"))
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "User lives in Berlin", got.Content)
	assert.Equal(t, "location", got.Category)
	assert.Equal(t, t0, got.CreatedAt)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	assert.Equal(t, t0.Add(time.Hour), got.UpdatedAt)

	_, err = client.Update(ctx, id, "   ")
	assert.ErrorIs(t, err, powermem.ErrInvalidInput)

	_, err = client.Update(ctx, id, "elsewhere", powermem.WithUserIDForUpdate("u2"))
	assert.ErrorIs(t, err, powermem.ErrNotFound)
}

func TestClient_ScopeIsolation(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	a, err := client.Add(ctx, "Alice likes green tea", powermem.WithUserID("alice"), powermem.WithAgentID("agent-1"))
	require.NoError(t, err)
	_, err = client.Add(ctx, "Bob likes black tea", powermem.WithUserID("bob"))
	require.NoError(t, err)

	found, err := client.Search(ctx, "tea", powermem.WithUserIDForSearch("bob"))
	require.NoError(t, err)
	require.Len(t, found.Memories, 1)
	assert.Equal(t, "bob", found.Memories[0].UserID)

	found, err = client.Search(ctx, "tea", powermem.WithUserIDForSearch("alice"), powermem.WithAgentIDForSearch("agent-2"))
	require.NoError(t, err)
	assert.Empty(t, found.Memories)

	_, err = client.Get(ctx, a.Results[0].ID, powermem.WithUserIDForGet("bob"))
	assert.ErrorIs(t, err, powermem.ErrNotFound)

	err = client.Delete(ctx, a.Results[0].ID, powermem.WithUserIDForDelete("bob"))
	assert.ErrorIs(t, err, powermem.ErrNotFound)

	all, err := client.GetAll(ctx, powermem.WithUserIDForGetAll("alice"))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "agent-1", all[0].AgentID)
}

func TestClient_RunScopedByID(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	res, err := client.Add(ctx, "Draft plan for run one", powermem.WithUserID("u1"), powermem.WithRunID("run-1"))
	require.NoError(t, err)
	id := res.Results[0].ID

	_, err = client.Get(ctx, id, powermem.WithRunIDForGet("run-2"))
	assert.ErrorIs(t, err, powermem.ErrNotFound)
	_, err = client.Update(ctx, id, "Hijacked", powermem.WithRunIDForUpdate("run-2"))
	assert.ErrorIs(t, err, powermem.ErrNotFound)
	err = client.Delete(ctx, id, powermem.WithRunIDForDelete("run-2"))
	assert.ErrorIs(t, err, powermem.ErrNotFound)

	got, err := client.Get(ctx, id, powermem.WithRunIDForGet("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "Draft plan for run one", got.Content)

	_, err = client.Update(ctx, id, "Final plan for run one", powermem.WithRunIDForUpdate("run-1"))
	require.NoError(t, err)
	require.NoError(t, client.Delete(ctx, id, powermem.WithRunIDForDelete("run-1")))
}

func TestClient_InvalidInput(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty content", func() error {
			_, err := client.Add(ctx, "  ", powermem.WithUserID("u1"))
			return err
		}},
		{"missing user", func() error {
			_, err := client.Add(ctx, "hello")
			return err
		}},
		{"empty query", func() error {
			_, err := client.Search(ctx, "")
			return err
		}},
		{"no messages", func() error {
			_, err := client.AddMessages(ctx, []llm.Message{{Role: "system", Content: "be nice"}}, powermem.WithUserID("u1"))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.ErrorIs(t, err, powermem.ErrInvalidInput)
			var me *powermem.MemoryError
			assert.True(t, errors.As(err, &me))
		})
	}
}

func TestClient_AddMessages(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	res, err := client.AddMessages(ctx, []llm.Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "I like tea"},
		{Role: "assistant", Content: "Noted."},
	}, powermem.WithUserID("u1"))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "user: I like tea\nassistant: Noted.", res.Results[0].Memory)
}

func TestClient_SearchLimitAndMinScore(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	for _, s := range []string{"tea in the morning", "tea after lunch", "tea at night"} {
		_, err := client.Add(ctx, s, powermem.WithUserID("u1"))
		require.NoError(t, err)
	}

	found, err := client.Search(ctx, "tea", powermem.WithUserIDForSearch("u1"), powermem.WithLimit(2))
	require.NoError(t, err)
	assert.Len(t, found.Memories, 2)
	assert.Equal(t, 2, found.TotalCount)
	assert.GreaterOrEqual(t, found.Memories[0].Score, found.Memories[1].Score)

	found, err = client.Search(ctx, "tea", powermem.WithUserIDForSearch("u1"), powermem.WithMinScore(10))
	require.NoError(t, err)
	assert.Empty(t, found.Memories)
	assert.Zero(t, found.TotalCount)
}

func TestClient_Reranker(t *testing.T) {
	client := newTestClient(t, nil, powermem.WithReranker(&keywordReranker{keyword: "bicycle"}))
	ctx := context.Background()

	_, err := client.Add(ctx, "User rides to work", powermem.WithUserID("u1"))
	require.NoError(t, err)
	_, err = client.Add(ctx, "User rides a bicycle", powermem.WithUserID("u1"))
	require.NoError(t, err)

	found, err := client.Search(ctx, "rides", powermem.WithUserIDForSearch("u1"))
	require.NoError(t, err)
	require.Len(t, found.Memories, 2)
	assert.Equal(t, "User rides a bicycle", found.Memories[0].Content)
	assert.InDelta(t, 0.9, found.Memories[0].Score, 1e-9)
}

func TestClient_RerankerFailureKeepsStoreOrder(t *testing.T) {
	client := newTestClient(t, nil, powermem.WithReranker(&keywordReranker{err: errors.New("down")}))
	ctx := context.Background()

	_, err := client.Add(ctx, "User rides a bicycle", powermem.WithUserID("u1"))
	require.NoError(t, err)

	found, err := client.Search(ctx, "bicycle", powermem.WithUserIDForSearch("u1"))
	require.NoError(t, err)
	assert.Len(t, found.Memories, 1)
}

func TestClient_GraphStore(t *testing.T) {
	g := &recordingGraph{}
	client := newTestClient(t, nil, powermem.WithGraphStore(g))
	ctx := context.Background()

	res, err := client.Add(ctx, "Alice knows Bob", powermem.WithUserID("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice knows Bob"}, g.added)
	assert.Len(t, res.Relations, 1)

	found, err := client.Search(ctx, "Alice", powermem.WithUserIDForSearch("u1"))
	require.NoError(t, err)
	assert.Len(t, found.Relations, 1)

	// Graph failures never fail the search.
	g.searchErr = errors.New("graph down")
	found, err = client.Search(ctx, "Alice", powermem.WithUserIDForSearch("u1"))
	require.NoError(t, err)
	assert.Empty(t, found.Relations)
	assert.Len(t, found.Memories, 1)

	_, err = client.DeleteAll(ctx, powermem.WithUserIDForDeleteAll("u1"))
	require.NoError(t, err)
	assert.Equal(t, 1, g.deleted)
}

func TestClient_GetAllAndDeleteAll(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	for i, s := range []string{"one", "two", "three", "four"} {
		user := "u1"
		if i == 3 {
			user = "u2"
		}
		_, err := client.Add(ctx, s, powermem.WithUserID(user))
		require.NoError(t, err)
	}

	page, err := client.GetAll(ctx, powermem.WithUserIDForGetAll("u1"), powermem.WithLimitForGetAll(2), powermem.WithOffset(1))
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "two", page[0].Content)
	assert.Equal(t, "three", page[1].Content)

	n, err := client.DeleteAll(ctx, powermem.WithUserIDForDeleteAll("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rest, err := client.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "u2", rest[0].UserID)
}

func TestClient_HistoryNotConfigured(t *testing.T) {
	client := newTestClient(t, nil)
	_, err := client.History(context.Background(), 1)
	assert.ErrorIs(t, err, powermem.ErrInvalidConfig)
}

func TestClient_LifecycleOnAccess(t *testing.T) {
	cfg := memoryConfig()
	cfg.Intelligence = intelligence.DefaultConfig()
	clk := &clock{now: t0}
	client := newTestClient(t, cfg, powermem.WithClock(clk.Now))
	ctx := context.Background()

	kept, err := client.Add(ctx, "Remember: my passport number is important", powermem.WithUserID("u1"))
	require.NoError(t, err)
	stale, err := client.Add(ctx, "Had a sandwich", powermem.WithUserID("u1"))
	require.NoError(t, err)

	clk.Advance(time.Hour)
	got, err := client.Get(ctx, kept.Results[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastAccessedAt)
	assert.Equal(t, t0.Add(time.Hour), *got.LastAccessedAt)
	assert.Greater(t, got.RetentionStrength, 0.0)

	// A memory never read for more than a week is forgotten on next access.
	clk.Advance(8 * 24 * time.Hour)
	_, err = client.Get(ctx, stale.Results[0].ID)
	assert.ErrorIs(t, err, powermem.ErrNotFound)

	all, err := client.GetAll(ctx, powermem.WithUserIDForGetAll("u1"))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, kept.Results[0].ID, all[0].ID)
}

func TestClient_InferWithoutLLMStoresRawContent(t *testing.T) {
	client := newTestClient(t, nil)

	res, err := client.Add(context.Background(), "I moved to Berlin", powermem.WithUserID("u1"), powermem.WithInfer(true))
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "I moved to Berlin", res.Results[0].Memory)
}

func TestClient_SetSubStoreReadyUnknown(t *testing.T) {
	client := newTestClient(t, nil)
	assert.ErrorIs(t, client.SetSubStoreReady("nope", true), powermem.ErrInvalidInput)
}

func TestClient_Count(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	seed(t, client, "User likes tea")
	seed(t, client, "User likes coffee")
	_, err := client.Add(ctx, "Other user likes juice", powermem.WithUserID("u2"))
	require.NoError(t, err)

	n, err := client.Count(ctx, powermem.WithUserIDForGetAll("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = client.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
