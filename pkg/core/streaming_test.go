package core_test

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	powermem "github.com/oceanbase/powermem-engine/pkg/core"
)

func seedN(t *testing.T, client *powermem.Client, n int) []int64 {
	t.Helper()
	contents := make([]string, n)
	for i := range contents {
		contents[i] = fmt.Sprintf("note number %d about tea", i)
	}
	res := client.BatchAdd(context.Background(), contents, powermem.WithUserID("u1"))
	require.Empty(t, res.Failed)
	ids := make([]int64, n)
	for i, r := range res.Results {
		ids[i] = r.Results[0].ID
	}
	return ids
}

func TestGetAllStream(t *testing.T) {
	client := newTestClient(t, nil)
	seedN(t, client, 5)

	var batches []*powermem.StreamBatch
	total := 0
	for batch := range client.GetAllStream(context.Background(), 2, powermem.WithUserIDForGetAll("u1")) {
		require.NoError(t, batch.Error)
		batches = append(batches, batch)
		total += len(batch.Memories)
	}

	require.Len(t, batches, 3)
	assert.Equal(t, 5, total)
	for i, b := range batches {
		assert.Equal(t, i, b.BatchIndex)
		assert.Equal(t, i == 2, b.IsLastBatch)
	}
	assert.Len(t, batches[2].Memories, 1)
}

func TestGetAllStream_ExplicitLimit(t *testing.T) {
	client := newTestClient(t, nil)
	seedN(t, client, 5)

	total := 0
	for batch := range client.GetAllStream(context.Background(), 2, powermem.WithLimitForGetAll(3)) {
		require.NoError(t, batch.Error)
		total += len(batch.Memories)
	}
	assert.Equal(t, 3, total)
}

func TestSearchStream(t *testing.T) {
	client := newTestClient(t, nil)
	seedN(t, client, 15)

	total := 0
	batches := 0
	for batch := range client.SearchStream(context.Background(), "tea", 4, powermem.WithUserIDForSearch("u1")) {
		require.NoError(t, batch.Error)
		total += len(batch.Memories)
		batches++
	}
	// The stream is not capped by the default search limit of 10.
	assert.Equal(t, 15, total)
	assert.Equal(t, 4, batches)
}

func TestSearchStream_Error(t *testing.T) {
	client := newTestClient(t, nil)

	var last *powermem.StreamBatch
	for batch := range client.SearchStream(context.Background(), "", 4) {
		last = batch
	}
	require.NotNil(t, last)
	assert.ErrorIs(t, last.Error, powermem.ErrInvalidInput)
	assert.True(t, last.IsLastBatch)
}

// readTwoThenCancel starts a stream, reads two batches, cancels and walks
// away without draining.
func readTwoThenCancel(t *testing.T, start func(ctx context.Context) <-chan *powermem.StreamBatch) <-chan *powermem.StreamBatch {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := start(ctx)
	for i := 0; i < 2; i++ {
		b, ok := <-ch
		require.True(t, ok)
		require.NoError(t, b.Error)
	}
	cancel()
	return ch
}

func assertStreamStops(t *testing.T, start func(ctx context.Context) <-chan *powermem.StreamBatch) {
	t.Helper()
	baseline := runtime.NumGoroutine()

	var last <-chan *powermem.StreamBatch
	for i := 0; i < 50; i++ {
		last = readTwoThenCancel(t, start)
	}
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= baseline },
		2*time.Second, 10*time.Millisecond, "stream producers still running after cancel")

	closed := make(chan struct{})
	go func() {
		for range last {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel not closed after cancel")
	}
}

func TestGetAllStream_Cancel(t *testing.T) {
	client := newTestClient(t, nil)
	seedN(t, client, 20)

	assertStreamStops(t, func(ctx context.Context) <-chan *powermem.StreamBatch {
		return client.GetAllStream(ctx, 1, powermem.WithUserIDForGetAll("u1"))
	})
}

func TestSearchStream_Cancel(t *testing.T) {
	client := newTestClient(t, nil)
	seedN(t, client, 20)

	assertStreamStops(t, func(ctx context.Context) <-chan *powermem.StreamBatch {
		return client.SearchStream(ctx, "tea", 1, powermem.WithUserIDForSearch("u1"))
	})
}

func TestBatchOperations(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	added := client.BatchAdd(ctx, []string{"first", "", "third"}, powermem.WithUserID("u1"))
	require.Len(t, added.Failed, 1)
	assert.Equal(t, 1, added.Failed[0].Index)
	assert.ErrorIs(t, added.Failed[0].Error, powermem.ErrInvalidInput)
	first := added.Results[0].Results[0].ID
	third := added.Results[2].Results[0].ID

	updated := client.BatchUpdate(ctx, []powermem.BatchUpdateItem{
		{ID: first, Content: "first, revised"},
		{ID: 999, Content: "missing"},
	})
	require.Len(t, updated.Failed, 1)
	assert.Equal(t, 1, updated.Failed[0].Index)
	assert.Equal(t, "first, revised", updated.Updated[0].Content)

	deleted := client.BatchDelete(ctx, []int64{first, 999, third})
	assert.Equal(t, []int64{first, third}, deleted.Deleted)
	require.Len(t, deleted.Failed, 1)
	assert.ErrorIs(t, deleted.Failed[0].Error, powermem.ErrNotFound)

	all, err := client.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
