package core_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	powermem "github.com/oceanbase/powermem-engine/pkg/core"
)

func TestClient_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := memoryConfig()
	cfg.Registerer = reg
	client := newTestClient(t, cfg)
	ctx := context.Background()

	a, err := client.Add(ctx, "User likes tea", powermem.WithUserID("u1"))
	require.NoError(t, err)
	_, err = client.Add(ctx, "User likes coffee", powermem.WithUserID("u1"))
	require.NoError(t, err)
	require.NoError(t, client.Delete(ctx, a.Results[0].ID))
	_, err = client.Get(ctx, a.Results[0].ID)
	require.Error(t, err)

	expected := `
# HELP powermem_memory_events_total Memory events applied by add and infer.
# TYPE powermem_memory_events_total counter
powermem_memory_events_total{event="ADD"} 2
powermem_memory_events_total{event="DELETE"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "powermem_memory_events_total"))

	// Add ok, Delete ok, Get error.
	n, err := testutil.GatherAndCount(reg, "powermem_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestClient_MetricsSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	for i := 0; i < 2; i++ {
		cfg := memoryConfig()
		cfg.Registerer = reg
		client := newTestClient(t, cfg)
		_, err := client.Add(context.Background(), "shared", powermem.WithUserID("u1"))
		require.NoError(t, err)
	}

	expected := `
# HELP powermem_memory_events_total Memory events applied by add and infer.
# TYPE powermem_memory_events_total counter
powermem_memory_events_total{event="ADD"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "powermem_memory_events_total"))
}
