package core_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	powermem "github.com/oceanbase/powermem-engine/pkg/core"
	"github.com/oceanbase/powermem-engine/pkg/storage"
)

func TestLoadConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name: "valid config with SQLite",
			envVars: map[string]string{
				"DATABASE_PROVIDER":  "sqlite",
				"SQLITE_PATH":        "./test.db",
				"LLM_PROVIDER":       "openai",
				"LLM_API_KEY":        "test-key",
				"LLM_MODEL":          "gpt-4",
				"EMBEDDING_PROVIDER": "openai",
				"EMBEDDING_API_KEY":  "test-key",
				"EMBEDDING_MODEL":    "text-embedding-3-small",
			},
		},
		{
			name: "valid config with Qwen and reranker",
			envVars: map[string]string{
				"DATABASE_PROVIDER":  "sqlite",
				"SQLITE_PATH":        "./test.db",
				"LLM_PROVIDER":       "qwen",
				"LLM_API_KEY":        "test-key",
				"EMBEDDING_PROVIDER": "qwen",
				"EMBEDDING_API_KEY":  "test-key",
				"RERANK_PROVIDER":    "qwen",
			},
		},
		{
			name: "bad timeout",
			envVars: map[string]string{
				"DATABASE_PROVIDER":  "sqlite",
				"EMBEDDING_PROVIDER": "qwen",
				"POWERMEM_TIMEOUT":   "soon",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			config, err := powermem.LoadConfigFromEnv()
			if tt.wantErr {
				assert.ErrorIs(t, err, powermem.ErrInvalidConfig)
				assert.Nil(t, config)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.envVars["DATABASE_PROVIDER"], config.VectorStore.Provider)
			assert.Equal(t, tt.envVars["LLM_PROVIDER"], config.LLM.Provider)
			assert.Equal(t, tt.envVars["EMBEDDING_PROVIDER"], config.Embedder.Provider)
			assert.Equal(t, tt.envVars["SQLITE_PATH"], config.VectorStore.Config["db_path"])
		})
	}
}

func TestLoadConfigFromEnv_Extras(t *testing.T) {
	t.Setenv("DATABASE_PROVIDER", "sqlite")
	t.Setenv("EMBEDDING_PROVIDER", "qwen")
	t.Setenv("EMBEDDING_DIMS", "1024")
	t.Setenv("EMBEDDING_CACHE_SIZE", "500")
	t.Setenv("RERANK_PROVIDER", "qwen")
	t.Setenv("RERANK_MODEL", "gte-rerank")
	t.Setenv("HISTORY_DB_PATH", "./history.db")
	t.Setenv("POWERMEM_TIMEOUT", "45s")
	t.Setenv("HYBRID_FUSION_METHOD", "Weighted")
	t.Setenv("INTELLIGENCE_ENABLED", "true")
	t.Setenv("INTELLIGENCE_FALLBACK_TO_SIMPLE_ADD", "true")

	config, err := powermem.LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 1024, config.Embedder.Dimensions)
	assert.Equal(t, int64(500), config.Embedder.CacheSize)
	assert.Equal(t, "text-embedding-v4", config.Embedder.Model)
	require.NotNil(t, config.Reranker)
	assert.Equal(t, "gte-rerank", config.Reranker.Model)
	require.NotNil(t, config.History)
	assert.Equal(t, "./history.db", config.History.DBPath)
	assert.Equal(t, 45*time.Second, config.Timeout)
	assert.Equal(t, storage.FusionWeighted, config.Hybrid.Method)
	require.NotNil(t, config.Intelligence)
	assert.True(t, config.Intelligence.Enabled)
	assert.True(t, config.Intelligence.FallbackToSimpleAdd)
	assert.Empty(t, config.LLM.Provider)
	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "powermem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  provider: deepseek
  api_key: sk-test
  model: deepseek-chat
embedder:
  provider: openai
  api_key: sk-test
  model: text-embedding-3-small
  cache_size: 1000
vector_store:
  provider: postgres
  config:
    host: localhost
    port: 5432
    embedding_model_dims: 1536
sub_stores:
  - name: preferences
    routing_filter:
      category: preference
    vector_store:
      provider: memory
    ready: false
intelligence:
  enabled: true
  decay_rate: 14
hybrid:
  method: rrf
timeout: 30s
`), 0o600))

	config, err := powermem.LoadConfigFromYAML(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "deepseek", config.LLM.Provider)
	assert.Equal(t, int64(1000), config.Embedder.CacheSize)
	assert.Equal(t, "postgres", config.VectorStore.Provider)
	assert.Equal(t, 5432, config.VectorStore.Config["port"])
	require.Len(t, config.SubStores, 1)
	assert.Equal(t, "preference", config.SubStores[0].RoutingFilter["category"])
	assert.False(t, config.SubStores[0].IsReady())
	assert.InDelta(t, 14, config.Intelligence.DecayRate, 1e-9)
	assert.Equal(t, 30*time.Second, config.Timeout)
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "powermem.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"embedder": {"provider": "qwen", "api_key": "k"},
		"vector_store": {"provider": "sqlite", "config": {"db_path": "./x.db"}},
		"sub_stores": [{"name": "work", "routing_filter": {"topic": "work"}, "vector_store": {"provider": "chromem"}}],
		"reranker": {"provider": "qwen", "api_key": "k"},
		"history": {"db_path": "./history.db"}
	}`), 0o600))

	config, err := powermem.LoadConfigFromJSON(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())
	assert.True(t, config.SubStores[0].IsReady())
	assert.Equal(t, "qwen", config.Reranker.Provider)

	_, err = powermem.LoadConfigFromJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *powermem.Config {
		return &powermem.Config{
			Embedder: powermem.EmbedderConfig{Provider: "openai", APIKey: "test-key"},
			VectorStore: powermem.VectorStoreConfig{
				Provider: "sqlite",
				Config:   map[string]interface{}{"db_path": "./test.db"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *powermem.Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*powermem.Config) {}},
		{name: "no LLM is allowed", mutate: func(c *powermem.Config) { c.LLM = powermem.LLMConfig{} }},
		{name: "missing embedder provider", mutate: func(c *powermem.Config) { c.Embedder.Provider = "" }, wantErr: true},
		{name: "unknown vector store", mutate: func(c *powermem.Config) { c.VectorStore.Provider = "mongo" }, wantErr: true},
		{name: "negative dimensions", mutate: func(c *powermem.Config) { c.Embedder.Dimensions = -1 }, wantErr: true},
		{name: "unknown fusion", mutate: func(c *powermem.Config) { c.Hybrid.Method = "borda" }, wantErr: true},
		{name: "negative timeout", mutate: func(c *powermem.Config) { c.Timeout = -time.Second }, wantErr: true},
		{name: "unnamed sub-store", mutate: func(c *powermem.Config) {
			c.SubStores = []powermem.SubStoreConfig{{
				RoutingFilter: map[string]interface{}{"a": 1},
				VectorStore:   powermem.VectorStoreConfig{Provider: "memory"},
			}}
		}, wantErr: true},
		{name: "sub-store with unknown provider", mutate: func(c *powermem.Config) {
			c.SubStores = []powermem.SubStoreConfig{{
				Name:          "s",
				RoutingFilter: map[string]interface{}{"a": 1},
				VectorStore:   powermem.VectorStoreConfig{Provider: "nope"},
			}}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, powermem.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
