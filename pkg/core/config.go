// Package core provides the PowerMem memory orchestrator: the client that
// adds, retrieves, updates and forgets memories across one or more stores.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/oceanbase/powermem-engine/pkg/intelligence"
	"github.com/oceanbase/powermem-engine/pkg/storage"
	"github.com/oceanbase/powermem-engine/pkg/storage/factory"
)

// Config contains the complete configuration for a PowerMem client.
//
// Example:
//
//	config := &core.Config{
//	    LLM: core.LLMConfig{
//	        Provider: "openai",
//	        APIKey:   "sk-...",
//	        Model:    "gpt-4o-mini",
//	    },
//	    Embedder: core.EmbedderConfig{
//	        Provider:   "openai",
//	        APIKey:     "sk-...",
//	        Model:      "text-embedding-3-small",
//	        Dimensions: 1536,
//	    },
//	    VectorStore: core.VectorStoreConfig{
//	        Provider: "sqlite",
//	        Config: map[string]interface{}{
//	            "db_path": "./memories.db",
//	        },
//	    },
//	}
type Config struct {
	// LLM contains LLM provider configuration.
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder" yaml:"embedder"`

	// VectorStore configures the main store.
	VectorStore VectorStoreConfig `json:"vector_store" yaml:"vector_store"`

	// SubStores are checked in order when routing by metadata.
	SubStores []SubStoreConfig `json:"sub_stores,omitempty" yaml:"sub_stores,omitempty"`

	// Intelligence contains intelligent memory management configuration (optional).
	Intelligence *IntelligenceConfig `json:"intelligence,omitempty" yaml:"intelligence,omitempty"`

	// Reranker is optional. Without it search results keep the store order.
	Reranker *RerankerConfig `json:"reranker,omitempty" yaml:"reranker,omitempty"`

	// History configures the audit log. A nil History disables it.
	History *HistoryConfig `json:"history,omitempty" yaml:"history,omitempty"`

	// Hybrid tunes the fusion of vector and lexical search.
	Hybrid storage.HybridConfig `json:"hybrid" yaml:"hybrid"`

	// Timeout bounds every public call. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Logger defaults to a no-op logger.
	Logger *zap.Logger `json:"-" yaml:"-"`

	// Registerer receives the client metrics. Nil uses a private registry.
	Registerer prometheus.Registerer `json:"-" yaml:"-"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Supported providers: openai, qwen, anthropic, deepseek, ollama
type LLMConfig struct {
	// Provider is the LLM provider name. Empty disables inference.
	Provider string `json:"provider" yaml:"provider"`

	APIKey string `json:"api_key" yaml:"api_key"`

	// Model is the model name to use (e.g., "gpt-4o-mini", "qwen-plus").
	Model string `json:"model" yaml:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, qwen
type EmbedderConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	APIKey   string `json:"api_key" yaml:"api_key"`

	// Model is the embedding model name (e.g., "text-embedding-3-small", "text-embedding-v4").
	Model string `json:"model" yaml:"model"`

	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536, 1024).
	// It is passed to the vector store as embedding_model_dims unless the
	// store config sets that key.
	Dimensions int `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`

	// CacheSize bounds the embedding cache. Zero disables caching.
	CacheSize int64 `json:"cache_size,omitempty" yaml:"cache_size,omitempty"`
}

// VectorStoreConfig contains configuration for a vector store.
//
// Supported providers: sqlite, oceanbase, postgres, pgvector, memory, chromem
type VectorStoreConfig struct {
	Provider string `json:"provider" yaml:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path, collection_name, embedding_model_dims, metric
	// For OceanBase: host, port, user, password, db_name, collection_name,
	// embedding_model_dims, metric, fulltext_parser, index_m, index_ef_construction, index_ef_search
	// For PostgreSQL: host, port, user, password, db_name, collection_name,
	// embedding_model_dims, ssl_mode, metric, text_search_config
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// SubStoreConfig defines a secondary store that receives the memories whose
// metadata matches RoutingFilter exactly.
//
// Example:
//
//	core.SubStoreConfig{
//	    Name:          "preferences",
//	    RoutingFilter: map[string]interface{}{"category": "preference"},
//	    VectorStore:   core.VectorStoreConfig{Provider: "memory"},
//	}
type SubStoreConfig struct {
	Name          string                 `json:"name" yaml:"name"`
	RoutingFilter map[string]interface{} `json:"routing_filter" yaml:"routing_filter"`
	VectorStore   VectorStoreConfig      `json:"vector_store" yaml:"vector_store"`

	// Embedder overrides the main embedder, e.g. for a store with a
	// different dimensionality.
	Embedder *EmbedderConfig `json:"embedder,omitempty" yaml:"embedder,omitempty"`

	// Ready defaults to true. A sub-store that is not ready is skipped by
	// routing but still probed for lookups by id.
	Ready *bool `json:"ready,omitempty" yaml:"ready,omitempty"`
}

// IsReady reports the configured ready flag, defaulting to true.
func (s SubStoreConfig) IsReady() bool {
	return s.Ready == nil || *s.Ready
}

// IntelligenceConfig contains configuration for intelligent memory management:
// importance evaluation, Ebbinghaus decay, promotion, forgetting and archival.
//
// Example:
//
//	config := &core.Config{
//	    Intelligence: &core.IntelligenceConfig{
//	        Enabled:             true,
//	        DecayRate:           30,
//	        ReinforcementFactor: 0.3,
//	    },
//	}
type IntelligenceConfig = intelligence.Config

// RerankerConfig configures the reranker. Supported providers: qwen
type RerankerConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// HistoryConfig configures the SQLite audit log.
type HistoryConfig struct {
	DBPath    string `json:"db_path" yaml:"db_path"`
	TableName string `json:"table_name,omitempty" yaml:"table_name,omitempty"`
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, oceanbase, postgres, memory, chromem)
//   - OCEANBASE_HOST, OCEANBASE_PORT, OCEANBASE_USER, OCEANBASE_PASSWORD, etc.
//   - SQLITE_PATH, SQLITE_COLLECTION, etc.
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, etc.
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL,
//     EMBEDDING_DIMS, EMBEDDING_CACHE_SIZE
//   - RERANK_PROVIDER, RERANK_API_KEY, RERANK_MODEL, RERANK_BASE_URL
//   - HISTORY_DB_PATH, POWERMEM_TIMEOUT, HYBRID_FUSION_METHOD
//   - INTELLIGENCE_ENABLED (to enable intelligent memory)
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")
	vectorStoreConfig := make(map[string]interface{})

	switch provider {
	case "oceanbase":
		port, _ := strconv.Atoi(getEnvOrDefault("OCEANBASE_PORT", "2881"))
		dims, _ := strconv.Atoi(getEnvOrDefault("OCEANBASE_EMBEDDING_MODEL_DIMS", "1536"))

		vectorStoreConfig = map[string]interface{}{
			"host":                 getEnvOrDefault("OCEANBASE_HOST", "127.0.0.1"),
			"port":                 port,
			"user":                 getEnvOrDefault("OCEANBASE_USER", "root@sys"),
			"password":             os.Getenv("OCEANBASE_PASSWORD"),
			"db_name":              getEnvOrDefault("OCEANBASE_DATABASE", "powermem"),
			"collection_name":      getEnvOrDefault("OCEANBASE_COLLECTION", "memories"),
			"embedding_model_dims": dims,
			"metric":               getEnvOrDefault("OCEANBASE_VECTOR_METRIC_TYPE", "cosine"),
			"fulltext_parser":      os.Getenv("OCEANBASE_FULLTEXT_PARSER"),
		}
	case "sqlite":
		dims, _ := strconv.Atoi(getEnvOrDefault("SQLITE_EMBEDDING_MODEL_DIMS", "1536"))

		vectorStoreConfig = map[string]interface{}{
			"db_path":              getEnvOrDefault("SQLITE_PATH", "./powermem.db"),
			"collection_name":      getEnvOrDefault("SQLITE_COLLECTION", "memories"),
			"embedding_model_dims": dims,
		}
	case "postgres", "pgvector":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		dims, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_EMBEDDING_MODEL_DIMS", "1536"))

		vectorStoreConfig = map[string]interface{}{
			"host":                 getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":                 port,
			"user":                 getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password":             os.Getenv("POSTGRES_PASSWORD"),
			"db_name":              getEnvOrDefault("POSTGRES_DATABASE", "powermem"),
			"collection_name":      getEnvOrDefault("POSTGRES_COLLECTION", "memories"),
			"embedding_model_dims": dims,
			"ssl_mode":             getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
			"text_search_config":   os.Getenv("POSTGRES_TEXT_SEARCH_CONFIG"),
		}
	}

	llmProvider := os.Getenv("LLM_PROVIDER")
	var llmBaseURL string
	switch llmProvider {
	case "deepseek":
		llmBaseURL = os.Getenv("DEEPSEEK_LLM_BASE_URL")
	case "ollama":
		llmBaseURL = os.Getenv("OLLAMA_LLM_BASE_URL")
	case "anthropic":
		llmBaseURL = os.Getenv("ANTHROPIC_LLM_BASE_URL")
	}
	if llmBaseURL == "" {
		llmBaseURL = os.Getenv("LLM_BASE_URL")
	}

	embedderProvider := getEnvOrDefault("EMBEDDING_PROVIDER", "qwen")
	embedderModel := os.Getenv("EMBEDDING_MODEL")
	var embedderBaseURL string
	switch embedderProvider {
	case "qwen":
		embedderBaseURL = os.Getenv("QWEN_EMBEDDING_BASE_URL")
		if embedderModel == "" {
			embedderModel = "text-embedding-v4"
		}
	case "openai":
		embedderBaseURL = os.Getenv("OPENAI_EMBEDDING_BASE_URL")
		if embedderModel == "" {
			embedderModel = "text-embedding-3-small"
		}
	}
	if embedderBaseURL == "" {
		embedderBaseURL = os.Getenv("EMBEDDING_BASE_URL")
	}
	embedderDims, _ := strconv.Atoi(os.Getenv("EMBEDDING_DIMS"))
	cacheSize, _ := strconv.ParseInt(os.Getenv("EMBEDDING_CACHE_SIZE"), 10, 64)

	config := &Config{
		LLM: LLMConfig{
			Provider: llmProvider,
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    os.Getenv("LLM_MODEL"),
			BaseURL:  llmBaseURL,
		},
		Embedder: EmbedderConfig{
			Provider:   embedderProvider,
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
			Model:      embedderModel,
			BaseURL:    embedderBaseURL,
			Dimensions: embedderDims,
			CacheSize:  cacheSize,
		},
		VectorStore: VectorStoreConfig{
			Provider: provider,
			Config:   vectorStoreConfig,
		},
		Hybrid: storage.HybridConfig{
			Method: storage.FusionMethod(strings.ToLower(os.Getenv("HYBRID_FUSION_METHOD"))),
		},
	}

	if rp := os.Getenv("RERANK_PROVIDER"); rp != "" {
		config.Reranker = &RerankerConfig{
			Provider: rp,
			APIKey:   os.Getenv("RERANK_API_KEY"),
			Model:    os.Getenv("RERANK_MODEL"),
			BaseURL:  os.Getenv("RERANK_BASE_URL"),
		}
	}
	if path := os.Getenv("HISTORY_DB_PATH"); path != "" {
		config.History = &HistoryConfig{DBPath: path}
	}
	if t := os.Getenv("POWERMEM_TIMEOUT"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, NewMemoryError("LoadConfigFromEnv", fmt.Errorf("%w: POWERMEM_TIMEOUT: %v", ErrInvalidConfig, err))
		}
		config.Timeout = d
	}

	if os.Getenv("INTELLIGENCE_ENABLED") == "true" {
		config.Intelligence = intelligence.DefaultConfig()
		config.Intelligence.FallbackToSimpleAdd = os.Getenv("INTELLIGENCE_FALLBACK_TO_SIMPLE_ADD") == "true"
	}

	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// LoadConfigFromYAML loads configuration from a YAML file. Durations such as
// timeout accept Go duration strings ("30s").
func LoadConfigFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that:
//   - the vector store provider and every sub-store provider are known
//   - an embedder provider is set, unless one is injected
//   - dimensions are not negative
//   - the fusion method is rrf or weighted
//   - sub-stores have unique names and non-empty routing filters
func (c *Config) Validate() error {
	return c.validate(false)
}

func (c *Config) validate(embedderInjected bool) error {
	invalid := func(format string, args ...interface{}) error {
		return NewMemoryError("Validate", fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	if !factory.IsKnown(c.VectorStore.Provider) {
		return invalid("unknown vector store provider %q", c.VectorStore.Provider)
	}
	if c.Embedder.Provider == "" && !embedderInjected {
		return invalid("embedder provider is required")
	}
	if c.Embedder.Dimensions < 0 {
		return invalid("negative embedding dimensions")
	}
	switch c.Hybrid.Method {
	case "", storage.FusionRRF, storage.FusionWeighted:
	default:
		return invalid("unknown fusion method %q", c.Hybrid.Method)
	}
	if c.Timeout < 0 {
		return invalid("negative timeout")
	}

	seen := make(map[string]bool, len(c.SubStores))
	for _, sub := range c.SubStores {
		if strings.TrimSpace(sub.Name) == "" {
			return invalid("sub-store without a name")
		}
		if seen[sub.Name] {
			return invalid("duplicate sub-store %q", sub.Name)
		}
		seen[sub.Name] = true
		if len(sub.RoutingFilter) == 0 {
			return invalid("sub-store %q has an empty routing filter", sub.Name)
		}
		if !factory.IsKnown(sub.VectorStore.Provider) {
			return invalid("sub-store %q: unknown vector store provider %q", sub.Name, sub.VectorStore.Provider)
		}
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
