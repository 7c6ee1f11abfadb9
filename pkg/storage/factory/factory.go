// Package factory builds a storage.VectorStore from a provider name and a
// loosely typed config map, as produced by the env, JSON and YAML loaders.
package factory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
	"github.com/oceanbase/powermem-engine/pkg/storage/chromem"
	"github.com/oceanbase/powermem-engine/pkg/storage/memory"
	"github.com/oceanbase/powermem-engine/pkg/storage/oceanbase"
	"github.com/oceanbase/powermem-engine/pkg/storage/postgres"
	sqliteStore "github.com/oceanbase/powermem-engine/pkg/storage/sqlite"
)

// Provider names accepted by New.
const (
	ProviderSQLite    = "sqlite"
	ProviderOceanBase = "oceanbase"
	ProviderPostgres  = "postgres"
	ProviderPGVector  = "pgvector"
	ProviderMemory    = "memory"
	ProviderChromem   = "chromem"
)

// ErrUnknownProvider is returned for a provider New does not know.
var ErrUnknownProvider = errors.New("unknown vector store provider")

// Providers lists the provider names New accepts.
func Providers() []string {
	return []string{ProviderSQLite, ProviderOceanBase, ProviderPostgres, ProviderPGVector, ProviderMemory, ProviderChromem}
}

// IsKnown reports whether provider is accepted by New.
func IsKnown(provider string) bool {
	p := strings.ToLower(strings.TrimSpace(provider))
	for _, known := range Providers() {
		if p == known {
			return true
		}
	}
	return false
}

// New creates the vector store for provider.
//
// Recognised keys: db_path, host, port, user, password, db_name,
// collection_name, embedding_model_dims, ssl_mode, metric, fulltext_parser,
// text_search_config, index_m, index_ef_construction, index_ef_search.
// Hybrid fusion settings are passed separately since they are shared by all
// stores of a client.
func New(provider string, cfg map[string]interface{}, hybrid storage.HybridConfig, logger *zap.Logger) (storage.VectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := Values(cfg)
	metric := storage.MetricType(strings.ToLower(c.String("metric", "")))
	if metric != "" && !metric.IsValid() {
		return nil, fmt.Errorf("factory.New: unsupported metric %q", metric)
	}
	params := storage.HNSWParams{
		M:              c.Int("index_m", 0),
		EfConstruction: c.Int("index_ef_construction", 0),
		EfSearch:       c.Int("index_ef_search", 0),
	}

	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderSQLite:
		return sqliteStore.NewClient(&sqliteStore.Config{
			DBPath:             c.String("db_path", "./data/powermem.db"),
			CollectionName:     c.String("collection_name", "memories"),
			EmbeddingModelDims: c.Int("embedding_model_dims", 0),
			Metric:             metric,
			Hybrid:             hybrid,
			Logger:             logger,
		})
	case ProviderOceanBase:
		return oceanbase.NewClient(&oceanbase.Config{
			Host:               c.String("host", "127.0.0.1"),
			Port:               c.Int("port", 2881),
			User:               c.String("user", "root@test"),
			Password:           c.String("password", ""),
			DBName:             c.String("db_name", "powermem"),
			CollectionName:     c.String("collection_name", "memories"),
			EmbeddingModelDims: c.Int("embedding_model_dims", 0),
			Metric:             metric,
			IndexParams:        params,
			FulltextParser:     c.String("fulltext_parser", ""),
			Hybrid:             hybrid,
			Logger:             logger,
		})
	case ProviderPostgres, ProviderPGVector:
		return postgres.NewClient(&postgres.Config{
			Host:               c.String("host", "127.0.0.1"),
			Port:               c.Int("port", 5432),
			User:               c.String("user", "postgres"),
			Password:           c.String("password", ""),
			DBName:             c.String("db_name", "powermem"),
			CollectionName:     c.String("collection_name", "memories"),
			EmbeddingModelDims: c.Int("embedding_model_dims", 0),
			SSLMode:            c.String("ssl_mode", "disable"),
			Metric:             metric,
			TextSearchConfig:   c.String("text_search_config", ""),
			Hybrid:             hybrid,
			Logger:             logger,
		})
	case ProviderMemory:
		return memory.New(&memory.Config{
			Dimensions: c.Int("embedding_model_dims", 0),
			Metric:     metric,
			HNSW:       params,
			Hybrid:     hybrid,
			Logger:     logger,
		})
	case ProviderChromem:
		return chromem.New(&chromem.Config{
			CollectionName: c.String("collection_name", "memories"),
			Dimensions:     c.Int("embedding_model_dims", 0),
			Hybrid:         hybrid,
			Logger:         logger,
		})
	default:
		return nil, fmt.Errorf("factory.New: %w: %q", ErrUnknownProvider, provider)
	}
}

// Values wraps a config map with typed getters. Numbers may arrive as int
// (env loader), float64 (JSON) or string.
type Values map[string]interface{}

// String returns the value for key, or def when it is absent or empty.
func (v Values) String(key, def string) string {
	raw, ok := v[key]
	if !ok || raw == nil {
		return def
	}
	var s string
	switch x := raw.(type) {
	case string:
		s = x
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	if s == "" {
		return def
	}
	return s
}

// Int returns the value for key as an int, or def when it is absent or
// cannot be converted.
func (v Values) Int(key string, def int) int {
	switch x := v[key].(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case float64:
		return int(x)
	case float32:
		return int(x)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n
		}
	}
	return def
}
