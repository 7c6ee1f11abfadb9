// Package sqlite provides SQLite implementation for vector storage.
//
// SQLite is a lightweight, file-based database suitable for local development
// and small-scale applications. Each record is one (id, vector, payload) row:
// the vector is a JSON array and the payload a JSON document. Similarity and
// lexical scoring run in process over the rows selected by the filter.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// Client implements VectorStore using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB

	// table is the name of the table storing memories.
	table string

	// dimensions is the dimension of embedding vectors. Zero disables the check.
	dimensions int

	metric   storage.MetricType
	hybrid   storage.HybridConfig
	compiler *storage.FilterCompiler
	logger   *zap.Logger
}

// Config contains configuration for creating a SQLite VectorStore.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CollectionName is the name of the table to use. Default: memories.
	CollectionName string

	// EmbeddingModelDims is the dimension of embedding vectors.
	EmbeddingModelDims int

	// Metric is the similarity metric. Default: cosine.
	Metric storage.MetricType

	// Hybrid configures fusion for HybridSearch.
	Hybrid storage.HybridConfig

	// Logger receives migration and degradation events. Default: no-op.
	Logger *zap.Logger
}

// NewClient creates a new SQLite VectorStore client.
//
// The table is created if missing. A table in a legacy layout is migrated
// forward before the client is returned.
//
// Parameters:
//   - cfg: Configuration containing database path, table name, and embedding dimensions
//
// Returns:
//   - *Client: The SQLite client instance
//   - error: Error if database connection, validation or migration fails
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.DBPath == "" {
		return nil, fmt.Errorf("NewSQLiteClient: db path is required")
	}

	table := cfg.CollectionName
	if table == "" {
		table = "memories"
	}
	if !storage.ValidIdentifier(table) {
		return nil, fmt.Errorf("NewSQLiteClient: invalid collection name %q", table)
	}

	metric := cfg.Metric
	if metric == "" {
		metric = storage.MetricCosine
	}
	if !metric.IsValid() {
		return nil, fmt.Errorf("NewSQLiteClient: unsupported metric %q", metric)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Create parent directory if it doesn't exist
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	client := &Client{
		db:         db,
		table:      table,
		dimensions: cfg.EmbeddingModelDims,
		metric:     metric,
		hybrid:     cfg.Hybrid.WithDefaults(),
		compiler:   storage.NewPayloadFilterCompiler(storage.SQLiteDialect{}, "payload"),
		logger:     logger.With(zap.String("store", "sqlite"), zap.String("table", table)),
	}

	if err := client.initTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return client, nil
}

// initTables creates the table, or migrates a legacy one.
func (c *Client) initTables(ctx context.Context) error {
	cols, err := c.tableColumns(ctx, c.table)
	if err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	switch {
	case len(cols) == 0:
		if _, err := c.db.ExecContext(ctx, createTableSQL(c.table)); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	case isLegacyLayout(cols):
		if err := c.migrateLegacy(ctx, cols); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY,
		vector TEXT NOT NULL,
		payload TEXT NOT NULL
	)`, table)
}

// Upsert inserts or replaces a record.
func (c *Client) Upsert(ctx context.Context, memory *storage.Memory) error {
	if memory == nil || memory.ID == 0 {
		return fmt.Errorf("Upsert: %w", storage.ErrInvalidRecord)
	}
	if c.dimensions > 0 && len(memory.Embedding) != c.dimensions {
		return fmt.Errorf("Upsert: %w: got %d, want %d",
			storage.ErrDimensionMismatch, len(memory.Embedding), c.dimensions)
	}

	vector, err := storage.EncodeVector(memory.Embedding)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	payload, err := storage.EncodePayload(memory)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, vector, payload) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload
	`, c.table)

	if _, err := c.db.ExecContext(ctx, query, memory.ID, vector, string(payload)); err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

// Get retrieves a memory by ID. A record outside the scope is reported as
// storage.ErrNotFound.
func (c *Client) Get(ctx context.Context, id int64, scope storage.Scope) (*storage.Memory, error) {
	query := fmt.Sprintf(`SELECT id, vector, payload FROM %s WHERE id = ?`, c.table)

	rows, err := c.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	memories, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}

	if len(memories) == 0 || !scope.Allows(memories[0]) {
		return nil, storage.ErrNotFound
	}
	return memories[0], nil
}

// Delete removes a memory by ID within the scope.
func (c *Client) Delete(ctx context.Context, id int64, scope storage.Scope) (bool, error) {
	where, args := c.compiler.Compile(scope, nil, 1)
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.table)
	if where != "" {
		query += " AND " + where
	}

	res, err := c.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	return n > 0, nil
}

// DeleteAll removes every record matching the scope and filters.
func (c *Client) DeleteAll(ctx context.Context, opts *storage.DeleteAllOptions) (int64, error) {
	if opts == nil {
		opts = &storage.DeleteAllOptions{}
	}
	where, args := c.compiler.Compile(opts.Scope, opts.Filters, 0)

	query := fmt.Sprintf(`DELETE FROM %s`, c.table)
	if where != "" {
		query += " WHERE " + where
	}

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("DeleteAll: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteAll: %w", err)
	}
	return n, nil
}

// List returns records ordered by ID.
func (c *Client) List(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.ListOptions{}
	}
	where, args := c.compiler.Compile(opts.Scope, opts.Filters, 0)

	query := fmt.Sprintf(`SELECT id, vector, payload FROM %s`, c.table)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY id"

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	memories, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return memories, nil
}

// Search loads the rows matching the scope and filters and ranks them by
// vector similarity.
func (c *Client) Search(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	if c.dimensions > 0 && len(embedding) != c.dimensions {
		return nil, fmt.Errorf("Search: %w", storage.ErrDimensionMismatch)
	}

	candidates, err := c.candidates(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	return storage.RankByVector(candidates, embedding, c.metric, limitOrDefault(opts.Limit)), nil
}

// SupportsHybrid reports true: lexical scoring is always available in process.
func (c *Client) SupportsHybrid() bool {
	return true
}

// HybridSearch ranks the filtered rows by vector similarity and by BM25 in
// parallel and fuses the two rankings.
func (c *Client) HybridSearch(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil || opts.Query == "" {
		return c.Search(ctx, embedding, opts)
	}
	if c.dimensions > 0 && len(embedding) != c.dimensions {
		return nil, fmt.Errorf("HybridSearch: %w", storage.ErrDimensionMismatch)
	}

	candidates, err := c.candidates(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("HybridSearch: %w", err)
	}

	limit := limitOrDefault(opts.Limit)
	vector, lexical := storage.RunBranches(ctx,
		func(context.Context) ([]*storage.Memory, error) {
			return storage.RankByVector(candidates, embedding, c.metric, limit), nil
		},
		func(context.Context) ([]*storage.Memory, error) {
			return storage.RankByBM25(candidates, opts.Query, limit), nil
		},
		func(branch string, err error) {
			c.logger.Warn("hybrid branch failed", zap.String("branch", branch), zap.Error(err))
		},
	)

	return storage.Fuse(vector, lexical, c.hybrid, limit), nil
}

// Count returns the number of records in the scope.
func (c *Client) Count(ctx context.Context, scope storage.Scope) (int64, error) {
	where, args := c.compiler.Compile(scope, nil, 0)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)
	if where != "" {
		query += " WHERE " + where
	}

	var n int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("Count: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) candidates(ctx context.Context, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	where, args := c.compiler.Compile(opts.Scope, opts.Filters, 0)
	query := fmt.Sprintf(`SELECT id, vector, payload FROM %s`, c.table)
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]*storage.Memory, error) {
	defer rows.Close()

	var memories []*storage.Memory
	for rows.Next() {
		var (
			id      int64
			vector  string
			payload string
		)
		if err := rows.Scan(&id, &vector, &payload); err != nil {
			return nil, err
		}

		m := &storage.Memory{ID: id}
		if err := storage.DecodePayload([]byte(payload), m); err != nil {
			return nil, err
		}
		emb, err := storage.DecodeVector(vector)
		if err != nil {
			return nil, err
		}
		m.Embedding = emb
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return memories, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 10
	}
	return limit
}
