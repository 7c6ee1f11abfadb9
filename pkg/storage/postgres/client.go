// Package postgres provides a PostgreSQL + pgvector implementation of
// storage.VectorStore.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// Client is a PostgreSQL + pgvector client.
type Client struct {
	db         *sql.DB
	name       string
	table      string // quoted
	dimensions int

	metric   storage.MetricType
	hybrid   storage.HybridConfig
	compiler *storage.FilterCompiler
	logger   *zap.Logger

	// hasVector is false when the pgvector extension is missing; searches then
	// scan vector_json in process.
	hasVector bool

	// textConfig is the text search configuration used for the fts column.
	// Empty when no configuration could be validated.
	textConfig string
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int
	SSLMode            string

	// Metric is the distance metric. Default: cosine.
	Metric storage.MetricType

	// TextSearchConfig is the text search configuration for the lexical
	// index, e.g. "english". "simple" is used when it is unknown to the server.
	TextSearchConfig string

	// Hybrid configures fusion for HybridSearch.
	Hybrid storage.HybridConfig

	Logger *zap.Logger
}

// NewClient creates a new PostgreSQL client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NewPostgresClient: config is required")
	}

	name := cfg.CollectionName
	if name == "" {
		name = "memories"
	}
	if !storage.ValidIdentifier(name) {
		return nil, fmt.Errorf("NewPostgresClient: invalid collection name %q", name)
	}
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewPostgresClient: embedding dimensions must be positive")
	}

	metric := cfg.Metric
	if metric == "" {
		metric = storage.MetricCosine
	}
	if !metric.IsValid() {
		return nil, fmt.Errorf("NewPostgresClient: unsupported metric %q", metric)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{
		db:         db,
		name:       name,
		table:      pq.QuoteIdentifier(name),
		dimensions: cfg.EmbeddingModelDims,
		metric:     metric,
		hybrid:     cfg.Hybrid.WithDefaults(),
		compiler:   newCompiler(),
		logger:     logger.With(zap.String("store", "postgres"), zap.String("table", name)),
	}

	if err := client.initTables(context.Background(), cfg.TextSearchConfig); err != nil {
		db.Close()
		return nil, err
	}

	return client, nil
}

// Upsert inserts or replaces a record.
func (c *Client) Upsert(ctx context.Context, memory *storage.Memory) error {
	if memory == nil || memory.ID == 0 {
		return fmt.Errorf("Upsert: %w", storage.ErrInvalidRecord)
	}
	if len(memory.Embedding) != c.dimensions {
		return fmt.Errorf("Upsert: %w: got %d, want %d",
			storage.ErrDimensionMismatch, len(memory.Embedding), c.dimensions)
	}

	vectorJSON, err := storage.EncodeVector(memory.Embedding)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	payload, err := storage.EncodePayload(memory)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}

	cols := []string{"id", "vector_json", "payload", "user_id", "agent_id", "run_id",
		"hash", "category", "created_at", "updated_at", "fulltext_content"}
	args := []interface{}{
		memory.ID, vectorJSON, string(payload),
		memory.UserID, memory.AgentID, memory.RunID,
		memory.Hash, memory.Category,
		storage.FormatTime(memory.CreatedAt), storage.FormatTime(memory.UpdatedAt),
		memory.Content,
	}
	values := make([]string, len(cols))
	for i := range cols {
		values[i] = fmt.Sprintf("$%d", i+1)
	}
	values[2] += "::jsonb"

	if c.hasVector {
		cols = append(cols, "embedding")
		args = append(args, storage.VectorLiteral(memory.Embedding))
		values = append(values, fmt.Sprintf("$%d::vector", len(args)))
	}
	if c.textConfig != "" {
		cols = append(cols, "fts")
		args = append(args, c.textConfig, memory.Content)
		values = append(values, fmt.Sprintf("to_tsvector($%d::regconfig, $%d)", len(args)-1, len(args)))
	}

	updates := make([]string, 0, len(cols)-1)
	for _, col := range cols[1:] {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		c.table, strings.Join(cols, ", "), strings.Join(values, ", "), strings.Join(updates, ", "))

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

// Get retrieves a memory by ID within the scope.
func (c *Client) Get(ctx context.Context, id int64, scope storage.Scope) (*storage.Memory, error) {
	where, args := c.compiler.Compile(scope, nil, 1)
	query := fmt.Sprintf(`SELECT id, vector_json, payload FROM %s WHERE id = $1`, c.table)
	if where != "" {
		query += " AND " + where
	}

	rows, err := c.db.QueryContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	memories, err := scanRows(rows, false)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if len(memories) == 0 {
		return nil, storage.ErrNotFound
	}
	return memories[0], nil
}

// Delete deletes a memory within the scope.
func (c *Client) Delete(ctx context.Context, id int64, scope storage.Scope) (bool, error) {
	where, args := c.compiler.Compile(scope, nil, 1)
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", c.table)
	if where != "" {
		query += " AND " + where
	}

	result, err := c.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteAll deletes every memory matching the scope and filters.
func (c *Client) DeleteAll(ctx context.Context, opts *storage.DeleteAllOptions) (int64, error) {
	if opts == nil {
		opts = &storage.DeleteAllOptions{}
	}
	where, args := c.compiler.Compile(opts.Scope, opts.Filters, 0)
	query := fmt.Sprintf("DELETE FROM %s", c.table)
	if where != "" {
		query += " WHERE " + where
	}

	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("DeleteAll: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteAll: %w", err)
	}
	return n, nil
}

// List retrieves memories ordered by ID.
func (c *Client) List(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.ListOptions{}
	}
	where, args := c.compiler.Compile(opts.Scope, opts.Filters, 0)

	query := fmt.Sprintf(`SELECT id, vector_json, payload FROM %s`, c.table)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY id"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	memories, err := scanRows(rows, false)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return memories, nil
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
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func scanRows(rows *sql.Rows, hasScore bool) ([]*storage.Memory, error) {
	defer func() { _ = rows.Close() }()

	var memories []*storage.Memory
	for rows.Next() {
		var (
			id         int64
			vectorJSON sql.NullString
			payload    []byte
			score      sql.NullFloat64
		)
		dest := []interface{}{&id, &vectorJSON, &payload}
		if hasScore {
			dest = append(dest, &score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		memory := &storage.Memory{ID: id}
		if err := storage.DecodePayload(payload, memory); err != nil {
			return nil, err
		}
		if vectorJSON.Valid && vectorJSON.String != "" {
			embedding, err := storage.DecodeVector(vectorJSON.String)
			if err != nil {
				return nil, err
			}
			memory.Embedding = embedding
		}
		if hasScore && score.Valid {
			memory.Score = score.Float64
		}
		memories = append(memories, memory)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return memories, nil
}
