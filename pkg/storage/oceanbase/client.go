// Package oceanbase provides an OceanBase implementation of storage.VectorStore.
//
// Records are stored with their payload as a JSON document plus a few
// denormalized columns (scope ids, hash, category, timestamps) so filters can
// use indexes. The native VECTOR column and the FULLTEXT index are optional:
// when the server cannot provide them the client degrades to in-process
// scoring instead of failing.
package oceanbase

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// Client is an OceanBase client.
type Client struct {
	db     *sql.DB
	config *Config
	table  string

	metric   storage.MetricType
	hybrid   storage.HybridConfig
	compiler *storage.FilterCompiler
	logger   *zap.Logger

	// hasVector is false when the native VECTOR column could not be created;
	// searches then scan vector_json in process.
	hasVector bool

	// fulltextParser is the parser the FULLTEXT index was created with
	// ("" for the server default). hasFulltext is false when every attempt
	// failed and lexical search uses LIKE.
	fulltextParser string
	hasFulltext    bool
}

// Config contains OceanBase configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int

	// Metric is the distance metric. Default: cosine.
	Metric storage.MetricType

	// IndexParams configures the HNSW vector index. Zero values use the
	// server defaults.
	IndexParams storage.HNSWParams

	// FulltextParser is tried after the server default parser when creating
	// the FULLTEXT index, e.g. "ik" for Chinese text.
	FulltextParser string

	// Hybrid configures fusion for HybridSearch.
	Hybrid storage.HybridConfig

	// Timeout bounds connection setup. Default: 10s.
	Timeout time.Duration

	Logger *zap.Logger
}

// NewClient creates a new OceanBase client and reconciles the table schema.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NewOceanBaseClient: config is required")
	}

	table := cfg.CollectionName
	if table == "" {
		table = "memories"
	}
	if !storage.ValidIdentifier(table) {
		return nil, fmt.Errorf("NewOceanBaseClient: invalid collection name %q", table)
	}
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewOceanBaseClient: embedding dimensions must be positive")
	}

	metric := cfg.Metric
	if metric == "" {
		metric = storage.MetricCosine
	}
	if !metric.IsValid() {
		return nil, fmt.Errorf("NewOceanBaseClient: unsupported metric %q", metric)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("mysql", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	client := &Client{
		db:       db,
		config:   cfg,
		table:    table,
		metric:   metric,
		hybrid:   cfg.Hybrid.WithDefaults(),
		compiler: newCompiler(),
		logger:   logger.With(zap.String("store", "oceanbase"), zap.String("table", table)),
	}

	if err := client.initTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return client, nil
}

// buildDSN renders the driver DSN. Credentials are not interpolated by hand
// so passwords with special characters survive.
func buildDSN(cfg *Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.InterpolateParams = false

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	mc.Timeout = timeout
	return mc.FormatDSN()
}

// promotedColumns lists the payload fields that are also stored as columns.
var promotedColumns = []string{"user_id", "agent_id", "run_id", "hash", "category", "created_at", "updated_at"}

func newCompiler() *storage.FilterCompiler {
	d := storage.MySQLDialect{}
	cols := map[string]string{"id": "id"}
	for _, f := range storage.PayloadFields {
		cols[f] = d.JSONText("payload", f)
	}
	for _, f := range promotedColumns {
		cols[f] = f
	}
	return &storage.FilterCompiler{Dialect: d, PayloadColumn: "payload", Columns: cols}
}

// Upsert inserts or replaces a record.
func (c *Client) Upsert(ctx context.Context, memory *storage.Memory) error {
	if memory == nil || memory.ID == 0 {
		return fmt.Errorf("Upsert: %w", storage.ErrInvalidRecord)
	}
	if len(memory.Embedding) != c.config.EmbeddingModelDims {
		return fmt.Errorf("Upsert: %w: got %d, want %d",
			storage.ErrDimensionMismatch, len(memory.Embedding), c.config.EmbeddingModelDims)
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
	if c.hasVector {
		cols = append(cols, "embedding")
		args = append(args, storage.VectorLiteral(memory.Embedding))
	}

	updates := make([]string, 0, len(cols)-1)
	for _, col := range cols[1:] {
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", col, col))
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s`,
		c.table,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(updates, ", "))

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

// Get retrieves a memory by ID within the scope.
func (c *Client) Get(ctx context.Context, id int64, scope storage.Scope) (*storage.Memory, error) {
	where, args := c.compiler.Compile(scope, nil, 1)
	query := fmt.Sprintf(`SELECT id, vector_json, payload FROM %s WHERE id = ?`, c.table)
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
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", c.table)
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
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	} else if opts.Offset > 0 {
		// MySQL has no OFFSET without LIMIT.
		query += " LIMIT 18446744073709551615 OFFSET ?"
		args = append(args, opts.Offset)
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

// scanRows reads (id, vector_json, payload[, score]) rows.
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
