package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// SQLSTATE codes for objects that already exist.
const (
	codeDuplicateColumn = "42701"
	codeDuplicateTable  = "42P07"
	codeDuplicateObject = "42710"
)

var vectorTypePattern = regexp.MustCompile(`(?i)^vector\((\d+)\)`)

// isAlreadyExists reports whether err is a duplicate object error.
func isAlreadyExists(err error) bool {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return false
	}
	switch string(pe.Code) {
	case codeDuplicateColumn, codeDuplicateTable, codeDuplicateObject:
		return true
	}
	return false
}

func columnDefs(dims int) [][2]string {
	return [][2]string{
		{"id", "BIGINT PRIMARY KEY"},
		{"vector_json", "TEXT"},
		{"payload", "JSONB"},
		{"user_id", "VARCHAR(128)"},
		{"agent_id", "VARCHAR(128)"},
		{"run_id", "VARCHAR(128)"},
		{"hash", "VARCHAR(32)"},
		{"category", "VARCHAR(64)"},
		{"created_at", "VARCHAR(64)"},
		{"updated_at", "VARCHAR(64)"},
		{"fulltext_content", "TEXT"},
		{"fts", "TSVECTOR"},
		{"embedding", fmt.Sprintf("vector(%d)", dims)},
	}
}

// initTables creates the extension, the table and the indexes. Every step
// tolerates objects that already exist.
func (c *Client) initTables(ctx context.Context, textConfig string) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil && !isAlreadyExists(err) {
		c.logger.Warn("pgvector extension unavailable, using in-process scoring", zap.Error(err))
	}

	defs := columnDefs(c.dimensions)
	base := make([]string, 0, len(defs))
	for _, d := range defs[:len(defs)-1] {
		base = append(base, d[0]+" "+d[1])
	}
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, c.table, strings.Join(base, ", "))
	if _, err := c.db.ExecContext(ctx, create); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("initTables: create table: %w", err)
	}

	existing, err := c.existingColumns(ctx)
	if err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	for _, d := range defs {
		if existing[d[0]] {
			continue
		}
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, c.table, d[0], d[1])
		if _, err := c.db.ExecContext(ctx, alter); err != nil && !isAlreadyExists(err) {
			if d[0] == "embedding" {
				c.logger.Warn("native vector column unavailable", zap.Error(err))
				continue
			}
			return fmt.Errorf("initTables: add column %s: %w", d[0], err)
		}
		existing[d[0]] = true
	}

	if existing["embedding"] {
		stored, err := c.vectorDimensions(ctx)
		if err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
		if stored > 0 && stored != c.dimensions {
			return fmt.Errorf("initTables: %w: column embedding is vector(%d), configured %d",
				storage.ErrDimensionMismatch, stored, c.dimensions)
		}
		c.hasVector = true
	}

	c.textConfig = c.pickTextConfig(ctx, textConfig)
	c.createIndexes(ctx)
	return nil
}

func (c *Client) existingColumns(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, c.name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// vectorDimensions reads the declared dimension of the embedding column.
func (c *Client) vectorDimensions(ctx context.Context) (int, error) {
	var colType string
	err := c.db.QueryRowContext(ctx, `
		SELECT format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = $1::regclass AND a.attname = 'embedding' AND NOT a.attisdropped`,
		c.name).Scan(&colType)
	if err != nil {
		return 0, err
	}
	n, _ := parseVectorDims(colType)
	return n, nil
}

func parseVectorDims(colType string) (int, bool) {
	m := vectorTypePattern.FindStringSubmatch(strings.TrimSpace(colType))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// textConfigLadder returns the configurations to try: the configured one,
// then simple.
func textConfigLadder(configured string) []string {
	configured = strings.ToLower(strings.TrimSpace(configured))
	if configured == "" || configured == "simple" {
		return []string{"simple"}
	}
	return []string{configured, "simple"}
}

func (c *Client) pickTextConfig(ctx context.Context, configured string) string {
	for _, cfg := range textConfigLadder(configured) {
		var ok bool
		err := c.db.QueryRowContext(ctx,
			`SELECT to_tsvector($1::regconfig, 'probe') IS NOT NULL`, cfg).Scan(&ok)
		if err == nil && ok {
			return cfg
		}
		c.logger.Debug("text search configuration rejected", zap.String("config", cfg), zap.Error(err))
	}
	c.logger.Warn("no text search configuration available, lexical search uses ILIKE")
	return ""
}

func (c *Client) createIndexes(ctx context.Context) {
	stmts := map[string]string{
		"scope": fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s (user_id, agent_id, run_id)`, c.name, c.table),
	}
	if c.textConfig != "" {
		stmts["fts"] = fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_fts ON %s USING GIN (fts)`, c.name, c.table)
	}
	if c.hasVector {
		stmts["vector"] = fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_vec ON %s USING hnsw (embedding %s)`,
			c.name, c.table, opClass(c.metric))
	}

	names := make([]string, 0, len(stmts))
	for name := range stmts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := c.db.ExecContext(ctx, stmts[name]); err != nil && !isAlreadyExists(err) {
			c.logger.Warn("create index failed", zap.String("index", name), zap.Error(err))
		}
	}
}

func opClass(metric storage.MetricType) string {
	switch metric {
	case storage.MetricL2:
		return "vector_l2_ops"
	case storage.MetricIP:
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

// buildDSN renders a key=value connection string with every value quoted.
func buildDSN(cfg *Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	pairs := [][2]string{
		{"host", cfg.Host},
		{"port", strconv.Itoa(cfg.Port)},
		{"user", cfg.User},
		{"password", cfg.Password},
		{"dbname", cfg.DBName},
		{"sslmode", sslMode},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p[1] == "" {
			continue
		}
		v := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(p[1])
		parts = append(parts, fmt.Sprintf("%s='%s'", p[0], v))
	}
	return strings.Join(parts, " ")
}

// promotedColumns lists the payload fields that are also stored as columns.
var promotedColumns = []string{"user_id", "agent_id", "run_id", "hash", "category", "created_at", "updated_at"}

func newCompiler() *storage.FilterCompiler {
	d := storage.PostgresDialect{}
	cols := map[string]string{"id": "id"}
	for _, f := range storage.PayloadFields {
		cols[f] = d.JSONText("payload", f)
	}
	for _, f := range promotedColumns {
		cols[f] = f
	}
	return &storage.FilterCompiler{Dialect: d, PayloadColumn: "payload", Columns: cols}
}
