package oceanbase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// MySQL error numbers that mean the object is already there.
const (
	errTableExists     = 1050
	errDuplicateColumn = 1060
	errDuplicateKey    = 1061
)

// fallbackParsers are tried, in order, after the server default and the
// configured parser when creating the FULLTEXT index.
var fallbackParsers = []string{"ik", "ngram", "space", "beng"}

var vectorTypePattern = regexp.MustCompile(`(?i)^vector\((\d+)\)`)

// isAlreadyExists reports whether err is a DDL error for an object that
// already exists.
func isAlreadyExists(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	switch me.Number {
	case errTableExists, errDuplicateColumn, errDuplicateKey:
		return true
	}
	return false
}

// columnDefs returns the column definitions in creation order.
func columnDefs(dims int) [][2]string {
	return [][2]string{
		{"id", "BIGINT PRIMARY KEY"},
		{"vector_json", "LONGTEXT"},
		{"payload", "JSON"},
		{"user_id", "VARCHAR(128)"},
		{"agent_id", "VARCHAR(128)"},
		{"run_id", "VARCHAR(128)"},
		{"hash", "VARCHAR(32)"},
		{"category", "VARCHAR(64)"},
		{"created_at", "VARCHAR(64)"},
		{"updated_at", "VARCHAR(64)"},
		{"fulltext_content", "LONGTEXT"},
		{"embedding", fmt.Sprintf("VECTOR(%d)", dims)},
	}
}

// initTables creates the table if needed and then brings an existing table
// up to date. Every step is idempotent.
func (c *Client) initTables(ctx context.Context) error {
	dims := c.config.EmbeddingModelDims

	defs := columnDefs(dims)
	parts := make([]string, 0, len(defs))
	for _, d := range defs {
		parts = append(parts, d[0]+" "+d[1])
	}
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, c.table, strings.Join(parts, ", "))

	if _, err := c.db.ExecContext(ctx, create); err != nil && !isAlreadyExists(err) {
		// Servers without vector support reject the whole statement; retry
		// without the native column.
		c.logger.Warn("create table with vector column failed, retrying without it", zap.Error(err))
		create = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`,
			c.table, strings.Join(parts[:len(parts)-1], ", "))
		if _, err := c.db.ExecContext(ctx, create); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	existing, err := c.existingColumns(ctx)
	if err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	for _, d := range defs {
		if _, ok := existing[d[0]]; ok {
			continue
		}
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, c.table, d[0], d[1])
		if _, err := c.db.ExecContext(ctx, alter); err != nil && !isAlreadyExists(err) {
			if d[0] == "embedding" {
				c.logger.Warn("native vector column unavailable, using in-process scoring", zap.Error(err))
				continue
			}
			return fmt.Errorf("initTables: add column %s: %w", d[0], err)
		}
		existing[d[0]] = strings.ToLower(d[1])
	}

	if colType, ok := existing["embedding"]; ok {
		stored, ok := parseVectorDims(colType)
		if ok && stored != dims {
			return fmt.Errorf("initTables: %w: column embedding is VECTOR(%d), configured %d",
				storage.ErrDimensionMismatch, stored, dims)
		}
		c.hasVector = true
	}

	c.createScopeIndex(ctx)
	if c.hasVector {
		c.createVectorIndex(ctx)
	}
	c.createFulltextIndex(ctx)

	return nil
}

// existingColumns maps lower-cased column names to their column type.
func (c *Client) existingColumns(ctx context.Context) (map[string]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, c.table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]string)
	for rows.Next() {
		var name, colType string
		if err := rows.Scan(&name, &colType); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = strings.ToLower(colType)
	}
	return cols, rows.Err()
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

func (c *Client) createScopeIndex(ctx context.Context) {
	query := fmt.Sprintf(`CREATE INDEX idx_%s_scope ON %s (user_id, agent_id, run_id)`, c.table, c.table)
	if _, err := c.db.ExecContext(ctx, query); err != nil && !isAlreadyExists(err) {
		c.logger.Warn("create scope index failed", zap.Error(err))
	}
}

// createVectorIndex creates the HNSW index. Failure only costs speed.
func (c *Client) createVectorIndex(ctx context.Context) {
	if _, err := c.db.ExecContext(ctx, vectorIndexSQL(c.table, c.metric, c.config.IndexParams)); err != nil && !isAlreadyExists(err) {
		c.logger.Warn("create vector index failed", zap.Error(err))
	}
}

func vectorIndexSQL(table string, metric storage.MetricType, params storage.HNSWParams) string {
	distance := map[storage.MetricType]string{
		storage.MetricCosine: "cosine",
		storage.MetricL2:     "l2",
		storage.MetricIP:     "inner_product",
	}[metric]

	opts := []string{"distance=" + distance, "type=hnsw", "lib=vsag"}
	if params.M > 0 {
		opts = append(opts, fmt.Sprintf("m=%d", params.M))
	}
	if params.EfConstruction > 0 {
		opts = append(opts, fmt.Sprintf("ef_construction=%d", params.EfConstruction))
	}
	if params.EfSearch > 0 {
		opts = append(opts, fmt.Sprintf("ef_search=%d", params.EfSearch))
	}
	return fmt.Sprintf(`CREATE VECTOR INDEX idx_%s_vec ON %s (embedding) WITH (%s)`,
		table, table, strings.Join(opts, ", "))
}

// parserLadder returns the FULLTEXT parsers to try, in order, without
// duplicates. The empty string stands for the server default.
func parserLadder(configured string) []string {
	ladder := []string{""}
	seen := map[string]bool{"": true}
	for _, p := range append([]string{strings.ToLower(strings.TrimSpace(configured))}, fallbackParsers...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		ladder = append(ladder, p)
	}
	return ladder
}

func fulltextIndexSQL(table, parser string) string {
	query := fmt.Sprintf(`CREATE FULLTEXT INDEX idx_%s_fts ON %s (fulltext_content)`, table, table)
	if parser != "" {
		query += " WITH PARSER " + parser
	}
	return query
}

// createFulltextIndex walks the parser ladder until one index creation
// succeeds. When none does, lexical search falls back to LIKE.
func (c *Client) createFulltextIndex(ctx context.Context) {
	for _, parser := range parserLadder(c.config.FulltextParser) {
		_, err := c.db.ExecContext(ctx, fulltextIndexSQL(c.table, parser))
		if err == nil || isAlreadyExists(err) {
			c.hasFulltext = true
			c.fulltextParser = parser
			return
		}
		c.logger.Debug("fulltext parser rejected", zap.String("parser", parser), zap.Error(err))
	}
	c.logger.Warn("fulltext index unavailable, lexical search uses LIKE")
}
