package oceanbase

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
	"github.com/oceanbase/powermem-engine/pkg/vecmath"
)

// distanceFunc returns the server function for the metric and whether a
// larger value is better.
func distanceFunc(metric storage.MetricType) (string, bool) {
	switch metric {
	case storage.MetricL2:
		return "l2_distance", false
	case storage.MetricIP:
		return "inner_product", true
	default:
		return "cosine_distance", false
	}
}

// Search performs vector search. Server side distance functions are used when
// the native column exists; any error there falls back to an in-process scan.
func (c *Client) Search(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	if len(embedding) != c.config.EmbeddingModelDims {
		return nil, fmt.Errorf("Search: %w", storage.ErrDimensionMismatch)
	}
	limit := limitOrDefault(opts.Limit)

	if c.hasVector {
		results, err := c.nativeSearch(ctx, embedding, opts, limit)
		if err == nil {
			return results, nil
		}
		c.logger.Warn("native vector search failed, scanning in process", zap.Error(err))
	}

	candidates, err := c.scan(ctx, opts.Scope, opts.Filters, "", nil)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	return storage.RankByVector(candidates, embedding, c.metric, limit), nil
}

func (c *Client) nativeSearch(ctx context.Context, embedding []float64, opts *storage.SearchOptions, limit int) ([]*storage.Memory, error) {
	fn, descending := distanceFunc(c.metric)
	order := "ASC"
	if descending {
		order = "DESC"
	}

	where, args := c.compiler.Compile(opts.Scope, opts.Filters, 1)
	query := fmt.Sprintf(`SELECT id, vector_json, payload, %s(embedding, ?) AS distance FROM %s`, fn, c.table)
	if where != "" {
		query += " WHERE " + where
	}
	query += fmt.Sprintf(" ORDER BY distance %s LIMIT ?", order)

	allArgs := append([]interface{}{storage.VectorLiteral(embedding)}, args...)
	allArgs = append(allArgs, limit)

	rows, err := c.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, err
	}
	results, err := scanRows(rows, true)
	if err != nil {
		return nil, err
	}
	for _, m := range results {
		m.Score = storage.DistanceScore(c.metric, m.Score)
	}
	return results, nil
}

// SupportsHybrid reports true: the LIKE scan stands in for a missing
// FULLTEXT index.
func (c *Client) SupportsHybrid() bool {
	return true
}

// HybridSearch runs vector and full-text search concurrently and fuses them.
func (c *Client) HybridSearch(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil || strings.TrimSpace(opts.Query) == "" {
		return c.Search(ctx, embedding, opts)
	}
	limit := limitOrDefault(opts.Limit)

	vector, lexical := storage.RunBranches(ctx,
		func(ctx context.Context) ([]*storage.Memory, error) {
			return c.Search(ctx, embedding, opts)
		},
		func(ctx context.Context) ([]*storage.Memory, error) {
			return c.FulltextSearch(ctx, opts.Query, opts)
		},
		func(branch string, err error) {
			c.logger.Warn("hybrid branch failed", zap.String("branch", branch), zap.Error(err))
		},
	)

	return storage.Fuse(vector, lexical, c.hybrid, limit), nil
}

// FulltextSearch ranks records by lexical relevance to query. It uses
// MATCH ... AGAINST when the FULLTEXT index exists and a LIKE scan scored
// with BM25 otherwise.
func (c *Client) FulltextSearch(ctx context.Context, query string, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	limit := limitOrDefault(opts.Limit)

	if c.hasFulltext {
		results, err := c.matchAgainst(ctx, query, opts, limit)
		if err == nil {
			return results, nil
		}
		c.logger.Warn("fulltext query failed, using LIKE", zap.Error(err))
	}

	terms := vecmath.Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	cond, condArgs := likeCondition(terms)
	candidates, err := c.scan(ctx, opts.Scope, opts.Filters, cond, condArgs)
	if err != nil {
		return nil, fmt.Errorf("FulltextSearch: %w", err)
	}
	return storage.RankByBM25(candidates, query, limit), nil
}

func (c *Client) matchAgainst(ctx context.Context, text string, opts *storage.SearchOptions, limit int) ([]*storage.Memory, error) {
	where, args := c.compiler.Compile(opts.Scope, opts.Filters, 2)
	query := fmt.Sprintf(`SELECT id, vector_json, payload,
		MATCH(fulltext_content) AGAINST(? IN NATURAL LANGUAGE MODE) AS score
		FROM %s WHERE MATCH(fulltext_content) AGAINST(? IN NATURAL LANGUAGE MODE)`, c.table)
	if where != "" {
		query += " AND " + where
	}
	query += " ORDER BY score DESC LIMIT ?"

	allArgs := append([]interface{}{text, text}, args...)
	allArgs = append(allArgs, limit)

	rows, err := c.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows, true)
}

// scan loads every record matching the scope, the filters and an optional
// extra condition.
func (c *Client) scan(ctx context.Context, scope storage.Scope, filters map[string]interface{}, extra string, extraArgs []interface{}) ([]*storage.Memory, error) {
	where, args := c.compiler.Compile(scope, filters, 0)
	conds := make([]string, 0, 2)
	if where != "" {
		conds = append(conds, where)
	}
	if extra != "" {
		conds = append(conds, extra)
		args = append(args, extraArgs...)
	}

	query := fmt.Sprintf(`SELECT id, vector_json, payload FROM %s`, c.table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows, false)
}

// likeCondition matches rows containing any of the terms.
func likeCondition(terms []string) (string, []interface{}) {
	parts := make([]string, len(terms))
	args := make([]interface{}, len(terms))
	for i, t := range terms {
		parts[i] = "LOWER(fulltext_content) LIKE ?"
		args[i] = "%" + escapeLike(t) + "%"
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 10
	}
	return limit
}
