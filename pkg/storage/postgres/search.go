package postgres

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
	"github.com/oceanbase/powermem-engine/pkg/vecmath"
)

// distanceOperator returns the pgvector operator for the metric. The inner
// product operator <#> yields the negated product.
func distanceOperator(metric storage.MetricType) string {
	switch metric {
	case storage.MetricL2:
		return "<->"
	case storage.MetricIP:
		return "<#>"
	default:
		return "<=>"
	}
}

// Search performs vector search with pgvector, falling back to an in-process
// scan when the extension is unavailable or the query fails.
func (c *Client) Search(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	if len(embedding) != c.dimensions {
		return nil, fmt.Errorf("Search: %w", storage.ErrDimensionMismatch)
	}
	limit := limitOrDefault(opts.Limit)

	if c.hasVector {
		results, err := c.nativeSearch(ctx, embedding, opts, limit)
		if err == nil {
			return results, nil
		}
		c.logger.Warn("pgvector search failed, scanning in process", zap.Error(err))
	}

	candidates, err := c.scan(ctx, opts.Scope, opts.Filters, nil)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	return storage.RankByVector(candidates, embedding, c.metric, limit), nil
}

func (c *Client) nativeSearch(ctx context.Context, embedding []float64, opts *storage.SearchOptions, limit int) ([]*storage.Memory, error) {
	op := distanceOperator(c.metric)

	// $1 is the query vector.
	where, args := c.compiler.Compile(opts.Scope, opts.Filters, 1)
	query := fmt.Sprintf(`SELECT id, vector_json, payload, embedding %s $1::vector AS distance FROM %s`, op, c.table)
	if where != "" {
		query += " WHERE " + where
	}
	query += fmt.Sprintf(" ORDER BY distance LIMIT $%d", len(args)+2)

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
		if c.metric == storage.MetricIP {
			m.Score = -m.Score
			continue
		}
		m.Score = storage.DistanceScore(c.metric, m.Score)
	}
	return results, nil
}

// SupportsHybrid reports true: ILIKE stands in for a missing text index.
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

// FulltextSearch ranks records with ts_rank over the fts column, or with BM25
// over an ILIKE scan when no text search configuration is available.
func (c *Client) FulltextSearch(ctx context.Context, text string, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	limit := limitOrDefault(opts.Limit)

	if c.textConfig != "" {
		results, err := c.tsSearch(ctx, text, opts, limit)
		if err == nil {
			return results, nil
		}
		c.logger.Warn("text search failed, using ILIKE", zap.Error(err))
	}

	terms := vecmath.Tokenize(text)
	if len(terms) == 0 {
		return nil, nil
	}
	candidates, err := c.scan(ctx, opts.Scope, opts.Filters, terms)
	if err != nil {
		return nil, fmt.Errorf("FulltextSearch: %w", err)
	}
	return storage.RankByBM25(candidates, text, limit), nil
}

func (c *Client) tsSearch(ctx context.Context, text string, opts *storage.SearchOptions, limit int) ([]*storage.Memory, error) {
	// $1 config, $2 query text.
	where, args := c.compiler.Compile(opts.Scope, opts.Filters, 2)
	query := fmt.Sprintf(`SELECT id, vector_json, payload,
		ts_rank(fts, plainto_tsquery($1::regconfig, $2)) AS score
		FROM %s WHERE fts @@ plainto_tsquery($1::regconfig, $2)`, c.table)
	if where != "" {
		query += " AND " + where
	}
	query += fmt.Sprintf(" ORDER BY score DESC LIMIT $%d", len(args)+3)

	allArgs := append([]interface{}{c.textConfig, text}, args...)
	allArgs = append(allArgs, limit)

	rows, err := c.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows, true)
}

// scan loads the records matching the scope and filters. With terms, only
// rows containing at least one of them are returned.
func (c *Client) scan(ctx context.Context, scope storage.Scope, filters map[string]interface{}, terms []string) ([]*storage.Memory, error) {
	where, args := c.compiler.Compile(scope, filters, 0)
	conds := make([]string, 0, 2)
	if where != "" {
		conds = append(conds, where)
	}
	if len(terms) > 0 {
		likes := make([]string, len(terms))
		for i, t := range terms {
			args = append(args, "%"+escapeLike(t)+"%")
			likes[i] = fmt.Sprintf("fulltext_content ILIKE $%d", len(args))
		}
		conds = append(conds, "("+strings.Join(likes, " OR ")+")")
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

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 10
	}
	return limit
}
