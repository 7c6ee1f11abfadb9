// Package rerank defines cross-encoder rerankers used to reorder retrieval
// candidates against the query.
package rerank

import (
	"context"
	"sort"
)

// Result scores the document at Index in the input slice.
type Result struct {
	Index int
	Score float64
}

// Provider reranks documents for a query.
type Provider interface {
	// Rerank returns at most topN results sorted by descending score. A
	// topN of zero or less returns every document.
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]Result, error)
}

// SortResults orders results by descending score, keeping input order for
// ties, and truncates to topN when positive.
func SortResults(results []Result, topN int) []Result {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	return results
}
