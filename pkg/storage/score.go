package storage

import (
	"sort"

	"github.com/oceanbase/powermem-engine/pkg/vecmath"
)

// VectorScore maps the similarity between a and b to a higher-is-better score
// for the metric: 1/(1+distance) for cosine and L2, the raw inner product for IP.
func VectorScore(metric MetricType, a, b []float64) float64 {
	switch metric {
	case MetricL2:
		return vecmath.DistanceToScore(vecmath.L2Distance(a, b))
	case MetricIP:
		return vecmath.Dot(a, b)
	default:
		return vecmath.DistanceToScore(vecmath.CosineDistance(a, b))
	}
}

// DistanceScore converts a distance or similarity value reported by a server
// into the same scale as VectorScore.
func DistanceScore(metric MetricType, value float64) float64 {
	if metric == MetricIP {
		return value
	}
	return vecmath.DistanceToScore(value)
}

// RankByVector scores candidates in process against the query vector and
// returns the best limit of them. Candidates with a vector of the wrong
// length are skipped.
func RankByVector(candidates []*Memory, query []float64, metric MetricType, limit int) []*Memory {
	scored := make([]*Memory, 0, len(candidates))
	for _, m := range candidates {
		if len(m.Embedding) != len(query) {
			continue
		}
		c := CloneMemory(m)
		c.Score = VectorScore(metric, query, m.Embedding)
		scored = append(scored, c)
	}
	return topByScore(scored, limit)
}

// RankByBM25 scores candidate contents against the query text and returns the
// best limit candidates that share at least one term with it.
func RankByBM25(candidates []*Memory, query string, limit int) []*Memory {
	docs := make([]string, len(candidates))
	for i, m := range candidates {
		docs[i] = m.Content
	}
	scores := vecmath.NewBM25(docs).Score(query)

	scored := make([]*Memory, 0, len(candidates))
	for i, m := range candidates {
		if scores[i] <= 0 {
			continue
		}
		c := CloneMemory(m)
		c.Score = scores[i]
		scored = append(scored, c)
	}
	return topByScore(scored, limit)
}

func topByScore(list []*Memory, limit int) []*Memory {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Score > list[j].Score
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
