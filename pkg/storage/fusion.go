package storage

import (
	"context"
	"sort"
	"sync"
)

// FusionMethod selects how hybrid search combines its branches.
type FusionMethod string

const (
	// FusionRRF is reciprocal rank fusion.
	FusionRRF FusionMethod = "rrf"

	// FusionWeighted is a weighted sum of min-max normalized scores.
	FusionWeighted FusionMethod = "weighted"
)

// DefaultRRFK is the rank constant used when HybridConfig.RRFK is zero.
const DefaultRRFK = 60

// HybridConfig configures hybrid search fusion.
type HybridConfig struct {
	// Method is the fusion algorithm. Default: rrf.
	Method FusionMethod `json:"method,omitempty" yaml:"method,omitempty"`

	// RRFK is the RRF rank constant. Default: 60.
	RRFK int `json:"rrf_k,omitempty" yaml:"rrf_k,omitempty"`

	// VectorWeight weights the vector branch. Default: 0.5.
	VectorWeight float64 `json:"vector_weight,omitempty" yaml:"vector_weight,omitempty"`

	// LexicalWeight weights the lexical branch. Default: 0.5.
	LexicalWeight float64 `json:"fts_weight,omitempty" yaml:"fts_weight,omitempty"`
}

// WithDefaults fills unset fields.
func (c HybridConfig) WithDefaults() HybridConfig {
	if c.Method == "" {
		c.Method = FusionRRF
	}
	if c.RRFK <= 0 {
		c.RRFK = DefaultRRFK
	}
	if c.VectorWeight == 0 && c.LexicalWeight == 0 {
		c.VectorWeight = 0.5
		c.LexicalWeight = 0.5
	}
	return c
}

// FusionDetails records how a fused result was scored. Ranks are 1-based;
// zero means the record did not appear in that branch.
type FusionDetails struct {
	Method       FusionMethod `json:"method"`
	VectorRank   int          `json:"vector_rank,omitempty"`
	VectorScore  float64      `json:"vector_score,omitempty"`
	LexicalRank  int          `json:"fts_rank,omitempty"`
	LexicalScore float64      `json:"fts_score,omitempty"`
}

type fusionEntry struct {
	memory  *Memory
	details *FusionDetails
	order   int
	score   float64
}

// collect merges both branches by ID in first-seen order, vector branch first.
func collect(method FusionMethod, vector, lexical []*Memory) ([]*fusionEntry, map[int64]*fusionEntry) {
	byID := make(map[int64]*fusionEntry)
	var entries []*fusionEntry

	get := func(m *Memory) *fusionEntry {
		if e, ok := byID[m.ID]; ok {
			return e
		}
		e := &fusionEntry{memory: m, details: &FusionDetails{Method: method}, order: len(entries)}
		byID[m.ID] = e
		entries = append(entries, e)
		return e
	}

	for i, m := range vector {
		e := get(m)
		if e.details.VectorRank == 0 {
			e.details.VectorRank = i + 1
			e.details.VectorScore = m.Score
		}
	}
	for i, m := range lexical {
		e := get(m)
		if e.details.LexicalRank == 0 {
			e.details.LexicalRank = i + 1
			e.details.LexicalScore = m.Score
		}
	}
	return entries, byID
}

func finish(entries []*fusionEntry, limit int) []*Memory {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]*Memory, len(entries))
	for i, e := range entries {
		m := CloneMemory(e.memory)
		m.Score = e.score
		m.Fusion = e.details
		out[i] = m
	}
	return out
}

// FuseRRF combines ranked lists with reciprocal rank fusion:
// score = sum(weight_source / (k + rank_source)) over the sources a record
// appears in. Ties keep first-seen order.
func FuseRRF(vector, lexical []*Memory, cfg HybridConfig, limit int) []*Memory {
	cfg = cfg.WithDefaults()
	entries, _ := collect(FusionRRF, vector, lexical)

	k := float64(cfg.RRFK)
	for _, e := range entries {
		if r := e.details.VectorRank; r > 0 {
			e.score += cfg.VectorWeight / (k + float64(r))
		}
		if r := e.details.LexicalRank; r > 0 {
			e.score += cfg.LexicalWeight / (k + float64(r))
		}
	}
	return finish(entries, limit)
}

// FuseWeighted min-max normalizes each branch's scores to [0,1] and combines
// them as vectorWeight*v + lexicalWeight*l. A branch whose scores are empty or
// constant normalizes to 1.0.
func FuseWeighted(vector, lexical []*Memory, cfg HybridConfig, limit int) []*Memory {
	cfg = cfg.WithDefaults()
	entries, byID := collect(FusionWeighted, vector, lexical)

	vNorm := normalize(vector)
	lNorm := normalize(lexical)
	for id, e := range byID {
		if v, ok := vNorm[id]; ok {
			e.score += cfg.VectorWeight * v
		}
		if l, ok := lNorm[id]; ok {
			e.score += cfg.LexicalWeight * l
		}
	}
	return finish(entries, limit)
}

// Fuse dispatches to the configured fusion method.
func Fuse(vector, lexical []*Memory, cfg HybridConfig, limit int) []*Memory {
	if cfg.WithDefaults().Method == FusionWeighted {
		return FuseWeighted(vector, lexical, cfg, limit)
	}
	return FuseRRF(vector, lexical, cfg, limit)
}

func normalize(list []*Memory) map[int64]float64 {
	out := make(map[int64]float64, len(list))
	if len(list) == 0 {
		return out
	}

	lo, hi := list[0].Score, list[0].Score
	for _, m := range list[1:] {
		if m.Score < lo {
			lo = m.Score
		}
		if m.Score > hi {
			hi = m.Score
		}
	}

	for _, m := range list {
		if _, seen := out[m.ID]; seen {
			continue
		}
		if hi == lo {
			out[m.ID] = 1.0
		} else {
			out[m.ID] = (m.Score - lo) / (hi - lo)
		}
	}
	return out
}

// BranchFunc runs one side of a hybrid search.
type BranchFunc func(ctx context.Context) ([]*Memory, error)

// RunBranches executes the vector and lexical branches concurrently and waits
// for both. A failed branch contributes an empty list; its error is passed to
// onError (which may be nil).
func RunBranches(ctx context.Context, vector, lexical BranchFunc, onError func(branch string, err error)) ([]*Memory, []*Memory) {
	var (
		wg             sync.WaitGroup
		vecRes, lexRes []*Memory
		vecErr, lexErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vecRes, vecErr = vector(ctx)
	}()
	go func() {
		defer wg.Done()
		lexRes, lexErr = lexical(ctx)
	}()
	wg.Wait()

	if vecErr != nil {
		vecRes = nil
		if onError != nil {
			onError("vector", vecErr)
		}
	}
	if lexErr != nil {
		lexRes = nil
		if onError != nil {
			onError("fulltext", lexErr)
		}
	}
	return vecRes, lexRes
}
