package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

func ranked(ids ...int64) []*storage.Memory {
	out := make([]*storage.Memory, len(ids))
	for i, id := range ids {
		out[i] = &storage.Memory{ID: id, Score: float64(len(ids) - i)}
	}
	return out
}

func ids(ms []*storage.Memory) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestFuseRRFRanksConsistentWinnerFirst(t *testing.T) {
	// id 1 is first in both lists, id 3 is last in both.
	fused := storage.FuseRRF(ranked(1, 2, 3), ranked(1, 3, 2), storage.HybridConfig{}, 10)
	require.Len(t, fused, 3)
	assert.Equal(t, int64(1), fused[0].ID)

	fused = storage.FuseRRF(ranked(1, 2, 3), ranked(2, 1, 3), storage.HybridConfig{}, 10)
	assert.Equal(t, int64(3), fused[2].ID)
}

func TestFuseRRFMixedRanks(t *testing.T) {
	// Vector ranks a=1 b=2 c=3, lexical ranks a=3 b=1 c=2.
	fused := storage.FuseRRF(ranked(10, 20, 30), ranked(20, 30, 10), storage.HybridConfig{}, 10)
	assert.Equal(t, []int64{20, 10, 30}, ids(fused))

	top := fused[0]
	require.NotNil(t, top.Fusion)
	assert.Equal(t, storage.FusionRRF, top.Fusion.Method)
	assert.Equal(t, 2, top.Fusion.VectorRank)
	assert.Equal(t, 1, top.Fusion.LexicalRank)
	assert.InDelta(t, 0.5/62+0.5/61, top.Score, 1e-12)
}

func TestFuseRRFUnseenSourceAndTieBreak(t *testing.T) {
	// 1 and 2 only appear once each at rank 1: equal scores, first seen wins.
	fused := storage.FuseRRF(ranked(1), ranked(2), storage.HybridConfig{}, 10)
	assert.Equal(t, []int64{1, 2}, ids(fused))
	assert.Equal(t, 0, fused[1].Fusion.VectorRank)
	assert.Equal(t, 1, fused[1].Fusion.LexicalRank)
}

func TestFuseRRFTruncates(t *testing.T) {
	fused := storage.FuseRRF(ranked(1, 2, 3, 4), nil, storage.HybridConfig{}, 2)
	assert.Equal(t, []int64{1, 2}, ids(fused))
}

func TestFuseWeighted(t *testing.T) {
	vector := []*storage.Memory{{ID: 1, Score: 0.9}, {ID: 2, Score: 0.5}, {ID: 3, Score: 0.1}}
	lexical := []*storage.Memory{{ID: 3, Score: 8}, {ID: 2, Score: 4}}

	cfg := storage.HybridConfig{Method: storage.FusionWeighted, VectorWeight: 0.7, LexicalWeight: 0.3}
	fused := storage.Fuse(vector, lexical, cfg, 10)
	require.Len(t, fused, 3)

	byID := map[int64]float64{}
	for _, m := range fused {
		byID[m.ID] = m.Score
	}
	assert.InDelta(t, 0.7, byID[1], 1e-9)
	assert.InDelta(t, 0.7*0.5, byID[2], 1e-9)
	assert.InDelta(t, 0.3, byID[3], 1e-9)
	assert.Equal(t, int64(1), fused[0].ID)
	assert.Equal(t, storage.FusionWeighted, fused[0].Fusion.Method)
}

func TestFuseWeightedConstantScores(t *testing.T) {
	vector := []*storage.Memory{{ID: 1, Score: 0.4}, {ID: 2, Score: 0.4}}
	fused := storage.FuseWeighted(vector, nil, storage.HybridConfig{}, 10)
	require.Len(t, fused, 2)
	assert.InDelta(t, 0.5, fused[0].Score, 1e-9)
	assert.InDelta(t, 0.5, fused[1].Score, 1e-9)
	assert.Equal(t, []int64{1, 2}, ids(fused))
}

func TestFuseDoesNotMutateInputs(t *testing.T) {
	vector := ranked(1, 2)
	storage.FuseRRF(vector, nil, storage.HybridConfig{}, 10)
	assert.Nil(t, vector[0].Fusion)
	assert.Equal(t, 2.0, vector[0].Score)
}

func TestRunBranchesIsolatesFailures(t *testing.T) {
	var failed []string
	vec, lex := storage.RunBranches(context.Background(),
		func(context.Context) ([]*storage.Memory, error) { return ranked(1, 2), nil },
		func(context.Context) ([]*storage.Memory, error) { return ranked(9), errors.New("no fulltext index") },
		func(branch string, err error) { failed = append(failed, branch) },
	)

	assert.Equal(t, []int64{1, 2}, ids(vec))
	assert.Empty(t, lex)
	assert.Equal(t, []string{"fulltext"}, failed)
}
