package intelligence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-engine/pkg/intelligence"
	"github.com/oceanbase/powermem-engine/pkg/llm"
	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// scriptedLLM replies with a fixed text, or fails.
type scriptedLLM struct {
	reply string
	err   error
	calls []llm.GenerateOptions
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return s.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

func (s *scriptedLLM) GenerateWithMessages(_ context.Context, _ []llm.Message, opts ...llm.GenerateOption) (string, error) {
	s.calls = append(s.calls, *llm.ApplyGenerateOptions(opts))
	return s.reply, s.err
}

func (s *scriptedLLM) Close() error { return nil }

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id int64, created time.Time, attrs map[string]interface{}) *storage.Memory {
	return &storage.Memory{ID: id, UserID: "u", Content: "note", CreatedAt: created, UpdatedAt: created, Attributes: attrs, Score: 1}
}

func TestProcessMetadata(t *testing.T) {
	provider := &scriptedLLM{reply: `{"importance_score": 0.85}`}
	manager := intelligence.NewIntelligentMemoryManager(provider, intelligence.DefaultConfig())

	attrs := manager.ProcessMetadata(context.Background(), "User's birthday is March 15th", nil, t0)
	require.NotNil(t, attrs)

	state, ok := intelligence.StateFrom(attrs)
	require.True(t, ok)
	assert.InDelta(t, 0.85, state.ImportanceScore, 1e-9)
	assert.Equal(t, intelligence.MemoryTypeLongTerm, state.MemoryType)
	assert.Equal(t, intelligence.SourceLLM, state.ImportanceSource)
	assert.Equal(t, 0, state.AccessCount)
	assert.Len(t, state.ReviewSchedule, 5)

	require.Len(t, provider.calls, 1)
	assert.Equal(t, llm.ResponseFormatJSON, provider.calls[0].ResponseFormat)

	mgmt := intelligence.ManagementFrom(attrs)
	assert.True(t, mgmt.IsActive)
	assert.False(t, mgmt.Archived)
}

func TestProcessMetadata_FallsBackToRules(t *testing.T) {
	provider := &scriptedLLM{err: errors.New("down")}
	manager := intelligence.NewIntelligentMemoryManager(provider, intelligence.DefaultConfig())

	attrs := manager.ProcessMetadata(context.Background(), "Remember: the password is important", map[string]interface{}{"priority": "high"}, t0)
	state, ok := intelligence.StateFrom(attrs)
	require.True(t, ok)
	assert.Equal(t, intelligence.SourceRules, state.ImportanceSource)
	assert.Greater(t, state.ImportanceScore, 0.45)
}

func TestProcessMetadata_Disabled(t *testing.T) {
	manager := intelligence.NewIntelligentMemoryManager(nil, &intelligence.Config{})
	assert.Nil(t, manager.ProcessMetadata(context.Background(), "x", nil, t0))
	assert.Empty(t, manager.OnAccess([]*storage.Memory{record(1, t0, nil)}, t0).Updates)
}

func TestOnAccess_IsPureAndCountsAccess(t *testing.T) {
	manager := intelligence.NewIntelligentMemoryManager(nil, intelligence.DefaultConfig())
	attrs := manager.ProcessMetadata(context.Background(), "likes tea", nil, t0)
	rec := record(1, t0, attrs)
	before := storage.CloneMemory(rec)

	out := manager.OnAccess([]*storage.Memory{rec}, t0.Add(time.Minute))
	assert.Equal(t, before, rec, "records are not modified")
	assert.Empty(t, out.Deletes)
	require.Len(t, out.Updates, 1)

	patch := out.Updates[0]
	assert.Equal(t, int64(1), patch.ID)
	assert.Equal(t, t0.Add(time.Minute), patch.LastAccessedAt)
	state, ok := intelligence.StateFrom(patch.Attributes)
	require.True(t, ok)
	assert.Equal(t, 1, state.AccessCount)
}

func TestOnAccess_Forgets(t *testing.T) {
	manager := intelligence.NewIntelligentMemoryManager(nil, intelligence.DefaultConfig())
	state := manager.GetEbbinghausManager().NewState(0.5, intelligence.SourceRules, t0)

	unused := record(1, t0, map[string]interface{}{intelligence.AttrIntelligence: state.ToMap()})

	state.AccessCount = 2
	used := record(2, t0, map[string]interface{}{intelligence.AttrIntelligence: state.ToMap()})
	last := t0.Add(time.Hour)
	used.LastAccessedAt = &last

	// A week and a day on: retention is still high, but record 1 was
	// never accessed.
	out := manager.OnAccess([]*storage.Memory{unused, used}, t0.Add(8*24*time.Hour))
	assert.Equal(t, []int64{1}, out.Deletes)
	require.Len(t, out.Updates, 1)
	assert.Equal(t, int64(2), out.Updates[0].ID)

	// Two months after the last access, retention is below the floor.
	out = manager.OnAccess([]*storage.Memory{used}, t0.Add(60*24*time.Hour))
	assert.Equal(t, []int64{2}, out.Deletes)
	assert.Empty(t, out.Updates)
}

func TestOnAccess_PromotesOneStepAndReprocesses(t *testing.T) {
	manager := intelligence.NewIntelligentMemoryManager(nil, intelligence.DefaultConfig())
	e := manager.GetEbbinghausManager()

	state := e.NewState(0.4, intelligence.SourceRules, t0)
	require.Equal(t, intelligence.MemoryTypeWorking, state.MemoryType)
	state.AccessCount = 2
	rec := record(1, t0, map[string]interface{}{intelligence.AttrIntelligence: state.ToMap()})

	// Third access crosses the access-count rule.
	out := manager.OnAccess([]*storage.Memory{rec}, t0.Add(time.Hour))
	require.Len(t, out.Updates, 1)
	assert.Equal(t, 1, out.Promoted)
	assert.Equal(t, 1, out.Reprocessed)

	got, ok := intelligence.StateFrom(out.Updates[0].Attributes)
	require.True(t, ok)
	assert.Equal(t, intelligence.MemoryTypeShortTerm, got.MemoryType)
	assert.Equal(t, 1, got.ReviewCount)
	assert.Equal(t, t0.Add(time.Hour), got.LastReviewed)
	assert.True(t, intelligence.ManagementFrom(out.Updates[0].Attributes).ShouldPromote)
}

func TestOnAccess_KeepsUnknownType(t *testing.T) {
	manager := intelligence.NewIntelligentMemoryManager(nil, intelligence.DefaultConfig())
	state := manager.GetEbbinghausManager().NewState(0.9, intelligence.SourceRules, t0)
	state.MemoryType = "episodic"
	state.AccessCount = 2
	rec := record(1, t0, map[string]interface{}{intelligence.AttrIntelligence: state.ToMap()})

	out := manager.OnAccess([]*storage.Memory{rec}, t0.Add(48*time.Hour))
	require.Len(t, out.Updates, 1)
	assert.Zero(t, out.Promoted)

	got, ok := intelligence.StateFrom(out.Updates[0].Attributes)
	require.True(t, ok)
	assert.Equal(t, "episodic", got.MemoryType)
}

func TestOnAccess_ReprocessEveryFifthAccess(t *testing.T) {
	manager := intelligence.NewIntelligentMemoryManager(nil, intelligence.DefaultConfig())
	e := manager.GetEbbinghausManager()

	state := e.NewState(0.9, intelligence.SourceRules, t0)
	state.AccessCount = 3
	rec := record(1, t0, map[string]interface{}{intelligence.AttrIntelligence: state.ToMap()})

	out := manager.OnAccess([]*storage.Memory{rec}, t0.Add(time.Hour))
	assert.Zero(t, out.Reprocessed, "fourth access of a long-term memory")

	state.AccessCount = 4
	rec.Attributes[intelligence.AttrIntelligence] = state.ToMap()
	out = manager.OnAccess([]*storage.Memory{rec}, t0.Add(time.Hour))
	assert.Equal(t, 1, out.Reprocessed)
	assert.Zero(t, out.Promoted)
}

func TestOnAccess_ArchivesLowImportance(t *testing.T) {
	manager := intelligence.NewIntelligentMemoryManager(nil, intelligence.DefaultConfig())
	state := manager.GetEbbinghausManager().NewState(0.1, intelligence.SourceRules, t0)
	rec := record(1, t0, map[string]interface{}{intelligence.AttrIntelligence: state.ToMap()})

	out := manager.OnAccess([]*storage.Memory{rec}, t0.Add(time.Minute))
	require.Len(t, out.Updates, 1)
	assert.Equal(t, 1, out.Archived)
	mgmt := intelligence.ManagementFrom(out.Updates[0].Attributes)
	assert.True(t, mgmt.Archived)
	assert.False(t, mgmt.IsActive)
}

func TestOnAccess_InitialisesMissingState(t *testing.T) {
	manager := intelligence.NewIntelligentMemoryManager(nil, intelligence.DefaultConfig())
	out := manager.OnAccess([]*storage.Memory{record(7, t0, nil)}, t0.Add(time.Minute))
	require.Len(t, out.Updates, 1)
	state, ok := intelligence.StateFrom(out.Updates[0].Attributes)
	require.True(t, ok)
	assert.Equal(t, 1, state.AccessCount)
}

func TestProcessSearchResults(t *testing.T) {
	manager := intelligence.NewIntelligentMemoryManager(nil, intelligence.DefaultConfig())
	now := t0.Add(60 * 24 * time.Hour)

	old := record(1, t0, nil)
	old.Score = 0.9
	recent := record(2, now.Add(-time.Hour), nil)
	recent.Score = 0.8
	tieA := record(3, now, nil)
	tieA.Score = 0.5
	tieB := record(4, now, nil)
	tieB.Score = 0.5

	out := manager.ProcessSearchResults([]*storage.Memory{old, tieA, tieB, recent}, now)
	require.Len(t, out, 4)
	assert.Equal(t, []int64{2, 3, 4, 1}, []int64{out[0].ID, out[1].ID, out[2].ID, out[3].ID})

	assert.Equal(t, 0.9, old.Score, "input is not modified")
	last := out[3]
	assert.InDelta(t, 0.9, last.Attributes[intelligence.AttrRelevanceScore], 1e-9)
	decay := last.Attributes[intelligence.AttrDecayFactor].(float64)
	assert.InDelta(t, 0.9*decay, last.Attributes[intelligence.AttrFinalScore], 1e-9)
	assert.InDelta(t, 0.9*decay, last.Score, 1e-9)
}
