package intelligence

import (
	"context"
	"sort"
	"time"

	"github.com/oceanbase/powermem-engine/pkg/llm"
	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// DefaultDecayRate is the default retention e-folding time, in days.
const DefaultDecayRate = 30.0

// Config contains configuration for intelligent memory management.
type Config struct {
	// Enabled turns on the add and access hooks and decay scoring.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// DecayRate is the number of days for retention to fall to 1/e.
	// Default: 30.
	DecayRate float64 `json:"decay_rate" yaml:"decay_rate"`

	// ReinforcementFactor is the share of lost retention restored on access.
	ReinforcementFactor float64 `json:"reinforcement_factor" yaml:"reinforcement_factor"`

	WorkingThreshold   float64 `json:"working_threshold" yaml:"working_threshold"`
	ShortTermThreshold float64 `json:"short_term_threshold" yaml:"short_term_threshold"`
	LongTermThreshold  float64 `json:"long_term_threshold" yaml:"long_term_threshold"`

	InitialRetention float64 `json:"initial_retention" yaml:"initial_retention"`

	// ReprocessEvery recomputes the intelligence block every n accesses.
	// Default: 5.
	ReprocessEvery int `json:"reprocess_every" yaml:"reprocess_every"`

	// FallbackToSimpleAdd stores the raw input when an inferring add fails.
	FallbackToSimpleAdd bool `json:"fallback_to_simple_add" yaml:"fallback_to_simple_add"`
}

// DefaultConfig returns the default configuration with the engine enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		DecayRate:           DefaultDecayRate,
		ReinforcementFactor: 0.3,
		WorkingThreshold:    0.3,
		ShortTermThreshold:  0.6,
		LongTermThreshold:   0.8,
		InitialRetention:    1.0,
		ReprocessEvery:      5,
	}
}

// WithDefaults returns a copy with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.DecayRate <= 0 {
		c.DecayRate = d.DecayRate
	}
	if c.ReinforcementFactor <= 0 {
		c.ReinforcementFactor = d.ReinforcementFactor
	}
	if c.WorkingThreshold <= 0 {
		c.WorkingThreshold = d.WorkingThreshold
	}
	if c.ShortTermThreshold <= 0 {
		c.ShortTermThreshold = d.ShortTermThreshold
	}
	if c.LongTermThreshold <= 0 {
		c.LongTermThreshold = d.LongTermThreshold
	}
	if c.InitialRetention <= 0 {
		c.InitialRetention = d.InitialRetention
	}
	if c.ReprocessEvery <= 0 {
		c.ReprocessEvery = d.ReprocessEvery
	}
	return c
}

// IntelligentMemoryManager ties importance scoring, the forgetting curve
// and the LLM steps of an inferring add together.
//
// It exposes three hooks:
//   - ProcessMetadata at add time, returning the attributes to persist
//   - OnAccess after get and search, returning patches and deletions
//   - ProcessSearchResults, rescoring results by decay
//
// OnAccess and ProcessSearchResults never touch storage; the caller applies
// what they return.
//
// Example usage:
//
//	manager := NewIntelligentMemoryManager(llmProvider, DefaultConfig())
//	attrs := manager.ProcessMetadata(ctx, "User likes Python", nil, time.Now())
type IntelligentMemoryManager struct {
	importanceEvaluator *ImportanceEvaluator
	ebbinghausManager   *EbbinghausManager
	factExtractor       *FactExtractor
	decisionMaker       *DecisionMaker

	config Config
}

// NewIntelligentMemoryManager creates a manager. provider may be nil, in
// which case importance comes from rules and fact extraction is
// unavailable.
func NewIntelligentMemoryManager(provider llm.Provider, config *Config) *IntelligentMemoryManager {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.WithDefaults()

	m := &IntelligentMemoryManager{
		importanceEvaluator: NewImportanceEvaluator(provider),
		ebbinghausManager: NewEbbinghausManagerWithConfig(
			cfg.DecayRate,
			cfg.ReinforcementFactor,
			cfg.WorkingThreshold,
			cfg.ShortTermThreshold,
			cfg.LongTermThreshold,
			cfg.InitialRetention,
		),
		config: cfg,
	}
	if provider != nil {
		m.factExtractor = NewFactExtractor(provider)
		m.decisionMaker = NewDecisionMaker(provider)
	}
	return m
}

// Enabled reports whether the hooks do anything.
func (m *IntelligentMemoryManager) Enabled() bool { return m.config.Enabled }

// Config returns the effective configuration.
func (m *IntelligentMemoryManager) Config() Config { return m.config }

// ProcessMetadata scores new content and returns the attributes to persist
// with it. It returns nil when the engine is disabled.
func (m *IntelligentMemoryManager) ProcessMetadata(
	ctx context.Context,
	content string,
	metadata map[string]interface{},
	now time.Time,
) map[string]interface{} {
	if !m.config.Enabled {
		return nil
	}
	importance, source := m.importanceEvaluator.EvaluateImportance(ctx, content, metadata)
	state := m.ebbinghausManager.NewState(importance, source, now)
	mgmt := &Management{IsActive: true, LastEvaluatedAt: now}

	return map[string]interface{}{
		AttrIntelligence: state.ToMap(),
		AttrManagement:   mgmt.ToMap(),
	}
}

// OnAccess evaluates the lifecycle of records that were just returned by a
// get or a search. It is pure: nothing is persisted, and the records are not
// modified.
//
// Per record, in order:
//  1. Forget: delete if decay since the last access is below the working
//     threshold, or the record was never accessed and is older than 7 days.
//  2. Count the access and reinforce retention.
//  3. Promote one step when eligible.
//  4. Flag archival.
//  5. Reprocess the whole block on a class change or every n-th access.
func (m *IntelligentMemoryManager) OnAccess(records []*storage.Memory, now time.Time) AccessOutcome {
	var out AccessOutcome
	if !m.config.Enabled {
		return out
	}
	e := m.ebbinghausManager

	for _, rec := range records {
		if rec == nil {
			continue
		}
		state, ok := StateFrom(rec.Attributes)
		if !ok {
			importance := m.importanceEvaluator.EvaluateWithRules(rec.Content, rec.Metadata)
			state = e.NewState(importance, SourceRules, rec.CreatedAt)
		}
		mgmt := ManagementFrom(rec.Attributes)

		ref := rec.CreatedAt
		if rec.LastAccessedAt != nil && rec.LastAccessedAt.After(ref) {
			ref = *rec.LastAccessedAt
		}
		decay := e.Decay(ref, now)
		age := now.Sub(rec.CreatedAt)

		if e.ShouldForget(decay, state.AccessCount, age) {
			out.Deletes = append(out.Deletes, rec.ID)
			continue
		}

		state.AccessCount++
		state.CurrentRetention = e.Reinforce(state.CurrentRetention * decay)

		prevType := state.MemoryType
		mgmt.ShouldPromote = e.ShouldPromote(state.MemoryType, state.AccessCount, age, state.ImportanceScore)
		if mgmt.ShouldPromote {
			state.MemoryType = Next(state.MemoryType)
			mgmt.Promotions++
			out.Promoted++
		}

		mgmt.ShouldArchive = e.ShouldArchive(age, state.ImportanceScore)
		if mgmt.ShouldArchive && !mgmt.Archived {
			mgmt.Archived = true
			out.Archived++
		}

		if state.MemoryType != prevType || state.AccessCount%m.config.ReprocessEvery == 0 {
			m.reprocess(state, now)
			out.Reprocessed++
		}

		mgmt.ShouldForget = false
		mgmt.IsActive = !mgmt.Archived
		mgmt.LastEvaluatedAt = now

		out.Updates = append(out.Updates, FieldPatch{
			ID: rec.ID,
			Attributes: map[string]interface{}{
				AttrIntelligence: state.ToMap(),
				AttrManagement:   mgmt.ToMap(),
			},
			LastAccessedAt: now,
		})
	}
	return out
}

// reprocess recomputes the derived fields of state. The memory type is kept
// so a promotion is not undone by a low importance score.
func (m *IntelligentMemoryManager) reprocess(state *State, now time.Time) {
	e := m.ebbinghausManager
	state.DecayRate = e.DecayRateFor(state.MemoryType)
	state.ReinforcementFactor = m.config.ReinforcementFactor
	state.ReviewCount++
	state.ReviewSchedule = e.GenerateReviewSchedule(now)
	state.NextReview = e.NextReview(state.ReviewCount, now)
	state.LastReviewed = now
}

// ProcessSearchResults multiplies each score by the decay since creation,
// records decay_factor, relevance_score and final_score in the attributes,
// and sorts by the new score. Ties keep their input order. The input is
// returned unchanged when the engine is disabled.
func (m *IntelligentMemoryManager) ProcessSearchResults(results []*storage.Memory, now time.Time) []*storage.Memory {
	if !m.config.Enabled {
		return results
	}
	out := make([]*storage.Memory, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		c := storage.CloneMemory(r)
		decay := m.ebbinghausManager.Decay(c.CreatedAt, now)
		relevance := c.Score
		c.Score = relevance * decay

		if c.Attributes == nil {
			c.Attributes = make(map[string]interface{})
		}
		c.Attributes[AttrDecayFactor] = decay
		c.Attributes[AttrRelevanceScore] = relevance
		c.Attributes[AttrFinalScore] = c.Score
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ExtractFacts delegates to the fact extractor. It fails with
// ErrNoLLM when the manager has no provider.
func (m *IntelligentMemoryManager) ExtractFacts(ctx context.Context, conversation string) ([]string, error) {
	if m.factExtractor == nil {
		return nil, ErrNoLLM
	}
	return m.factExtractor.ExtractFacts(ctx, conversation)
}

// DecideActions delegates to the decision maker.
func (m *IntelligentMemoryManager) DecideActions(ctx context.Context, facts []string, existing []ExistingMemory) ([]MemoryAction, error) {
	if m.decisionMaker == nil {
		return nil, ErrNoLLM
	}
	return m.decisionMaker.DecideActions(ctx, facts, existing)
}

// GetEbbinghausManager returns the forgetting curve manager.
func (m *IntelligentMemoryManager) GetEbbinghausManager() *EbbinghausManager {
	return m.ebbinghausManager
}

// GetImportanceEvaluator returns the importance evaluator.
func (m *IntelligentMemoryManager) GetImportanceEvaluator() *ImportanceEvaluator {
	return m.importanceEvaluator
}
