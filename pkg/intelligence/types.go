// Package intelligence scores, decays and reclassifies memories with a
// forgetting-curve model, and drives the model-in-the-loop steps of an
// inferring add (fact extraction and merge decisions).
package intelligence

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoLLM is returned by the LLM steps when no provider is configured.
var ErrNoLLM = errors.New("intelligence: no LLM configured")

// Memory classifications, weakest first.
const (
	MemoryTypeWorking   = "working"
	MemoryTypeShortTerm = "short_term"
	MemoryTypeLongTerm  = "long_term"
)

// Attribute keys holding the intelligence state on a record.
const (
	AttrIntelligence = "intelligence"
	AttrManagement   = "memory_management"
)

// Keys added to search results by ProcessSearchResults.
const (
	AttrDecayFactor    = "decay_factor"
	AttrRelevanceScore = "relevance_score"
	AttrFinalScore     = "final_score"
)

// State is the intelligence block of a record.
type State struct {
	ImportanceScore     float64     `json:"importance_score"`
	MemoryType          string      `json:"memory_type"`
	InitialRetention    float64     `json:"initial_retention"`
	CurrentRetention    float64     `json:"current_retention"`
	DecayRate           float64     `json:"decay_rate"`
	ReinforcementFactor float64     `json:"reinforcement_factor"`
	AccessCount         int         `json:"access_count"`
	ReviewCount         int         `json:"review_count"`
	ReviewSchedule      []time.Time `json:"review_schedule,omitempty"`
	NextReview          time.Time   `json:"next_review"`
	LastReviewed        time.Time   `json:"last_reviewed"`
	ImportanceSource    string      `json:"importance_source,omitempty"`
}

// Management is the lifecycle flag block of a record.
type Management struct {
	ShouldPromote   bool      `json:"should_promote"`
	ShouldForget    bool      `json:"should_forget"`
	ShouldArchive   bool      `json:"should_archive"`
	Archived        bool      `json:"archived"`
	IsActive        bool      `json:"is_active"`
	Promotions      int       `json:"promotions"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
}

// FieldPatch is an attribute update for one record. It never touches the
// content or the vector.
type FieldPatch struct {
	ID             int64
	Attributes     map[string]interface{}
	LastAccessedAt time.Time
}

// AccessOutcome is what OnAccess asks the caller to apply.
type AccessOutcome struct {
	Updates []FieldPatch
	Deletes []int64

	// Counters for telemetry.
	Promoted    int
	Archived    int
	Reprocessed int
}

// toMap converts v into a generic map through its JSON form, so stored
// attributes look the same whatever backend round trip they went through.
func toMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// fromMap fills v from a generic map. Unknown or malformed fields are left
// at their zero values.
func fromMap(m interface{}, v interface{}) bool {
	if m == nil {
		return false
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// ToMap renders the state for storage in Attributes.
func (s *State) ToMap() map[string]interface{} { return toMap(s) }

// ToMap renders the flags for storage in Attributes.
func (m *Management) ToMap() map[string]interface{} { return toMap(m) }

// StateFrom reads the intelligence block from a record's attributes.
func StateFrom(attrs map[string]interface{}) (*State, bool) {
	block, ok := attrs[AttrIntelligence]
	if !ok {
		return nil, false
	}
	var s State
	if !fromMap(block, &s) || s.MemoryType == "" {
		return nil, false
	}
	return &s, true
}

// ManagementFrom reads the lifecycle flags from a record's attributes.
func ManagementFrom(attrs map[string]interface{}) *Management {
	m := &Management{IsActive: true}
	if block, ok := attrs[AttrManagement]; ok {
		fromMap(block, m)
	}
	return m
}
