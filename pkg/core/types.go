package core

import (
	"time"

	"github.com/oceanbase/powermem-engine/pkg/graph"
	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// Memory represents a single memory stored in the system.
//
// Example:
//
//	memory := &core.Memory{
//	    ID:      1234567890,
//	    UserID:  "user_001",
//	    Content: "User likes Python programming",
//	    Metadata: map[string]interface{}{
//	        "source": "conversation",
//	    },
//	}
type Memory struct {
	// ID is the unique, time-sortable identifier of the memory.
	ID int64 `json:"id"`

	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`

	// ActorID identifies who produced the content, e.g. a speaker name.
	ActorID string `json:"actor_id,omitempty"`

	Content string `json:"content"`

	// Hash is the md5 hex digest of Content.
	Hash string `json:"hash,omitempty"`

	// Category is promoted from metadata["category"].
	Category string `json:"category,omitempty"`

	// Scope is the visibility of the memory across agents.
	Scope MemoryScope `json:"scope,omitempty"`

	// Embedding is the stored vector as returned by the backend.
	Embedding []float64 `json:"embedding,omitempty"`

	// Metadata contains user supplied information about the memory.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Attributes contains system derived fields: the intelligence state and,
	// on search results, the decay scoring breakdown.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastAccessedAt is nil until the memory is first returned by a get or
	// a search.
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// RetentionStrength is the current retention (0.0-1.0) tracked by the
	// forgetting curve. Zero when the intelligence engine is off.
	RetentionStrength float64 `json:"retention_strength"`

	// Score is the relevance score on search results. Higher is better.
	Score float64 `json:"score,omitempty"`

	// Fusion explains hybrid search scoring. Nil otherwise.
	Fusion *storage.FusionDetails `json:"fusion,omitempty"`
}

// MemoryScope defines the visibility scope of a memory.
//
// Scopes control which agents can access a memory:
//   - ScopePrivate: Only the creating agent can access
//   - ScopeAgentGroup: All agents in the group can access
//   - ScopeGlobal: All agents can access
type MemoryScope string

const (
	ScopePrivate    MemoryScope = "private"
	ScopeAgentGroup MemoryScope = "agent_group"
	ScopeGlobal     MemoryScope = "global"
)

// Memory events reported in MemoryActionResult.Event.
const (
	EventAdd    = "ADD"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventNone   = "NONE"
)

// AddResult is the outcome of an add. A plain add yields one ADD result; an
// inferring add yields one result per decision that changed something.
type AddResult struct {
	Results []MemoryActionResult `json:"results"`

	// Relations are the graph relations added, when a graph store is set.
	Relations []graph.Relation `json:"relations,omitempty"`
}

// MemoryActionResult represents a single memory operation result.
type MemoryActionResult struct {
	ID int64 `json:"id"`

	// Memory is the content after the operation.
	Memory string `json:"memory"`

	// Event is ADD, UPDATE or DELETE.
	Event string `json:"event"`

	// PreviousMemory is the content before an UPDATE or DELETE.
	PreviousMemory string `json:"previous_memory,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchResult contains the results of a search operation.
type SearchResult struct {
	// Memories are sorted by descending score.
	Memories []*Memory `json:"memories"`

	// Relations come from the graph store, when one is set.
	Relations []graph.Relation `json:"relations,omitempty"`

	// TotalCount is the number of results that passed the score threshold
	// before truncation to the limit.
	TotalCount int `json:"total_count"`
}
