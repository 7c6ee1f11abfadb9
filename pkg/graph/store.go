// Package graph defines the optional relation store that runs next to the
// vector store. Entities and relations extracted from memories are kept
// there and returned alongside search results.
package graph

import "context"

// Relation is one edge between two entities.
type Relation struct {
	Source       string  `json:"source"`
	Relationship string  `json:"relationship"`
	Destination  string  `json:"destination"`
	Score        float64 `json:"score,omitempty"`
}

// Filters scopes graph operations the same way memories are scoped.
type Filters struct {
	UserID  string
	AgentID string
	RunID   string
}

// Store is a graph memory backend. Failures are never fatal to the caller;
// the orchestrator logs them and continues.
type Store interface {
	// Add extracts relations from text and stores them. It returns the
	// relations added or updated.
	Add(ctx context.Context, text string, filters Filters) ([]Relation, error)

	// Search returns relations relevant to query.
	Search(ctx context.Context, query string, filters Filters, limit int) ([]Relation, error)

	// GetAll lists relations in scope.
	GetAll(ctx context.Context, filters Filters, limit int) ([]Relation, error)

	// DeleteAll removes relations in scope.
	DeleteAll(ctx context.Context, filters Filters) error
}
