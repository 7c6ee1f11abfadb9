// Package storage provides interfaces and types for vector storage backends.
//
// It defines the VectorStore contract every backend implements, the optional
// capability interfaces a backend may add (hybrid search, counting), the
// payload codec shared by the SQL backends, the filter compiler, and the
// hybrid search fusion algorithms.
package storage

import (
	"context"
	"errors"
	"time"
)

// Errors returned by VectorStore implementations.
var (
	// ErrNotFound is returned when a record does not exist or fails the scope check.
	ErrNotFound = errors.New("record not found")

	// ErrDimensionMismatch is returned when a vector does not match the configured
	// dimensionality, or when the stored schema disagrees with the configuration.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidRecord is returned when a record cannot be persisted as given.
	ErrInvalidRecord = errors.New("invalid record")
)

// Memory is the canonical memory record persisted by a VectorStore.
type Memory struct {
	// ID is the unique, time-sortable identifier. Immutable after creation.
	ID int64

	// UserID identifies the owner of the memory.
	UserID string

	// AgentID identifies the agent associated with the memory.
	AgentID string

	// RunID identifies the session the memory was produced in.
	RunID string

	// ActorID identifies who produced the content (e.g. a speaker name).
	ActorID string

	// Content is the text of the memory.
	Content string

	// Hash is the md5 hex digest of Content.
	Hash string

	// Category is an optional classification, promoted from metadata["category"].
	Category string

	// Visibility is the optional privacy scope (private, agent_group, global).
	Visibility string

	// Metadata is the user supplied metadata.
	Metadata map[string]interface{}

	// Attributes holds system derived fields such as the intelligence state.
	Attributes map[string]interface{}

	// Embedding is the vector attached to the record at write time.
	Embedding []float64

	// CreatedAt is set on the first write and never changes afterwards.
	CreatedAt time.Time

	// UpdatedAt is bumped on every mutation.
	UpdatedAt time.Time

	// LastAccessedAt is when the record was last returned by get or search.
	LastAccessedAt *time.Time

	// Score is the retrieval score. Only set on search results.
	Score float64

	// Fusion describes how a hybrid search result was scored. Nil otherwise.
	Fusion *FusionDetails
}

// Scope is the (user, agent, run) triple that partitions visibility.
// Empty fields do not restrict.
type Scope struct {
	UserID  string
	AgentID string
	RunID   string
}

// IsEmpty reports whether the scope places no restriction.
func (s Scope) IsEmpty() bool {
	return s.UserID == "" && s.AgentID == "" && s.RunID == ""
}

// Allows reports whether the memory is visible within the scope.
func (s Scope) Allows(m *Memory) bool {
	if m == nil {
		return false
	}
	if s.UserID != "" && m.UserID != s.UserID {
		return false
	}
	if s.AgentID != "" && m.AgentID != s.AgentID {
		return false
	}
	if s.RunID != "" && m.RunID != s.RunID {
		return false
	}
	return true
}

// MetricType defines the distance metric for vector similarity.
type MetricType string

const (
	// MetricCosine uses cosine distance, scored as 1/(1+distance).
	MetricCosine MetricType = "cosine"

	// MetricL2 uses euclidean distance, scored as 1/(1+distance).
	MetricL2 MetricType = "l2"

	// MetricIP uses the inner product, scored as the raw value.
	MetricIP MetricType = "ip"
)

// IsValid reports whether m is a known metric.
func (m MetricType) IsValid() bool {
	switch m {
	case MetricCosine, MetricL2, MetricIP:
		return true
	}
	return false
}

// HNSWParams contains parameters for HNSW index configuration.
type HNSWParams struct {
	// M is the maximum number of connections for each node.
	M int

	// EfConstruction is the search depth during index construction.
	EfConstruction int

	// EfSearch is the search depth during queries.
	EfSearch int
}

// SearchOptions contains options for search operations.
type SearchOptions struct {
	Scope

	// Limit is the maximum number of results to return.
	Limit int

	// Query is the original query text. Backends with a lexical index use it
	// for hybrid search; plain vector search ignores it.
	Query string

	// Filters is a filter expression, see FilterCompiler.
	Filters map[string]interface{}
}

// ListOptions contains options for listing records.
type ListOptions struct {
	Scope

	// Filters is a filter expression, see FilterCompiler.
	Filters map[string]interface{}

	// Limit is the maximum number of records to return. Zero means no limit.
	Limit int

	// Offset is the number of records to skip.
	Offset int
}

// DeleteAllOptions contains options for bulk deletion.
type DeleteAllOptions struct {
	Scope

	// Filters is a filter expression, see FilterCompiler.
	Filters map[string]interface{}
}

// VectorStore defines the interface for vector storage backends.
//
// All scope-bearing operations treat a record outside the scope exactly like
// a missing one: Get returns ErrNotFound and Delete returns false.
type VectorStore interface {
	// Upsert inserts the record or replaces the stored one with the same ID.
	// The vector is taken from memory.Embedding.
	Upsert(ctx context.Context, memory *Memory) error

	// Get retrieves a record by ID, including its embedding.
	Get(ctx context.Context, id int64, scope Scope) (*Memory, error)

	// Delete removes a record by ID and reports whether anything was deleted.
	Delete(ctx context.Context, id int64, scope Scope) (bool, error)

	// DeleteAll removes every record matching the options and returns the count.
	DeleteAll(ctx context.Context, opts *DeleteAllOptions) (int64, error)

	// List returns records ordered by ID.
	List(ctx context.Context, opts *ListOptions) ([]*Memory, error)

	// Search performs vector similarity search and returns results sorted by
	// score, highest first.
	Search(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*Memory, error)

	// Close releases the store's resources.
	Close() error
}

// HybridSearcher is implemented by stores that can combine vector similarity
// with lexical matching.
type HybridSearcher interface {
	// SupportsHybrid reports whether a lexical index (or a lexical fallback) is
	// available right now.
	SupportsHybrid() bool

	// HybridSearch runs the vector and lexical branches and fuses them.
	HybridSearch(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*Memory, error)
}

// Counter is implemented by stores that can count records cheaply.
type Counter interface {
	Count(ctx context.Context, scope Scope) (int64, error)
}

// CloneMemory returns a copy of m with its maps and slices duplicated.
func CloneMemory(m *Memory) *Memory {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata = cloneMap(m.Metadata)
	c.Attributes = cloneMap(m.Attributes)
	if m.Embedding != nil {
		c.Embedding = append([]float64(nil), m.Embedding...)
	}
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		c.LastAccessedAt = &t
	}
	if m.Fusion != nil {
		f := *m.Fusion
		c.Fusion = &f
	}
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
