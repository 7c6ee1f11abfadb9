// Package embedder provides interfaces for text embedding providers.
//
// It defines the Provider interface that all embedding implementations must satisfy,
// enabling text-to-vector conversion for similarity search.
package embedder

import (
	"context"
	"fmt"
)

// Action tells the provider what the embedding is for. Some providers embed
// queries and documents differently.
type Action string

const (
	// ActionAdd embeds content that is about to be stored.
	ActionAdd Action = "add"

	// ActionSearch embeds a query.
	ActionSearch Action = "search"

	// ActionUpdate embeds replacement content for an existing memory.
	ActionUpdate Action = "update"
)

// IsQuery reports whether the embedding is used to look records up.
func (a Action) IsQuery() bool {
	return a == ActionSearch
}

// Provider defines the interface for embedding providers.
//
// All embedding implementations (OpenAI, Qwen, etc.) must implement this interface.
type Provider interface {
	// Embed converts a text string into a vector embedding.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - text: The input text to embed
	//   - action: What the vector is used for
	//
	// Returns the embedding vector and any error.
	Embed(ctx context.Context, text string, action Action) ([]float64, error)

	// EmbedBatch converts multiple text strings into vector embeddings, in
	// input order.
	EmbedBatch(ctx context.Context, texts []string, action Action) ([][]float64, error)

	// Dimensions returns the dimension of embedding vectors produced by this provider.
	//
	// For example, OpenAI's text-embedding-3-small produces 1536-dimensional vectors.
	Dimensions() int

	// Close closes the provider and releases resources.
	Close() error
}

// CheckDimensions returns an error when vec does not have the provider's
// dimensionality. A provider reporting zero dimensions accepts any length.
func CheckDimensions(p Provider, vec []float64) error {
	if d := p.Dimensions(); d > 0 && len(vec) != d {
		return fmt.Errorf("embedding has %d dimensions, provider declares %d", len(vec), d)
	}
	return nil
}
