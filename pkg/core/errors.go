// Package core provides the main PowerMem client and memory management functionality.
package core

import (
	"errors"
	"fmt"

	"github.com/oceanbase/powermem-engine/pkg/storage"
	"github.com/oceanbase/powermem-engine/pkg/storage/adapter"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a requested memory was not found.
	ErrNotFound = errors.New("memory not found")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates that a connection to the storage backend failed.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrEmbeddingFailed indicates that embedding generation failed.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageOperation indicates that a storage operation failed.
	ErrStorageOperation = errors.New("storage operation failed")

	// ErrLLMOperation indicates that an LLM operation failed.
	ErrLLMOperation = errors.New("llm operation failed")
)

// MemoryError carries the name of the public operation that failed. The
// cause stays reachable through errors.Is and errors.As:
//
//	_, err := client.Get(ctx, id)
//	if errors.Is(err, core.ErrNotFound) {
//	    // handle the missing memory
//	}
type MemoryError struct {
	Op  string
	Err error
}

// Error formats the error as "powermem: <Op>: <Err>".
func (e *MemoryError) Error() string {
	return fmt.Sprintf("powermem: %s: %v", e.Op, e.Err)
}

func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError wraps err for op. It returns nil when err is nil.
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{Op: op, Err: err}
}

// wrapError wraps err for op, translating storage and adapter sentinels into
// the ones exported here. The original error stays in the chain.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *MemoryError
	if errors.As(err, &me) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidConfig):
	case errors.Is(err, storage.ErrNotFound):
		err = fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, adapter.ErrInvalidInput), errors.Is(err, storage.ErrInvalidRecord):
		err = fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, storage.ErrDimensionMismatch):
		err = fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	case errors.Is(err, adapter.ErrEmbedding):
		err = fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	case errors.Is(err, ErrEmbeddingFailed), errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrLLMOperation), errors.Is(err, ErrStorageOperation):
	default:
		err = fmt.Errorf("%w: %w", ErrStorageOperation, err)
	}
	return NewMemoryError(op, err)
}
