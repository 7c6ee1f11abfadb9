// Package adapter turns a VectorStore and an embedder into memory-level
// operations: id and hash generation, embedding, timestamps and search
// dispatch. SubStorageAdapter routes those operations across several stores.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/embedder"
	"github.com/oceanbase/powermem-engine/pkg/idgen"
	"github.com/oceanbase/powermem-engine/pkg/storage"
)

var (
	// ErrInvalidInput is returned for requests rejected before storage is
	// touched.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmbedding wraps embedder failures.
	ErrEmbedding = errors.New("embedding failed")
)

// AddParams describes a new memory.
type AddParams struct {
	Content    string
	UserID     string
	AgentID    string
	RunID      string
	ActorID    string
	Visibility string
	Metadata   map[string]interface{}
	Attributes map[string]interface{}
}

// UpdateParams describes a content update. A nil Metadata keeps the stored
// metadata.
type UpdateParams struct {
	Content  string
	Metadata map[string]interface{}
}

// Fields is a payload patch applied without re-embedding. Attribute and
// metadata keys are merged into the stored maps; a nil value deletes the key.
type Fields struct {
	Attributes     map[string]interface{}
	Metadata       map[string]interface{}
	LastAccessedAt *time.Time
}

// SearchParams describes a retrieval.
type SearchParams struct {
	Query   string
	Scope   storage.Scope
	Filters map[string]interface{}
	Limit   int

	// Embedding skips embedding the query when set.
	Embedding []float64
}

// MemoryStorage is the memory-level interface shared by Adapter and
// SubStorageAdapter.
type MemoryStorage interface {
	AddMemory(ctx context.Context, p *AddParams) (*storage.Memory, error)
	GetMemory(ctx context.Context, id int64, scope storage.Scope) (*storage.Memory, error)
	UpdateMemory(ctx context.Context, id int64, scope storage.Scope, p *UpdateParams) (*storage.Memory, error)
	UpdatePayloadFields(ctx context.Context, id int64, scope storage.Scope, f *Fields) error
	DeleteMemory(ctx context.Context, id int64, scope storage.Scope) (bool, error)
	SearchMemories(ctx context.Context, p *SearchParams) ([]*storage.Memory, error)
	GetAllMemories(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error)
	ClearMemories(ctx context.Context, opts *storage.DeleteAllOptions) (int64, error)
	Close() error
}

// Config contains the collaborators of an Adapter.
type Config struct {
	Store    storage.VectorStore
	Embedder embedder.Provider
	IDs      *idgen.Generator
	Logger   *zap.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// lockStripes is the number of per-record write locks of an Adapter.
const lockStripes = 64

// Adapter implements MemoryStorage over one VectorStore.
//
// Read-modify-write updates of the same record are serialized within the
// Adapter. Writers in other processes are not coordinated.
type Adapter struct {
	store    storage.VectorStore
	embedder embedder.Provider
	ids      *idgen.Generator
	logger   *zap.Logger
	now      func() time.Time

	locks [lockStripes]sync.Mutex
}

// New creates an Adapter.
func New(cfg *Config) (*Adapter, error) {
	if cfg == nil || cfg.Store == nil || cfg.Embedder == nil || cfg.IDs == nil {
		return nil, fmt.Errorf("adapter.New: store, embedder and id generator are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Adapter{
		store:    cfg.Store,
		embedder: cfg.Embedder,
		ids:      cfg.IDs,
		logger:   logger,
		now:      now,
	}, nil
}

// Store returns the underlying vector store.
func (a *Adapter) Store() storage.VectorStore { return a.store }

// Embedder returns the embedder used for this store.
func (a *Adapter) Embedder() embedder.Provider { return a.embedder }

// AddMemory embeds and persists a new record.
func (a *Adapter) AddMemory(ctx context.Context, p *AddParams) (*storage.Memory, error) {
	if p == nil || strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("AddMemory: %w: content is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return nil, fmt.Errorf("AddMemory: %w: user id is required", ErrInvalidInput)
	}

	vec, err := a.embed(ctx, p.Content, embedder.ActionAdd)
	if err != nil {
		return nil, fmt.Errorf("AddMemory: %w", err)
	}

	now := a.now()
	m := &storage.Memory{
		ID:         a.ids.Next(),
		UserID:     p.UserID,
		AgentID:    p.AgentID,
		RunID:      p.RunID,
		ActorID:    p.ActorID,
		Content:    p.Content,
		Hash:       storage.ContentHash(p.Content),
		Visibility: p.Visibility,
		Metadata:   copyMap(p.Metadata),
		Attributes: copyMap(p.Attributes),
		Embedding:  vec,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.Category = categoryOf(m.Metadata)

	if err := a.store.Upsert(ctx, m); err != nil {
		return nil, fmt.Errorf("AddMemory: %w", err)
	}
	a.logger.Debug("memory added", zap.Int64("memory_id", m.ID), zap.String("user_id", m.UserID))
	return m, nil
}

// GetMemory returns the record or storage.ErrNotFound.
func (a *Adapter) GetMemory(ctx context.Context, id int64, scope storage.Scope) (*storage.Memory, error) {
	return a.store.Get(ctx, id, scope)
}

// UpdateMemory replaces the content and optionally the metadata. The vector
// is recomputed only when the content changes.
func (a *Adapter) UpdateMemory(ctx context.Context, id int64, scope storage.Scope, p *UpdateParams) (*storage.Memory, error) {
	if p == nil || strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("UpdateMemory: %w: content is empty", ErrInvalidInput)
	}
	unlock := a.lock(id)
	defer unlock()

	m, err := a.store.Get(ctx, id, scope)
	if err != nil {
		return nil, err
	}

	if p.Content != m.Content {
		vec, err := a.embed(ctx, p.Content, embedder.ActionUpdate)
		if err != nil {
			return nil, fmt.Errorf("UpdateMemory: %w", err)
		}
		m.Embedding = vec
		m.Content = p.Content
	}
	if p.Metadata != nil {
		m.Metadata = copyMap(p.Metadata)
		m.Category = categoryOf(m.Metadata)
	}
	m.Hash = storage.ContentHash(m.Content)
	m.UpdatedAt = a.bump(m)

	if err := a.store.Upsert(ctx, m); err != nil {
		return nil, fmt.Errorf("UpdateMemory: %w", err)
	}
	return m, nil
}

// UpdatePayloadFields merges f into the stored record, reusing its vector.
// It holds the record lock, so a concurrent UpdateMemory through the same
// Adapter never has its content overwritten by the stale copy read here.
func (a *Adapter) UpdatePayloadFields(ctx context.Context, id int64, scope storage.Scope, f *Fields) error {
	if f == nil {
		return nil
	}
	unlock := a.lock(id)
	defer unlock()

	m, err := a.store.Get(ctx, id, scope)
	if err != nil {
		return err
	}
	m.Attributes = mergeMap(m.Attributes, f.Attributes)
	if f.Metadata != nil {
		m.Metadata = mergeMap(m.Metadata, f.Metadata)
		m.Category = categoryOf(m.Metadata)
	}
	if f.LastAccessedAt != nil {
		t := f.LastAccessedAt.UTC()
		m.LastAccessedAt = &t
	}
	m.UpdatedAt = a.bump(m)

	if err := a.store.Upsert(ctx, m); err != nil {
		return fmt.Errorf("UpdatePayloadFields: %w", err)
	}
	return nil
}

// DeleteMemory removes the record. It reports whether anything was deleted.
func (a *Adapter) DeleteMemory(ctx context.Context, id int64, scope storage.Scope) (bool, error) {
	return a.store.Delete(ctx, id, scope)
}

// SearchMemories embeds the query and searches, using hybrid search when the
// store supports it and query text is present.
func (a *Adapter) SearchMemories(ctx context.Context, p *SearchParams) ([]*storage.Memory, error) {
	if p == nil {
		return nil, fmt.Errorf("SearchMemories: %w: no parameters", ErrInvalidInput)
	}
	vec := p.Embedding
	if vec == nil {
		var err error
		if vec, err = a.embed(ctx, p.Query, embedder.ActionSearch); err != nil {
			return nil, fmt.Errorf("SearchMemories: %w", err)
		}
	}

	opts := &storage.SearchOptions{
		Scope:   p.Scope,
		Limit:   p.Limit,
		Query:   p.Query,
		Filters: p.Filters,
	}
	if hs, ok := a.store.(storage.HybridSearcher); ok && hs.SupportsHybrid() && strings.TrimSpace(p.Query) != "" {
		return hs.HybridSearch(ctx, vec, opts)
	}
	return a.store.Search(ctx, vec, opts)
}

// GetAllMemories lists records.
func (a *Adapter) GetAllMemories(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	return a.store.List(ctx, opts)
}

// ClearMemories deletes the matching records and returns how many.
func (a *Adapter) ClearMemories(ctx context.Context, opts *storage.DeleteAllOptions) (int64, error) {
	return a.store.DeleteAll(ctx, opts)
}

// CountMemories counts records in scope when the store supports it.
func (a *Adapter) CountMemories(ctx context.Context, scope storage.Scope) (int64, error) {
	if c, ok := a.store.(storage.Counter); ok {
		return c.Count(ctx, scope)
	}
	list, err := a.store.List(ctx, &storage.ListOptions{Scope: scope})
	if err != nil {
		return 0, err
	}
	return int64(len(list)), nil
}

// Close closes the store and the embedder.
func (a *Adapter) Close() error {
	return errors.Join(a.store.Close(), a.embedder.Close())
}

func (a *Adapter) embed(ctx context.Context, text string, action embedder.Action) ([]float64, error) {
	vec, err := a.embedder.Embed(ctx, text, action)
	if err != nil {
		return nil, fmt.Errorf("embed: %w: %w", ErrEmbedding, err)
	}
	if err := embedder.CheckDimensions(a.embedder, vec); err != nil {
		return nil, fmt.Errorf("embed: %w: %v", storage.ErrDimensionMismatch, err)
	}
	return vec, nil
}

func (a *Adapter) lock(id int64) func() {
	mu := &a.locks[uint64(id)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// bump returns a new UpdatedAt that is never before CreatedAt.
func (a *Adapter) bump(m *storage.Memory) time.Time {
	now := a.now()
	if now.Before(m.CreatedAt) {
		return m.CreatedAt
	}
	return now
}

func categoryOf(meta map[string]interface{}) string {
	if c, ok := meta["category"].(string); ok {
		return c
	}
	return ""
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMap(dst, patch map[string]interface{}) map[string]interface{} {
	if len(patch) == 0 {
		return dst
	}
	out := copyMap(dst)
	if out == nil {
		out = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
