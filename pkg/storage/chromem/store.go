// Package chromem provides a VectorStore backed by a chromem-go collection.
//
// chromem-go keeps documents in memory. It only knows string metadata and
// exact-match filters, so the full records are kept in a side index and
// filters run through storage.MatchFilter.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
	"github.com/oceanbase/powermem-engine/pkg/vecmath"
)

// Config contains configuration for the chromem store.
type Config struct {
	// CollectionName names the chromem collection. Default: memories.
	CollectionName string

	// Dimensions is the embedding dimensionality. Zero accepts any length
	// consistent with the first record.
	Dimensions int

	Hybrid storage.HybridConfig
	Logger *zap.Logger
}

// Store implements storage.VectorStore on chromem-go. Similarity is cosine.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection

	mu      sync.RWMutex
	records map[int64]*storage.Memory

	dims   int
	hybrid storage.HybridConfig
	logger *zap.Logger
}

// New creates the store and its collection.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	name := cfg.CollectionName
	if name == "" {
		name = "memories"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db := chromem.NewDB()

	// No embedding func: vectors are always supplied by the caller.
	col, err := db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("NewChromemStore: create collection: %w", err)
	}

	s := &Store{
		db:         db,
		collection: col,
		records:    make(map[int64]*storage.Memory),
		dims:       cfg.Dimensions,
		hybrid:     cfg.Hybrid.WithDefaults(),
		logger:     logger.With(zap.String("store", "chromem"), zap.String("collection", name)),
	}
	return s, nil
}

// Upsert adds or replaces the document for the record.
func (s *Store) Upsert(ctx context.Context, m *storage.Memory) error {
	if m == nil || m.ID == 0 {
		return fmt.Errorf("Upsert: %w", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dims == 0 {
		s.dims = len(m.Embedding)
	}
	if s.dims == 0 || len(m.Embedding) != s.dims {
		return fmt.Errorf("Upsert: %w: got %d, want %d", storage.ErrDimensionMismatch, len(m.Embedding), s.dims)
	}

	doc := chromem.Document{
		ID:        docID(m.ID),
		Content:   m.Content,
		Embedding: toFloat32(m.Embedding),
		Metadata: map[string]string{
			"user_id":  m.UserID,
			"agent_id": m.AgentID,
			"run_id":   m.RunID,
		},
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	s.records[m.ID] = storage.CloneMemory(m)
	return nil
}

// Get returns a copy of the record.
func (s *Store) Get(_ context.Context, id int64, scope storage.Scope) (*storage.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.records[id]
	if !ok || !scope.Allows(m) {
		return nil, storage.ErrNotFound
	}
	return storage.CloneMemory(m), nil
}

// Delete removes the record if it is in scope.
func (s *Store) Delete(ctx context.Context, id int64, scope storage.Scope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[id]
	if !ok || !scope.Allows(m) {
		return false, nil
	}
	if err := s.collection.Delete(ctx, nil, nil, docID(id)); err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	delete(s.records, id)
	return true, nil
}

// DeleteAll removes every matching record.
func (s *Store) DeleteAll(ctx context.Context, opts *storage.DeleteAllOptions) (int64, error) {
	if opts == nil {
		opts = &storage.DeleteAllOptions{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, m := range s.records {
		if storage.MatchFilter(m, opts.Scope, opts.Filters) {
			ids = append(ids, docID(id))
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, fmt.Errorf("DeleteAll: %w", err)
	}
	for _, id := range ids {
		n, _ := strconv.ParseInt(id, 10, 64)
		delete(s.records, n)
	}
	return int64(len(ids)), nil
}

// List returns matching records ordered by ID.
func (s *Store) List(_ context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.ListOptions{}
	}
	s.mu.RLock()
	matched := s.matching(opts.Scope, opts.Filters)
	s.mu.RUnlock()

	if opts.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]*storage.Memory, len(matched))
	for i, m := range matched {
		out[i] = storage.CloneMemory(m)
	}
	return out, nil
}

// Count returns the number of records in scope.
func (s *Store) Count(_ context.Context, scope storage.Scope) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matching(scope, nil))), nil
}

// Search queries the collection by embedding. With a scope or filters the
// whole collection is ranked and then filtered, since chromem cannot
// evaluate the filter language.
func (s *Store) Search(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	limit := limitOrDefault(opts.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dims > 0 && len(embedding) != s.dims {
		return nil, fmt.Errorf("Search: %w", storage.ErrDimensionMismatch)
	}

	total := s.collection.Count()
	if total == 0 {
		return nil, nil
	}
	n := limit
	if !opts.Scope.IsEmpty() || len(opts.Filters) > 0 || n > total {
		// chromem rejects nResults above the collection size.
		n = total
	}

	results, err := s.collection.QueryEmbedding(ctx, toFloat32(embedding), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	out := make([]*storage.Memory, 0, limit)
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		m, ok := s.records[id]
		if !ok || !storage.MatchFilter(m, opts.Scope, opts.Filters) {
			continue
		}
		c := storage.CloneMemory(m)
		c.Score = vecmath.DistanceToScore(1 - float64(r.Similarity))
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SupportsHybrid reports true; BM25 runs over the side index.
func (s *Store) SupportsHybrid() bool { return true }

// HybridSearch fuses the chromem ranking with a BM25 ranking.
func (s *Store) HybridSearch(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil || opts.Query == "" {
		return s.Search(ctx, embedding, opts)
	}
	limit := limitOrDefault(opts.Limit)

	vector, lexical := storage.RunBranches(ctx,
		func(ctx context.Context) ([]*storage.Memory, error) {
			return s.Search(ctx, embedding, opts)
		},
		func(context.Context) ([]*storage.Memory, error) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return storage.RankByBM25(s.matching(opts.Scope, opts.Filters), opts.Query, limit), nil
		},
		func(branch string, err error) {
			s.logger.Warn("hybrid branch failed", zap.String("branch", branch), zap.Error(err))
		},
	)
	return storage.Fuse(vector, lexical, s.hybrid, limit), nil
}

// Close releases nothing; the collection lives in memory.
func (s *Store) Close() error { return nil }

func (s *Store) matching(scope storage.Scope, filters map[string]interface{}) []*storage.Memory {
	out := make([]*storage.Memory, 0, len(s.records))
	for _, m := range s.records {
		if storage.MatchFilter(m, scope, filters) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func docID(id int64) string { return strconv.FormatInt(id, 10) }

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 10
	}
	return limit
}
