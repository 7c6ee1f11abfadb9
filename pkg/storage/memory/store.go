// Package memory provides an in-process VectorStore backed by an HNSW graph.
//
// Nothing is persisted. The store suits tests, development and deployments
// that keep memories only for the lifetime of the process. Unfiltered
// searches go through the graph; searches with a scope or filters, and
// inner-product searches, scan the records exactly.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// Config contains configuration for the in-process store.
type Config struct {
	// Dimensions is the embedding dimensionality. Zero accepts the first
	// vector's length.
	Dimensions int

	// Metric is the similarity metric. Default: cosine.
	Metric storage.MetricType

	// HNSW tunes the graph. Zero values keep the library defaults.
	HNSW storage.HNSWParams

	Hybrid storage.HybridConfig
	Logger *zap.Logger
}

// Store implements storage.VectorStore in memory.
type Store struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[int64]
	records map[int64]*storage.Memory

	// dirty is set when a record was removed or its vector changed. The
	// graph is rebuilt before the next graph search.
	dirty bool
	hnsw  storage.HNSWParams

	dims   int
	metric storage.MetricType
	hybrid storage.HybridConfig
	logger *zap.Logger
}

// New creates an empty store.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	metric := cfg.Metric
	if metric == "" {
		metric = storage.MetricCosine
	}
	if !metric.IsValid() {
		return nil, fmt.Errorf("NewMemoryStore: unsupported metric %q", metric)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		graph:   newGraph(metric, cfg.HNSW),
		hnsw:    cfg.HNSW,
		records: make(map[int64]*storage.Memory),
		dims:    cfg.Dimensions,
		metric:  metric,
		hybrid:  cfg.Hybrid.WithDefaults(),
		logger:  logger.With(zap.String("store", "memory")),
	}, nil
}

func newGraph(metric storage.MetricType, params storage.HNSWParams) *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	if metric == storage.MetricL2 {
		g.Distance = hnsw.EuclideanDistance
	} else {
		g.Distance = hnsw.CosineDistance
	}
	if params.M > 0 {
		g.M = params.M
	}
	if params.EfSearch > 0 {
		g.EfSearch = params.EfSearch
	}
	return g
}

// Upsert stores a copy of the record and (re)indexes its vector.
func (s *Store) Upsert(_ context.Context, m *storage.Memory) error {
	if m == nil || m.ID == 0 {
		return fmt.Errorf("Upsert: %w", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dims == 0 {
		s.dims = len(m.Embedding)
	}
	if len(m.Embedding) != s.dims || s.dims == 0 {
		return fmt.Errorf("Upsert: %w: got %d, want %d", storage.ErrDimensionMismatch, len(m.Embedding), s.dims)
	}

	old, exists := s.records[m.ID]
	s.records[m.ID] = storage.CloneMemory(m)
	switch {
	case !exists:
		s.graph.Add(hnsw.MakeNode(m.ID, toFloat32(m.Embedding)))
	case !sameVector(old.Embedding, m.Embedding):
		s.dirty = true
	}
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
func (s *Store) Delete(_ context.Context, id int64, scope storage.Scope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[id]
	if !ok || !scope.Allows(m) {
		return false, nil
	}
	s.remove(id)
	return true, nil
}

func (s *Store) remove(id int64) {
	delete(s.records, id)
	s.dirty = true
}

// refreshGraph rebuilds the graph from the records if it is stale.
func (s *Store) refreshGraph() {
	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if !dirty {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return
	}
	g := newGraph(s.metric, s.hnsw)
	for _, m := range s.matching(storage.Scope{}, nil) {
		g.Add(hnsw.MakeNode(m.ID, toFloat32(m.Embedding)))
	}
	s.graph = g
	s.dirty = false
}

// DeleteAll removes every matching record.
func (s *Store) DeleteAll(_ context.Context, opts *storage.DeleteAllOptions) (int64, error) {
	if opts == nil {
		opts = &storage.DeleteAllOptions{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.records {
		if storage.MatchFilter(m, opts.Scope, opts.Filters) {
			s.remove(id)
			n++
		}
	}
	return n, nil
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

// Search returns the records most similar to embedding.
func (s *Store) Search(_ context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.Memory, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	limit := limitOrDefault(opts.Limit)

	s.refreshGraph()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dims > 0 && len(embedding) != s.dims {
		return nil, fmt.Errorf("Search: %w", storage.ErrDimensionMismatch)
	}

	if opts.Scope.IsEmpty() && len(opts.Filters) == 0 && s.metric != storage.MetricIP {
		return s.graphSearch(embedding, limit), nil
	}
	return storage.RankByVector(s.matching(opts.Scope, opts.Filters), embedding, s.metric, limit), nil
}

// graphSearch asks the graph for neighbours and rescores them exactly.
func (s *Store) graphSearch(embedding []float64, limit int) []*storage.Memory {
	if s.graph.Len() == 0 {
		return nil
	}
	nodes := s.graph.Search(toFloat32(embedding), limit)

	candidates := make([]*storage.Memory, 0, len(nodes))
	for _, n := range nodes {
		if m, ok := s.records[n.Key]; ok {
			candidates = append(candidates, m)
		}
	}
	return storage.RankByVector(candidates, embedding, s.metric, limit)
}

// SupportsHybrid reports true; BM25 runs over the records in process.
func (s *Store) SupportsHybrid() bool { return true }

// HybridSearch fuses the vector ranking with a BM25 ranking.
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

// Close is a no-op; records live as long as the store.
func (s *Store) Close() error { return nil }

// matching must be called with the lock held.
func (s *Store) matching(scope storage.Scope, filters map[string]interface{}) []*storage.Memory {
	out := make([]*storage.Memory, 0, len(s.records))
	for _, m := range s.records {
		if storage.MatchFilter(m, scope, filters) {
			out = append(out, m)
		}
	}
	// Map order is random; keep ties deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sameVector(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

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
