package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// SubStore is a secondary store that receives the memories whose metadata
// matches RoutingFilter exactly.
type SubStore struct {
	Name          string
	RoutingFilter map[string]interface{}
	Adapter       *Adapter

	ready bool
}

// Ready reports whether the sub-store takes part in routing.
func (s *SubStore) Ready() bool { return s.ready }

// SubStorageAdapter routes memory operations between a main Adapter and
// registered sub-stores.
//
// Writes and searches go to the first ready sub-store whose routing filter
// matches the merged metadata and filters, else to the main store. Lookups
// by id probe the main store and then every sub-store, ready or not.
// Listing uses the main store only; clearing covers all stores.
type SubStorageAdapter struct {
	main   *Adapter
	logger *zap.Logger

	mu   sync.RWMutex
	subs []*SubStore
}

var _ MemoryStorage = (*SubStorageAdapter)(nil)
var _ MemoryStorage = (*Adapter)(nil)

// NewSubStorageAdapter wraps main.
func NewSubStorageAdapter(main *Adapter, logger *zap.Logger) *SubStorageAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubStorageAdapter{main: main, logger: logger}
}

// Main returns the main adapter.
func (s *SubStorageAdapter) Main() *Adapter { return s.main }

// RegisterSubStore appends a sub-store. Registration order is routing order.
func (s *SubStorageAdapter) RegisterSubStore(name string, filter map[string]interface{}, a *Adapter, ready bool) error {
	if strings.TrimSpace(name) == "" || a == nil {
		return fmt.Errorf("RegisterSubStore: %w: name and adapter are required", ErrInvalidInput)
	}
	if len(filter) == 0 {
		return fmt.Errorf("RegisterSubStore: %w: sub-store %q has an empty routing filter", ErrInvalidInput, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.Name == name {
			return fmt.Errorf("RegisterSubStore: %w: sub-store %q already registered", ErrInvalidInput, name)
		}
	}
	s.subs = append(s.subs, &SubStore{Name: name, RoutingFilter: copyMap(filter), Adapter: a, ready: ready})
	return nil
}

// SetReady marks a sub-store ready or not ready for routing.
func (s *SubStorageAdapter) SetReady(name string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.Name == name {
			sub.ready = ready
			return nil
		}
	}
	return fmt.Errorf("SetReady: unknown sub-store %q", name)
}

// SubStores returns a snapshot of the registered sub-stores.
func (s *SubStorageAdapter) SubStores() []SubStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SubStore, len(s.subs))
	for i, sub := range s.subs {
		out[i] = *sub
	}
	return out
}

// Route picks the adapter for the merged metadata and filters. The second
// result names the sub-store, or is empty for the main store.
func (s *SubStorageAdapter) Route(metadata, filters map[string]interface{}) (*Adapter, string) {
	merged := make(map[string]interface{}, len(metadata)+len(filters))
	for k, v := range metadata {
		merged[k] = v
	}
	for k, v := range filters {
		merged[k] = v
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.ready && matchesRouting(sub.RoutingFilter, merged) {
			return sub.Adapter, sub.Name
		}
	}
	return s.main, ""
}

// all returns the main adapter followed by every sub-store adapter.
func (s *SubStorageAdapter) all() []*Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Adapter, 0, len(s.subs)+1)
	out = append(out, s.main)
	for _, sub := range s.subs {
		out = append(out, sub.Adapter)
	}
	return out
}

// AddMemory persists the memory in the routed store.
func (s *SubStorageAdapter) AddMemory(ctx context.Context, p *AddParams) (*storage.Memory, error) {
	var meta map[string]interface{}
	if p != nil {
		meta = p.Metadata
	}
	a, name := s.Route(meta, nil)
	if name != "" {
		s.logger.Debug("memory routed to sub-store", zap.String("sub_store", name))
	}
	return a.AddMemory(ctx, p)
}

// locate finds the adapter holding id.
func (s *SubStorageAdapter) locate(ctx context.Context, id int64, scope storage.Scope) (*Adapter, *storage.Memory, error) {
	for _, a := range s.all() {
		m, err := a.GetMemory(ctx, id, scope)
		if err == nil {
			return a, m, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, err
		}
	}
	return nil, nil, storage.ErrNotFound
}

// GetMemory probes the main store, then each sub-store.
func (s *SubStorageAdapter) GetMemory(ctx context.Context, id int64, scope storage.Scope) (*storage.Memory, error) {
	_, m, err := s.locate(ctx, id, scope)
	return m, err
}

// UpdateMemory updates the record in whichever store holds it.
func (s *SubStorageAdapter) UpdateMemory(ctx context.Context, id int64, scope storage.Scope, p *UpdateParams) (*storage.Memory, error) {
	a, _, err := s.locate(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	return a.UpdateMemory(ctx, id, scope, p)
}

// UpdatePayloadFields patches the record in whichever store holds it.
func (s *SubStorageAdapter) UpdatePayloadFields(ctx context.Context, id int64, scope storage.Scope, f *Fields) error {
	a, _, err := s.locate(ctx, id, scope)
	if err != nil {
		return err
	}
	return a.UpdatePayloadFields(ctx, id, scope, f)
}

// DeleteMemory deletes from the first store that has the record.
func (s *SubStorageAdapter) DeleteMemory(ctx context.Context, id int64, scope storage.Scope) (bool, error) {
	for _, a := range s.all() {
		ok, err := a.DeleteMemory(ctx, id, scope)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// SearchMemories searches the store the filters route to.
func (s *SubStorageAdapter) SearchMemories(ctx context.Context, p *SearchParams) ([]*storage.Memory, error) {
	if p == nil {
		return nil, fmt.Errorf("SearchMemories: %w: no parameters", ErrInvalidInput)
	}
	a, _ := s.Route(nil, p.Filters)
	return a.SearchMemories(ctx, p)
}

// GetAllMemories lists the main store.
func (s *SubStorageAdapter) GetAllMemories(ctx context.Context, opts *storage.ListOptions) ([]*storage.Memory, error) {
	return s.main.GetAllMemories(ctx, opts)
}

// ClearMemories clears the main store and every sub-store.
func (s *SubStorageAdapter) ClearMemories(ctx context.Context, opts *storage.DeleteAllOptions) (int64, error) {
	var total int64
	for _, a := range s.all() {
		n, err := a.ClearMemories(ctx, opts)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close closes every store. Sub-stores sharing the main embedder close it
// more than once; embedders tolerate that.
func (s *SubStorageAdapter) Close() error {
	var errs []error
	for _, a := range s.all() {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}

// matchesRouting reports whether every routing key is present in meta with
// an equal value. Numbers compare by value regardless of type.
func matchesRouting(filter, meta map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || !sameValue(want, got) {
			return false
		}
	}
	return true
}

func sameValue(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
