// Package cached wraps an embedder.Provider with an in-process ristretto
// cache keyed on the action and the text.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/oceanbase/powermem-engine/pkg/embedder"
)

// DefaultMaxEntries bounds the cache when Config.MaxEntries is zero.
const DefaultMaxEntries = 10000

// Config contains configuration for the cache.
type Config struct {
	// MaxEntries is the approximate number of embeddings kept.
	MaxEntries int64
}

// Provider caches embeddings from an inner provider. Vectors handed out are
// copies; callers may modify them.
type Provider struct {
	inner embedder.Provider
	cache *ristretto.Cache
}

// New wraps inner.
func New(inner embedder.Provider, cfg *Config) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached.New: inner provider is required")
	}
	max := int64(DefaultMaxEntries)
	if cfg != nil && cfg.MaxEntries > 0 {
		max = cfg.MaxEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max * 10,
		MaxCost:     max,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cached.New: %w", err)
	}
	return &Provider{inner: inner, cache: cache}, nil
}

func key(action embedder.Action, text string) string {
	return string(action) + "\x00" + text
}

// cacheAction folds add and update together: both embed stored content.
func cacheAction(action embedder.Action) embedder.Action {
	if action.IsQuery() {
		return embedder.ActionSearch
	}
	return embedder.ActionAdd
}

func (p *Provider) lookup(action embedder.Action, text string) ([]float64, bool) {
	v, ok := p.cache.Get(key(cacheAction(action), text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float64)
	if !ok {
		return nil, false
	}
	return append([]float64(nil), vec...), true
}

func (p *Provider) store(action embedder.Action, text string, vec []float64) {
	p.cache.Set(key(cacheAction(action), text), append([]float64(nil), vec...), 1)
}

// Embed returns the cached vector or asks the inner provider.
func (p *Provider) Embed(ctx context.Context, text string, action embedder.Action) ([]float64, error) {
	if vec, ok := p.lookup(action, text); ok {
		return vec, nil
	}
	vec, err := p.inner.Embed(ctx, text, action)
	if err != nil {
		return nil, err
	}
	p.store(action, text, vec)
	return vec, nil
}

// EmbedBatch only sends the texts that miss the cache.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, action embedder.Action) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, t := range texts {
		if vec, ok := p.lookup(action, t); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missing, action)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("EmbedBatch: inner provider returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, vec := range vecs {
		out[slots[j]] = vec
		p.store(action, missing[j], vec)
	}
	return out, nil
}

// Dimensions reports the inner provider's dimensions.
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// Wait blocks until pending cache writes are visible.
func (p *Provider) Wait() { p.cache.Wait() }

// Close stops the cache and closes the inner provider.
func (p *Provider) Close() error {
	p.cache.Close()
	return p.inner.Close()
}
