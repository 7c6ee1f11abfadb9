package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/embedder"
	"github.com/oceanbase/powermem-engine/pkg/embedder/cached"
	openaiEmbedder "github.com/oceanbase/powermem-engine/pkg/embedder/openai"
	qwenEmbedder "github.com/oceanbase/powermem-engine/pkg/embedder/qwen"
	"github.com/oceanbase/powermem-engine/pkg/graph"
	"github.com/oceanbase/powermem-engine/pkg/history"
	"github.com/oceanbase/powermem-engine/pkg/idgen"
	"github.com/oceanbase/powermem-engine/pkg/intelligence"
	"github.com/oceanbase/powermem-engine/pkg/llm"
	anthropicLLM "github.com/oceanbase/powermem-engine/pkg/llm/anthropic"
	openaiLLM "github.com/oceanbase/powermem-engine/pkg/llm/openai"
	"github.com/oceanbase/powermem-engine/pkg/rerank"
	qwenRerank "github.com/oceanbase/powermem-engine/pkg/rerank/qwen"
	"github.com/oceanbase/powermem-engine/pkg/storage"
	"github.com/oceanbase/powermem-engine/pkg/storage/adapter"
	"github.com/oceanbase/powermem-engine/pkg/storage/factory"
)

// Client is the main PowerMem client for memory management.
//
// It provides:
//   - Vector and hybrid search with optional reranking
//   - Intelligent add (fact extraction and LLM merge decisions)
//   - Ebbinghaus lifecycle on access (promotion, forgetting, archival)
//   - Routing to sub-stores by metadata
//   - An audit history of mutations
//
// The client holds no lock of its own and is safe for concurrent use;
// concurrent writers are serialized by the store's upsert.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(config)
//	defer client.Close()
//
//	result, _ := client.Add(ctx, "User likes Python",
//	    core.WithUserID("user_001"),
//	    core.WithInfer(true),
//	)
type Client struct {
	config *Config

	// storage routes between the main store and the sub-stores.
	storage *adapter.SubStorageAdapter

	llm      llm.Provider
	embedder embedder.Provider
	reranker rerank.Provider
	graph    graph.Store
	history  history.Recorder

	intelligentManager *intelligence.IntelligentMemoryManager

	ids     *idgen.Generator
	metrics *metrics
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

// ClientOption injects a collaborator into NewClient, replacing the one the
// configuration would build.
type ClientOption func(*clientOptions)

type clientOptions struct {
	llm      llm.Provider
	embedder embedder.Provider
	reranker rerank.Provider
	graph    graph.Store
	history  history.Recorder
	now      func() time.Time
	node     int64
}

// WithLLM uses provider instead of the configured LLM.
func WithLLM(provider llm.Provider) ClientOption {
	return func(o *clientOptions) { o.llm = provider }
}

// WithEmbedder uses provider instead of the configured embedder. Sub-stores
// without an embedder of their own share it.
func WithEmbedder(provider embedder.Provider) ClientOption {
	return func(o *clientOptions) { o.embedder = provider }
}

// WithReranker uses provider instead of the configured reranker.
func WithReranker(provider rerank.Provider) ClientOption {
	return func(o *clientOptions) { o.reranker = provider }
}

// WithGraphStore attaches a graph store.
func WithGraphStore(store graph.Store) ClientOption {
	return func(o *clientOptions) { o.graph = store }
}

// WithHistoryRecorder uses r instead of the configured history store.
func WithHistoryRecorder(r history.Recorder) ClientOption {
	return func(o *clientOptions) { o.history = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ClientOption {
	return func(o *clientOptions) { o.now = now }
}

// WithNodeID sets the snowflake node number (0-1023). Processes writing to
// the same store need distinct node numbers. Default: 1.
func WithNodeID(node int64) ClientOption {
	return func(o *clientOptions) { o.node = node }
}

// NewClient creates a new PowerMem client.
//
// The client is initialized with:
//   - the main vector store and every configured sub-store
//   - the embedder, cached when Embedder.CacheSize is set
//   - the LLM, when LLM.Provider is set
//   - the reranker and history store, when configured
//
// Example:
//
//	config := &core.Config{
//	    VectorStore: core.VectorStoreConfig{Provider: "sqlite", Config: ...},
//	    LLM:         core.LLMConfig{...},
//	    Embedder:    core.EmbedderConfig{...},
//	    Intelligence: &core.IntelligenceConfig{Enabled: true},
//	}
//	client, err := core.NewClient(config)
func NewClient(cfg *Config, opts ...ClientOption) (client *Client, err error) {
	if cfg == nil {
		return nil, NewMemoryError("NewClient", fmt.Errorf("%w: nil config", ErrInvalidConfig))
	}
	o := &clientOptions{node: 1}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.validate(o.embedder != nil); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := o.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	ids, err := idgen.New(o.node)
	if err != nil {
		return nil, NewMemoryError("NewClient", fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	// Everything opened so far is closed if a later step fails.
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	emb := o.embedder
	if emb == nil {
		if emb, err = initEmbedder(cfg.Embedder); err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
	}

	mainAdapter, err := newStoreAdapter(cfg.VectorStore, emb, cfg, ids, logger, now)
	if err != nil {
		_ = emb.Close()
		return nil, NewMemoryError("NewClient", err)
	}
	routed := adapter.NewSubStorageAdapter(mainAdapter, logger)
	closers = append(closers, routed.Close)

	for _, sub := range cfg.SubStores {
		subEmb := emb
		if sub.Embedder != nil {
			if subEmb, err = initEmbedder(*sub.Embedder); err != nil {
				return nil, NewMemoryError("NewClient", fmt.Errorf("sub-store %q: %w", sub.Name, err))
			}
		}
		a, err := newStoreAdapter(sub.VectorStore, subEmb, cfg, ids, logger.With(zap.String("sub_store", sub.Name)), now)
		if err != nil {
			if sub.Embedder != nil {
				_ = subEmb.Close()
			}
			return nil, NewMemoryError("NewClient", fmt.Errorf("sub-store %q: %w", sub.Name, err))
		}
		if err := routed.RegisterSubStore(sub.Name, sub.RoutingFilter, a, sub.IsReady()); err != nil {
			_ = a.Close()
			return nil, NewMemoryError("NewClient", fmt.Errorf("%w: %w", ErrInvalidConfig, err))
		}
	}

	llmProvider := o.llm
	if llmProvider == nil && cfg.LLM.Provider != "" {
		if llmProvider, err = initLLM(cfg.LLM); err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
		closers = append(closers, llmProvider.Close)
	}

	reranker := o.reranker
	if reranker == nil && cfg.Reranker != nil {
		if reranker, err = initReranker(*cfg.Reranker); err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
	}

	recorder := o.history
	if recorder == nil && cfg.History != nil {
		store, err := history.NewStore(&history.Config{DBPath: cfg.History.DBPath, TableName: cfg.History.TableName})
		if err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
		recorder = store
	}

	intelCfg := cfg.Intelligence
	if intelCfg == nil {
		intelCfg = &IntelligenceConfig{}
	}

	timeout := cfg.Timeout
	client = &Client{
		config:             cfg,
		storage:            routed,
		llm:                llmProvider,
		embedder:           emb,
		reranker:           reranker,
		graph:              o.graph,
		history:            recorder,
		intelligentManager: intelligence.NewIntelligentMemoryManager(llmProvider, intelCfg),
		ids:                ids,
		metrics:            newMetrics(cfg.Registerer, logger),
		logger:             logger,
		timeout:            timeout,
		now:                now,
	}
	logger.Info("powermem client ready",
		zap.String("vector_store", cfg.VectorStore.Provider),
		zap.Int("sub_stores", len(cfg.SubStores)),
		zap.Bool("llm", llmProvider != nil),
		zap.Bool("reranker", reranker != nil),
		zap.Bool("intelligence", client.intelligentManager.Enabled()),
	)
	return client, nil
}

// newStoreAdapter builds the store for vs and wraps it with emb. The
// embedder dimensionality fills embedding_model_dims when the store config
// leaves it out.
func newStoreAdapter(vs VectorStoreConfig, emb embedder.Provider, cfg *Config, ids *idgen.Generator, logger *zap.Logger, now func() time.Time) (*adapter.Adapter, error) {
	storeCfg := make(map[string]interface{}, len(vs.Config)+1)
	for k, v := range vs.Config {
		storeCfg[k] = v
	}
	if _, ok := storeCfg["embedding_model_dims"]; !ok && emb.Dimensions() > 0 {
		storeCfg["embedding_model_dims"] = emb.Dimensions()
	}

	store, err := factory.New(vs.Provider, storeCfg, cfg.Hybrid, logger)
	if err != nil {
		if errors.Is(err, storage.ErrDimensionMismatch) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	a, err := adapter.New(&adapter.Config{
		Store:    store,
		Embedder: emb,
		IDs:      ids,
		Logger:   logger,
		Now:      now,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// Add stores content as a memory.
//
// Without inference one record is written. With WithInfer(true) and an LLM,
// facts are extracted from content and merged into the user's existing
// memories; see AddResult for the outcome.
//
// Example:
//
//	result, err := client.Add(ctx, "User likes Python programming",
//	    core.WithUserID("user_001"),
//	    core.WithAgentID("agent_001"),
//	    core.WithMetadata(map[string]interface{}{
//	        "source": "conversation",
//	    }),
//	)
func (c *Client) Add(ctx context.Context, content string, opts ...AddOption) (*AddResult, error) {
	return c.add(ctx, "Add", content, "", opts)
}

// AddMessages stores a conversation. System messages are ignored and the
// rest is flattened to "role: content" lines.
func (c *Client) AddMessages(ctx context.Context, messages []llm.Message, opts ...AddOption) (*AddResult, error) {
	return c.add(ctx, "AddMessages", intelligence.FlattenMessages(messages), lastRole(messages), opts)
}

func (c *Client) add(ctx context.Context, op, content, role string, opts []AddOption) (result *AddResult, err error) {
	defer c.metrics.observe(op, time.Now(), &err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	addOpts := applyAddOptions(opts)
	if strings.TrimSpace(content) == "" {
		return nil, NewMemoryError(op, fmt.Errorf("%w: content is empty", ErrInvalidInput))
	}
	if strings.TrimSpace(addOpts.UserID) == "" {
		return nil, NewMemoryError(op, fmt.Errorf("%w: user id is required", ErrInvalidInput))
	}

	switch {
	case addOpts.Infer && c.llm != nil:
		result, err = c.intelligentAdd(ctx, content, role, addOpts)
	case addOpts.Infer:
		c.logger.Warn("inference requested without an LLM, storing content as is")
		fallthrough
	default:
		result, err = c.simpleAdd(ctx, content, role, addOpts)
	}
	if err != nil {
		return nil, wrapError(op, err)
	}

	if c.graph != nil {
		relations, gerr := c.graph.Add(ctx, content, graphFilters(addOpts.UserID, addOpts.AgentID, addOpts.RunID))
		if gerr != nil {
			c.logger.Warn("graph add failed", zap.Error(gerr))
		} else {
			result.Relations = relations
		}
	}
	return result, nil
}

// simpleAdd persists content as one record.
func (c *Client) simpleAdd(ctx context.Context, content, role string, o *AddOptions) (*AddResult, error) {
	m, err := c.persist(ctx, content, role, o)
	if err != nil {
		return nil, err
	}
	return &AddResult{Results: []MemoryActionResult{{
		ID:       m.ID,
		Memory:   m.Content,
		Event:    EventAdd,
		Metadata: m.Metadata,
	}}}, nil
}

// persist runs the add hook and writes one record through the router.
func (c *Client) persist(ctx context.Context, content, role string, o *AddOptions) (*storage.Memory, error) {
	meta := o.metadata()
	attrs := c.intelligentManager.ProcessMetadata(ctx, content, meta, c.now())

	m, err := c.storage.AddMemory(ctx, &adapter.AddParams{
		Content:    content,
		UserID:     o.UserID,
		AgentID:    o.AgentID,
		RunID:      o.RunID,
		ActorID:    o.ActorID,
		Visibility: string(o.Scope),
		Metadata:   meta,
		Attributes: attrs,
	})
	if err != nil {
		return nil, err
	}
	c.metrics.event(EventAdd)
	c.recordHistory(ctx, m.ID, nil, &m.Content, history.EventAdd, o.ActorID, role)
	return m, nil
}

// Search retrieves the memories most relevant to query.
//
// Candidates come from vector (or hybrid) search in the store the filters
// route to. They are reranked when a reranker is set, pass through the
// lifecycle hook (which may forget some), are rescored by decay and
// finally thresholded and truncated.
//
// Example:
//
//	result, err := client.Search(ctx, "Python programming",
//	    core.WithUserIDForSearch("user_001"),
//	    core.WithLimit(10),
//	    core.WithMinScore(0.2),
//	)
func (c *Client) Search(ctx context.Context, query string, opts ...SearchOption) (result *SearchResult, err error) {
	defer c.metrics.observe("Search", time.Now(), &err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	searchOpts := applySearchOptions(opts)
	if strings.TrimSpace(query) == "" {
		return nil, NewMemoryError("Search", fmt.Errorf("%w: query is empty", ErrInvalidInput))
	}
	if searchOpts.Limit <= 0 {
		searchOpts.Limit = 10
	}

	fetch := c.fetchLimit(searchOpts.Limit)
	found, err := c.storage.SearchMemories(ctx, &adapter.SearchParams{
		Query:   query,
		Scope:   searchOpts.scope(),
		Filters: searchOpts.Filters,
		Limit:   fetch,
	})
	if err != nil {
		return nil, wrapError("Search", err)
	}
	found = c.rerank(ctx, query, found, fetch)

	now := c.now()
	found = c.touch(ctx, found, now)
	found = c.intelligentManager.ProcessSearchResults(found, now)

	kept := found[:0]
	for _, m := range found {
		if !searchOpts.IncludeArchived && isArchived(m) {
			continue
		}
		if searchOpts.MinScore > 0 && m.Score < searchOpts.MinScore {
			continue
		}
		kept = append(kept, m)
	}
	total := len(kept)
	if len(kept) > searchOpts.Limit {
		kept = kept[:searchOpts.Limit]
	}

	result = &SearchResult{Memories: fromStorageMemories(kept), TotalCount: total}
	if c.graph != nil {
		relations, gerr := c.graph.Search(ctx, query, graphFilters(searchOpts.UserID, searchOpts.AgentID, searchOpts.RunID), searchOpts.Limit)
		if gerr != nil {
			c.logger.Warn("graph search failed", zap.Error(gerr))
		} else {
			result.Relations = relations
		}
	}
	return result, nil
}

// fetchLimit widens the candidate pool when a reranker will reorder it.
func (c *Client) fetchLimit(limit int) int {
	if c.reranker != nil {
		return max(limit, limit*3)
	}
	return limit
}

// rerank reorders candidates by the reranker score. On failure the store
// order is kept.
func (c *Client) rerank(ctx context.Context, query string, candidates []*storage.Memory, topN int) []*storage.Memory {
	if c.reranker == nil || len(candidates) == 0 {
		return candidates
	}
	docs := make([]string, len(candidates))
	for i, m := range candidates {
		docs[i] = m.Content
	}
	ranked, err := c.reranker.Rerank(ctx, query, docs, topN)
	if err != nil {
		c.logger.Warn("rerank failed, keeping store order", zap.Error(err))
		return candidates
	}
	out := make([]*storage.Memory, 0, len(ranked))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(candidates) {
			continue
		}
		m := candidates[r.Index]
		m.Score = r.Score
		out = append(out, m)
	}
	return out
}

// touch runs the access hook over records, persists its outcome and returns
// the records that survived, carrying their new state.
func (c *Client) touch(ctx context.Context, records []*storage.Memory, now time.Time) []*storage.Memory {
	outcome := c.intelligentManager.OnAccess(records, now)
	if len(outcome.Updates) == 0 && len(outcome.Deletes) == 0 {
		return records
	}
	c.metrics.accessOutcome(outcome)

	byID := make(map[int64]*storage.Memory, len(records))
	for _, m := range records {
		byID[m.ID] = m
	}

	forgotten := make(map[int64]bool, len(outcome.Deletes))
	for _, id := range outcome.Deletes {
		forgotten[id] = true
		if _, err := c.storage.DeleteMemory(ctx, id, storage.Scope{}); err != nil {
			c.logger.Warn("forget failed", zap.Int64("memory_id", id), zap.Error(err))
			continue
		}
		c.logger.Debug("memory forgotten", zap.Int64("memory_id", id))
		if m := byID[id]; m != nil {
			c.recordHistory(ctx, id, &m.Content, nil, history.EventDelete, "", "system")
		}
	}

	for _, p := range outcome.Updates {
		accessed := p.LastAccessedAt
		err := c.storage.UpdatePayloadFields(ctx, p.ID, storage.Scope{}, &adapter.Fields{
			Attributes:     p.Attributes,
			LastAccessedAt: &accessed,
		})
		if err != nil {
			c.logger.Warn("access update failed", zap.Int64("memory_id", p.ID), zap.Error(err))
		}
		if m := byID[p.ID]; m != nil {
			applyPatch(m, p)
		}
	}

	kept := make([]*storage.Memory, 0, len(records))
	for _, m := range records {
		if !forgotten[m.ID] {
			kept = append(kept, m)
		}
	}
	return kept
}

// Get retrieves a memory by its ID with optional access control.
//
// Reading a memory counts as an access. If the forgetting curve decides the
// memory has faded, it is deleted and Get reports ErrNotFound.
//
// Example:
//
//	memory, err := client.Get(ctx, memoryID, core.WithUserIDForGet("user_001"))
func (c *Client) Get(ctx context.Context, id int64, opts ...GetOption) (memory *Memory, err error) {
	defer c.metrics.observe("Get", time.Now(), &err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	getOpts := applyGetOptions(opts)
	scope := storage.Scope{UserID: getOpts.UserID, AgentID: getOpts.AgentID, RunID: getOpts.RunID}

	m, err := c.storage.GetMemory(ctx, id, scope)
	if err != nil {
		return nil, wrapError("Get", err)
	}
	kept := c.touch(ctx, []*storage.Memory{m}, c.now())
	if len(kept) == 0 {
		return nil, NewMemoryError("Get", ErrNotFound)
	}
	return fromStorageMemory(kept[0]), nil
}

// Update replaces a memory's content with optional access control. The
// embedding is recomputed only when the content changed.
//
// Example:
//
//	memory, err := client.Update(ctx, memoryID, "new content",
//	    core.WithUserIDForUpdate("user_001"))
func (c *Client) Update(ctx context.Context, id int64, content string, opts ...UpdateOption) (memory *Memory, err error) {
	defer c.metrics.observe("Update", time.Now(), &err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if strings.TrimSpace(content) == "" {
		return nil, NewMemoryError("Update", fmt.Errorf("%w: content is empty", ErrInvalidInput))
	}
	updateOpts := applyUpdateOptions(opts)
	scope := storage.Scope{UserID: updateOpts.UserID, AgentID: updateOpts.AgentID, RunID: updateOpts.RunID}

	old, err := c.storage.GetMemory(ctx, id, scope)
	if err != nil {
		return nil, wrapError("Update", err)
	}
	m, err := c.storage.UpdateMemory(ctx, id, scope, &adapter.UpdateParams{
		Content:  content,
		Metadata: updateOpts.Metadata,
	})
	if err != nil {
		return nil, wrapError("Update", err)
	}

	c.metrics.event(EventUpdate)
	c.recordHistory(ctx, id, &old.Content, &m.Content, history.EventUpdate, m.ActorID, "")
	return fromStorageMemory(m), nil
}

// Delete deletes a memory by its ID with optional access control. It
// returns ErrNotFound when the memory does not exist or is out of scope.
//
// Example:
//
//	err := client.Delete(ctx, memoryID, core.WithUserIDForDelete("user_001"))
func (c *Client) Delete(ctx context.Context, id int64, opts ...DeleteOption) (err error) {
	defer c.metrics.observe("Delete", time.Now(), &err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	deleteOpts := applyDeleteOptions(opts)
	scope := storage.Scope{UserID: deleteOpts.UserID, AgentID: deleteOpts.AgentID, RunID: deleteOpts.RunID}

	old, err := c.storage.GetMemory(ctx, id, scope)
	if err != nil {
		return wrapError("Delete", err)
	}
	deleted, err := c.storage.DeleteMemory(ctx, id, scope)
	if err != nil {
		return wrapError("Delete", err)
	}
	if !deleted {
		return NewMemoryError("Delete", ErrNotFound)
	}

	c.metrics.event(EventDelete)
	c.recordHistory(ctx, id, &old.Content, nil, history.EventDelete, old.ActorID, "")
	return nil
}

// GetAll lists memories in the main store, ordered by ID. Memories routed
// to sub-stores are not listed.
//
// Example:
//
//	memories, err := client.GetAll(ctx,
//	    core.WithUserIDForGetAll("user_001"),
//	    core.WithLimitForGetAll(100),
//	    core.WithOffset(0),
//	)
func (c *Client) GetAll(ctx context.Context, opts ...GetAllOption) (memories []*Memory, err error) {
	defer c.metrics.observe("GetAll", time.Now(), &err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	getAllOpts := applyGetAllOptions(opts)
	list, err := c.storage.GetAllMemories(ctx, &storage.ListOptions{
		Scope:   storage.Scope{UserID: getAllOpts.UserID, AgentID: getAllOpts.AgentID, RunID: getAllOpts.RunID},
		Filters: getAllOpts.Filters,
		Limit:   getAllOpts.Limit,
		Offset:  getAllOpts.Offset,
	})
	if err != nil {
		return nil, wrapError("GetAll", err)
	}
	return fromStorageMemories(list), nil
}

// Count returns how many memories of the main store are in the scope set by
// the user, agent and run options. Filters, limit and offset are ignored.
func (c *Client) Count(ctx context.Context, opts ...GetAllOption) (n int64, err error) {
	defer c.metrics.observe("Count", time.Now(), &err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	o := applyGetAllOptions(opts)
	n, err = c.storage.Main().CountMemories(ctx, storage.Scope{UserID: o.UserID, AgentID: o.AgentID, RunID: o.RunID})
	if err != nil {
		return 0, wrapError("Count", err)
	}
	return n, nil
}

// DeleteAll deletes the matching memories from the main store and every
// sub-store and returns how many were removed.
//
// If no filters are provided, deletes ALL memories (use with caution).
//
// Example:
//
//	n, err := client.DeleteAll(ctx, core.WithUserIDForDeleteAll("user_001"))
func (c *Client) DeleteAll(ctx context.Context, opts ...DeleteAllOption) (count int64, err error) {
	defer c.metrics.observe("DeleteAll", time.Now(), &err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	o := applyDeleteAllOptions(opts)
	count, err = c.storage.ClearMemories(ctx, &storage.DeleteAllOptions{
		Scope:   storage.Scope{UserID: o.UserID, AgentID: o.AgentID, RunID: o.RunID},
		Filters: o.Filters,
	})
	if err != nil {
		return count, wrapError("DeleteAll", err)
	}

	if c.graph != nil {
		if gerr := c.graph.DeleteAll(ctx, graphFilters(o.UserID, o.AgentID, o.RunID)); gerr != nil {
			c.logger.Warn("graph delete failed", zap.Error(gerr))
		}
	}
	return count, nil
}

// History returns the audit entries of a memory, oldest first.
func (c *Client) History(ctx context.Context, id int64) ([]*history.Entry, error) {
	if c.history == nil {
		return nil, NewMemoryError("History", fmt.Errorf("%w: history is not configured", ErrInvalidConfig))
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	entries, err := c.history.History(ctx, id)
	if err != nil {
		return nil, wrapError("History", err)
	}
	return entries, nil
}

// SetSubStoreReady marks a sub-store ready or not ready for routing.
func (c *Client) SetSubStoreReady(name string, ready bool) error {
	if err := c.storage.SetReady(name, ready); err != nil {
		return NewMemoryError("SetSubStoreReady", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}
	return nil
}

// Close closes the client and releases all resources: the stores and
// embedders, the LLM and the history store.
//
// Example:
//
//	defer client.Close()
func (c *Client) Close() error {
	var errs []error
	if c.storage != nil {
		errs = append(errs, c.storage.Close())
	}
	if c.llm != nil {
		errs = append(errs, c.llm.Close())
	}
	if c.history != nil {
		errs = append(errs, c.history.Close())
	}
	return NewMemoryError("Close", errors.Join(errs...))
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// recordHistory appends an audit entry. Failures are logged only.
func (c *Client) recordHistory(ctx context.Context, id int64, oldContent, newContent *string, event, actorID, role string) {
	if c.history == nil {
		return
	}
	err := c.history.Record(ctx, &history.Entry{
		MemoryID:  id,
		OldMemory: oldContent,
		NewMemory: newContent,
		Event:     event,
		ActorID:   actorID,
		Role:      role,
	})
	if err != nil {
		c.logger.Warn("history append failed", zap.Int64("memory_id", id), zap.String("event", event), zap.Error(err))
	}
}

func graphFilters(userID, agentID, runID string) graph.Filters {
	return graph.Filters{UserID: userID, AgentID: agentID, RunID: runID}
}

// lastRole returns the role of the last non-system message.
func lastRole(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "system" && strings.TrimSpace(messages[i].Content) != "" {
			if messages[i].Role == "" {
				return "user"
			}
			return messages[i].Role
		}
	}
	return ""
}

// initLLM initializes the LLM provider.
func initLLM(cfg LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai", "qwen", "deepseek", "ollama":
		return openaiLLM.NewClient(&openaiLLM.Config{
			Provider: cfg.Provider,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			BaseURL:  cfg.BaseURL,
		})
	case "anthropic":
		return anthropicLLM.NewClient(&anthropicLLM.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// initEmbedder initializes the embedder provider, wrapped in a cache when
// CacheSize is set.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	var (
		p   embedder.Provider
		err error
	)
	switch cfg.Provider {
	case "openai":
		p, err = openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "qwen":
		p, err = qwenEmbedder.NewClient(&qwenEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, fmt.Errorf("%w: unknown embedder provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.CacheSize <= 0 {
		return p, nil
	}
	return cached.New(p, &cached.Config{MaxEntries: cfg.CacheSize})
}

// initReranker initializes the reranker.
func initReranker(cfg RerankerConfig) (rerank.Provider, error) {
	switch cfg.Provider {
	case "qwen", "dashscope":
		r, err := qwenRerank.NewClient(&qwenRerank.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unknown reranker provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
