package core

import "github.com/oceanbase/powermem-engine/pkg/storage"

// AddOption is a function type for configuring Add operations.
//
// Options are applied using the functional options pattern, allowing
// flexible configuration without requiring all parameters.
type AddOption func(*AddOptions)

// AddOptions contains configuration options for Add operations.
type AddOptions struct {
	// UserID identifies the user who owns this memory. Required.
	UserID string

	// AgentID identifies the agent associated with this memory.
	AgentID string

	// RunID identifies the run/session associated with this memory.
	RunID string

	// ActorID identifies who said it, e.g. a speaker name.
	ActorID string

	// Metadata contains additional metadata about the memory. It also
	// drives sub-store routing.
	Metadata map[string]interface{}

	// Filters are merged into the metadata.
	Filters map[string]interface{}

	// Scope defines the visibility scope of the memory.
	Scope MemoryScope

	// MemoryType is stored as metadata["memory_type"].
	MemoryType string

	// Prompt replaces the fact extraction prompt of an inferring add.
	Prompt string

	// Infer extracts facts with the LLM and merges them into existing
	// memories instead of storing the input verbatim.
	Infer bool
}

// WithUserID sets the user ID for Add operations.
//
// Example:
//
//	result, _ := client.Add(ctx, "content", core.WithUserID("user_001"))
func WithUserID(userID string) AddOption {
	return func(opts *AddOptions) {
		opts.UserID = userID
	}
}

// WithAgentID sets the agent ID for Add operations.
func WithAgentID(agentID string) AddOption {
	return func(opts *AddOptions) {
		opts.AgentID = agentID
	}
}

// WithRunID sets the run ID for Add operations.
//
// RunID identifies a specific run or session, useful for grouping related memories.
func WithRunID(runID string) AddOption {
	return func(opts *AddOptions) {
		opts.RunID = runID
	}
}

// WithActorID sets the actor ID for Add operations.
func WithActorID(actorID string) AddOption {
	return func(opts *AddOptions) {
		opts.ActorID = actorID
	}
}

// WithMetadata sets metadata for Add operations.
//
// Metadata can be used for filtering, and routes the memory to a sub-store
// when it matches a routing filter.
//
// Example:
//
//	result, _ := client.Add(ctx, "content",
//	    core.WithMetadata(map[string]interface{}{
//	        "source": "conversation",
//	        "priority": "high",
//	    }),
//	)
func WithMetadata(metadata map[string]interface{}) AddOption {
	return func(opts *AddOptions) {
		opts.Metadata = metadata
	}
}

// WithFiltersForAdd sets filters that are merged into the metadata.
func WithFiltersForAdd(filters map[string]interface{}) AddOption {
	return func(opts *AddOptions) {
		opts.Filters = filters
	}
}

// WithMemoryType sets the memory type for Add operations.
func WithMemoryType(memoryType string) AddOption {
	return func(opts *AddOptions) {
		opts.MemoryType = memoryType
	}
}

// WithPrompt replaces the fact extraction prompt for an inferring add.
func WithPrompt(prompt string) AddOption {
	return func(opts *AddOptions) {
		opts.Prompt = prompt
	}
}

// WithInfer enables or disables inference for Add operations.
//
// With inference, facts are extracted by the LLM, compared against similar
// existing memories, and turned into ADD/UPDATE/DELETE operations.
//
// Example:
//
//	result, _ := client.Add(ctx, "I moved to Berlin", core.WithUserID("u"), core.WithInfer(true))
func WithInfer(infer bool) AddOption {
	return func(opts *AddOptions) {
		opts.Infer = infer
	}
}

// WithScope sets the memory scope for Add operations.
//
// Example:
//
//	result, _ := client.Add(ctx, "content", core.WithScope(core.ScopeGlobal))
func WithScope(scope MemoryScope) AddOption {
	return func(opts *AddOptions) {
		opts.Scope = scope
	}
}

// SearchOption is a function type for configuring Search operations.
type SearchOption func(*SearchOptions)

// SearchOptions contains configuration options for Search operations.
type SearchOptions struct {
	UserID  string
	AgentID string
	RunID   string

	// Limit sets the maximum number of results to return.
	// Default: 10
	Limit int

	// Filters provides additional metadata filters. They also pick the
	// sub-store to search.
	Filters map[string]interface{}

	// MinScore drops results scoring below it, after reranking and decay.
	MinScore float64

	// IncludeArchived keeps results flagged as archived. Default: true.
	IncludeArchived bool
}

// WithUserIDForSearch sets the user ID for Search operations.
//
// Example:
//
//	results, _ := client.Search(ctx, "query", core.WithUserIDForSearch("user_001"))
func WithUserIDForSearch(userID string) SearchOption {
	return func(opts *SearchOptions) {
		opts.UserID = userID
	}
}

// WithAgentIDForSearch sets the agent ID for Search operations.
func WithAgentIDForSearch(agentID string) SearchOption {
	return func(opts *SearchOptions) {
		opts.AgentID = agentID
	}
}

// WithRunIDForSearch sets the run ID for Search operations.
func WithRunIDForSearch(runID string) SearchOption {
	return func(opts *SearchOptions) {
		opts.RunID = runID
	}
}

// WithLimit sets the maximum number of results for Search operations.
func WithLimit(limit int) SearchOption {
	return func(opts *SearchOptions) {
		opts.Limit = limit
	}
}

// WithFilters sets metadata filters for Search operations.
//
// Example:
//
//	results, _ := client.Search(ctx, "query",
//	    core.WithFilters(map[string]interface{}{
//	        "category": "preference",
//	    }),
//	)
func WithFilters(filters map[string]interface{}) SearchOption {
	return func(opts *SearchOptions) {
		opts.Filters = filters
	}
}

// WithMinScore sets the minimum score for Search results.
func WithMinScore(score float64) SearchOption {
	return func(opts *SearchOptions) {
		opts.MinScore = score
	}
}

// WithIncludeArchived sets whether archived memories appear in Search results.
func WithIncludeArchived(include bool) SearchOption {
	return func(opts *SearchOptions) {
		opts.IncludeArchived = include
	}
}

// GetAllOption is a function type for configuring GetAll operations.
type GetAllOption func(*GetAllOptions)

// GetAllOptions contains configuration options for GetAll operations.
type GetAllOptions struct {
	UserID  string
	AgentID string
	RunID   string

	// Filters restricts the listing by metadata.
	Filters map[string]interface{}

	// Limit sets the maximum number of results to return.
	// Default: 100
	Limit int

	// Offset sets the number of results to skip (for pagination).
	Offset int
}

// WithUserIDForGetAll sets the user ID for GetAll operations.
func WithUserIDForGetAll(userID string) GetAllOption {
	return func(opts *GetAllOptions) {
		opts.UserID = userID
	}
}

// WithAgentIDForGetAll sets the agent ID for GetAll operations.
func WithAgentIDForGetAll(agentID string) GetAllOption {
	return func(opts *GetAllOptions) {
		opts.AgentID = agentID
	}
}

// WithRunIDForGetAll sets the run ID for GetAll operations.
func WithRunIDForGetAll(runID string) GetAllOption {
	return func(opts *GetAllOptions) {
		opts.RunID = runID
	}
}

// WithFiltersForGetAll sets metadata filters for GetAll operations.
func WithFiltersForGetAll(filters map[string]interface{}) GetAllOption {
	return func(opts *GetAllOptions) {
		opts.Filters = filters
	}
}

// WithLimitForGetAll sets the maximum number of results for GetAll operations.
func WithLimitForGetAll(limit int) GetAllOption {
	return func(opts *GetAllOptions) {
		opts.Limit = limit
	}
}

// WithOffset sets the offset for GetAll operations (for pagination).
//
// Example:
//
//	// Get second page of results
//	memories, _ := client.GetAll(ctx,
//	    core.WithLimitForGetAll(50),
//	    core.WithOffset(50),
//	)
func WithOffset(offset int) GetAllOption {
	return func(opts *GetAllOptions) {
		opts.Offset = offset
	}
}

// DeleteAllOption is a function type for configuring DeleteAll operations.
type DeleteAllOption func(*DeleteAllOptions)

// DeleteAllOptions contains configuration options for DeleteAll operations.
type DeleteAllOptions struct {
	UserID  string
	AgentID string
	RunID   string
	Filters map[string]interface{}
}

// WithUserIDForDeleteAll sets the user ID for DeleteAll operations.
func WithUserIDForDeleteAll(userID string) DeleteAllOption {
	return func(opts *DeleteAllOptions) {
		opts.UserID = userID
	}
}

// WithAgentIDForDeleteAll sets the agent ID for DeleteAll operations.
func WithAgentIDForDeleteAll(agentID string) DeleteAllOption {
	return func(opts *DeleteAllOptions) {
		opts.AgentID = agentID
	}
}

// WithRunIDForDelete sets the run ID for Delete operations (access control).
func WithRunIDForDelete(runID string) DeleteOption {
	return func(opts *DeleteOptions) {
		opts.RunID = runID
	}
}

// WithRunIDForDeleteAll sets the run ID for DeleteAll operations.
func WithRunIDForDeleteAll(runID string) DeleteAllOption {
	return func(opts *DeleteAllOptions) {
		opts.RunID = runID
	}
}

// WithFiltersForDeleteAll sets metadata filters for DeleteAll operations.
func WithFiltersForDeleteAll(filters map[string]interface{}) DeleteAllOption {
	return func(opts *DeleteAllOptions) {
		opts.Filters = filters
	}
}

// GetOption is a function type for configuring Get operations.
type GetOption func(*GetOptions)

// GetOptions restricts Get to memories in a scope (multi-tenant isolation).
type GetOptions struct {
	UserID  string
	AgentID string
	RunID   string
}

// WithUserIDForGet sets the user ID for Get operations (access control).
func WithUserIDForGet(userID string) GetOption {
	return func(opts *GetOptions) {
		opts.UserID = userID
	}
}

// WithAgentIDForGet sets the agent ID for Get operations (access control).
func WithAgentIDForGet(agentID string) GetOption {
	return func(opts *GetOptions) {
		opts.AgentID = agentID
	}
}

// WithRunIDForGet sets the run ID for Get operations (access control).
func WithRunIDForGet(runID string) GetOption {
	return func(opts *GetOptions) {
		opts.RunID = runID
	}
}

// UpdateOption is a function type for configuring Update operations.
type UpdateOption func(*UpdateOptions)

// UpdateOptions contains configuration options for Update operations.
type UpdateOptions struct {
	// UserID restricts updates to memories belonging to this user.
	UserID string

	// AgentID restricts updates to memories belonging to this agent.
	AgentID string

	// RunID restricts updates to memories of this run.
	RunID string

	// Metadata replaces the stored metadata when non-nil.
	Metadata map[string]interface{}
}

// WithUserIDForUpdate sets the user ID for Update operations (access control).
func WithUserIDForUpdate(userID string) UpdateOption {
	return func(opts *UpdateOptions) {
		opts.UserID = userID
	}
}

// WithAgentIDForUpdate sets the agent ID for Update operations (access control).
func WithAgentIDForUpdate(agentID string) UpdateOption {
	return func(opts *UpdateOptions) {
		opts.AgentID = agentID
	}
}

// WithRunIDForUpdate sets the run ID for Update operations (access control).
func WithRunIDForUpdate(runID string) UpdateOption {
	return func(opts *UpdateOptions) {
		opts.RunID = runID
	}
}

// WithMetadataForUpdate replaces the metadata along with the content.
func WithMetadataForUpdate(metadata map[string]interface{}) UpdateOption {
	return func(opts *UpdateOptions) {
		opts.Metadata = metadata
	}
}

// DeleteOption is a function type for configuring Delete operations.
type DeleteOption func(*DeleteOptions)

// DeleteOptions restricts Delete to memories in a scope.
type DeleteOptions struct {
	UserID  string
	AgentID string
	RunID   string
}

// WithUserIDForDelete sets the user ID for Delete operations (access control).
func WithUserIDForDelete(userID string) DeleteOption {
	return func(opts *DeleteOptions) {
		opts.UserID = userID
	}
}

// WithAgentIDForDelete sets the agent ID for Delete operations (access control).
func WithAgentIDForDelete(agentID string) DeleteOption {
	return func(opts *DeleteOptions) {
		opts.AgentID = agentID
	}
}

func applyAddOptions(opts []AddOption) *AddOptions {
	options := &AddOptions{
		Scope: ScopePrivate,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// metadata merges Metadata, Filters and the memory type into one map.
func (o *AddOptions) metadata() map[string]interface{} {
	meta := make(map[string]interface{}, len(o.Metadata)+len(o.Filters)+1)
	for k, v := range o.Metadata {
		meta[k] = v
	}
	for k, v := range o.Filters {
		meta[k] = v
	}
	if o.MemoryType != "" {
		meta["memory_type"] = o.MemoryType
	}
	return meta
}

func applySearchOptions(opts []SearchOption) *SearchOptions {
	options := &SearchOptions{
		Limit:           10,
		IncludeArchived: true,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func (o *SearchOptions) scope() storage.Scope {
	return storage.Scope{UserID: o.UserID, AgentID: o.AgentID, RunID: o.RunID}
}

func applyGetAllOptions(opts []GetAllOption) *GetAllOptions {
	options := &GetAllOptions{
		Limit: 100,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func applyDeleteAllOptions(opts []DeleteAllOption) *DeleteAllOptions {
	options := &DeleteAllOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func applyGetOptions(opts []GetOption) *GetOptions {
	options := &GetOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func applyUpdateOptions(opts []UpdateOption) *UpdateOptions {
	options := &UpdateOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

func applyDeleteOptions(opts []DeleteOption) *DeleteOptions {
	options := &DeleteOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
