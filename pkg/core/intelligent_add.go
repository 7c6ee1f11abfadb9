package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/history"
	"github.com/oceanbase/powermem-engine/pkg/intelligence"
	"github.com/oceanbase/powermem-engine/pkg/storage"
	"github.com/oceanbase/powermem-engine/pkg/storage/adapter"
)

const (
	// factSearchLimit is the number of similar memories fetched per fact.
	factSearchLimit = 5

	// maxCandidates bounds the existing memories shown to the LLM.
	maxCandidates = 10
)

// intelligentAdd implements the inferring add:
//  1. Extract facts from the conversation
//  2. For each fact, search for similar existing memories
//  3. Let the LLM decide ADD / UPDATE / DELETE / NONE per fact
//  4. Execute the decided operations
//
// Decisions naming an id that was not shown to the LLM are skipped.
func (c *Client) intelligentAdd(ctx context.Context, conversation, role string, o *AddOptions) (*AddResult, error) {
	fallback := c.intelligentManager.Config().FallbackToSimpleAdd

	facts, err := c.extractFacts(ctx, conversation, o.Prompt)
	if err != nil {
		if fallback {
			c.logger.Warn("fact extraction failed, falling back to simple add", zap.Error(err))
			return c.simpleAdd(ctx, conversation, role, o)
		}
		return nil, fmt.Errorf("%w: extract facts: %w", ErrLLMOperation, err)
	}
	if len(facts) == 0 {
		c.logger.Debug("no facts extracted, nothing to add")
		return &AddResult{Results: []MemoryActionResult{}}, nil
	}
	c.logger.Debug("facts extracted", zap.Int("count", len(facts)), zap.Strings("facts", facts))

	// Facts are compared against the store the new memories would go to.
	routed, _ := c.storage.Route(o.metadata(), nil)
	scope := storage.Scope{UserID: o.UserID, AgentID: o.AgentID, RunID: o.RunID}
	candidates := c.similarMemories(ctx, routed, facts, scope)

	tempIDs := make(map[string]*storage.Memory, len(candidates))
	existing := make([]intelligence.ExistingMemory, len(candidates))
	for i, m := range candidates {
		tempID := strconv.Itoa(i)
		tempIDs[tempID] = m
		existing[i] = intelligence.ExistingMemory{ID: tempID, Text: m.Content}
	}

	actions, err := c.intelligentManager.DecideActions(ctx, facts, existing)
	if err != nil {
		if fallback {
			c.logger.Warn("memory decision failed, falling back to simple add", zap.Error(err))
			return c.simpleAdd(ctx, conversation, role, o)
		}
		return nil, fmt.Errorf("%w: decide actions: %w", ErrLLMOperation, err)
	}

	result := &AddResult{Results: make([]MemoryActionResult, 0, len(actions))}
	counts := make(map[string]int, 4)
	for _, action := range actions {
		r, ok, err := c.apply(ctx, action, tempIDs, scope, role, o)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		counts[action.Event]++
		if action.Event == intelligence.EventNone {
			c.metrics.event(EventNone)
			continue
		}
		result.Results = append(result.Results, r)
	}

	c.logger.Debug("memory actions applied",
		zap.Int("add", counts[EventAdd]),
		zap.Int("update", counts[EventUpdate]),
		zap.Int("delete", counts[EventDelete]),
		zap.Int("none", counts[EventNone]),
	)
	return result, nil
}

// apply executes one decision. ok is false when the decision was skipped.
// Only a failed ADD is an error: it is the one write the caller asked for.
func (c *Client) apply(
	ctx context.Context,
	action intelligence.MemoryAction,
	tempIDs map[string]*storage.Memory,
	scope storage.Scope,
	role string,
	o *AddOptions,
) (r MemoryActionResult, ok bool, err error) {
	switch action.Event {
	case intelligence.EventAdd:
		if action.Text == "" {
			return r, false, nil
		}
		m, err := c.persist(ctx, action.Text, role, o)
		if err != nil {
			return r, false, err
		}
		return MemoryActionResult{ID: m.ID, Memory: m.Content, Event: EventAdd, Metadata: m.Metadata}, true, nil

	case intelligence.EventUpdate:
		target, known := tempIDs[action.ID]
		if !known || action.Text == "" {
			c.logger.Debug("skipping update of unknown memory", zap.String("temp_id", action.ID))
			return r, false, nil
		}
		current, err := c.storage.GetMemory(ctx, target.ID, scope)
		if err != nil {
			c.logger.Debug("update target vanished", zap.Int64("memory_id", target.ID), zap.Error(err))
			return r, false, nil
		}
		params := &adapter.UpdateParams{Content: action.Text}
		if meta := o.metadata(); len(meta) > 0 {
			// The request metadata is layered over what the record carries.
			merged := make(map[string]interface{}, len(current.Metadata)+len(meta))
			for k, v := range current.Metadata {
				merged[k] = v
			}
			for k, v := range meta {
				merged[k] = v
			}
			params.Metadata = merged
		}
		m, err := c.storage.UpdateMemory(ctx, target.ID, scope, params)
		if err != nil {
			c.logger.Warn("update failed", zap.Int64("memory_id", target.ID), zap.Error(err))
			return r, false, nil
		}
		c.metrics.event(EventUpdate)
		c.recordHistory(ctx, m.ID, &target.Content, &m.Content, history.EventUpdate, o.ActorID, role)
		return MemoryActionResult{
			ID:             m.ID,
			Memory:         m.Content,
			Event:          EventUpdate,
			PreviousMemory: target.Content,
			Metadata:       m.Metadata,
		}, true, nil

	case intelligence.EventDelete:
		target, known := tempIDs[action.ID]
		if !known {
			c.logger.Debug("skipping delete of unknown memory", zap.String("temp_id", action.ID))
			return r, false, nil
		}
		deleted, err := c.storage.DeleteMemory(ctx, target.ID, scope)
		if err != nil || !deleted {
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("delete failed", zap.Int64("memory_id", target.ID), zap.Error(err))
			}
			return r, false, nil
		}
		c.metrics.event(EventDelete)
		c.recordHistory(ctx, target.ID, &target.Content, nil, history.EventDelete, o.ActorID, role)
		return MemoryActionResult{
			ID:             target.ID,
			Memory:         target.Content,
			Event:          EventDelete,
			PreviousMemory: target.Content,
		}, true, nil

	case intelligence.EventNone:
		return r, true, nil

	default:
		c.logger.Debug("unknown memory event", zap.String("event", action.Event))
		return r, false, nil
	}
}

// extractFacts uses a one-off extractor when the add carries its own prompt.
func (c *Client) extractFacts(ctx context.Context, conversation, prompt string) ([]string, error) {
	if prompt != "" {
		return intelligence.NewFactExtractorWithPrompt(c.llm, prompt).ExtractFacts(ctx, conversation)
	}
	return c.intelligentManager.ExtractFacts(ctx, conversation)
}

// similarMemories collects up to maxCandidates distinct memories similar to
// any fact, in first-seen order. Search failures for one fact are logged and
// skipped.
func (c *Client) similarMemories(ctx context.Context, a *adapter.Adapter, facts []string, scope storage.Scope) []*storage.Memory {
	fetch := c.fetchLimit(factSearchLimit)
	seen := make(map[int64]bool)
	out := make([]*storage.Memory, 0, maxCandidates)

	for _, fact := range facts {
		found, err := a.SearchMemories(ctx, &adapter.SearchParams{
			Query: fact,
			Scope: scope,
			Limit: fetch,
		})
		if err != nil {
			c.logger.Warn("similar memory search failed", zap.Error(err))
			continue
		}
		found = c.rerank(ctx, fact, found, factSearchLimit)
		if len(found) > factSearchLimit {
			found = found[:factSearchLimit]
		}
		for _, m := range found {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
			if len(out) == maxCandidates {
				return out
			}
		}
	}
	return out
}
