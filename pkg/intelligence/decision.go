package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/oceanbase/powermem-engine/pkg/llm"
)

// Decision events.
const (
	EventAdd    = "ADD"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventNone   = "NONE"
)

// MemoryAction is one decision returned by the LLM.
type MemoryAction struct {
	// ID is the temporary id of an existing memory (UPDATE/DELETE).
	ID string `json:"id"`

	Text string `json:"text"`

	// Event is ADD, UPDATE, DELETE or NONE.
	Event string `json:"event"`

	OldMemory string `json:"old_memory,omitempty"`
}

// DecisionMaker asks the LLM how new facts relate to existing memories:
//   - ADD: the fact is novel
//   - UPDATE: the fact refines an existing memory
//   - DELETE: the fact contradicts an existing memory
//   - NONE: the fact is already known
//
// Existing memories are presented under temporary ids "0".."n" so the model
// never sees real identifiers. The caller maps them back and must ignore
// ids it did not hand out.
//
// Example usage:
//
//	maker := NewDecisionMaker(llmProvider)
//	actions, err := maker.DecideActions(ctx, facts, existing)
type DecisionMaker struct {
	llm llm.Provider

	// customPrompt, when set, replaces the instructions. The existing
	// memories and facts are appended to it.
	customPrompt string
}

// ExistingMemory is a candidate memory shown to the LLM.
type ExistingMemory struct {
	// ID is the temporary id.
	ID   string `json:"id"`
	Text string `json:"text"`
}

// NewDecisionMaker creates a decision maker with the default prompt.
func NewDecisionMaker(provider llm.Provider) *DecisionMaker {
	return &DecisionMaker{llm: provider}
}

// NewDecisionMakerWithPrompt creates a decision maker with a custom prompt.
func NewDecisionMakerWithPrompt(provider llm.Provider, customPrompt string) *DecisionMaker {
	return &DecisionMaker{llm: provider, customPrompt: customPrompt}
}

// DecideActions returns the LLM's decisions for newFacts. No facts means no
// actions and no LLM call.
func (d *DecisionMaker) DecideActions(ctx context.Context, newFacts []string, existing []ExistingMemory) ([]MemoryAction, error) {
	if len(newFacts) == 0 {
		return []MemoryAction{}, nil
	}
	if existing == nil {
		existing = []ExistingMemory{}
	}

	messages := []llm.Message{
		{Role: "user", Content: d.generateDecisionPrompt(newFacts, existing)},
	}
	response, err := d.llm.GenerateWithMessages(ctx, messages,
		llm.WithResponseFormat(llm.ResponseFormatJSON),
		llm.WithTemperature(0),
	)
	if err != nil {
		return nil, fmt.Errorf("DecideActions: %w", err)
	}

	actions, err := parseActionsResponse(response)
	if err != nil {
		return nil, fmt.Errorf("DecideActions: %w", err)
	}
	return actions, nil
}

func (d *DecisionMaker) generateDecisionPrompt(newFacts []string, existing []ExistingMemory) string {
	existingJSON, _ := json.Marshal(existing)
	factsJSON, _ := json.Marshal(newFacts)

	if d.customPrompt != "" {
		return fmt.Sprintf("%s\n\n# Existing Memories\n%s\n\n# New Facts\n%s", d.customPrompt, existingJSON, factsJSON)
	}

	return fmt.Sprintf(`You are a Personal Information Organizer, specialized in managing and organizing personal information. You create, update, or delete memories based on new information and existing memories.

# Existing Memories
%s

# New Facts
%s

# Task
Analyze the new facts against existing memories and decide the appropriate action for each:

## Actions:
- **ADD**: Create a new memory if the fact is novel and doesn't overlap with existing memories
- **UPDATE**: Update an existing memory if the new fact provides additional or corrected information. Merge and consolidate information, keeping the updated memory self-contained and complete.
- **DELETE**: Remove a memory if it's outdated, incorrect, or contradicted by new information
- **NONE**: Skip if the fact is already captured or is not worth storing (e.g., greetings, small talk)

## Important Guidelines:
1. **Deduplication**: Mark facts as NONE if they duplicate existing memories
2. **Consolidation**: When updating, merge information to create complete, self-contained memories
3. **Temporal Information**: Always preserve time references (dates, "yesterday", "last week", etc.)
4. **Completeness**: Updated memories should include who/what/when/where
5. **Clarity**: Each memory should be understandable on its own
6. **ID Accuracy**: When UPDATE/DELETE, use the exact ID from existing memories

## Output Format (JSON):
Return a JSON object with a "memory" array containing action objects:

{
  "memory": [
    {
      "id": "0",
      "text": "Updated memory text",
      "event": "UPDATE",
      "old_memory": "Previous memory text"
    },
    {
      "text": "New memory text",
      "event": "ADD"
    },
    {
      "id": "2",
      "event": "DELETE"
    },
    {
      "text": "Duplicate fact",
      "event": "NONE"
    }
  ]
}

Note: 
- For UPDATE/DELETE, "id" is required and must match an existing memory ID
- For ADD, only "text" and "event" are required
- For NONE, include "text" to show what was skipped

Now analyze the facts and provide your decision:`, string(existingJSON), string(factsJSON))
}

// parseActionsResponse reads {"memory": [...]}. Ids may come back as
// strings or numbers; "memory" is accepted in place of "text".
func parseActionsResponse(response string) ([]MemoryAction, error) {
	var result struct {
		Memory []map[string]interface{} `json:"memory"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(response)), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	actions := make([]MemoryAction, 0, len(result.Memory))
	for _, item := range result.Memory {
		action := MemoryAction{}
		switch id := item["id"].(type) {
		case string:
			action.ID = strings.TrimSpace(id)
		case float64:
			action.ID = strconv.FormatInt(int64(id), 10)
		}
		action.Text, _ = item["text"].(string)
		if action.Text == "" {
			action.Text, _ = item["memory"].(string)
		}
		event, _ := item["event"].(string)
		action.Event = strings.ToUpper(strings.TrimSpace(event))
		action.OldMemory, _ = item["old_memory"].(string)

		actions = append(actions, action)
	}
	return actions, nil
}
