package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oceanbase/powermem-engine/pkg/llm"
)

// FactExtractor extracts facts from a conversation with the LLM.
//
// Facts are self-contained pieces of information: preferences, personal
// details, plans, intentions, needs and activities.
//
// Example usage:
//
//	extractor := NewFactExtractor(llmProvider)
//	facts, err := extractor.ExtractFacts(ctx, FlattenMessages(messages))
type FactExtractor struct {
	llm llm.Provider

	// customPrompt replaces the default system prompt when set.
	customPrompt string

	now func() time.Time
}

// NewFactExtractor creates a fact extractor with the default prompt.
func NewFactExtractor(provider llm.Provider) *FactExtractor {
	return NewFactExtractorWithPrompt(provider, "")
}

// NewFactExtractorWithPrompt creates a fact extractor with a custom prompt.
func NewFactExtractorWithPrompt(provider llm.Provider, customPrompt string) *FactExtractor {
	return &FactExtractor{llm: provider, customPrompt: customPrompt, now: time.Now}
}

// ExtractFacts returns the facts found in conversation. A reply with no
// facts yields an empty slice and no error.
func (e *FactExtractor) ExtractFacts(ctx context.Context, conversation string) ([]string, error) {
	messages := []llm.Message{
		{Role: "system", Content: e.getSystemPrompt(e.now())},
		{Role: "user", Content: fmt.Sprintf("Input:\n%s", conversation)},
	}

	response, err := e.llm.GenerateWithMessages(ctx, messages,
		llm.WithResponseFormat(llm.ResponseFormatJSON),
		llm.WithTemperature(0),
	)
	if err != nil {
		return nil, fmt.Errorf("ExtractFacts: %w", err)
	}

	facts, err := parseFactsResponse(response)
	if err != nil {
		return nil, fmt.Errorf("ExtractFacts: %w", err)
	}
	return facts, nil
}

// FlattenMessages renders role-tagged messages as "role: content" lines.
// System messages and empty entries are skipped.
func FlattenMessages(messages []llm.Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" || msg.Role == "system" {
			continue
		}
		role := msg.Role
		if role == "" {
			role = "user"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", role, content))
	}
	return strings.Join(parts, "\n")
}

// getSystemPrompt returns the system prompt for fact extraction.
func (e *FactExtractor) getSystemPrompt(now time.Time) string {
	if e.customPrompt != "" {
		return e.customPrompt
	}

	today := now.Format("2006-01-02")
	return fmt.Sprintf(`You are a Personal Information Organizer. Extract relevant facts, memories, preferences, intentions, and needs from conversations into distinct, manageable facts.

Information Types: Personal preferences, details (names, relationships, dates), plans, intentions, needs, requests, activities, health/wellness (including medical appointments, symptoms, treatments), professional, miscellaneous.

CRITICAL Rules:
1. TEMPORAL: ALWAYS extract time info (dates, relative refs like "yesterday", "last week"). Include in facts (e.g., "Went to Hawaii in May 2023" or "Went to Hawaii last year", not just "Went to Hawaii"). Preserve relative time refs for later calculation.
2. COMPLETE: Extract self-contained facts with who/what/when/where when available.
3. SEPARATE: Extract distinct facts separately, especially when they have different time periods.
4. INTENTIONS & NEEDS: ALWAYS extract user intentions, needs, and requests even without time information. Examples: "Want to book a doctor appointment", "Need to call someone", "Plan to visit a place".

Examples:
Input: Hi.
Output: {"facts" : []}

Input: Yesterday, I met John at 3pm. We discussed the project.
Output: {"facts" : ["Met John at 3pm yesterday", "Discussed project with John yesterday"]}

Input: Last May, I went to India. Visited Mumbai and Goa.
Output: {"facts" : ["Went to India in May", "Visited Mumbai in May", "Visited Goa in May"]}

Input: I met Sarah last year and became friends. We went to movies last month.
Output: {"facts" : ["Met Sarah last year and became friends", "Went to movies with Sarah last month"]}

Input: I'm John, a software engineer.
Output: {"facts" : ["Name is John", "John is a software engineer"]}

Input: I want to book an appointment with a cardiologist.
Output: {"facts" : ["Want to book an appointment with a cardiologist"]}

Rules:
- Today: %s
- Return JSON: {"facts": ["fact1", "fact2"]}
- Extract from user/assistant messages only
- Extract intentions, needs, and requests even without time information
- If no relevant facts, return empty list
- Preserve input language

Extract facts from the conversation below:`, today)
}

// parseFactsResponse reads {"facts": [...]}. Blank and duplicate facts are
// dropped; a missing key means no facts.
func parseFactsResponse(response string) ([]string, error) {
	var result struct {
		Facts []interface{} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(response)), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	seen := make(map[string]bool, len(result.Facts))
	facts := make([]string, 0, len(result.Facts))
	for _, f := range result.Facts {
		fact, ok := f.(string)
		fact = strings.TrimSpace(fact)
		if !ok || fact == "" || seen[fact] {
			continue
		}
		seen[fact] = true
		facts = append(facts, fact)
	}
	return facts, nil
}
