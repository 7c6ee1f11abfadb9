package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/oceanbase/powermem-engine/pkg/llm"
)

// Importance sources recorded in State.ImportanceSource.
const (
	SourceLLM   = "llm"
	SourceRules = "rules"
)

var numberPattern = regexp.MustCompile(`\d+\.?\d*`)

// ImportanceEvaluator evaluates the importance of memory content.
//
// It supports two evaluation modes:
//   - LLM-based: asks the model for a JSON score
//   - Rule-based: keyword matching, length and priority metadata
//
// The rules also weigh a per-criterion breakdown (relevance, novelty,
// emotional impact, actionability, factuality, personal significance).
//
// Example usage:
//
//	evaluator := NewImportanceEvaluator(llmProvider)
//	score, source := evaluator.EvaluateImportance(ctx, "User's birthday is March 15th", nil)
type ImportanceEvaluator struct {
	// llm is used when non-nil. Failures fall back to the rules.
	llm llm.Provider

	criteriaWeights map[string]float64
}

// NewImportanceEvaluator creates an evaluator. provider may be nil.
func NewImportanceEvaluator(provider llm.Provider) *ImportanceEvaluator {
	return &ImportanceEvaluator{
		llm: provider,
		criteriaWeights: map[string]float64{
			"relevance":        0.3,
			"novelty":          0.2,
			"emotional_impact": 0.15,
			"actionable":       0.15,
			"factual":          0.1,
			"personal":         0.1,
		},
	}
}

// EvaluateImportance returns a score in [0, 1] and where it came from.
func (e *ImportanceEvaluator) EvaluateImportance(ctx context.Context, content string, metadata map[string]interface{}) (float64, string) {
	if e.llm != nil {
		if score, err := e.evaluateWithLLM(ctx, content); err == nil {
			return score, SourceLLM
		}
	}
	return e.EvaluateWithRules(content, metadata), SourceRules
}

func (e *ImportanceEvaluator) evaluateWithLLM(ctx context.Context, content string) (float64, error) {
	systemPrompt := `You are an importance evaluator for memory content.
Evaluate the importance of the given content on a scale from 0.0 to 1.0.
Consider factors like relevance, novelty, emotional impact, actionability, and personal significance.
Return a JSON object with an "importance_score" field.`

	userPrompt := fmt.Sprintf("Content: %s\n\nEvaluate the importance and return JSON: {\"importance_score\": 0.0-1.0}", content)

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	response, err := e.llm.GenerateWithMessages(ctx, messages,
		llm.WithResponseFormat(llm.ResponseFormatJSON),
		llm.WithTemperature(0),
	)
	if err != nil {
		return 0, err
	}
	return parseImportanceResponse(response)
}

// EvaluateWithRules scores content without a model.
func (e *ImportanceEvaluator) EvaluateWithRules(content string, metadata map[string]interface{}) float64 {
	score := 0.0
	contentLower := strings.ToLower(content)

	if len(content) > 100 {
		score += 0.1
	} else if len(content) > 50 {
		score += 0.05
	}

	importantKeywords := []string{
		"important", "critical", "urgent", "remember", "note",
		"preference", "prefer", "like", "dislike", "hate", "love",
		"password", "secret", "private", "confidential",
	}
	for _, keyword := range importantKeywords {
		if strings.Contains(contentLower, keyword) {
			score += 0.1
		}
	}

	if strings.Contains(content, "?") {
		score += 0.05
	}
	if strings.Contains(content, "!") {
		score += 0.05
	}

	score += priorityBoost(metadata["priority"])
	if tags, ok := metadata["tags"].([]interface{}); ok && len(tags) > 0 {
		score += 0.05
	}

	weighted := 0.0
	for criterion, v := range e.GetImportanceBreakdown(content) {
		weighted += e.criteriaWeights[criterion] * v
	}
	score += weighted * 0.5

	return math.Max(0, math.Min(score, 1.0))
}

// priorityBoost accepts "high"/"medium"/"low" or a number in [0, 1].
func priorityBoost(v interface{}) float64 {
	switch p := v.(type) {
	case string:
		switch strings.ToLower(p) {
		case "high", "critical":
			return 0.2
		case "medium":
			return 0.1
		}
	case float64:
		return 0.2 * math.Max(0, math.Min(p, 1))
	case int:
		return priorityBoost(float64(p))
	}
	return 0
}

// parseImportanceResponse reads {"importance_score": x}, falling back to the
// first number in the text.
func parseImportanceResponse(response string) (float64, error) {
	var result struct {
		ImportanceScore *float64 `json:"importance_score"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(response)), &result); err == nil && result.ImportanceScore != nil {
		return math.Max(0.0, math.Min(1.0, *result.ImportanceScore)), nil
	}

	if m := numberPattern.FindString(response); m != "" {
		if score, err := strconv.ParseFloat(m, 64); err == nil {
			return math.Max(0.0, math.Min(1.0, score)), nil
		}
	}
	return 0, fmt.Errorf("parseImportanceResponse: no score in %q", response)
}

// GetImportanceBreakdown scores each criterion in [0, 1].
func (e *ImportanceEvaluator) GetImportanceBreakdown(content string) map[string]float64 {
	lower := strings.ToLower(content)
	return map[string]float64{
		"relevance":        keywordScore(lower, 0.25, "relevant", "related", "connected", "associated"),
		"novelty":          keywordScore(lower, 0.2, "new", "first", "never", "unprecedented", "unique"),
		"emotional_impact": keywordScore(lower, 0.1, "happy", "sad", "angry", "excited", "worried", "scared", "love", "hate", "fear", "joy"),
		"actionable":       keywordScore(lower, 0.1, "make", "create", "build", "fix", "solve", "implement", "complete", "schedule"),
		"factual":          keywordScore(lower, 0.15, "fact", "data", "statistic", "research", "study", "evidence", "confirmed", "verified"),
		"personal":         keywordScore(" "+lower+" ", 0.1, " i ", " me ", " my ", " mine ", "myself", "user", "personal", "private"),
	}
}

func keywordScore(lower string, step float64, words ...string) float64 {
	score := 0.0
	for _, w := range words {
		if strings.Contains(lower, w) {
			score += step
		}
	}
	return math.Min(score, 1.0)
}
