package llm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/powermem-engine/pkg/llm"
)

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"facts":[]}`:                         `{"facts":[]}`,
		"```json\n{\"a\":1}\n```":              `{"a":1}`,
		"Sure! Here it is: {\"a\":{\"b\":2}} ": `{"a":{"b":2}}`,
		"no json here":                         "no json here",
	}
	for in, want := range cases {
		assert.Equal(t, want, llm.ExtractJSON(in), in)
	}
}

func TestApplyGenerateOptions(t *testing.T) {
	opts := llm.ApplyGenerateOptions([]llm.GenerateOption{
		llm.WithTemperature(0.1),
		llm.WithResponseFormat(llm.ResponseFormatJSON),
		llm.WithStop("END"),
	})
	assert.Equal(t, 0.1, opts.Temperature)
	assert.Equal(t, 1000, opts.MaxTokens)
	assert.Equal(t, llm.ResponseFormatJSON, opts.ResponseFormat)
	assert.Equal(t, []string{"END"}, opts.Stop)
}
