package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-engine/pkg/llm"
	"github.com/oceanbase/powermem-engine/pkg/llm/openai"
)

type chatRequest struct {
	Model          string `json:"model"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

func serve(t *testing.T, check func(chatRequest), message map[string]interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		check(req)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"choices": []map[string]interface{}{{"index": 0, "message": message, "finish_reason": "stop"}},
		})
	}))
}

func TestClient_JSONResponseFormat(t *testing.T) {
	srv := serve(t, func(req chatRequest) {
		assert.Equal(t, "deepseek-chat", req.Model)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
	}, map[string]interface{}{"role": "assistant", "content": `{"facts":["likes tea"]}`})
	defer srv.Close()

	c, err := openai.NewClient(&openai.Config{Provider: "deepseek", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := c.GenerateWithMessages(context.Background(),
		[]llm.Message{{Role: "user", Content: "extract"}},
		llm.WithResponseFormat(llm.ResponseFormatJSON))
	require.NoError(t, err)
	assert.JSONEq(t, `{"facts":["likes tea"]}`, out)
}

func TestClient_GenerateWithTools(t *testing.T) {
	srv := serve(t, func(req chatRequest) {
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "function", req.Tools[0].Type)
		assert.Equal(t, "add_memory", req.Tools[0].Function.Name)
	}, map[string]interface{}{
		"role": "assistant",
		"tool_calls": []map[string]interface{}{{
			"id":       "call_1",
			"type":     "function",
			"function": map[string]interface{}{"name": "add_memory", "arguments": `{"text":"likes tea"}`},
		}},
	})
	defer srv.Close()

	c, err := openai.NewClient(&openai.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	var caller llm.ToolCaller = c
	resp, err := caller.GenerateWithTools(context.Background(),
		[]llm.Message{{Role: "user", Content: "remember I like tea"}},
		[]llm.Tool{{Name: "add_memory", Parameters: map[string]interface{}{"type": "object"}}})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "add_memory", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"text":"likes tea"}`, string(resp.ToolCalls[0].Arguments))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := openai.NewClient(&openai.Config{Provider: "openai"})
	assert.Error(t, err)

	_, err = openai.NewClient(&openai.Config{Provider: "ollama"})
	assert.NoError(t, err)

	_, err = openai.NewClient(&openai.Config{Provider: "bard", APIKey: "k"})
	assert.Error(t, err)
}
