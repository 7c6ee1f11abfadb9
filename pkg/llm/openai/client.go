// Package openai implements llm.Provider on the OpenAI chat completions API.
//
// DeepSeek, Qwen (DashScope compatible mode) and Ollama expose the same API;
// Config.Provider selects their default endpoint and model.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/oceanbase/powermem-engine/pkg/llm"
)

// Client is an OpenAI-compatible LLM client.
// It implements llm.Provider and llm.ToolCaller.
type Client struct {
	client   *openai.Client
	model    string
	provider string
}

// Config is the configuration for an OpenAI-compatible LLM.
// Provider: openai (default), deepseek, qwen or ollama
// APIKey: API key (required except for ollama)
// Model: Model name, defaults per provider
// BaseURL: API base URL, defaults per provider
type Config struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

type endpoint struct {
	baseURL string
	model   string
}

var endpoints = map[string]endpoint{
	"openai":   {"", "gpt-4o-mini"},
	"deepseek": {"https://api.deepseek.com", "deepseek-chat"},
	"qwen":     {"https://dashscope.aliyuncs.com/compatible-mode/v1", "qwen-plus"},
	"ollama":   {"http://localhost:11434/v1", "llama3.1"},
}

// Providers lists the provider names this client serves.
func Providers() []string {
	return []string{"openai", "deepseek", "qwen", "ollama"}
}

// NewClient creates a new OpenAI-compatible LLM client.
//
// Args:
//   - cfg: configuration containing Provider, APIKey, Model and BaseURL
//
// Returns:
//   - *Client: client instance
//   - error: Returns an error if the provider is unknown or the API key is missing
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("openai llm: config is required")
	}
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = "openai"
	}
	ep, ok := endpoints[provider]
	if !ok {
		return nil, fmt.Errorf("openai llm: unsupported provider %q", cfg.Provider)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		if provider != "ollama" {
			return nil, errors.New("openai llm: API key is required")
		}
		apiKey = "ollama"
	}

	config := openai.DefaultConfig(apiKey)
	switch {
	case cfg.BaseURL != "":
		config.BaseURL = cfg.BaseURL
	case ep.baseURL != "":
		config.BaseURL = ep.baseURL
	}

	model := cfg.Model
	if model == "" {
		model = ep.model
	}

	return &Client{
		client:   openai.NewClientWithConfig(config),
		model:    model,
		provider: provider,
	}, nil
}

// Generate generates text based on the prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	messages := []llm.Message{
		{Role: "user", Content: prompt},
	}
	return c.GenerateWithMessages(ctx, messages, opts...)
}

// GenerateWithMessages generates text using message history.
// Supports multi-turn conversations and accepts complete message history (including system, user, and assistant messages).
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	req := c.request(messages, llm.ApplyGenerateOptions(opts))

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm generation failed: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools lets the model call the given functions. Calls are
// returned to the caller; nothing is executed here.
func (c *Client) GenerateWithTools(ctx context.Context, messages []llm.Message, tools []llm.Tool, opts ...llm.GenerateOption) (*llm.ToolResponse, error) {
	req := c.request(messages, llm.ApplyGenerateOptions(opts))
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llm generation failed: no choices returned")
	}

	msg := resp.Choices[0].Message
	out := &llm.ToolResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func (c *Client) request(messages []llm.Message, options *llm.GenerateOptions) openai.ChatCompletionRequest {
	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	}
	if options.ResponseFormat == llm.ResponseFormatJSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

// Close is a no-op; the SDK client holds no resources.
func (c *Client) Close() error {
	return nil
}
