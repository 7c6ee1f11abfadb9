// Package anthropic implements llm.Provider on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/oceanbase/powermem-engine/pkg/llm"
)

const defaultModel = "claude-3-5-sonnet-latest"

// jsonInstruction is appended to the system prompt when JSON output is
// requested; the Messages API has no response_format switch.
const jsonInstruction = "Respond with a single valid JSON object and nothing else."

// Client is an Anthropic LLM client.
// It implements llm.Provider and llm.ToolCaller. System messages are sent in
// the separate system field as the Messages API requires.
type Client struct {
	client anthropic.Client
	model  string
}

// Config is the configuration for Anthropic LLM.
// APIKey: Anthropic API key (required)
// Model: Model name to use, defaults to claude-3-5-sonnet-latest
// BaseURL: API base URL, defaults to the SDK default
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient creates a new Anthropic LLM client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("anthropic llm: API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

// Generate generates text based on the prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

// GenerateWithMessages generates text using message history. The text blocks
// of the reply are concatenated.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	resp, err := c.client.Messages.New(ctx, c.params(messages, llm.ApplyGenerateOptions(opts)))
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("llm generation failed: no content returned from Anthropic API")
	}
	return sb.String(), nil
}

// GenerateWithTools lets the model call the given functions.
func (c *Client) GenerateWithTools(ctx context.Context, messages []llm.Message, tools []llm.Tool, opts ...llm.GenerateOption) (*llm.ToolResponse, error) {
	params := c.params(messages, llm.ApplyGenerateOptions(opts))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]}
		if req, ok := t.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		tool := anthropic.ToolParam{Name: t.Name, InputSchema: schema}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	out := &llm.ToolResponse{}
	var sb strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			sb.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Content = sb.String()
	return out, nil
}

func (c *Client) params(messages []llm.Message, options *llm.GenerateOptions) anthropic.MessageNewParams {
	var (
		system []string
		msgs   []anthropic.MessageParam
	)
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if options.ResponseFormat == llm.ResponseFormatJSON {
		system = append(system, jsonInstruction)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(options.MaxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(options.Temperature),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if len(options.Stop) > 0 {
		params.StopSequences = options.Stop
	}
	return params
}

// Close is a no-op.
func (c *Client) Close() error {
	return nil
}
