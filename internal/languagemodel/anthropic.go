package languagemodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicConfig configures the anthropic-sdk-go-backed adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	MaxTokens    int
}

func (c AnthropicConfig) withDefaults() AnthropicConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "claude-sonnet-4-20250514"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// AnthropicModel implements LanguageModel against Claude, non-streaming
// from the caller's perspective: it drives the SDK's streaming transport
// internally (matching the teacher's providers.AnthropicProvider) but
// aggregates into one Completion, since TurnEngine's contract (spec §4.7
// step 5) wants a single {text, toolCalls} result, not a token stream.
type AnthropicModel struct {
	client anthropic.Client
	cfg    AnthropicConfig
}

func NewAnthropicModel(cfg AnthropicConfig) (*AnthropicModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("languagemodel: anthropic API key is required")
	}
	cfg = cfg.withDefaults()

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicModel{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (m *AnthropicModel) Complete(ctx context.Context, history []Message, userText string, tools []Tool) (Completion, error) {
	params, err := m.buildParams(history, userText, tools)
	if err != nil {
		return Completion{}, fmt.Errorf("languagemodel: anthropic: %w", err)
	}

	var out Completion
	var drainErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		stream := m.client.Messages.NewStreaming(ctx, params)
		out, drainErr = m.drain(ctx, stream)
		if drainErr == nil {
			return out, nil
		}
		if attempt == m.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-time.After(retryDelay(m.cfg.RetryDelay, attempt)):
		}
	}
	return Completion{}, fmt.Errorf("languagemodel: anthropic: max retries exceeded: %w", drainErr)
}

func (m *AnthropicModel) buildParams(history []Message, userText string, tools []Tool) (anthropic.MessageNewParams, error) {
	var messages []anthropic.MessageParam
	for _, msg := range history {
		messages = append(messages, m.toMessageParam(msg))
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(userText)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.cfg.DefaultModel),
		Messages:  messages,
		MaxTokens: int64(m.cfg.MaxTokens),
	}

	if len(tools) > 0 {
		converted, err := m.convertTools(tools)
		if err != nil {
			return params, err
		}
		params.Tools = converted
	}
	return params, nil
}

func (m *AnthropicModel) toMessageParam(msg Message) anthropic.MessageParam {
	var content []anthropic.ContentBlockParamUnion
	if msg.Content != "" {
		content = append(content, anthropic.NewTextBlock(msg.Content))
	}
	if msg.Role == "tool" {
		content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
	}
	for _, tc := range msg.ToolCalls {
		content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
	}
	if msg.Role == "model" {
		return anthropic.NewAssistantMessage(content...)
	}
	return anthropic.NewUserMessage(content...)
}

func (m *AnthropicModel) convertTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

// drain consumes the SSE stream, accumulating text and tool_use blocks into
// one Completion. Complete retries on a non-nil error here with exponential
// backoff (base*2^attempt), matching the teacher's retry loop.
func (m *AnthropicModel) drain(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion]) (Completion, error) {
	var out Completion
	var currentCall *ToolCall
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				out.InputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			if cb.Type == "tool_use" {
				tu := cb.AsToolUse()
				currentCall = &ToolCall{ID: tu.ID, Name: tu.Name}
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				out.Text += delta.Text
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentCall != nil {
				var args map[string]any
				_ = json.Unmarshal([]byte(currentInput.String()), &args)
				currentCall.Args = args
				out.ToolCalls = append(out.ToolCalls, *currentCall)
				currentCall = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				out.OutputTokens = int(md.Usage.OutputTokens)
			}
		case "message_stop":
			return out, nil
		case "error":
			return out, fmt.Errorf("languagemodel: anthropic stream error")
		}
	}
	if err := stream.Err(); err != nil {
		return out, fmt.Errorf("languagemodel: anthropic: %w", err)
	}
	return out, nil
}

// retryDelay computes base*2^attempt, matching the circuit-broken
// SandboxRuntime wrapper's backoff shape (spec §4.3) applied here to the
// model backend's transient failures.
func retryDelay(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
}
