// Package languagemodel defines the LanguageModel capability (spec §9):
// {complete(history, prompt, tools) -> {text, toolCalls}}, a closed set of
// provider variants dispatched via tagged construction. It is an external
// collaborator per spec.md's scope; this package owns the interface plus
// an anthropic-sdk-go-backed adapter, grounded on the teacher's
// internal/agent/providers/anthropic.go streaming provider, collapsed to
// the single aggregate result this spec's TurnEngine contract names (no
// token-level streaming event exists in spec §6's outbound event list).
package languagemodel

import (
	"context"
	"encoding/json"
)

// ToolCall is one model-requested invocation, named by the exposed tool
// name ConnectionManager published.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Completion is the full non-streaming result of one model call, per
// spec §4.7 step 5's `{text?, toolCalls?}` contract.
type Completion struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// Message is one turn of history passed to the model, independent of the
// storage-layer models.ConversationMessage so provider adapters don't
// reach into the conversation package directly.
type Message struct {
	Role    string // "user" | "model" | "tool"
	Content string
	ToolCalls []ToolCall
	ToolCallID string // set on tool-role messages
	IsError    bool
}

// Tool is one entry of the aggregated catalog ConnectionManager publishes,
// reduced to the fields a provider's schema encoding needs.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON-schema, as advertised by the tool server
}

// LanguageModel is the capability every TurnEngine depends on.
type LanguageModel interface {
	Complete(ctx context.Context, history []Message, userText string, tools []Tool) (Completion, error)
}
