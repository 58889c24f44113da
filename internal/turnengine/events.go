// Package turnengine implements the TurnEngine ("MCPAgent", spec §4.7): the
// reason/approve/execute loop per session, with a sequential approval queue
// and a concurrent execution barrier. Grounded on the teacher's
// internal/agent/loop.go state-machine shape (iteration bound, tool-call
// accumulation) and errors.go's sentinel/typed-error idiom, restructured
// per spec §9's explicit "approval control flow as a state machine, not
// continuations across await points" design note — this is a materially
// different algorithm from the teacher's inline decide-then-execute loop.
package turnengine

import "github.com/haasonsaas/nexus/pkg/models"

// EventKind names one outbound client event (spec §6).
type EventKind string

const (
	EventThinking         EventKind = "thinking"
	EventResponse         EventKind = "response"
	EventApprovalRequired EventKind = "approvalRequired"
	EventToolOutput       EventKind = "toolOutput"
	EventError            EventKind = "error"
	EventSystemMessage    EventKind = "system:message"
)

// Event is one outbound event emitted during a turn. Exactly one payload
// field is populated per Kind.
type Event struct {
	Kind EventKind

	Text string // EventResponse, EventSystemMessage

	Approval *ApprovalPrompt // EventApprovalRequired
	Output   *ToolOutput     // EventToolOutput
	Err      *ErrorPayload   // EventError
}

// ApprovalPrompt mirrors spec §6's approvalRequired payload exactly.
type ApprovalPrompt struct {
	CallID     string
	ServerName string
	ToolName   string
	Args       map[string]any
	Position   int
	Total      int
}

// ToolOutput mirrors spec §6's toolOutput payload.
type ToolOutput struct {
	CallID string
	Output string
}

// ErrorPayload mirrors spec §6's error payload and §7's taxonomy.
type ErrorPayload struct {
	Code    string
	Message string
}

// Sink receives emitted events; the client-transport boundary is out of
// scope (spec §1), so TurnEngine only needs something to publish to.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// pendingCall tracks one call through the approval→execution pipeline for
// a single turn.
type pendingCall struct {
	record   models.ToolCallRecord
	argsJSON map[string]any
	approved bool
	decided  bool
	result   ToolOutput
	failed   bool
	errMsg   string
}
