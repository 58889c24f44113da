package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/approval"
	"github.com/haasonsaas/nexus/internal/connection"
	"github.com/haasonsaas/nexus/internal/conversation"
	"github.com/haasonsaas/nexus/internal/dispatch"
	"github.com/haasonsaas/nexus/internal/languagemodel"
	"github.com/haasonsaas/nexus/internal/statestore"
	"github.com/haasonsaas/nexus/pkg/models"
	"github.com/haasonsaas/nexus/pkg/orcherr"
)

const defaultMaxTurnDepth = 8

// Config configures one session's TurnEngine instance.
type Config struct {
	MaxTurnDepth int // default 8, spec §4.7 step 9

	// Dispatch routes executeApproved through the work dispatch plane
	// (spec §4.10) instead of calling ConnectionManager directly. Requires
	// a non-nil StateStore to be passed to New.
	Dispatch bool
}

func DefaultConfig() Config { return Config{MaxTurnDepth: defaultMaxTurnDepth} }

// Engine drives one session's reason/approve/execute loop. One Engine is
// owned by exactly one session (spec §5: "TurnEngine: single-threaded per
// session").
type Engine struct {
	sessionID string
	conns     *connection.Manager
	convo     *conversation.Store
	model     languagemodel.LanguageModel
	gate      *approval.Gate
	store     statestore.StateStore
	cfg       Config
	sink      Sink

	mu      sync.Mutex
	running bool
}

// New builds one session's Engine. store may be nil when cfg.Dispatch is
// false; it is required when dispatch mode is enabled since executeApproved
// enqueues jobs and subscribes for results through it (spec §4.10).
func New(sessionID string, conns *connection.Manager, convo *conversation.Store, model languagemodel.LanguageModel, gate *approval.Gate, store statestore.StateStore, cfg Config, sink Sink) *Engine {
	if cfg.MaxTurnDepth <= 0 {
		cfg.MaxTurnDepth = defaultMaxTurnDepth
	}
	return &Engine{sessionID: sessionID, conns: conns, convo: convo, model: model, gate: gate, store: store, cfg: cfg, sink: sink}
}

func (e *Engine) emit(ev Event) {
	if e.sink != nil {
		e.sink.Emit(ev)
	}
}

// GenerateTurn runs one full turn (spec §4.7's 10-step algorithm),
// recursing internally on tool results up to MaxTurnDepth.
func (e *Engine) GenerateTurn(ctx context.Context, userText string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return orcherr.New(orcherr.Backpressure, "turn_in_progress", "a turn is already in progress for this session", nil)
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if err := e.convo.Append(ctx, e.sessionID, models.ConversationMessage{
		Role: models.RoleUser, Content: userText, Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		e.emit(Event{Kind: EventError, Err: &ErrorPayload{Code: orcherr.CodeOf(err), Message: err.Error()}})
		return err
	}

	return e.runDepth(ctx, userText, 0)
}

// runDepth implements steps 1-10, recursing with a system-framed prompt
// conveying tool results back to the model (step 9), bounded by
// MaxTurnDepth (step 9's "Depth is bounded... to prevent infinite recursion").
func (e *Engine) runDepth(ctx context.Context, prompt string, depth int) error {
	if depth >= e.cfg.MaxTurnDepth {
		err := orcherr.New(orcherr.IntegrityViolation, "turn_depth_exceeded", "turn exceeded maximum recursion depth", nil)
		e.emit(Event{Kind: EventError, Err: &ErrorPayload{Code: orcherr.CodeOf(err), Message: err.Error()}})
		return err
	}

	// Step 1: emit thinking.
	e.emit(Event{Kind: EventThinking})

	// Step 3: load history within token budget.
	history, err := e.convo.ForModel(ctx, e.sessionID)
	if err != nil {
		return e.fail(err)
	}

	// Step 4: aggregate tool catalog.
	exposed := e.conns.GetAllTools()
	tools := make([]languagemodel.Tool, 0, len(exposed))
	for _, t := range exposed {
		tools = append(tools, languagemodel.Tool{
			Name:        t.ExposedName,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	// Step 5: call the model.
	completion, err := e.model.Complete(ctx, toModelHistory(history), prompt, tools)
	if err != nil {
		return e.fail(orcherr.Wrap(orcherr.TransientExternal, "model_call_failed", err))
	}

	// Step 6: no tool calls -> emit response and stop.
	if len(completion.ToolCalls) == 0 {
		e.emit(Event{Kind: EventResponse, Text: completion.Text})
		return e.convo.Append(ctx, e.sessionID, models.ConversationMessage{
			Role: models.RoleModel, Content: completion.Text, Timestamp: time.Now().UnixMilli(),
		})
	}

	if completion.Text != "" {
		_ = e.convo.Append(ctx, e.sessionID, models.ConversationMessage{
			Role: models.RoleModel, Content: completion.Text, Timestamp: time.Now().UnixMilli(),
		})
	}

	// Steps 7-8: sequential approval queue, then concurrent execution barrier.
	calls := make([]*pendingCall, len(completion.ToolCalls))
	for i, tc := range completion.ToolCalls {
		// OriginalName here carries the model's *exposed* tool name;
		// ConnectionManager.ExecuteTool resolves exposedName -> server
		// internally (spec §4.5), so no separate serverName is known yet.
		calls[i] = &pendingCall{record: models.ToolCallRecord{
			CallID: tc.ID, OriginalName: tc.Name, Args: tc.Args,
			State: models.StatePendingApproval,
		}}
		calls[i].argsJSON = tc.Args
	}

	if err := e.runApprovalQueue(ctx, calls); err != nil {
		return e.fail(err)
	}

	results := e.executeApproved(ctx, calls)

	// Step 9: append synthetic tool messages preserving call order, then
	// recurse with a system-framed prompt conveying results.
	var summary string
	for i, c := range calls {
		msg := models.ConversationMessage{Role: models.RoleTool, Timestamp: time.Now().UnixMilli()}
		switch {
		case !c.decided || !c.approved:
			msg.ToolResponse = &models.ToolResponse{CallID: c.record.CallID, Denied: true}
			summary += fmt.Sprintf("tool %d denied by user\n", i+1)
		case c.failed:
			msg.ToolResponse = &models.ToolResponse{CallID: c.record.CallID, Error: c.errMsg}
			summary += fmt.Sprintf("tool %d failed: %s\n", i+1, c.errMsg)
		default:
			msg.ToolResponse = &models.ToolResponse{CallID: c.record.CallID, Output: c.result.Output}
			summary += fmt.Sprintf("tool %d result: %s\n", i+1, c.result.Output)
			e.emit(Event{Kind: EventToolOutput, Output: &results[i]})
		}
		if err := e.convo.Append(ctx, e.sessionID, msg); err != nil {
			return e.fail(err)
		}
	}

	nextPrompt := "Tool execution results:\n" + summary
	return e.runDepth(ctx, nextPrompt, depth+1)
}

func (e *Engine) fail(err error) error {
	e.emit(Event{Kind: EventError, Err: &ErrorPayload{Code: orcherr.CodeOf(err), Message: err.Error()}})
	return err
}

// runApprovalQueue emits approvalRequired events one at a time in call
// order and blocks on each verdict before moving to the next (spec §4.7
// step 7: "sequential approval").
func (e *Engine) runApprovalQueue(ctx context.Context, calls []*pendingCall) error {
	total := len(calls)
	for i, c := range calls {
		e.emit(Event{Kind: EventApprovalRequired, Approval: &ApprovalPrompt{
			CallID: c.record.CallID, ServerName: c.record.ServerName, ToolName: c.record.OriginalName,
			Args: c.record.Args, Position: i + 1, Total: total,
		}})

		verdictCh := e.gate.Await(c.record.CallID)
		select {
		case approved := <-verdictCh:
			c.decided = true
			c.approved = approved
			if approved {
				c.record.State = models.StateApproved
			} else {
				c.record.State = models.StateRejected
			}
		case <-ctx.Done():
			// Cancellation during approval: mark in-flight calls abandoned
			// (spec §4.7's cancellation semantics); results arriving later
			// are discarded since Cancel marks the callId decided.
			for _, rest := range calls[i:] {
				e.gate.Cancel(rest.record.CallID)
			}
			return orcherr.Wrap(orcherr.Cancelled, "turn_cancelled_awaiting_approval", ctx.Err())
		}
	}
	return nil
}

// executeApproved runs every approved call, preserving call order in the
// returned slice (spec §4.7 step 8), either directly against
// ConnectionManager or, when dispatch mode is enabled, through the work
// dispatch plane (spec §4.10).
func (e *Engine) executeApproved(ctx context.Context, calls []*pendingCall) []ToolOutput {
	if e.cfg.Dispatch && e.store != nil {
		return e.executeApprovedViaDispatch(ctx, calls)
	}
	return e.executeApprovedDirect(ctx, calls)
}

// executeApprovedDirect runs every approved call concurrently, joined at
// one barrier, calling ConnectionManager in-process.
func (e *Engine) executeApprovedDirect(ctx context.Context, calls []*pendingCall) []ToolOutput {
	results := make([]ToolOutput, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		if !c.decided || !c.approved {
			continue
		}
		c.record.State = models.StateRunning
		wg.Add(1)
		go func(i int, c *pendingCall) {
			defer wg.Done()
			raw, _ := json.Marshal(c.argsJSON)
			res, err := e.conns.ExecuteTool(ctx, c.record.OriginalName, raw)
			if err != nil {
				c.failed = true
				c.errMsg = err.Error()
				c.record.State = models.StateFailed
				return
			}
			var text string
			for _, block := range res.Content {
				text += block.Text
			}
			c.result = ToolOutput{CallID: c.record.CallID, Output: text}
			results[i] = c.result
			c.record.State = models.StateDone
		}(i, c)
	}
	wg.Wait()
	return results
}

// executeApprovedViaDispatch enqueues one dispatch.ToolJob per approved
// call, subscribes once to the session's result channel, and awaits every
// job together — the dispatch-mode equivalent of executeApprovedDirect's
// concurrent barrier, with execution happening out-of-process in a
// dispatch.WorkerPool (spec §4.10's "TurnEngine.executeApprovedCalls
// enqueues... and awaits the result over pub/sub instead of calling the
// tool directly").
func (e *Engine) executeApprovedViaDispatch(ctx context.Context, calls []*pendingCall) []ToolOutput {
	results := make([]ToolOutput, len(calls))

	waiter, err := dispatch.Subscribe(ctx, e.store, e.sessionID)
	if err != nil {
		for _, c := range calls {
			if c.decided && c.approved {
				c.failed = true
				c.errMsg = err.Error()
				c.record.State = models.StateFailed
			}
		}
		return results
	}
	defer waiter.Close()

	jobIDs := make([]string, 0, len(calls))
	callByJobID := make(map[string]int, len(calls))
	for i, c := range calls {
		if !c.decided || !c.approved {
			continue
		}
		c.record.State = models.StateRunning
		jobID := newCallID()
		job := dispatch.ToolJob{
			JobID:        jobID,
			SessionID:    e.sessionID,
			CallID:       c.record.CallID,
			ServerName:   c.record.ServerName,
			OriginalName: c.record.OriginalName,
			Args:         c.argsJSON,
			EnqueuedAt:   time.Now().UnixMilli(),
		}
		if err := dispatch.Enqueue(ctx, e.store, job); err != nil {
			c.failed = true
			c.errMsg = err.Error()
			c.record.State = models.StateFailed
			continue
		}
		callByJobID[jobID] = i
		jobIDs = append(jobIDs, jobID)
	}
	if len(jobIDs) == 0 {
		return results
	}

	jobResults, awaitErr := waiter.Await(ctx, jobIDs)
	for jobID, i := range callByJobID {
		c := calls[i]
		res, ok := jobResults[jobID]
		switch {
		case !ok && awaitErr != nil:
			c.failed = true
			c.errMsg = awaitErr.Error()
			c.record.State = models.StateFailed
		case !ok:
			c.failed = true
			c.errMsg = "tool result not received"
			c.record.State = models.StateFailed
		case !res.Success:
			c.failed = true
			c.errMsg = res.Error
			c.record.State = models.StateFailed
		default:
			c.result = ToolOutput{CallID: c.record.CallID, Output: res.Output}
			results[i] = c.result
			c.record.State = models.StateDone
		}
	}
	return results
}

// ResolveApproval delivers a user verdict for callId (spec §4.7 contract).
func (e *Engine) ResolveApproval(callID string, approved bool) {
	e.gate.Resolve(callID, approved)
}

// Cleanup tears down per-session resources; ConnectionManager here is
// process-wide and shared, so there is nothing session-scoped to close
// beyond cancelling outstanding approvals.
func (e *Engine) Cleanup() {}

func toModelHistory(msgs []models.ConversationMessage) []languagemodel.Message {
	out := make([]languagemodel.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := languagemodel.Message{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, languagemodel.ToolCall{ID: tc.CallID, Name: tc.Name, Args: tc.Args})
		}
		if m.ToolResponse != nil {
			lm.ToolCallID = m.ToolResponse.CallID
			lm.IsError = m.ToolResponse.Error != ""
			if m.ToolResponse.Output != "" {
				lm.Content = m.ToolResponse.Output
			} else if m.ToolResponse.Error != "" {
				lm.Content = m.ToolResponse.Error
			} else if m.ToolResponse.Denied {
				lm.Content = "denied by user"
			}
		}
		out = append(out, lm)
	}
	return out
}

// newCallID generates a fresh correlation id when a provider adapter omits
// one (defensive; Anthropic always supplies tool_use ids).
func newCallID() string { return uuid.NewString() }
