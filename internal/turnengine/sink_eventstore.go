package turnengine

import (
	"context"

	"github.com/haasonsaas/nexus/internal/observability"
)

// EventStoreSink adapts an observability.EventStore into a Sink, persisting
// every emitted Event under the owning session so the control plane can
// later replay a turn's event timeline for debugging (spec §6's event
// stream, durably recorded rather than fire-and-forget).
type EventStoreSink struct {
	sessionID string
	recorder  *observability.EventRecorder
}

// NewEventStoreSink builds a Sink that records into store under sessionID.
func NewEventStoreSink(sessionID string, store observability.EventStore) *EventStoreSink {
	return &EventStoreSink{sessionID: sessionID, recorder: observability.NewEventRecorder(store, nil)}
}

func (s *EventStoreSink) Emit(e Event) {
	ctx := observability.AddSessionID(context.Background(), s.sessionID)

	switch e.Kind {
	case EventThinking:
		_ = s.recorder.Record(ctx, observability.EventTypeRunStart, "thinking", nil)
	case EventResponse:
		_ = s.recorder.Record(ctx, observability.EventTypeMessage, "response", map[string]interface{}{"text": e.Text})
	case EventSystemMessage:
		_ = s.recorder.Record(ctx, observability.EventTypeMessage, "system_message", map[string]interface{}{"text": e.Text})
	case EventApprovalRequired:
		if e.Approval == nil {
			return
		}
		ctx = observability.AddToolCallID(ctx, e.Approval.CallID)
		_ = s.recorder.Record(ctx, observability.EventTypeApprovalReq, e.Approval.ToolName, map[string]interface{}{
			"serverName": e.Approval.ServerName,
			"position":   e.Approval.Position,
			"total":      e.Approval.Total,
		})
	case EventToolOutput:
		if e.Output == nil {
			return
		}
		ctx = observability.AddToolCallID(ctx, e.Output.CallID)
		_ = s.recorder.Record(ctx, observability.EventTypeToolEnd, "tool_output", map[string]interface{}{"output": e.Output.Output})
	case EventError:
		if e.Err == nil {
			return
		}
		_ = s.recorder.Record(ctx, observability.EventTypeRunError, e.Err.Code, map[string]interface{}{"message": e.Err.Message})
	}
}
