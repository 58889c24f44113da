package turnengine

import (
	"testing"

	"github.com/haasonsaas/nexus/internal/observability"
)

func TestEventStoreSinkRecordsEmittedEvents(t *testing.T) {
	store := observability.NewMemoryEventStore(100)
	sink := NewEventStoreSink("sess-1", store)

	sink.Emit(Event{Kind: EventThinking})
	sink.Emit(Event{Kind: EventApprovalRequired, Approval: &ApprovalPrompt{
		CallID: "call-1", ServerName: "fs", ToolName: "read_file", Position: 1, Total: 1,
	}})
	sink.Emit(Event{Kind: EventToolOutput, Output: &ToolOutput{CallID: "call-1", Output: "contents"}})
	sink.Emit(Event{Kind: EventResponse, Text: "done"})
	sink.Emit(Event{Kind: EventError, Err: &ErrorPayload{Code: "boom", Message: "failed"}})

	events, err := store.GetBySessionID("sess-1")
	if err != nil {
		t.Fatalf("GetBySessionID: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("len(events) = %d, want 5", len(events))
	}

	var sawApproval, sawToolEnd, sawError bool
	for _, e := range events {
		switch e.Type {
		case observability.EventTypeApprovalReq:
			sawApproval = true
			if e.ToolCallID != "call-1" {
				t.Errorf("approval event ToolCallID = %q, want call-1", e.ToolCallID)
			}
		case observability.EventTypeToolEnd:
			sawToolEnd = true
		case observability.EventTypeRunError:
			sawError = true
			if e.Error != "failed" {
				t.Errorf("error event Error = %q, want failed", e.Error)
			}
		}
	}
	if !sawApproval || !sawToolEnd || !sawError {
		t.Errorf("missing expected event types: approval=%v toolEnd=%v error=%v", sawApproval, sawToolEnd, sawError)
	}
}

func TestEventStoreSinkIgnoresNilPayloads(t *testing.T) {
	store := observability.NewMemoryEventStore(100)
	sink := NewEventStoreSink("sess-2", store)

	sink.Emit(Event{Kind: EventApprovalRequired})
	sink.Emit(Event{Kind: EventToolOutput})
	sink.Emit(Event{Kind: EventError})

	events, err := store.GetBySessionID("sess-2")
	if err != nil {
		t.Fatalf("GetBySessionID: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("len(events) = %d, want 0", len(events))
	}
}
