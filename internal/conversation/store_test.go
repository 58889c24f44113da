package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/statestore"
	"github.com/haasonsaas/nexus/pkg/models"
)

func TestAllAppliesMessageWindow(t *testing.T) {
	store := New(statestore.NewMemoryStore(), Config{MaxMessages: 2}, nil)
	ctx := context.Background()
	sessionID := "sess-1"

	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, sessionID, models.ConversationMessage{Role: "user", Content: "hi", Timestamp: int64(i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msgs, err := store.All(ctx, sessionID)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Timestamp != 3 || msgs[1].Timestamp != 4 {
		t.Errorf("unexpected window contents: %+v", msgs)
	}
}

func TestAllDropsEntriesOlderThanMaxAge(t *testing.T) {
	store := New(statestore.NewMemoryStore(), Config{MaxMessages: 50, MaxAge: time.Hour}, nil)
	ctx := context.Background()
	sessionID := "sess-2"

	now := time.Now()
	stale := now.Add(-2 * time.Hour).UnixMilli()
	fresh := now.Add(-time.Minute).UnixMilli()

	if err := store.Append(ctx, sessionID, models.ConversationMessage{Role: "user", Content: "old", Timestamp: stale}); err != nil {
		t.Fatalf("Append stale: %v", err)
	}
	if err := store.Append(ctx, sessionID, models.ConversationMessage{Role: "user", Content: "new", Timestamp: fresh}); err != nil {
		t.Fatalf("Append fresh: %v", err)
	}

	msgs, err := store.All(ctx, sessionID)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 (stale entry should be dropped)", len(msgs))
	}
	if msgs[0].Content != "new" {
		t.Errorf("surviving entry = %q, want %q", msgs[0].Content, "new")
	}
}

func TestAllKeepsEverythingWhenMaxAgeDisabled(t *testing.T) {
	store := New(statestore.NewMemoryStore(), Config{MaxMessages: 50}, nil)
	ctx := context.Background()
	sessionID := "sess-3"

	ancient := time.Now().Add(-24 * 365 * time.Hour).UnixMilli()
	if err := store.Append(ctx, sessionID, models.ConversationMessage{Role: "user", Content: "ancient", Timestamp: ancient}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, err := store.All(ctx, sessionID)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1 (MaxAge disabled should keep everything)", len(msgs))
	}
}
