// Package conversation implements ConversationStore (spec §4.9): a bounded
// per-session message log composing a sliding message-count window with a
// token-budget cap on read, with optional gzip payload encoding. Grounded
// on the teacher's internal/sessions memory.go append/trim idiom, adapted
// from session-branch storage to the flat per-session list this spec names
// (StateStore's conv:<id> list, spec §6).
package conversation

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/statestore"
	"github.com/haasonsaas/nexus/pkg/models"
	"github.com/haasonsaas/nexus/pkg/orcherr"
)

func convKey(sessionID string) string { return "conv:" + sessionID }

// Config controls the window and token-budget limits, and optional
// compression.
type Config struct {
	MaxMessages      int // sliding window, default 50
	MaxHistoryTokens int // token budget for model-call shaping, default 30000
	GzipPayloads     bool
	MaxAge           time.Duration // drop entries older than this on read; 0 disables
}

func DefaultConfig() Config {
	return Config{MaxMessages: 50, MaxHistoryTokens: 30000}
}

// Store is the append-only conversation log, backed by StateStore and
// guarded with a per-session mutex so the window trim is race-free.
type Store struct {
	backend statestore.StateStore
	cfg     Config
	log     *slog.Logger

	mu       sync.Mutex
	inMemory map[string][]models.ConversationMessage
}

func New(backend statestore.StateStore, cfg Config, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxMessages <= 0 {
		cfg = DefaultConfig()
	}
	return &Store{backend: backend, cfg: cfg, log: log.With("component", "conversation.Store"), inMemory: map[string][]models.ConversationMessage{}}
}

// gzipPrefix marks an entry as gzip+base64 framed, so readers stay
// tolerant of both encoded and raw entries (spec §4.9).
const gzipPrefix = "gz:"

func (s *Store) encode(msg models.ConversationMessage) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if !s.cfg.GzipPayloads {
		return string(raw), nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return gzipPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *Store) decode(raw string) (models.ConversationMessage, error) {
	var msg models.ConversationMessage
	if strings.HasPrefix(raw, gzipPrefix) {
		data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, gzipPrefix))
		if err != nil {
			return msg, err
		}
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return msg, err
		}
		defer zr.Close()
		plain, err := io.ReadAll(zr)
		if err != nil {
			return msg, err
		}
		return msg, json.Unmarshal(plain, &msg)
	}
	return msg, json.Unmarshal([]byte(raw), &msg)
}

// Append adds one message to the session's log and enforces the sliding
// window (spec §4.9's "message count window").
func (s *Store) Append(ctx context.Context, sessionID string, msg models.ConversationMessage) error {
	encoded, err := s.encode(msg)
	if err != nil {
		return orcherr.Wrap(orcherr.Validation, "conversation_encode_failed", err)
	}
	if err := s.backend.LPush(ctx, convKey(sessionID), encoded); err != nil {
		return orcherr.Wrap(orcherr.TransientExternal, "conversation_append_failed", err)
	}
	return nil
}

// All returns the full stored log in append order (oldest first), trimmed
// to the MaxMessages window.
func (s *Store) All(ctx context.Context, sessionID string) ([]models.ConversationMessage, error) {
	raws, err := s.readRaw(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var cutoff int64
	if s.cfg.MaxAge > 0 {
		cutoff = time.Now().Add(-s.cfg.MaxAge).UnixMilli()
	}
	out := make([]models.ConversationMessage, 0, len(raws))
	for _, raw := range raws {
		msg, err := s.decode(raw)
		if err != nil {
			s.log.Warn("dropping undecodable conversation entry", "session", sessionID, "error", err)
			continue
		}
		if cutoff != 0 && msg.Timestamp < cutoff {
			continue
		}
		out = append(out, msg)
	}
	if len(out) > s.cfg.MaxMessages {
		out = out[len(out)-s.cfg.MaxMessages:]
	}
	return out, nil
}

// readRaw returns every stored entry for a session, newest-first as
// LRange/LPush order it, then reversed below to append order.
func (s *Store) readRaw(ctx context.Context, sessionID string) ([]string, error) {
	items, err := s.backend.LRange(ctx, convKey(sessionID))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.TransientExternal, "conversation_read_failed", err)
	}
	// LPush prepends, so items come back newest-first; reverse to append order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// ForModel returns the most recent messages whose cumulative approximate
// token count does not exceed MaxHistoryTokens, composed with the window
// (window first, then token cap), per spec §4.9 and §9's resolved
// ambiguity ("the spec above composes them").
func (s *Store) ForModel(ctx context.Context, sessionID string) ([]models.ConversationMessage, error) {
	windowed, err := s.All(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	budget := s.cfg.MaxHistoryTokens
	if budget <= 0 {
		return windowed, nil
	}
	jsonLen := func(v any) int {
		b, _ := json.Marshal(v)
		return len(b)
	}
	var total int
	start := len(windowed)
	for i := len(windowed) - 1; i >= 0; i-- {
		cost := windowed[i].ApproxTokens(jsonLen)
		if total+cost > budget && start != len(windowed) {
			break
		}
		total += cost
		start = i
	}
	return windowed[start:], nil
}

// Clear removes all stored history for a session (spec §4.1 step 5, and
// §9's resolved ambiguity: "clear on new binding" over "survive reconnect").
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.backend.Delete(ctx, convKey(sessionID)); err != nil {
		return orcherr.Wrap(orcherr.TransientExternal, "conversation_clear_failed", err)
	}
	return nil
}
