// Package session implements SessionManager (spec §4.1): idempotent
// session→sandbox binding with a distributed single-flight lock, heartbeat,
// and termination. Grounded on the teacher's internal/sessions locker.go
// lock-with-renewal idiom, re-based onto internal/statestore.AcquireLock
// instead of a CockroachDB lease table, since StateStore (spec §6) is the
// one external persistence capability this spec names.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus/internal/conversation"
	"github.com/haasonsaas/nexus/internal/sandboxpool"
	"github.com/haasonsaas/nexus/internal/sandboxruntime"
	"github.com/haasonsaas/nexus/internal/statestore"
	"github.com/haasonsaas/nexus/pkg/models"
	"github.com/haasonsaas/nexus/pkg/orcherr"
)

const (
	indexKey   = "session:index"
	lockTTL    = 30 * time.Second
	retryDelay = 2 * time.Second
)

func recordKey(id string) string { return "session:" + id }
func lockKey(id string) string   { return "session:lock:" + id }

// Manager implements spec §4.1's acquire/terminate contract.
type Manager struct {
	store   statestore.StateStore
	pool    *sandboxpool.Pool // optional; nil means SandboxRuntime is used directly
	runtime sandboxruntime.Runtime
	convo   *conversation.Store
	log     *slog.Logger
}

func New(store statestore.StateStore, pool *sandboxpool.Pool, runtime sandboxruntime.Runtime, convo *conversation.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, pool: pool, runtime: runtime, convo: convo, log: log.With("component", "session.Manager")}
}

// AcquireOptions carries the optional sandbox spec for a first acquisition.
type AcquireOptions struct {
	Image string
	Env   map[string]string
	Cmd   []string
}

// Acquire implements spec §4.1's 6-step algorithm.
func (m *Manager) Acquire(ctx context.Context, sessionID string, opts AcquireOptions) (models.Session, error) {
	// Step 1: existing binding -> heartbeat and return.
	if sess, ok, err := m.load(ctx, sessionID); err != nil {
		return models.Session{}, err
	} else if ok {
		return m.heartbeat(ctx, sess)
	}

	// Step 2: single-flight lock.
	acquired, err := m.store.AcquireLock(ctx, lockKey(sessionID), lockTTL)
	if err != nil {
		return models.Session{}, orcherr.Wrap(orcherr.TransientExternal, "lock_acquire_failed", err)
	}
	if !acquired {
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return models.Session{}, orcherr.Wrap(orcherr.Cancelled, "acquire_cancelled", ctx.Err())
		}
		if sess, ok, err := m.load(ctx, sessionID); err != nil {
			return models.Session{}, err
		} else if ok {
			return sess, nil
		}
		return models.Session{}, orcherr.New(orcherr.Contention, "lock_contended", "session lock held by another acquirer", nil)
	}
	defer func() { _ = m.store.ReleaseLock(context.Background(), lockKey(sessionID)) }()

	// Step 3: acquire a sandbox.
	sandboxID, err := m.createSandbox(ctx, opts)
	if err != nil {
		return models.Session{}, err
	}

	// Step 4: persist record + index atomically.
	now := time.Now()
	sess := models.Session{SessionID: sessionID, SandboxID: sandboxID, CreatedAt: now.UnixMilli(), LastActive: now.UnixMilli()}
	if err := m.persist(ctx, sess); err != nil {
		m.releaseSandbox(context.Background(), sandboxID)
		return models.Session{}, err
	}

	// Step 5: clear prior conversation history to prevent cross-session reuse.
	if m.convo != nil {
		if err := m.convo.Clear(ctx, sessionID); err != nil {
			m.log.Warn("clear conversation on acquire failed", "session", sessionID, "error", err)
		}
	}

	return sess, nil
}

func (m *Manager) createSandbox(ctx context.Context, opts AcquireOptions) (string, error) {
	if m.pool != nil {
		id, err := m.pool.Acquire(ctx, "")
		if err != nil {
			return "", err
		}
		return id, nil
	}
	spec := sandboxruntime.DefaultSpec()
	if opts.Image != "" {
		spec.Image = opts.Image
	}
	if opts.Cmd != nil {
		spec.Command = opts.Cmd
	}
	if opts.Env != nil {
		spec.Env = opts.Env
	}
	id, err := m.runtime.Create(ctx, spec)
	if err != nil {
		return "", orcherr.Wrap(orcherr.TransientExternal, "sandbox_create_failed", err)
	}
	if err := m.runtime.Start(ctx, id); err != nil {
		_ = m.runtime.Destroy(ctx, id)
		return "", orcherr.Wrap(orcherr.TransientExternal, "sandbox_start_failed", err)
	}
	return id, nil
}

func (m *Manager) releaseSandbox(ctx context.Context, sandboxID string) {
	if m.pool != nil {
		m.pool.Release(ctx, sandboxID)
		return
	}
	_ = m.runtime.Destroy(ctx, sandboxID)
}

func (m *Manager) load(ctx context.Context, sessionID string) (models.Session, bool, error) {
	raw, ok, err := m.store.Get(ctx, recordKey(sessionID))
	if err != nil {
		return models.Session{}, false, orcherr.Wrap(orcherr.TransientExternal, "session_load_failed", err)
	}
	if !ok {
		return models.Session{}, false, nil
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return models.Session{}, false, orcherr.Wrap(orcherr.IntegrityViolation, "session_decode_failed", err)
	}
	return sess, true, nil
}

func (m *Manager) persist(ctx context.Context, sess models.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return orcherr.Wrap(orcherr.Validation, "session_encode_failed", err)
	}
	err = m.store.Pipeline(ctx, func(p statestore.Pipeline) error {
		p.Set(recordKey(sess.SessionID), string(raw), 0)
		p.ZAdd(indexKey, sess.SessionID, float64(sess.LastActive))
		return nil
	})
	if err != nil {
		return orcherr.Wrap(orcherr.TransientExternal, "session_persist_failed", err)
	}
	return nil
}

func (m *Manager) heartbeat(ctx context.Context, sess models.Session) (models.Session, error) {
	sess = sess.Touch(time.Now())
	if err := m.persist(ctx, sess); err != nil {
		return models.Session{}, err
	}
	return sess, nil
}

// Terminate releases the sandbox, removes state, and clears conversation
// history, per spec §4.1's terminate contract.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	sess, ok, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	m.releaseSandbox(ctx, sess.SandboxID)

	if err := m.store.Pipeline(ctx, func(p statestore.Pipeline) error {
		p.Delete(recordKey(sessionID))
		p.ZRem(indexKey, sessionID)
		return nil
	}); err != nil {
		return orcherr.Wrap(orcherr.TransientExternal, "session_terminate_failed", err)
	}

	if m.convo != nil {
		if err := m.convo.Clear(ctx, sessionID); err != nil {
			m.log.Warn("clear conversation on terminate failed", "session", sessionID, "error", err)
		}
	}
	return nil
}

// Get returns the current binding without heartbeating, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, sessionID string) (models.Session, error) {
	sess, ok, err := m.load(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if !ok {
		return models.Session{}, orcherr.New(orcherr.NotFound, "session_not_found", fmt.Sprintf("no session %q", sessionID), nil)
	}
	return sess, nil
}
