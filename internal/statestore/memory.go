package statestore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory StateStore, used by component tests and by
// single-process deployments without Redis. Grounded on the teacher's
// sessions.MemoryStore (internal/session/memory.go): RWMutex-guarded maps,
// clone-on-read semantics are unnecessary here since values are immutable
// strings/floats, but the lock discipline follows the same pattern.
type MemoryStore struct {
	mu     sync.Mutex
	kv     map[string]expiring
	zsets  map[string]map[string]float64
	locks  map[string]time.Time
	lists  map[string][]string
	subs   map[string][]chan string
	closed bool
}

type expiring struct {
	value   string
	expires time.Time // zero = no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:    map[string]expiring{},
		zsets: map[string]map[string]float64{},
		locks: map[string]time.Time{},
		lists: map[string][]string{},
		subs:  map[string][]chan string{},
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.kv[key] = expiring{value: value, expires: expires}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
	}
	return nil
}

func (m *MemoryStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zaddLocked(key, member, score)
	return nil
}

func (m *MemoryStore) zaddLocked(key, member string, score float64) {
	set, ok := m.zsets[key]
	if !ok {
		set = map[string]float64{}
		m.zsets[key] = set
	}
	set[member] = score
}

func (m *MemoryStore) ZRem(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zremLocked(key, member)
	return nil
}

func (m *MemoryStore) zremLocked(key, member string) {
	if set, ok := m.zsets[key]; ok {
		delete(set, member)
	}
}

func (m *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScoredMember
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			out = append(out, ScoredMember{Member: member, Score: score})
		}
	}
	return out, nil
}

func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

type memPipeline struct {
	store *MemoryStore
	ops   []func()
}

func (p *memPipeline) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func() {
		var expires time.Time
		if ttl > 0 {
			expires = time.Now().Add(ttl)
		}
		p.store.kv[key] = expiring{value: value, expires: expires}
	})
}

func (p *memPipeline) ZAdd(key, member string, score float64) {
	p.ops = append(p.ops, func() { p.store.zaddLocked(key, member, score) })
}

func (p *memPipeline) ZRem(key, member string) {
	p.ops = append(p.ops, func() { p.store.zremLocked(key, member) })
}

func (p *memPipeline) Delete(keys ...string) {
	p.ops = append(p.ops, func() {
		for _, k := range keys {
			delete(p.store.kv, k)
		}
	})
}

// Pipeline applies every queued op atomically with respect to other
// StateStore callers, matching spec §4.1 step 4's "single atomic pipeline"
// requirement.
func (m *MemoryStore) Pipeline(ctx context.Context, fn func(p Pipeline) error) error {
	p := &memPipeline{store: m}
	if err := fn(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range p.ops {
		op()
	}
	return nil
}

// AcquireLock implements set-if-absent-with-expiry (spec §4.1 step 2).
func (m *MemoryStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.locks[key]; ok && time.Now().Before(until) {
		return false, nil
	}
	m.locks[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func (m *MemoryStore) LPush(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([]string{value}, m.lists[key]...)
	return nil
}

// BRPop blocks (polling) until an item is available or timeout elapses.
func (m *MemoryStore) BRPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		list := m.lists[key]
		if len(list) > 0 {
			value := list[len(list)-1]
			m.lists[key] = list[:len(list)-1]
			m.mu.Unlock()
			return value, true, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// LRange returns a copy of the list's current contents, newest-first (the
// order LPush builds), for ConversationStore's append-order reconstruction.
func (m *MemoryStore) LRange(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lists[key]))
	copy(out, m.lists[key])
	return out, nil
}

func (m *MemoryStore) Publish(ctx context.Context, channel, payload string) error {
	m.mu.Lock()
	subs := append([]chan string{}, m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

type memSubscription struct {
	store   *MemoryStore
	channel string
	ch      chan string
}

func (s *memSubscription) Channel() <-chan string { return s.ch }

func (s *memSubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	subs := s.store.subs[s.channel]
	for i, c := range subs {
		if c == s.ch {
			s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 16)
	m.subs[channel] = append(m.subs[channel], ch)
	return &memSubscription{store: m, channel: channel, ch: ch}, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
