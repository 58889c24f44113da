// Package sandboxpool implements SandboxPool (spec §4.2): pre-warmed idle
// sandboxes, acquire/release with workspace reset, and high-water-mark
// eviction. Grounded on internal/tools/sandbox/pool.go's channel-backed
// idle-list pattern, generalized from per-language executor pools to a
// single pool of session-bound sandboxes.
package sandboxpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/sandboxruntime"
	"github.com/haasonsaas/nexus/pkg/orcherr"
)

// Config mirrors spec §4.2's {minIdle, maxTotal, idleTTL, image, env, caps}.
type Config struct {
	MinIdle  int
	MaxTotal int
	IdleTTL  time.Duration
	Spec     sandboxruntime.Spec

	EvictionInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinIdle:          1,
		MaxTotal:         10,
		IdleTTL:          15 * time.Minute,
		Spec:             sandboxruntime.DefaultSpec(),
		EvictionInterval: 60 * time.Second,
	}
}

type idleSandbox struct {
	id         string
	lastUsedAt time.Time
}

// Pool manages a bounded set of pre-warmed sandboxes.
type Pool struct {
	runtime sandboxruntime.Runtime
	cfg     Config
	log     *slog.Logger

	mu     sync.Mutex
	idle   []idleSandbox
	active map[string]string // sandboxID -> sessionID

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(runtime sandboxruntime.Runtime, cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxTotal <= 0 {
		cfg = DefaultConfig()
	}
	p := &Pool{
		runtime: runtime,
		cfg:     cfg,
		log:     log.With("component", "sandboxpool"),
		active:  map[string]string{},
		stopCh:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.maintainLoop()
	return p
}

// total returns |idle| + |active|; caller must hold p.mu.
func (p *Pool) total() int { return len(p.idle) + len(p.active) }

// Acquire pops an idle sandbox if available, otherwise creates one while
// under maxTotal, otherwise fails PoolExhausted (spec §4.2's acquire
// policy, spec §8's PoolExhausted boundary behavior).
func (p *Pool) Acquire(ctx context.Context, sessionID string) (string, error) {
	p.mu.Lock()
	if len(p.idle) > 0 {
		sb := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.active[sb.id] = sessionID
		p.mu.Unlock()
		return sb.id, nil
	}
	if p.total() >= p.cfg.MaxTotal {
		p.mu.Unlock()
		return "", orcherr.New(orcherr.Backpressure, "pool_exhausted", "sandbox pool exhausted", nil)
	}
	p.mu.Unlock()

	id, err := p.runtime.Create(ctx, p.cfg.Spec)
	if err != nil {
		return "", err
	}
	if err := p.runtime.Start(ctx, id); err != nil {
		_ = p.runtime.Destroy(ctx, id)
		return "", err
	}

	p.mu.Lock()
	p.active[id] = sessionID
	p.mu.Unlock()
	return id, nil
}

// Release runs a best-effort workspace reset and returns the sandbox to the
// idle list, or destroys it on reset failure or high-water overflow, per
// spec §4.2's release policy and §9's "fail closed (destroy)" resolution.
func (p *Pool) Release(ctx context.Context, sandboxID string) {
	p.mu.Lock()
	delete(p.active, sandboxID)
	overHighWater := p.total() >= p.cfg.MaxTotal
	p.mu.Unlock()

	if overHighWater {
		_ = p.runtime.Destroy(ctx, sandboxID)
		return
	}

	if err := p.runtime.Exec(ctx, sandboxID, []string{"rm", "-rf", "/workspace/."}); err != nil {
		p.log.Warn("workspace reset failed, destroying sandbox", "sandbox", sandboxID, "error", err)
		_ = p.runtime.Destroy(ctx, sandboxID)
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, idleSandbox{id: sandboxID, lastUsedAt: time.Now()})
	p.mu.Unlock()
}

// Stats reports the current idle/active counts.
type Stats struct {
	Idle   int
	Active int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), Active: len(p.active)}
}

// maintainLoop keeps |idle| >= minIdle without blocking acquirers, and
// periodically evicts idle sandboxes past idleTTL (spec §4.2's eviction
// sweep, default 60s).
func (p *Pool) maintainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evict()
			p.topUp()
		}
	}
}

func (p *Pool) evict() {
	ctx := context.Background()
	p.mu.Lock()
	var keep []idleSandbox
	var expired []idleSandbox
	for _, sb := range p.idle {
		if len(keep)+len(p.idle)-len(expired) > p.cfg.MinIdle && time.Since(sb.lastUsedAt) > p.cfg.IdleTTL {
			expired = append(expired, sb)
			continue
		}
		keep = append(keep, sb)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, sb := range expired {
		if err := p.runtime.Destroy(ctx, sb.id); err != nil {
			p.log.Error("evict sandbox failed", "sandbox", sb.id, "error", err)
		}
	}
}

func (p *Pool) topUp() {
	ctx := context.Background()
	for {
		p.mu.Lock()
		need := len(p.idle) < p.cfg.MinIdle && p.total() < p.cfg.MaxTotal
		p.mu.Unlock()
		if !need {
			return
		}
		id, err := p.runtime.Create(ctx, p.cfg.Spec)
		if err != nil {
			p.log.Error("top-up create failed", "error", err)
			return
		}
		if err := p.runtime.Start(ctx, id); err != nil {
			_ = p.runtime.Destroy(ctx, id)
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, idleSandbox{id: id, lastUsedAt: time.Now()})
		p.mu.Unlock()
	}
}

// Shutdown stops the maintenance loop and destroys every sandbox owned by
// the pool (idle and active).
func (p *Pool) Shutdown(ctx context.Context) {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	ids := make([]string, 0, p.total())
	for _, sb := range p.idle {
		ids = append(ids, sb.id)
	}
	for id := range p.active {
		ids = append(ids, id)
	}
	p.idle = nil
	p.active = map[string]string{}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.runtime.Destroy(ctx, id)
	}
}
