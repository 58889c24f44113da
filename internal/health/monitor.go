// Package health implements the HealthMonitor (spec §4.6): a scheduler
// loop that probes every connected tool server, drives the
// healthy/unhealthy/reconnecting/disconnected state machine, and emits
// typed transition events. Grounded on internal/sandboxruntime's
// circuitbreaker.go state-machine shape (closed/open/half-open with
// failure-count thresholds and a cooldown timer), generalized here from a
// single binary breaker to the four-state, bounded-retry machine spec §4.6
// specifies.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/connection"
	"github.com/haasonsaas/nexus/internal/toolserver"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Config controls probe cadence and reconnection bounds (spec §4.6).
type Config struct {
	CheckInterval  time.Duration // default 60s
	ProbeDeadline  time.Duration // default 5s
	ReconnectDelay time.Duration // default 5s
	MaxAttempts    int           // default 5
	UnhealthyAfter int           // consecutive failures before reconnecting; default 3
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:  60 * time.Second,
		ProbeDeadline:  5 * time.Second,
		ReconnectDelay: 5 * time.Second,
		MaxAttempts:    5,
		UnhealthyAfter: 3,
	}
}

// Transition is emitted whenever a server's status changes.
type Transition struct {
	ServerName string
	From       models.HealthStatus
	To         models.HealthStatus
	At         time.Time
	Err        error
}

// Sink receives Transition events; the owning process wires this to
// logging, metrics, or the control-plane /api/servers/health surface.
type Sink interface {
	Emit(Transition)
}

type SinkFunc func(Transition)

func (f SinkFunc) Emit(t Transition) { f(t) }

type serverState struct {
	health       models.Health
	reconnectN   int // attempts made in the current reconnecting episode
	reconnecting bool
}

// Monitor runs the scheduler loop described in spec §4.6.
type Monitor struct {
	conns    *connection.Manager
	registry *toolserver.Registry
	cfg      Config
	sink     Sink
	log      *slog.Logger

	mu     sync.Mutex
	states map[string]*serverState

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(conns *connection.Manager, registry *toolserver.Registry, cfg Config, sink Sink, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		conns: conns, registry: registry, cfg: cfg, sink: sink,
		log: log.With("component", "health.Monitor"), states: map[string]*serverState{},
	}
}

func (m *Monitor) emit(t Transition) {
	if m.sink != nil {
		m.sink.Emit(t)
	}
}

// Run blocks, probing every CheckInterval until ctx is cancelled or Stop is
// called.
func (m *Monitor) Run(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
		<-m.doneCh
	}
}

// probeAll checks every configured, enabled server not currently mid
// reconnect episode (reconnect episodes run their own delayed retries).
func (m *Monitor) probeAll(ctx context.Context) {
	for name, cfg := range m.registry.All() {
		if !cfg.Enabled {
			continue
		}
		m.mu.Lock()
		st, ok := m.states[name]
		if !ok {
			st = &serverState{health: models.Health{Status: models.HealthUnhealthy}}
			m.states[name] = st
		}
		reconnecting := st.reconnecting
		m.mu.Unlock()
		if reconnecting {
			continue
		}
		m.probeOne(ctx, name)
	}
}

func (m *Monitor) probeOne(ctx context.Context, name string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeDeadline)
	defer cancel()
	err := m.conns.CheckHealth(probeCtx, name)
	now := time.Now()

	m.mu.Lock()
	st := m.states[name]
	from := st.health.Status
	st.health.Name = name
	st.health.LastCheck = now.UnixMilli()
	if err == nil {
		st.health.LastSuccess = now.UnixMilli()
		st.health.ConsecutiveFailures = 0
		st.health.LastError = ""
		st.health.Status = models.HealthHealthy
		m.mu.Unlock()
		if from != models.HealthHealthy {
			m.emit(Transition{ServerName: name, From: from, To: models.HealthHealthy, At: now})
		}
		return
	}

	st.health.ConsecutiveFailures++
	st.health.LastError = err.Error()
	count := st.health.ConsecutiveFailures
	if count >= m.cfg.UnhealthyAfter {
		st.health.Status = models.HealthReconnecting
		st.reconnecting = true
		st.reconnectN = 0
		m.mu.Unlock()
		m.emit(Transition{ServerName: name, From: from, To: models.HealthReconnecting, At: now, Err: err})
		go m.reconnectLoop(ctx, name)
		return
	}

	st.health.Status = models.HealthUnhealthy
	m.mu.Unlock()
	if from != models.HealthUnhealthy {
		m.emit(Transition{ServerName: name, From: from, To: models.HealthUnhealthy, At: now, Err: err})
	}
}

// reconnectLoop retries at ReconnectDelay intervals up to MaxAttempts before
// parking the server in disconnected (spec §4.6's scheduling table).
func (m *Monitor) reconnectLoop(ctx context.Context, name string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}

		m.mu.Lock()
		st, ok := m.states[name]
		if !ok || !st.reconnecting {
			m.mu.Unlock()
			return
		}
		st.reconnectN++
		attempt := st.reconnectN
		m.mu.Unlock()

		err := m.conns.Reconnect(ctx, name)
		now := time.Now()

		m.mu.Lock()
		st, ok = m.states[name]
		if !ok {
			m.mu.Unlock()
			return
		}
		if err == nil {
			st.health.Status = models.HealthHealthy
			st.health.LastSuccess = now.UnixMilli()
			st.health.LastCheck = now.UnixMilli()
			st.health.ConsecutiveFailures = 0
			st.health.LastError = ""
			st.reconnecting = false
			m.mu.Unlock()
			m.emit(Transition{ServerName: name, From: models.HealthReconnecting, To: models.HealthHealthy, At: now})
			return
		}

		st.health.LastCheck = now.UnixMilli()
		st.health.LastError = err.Error()
		if attempt > m.cfg.MaxAttempts {
			st.health.Status = models.HealthDisconnected
			st.reconnecting = false
			m.mu.Unlock()
			m.emit(Transition{ServerName: name, From: models.HealthReconnecting, To: models.HealthDisconnected, At: now, Err: err})
			return
		}
		m.mu.Unlock()
		// stays in reconnecting; loop reschedules after ReconnectDelay.
	}
}

// ForceReconnect restarts a reconnect episode for a parked
// (disconnected) or unhealthy server, per spec §4.6's "until
// forceReconnect or a config change" exhaustion clause.
func (m *Monitor) ForceReconnect(ctx context.Context, name string) {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		st = &serverState{}
		m.states[name] = st
	}
	from := st.health.Status
	st.reconnecting = true
	st.reconnectN = 0
	st.health.Status = models.HealthReconnecting
	m.mu.Unlock()
	m.emit(Transition{ServerName: name, From: from, To: models.HealthReconnecting, At: time.Now()})
	go m.reconnectLoop(ctx, name)
}

// Snapshot returns the current Health for every tracked server (the
// GET /api/servers/health control endpoint's backing data, spec §6).
func (m *Monitor) Snapshot() map[string]models.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Health, len(m.states))
	for name, st := range m.states {
		out[name] = st.health
	}
	return out
}
