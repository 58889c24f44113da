// Package janitor implements JanitorService (spec §2, §4.1, §8): an
// O(log N) expired-session reaper driven by the session index sorted set.
// Grounded on the teacher's health-loop ticker idiom (internal/mcp's
// reconnect scheduler), generalized to a sweep-and-terminate cycle over
// internal/statestore's ZRangeByScore.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus/internal/session"
	"github.com/haasonsaas/nexus/internal/statestore"
)

const indexKey = "session:index"

// Config configures the sweep cadence and idle threshold.
type Config struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{IdleTTL: 15 * time.Minute, SweepInterval: 60 * time.Second}
}

// Service periodically terminates sessions whose lastActive has exceeded
// IdleTTL, using the sorted-set index for an O(log N) range scan instead of
// a full table scan.
type Service struct {
	store   statestore.StateStore
	manager *session.Manager
	cfg     Config
	log     *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(store statestore.StateStore, manager *session.Manager, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.IdleTTL <= 0 || cfg.SweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		store:   store,
		manager: manager,
		cfg:     cfg,
		log:     log.With("component", "janitor"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run drives the sweep loop until Stop is called or ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// sweep finds every session with lastActive older than idleTTL, observed
// atomically via a single ZRangeByScore call, and terminates exactly that
// set (spec §8's Janitor invariant). Per-session errors are logged; the
// sweep continues (spec §7's propagation policy for Janitor).
func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.IdleTTL)
	expired, err := s.store.ZRangeByScore(ctx, indexKey, 0, float64(cutoff.UnixMilli()))
	if err != nil {
		s.log.Error("janitor sweep: index scan failed", "error", err)
		return
	}
	for _, m := range expired {
		if err := s.manager.Terminate(ctx, m.Member); err != nil {
			s.log.Error("janitor sweep: terminate failed", "session", m.Member, "error", err)
			continue
		}
		s.log.Info("janitor reaped idle session", "session", m.Member)
	}
}

// SweepOnce runs a single synchronous sweep; exported for tests.
func (s *Service) SweepOnce(ctx context.Context) {
	s.sweep(ctx)
}
