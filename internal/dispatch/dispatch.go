// Package dispatch implements the optional work dispatch plane (spec
// §4.10): a FIFO job queue with pub/sub result delivery that decouples
// TurnEngine from tool execution. Grounded on the teacher's
// internal/process (renamed from its original command-queue shape: a
// bounded worker pool draining a shared queue, graceful shutdown that
// stops accepting new pops and waits out in-flight work), rebuilt here
// over internal/statestore's LPush/BRPop/Publish primitives instead of an
// in-process channel, since spec §6 places the queue in the external
// StateStore.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexus/internal/cache"
	"github.com/haasonsaas/nexus/internal/connection"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/statestore"
	"github.com/haasonsaas/nexus/pkg/orcherr"
)

const jobsQueueKey = "jobs:queue"

func resultsChannel(sessionID string) string { return "results:" + sessionID }

// ToolJob is one enqueued tool invocation (spec §4.10).
type ToolJob struct {
	JobID        string         `json:"jobId"`
	SessionID    string         `json:"sessionId"`
	CallID       string         `json:"callId"`
	ServerName   string         `json:"serverName"`
	OriginalName string         `json:"originalName"`
	Args         map[string]any `json:"args"`
	EnqueuedAt   int64          `json:"enqueuedAt"` // epoch ms
}

// ToolJobResult is published on results:{sessionId} once a worker finishes.
type ToolJobResult struct {
	JobID   string `json:"jobId"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config controls worker pool sizing and job aging.
type Config struct {
	WorkerConcurrency int           // default 10
	JobTTL            time.Duration // default 5m
	PopTimeout        time.Duration // default 5s
}

func DefaultConfig() Config {
	return Config{WorkerConcurrency: 10, JobTTL: 5 * time.Minute, PopTimeout: 5 * time.Second}
}

// Enqueue pushes a ToolJob onto the shared FIFO queue (spec §4.10's
// TurnEngine.executeApprovedCalls enqueue step).
func Enqueue(ctx context.Context, store statestore.StateStore, job ToolJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return orcherr.Wrap(orcherr.Validation, "job_encode_failed", err)
	}
	if err := store.LPush(ctx, jobsQueueKey, string(raw)); err != nil {
		return orcherr.Wrap(orcherr.TransientExternal, "job_enqueue_failed", err)
	}
	return nil
}

// WorkerPool drains jobsQueueKey with WorkerConcurrency goroutines,
// executing each via ConnectionManager and publishing the result on the
// job's session channel.
type WorkerPool struct {
	store statestore.StateStore
	conns *connection.Manager
	cfg   Config
	log   *slog.Logger

	// seen guards against double-execution of a JobID: BRPop plus a
	// crashed worker's re-enqueue can hand the same job to two workers.
	seen *cache.DedupeCache

	tracer *observability.Tracer

	stopCh   chan struct{}
	draining bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// SetTracer attaches a tracer to span each job's tool execution. Safe to
// call once before Start; a nil tracer leaves handle untraced.
func (p *WorkerPool) SetTracer(t *observability.Tracer) {
	p.tracer = t
}

func NewWorkerPool(store statestore.StateStore, conns *connection.Manager, cfg Config, log *slog.Logger) *WorkerPool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg = DefaultConfig()
	}
	seen := cache.NewDedupeCache(cache.DedupeCacheOptions{TTL: cfg.JobTTL, MaxSize: 10_000})
	return &WorkerPool{store: store, conns: conns, cfg: cfg, log: log.With("component", "dispatch.WorkerPool"), seen: seen, stopCh: make(chan struct{})}
}

// Start launches WorkerConcurrency worker goroutines.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
}

// Stop refuses new pops and waits for in-flight jobs to drain (spec
// §4.10's graceful shutdown requirement).
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()
}

func (p *WorkerPool) isDraining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

func (p *WorkerPool) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if p.isDraining() {
			return
		}

		raw, ok, err := p.store.BRPop(ctx, jobsQueueKey, p.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("dispatch: queue pop failed", "error", err)
			continue
		}
		if !ok {
			continue // pop timed out; loop to re-check stop/drain
		}

		var job ToolJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			p.log.Error("dispatch: undecodable job dropped", "error", err)
			continue
		}
		p.handle(ctx, job)
	}
}

func (p *WorkerPool) handle(ctx context.Context, job ToolJob) {
	if p.seen.Check(job.JobID) {
		p.log.Warn("dispatch: duplicate job skipped", "job", job.JobID)
		return
	}
	if time.Since(time.UnixMilli(job.EnqueuedAt)) > p.cfg.JobTTL {
		p.publish(ctx, job, ToolJobResult{JobID: job.JobID, Success: false, Error: "job exceeded TTL before execution"})
		return
	}

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.TraceToolExecution(ctx, job.OriginalName)
		defer span.End()
	}

	raw, _ := json.Marshal(job.Args)
	res, err := p.conns.ExecuteTool(ctx, job.OriginalName, raw)
	if err != nil {
		if p.tracer != nil {
			p.tracer.RecordError(span, err)
		}
		p.publish(ctx, job, ToolJobResult{JobID: job.JobID, Success: false, Error: err.Error()})
		return
	}
	var text string
	for _, block := range res.Content {
		text += block.Text
	}
	p.publish(ctx, job, ToolJobResult{JobID: job.JobID, Success: !res.IsError, Output: text})
}

func (p *WorkerPool) publish(ctx context.Context, job ToolJob, result ToolJobResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		p.log.Error("dispatch: result encode failed", "job", job.JobID, "error", err)
		return
	}
	if err := p.store.Publish(ctx, resultsChannel(job.SessionID), string(raw)); err != nil {
		p.log.Error("dispatch: result publish failed", "job", job.JobID, "error", err)
	}
}

// ResultWaiter subscribes to a session's result channel for the duration of
// one turn and collects results by jobId (spec §4.10's TurnEngine
// subscription contract).
type ResultWaiter struct {
	sub statestore.Subscription
}

func Subscribe(ctx context.Context, store statestore.StateStore, sessionID string) (*ResultWaiter, error) {
	sub, err := store.Subscribe(ctx, resultsChannel(sessionID))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.TransientExternal, "results_subscribe_failed", err)
	}
	return &ResultWaiter{sub: sub}, nil
}

// Await blocks until every jobID in want has a result, a context
// cancellation, or an unrecognized/malformed message (skipped).
func (w *ResultWaiter) Await(ctx context.Context, want []string) (map[string]ToolJobResult, error) {
	remaining := map[string]bool{}
	for _, id := range want {
		remaining[id] = true
	}
	out := map[string]ToolJobResult{}
	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return out, orcherr.Wrap(orcherr.Cancelled, "await_results_cancelled", ctx.Err())
		case raw, ok := <-w.sub.Channel():
			if !ok {
				return out, orcherr.New(orcherr.TransientExternal, "results_channel_closed", "result subscription closed before all jobs completed", nil)
			}
			var res ToolJobResult
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				continue
			}
			if !remaining[res.JobID] {
				continue
			}
			out[res.JobID] = res
			delete(remaining, res.JobID)
		}
	}
	return out, nil
}

func (w *ResultWaiter) Close() error { return w.sub.Close() }
