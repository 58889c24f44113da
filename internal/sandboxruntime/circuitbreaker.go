package sandboxruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/retry"
	"github.com/haasonsaas/nexus/pkg/orcherr"
)

// ErrBackpressureRejected is returned when both the admission gate and the
// overflow queue are full, spec §4.3/§8.
var ErrBackpressureRejected = orcherr.New(orcherr.Backpressure, "backpressure_rejected", "sandbox runtime overloaded", nil)

// WrapperConfig configures the circuit-broken SandboxRuntime wrapper.
type WrapperConfig struct {
	MaxConcurrent int
	QueueCapacity int
	RetryAttempts int
	RetryBase     time.Duration
}

func DefaultWrapperConfig() WrapperConfig {
	return WrapperConfig{
		MaxConcurrent: DefaultMaxConcurrent,
		QueueCapacity: DefaultQueueCapacity,
		RetryAttempts: DefaultRetryAttempts,
		RetryBase:     DefaultRetryBase,
	}
}

// Wrapper serializes every call into the underlying Runtime through a
// bounded-concurrency admission gate with a bounded FIFO overflow queue,
// retrying retryable failures with exponential backoff. Grounded on
// internal/retry/retry.go's Config/Do (adapted in place, below, as the
// backoff engine) and on internal/agent/executor.go's semaphore-channel
// admission-gate idiom.
type Wrapper struct {
	inner  Runtime
	cfg    WrapperConfig
	sem    chan struct{}
	queue  chan struct{}
	mu     sync.Mutex
	inUse  int
	queued int
}

func NewWrapper(inner Runtime, cfg WrapperConfig) *Wrapper {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	return &Wrapper{
		inner: inner,
		cfg:   cfg,
		sem:   make(chan struct{}, cfg.MaxConcurrent),
		queue: make(chan struct{}, cfg.QueueCapacity),
	}
}

// admit blocks this goroutine in the bounded overflow queue until a slot in
// the concurrency gate frees up, or rejects immediately if the queue itself
// is full.
func (w *Wrapper) admit(ctx context.Context) (func(), error) {
	select {
	case w.sem <- struct{}{}:
		return func() { <-w.sem }, nil
	default:
	}

	select {
	case w.queue <- struct{}{}:
	default:
		return nil, ErrBackpressureRejected
	}
	defer func() { <-w.queue }()

	select {
	case w.sem <- struct{}{}:
		return func() { <-w.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Wrapper) do(ctx context.Context, op func(ctx context.Context) error) error {
	release, err := w.admit(ctx)
	if err != nil {
		return err
	}
	defer release()

	retryCfg := retry.Config{
		MaxAttempts:  w.cfg.RetryAttempts,
		InitialDelay: w.cfg.RetryBase,
		MaxDelay:     w.cfg.RetryBase * time.Duration(1<<uint(w.cfg.RetryAttempts)),
		Factor:       2.0,
		Jitter:       false, // spec §4.3 specifies base*2^attempt exactly, no jitter
	}
	result := retry.Do(ctx, retryCfg, func() error {
		err := op(ctx)
		if err == nil {
			return err
		}
		if !isRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	return result.Err
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return RetryableStatus(statusErr.Code)
	}
	var connErr *ConnError
	return errors.As(err, &connErr)
}

// StatusError carries an HTTP-flavored status code from the underlying
// sandbox API.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return fmt.Sprintf("sandbox runtime: status %d: %v", e.Code, e.Err) }
func (e *StatusError) Unwrap() error { return e.Err }

// ConnError marks connection-refused/timeout failures as retryable.
type ConnError struct{ Err error }

func (e *ConnError) Error() string { return fmt.Sprintf("sandbox runtime: connection error: %v", e.Err) }
func (e *ConnError) Unwrap() error { return e.Err }

func (w *Wrapper) Create(ctx context.Context, spec Spec) (string, error) {
	if spec.MemoryMiB == 0 {
		spec.MemoryMiB = DefaultSpec().MemoryMiB
	}
	if spec.VCPU == 0 {
		spec.VCPU = DefaultSpec().VCPU
	}
	var id string
	err := w.do(ctx, func(ctx context.Context) error {
		var err error
		id, err = w.inner.Create(ctx, spec)
		return err
	})
	return id, err
}

func (w *Wrapper) Start(ctx context.Context, sandboxID string) error {
	return w.do(ctx, func(ctx context.Context) error { return w.inner.Start(ctx, sandboxID) })
}

func (w *Wrapper) Stop(ctx context.Context, sandboxID string) error {
	return w.do(ctx, func(ctx context.Context) error { return w.inner.Stop(ctx, sandboxID) })
}

func (w *Wrapper) Destroy(ctx context.Context, sandboxID string) error {
	return w.do(ctx, func(ctx context.Context) error { return w.inner.Destroy(ctx, sandboxID) })
}

func (w *Wrapper) Exec(ctx context.Context, sandboxID string, cmd []string) error {
	return w.do(ctx, func(ctx context.Context) error { return w.inner.Exec(ctx, sandboxID, cmd) })
}

func (w *Wrapper) Attach(ctx context.Context, sandboxID string) (AttachedStdio, error) {
	var stdio AttachedStdio
	err := w.do(ctx, func(ctx context.Context) error {
		var err error
		stdio, err = w.inner.Attach(ctx, sandboxID)
		return err
	})
	return stdio, err
}

var _ Runtime = (*Wrapper)(nil)
