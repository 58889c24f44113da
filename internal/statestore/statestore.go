// Package statestore defines the StateStore capability (spec §1, §6, §9):
// KV get/set, a sorted-set index, atomic pipelines, scan, lock-with-TTL,
// a FIFO list queue, and pub/sub. It is an external collaborator per
// spec.md's scope, so this package only defines the capability interface
// plus an in-memory reference implementation for tests and a
// redis/go-redis/v9-backed production adapter.
package statestore

import (
	"context"
	"time"
)

// ScoredMember is one entry of a sorted-set index, e.g. session:index.
type ScoredMember struct {
	Member string
	Score  float64
}

// StateStore is the process-wide capability every leaf component depends
// on via explicit dependency injection (spec §9: never reach for it deep in
// call stacks).
type StateStore interface {
	// KV
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Sorted-set index (session:index)
	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRem(ctx context.Context, key string, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Atomic multi-key write, used by SessionManager step 4 (spec §4.1) to
	// persist the session record and its index entry together.
	Pipeline(ctx context.Context, fn func(p Pipeline) error) error

	// Lock-with-TTL: set-if-absent-with-expiry, spec §4.1 step 2.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error

	// FIFO list queue (jobs:queue), and conv:<id> log access
	LPush(ctx context.Context, key string, value string) error
	BRPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error)
	LRange(ctx context.Context, key string) ([]string, error)

	// Pub/Sub (results:{sessionId})
	Publish(ctx context.Context, channel string, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

// Pipeline batches writes that must apply atomically.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	ZAdd(key, member string, score float64)
	ZRem(key, member string)
	Delete(keys ...string)
}

// Subscription delivers published messages on Channel until Close.
type Subscription interface {
	Channel() <-chan string
	Close() error
}
