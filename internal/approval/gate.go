// Package approval implements ApprovalGate/BackpressureLimiter (spec §4.8):
// a per-connection in-flight cap on concurrent turns/approval-resolutions,
// and callId-correlated approval verdict delivery with duplicate-verdict
// suppression. Grounded on internal/sandboxruntime/circuitbreaker.go's
// semaphore-channel admission-gate idiom, applied here to client
// connections instead of sandbox API calls.
package approval

import (
	"sync"

	"github.com/haasonsaas/nexus/pkg/orcherr"
)

// ErrTooManyRequests is returned when a connection is already at its
// in-flight cap (spec §4.8, §7's user-visible TooManyRequests).
var ErrTooManyRequests = orcherr.New(orcherr.Backpressure, "too_many_requests", "connection at max in-flight turns", nil)

const DefaultMaxInFlight = 5

// Limiter enforces maxInFlight concurrent turns/approval-resolutions per
// connection.
type Limiter struct {
	maxInFlight int

	mu     sync.Mutex
	inUse  map[string]int // connectionID -> count
}

func NewLimiter(maxInFlight int) *Limiter {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Limiter{maxInFlight: maxInFlight, inUse: map[string]int{}}
}

// Acquire reserves one in-flight slot for connID, or fails immediately with
// ErrTooManyRequests before any I/O (spec §8's boundary behavior).
func (l *Limiter) Acquire(connID string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse[connID] >= l.maxInFlight {
		return nil, ErrTooManyRequests
	}
	l.inUse[connID]++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.inUse[connID]--
		if l.inUse[connID] <= 0 {
			delete(l.inUse, connID)
		}
	}, nil
}

// InFlight reports the current in-flight count for a connection, for
// observability/tests.
func (l *Limiter) InFlight(connID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse[connID]
}

// Gate correlates inbound approval verdicts by callId for one in-progress
// turn, ignoring duplicate verdicts for the same callId (spec §4.8).
type Gate struct {
	mu       sync.Mutex
	waiters  map[string]chan bool
	decided  map[string]bool
}

func NewGate() *Gate {
	return &Gate{waiters: map[string]chan bool{}, decided: map[string]bool{}}
}

// Await registers a wait for callId's verdict and blocks the caller via the
// returned channel (single-buffered, delivered once).
func (g *Gate) Await(callID string) <-chan bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan bool, 1)
	g.waiters[callID] = ch
	delete(g.decided, callID)
	return ch
}

// Resolve delivers a verdict for callId. A duplicate verdict for an
// already-decided callId is ignored (spec §4.8).
func (g *Gate) Resolve(callID string, approved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decided[callID] {
		return
	}
	ch, ok := g.waiters[callID]
	if !ok {
		return
	}
	g.decided[callID] = true
	ch <- approved
	delete(g.waiters, callID)
}

// Cancel abandons a wait (e.g. on disconnect), per spec §4.7's
// cancellation semantics: results arriving later are discarded.
func (g *Gate) Cancel(callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decided[callID] = true
	delete(g.waiters, callID)
}
