package egress

import (
	"sync"
	"time"
)

// BreakerState names a circuit breaker's position; no pack repo carries
// a circuit-breaker library, so this is hand-rolled directly against
// the state machine described by the source CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker tracks consecutive failures and blocks dispatch while
// open. A single probe is allowed once the reset timeout elapses;
// success closes it, failure reopens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	resetTime time.Duration
	clock     func() time.Time

	state    BreakerState
	failures int
	openedAt time.Time
}

func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, clock func() time.Time) *CircuitBreaker {
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{threshold: failureThreshold, resetTime: resetTimeout, clock: clock, state: BreakerClosed}
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// once the reset timer elapses.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return true
	}
	if b.clock().Sub(b.openedAt) < b.resetTime {
		return false
	}
	b.state = BreakerHalfOpen
	b.failures = 0
	return true
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.openedAt = time.Time{}
}

func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.state == BreakerOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.clock()
	}
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
