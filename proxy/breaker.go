package proxy

import (
	"sync"
	"time"

	"github.com/vortexgw/ai-provider-proxy/config"
	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

// BreakerState is the circuit breaker's state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker tracks one provider's consecutive-failure history and decides
// whether a new call should be attempted. Client errors (400/401/403) and
// rate limiting (429) never count as a breaker failure: they are a caller
// or quota problem, not a signal that the provider itself is unhealthy.
type Breaker struct {
	mu            sync.Mutex
	cfg           config.BreakerConfig
	state         BreakerState
	failureCount  int
	nextRetry     time.Time
	halfOpenCalls int
}

// NewBreaker builds a breaker in the closed state.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: BreakerClosed}
}

// Allow reports whether a call should be attempted right now, advancing
// Open to HalfOpen once the retry delay has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if !time.Now().After(b.nextRetry) {
			return false
		}
		b.state = BreakerHalfOpen
		b.halfOpenCalls = 0
	}

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker from HalfOpen and clears the failure
// count from Closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.failureCount = 0
		b.halfOpenCalls = 0
	case BreakerClosed:
		b.failureCount = 0
	}
}

// RecordFailure advances the breaker toward (or back into) Open, unless err
// is a client-fault error the breaker must not count.
func (b *Breaker) RecordFailure(err error) {
	if perr, ok := err.(*proxyerr.Error); ok && perr.IsClientError() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.nextRetry = time.Now().Add(b.cfg.Timeout)
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.nextRetry = time.Now().Add(b.cfg.HalfOpenRetryDelay)
		b.halfOpenCalls = 0
	}
}

// State returns the breaker's current state without mutating it.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to Closed, used for manual operator
// recovery and tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.halfOpenCalls = 0
}
