package proxy

import (
	"net/http"
	"testing"
	"time"

	"github.com/vortexgw/ai-provider-proxy/config"
	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:   3,
		Timeout:            50 * time.Millisecond,
		HalfOpenRetryDelay: 30 * time.Millisecond,
		HalfOpenMaxCalls:   2,
	}
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	b := NewBreaker(testBreakerConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure(&proxyerr.Error{Code: proxyerr.CodeNetworkError})
	}

	if b.State() != BreakerOpen {
		t.Fatalf("expected breaker to open after threshold failures, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow to reject while open and before the retry delay")
	}
}

func TestBreaker_ClientErrorsNeverCountTowardFailures(t *testing.T) {
	b := NewBreaker(testBreakerConfig())

	for i := 0; i < 10; i++ {
		b.RecordFailure(&proxyerr.Error{Code: proxyerr.CodeAPIKeyMissing, HTTPStatus: http.StatusUnauthorized})
	}

	if b.State() != BreakerClosed {
		t.Fatalf("expected breaker to stay closed on client errors, got %s", b.State())
	}
}

func TestBreaker_TransitionsToHalfOpenAfterTimeout(t *testing.T) {
	b := NewBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure(&proxyerr.Error{Code: proxyerr.CodeNetworkError})
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected Allow to succeed once the retry delay has elapsed")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected HalfOpen state, got %s", b.State())
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := NewBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure(&proxyerr.Error{Code: proxyerr.CodeNetworkError})
	}
	time.Sleep(60 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()

	if b.State() != BreakerClosed {
		t.Fatalf("expected Closed after half-open success, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure(&proxyerr.Error{Code: proxyerr.CodeNetworkError})
	}
	time.Sleep(60 * time.Millisecond)
	b.Allow()

	b.RecordFailure(&proxyerr.Error{Code: proxyerr.CodeNetworkError})

	if b.State() != BreakerOpen {
		t.Fatalf("expected Open after half-open failure, got %s", b.State())
	}
}

func TestBreaker_HalfOpenLimitsConcurrentCalls(t *testing.T) {
	b := NewBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure(&proxyerr.Error{Code: proxyerr.CodeNetworkError})
	}
	time.Sleep(60 * time.Millisecond)

	allowed := 0
	for i := 0; i < 5; i++ {
		if b.Allow() {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("expected exactly halfOpenMaxCalls=2 allowed calls, got %d", allowed)
	}
}
