// Package metrics implements the gateway's provider-request metrics
// collector: an in-memory, per-name vector store that is the source of
// truth for the testable aggregate properties, with a Prometheus sink
// wired in as a secondary, additive layer.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MetricEntry is a single recorded data point, matching the CacheEntry-like
// shape used across the gateway's data model: every metric carries enough
// context to be filtered and aggregated later without a second lookup.
type MetricEntry struct {
	Name      string
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
}

// maxEntriesPerName bounds each named vector so a runaway provider cannot
// grow the collector without limit; the oldest entries are dropped first.
const maxEntriesPerName = 500

// entryRetention is the maximum age a raw metric entry may reach before it
// is trimmed from its vector, matching the data model's 1-hour retention.
const entryRetention = time.Hour

// DefaultStatsWindow is the window GetProviderStats uses when callers pass
// a zero or negative windowMs.
const DefaultStatsWindow = time.Hour

// ProviderStats is the aggregate view returned by GetProviderStats.
type ProviderStats struct {
	Provider         string
	TotalRequests    int64
	SuccessCount     int64
	FailureCount     int64
	TotalLatencyMs   float64
	CircuitBreakerTrips int64
	RateLimitRemaining *int64
	RateLimitResetAt   *time.Time
}

// Collector records provider-request metrics and circuit breaker events. It
// is safe for concurrent use: each named vector is guarded by its own
// sync.RWMutex so that recording for one metric name never blocks reads or
// writes on another.
type Collector struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string][]MetricEntry

	statsMu sync.RWMutex
	stats   map[string]*ProviderStats

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	circuitBreakerEvents    *prometheus.CounterVec
	rateLimitRemaining      *prometheus.GaugeVec
}

// NewCollector builds a Collector whose Prometheus metrics are registered
// under the given namespace (e.g. "aiproxy").
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		logger:  logger.With(zap.String("component", "metrics")),
		entries:  make(map[string][]MetricEntry),
		stats:    make(map[string]*ProviderStats),
		limiters: make(map[string]*rate.Limiter),

		providerRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total provider invocation attempts by provider, model, and outcome.",
		}, []string{"provider", "model", "status"}),

		providerRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Provider invocation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "model"}),

		circuitBreakerEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_events_total",
			Help:      "Circuit breaker state transitions by provider and new state.",
		}, []string{"provider", "state"}),

		rateLimitRemaining: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_rate_limit_remaining",
			Help:      "Last observed rate-limit-remaining header value per provider.",
		}, []string{"provider"}),
	}
}

// RecordMetric appends a raw metric entry under name, trimming both entries
// older than entryRetention and, once the vector still exceeds
// maxEntriesPerName after that age-trim, the oldest surviving entries
// (LRU tail-trim), matching the data model's "1 hour, max 500 entries per
// name" retention rule.
func (c *Collector) RecordMetric(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry := MetricEntry{Name: name, Value: value, Labels: labels, Timestamp: now}
	vec := append(c.entries[name], entry)
	vec = trimToWindow(vec, now, entryRetention)
	if len(vec) > maxEntriesPerName {
		vec = vec[len(vec)-maxEntriesPerName:]
	}
	c.entries[name] = vec
}

// trimToWindow drops every entry older than window relative to now. Entries
// are append-ordered by Timestamp, so the first surviving entry marks the
// cut point.
func trimToWindow(vec []MetricEntry, now time.Time, window time.Duration) []MetricEntry {
	cutoff := now.Add(-window)
	for i, e := range vec {
		if !e.Timestamp.Before(cutoff) {
			return vec[i:]
		}
	}
	return vec[:0]
}

// RecordProviderRequest records one provider invocation: success/failure,
// latency, and optional rate-limit header values reported by the provider.
func (c *Collector) RecordProviderRequest(provider, model string, success bool, duration time.Duration, rateLimitRemaining *int64, rateLimitReset *time.Time) {
	status := "success"
	if !success {
		status = "failure"
	}

	c.providerRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.providerRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if rateLimitRemaining != nil {
		c.rateLimitRemaining.WithLabelValues(provider).Set(float64(*rateLimitRemaining))
	}

	c.RecordMetric("provider_request", float64(duration.Milliseconds()), map[string]string{
		"provider": provider,
		"model":    model,
		"status":   status,
	})

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	stat := c.stats[provider]
	if stat == nil {
		stat = &ProviderStats{Provider: provider}
		c.stats[provider] = stat
	}
	stat.TotalRequests++
	if success {
		stat.SuccessCount++
	} else {
		stat.FailureCount++
	}
	stat.TotalLatencyMs += float64(duration.Milliseconds())
	stat.RateLimitRemaining = rateLimitRemaining
	stat.RateLimitResetAt = rateLimitReset

	if rateLimitRemaining != nil && rateLimitReset != nil {
		c.updateRetryPacer(provider, *rateLimitRemaining, *rateLimitReset)
	}
}

// updateRetryPacer (re)builds the provider's token-bucket retry pacer from
// its most recently observed rate-limit headers: the bucket refills to
// "remaining" tokens over the window until reset, so SuggestedRetryDelay
// reflects the provider's own pacing rather than a fixed backoff. This
// never gates an invocation — the candidate loop still tries every
// provider in order — it only advises how long a caller-initiated retry
// of the SAME provider should wait.
func (c *Collector) updateRetryPacer(provider string, remaining int64, resetAt time.Time) {
	window := time.Until(resetAt)
	if window <= 0 {
		window = time.Second
	}
	if remaining < 1 {
		remaining = 1
	}

	limit := rate.Limit(float64(remaining) / window.Seconds())
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	c.limiters[provider] = rate.NewLimiter(limit, int(remaining))
}

// SuggestedRetryDelay returns how long a caller should wait before retrying
// the given provider, based on its last observed rate-limit headers. Zero
// means retrying immediately is fine. Returns false if no rate-limit data
// has been observed for the provider yet.
func (c *Collector) SuggestedRetryDelay(provider string) (time.Duration, bool) {
	c.limiterMu.Lock()
	limiter, ok := c.limiters[provider]
	c.limiterMu.Unlock()
	if !ok {
		return 0, false
	}
	return limiter.Reserve().Delay(), true
}

// RecordCircuitBreakerEvent records a circuit breaker state transition for a
// provider, e.g. "open", "half_open", "closed".
func (c *Collector) RecordCircuitBreakerEvent(provider, newState string) {
	c.circuitBreakerEvents.WithLabelValues(provider, newState).Inc()
	c.RecordMetric("circuit_breaker_event", 1, map[string]string{
		"provider": provider,
		"state":    newState,
	})

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	stat := c.stats[provider]
	if stat == nil {
		stat = &ProviderStats{Provider: provider}
		c.stats[provider] = stat
	}
	if newState == "open" {
		stat.CircuitBreakerTrips++
	}
}

// GetProviderStats sums the provider's tagged "provider_request" and
// "circuit_breaker_event" metric entries within the trailing windowMs
// (default DefaultStatsWindow when windowMs <= 0), matching
// getProviderStats(providerId, windowMs)'s "sum tagged metrics within the
// window" contract. RateLimitRemaining/RateLimitResetAt reflect the most
// recently observed header values regardless of window, since they are a
// point-in-time signal rather than something to sum.
func (c *Collector) GetProviderStats(provider string, windowMs int64) (ProviderStats, bool) {
	window := DefaultStatsWindow
	if windowMs > 0 {
		window = time.Duration(windowMs) * time.Millisecond
	}
	cutoff := time.Now().Add(-window)

	c.mu.RLock()
	requests := append([]MetricEntry(nil), c.entries["provider_request"]...)
	breakerEvents := append([]MetricEntry(nil), c.entries["circuit_breaker_event"]...)
	c.mu.RUnlock()

	stat := ProviderStats{Provider: provider}
	found := false
	for _, e := range requests {
		if e.Labels["provider"] != provider || e.Timestamp.Before(cutoff) {
			continue
		}
		found = true
		stat.TotalRequests++
		stat.TotalLatencyMs += e.Value
		if e.Labels["status"] == "success" {
			stat.SuccessCount++
		} else {
			stat.FailureCount++
		}
	}
	for _, e := range breakerEvents {
		if e.Labels["provider"] != provider || e.Timestamp.Before(cutoff) {
			continue
		}
		found = true
		if e.Labels["state"] == "open" {
			stat.CircuitBreakerTrips++
		}
	}

	c.statsMu.RLock()
	if latest, ok := c.stats[provider]; ok {
		found = true
		stat.RateLimitRemaining = latest.RateLimitRemaining
		stat.RateLimitResetAt = latest.RateLimitResetAt
	}
	c.statsMu.RUnlock()

	return stat, found
}

// AllProviderStats returns a snapshot of every tracked provider's stats.
func (c *Collector) AllProviderStats() map[string]ProviderStats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()

	out := make(map[string]ProviderStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}

// Entries returns a copy of the raw metric vector recorded under name, for
// tests and debug inspection.
func (c *Collector) Entries(name string) []MetricEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	src := c.entries[name]
	out := make([]MetricEntry, len(src))
	copy(out, src)
	return out
}

// ParseRateLimitHeaders extracts remaining/reset/limit values from a
// provider's rate-limit response headers, trying the "x-ratelimit-*" prefix
// first and falling back to the unprefixed variant some providers use.
func ParseRateLimitHeaders(headers map[string]string) (remaining *int64, resetAt *time.Time, limit *int64) {
	remaining = parseIntHeader(headers, "x-ratelimit-remaining", "ratelimit-remaining")
	limit = parseIntHeader(headers, "x-ratelimit-limit", "ratelimit-limit")

	if v, ok := firstHeader(headers, "x-ratelimit-reset", "ratelimit-reset"); ok {
		if secs, err := parseUnixSeconds(v); err == nil {
			t := time.Unix(secs, 0)
			resetAt = &t
		}
	}
	return remaining, resetAt, limit
}

func firstHeader(headers map[string]string, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := headers[n]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func parseIntHeader(headers map[string]string, names ...string) *int64 {
	v, ok := firstHeader(headers, names...)
	if !ok {
		return nil
	}
	n, err := parseUnixSeconds(v)
	if err != nil {
		return nil
	}
	return &n
}

func parseUnixSeconds(v string) (int64, error) {
	return strconv.ParseInt(v, 10, 64)
}
