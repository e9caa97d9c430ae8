// Package proxy selects a provider for a logical request, invokes it
// through the engine, tracks per-provider circuit breaker state, and falls
// back across candidates on failure. It is the gateway's composition root
// for request routing.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vortexgw/ai-provider-proxy/config"
	"github.com/vortexgw/ai-provider-proxy/credentials"
	"github.com/vortexgw/ai-provider-proxy/engine"
	"github.com/vortexgw/ai-provider-proxy/metrics"
	"github.com/vortexgw/ai-provider-proxy/music"
	"github.com/vortexgw/ai-provider-proxy/providerrepo"
	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

// modalityToProviderType maps a caller-facing operation name to the
// provider type that serves it.
var modalityToProviderType = map[string]providerrepo.ProviderType{
	"text_generation":    providerrepo.ProviderTypeLLM,
	"text_analysis":      providerrepo.ProviderTypeLLM,
	"image_analysis":     providerrepo.ProviderTypeLLM,
	"music_generation":   providerrepo.ProviderTypeMusic,
	"image_generation":   providerrepo.ProviderTypeImage,
	"audio_transcription": providerrepo.ProviderTypeAudio,
}

// maxFallbacks bounds the candidates drawn from the active-provider
// selection: primary plus three fallbacks.
const maxFallbacks = 3

// ProviderStore is the subset of providerrepo.Repository the proxy needs.
// Depending on this narrow interface (rather than the concrete repository)
// keeps the proxy's routing logic testable against an in-memory fake.
type ProviderStore interface {
	FindByProviderAndType(ctx context.Context, providerID string, t providerrepo.ProviderType) (*providerrepo.Provider, error)
	FindByProviderID(ctx context.Context, providerID string) (*providerrepo.Provider, error)
	FindActiveProviders(ctx context.Context, t *providerrepo.ProviderType) ([]providerrepo.Provider, error)
	UpdateHealthStatus(ctx context.Context, id uint, status providerrepo.HealthStatus) error
}

// Invoker is the subset of engine.Engine the proxy needs. RenderRequest lets
// the proxy build the HTTP pieces of a request without executing the
// single-shot engine round trip, for operations (music generation) that
// drive their own submit/poll lifecycle instead.
type Invoker interface {
	Invoke(ctx context.Context, req *engine.Request, operation string) (*engine.Response, error)
	RenderRequest(req *engine.Request) (method, endpoint string, headers map[string]string, body []byte, err error)
}

// MusicRunner is the subset of music.Workflow the proxy needs.
type MusicRunner interface {
	Generate(ctx context.Context, req music.SubmitRequest, opts music.PollOptions) (*music.Result, error)
}

// InvokeRequest is a caller's logical request, independent of which
// provider eventually serves it.
type InvokeRequest struct {
	ProviderID   string
	Modality     string
	Prompt       string
	SystemPrompt string
	Options      map[string]any
	ArtworkURL   string
	Model        string
	MaxTokens    int
	ResponseFmt  any
	// SuppressLogging marks a call as an internal health probe: the engine
	// skips its usual Warn log for a non-2xx response that health probing
	// treats as a healthy signal (auth-accepted, payload-rejected).
	SuppressLogging bool
}

// Proxy routes InvokeRequests to a provider, with circuit-breaker-aware
// fallback across candidates.
type Proxy struct {
	repo        ProviderStore
	engine      Invoker
	credentials *credentials.Resolver
	metrics     *metrics.Collector
	music       MusicRunner
	logger      *zap.Logger
	cfg         config.ProxyConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// New builds a Proxy from its collaborators. musicRunner may be nil; music
// generation requests then fail with PROVIDER_INVOCATION_FAILED instead of
// running the poll workflow, which is only a concern for callers that never
// route music_generation traffic.
func New(repo ProviderStore, eng Invoker, creds *credentials.Resolver, mcol *metrics.Collector, musicRunner MusicRunner, logger *zap.Logger, cfg config.ProxyConfig) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		repo:        repo,
		engine:      eng,
		credentials: creds,
		metrics:     mcol,
		music:       musicRunner,
		logger:      logger.With(zap.String("component", "proxy")),
		cfg:         cfg,
		breakers:    make(map[string]*Breaker),
	}
}

func (p *Proxy) breakerFor(providerID string) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[providerID]
	if !ok {
		b = NewBreaker(p.cfg.Breaker)
		p.breakers[providerID] = b
	}
	return b
}

// Invoke resolves candidates for req, attempts each in order, and returns
// the first success. It never stops at a quota_exceeded failure: every
// candidate is still given a chance.
func (p *Proxy) Invoke(ctx context.Context, req InvokeRequest) (*engine.Response, error) {
	providerType, ok := modalityToProviderType[req.Modality]
	if !ok {
		return nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: fmt.Sprintf("unknown modality %q", req.Modality)}
	}

	candidates, err := p.resolveCandidates(ctx, providerType, req.ProviderID, extractFallbackProviderIDs(req.Options))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, candidate := range candidates {
		if candidate.HealthStatus == providerrepo.HealthUnavailable {
			continue
		}
		breaker := p.breakerFor(candidate.ProviderID)
		if !breaker.Allow() {
			continue
		}

		start := time.Now()
		resp, invokeErr := p.invokeOne(ctx, candidate, req)
		duration := time.Since(start)

		if invokeErr == nil {
			breaker.RecordSuccess()
			remaining, resetAt, _ := metrics.ParseRateLimitHeaders(resp.Metadata.Headers)
			resp.Metadata.RateLimitRemaining = remaining
			resp.Metadata.RateLimitResetAt = resetAt
			p.metrics.RecordProviderRequest(candidate.ProviderID, req.Modality, true, duration, remaining, resetAt)
			return resp, nil
		}

		breaker.RecordFailure(invokeErr)
		p.metrics.RecordProviderRequest(candidate.ProviderID, req.Modality, false, duration, nil, nil)
		p.metrics.RecordCircuitBreakerEvent(candidate.ProviderID, string(breaker.State()))
		p.logger.Warn("provider candidate failed",
			zap.String("provider", candidate.ProviderID),
			zap.String("class", classifyError(invokeErr)),
			zap.Error(invokeErr),
		)
		lastErr = invokeErr
	}

	return nil, &proxyerr.Error{
		Code:    proxyerr.CodeProviderUnavailable,
		Message: fmt.Sprintf("all candidates failed: %v", lastErr),
	}
}

func (p *Proxy) invokeOne(ctx context.Context, provider providerrepo.Provider, req InvokeRequest) (*engine.Response, error) {
	var auth *credentials.AuthConfig
	if provider.AuthConfig != "" {
		auth = &credentials.AuthConfig{}
		if err := json.Unmarshal([]byte(provider.AuthConfig), auth); err != nil {
			return nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: "invalid stored auth config", Provider: provider.ProviderID}
		}
	}

	var resolved credentials.Resolved
	if provider.RequiresAuth {
		var err error
		resolved, err = p.credentials.RequireValid(ctx, provider.ProviderID, auth)
		if err != nil {
			return nil, err
		}
	}

	var requestTemplate any
	if provider.RequestTemplate != "" {
		if err := json.Unmarshal([]byte(provider.RequestTemplate), &requestTemplate); err != nil {
			return nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: "invalid stored request template", Provider: provider.ProviderID}
		}
	}

	var mapping engine.ResponseMapping
	if provider.ResponseMapping != "" {
		if err := json.Unmarshal([]byte(provider.ResponseMapping), &mapping); err != nil {
			return nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: "invalid stored response mapping", Provider: provider.ProviderID}
		}
	}

	var timeout time.Duration
	if provider.TimeoutMs > 0 {
		timeout = time.Duration(provider.TimeoutMs) * time.Millisecond
	}

	engineReq := &engine.Request{
		ProviderID:        provider.ProviderID,
		Endpoint:          provider.Endpoint,
		Method:            provider.Method,
		RequestTemplate:   requestTemplate,
		ResponseMapping:   mapping,
		Timeout:           timeout,
		Prompt:            req.Prompt,
		Modality:          req.Modality,
		SystemPrompt:      req.SystemPrompt,
		Options:           req.Options,
		ArtworkURL:        req.ArtworkURL,
		Model:             req.Model,
		MaxTokens:         req.MaxTokens,
		ResponseFmt:       req.ResponseFmt,
		Cost:              provider.Cost,
		CredentialHeaders: resolved.Headers,
		CredentialQuery:   resolved.Query,
		SuppressLogging:   req.SuppressLogging,
	}

	if req.Modality == "music_generation" {
		return p.invokeMusic(ctx, provider, engineReq)
	}

	return p.engine.Invoke(ctx, engineReq, req.Modality)
}

// invokeMusic renders the submit request through the engine's template
// machinery, then hands it to the music poll workflow instead of making a
// single synchronous engine call: music providers return a task id and
// require the submit-then-poll lifecycle described in the gateway's music
// poll workflow.
func (p *Proxy) invokeMusic(ctx context.Context, provider providerrepo.Provider, engineReq *engine.Request) (*engine.Response, error) {
	if p.music == nil {
		return nil, &proxyerr.Error{
			Code:     proxyerr.CodeProviderInvocationFailed,
			Message:  "music poll workflow is not configured",
			Provider: provider.ProviderID,
		}
	}

	method, endpoint, headers, body, err := p.engine.RenderRequest(engineReq)
	if err != nil {
		return nil, err
	}

	result, err := p.music.Generate(ctx, music.SubmitRequest{
		ProviderID: provider.ProviderID,
		Endpoint:   endpoint,
		Method:     method,
		Headers:    headers,
		Body:       body,
	}, music.PollOptions{
		Timeout:     p.cfg.MusicPollTimeout,
		PollBaseURL: provider.Endpoint,
		PollHeaders: headers,
	})
	if err != nil {
		return nil, err
	}

	return musicResultToResponse(provider, result), nil
}

// musicResultToResponse normalizes a music.Result into the same Response
// shape every other modality returns: Content is the first clip with a
// usable audio URL, present as soon as early playback is possible.
func musicResultToResponse(provider providerrepo.Provider, result *music.Result) *engine.Response {
	content := ""
	for _, clip := range result.Clips {
		if clip.AudioURL != "" {
			content = clip.AudioURL
			break
		}
	}

	return &engine.Response{
		Content:  content,
		Provider: provider.ProviderID,
		Cost:     provider.Cost,
		Metadata: engine.Metadata{
			Status:          200,
			ResponseFormat:  "url",
			IsEarlyPlayback: result.IsEarlyPlayback,
		},
	}
}

// resolveCandidates builds the ordered candidate list: an explicit provider
// id leads alone, otherwise the active-provider selection yields a primary
// plus up to three fallbacks; request-supplied fallback provider ids are
// appended, and the whole list is de-duplicated preserving first occurrence.
func (p *Proxy) resolveCandidates(ctx context.Context, providerType providerrepo.ProviderType, explicitID string, extraFallbackIDs []string) ([]providerrepo.Provider, error) {
	var primary []providerrepo.Provider

	if explicitID != "" {
		prov, err := p.repo.FindByProviderAndType(ctx, explicitID, providerType)
		if err != nil {
			return nil, &proxyerr.Error{Code: proxyerr.CodeProviderNotFound, Message: explicitID, Provider: explicitID}
		}
		primary = []providerrepo.Provider{*prov}
	} else {
		actives, err := p.repo.FindActiveProviders(ctx, &providerType)
		if err != nil {
			return nil, err
		}
		filtered := make([]providerrepo.Provider, 0, len(actives))
		for _, a := range actives {
			if p.breakerFor(a.ProviderID).State() == BreakerOpen {
				continue
			}
			filtered = append(filtered, a)
		}
		if len(filtered) == 0 {
			return nil, &proxyerr.Error{Code: proxyerr.CodeNoProvidersAvailable, Message: string(providerType)}
		}
		limit := 1 + maxFallbacks
		if limit > len(filtered) {
			limit = len(filtered)
		}
		primary = filtered[:limit]
	}

	candidates := append([]providerrepo.Provider{}, primary...)
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.ProviderID] = true
	}

	for _, fbID := range extraFallbackIDs {
		if seen[fbID] {
			continue
		}
		prov, err := p.repo.FindByProviderAndType(ctx, fbID, providerType)
		if err != nil {
			continue
		}
		candidates = append(candidates, *prov)
		seen[fbID] = true
	}

	return candidates, nil
}

func extractFallbackProviderIDs(options map[string]any) []string {
	raw, ok := options["fallbackProviders"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// LoadBalancingStrategy names one of the selection strategies an operator
// can request. Only Priority is implemented; every other named value is
// rejected rather than silently falling back to it.
type LoadBalancingStrategy string

const (
	LoadBalancingPriority   LoadBalancingStrategy = "priority"
	LoadBalancingRoundRobin LoadBalancingStrategy = "round_robin"
	LoadBalancingLeastConn  LoadBalancingStrategy = "least_connections"
	LoadBalancingRandom     LoadBalancingStrategy = "random"
)

// ConfigureLoadBalancing validates the requested strategy. Priority
// selection (ascending priority, breaker-aware) is the only one this proxy
// implements; everything else is an explicit, auditable rejection.
func (p *Proxy) ConfigureLoadBalancing(strategy LoadBalancingStrategy) error {
	if strategy == LoadBalancingPriority {
		return nil
	}
	return &proxyerr.Error{
		Code:    proxyerr.CodeValidation,
		Message: fmt.Sprintf("load balancing strategy %q not implemented", strategy),
	}
}

// ProviderHealthReport is one provider's breaker-and-latency snapshot.
type ProviderHealthReport struct {
	ProviderID       string               `json:"providerId"`
	BreakerState     BreakerState         `json:"breakerState"`
	HealthStatus     providerrepo.HealthStatus `json:"healthStatus"`
	TotalRequests    int64                `json:"totalRequests"`
	SuccessCount     int64                `json:"successCount"`
	FailureCount     int64                `json:"failureCount"`
	AverageLatencyMs float64              `json:"averageLatencyMs"`
	CircuitBreakerTrips int64             `json:"circuitBreakerTrips"`
}

// GetProxyHealth returns a typed, per-provider view of breaker state and
// rolling average latency, sourced from the Metrics Collector — a direct
// typed expansion of the health information the spec already requires be
// tracked, not a new feature. It is also the aggregate form of
// getProviderHealth(): GetProviderHealth is a thin alias of this method.
func (p *Proxy) GetProxyHealth(ctx context.Context) ([]ProviderHealthReport, error) {
	providers, err := p.repo.FindActiveProviders(ctx, nil)
	if err != nil {
		return nil, err
	}

	reports := make([]ProviderHealthReport, 0, len(providers))
	for _, prov := range providers {
		reports = append(reports, p.healthReportFor(prov))
	}
	return reports, nil
}

// GetProviderHealth is getProviderHealth() from spec.md §4.1: the same
// all-providers view GetProxyHealth returns, exposed under the name the
// spec uses for it.
func (p *Proxy) GetProviderHealth(ctx context.Context) ([]ProviderHealthReport, error) {
	return p.GetProxyHealth(ctx)
}

// GetProviderHealthByID is getProviderHealthById(id) from spec.md §4.1: the
// single-provider form of GetProviderHealth, used by callers that only
// need one provider's breaker state (e.g. polling after a circuit trip).
func (p *Proxy) GetProviderHealthByID(ctx context.Context, providerID string) (ProviderHealthReport, error) {
	provider, err := p.repo.FindByProviderID(ctx, providerID)
	if err != nil {
		return ProviderHealthReport{}, &proxyerr.Error{Code: proxyerr.CodeProviderNotFound, Message: providerID, Provider: providerID}
	}
	return p.healthReportFor(*provider), nil
}

func (p *Proxy) healthReportFor(prov providerrepo.Provider) ProviderHealthReport {
	breaker := p.breakerFor(prov.ProviderID)
	report := ProviderHealthReport{
		ProviderID:   prov.ProviderID,
		BreakerState: breaker.State(),
		HealthStatus: prov.HealthStatus,
	}
	if stat, ok := p.metrics.GetProviderStats(prov.ProviderID, 0); ok {
		report.TotalRequests = stat.TotalRequests
		report.SuccessCount = stat.SuccessCount
		report.FailureCount = stat.FailureCount
		report.CircuitBreakerTrips = stat.CircuitBreakerTrips
		if stat.TotalRequests > 0 {
			report.AverageLatencyMs = stat.TotalLatencyMs / float64(stat.TotalRequests)
		}
	}
	return report
}

// Selection is a caller's candidate-resolution request, independent of
// actually invoking a provider: the same routing selection invoke uses
// before making the HTTP call.
type Selection struct {
	Modality          string
	ProviderID        string
	FallbackProviders []string
}

// SelectionResult is the outcome of resolving a Selection: the provider
// Invoke would try first, and the full breaker-filtered candidate order
// behind it.
type SelectionResult struct {
	Selected   string   `json:"selected"`
	Candidates []string `json:"candidates"`
}

// SelectProvider is selectProvider(selection) from spec.md §4.1: it runs
// the same candidate resolution and breaker filtering Invoke uses, without
// making the HTTP call, so a caller can see which provider would be picked
// (and what the fallback order looks like) before committing to a request.
// It reads breaker state rather than calling Allow(), so a dry-run
// selection never consumes a half-open provider's limited probe budget.
func (p *Proxy) SelectProvider(ctx context.Context, selection Selection) (*SelectionResult, error) {
	providerType, ok := modalityToProviderType[selection.Modality]
	if !ok {
		return nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: fmt.Sprintf("unknown modality %q", selection.Modality)}
	}

	candidates, err := p.resolveCandidates(ctx, providerType, selection.ProviderID, selection.FallbackProviders)
	if err != nil {
		return nil, err
	}

	result := &SelectionResult{Candidates: make([]string, 0, len(candidates))}
	for _, c := range candidates {
		result.Candidates = append(result.Candidates, c.ProviderID)
		if result.Selected == "" && c.HealthStatus != providerrepo.HealthUnavailable && p.breakerFor(c.ProviderID).State() != BreakerOpen {
			result.Selected = c.ProviderID
		}
	}
	if result.Selected == "" {
		return nil, &proxyerr.Error{Code: proxyerr.CodeNoProvidersAvailable, Message: string(providerType)}
	}
	return result, nil
}

// TestProviderResult is the outcome of a one-off diagnostic call to a
// provider, outside the breaker/fallback path real traffic uses.
type TestProviderResult struct {
	ProviderID string `json:"providerId"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	LatencyMs  int64  `json:"latencyMs"`
}

// TestProvider is testProvider(id, payload) from spec.md §4.1: it invokes
// exactly the named provider once with the given payload, bypassing
// candidate resolution and fallback. It deliberately does not touch the
// provider's breaker state or request metrics: an operator-initiated test
// call must not count toward (or against) the health signal real traffic
// produces.
func (p *Proxy) TestProvider(ctx context.Context, providerID string, payload map[string]any) (*TestProviderResult, error) {
	provider, err := p.repo.FindByProviderID(ctx, providerID)
	if err != nil {
		return nil, &proxyerr.Error{Code: proxyerr.CodeProviderNotFound, Message: providerID, Provider: providerID}
	}

	prompt, _ := payload["prompt"].(string)
	req := InvokeRequest{
		ProviderID: providerID,
		Modality:   reverseModality(provider.Type),
		Prompt:     prompt,
		Options:    payload,
	}

	start := time.Now()
	_, invokeErr := p.invokeOne(ctx, *provider, req)
	result := &TestProviderResult{ProviderID: providerID, LatencyMs: time.Since(start).Milliseconds()}
	if invokeErr != nil {
		result.Error = invokeErr.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

// GetProvidersByCapability is getProvidersByCapability(cap) from spec.md
// §4.1. A capability is either a modality name (the same keys invoke
// accepts, e.g. "text_generation") or a raw provider type
// (providerrepo.ProviderType, e.g. "llm").
func (p *Proxy) GetProvidersByCapability(ctx context.Context, capability string) ([]providerrepo.Provider, error) {
	providerType, ok := modalityToProviderType[capability]
	if !ok {
		switch pt := providerrepo.ProviderType(capability); pt {
		case providerrepo.ProviderTypeLLM, providerrepo.ProviderTypeImage, providerrepo.ProviderTypeMusic,
			providerrepo.ProviderTypeAudio, providerrepo.ProviderTypeVideo, providerrepo.ProviderTypeText:
			providerType = pt
		default:
			return nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: fmt.Sprintf("unknown capability %q", capability)}
		}
	}
	return p.repo.FindActiveProviders(ctx, &providerType)
}

// GetUsageStatistics is getUsageStatistics(windowMinutes) from spec.md
// §4.1: a per-provider metrics snapshot over the trailing windowMinutes,
// built from the same windowed Metrics Collector query GetProxyHealth uses
// internally.
func (p *Proxy) GetUsageStatistics(ctx context.Context, windowMinutes int) (map[string]metrics.ProviderStats, error) {
	providers, err := p.repo.FindActiveProviders(ctx, nil)
	if err != nil {
		return nil, err
	}

	windowMs := int64(windowMinutes) * 60_000
	out := make(map[string]metrics.ProviderStats, len(providers))
	for _, prov := range providers {
		if stat, ok := p.metrics.GetProviderStats(prov.ProviderID, windowMs); ok {
			out[prov.ProviderID] = stat
		}
	}
	return out, nil
}

// classifyError maps an error into the proxy's failure-class taxonomy used
// for metrics tagging.
func classifyError(err error) string {
	perr, ok := err.(*proxyerr.Error)
	if !ok {
		return "provider_error"
	}
	switch perr.Code {
	case proxyerr.CodeTimeout:
		return "timeout"
	case proxyerr.CodeRateLimited:
		return "rate_limit"
	case proxyerr.CodeQuotaExceeded:
		return "quota_exceeded"
	case proxyerr.CodeNetworkError:
		return "network_error"
	default:
		return "provider_error"
	}
}
