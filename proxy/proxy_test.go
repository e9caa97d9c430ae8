package proxy

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/vortexgw/ai-provider-proxy/config"
	"github.com/vortexgw/ai-provider-proxy/credentials"
	"github.com/vortexgw/ai-provider-proxy/engine"
	"github.com/vortexgw/ai-provider-proxy/metrics"
	"github.com/vortexgw/ai-provider-proxy/music"
	"github.com/vortexgw/ai-provider-proxy/providerrepo"
	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

type fakeStore struct {
	byID map[string]providerrepo.Provider
}

func (f *fakeStore) FindByProviderAndType(_ context.Context, providerID string, t providerrepo.ProviderType) (*providerrepo.Provider, error) {
	p, ok := f.byID[providerID]
	if !ok || p.Type != t {
		return nil, providerrepo.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (f *fakeStore) FindByProviderID(_ context.Context, providerID string) (*providerrepo.Provider, error) {
	p, ok := f.byID[providerID]
	if !ok {
		return nil, providerrepo.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (f *fakeStore) FindActiveProviders(_ context.Context, t *providerrepo.ProviderType) ([]providerrepo.Provider, error) {
	var out []providerrepo.Provider
	for _, p := range f.byID {
		if !p.IsActive {
			continue
		}
		if t != nil && p.Type != *t {
			continue
		}
		out = append(out, p)
	}
	// deterministic priority ordering for the test
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Priority < out[i].Priority {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateHealthStatus(_ context.Context, id uint, status providerrepo.HealthStatus) error {
	return nil
}

type fakeInvoker struct {
	responses map[string]*engine.Response
	errors    map[string]error
	calls     []string
}

func (f *fakeInvoker) Invoke(_ context.Context, req *engine.Request, _ string) (*engine.Response, error) {
	f.calls = append(f.calls, req.ProviderID)
	if err, ok := f.errors[req.ProviderID]; ok {
		return nil, err
	}
	return f.responses[req.ProviderID], nil
}

func (f *fakeInvoker) RenderRequest(req *engine.Request) (string, string, map[string]string, []byte, error) {
	return "POST", req.Endpoint, map[string]string{}, []byte(`{}`), nil
}

type fakeMusicRunner struct {
	result *music.Result
	err    error
}

func (f *fakeMusicRunner) Generate(_ context.Context, _ music.SubmitRequest, _ music.PollOptions) (*music.Result, error) {
	return f.result, f.err
}

func newTestProxy(store *fakeStore, inv *fakeInvoker) *Proxy {
	return New(store, inv, credentials.NewResolver(zap.NewNop()), metrics.NewCollector("test", zap.NewNop()), nil, zap.NewNop(), config.DefaultProxyConfig())
}

func TestInvoke_ExplicitProviderSucceeds(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"openai": {ProviderID: "openai", Type: providerrepo.ProviderTypeLLM, IsActive: true, RequiresAuth: false},
	}}
	inv := &fakeInvoker{responses: map[string]*engine.Response{
		"openai": {Content: "hi", Provider: "openai"},
	}}

	p := newTestProxy(store, inv)
	resp, err := p.Invoke(context.Background(), InvokeRequest{ProviderID: "openai", Modality: "text_generation", Prompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

func TestInvoke_FallsBackToSecondCandidateOnFailure(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"primary":  {ProviderID: "primary", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 1},
		"fallback": {ProviderID: "fallback", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 2},
	}}
	inv := &fakeInvoker{
		errors:    map[string]error{"primary": &proxyerr.Error{Code: proxyerr.CodeNetworkError}},
		responses: map[string]*engine.Response{"fallback": {Content: "ok", Provider: "fallback"}},
	}

	p := newTestProxy(store, inv)
	resp, err := p.Invoke(context.Background(), InvokeRequest{Modality: "text_generation", Prompt: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "fallback" {
		t.Fatalf("expected fallback to serve the request, got %q", resp.Provider)
	}
	if len(inv.calls) != 2 {
		t.Fatalf("expected exactly 2 invocations, got %v", inv.calls)
	}
}

func TestInvoke_QuotaExceededStillTriesFallback(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"primary":  {ProviderID: "primary", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 1},
		"fallback": {ProviderID: "fallback", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 2},
	}}
	inv := &fakeInvoker{
		errors:    map[string]error{"primary": &proxyerr.Error{Code: proxyerr.CodeQuotaExceeded}},
		responses: map[string]*engine.Response{"fallback": {Content: "ok", Provider: "fallback"}},
	}

	p := newTestProxy(store, inv)
	resp, err := p.Invoke(context.Background(), InvokeRequest{Modality: "text_generation"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "fallback" {
		t.Fatalf("expected fallback despite quota_exceeded on primary, got %q", resp.Provider)
	}
}

func TestInvoke_AllCandidatesFailReturnsProviderUnavailable(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"only": {ProviderID: "only", Type: providerrepo.ProviderTypeLLM, IsActive: true},
	}}
	inv := &fakeInvoker{errors: map[string]error{"only": &proxyerr.Error{Code: proxyerr.CodeNetworkError}}}

	p := newTestProxy(store, inv)
	_, err := p.Invoke(context.Background(), InvokeRequest{Modality: "text_generation"})
	if err == nil {
		t.Fatal("expected an error")
	}
	perr, ok := err.(*proxyerr.Error)
	if !ok || perr.Code != proxyerr.CodeProviderUnavailable {
		t.Fatalf("expected PROVIDER_UNAVAILABLE, got %v", err)
	}
}

func TestInvoke_NoActiveProvidersReturnsNoProvidersAvailable(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{}}
	inv := &fakeInvoker{}

	p := newTestProxy(store, inv)
	_, err := p.Invoke(context.Background(), InvokeRequest{Modality: "text_generation"})
	perr, ok := err.(*proxyerr.Error)
	if !ok || perr.Code != proxyerr.CodeNoProvidersAvailable {
		t.Fatalf("expected NO_PROVIDERS_AVAILABLE, got %v", err)
	}
}

func TestInvoke_MusicGenerationUsesPollWorkflowAndReportsEarlyPlayback(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"musicapi": {ProviderID: "musicapi", Type: providerrepo.ProviderTypeMusic, IsActive: true, RequiresAuth: false},
	}}
	inv := &fakeInvoker{}
	runner := &fakeMusicRunner{result: &music.Result{
		TaskID:          "t1",
		State:           music.StateEarlyPlayback,
		IsEarlyPlayback: true,
		Clips:           []music.Clip{{State: "running", ClipID: "c1", AudioURL: "https://a/x"}},
	}}

	p := New(store, inv, credentials.NewResolver(zap.NewNop()), metrics.NewCollector("test", zap.NewNop()), runner, zap.NewNop(), config.DefaultProxyConfig())

	resp, err := p.Invoke(context.Background(), InvokeRequest{ProviderID: "musicapi", Modality: "music_generation", Prompt: "a song"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "https://a/x" {
		t.Fatalf("expected early playback audio url, got %q", resp.Content)
	}
	if !resp.Metadata.IsEarlyPlayback {
		t.Fatal("expected metadata.IsEarlyPlayback to be true")
	}
	if len(inv.calls) != 0 {
		t.Fatalf("expected the engine's single-shot Invoke to never be called for music, got %v", inv.calls)
	}
}

func TestInvoke_MusicGenerationWithoutRunnerFails(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"musicapi": {ProviderID: "musicapi", Type: providerrepo.ProviderTypeMusic, IsActive: true, RequiresAuth: false},
	}}
	inv := &fakeInvoker{}

	p := newTestProxy(store, inv)

	_, err := p.Invoke(context.Background(), InvokeRequest{ProviderID: "musicapi", Modality: "music_generation"})
	if err == nil {
		t.Fatal("expected an error when no music runner is configured")
	}
}

func TestConfigureLoadBalancing_RejectsUnimplementedStrategies(t *testing.T) {
	p := newTestProxy(&fakeStore{}, &fakeInvoker{})

	if err := p.ConfigureLoadBalancing(LoadBalancingPriority); err != nil {
		t.Fatalf("expected priority to be accepted, got %v", err)
	}

	err := p.ConfigureLoadBalancing(LoadBalancingRoundRobin)
	if err == nil {
		t.Fatal("expected round_robin to be rejected")
	}
	perr, ok := err.(*proxyerr.Error)
	if !ok || perr.Code != proxyerr.CodeValidation {
		t.Fatalf("expected VALIDATION error, got %v", err)
	}
}

func TestGetProxyHealth_ReportsBreakerStateAndLatency(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"openai": {ProviderID: "openai", Type: providerrepo.ProviderTypeLLM, IsActive: true, HealthStatus: providerrepo.HealthHealthy},
	}}
	inv := &fakeInvoker{responses: map[string]*engine.Response{"openai": {Content: "hi", Provider: "openai"}}}

	p := newTestProxy(store, inv)
	if _, err := p.Invoke(context.Background(), InvokeRequest{ProviderID: "openai", Modality: "text_generation"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reports, err := p.GetProxyHealth(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	if reports[0].ProviderID != "openai" || reports[0].BreakerState != BreakerClosed {
		t.Fatalf("unexpected report: %+v", reports[0])
	}
	if reports[0].TotalRequests != 1 || reports[0].SuccessCount != 1 {
		t.Fatalf("expected the prior invocation to be reflected, got %+v", reports[0])
	}
}

func TestGetProviderHealthByID_UnknownProviderReturnsNotFound(t *testing.T) {
	p := newTestProxy(&fakeStore{}, &fakeInvoker{})

	_, err := p.GetProviderHealthByID(context.Background(), "ghost")
	perr, ok := err.(*proxyerr.Error)
	if !ok || perr.Code != proxyerr.CodeProviderNotFound {
		t.Fatalf("expected PROVIDER_NOT_FOUND, got %v", err)
	}
}

func TestSelectProvider_PicksFirstHealthyCandidateWithoutInvoking(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"primary":  {ProviderID: "primary", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 1},
		"fallback": {ProviderID: "fallback", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 2},
	}}
	inv := &fakeInvoker{}
	p := newTestProxy(store, inv)

	result, err := p.SelectProvider(context.Background(), Selection{Modality: "text_generation"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Selected != "primary" {
		t.Fatalf("expected primary selected, got %q", result.Selected)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("expected both candidates listed, got %v", result.Candidates)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("expected a dry-run selection to never invoke the engine, got %v", inv.calls)
	}
}

func TestSelectProvider_SkipsOpenBreakerWithoutConsumingHalfOpenBudget(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"flaky": {ProviderID: "flaky", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 1},
		"good":  {ProviderID: "good", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 2},
	}}
	inv := &fakeInvoker{errors: map[string]error{"flaky": &proxyerr.Error{Code: proxyerr.CodeNetworkError}}}

	cfg := config.DefaultProxyConfig()
	cfg.Breaker.FailureThreshold = 1
	p := New(store, inv, credentials.NewResolver(zap.NewNop()), metrics.NewCollector("test", zap.NewNop()), nil, zap.NewNop(), cfg)

	if _, err := p.Invoke(context.Background(), InvokeRequest{ProviderID: "flaky", Modality: "text_generation"}); err == nil {
		t.Fatal("expected the direct call to flaky to fail and trip its breaker")
	}

	result, err := p.SelectProvider(context.Background(), Selection{Modality: "text_generation"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Selected != "good" {
		t.Fatalf("expected good selected once flaky's breaker is open, got %q", result.Selected)
	}
}

func TestTestProvider_DoesNotAffectBreakerOrMetrics(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"flaky": {ProviderID: "flaky", Type: providerrepo.ProviderTypeLLM, IsActive: true},
	}}
	inv := &fakeInvoker{errors: map[string]error{"flaky": &proxyerr.Error{Code: proxyerr.CodeNetworkError}}}
	p := newTestProxy(store, inv)

	result, err := p.TestProvider(context.Background(), "flaky", map[string]any{"prompt": "ping"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected the failing call to report success=false")
	}
	if result.Error == "" {
		t.Fatal("expected an error message on the result")
	}

	if p.breakerFor("flaky").State() != BreakerClosed {
		t.Fatal("expected TestProvider not to trip the breaker")
	}
	if stat, ok := p.metrics.GetProviderStats("flaky", 0); ok && stat.TotalRequests != 0 {
		t.Fatalf("expected TestProvider not to record request metrics, got %+v", stat)
	}
}

func TestTestProvider_UnknownProviderReturnsNotFound(t *testing.T) {
	p := newTestProxy(&fakeStore{}, &fakeInvoker{})

	_, err := p.TestProvider(context.Background(), "ghost", nil)
	perr, ok := err.(*proxyerr.Error)
	if !ok || perr.Code != proxyerr.CodeProviderNotFound {
		t.Fatalf("expected PROVIDER_NOT_FOUND, got %v", err)
	}
}

func TestGetProvidersByCapability_AcceptsModalityAndRawType(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"openai": {ProviderID: "openai", Type: providerrepo.ProviderTypeLLM, IsActive: true},
	}}
	p := newTestProxy(store, &fakeInvoker{})

	byModality, err := p.GetProvidersByCapability(context.Background(), "text_generation")
	if err != nil || len(byModality) != 1 {
		t.Fatalf("expected one provider via modality lookup, got %v (err %v)", byModality, err)
	}

	byType, err := p.GetProvidersByCapability(context.Background(), string(providerrepo.ProviderTypeLLM))
	if err != nil || len(byType) != 1 {
		t.Fatalf("expected one provider via raw type lookup, got %v (err %v)", byType, err)
	}

	_, err = p.GetProvidersByCapability(context.Background(), "not_a_thing")
	if perr, ok := err.(*proxyerr.Error); !ok || perr.Code != proxyerr.CodeValidation {
		t.Fatalf("expected VALIDATION for an unknown capability, got %v", err)
	}
}

func TestGetUsageStatistics_ReturnsPerProviderSnapshot(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"openai": {ProviderID: "openai", Type: providerrepo.ProviderTypeLLM, IsActive: true},
	}}
	inv := &fakeInvoker{responses: map[string]*engine.Response{"openai": {Content: "hi", Provider: "openai"}}}
	p := newTestProxy(store, inv)

	if _, err := p.Invoke(context.Background(), InvokeRequest{ProviderID: "openai", Modality: "text_generation"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := p.GetUsageStatistics(context.Background(), 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stat, ok := stats["openai"]
	if !ok {
		t.Fatal("expected a usage entry for openai")
	}
	if stat.TotalRequests != 1 {
		t.Fatalf("expected 1 recorded request, got %+v", stat)
	}
}

func TestInvoke_SkipsProviderWithOpenBreaker(t *testing.T) {
	store := &fakeStore{byID: map[string]providerrepo.Provider{
		"flaky": {ProviderID: "flaky", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 1},
		"good":  {ProviderID: "good", Type: providerrepo.ProviderTypeLLM, IsActive: true, Priority: 2},
	}}
	inv := &fakeInvoker{
		errors:    map[string]error{"flaky": &proxyerr.Error{Code: proxyerr.CodeNetworkError}},
		responses: map[string]*engine.Response{"good": {Content: "ok", Provider: "good"}},
	}

	cfg := config.DefaultProxyConfig()
	cfg.Breaker.FailureThreshold = 1
	p := New(store, inv, credentials.NewResolver(zap.NewNop()), metrics.NewCollector("test", zap.NewNop()), nil, zap.NewNop(), cfg)

	// First call trips the breaker for "flaky" after one failure.
	if _, err := p.Invoke(context.Background(), InvokeRequest{Modality: "text_generation"}); err != nil {
		t.Fatalf("unexpected error on first call: %v", err)
	}

	inv.calls = nil
	if _, err := p.Invoke(context.Background(), InvokeRequest{Modality: "text_generation"}); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	for _, called := range inv.calls {
		if called == "flaky" {
			t.Fatalf("expected flaky's open breaker to exclude it from the second call's candidates: %v", inv.calls)
		}
	}
}
