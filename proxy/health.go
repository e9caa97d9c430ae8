package proxy

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vortexgw/ai-provider-proxy/providerrepo"
	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

// expensiveProviderTypes never get a live health probe: a real call would
// cost money or take minutes, so they default to healthy and keep whatever
// the circuit breaker already knows.
var expensiveProviderTypes = map[providerrepo.ProviderType]bool{
	providerrepo.ProviderTypeMusic: true,
}

// healthChecksDisabled reports whether the periodic probe loop should not
// run at all: either DISABLE_HEALTH_CHECKS is set, or NODE_ENV/ENV names a
// test or development environment. Live probes against real provider
// endpoints have no business running during CI or local development.
func healthChecksDisabled() bool {
	if strings.EqualFold(os.Getenv("DISABLE_HEALTH_CHECKS"), "true") {
		return true
	}
	env := os.Getenv("NODE_ENV")
	if env == "" {
		env = os.Getenv("ENV")
	}
	switch strings.ToLower(env) {
	case "test", "development", "dev":
		return true
	}
	return false
}

// StartHealthLoop runs the periodic health probe until ctx is canceled. It
// is a no-op loop body for expensive provider types, preserving their
// breaker-derived health instead of spending a real request on a probe. The
// loop does not start at all when healthChecksDisabled reports true.
func (p *Proxy) StartHealthLoop(ctx context.Context) {
	if healthChecksDisabled() {
		p.logger.Info("health check loop disabled", zap.String("reason", "DISABLE_HEALTH_CHECKS or NODE_ENV/ENV"))
		return
	}

	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runHealthPass(ctx)
		}
	}
}

func (p *Proxy) runHealthPass(ctx context.Context) {
	providers, err := p.repo.FindActiveProviders(ctx, nil)
	if err != nil {
		p.logger.Warn("health pass failed to list providers", zap.Error(err))
		return
	}

	for _, provider := range providers {
		if expensiveProviderTypes[provider.Type] {
			continue
		}
		status := p.probeOne(ctx, provider)
		if status != provider.HealthStatus {
			if err := p.repo.UpdateHealthStatus(ctx, provider.ID, status); err != nil {
				p.logger.Warn("failed to persist health status",
					zap.String("provider", provider.ProviderID),
					zap.Error(err),
				)
			}
		}
	}
}

func (p *Proxy) probeOne(ctx context.Context, provider providerrepo.Provider) providerrepo.HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var status int
	var err error

	if provider.IsFree && provider.HealthEndpoint != "" {
		status, err = p.probeHealthEndpoint(probeCtx, provider)
	} else {
		status, err = p.probeMinimalInvoke(probeCtx, provider)
	}

	if err != nil {
		return providerrepo.HealthUnhealthy
	}

	switch {
	case status >= 200 && status < 300:
		return providerrepo.HealthHealthy
	case status == http.StatusTooManyRequests, status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return providerrepo.HealthHealthy
	default:
		return providerrepo.HealthUnhealthy
	}
}

func (p *Proxy) probeHealthEndpoint(ctx context.Context, provider providerrepo.Provider) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.HealthEndpoint, nil)
	if err != nil {
		return 0, err
	}

	if provider.RequiresAuth {
		resolved, err := p.credentials.RequireValid(ctx, provider.ProviderID, nil)
		if err != nil {
			return 0, err
		}
		for k, v := range resolved.Headers {
			req.Header.Set(k, v)
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (p *Proxy) probeMinimalInvoke(ctx context.Context, provider providerrepo.Provider) (int, error) {
	resp, err := p.invokeOne(ctx, provider, InvokeRequest{
		Modality:        reverseModality(provider.Type),
		Prompt:          "ping",
		SuppressLogging: true,
	})
	if err != nil {
		return classifyProbeError(err), nil
	}
	return resp.Metadata.Status, nil
}

// classifyProbeError turns a failed probe invocation into a representative
// HTTP status for the health classification above, using the status the
// engine captured when available.
func classifyProbeError(err error) int {
	if perr, ok := err.(*proxyerr.Error); ok && perr.HTTPStatus != 0 {
		return perr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// canonicalModalityForType picks one deterministic modality per provider
// type for health probes, since modalityToProviderType is many-to-one (e.g.
// text_generation, text_analysis, and image_analysis all serve
// ProviderTypeLLM) and iterating it directly would pick a random one on
// every call because Go map iteration order is randomized.
var canonicalModalityForType = map[providerrepo.ProviderType]string{
	providerrepo.ProviderTypeLLM:   "text_generation",
	providerrepo.ProviderTypeMusic: "music_generation",
	providerrepo.ProviderTypeImage: "image_generation",
	providerrepo.ProviderTypeAudio: "audio_transcription",
}

func reverseModality(t providerrepo.ProviderType) string {
	return canonicalModalityForType[t]
}
