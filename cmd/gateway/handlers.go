package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vortexgw/ai-provider-proxy/engine"
	"github.com/vortexgw/ai-provider-proxy/proxy"
	"github.com/vortexgw/ai-provider-proxy/proxyerr"
	"github.com/vortexgw/ai-provider-proxy/templateexec"
)

// handlers is the gateway's thin admin HTTP surface: health, a typed view
// of per-provider breaker health, and the invoke(ProviderRequest) ->
// ProviderResponse contract the core exposes to upstream callers. A full
// REST/GraphQL presentation layer is an external collaborator, out of
// scope here.
type handlers struct {
	server *Server
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	if err := h.server.pool.Ping(ctx); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (h *handlers) handleProxyHealth(w http.ResponseWriter, r *http.Request) {
	reports, err := h.server.prox.GetProxyHealth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": reports})
}

// handleProviderByID dispatches GET /v1/providers/{id}/health and
// POST /v1/providers/{id}/test. The exact-match routes for
// /v1/providers/health, /v1/providers/select, and
// /v1/providers/by-capability are registered separately and take
// precedence over this prefix route.
func (h *handlers) handleProviderByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/v1/providers/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown route"})
		return
	}
	id, action := parts[0], parts[1]

	switch action {
	case "health":
		h.handleProviderHealthByID(w, r, id)
	case "test":
		h.handleTestProvider(w, r, id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
	}
}

func (h *handlers) handleProviderHealthByID(w http.ResponseWriter, r *http.Request, id string) {
	report, err := h.server.prox.GetProviderHealthByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleSelectProvider serves POST /v1/providers/select.
func (h *handlers) handleSelectProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Modality          string   `json:"modality"`
		ProviderID        string   `json:"providerId"`
		FallbackProviders []string `json:"fallbackProviders"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	result, err := h.server.prox.SelectProvider(r.Context(), proxy.Selection{
		Modality:          body.Modality,
		ProviderID:        body.ProviderID,
		FallbackProviders: body.FallbackProviders,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": errorBody(err)})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleTestProvider serves POST /v1/providers/{id}/test.
func (h *handlers) handleTestProvider(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	result, err := h.server.prox.TestProvider(r.Context(), id, body.Payload)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": errorBody(err)})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleProvidersByCapability serves GET /v1/providers/by-capability?cap=....
func (h *handlers) handleProvidersByCapability(w http.ResponseWriter, r *http.Request) {
	cap := r.URL.Query().Get("cap")
	providers, err := h.server.prox.GetProvidersByCapability(r.Context(), cap)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// handleUsageStatistics serves GET /v1/usage?windowMinutes=60.
func (h *handlers) handleUsageStatistics(w http.ResponseWriter, r *http.Request) {
	windowMinutes := 60
	if raw := r.URL.Query().Get("windowMinutes"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			windowMinutes = parsed
		}
	}
	stats, err := h.server.prox.GetUsageStatistics(r.Context(), windowMinutes)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"windowMinutes": windowMinutes, "providers": stats})
}

// providerRequest mirrors the core's invoke(ProviderRequest) contract.
type providerRequest struct {
	ProviderID string         `json:"providerId,omitempty"`
	Operation  string         `json:"operation"`
	Payload    map[string]any `json:"payload"`
	Options    providerOptions `json:"options,omitempty"`
}

type providerOptions struct {
	Model             string   `json:"model,omitempty"`
	Temperature       float64  `json:"temperature,omitempty"`
	MaxTokens         int      `json:"maxTokens,omitempty"`
	TimeoutMs         int      `json:"timeout,omitempty"`
	Retries           int      `json:"retries,omitempty"`
	FallbackProviders []string `json:"fallbackProviders,omitempty"`
}

// providerResponse mirrors the core's ProviderResponse contract.
type providerResponse struct {
	ProviderID string               `json:"providerId"`
	ProviderName string             `json:"providerName"`
	Model      string               `json:"model,omitempty"`
	Success    bool                 `json:"success"`
	Result     string               `json:"result,omitempty"`
	Error      *providerResponseErr `json:"error,omitempty"`
	Metadata   providerResponseMeta `json:"metadata"`
}

type providerResponseErr struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable"`
}

type providerResponseMeta struct {
	ProcessingTimeMs   int64      `json:"processingTimeMs"`
	TokensUsed         *int       `json:"tokensUsed,omitempty"`
	Cost               float64    `json:"cost,omitempty"`
	RateLimitRemaining *int64     `json:"rateLimitRemaining,omitempty"`
	RateLimitResetTime *time.Time `json:"rateLimitResetTime,omitempty"`
	ResponseFormat     string     `json:"responseFormat,omitempty"`
	IsBase64           bool       `json:"isBase64,omitempty"`
	IsEarlyPlayback    bool       `json:"isEarlyPlayback,omitempty"`
}

func (h *handlers) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	options := make(map[string]any, len(req.Payload)+4)
	for k, v := range req.Payload {
		options[k] = v
	}
	if req.Options.Model != "" {
		options["model"] = req.Options.Model
	}
	if req.Options.Temperature != 0 {
		options["temperature"] = req.Options.Temperature
	}
	options["fallbackProviders"] = toAnySlice(req.Options.FallbackProviders)

	start := time.Now()
	invokeReq := proxy.InvokeRequest{
		ProviderID:   req.ProviderID,
		Modality:     req.Operation,
		Prompt:       stringField(req.Payload, "prompt"),
		SystemPrompt: stringField(req.Payload, "systemPrompt"),
		ArtworkURL:   stringField(req.Payload, "artworkUrl"),
		Model:        req.Options.Model,
		MaxTokens:    req.Options.MaxTokens,
		Options:      options,
	}

	resp, err := h.server.prox.Invoke(r.Context(), invokeReq)
	elapsed := time.Since(start)

	if err != nil {
		writeJSON(w, http.StatusOK, providerResponse{
			ProviderID: req.ProviderID,
			Success:    false,
			Error:      errorBody(err),
			Metadata:   providerResponseMeta{ProcessingTimeMs: elapsed.Milliseconds()},
		})
		return
	}

	writeJSON(w, http.StatusOK, engineResponseToContract(req.ProviderID, resp, elapsed))
}

func (h *handlers) handleTemplatePreviewOrExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}

	// /v1/templates/{id}/preview or /v1/templates/{id}/execute
	trimmed := strings.TrimPrefix(r.URL.Path, "/v1/templates/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown route"})
		return
	}
	templateID, action := parts[0], parts[1]

	var body struct {
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	switch action {
	case "preview":
		resp, err := h.server.executor.PreviewTemplate(r.Context(), templateID, body.Variables)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "execute":
		resp, err := h.server.executor.ExecuteTemplate(r.Context(), templateexec.ExecuteTemplateRequest{
			TemplateID: templateID,
			Variables:  body.Variables,
		})
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
	}
}

func engineResponseToContract(providerID string, resp *engine.Response, elapsed time.Duration) providerResponse {
	var tokens *int
	if resp.Usage != nil {
		t := resp.Usage.TotalTokens
		tokens = &t
	}
	return providerResponse{
		ProviderID:   resp.Provider,
		ProviderName: resp.Provider,
		Success:      true,
		Result:       resp.Content,
		Metadata: providerResponseMeta{
			ProcessingTimeMs:   elapsed.Milliseconds(),
			TokensUsed:         tokens,
			Cost:               resp.Cost,
			RateLimitRemaining: resp.Metadata.RateLimitRemaining,
			RateLimitResetTime: resp.Metadata.RateLimitResetAt,
			ResponseFormat:     resp.Metadata.ResponseFormat,
			IsBase64:           resp.Metadata.IsBase64,
			IsEarlyPlayback:    resp.Metadata.IsEarlyPlayback,
		},
	}
}

func errorBody(err error) *providerResponseErr {
	perr, ok := err.(*proxyerr.Error)
	if !ok {
		return &providerResponseErr{Code: "PROVIDER_INVOCATION_FAILED", Message: err.Error()}
	}
	return &providerResponseErr{
		Code:      string(perr.Code),
		Message:   perr.Message,
		Type:      string(perr.Code),
		Retryable: perr.Retryable,
	}
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, _ := payload[key].(string)
	return v
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
