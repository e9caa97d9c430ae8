// Package engine turns a (provider configuration, logical request, resolved
// credentials) tuple into a concrete HTTP call and back into normalized
// content. It has no knowledge of provider selection, retries across
// providers, or business semantics above the wire protocol.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/vortexgw/ai-provider-proxy/internal/tlsutil"
	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

// ResponseMapping describes where to find the normalized content (and,
// for non-text modalities, artwork/audio URLs) in a provider's response.
type ResponseMapping struct {
	ContentPath    string
	ArtworkURLPath string
	AudioURLPath   string
	Format         string
}

// Request is everything the Engine needs to build and execute one HTTP
// call. Credentials never appear in Options; they are applied separately
// as the final header/query overlay.
type Request struct {
	ProviderID      string
	Endpoint        string
	Method          string
	Headers         map[string]string
	RequestTemplate any
	ResponseMapping ResponseMapping
	Timeout         time.Duration

	Prompt       string
	Modality     string
	SystemPrompt string
	Options      map[string]any

	ArtworkURL  string
	Model       string
	MaxTokens   int
	ResponseFmt any

	Cost            float64
	SuppressLogging bool

	CredentialHeaders map[string]string
	CredentialQuery   map[string]string
}

// Usage is the token accounting extracted from a successful response, when
// the provider reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Metadata carries the raw response status alongside the normalized
// content.
type Metadata struct {
	Status             int
	Headers            map[string]string
	ResponseFormat     string
	IsBase64           bool
	RateLimitRemaining *int64
	RateLimitResetAt   *time.Time
	IsEarlyPlayback    bool
}

// Response is the normalized outcome of one provider invocation.
type Response struct {
	Content        string
	Provider       string
	Cost           float64
	ResponseTimeMs int64
	Metadata       Metadata
	Usage          *Usage
}

// AnalyticsEvent is emitted (non-blocking) after every invocation attempt,
// successful or not.
type AnalyticsEvent struct {
	ProviderID string
	Operation  string
	Success    bool
	DurationMs int64
	TokensUsed int
	Cost       float64
	Error      string
}

// AnalyticsSink receives AnalyticsEvents. A nil sink is a valid no-op.
type AnalyticsSink interface {
	Publish(event AnalyticsEvent)
}

type noopSink struct{}

func (noopSink) Publish(AnalyticsEvent) {}

// perProviderTimeouts is the default table used when no template timeout
// and no environment override apply.
var perProviderTimeouts = map[string]time.Duration{
	"openai":      60 * time.Second,
	"anthropic":   60 * time.Second,
	"elevenlabs":  90 * time.Second,
	"musicapi":    120 * time.Second,
	"stability-ai": 60 * time.Second,
}

const defaultGlobalTimeout = 90 * time.Second

// Engine executes provider HTTP calls.
type Engine struct {
	client           *http.Client
	logger           *zap.Logger
	analytics        AnalyticsSink
	providerTimeouts map[string]time.Duration
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithAnalyticsSink overrides the default no-op analytics sink.
func WithAnalyticsSink(sink AnalyticsSink) Option {
	return func(e *Engine) {
		e.analytics = sink
	}
}

// WithProviderTimeouts overlays operator-configured per-provider timeouts
// on top of the built-in default table, consulted after the template's own
// timeout and the <PROVIDER>_TIMEOUT_MS env override and before the
// built-in defaults.
func WithProviderTimeouts(timeouts map[string]time.Duration) Option {
	return func(e *Engine) {
		e.providerTimeouts = timeouts
	}
}

// New builds an Engine. httpTimeout bounds the underlying transport's
// dial/TLS handshake behavior via tlsutil; the actual per-request timeout
// is computed per invocation.
func New(logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		client:    tlsutil.SecureHTTPClient(defaultGlobalTimeout),
		logger:    logger.With(zap.String("component", "engine")),
		analytics: noopSink{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke builds and executes one HTTP call, returning normalized content.
func (e *Engine) Invoke(ctx context.Context, req *Request, operation string) (*Response, error) {
	start := time.Now()
	resp, err := e.invoke(ctx, req)
	duration := time.Since(start)

	event := AnalyticsEvent{
		ProviderID: req.ProviderID,
		Operation:  operation,
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		event.Success = false
		event.Error = err.Error()
	} else {
		event.Success = true
		event.Cost = resp.Cost
		if resp.Usage != nil {
			event.TokensUsed = resp.Usage.TotalTokens
		}
	}
	e.analytics.Publish(event)

	return resp, err
}

func (e *Engine) invoke(ctx context.Context, req *Request) (*Response, error) {
	method, endpoint, headers, bodyBytes, err := e.RenderRequest(req)
	if err != nil {
		return nil, err
	}

	timeout := e.resolveTimeout(req)

	httpResp, respBody, err := e.executeWithRetry(ctx, method, endpoint, headers, bodyBytes, timeout, req)
	if err != nil {
		return nil, err
	}

	return e.buildResponse(req, httpResp, respBody)
}

// RenderRequest performs step 4.2's request-construction phase (endpoint,
// headers, body) without executing the HTTP call. The music poll workflow
// uses this to get a submit request it then drives through its own
// submit-then-poll lifecycle instead of the Engine's single-call Invoke.
func (e *Engine) RenderRequest(req *Request) (method, endpoint string, headers map[string]string, body []byte, err error) {
	method = req.Method
	if method == "" {
		method = http.MethodPost
	}

	substitutionCtx := buildSubstitutionContext(req)

	endpoint = substituteDollar(req.Endpoint, substitutionCtx)
	endpoint = applyQueryAuth(endpoint, req.CredentialQuery)

	headers = make(map[string]string, len(req.Headers)+1)
	headers["Content-Type"] = "application/json"
	for k, v := range req.Headers {
		headers[k] = substituteDollar(v, substitutionCtx)
	}
	for k, v := range req.CredentialHeaders {
		headers[k] = v
	}

	if method != http.MethodGet {
		var rendered any
		if req.ArtworkURL != "" {
			rendered = buildVisionBody(req)
		} else {
			rendered = renderTemplate(req.RequestTemplate, substitutionCtx)
		}
		encoded, marshalErr := json.Marshal(rendered)
		if marshalErr != nil {
			return "", "", nil, nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: "failed to encode request body", Provider: req.ProviderID}
		}
		body = encoded
	}

	return method, endpoint, headers, body, nil
}

func buildSubstitutionContext(req *Request) map[string]any {
	ctx := map[string]any{
		"prompt":   req.Prompt,
		"modality": req.Modality,
	}
	for k, v := range req.Options {
		ctx[k] = v
	}
	return ctx
}

func applyQueryAuth(endpoint string, query map[string]string) string {
	if len(query) == 0 {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(endpoint)
	for k, v := range query {
		b.WriteString(sep)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		sep = "&"
	}
	return b.String()
}

func buildVisionBody(req *Request) map[string]any {
	detail := "low"
	if d, ok := req.Options["imageDetail"]; ok {
		if s, ok := d.(string); ok && s != "" {
			detail = s
		}
	}

	content := []any{
		map[string]any{"type": "text", "text": req.Prompt},
		map[string]any{"type": "image_url", "image_url": map[string]any{"url": req.ArtworkURL, "detail": detail}},
	}

	messages := []any{}
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]any{"role": "user", "content": content})

	body := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": req.MaxTokens,
	}
	if req.ResponseFmt != nil {
		body["response_format"] = req.ResponseFmt
	}
	return body
}

// renderTemplate recursively substitutes every string leaf of an
// arbitrarily-nested map/slice structure, leaving arrays and objects
// structurally intact.
func renderTemplate(node any, substitutionCtx map[string]any) any {
	switch v := node.(type) {
	case string:
		return substituteDollar(v, substitutionCtx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = renderTemplate(val, substitutionCtx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = renderTemplate(val, substitutionCtx)
		}
		return out
	default:
		return v
	}
}

func (e *Engine) resolveTimeout(req *Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}

	envName := strings.ToUpper(strings.ReplaceAll(req.ProviderID, "-", "_")) + "_TIMEOUT_MS"
	if v := os.Getenv(envName); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}

	if d, ok := e.providerTimeouts[req.ProviderID]; ok {
		return d
	}

	if d, ok := perProviderTimeouts[req.ProviderID]; ok {
		return d
	}

	if v := os.Getenv("AI_REQUEST_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	return defaultGlobalTimeout
}

const (
	maxRetries        = 2
	retryBaseDelay    = time.Second
)

func isRetryableStatus(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

func (e *Engine) executeWithRetry(ctx context.Context, method, endpoint string, headers map[string]string, body []byte, timeout time.Duration, req *Request) (*http.Response, []byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-ctx.Done():
				return nil, nil, &proxyerr.Error{Code: proxyerr.CodeTimeout, Message: "context canceled during retry backoff", Provider: req.ProviderID}
			case <-time.After(delay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		httpResp, respBody, err := e.executeOnce(callCtx, method, endpoint, headers, body, req)
		cancel()

		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, nil, err
			}
			continue
		}

		if isRetryableStatus(httpResp.StatusCode) && attempt < maxRetries {
			lastErr = e.errorForStatus(httpResp.StatusCode, string(respBody), req)
			continue
		}

		return httpResp, respBody, nil
	}

	return nil, nil, lastErr
}

func (e *Engine) executeOnce(ctx context.Context, method, endpoint string, headers map[string]string, body []byte, req *Request) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: "failed to build request", Provider: req.ProviderID}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, &proxyerr.Error{Code: proxyerr.CodeTimeout, Message: "provider request timed out", Provider: req.ProviderID, Retryable: true}
		}
		return nil, nil, &proxyerr.Error{Code: proxyerr.CodeNetworkError, Message: err.Error(), Provider: req.ProviderID, Retryable: true}
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(httpResp.Body)

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		if !(req.SuppressLogging && isSuppressibleStatus(httpResp.StatusCode)) {
			e.logger.Warn("provider returned non-2xx",
				zap.String("provider", req.ProviderID),
				zap.Int("status", httpResp.StatusCode),
			)
		}
		if !isRetryableStatus(httpResp.StatusCode) {
			return nil, nil, e.errorForStatus(httpResp.StatusCode, string(respBody), req)
		}
	}

	return httpResp, respBody, nil
}

func isSuppressibleStatus(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusTooManyRequests
}

func (e *Engine) errorForStatus(status int, body string, req *Request) error {
	statusText := http.StatusText(status)
	message := fmt.Sprintf("HTTP %d: %s - %s", status, statusText, proxyerr.SanitizeText(body))
	return proxyerr.MapHTTPError(status, message, req.ProviderID)
}

var wellKnownContentPaths = []string{
	"choices.0.message.content",
	"content",
	"text",
	"output",
	"data.0.url",
}

func (e *Engine) buildResponse(req *Request, httpResp *http.Response, body []byte) (*Response, error) {
	raw := string(body)

	content := extractPath(raw, req.ResponseMapping.ContentPath)
	if strings.TrimSpace(content) == "" && req.ResponseMapping.ArtworkURLPath != "" {
		content = extractPath(raw, req.ResponseMapping.ArtworkURLPath)
	}
	if strings.TrimSpace(content) == "" && req.ResponseMapping.AudioURLPath != "" {
		content = extractPath(raw, req.ResponseMapping.AudioURLPath)
	}
	if strings.TrimSpace(content) == "" {
		for _, path := range wellKnownContentPaths {
			content = extractPath(raw, path)
			if strings.TrimSpace(content) != "" {
				break
			}
		}
	}
	if strings.TrimSpace(content) == "" {
		content = raw
	}

	if strings.TrimSpace(content) == "" && !looksStructured(content) {
		return nil, &proxyerr.Error{
			Code:     proxyerr.CodeProviderInvocationFailed,
			Message:  "provider returned empty content",
			Provider: req.ProviderID,
		}
	}

	format := req.ResponseMapping.Format
	if format == "" {
		format = "text"
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[strings.ToLower(k)] = httpResp.Header.Get(k)
	}

	resp := &Response{
		Content:        content,
		Provider:       req.ProviderID,
		Cost:           req.Cost,
		ResponseTimeMs: 0,
		Metadata: Metadata{
			Status:         httpResp.StatusCode,
			Headers:        headers,
			ResponseFormat: format,
			IsBase64:       format == "base64",
		},
		Usage: extractUsage(raw),
	}
	return resp, nil
}

func looksStructured(content string) bool {
	trimmed := strings.TrimSpace(content)
	return trimmed == "{}" || trimmed == "[]" || strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// extractPath resolves a dotted path with bracketed array indices, e.g.
// "choices[0].message.content", against a JSON document.
func extractPath(raw, path string) string {
	if path == "" {
		return ""
	}
	converted := convertBracketPath(path)
	result := gjson.Get(raw, converted)
	if !result.Exists() {
		return ""
	}
	return result.String()
}

func convertBracketPath(path string) string {
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '[':
			b.WriteByte('.')
		case ']':
			// skip
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func extractUsage(raw string) *Usage {
	if promptTokens := gjson.Get(raw, "usage.prompt_tokens"); promptTokens.Exists() {
		return &Usage{
			PromptTokens:     int(promptTokens.Int()),
			CompletionTokens: int(gjson.Get(raw, "usage.completion_tokens").Int()),
			TotalTokens:      int(gjson.Get(raw, "usage.total_tokens").Int()),
		}
	}
	if inputTokens := gjson.Get(raw, "usage.input_tokens"); inputTokens.Exists() {
		out := int(gjson.Get(raw, "usage.output_tokens").Int())
		in := int(inputTokens.Int())
		return &Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		}
	}
	return nil
}
