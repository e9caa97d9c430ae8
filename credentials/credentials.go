// Package credentials resolves authentication material for a provider
// invocation by composing environment variables with a provider's optional
// auth configuration. It never returns a raw secret value on any logging
// path; every header name it sets is Debug-logged, never the value.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

// AuthConfig is the auth section of a provider configuration's
// configuration payload (spec: configuration.auth).
type AuthConfig struct {
	HeaderName      string   `json:"headerName" yaml:"headerName"`
	Scheme          string   `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	EnvVarName      string   `json:"envVarName,omitempty" yaml:"envVarName,omitempty"`
	RequiredSecrets []string `json:"requiredSecrets,omitempty" yaml:"requiredSecrets,omitempty"`
}

// Resolved is the outcome of resolving credentials for one provider.
type Resolved struct {
	Headers            map[string]string
	Query              map[string]string
	IsValid            bool
	MissingCredentials []string
}

// secretHeaderTable maps a bare secret name to a canonical header name when
// no provider-specific mapping applies.
var secretHeaderTable = map[string]string{
	"ORGANIZATION_ID":  "OpenAI-Organization",
	"PROJECT_ID":       "OpenAI-Project",
	"WORKSPACE_ID":     "X-Workspace-ID",
	"ANTHROPIC_VERSION": "anthropic-version",
}

type cacheEntry struct {
	resolved  Resolved
	expiresAt time.Time
}

// Resolver composes credentials from environment variables and per-provider
// auth configuration, caching each resolution for 30 seconds keyed on the
// provider id plus the serialized auth config.
type Resolver struct {
	mu         sync.Mutex
	cache      map[string]cacheEntry
	ttl        time.Duration
	debugAuth  bool
	logger     *zap.Logger
}

// NewResolver creates a credentials resolver. DEBUG_PROVIDER_AUTH=true turns
// on Debug-level logging of which header names were set (never values).
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cache:     make(map[string]cacheEntry),
		ttl:       30 * time.Second,
		debugAuth: strings.EqualFold(os.Getenv("DEBUG_PROVIDER_AUTH"), "true"),
		logger:    logger.With(zap.String("component", "credentials")),
	}
}

// Resolve implements resolveCredentials(providerId, authConfig?) from the
// spec: it composes headers/query parameters or reports which environment
// variables are missing.
func (r *Resolver) Resolve(ctx context.Context, providerID string, auth *AuthConfig) (Resolved, error) {
	key := cacheKey(providerID, auth)

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.resolved, nil
	}
	r.mu.Unlock()

	resolved := r.resolve(providerID, auth)

	r.mu.Lock()
	r.cache[key] = cacheEntry{resolved: resolved, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	if r.debugAuth {
		names := make([]string, 0, len(resolved.Headers))
		for name := range resolved.Headers {
			names = append(names, name)
		}
		r.logger.Debug("resolved credential headers",
			zap.String("provider_id", providerID),
			zap.Strings("header_names", names),
			zap.Bool("is_valid", resolved.IsValid),
		)
	}

	return resolved, nil
}

func (r *Resolver) resolve(providerID string, auth *AuthConfig) Resolved {
	headers := make(map[string]string)
	query := make(map[string]string)

	envVarName := fmt.Sprintf("%s_API_KEY", strings.ToUpper(providerID))
	headerName := "Authorization"
	var scheme string
	var requiredSecrets []string

	if auth != nil {
		if auth.EnvVarName != "" {
			envVarName = auth.EnvVarName
		}
		if auth.HeaderName != "" {
			headerName = auth.HeaderName
		}
		scheme = auth.Scheme
		requiredSecrets = auth.RequiredSecrets
	}

	key := os.Getenv(envVarName)
	if key == "" {
		return Resolved{IsValid: false, MissingCredentials: []string{envVarName}}
	}

	value := key
	if scheme != "" {
		value = scheme + " " + key
	}
	headers[headerName] = value

	for _, secretName := range requiredSecrets {
		if secretName == envVarNameSuffix(envVarName, providerID) {
			continue
		}
		secretEnv := secretName
		secretValue := os.Getenv(secretEnv)
		if secretValue == "" {
			return Resolved{IsValid: false, MissingCredentials: []string{secretEnv}}
		}
		headers[mapSecretHeaderName(providerID, secretName)] = secretValue
	}

	return Resolved{Headers: headers, Query: query, IsValid: true}
}

// envVarNameSuffix extracts the bare secret suffix from an env var name so
// the primary credential is never double-resolved as a "required secret".
func envVarNameSuffix(envVarName, providerID string) string {
	prefix := strings.ToUpper(providerID) + "_"
	return strings.TrimPrefix(envVarName, prefix)
}

// mapSecretHeaderName resolves a required-secret name to its header name:
// first via the fixed table, then via "<providerId>_<name>" in the same
// table, finally falling back to "X-<Title-Cased-Words>".
func mapSecretHeaderName(providerID, secretName string) string {
	if header, ok := secretHeaderTable[secretName]; ok {
		return header
	}
	composite := strings.ToUpper(providerID) + "_" + secretName
	if header, ok := secretHeaderTable[composite]; ok {
		return header
	}
	return "X-" + titleCaseWords(secretName)
}

func titleCaseWords(name string) string {
	parts := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == '-'
	})
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

func cacheKey(providerID string, auth *AuthConfig) string {
	if auth == nil {
		return providerID + "|"
	}
	data, _ := json.Marshal(auth)
	return providerID + "|" + string(data)
}

// Validate is validateCredentials from the spec: the same resolution,
// reduced to a boolean plus the missing-credentials list.
func (r *Resolver) Validate(ctx context.Context, providerID string, auth *AuthConfig) (bool, []string, error) {
	resolved, err := r.Resolve(ctx, providerID, auth)
	if err != nil {
		return false, nil, err
	}
	return resolved.IsValid, resolved.MissingCredentials, nil
}

// RequireValid resolves credentials and converts a missing/invalid result
// into a proxyerr.Error with CodeAPIKeyMissing, matching the "fail-fast
// before HTTP" requirement.
func (r *Resolver) RequireValid(ctx context.Context, providerID string, auth *AuthConfig) (Resolved, error) {
	resolved, err := r.Resolve(ctx, providerID, auth)
	if err != nil {
		return Resolved{}, err
	}
	if !resolved.IsValid {
		return Resolved{}, &proxyerr.Error{
			Code: proxyerr.CodeAPIKeyMissing,
			Message: fmt.Sprintf("missing credentials: %s", strings.Join(resolved.MissingCredentials, ", ")),
			// A caller/config fault, not a provider-health signal: carries an
			// HTTPStatus so the circuit breaker excludes it the same way it
			// excludes a real 401 from the provider itself.
			HTTPStatus: http.StatusUnauthorized,
			Provider:   providerID,
		}
	}
	return resolved, nil
}

// GetMasked returns {envVarName: "xxxx...yyyy"} for display purposes: values
// eight characters or shorter are masked as "***"; unset values are
// "[NOT SET]".
func (r *Resolver) GetMasked(providerID string, auth *AuthConfig) map[string]string {
	envVarName := fmt.Sprintf("%s_API_KEY", strings.ToUpper(providerID))
	if auth != nil && auth.EnvVarName != "" {
		envVarName = auth.EnvVarName
	}

	out := map[string]string{envVarName: maskedDisplay(os.Getenv(envVarName))}
	if auth != nil {
		for _, secretName := range auth.RequiredSecrets {
			out[secretName] = maskedDisplay(os.Getenv(secretName))
		}
	}
	return out
}

// GetMaskedJSON renders the same masked view as GetMasked into a JSON blob
// for the admin config surface's credential debug dump, built one path
// write at a time with sjson rather than marshaling a map (preserves the
// insertion order callers expect: the primary API key first, then required
// secrets in the order the provider config declares them).
func (r *Resolver) GetMaskedJSON(providerID string, auth *AuthConfig) (string, error) {
	masked := r.GetMasked(providerID, auth)

	envVarName := fmt.Sprintf("%s_API_KEY", strings.ToUpper(providerID))
	if auth != nil && auth.EnvVarName != "" {
		envVarName = auth.EnvVarName
	}

	doc := "{}"
	var err error
	doc, err = sjson.Set(doc, sjsonKey(envVarName), masked[envVarName])
	if err != nil {
		return "", err
	}
	if auth != nil {
		for _, secretName := range auth.RequiredSecrets {
			doc, err = sjson.Set(doc, sjsonKey(secretName), masked[secretName])
			if err != nil {
				return "", err
			}
		}
	}
	return doc, nil
}

// sjsonKey escapes a raw env var name so it is safe as an sjson path
// segment even if it contains characters sjson treats as path separators.
func sjsonKey(name string) string {
	return strings.NewReplacer(".", "\\.", "*", "\\*", "?", "\\?").Replace(name)
}

func maskedDisplay(value string) string {
	if value == "" {
		return "[NOT SET]"
	}
	if len(value) <= 8 {
		return "***"
	}
	return value[:4] + "..." + value[len(value)-4:]
}
