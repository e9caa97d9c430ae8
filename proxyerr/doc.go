// Package proxyerr defines the error taxonomy shared by every component of
// the AI provider proxy (proxy, engine, credentials, templateexec, music)
// plus the secret-masking helpers used by every logging call site that might
// otherwise echo a provider payload.
package proxyerr
