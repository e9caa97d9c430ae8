// Command gateway is the AI Provider Proxy & Configuration Gateway's
// composition root. It wires the provider configuration repository,
// credential resolver, two-tier cache, template executor, HTTP provider
// engine, circuit-breaker-aware proxy, and music poll workflow together
// behind an admin HTTP surface (health, Prometheus metrics, a narrow
// invoke/preview endpoint for manual testing).
//
// Usage:
//
//	gateway serve                       # start the gateway
//	gateway serve --config config.yaml  # load a specific config file
//	gateway migrate                     # run schema auto-migration
//	gateway version                     # print version information
//	gateway health                      # probe a running gateway's /health
package main
