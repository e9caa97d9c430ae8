// Copyright 2026 AI Provider Proxy Authors.
// Use of this source code is governed by an MIT-style license.

/*
Package server provides HTTP/HTTPS server lifecycle management: non-blocking
startup, graceful shutdown, and OS signal handling.

# Overview

Manager wraps net/http.Server, unifying listen, serve, shutdown, and error
propagation into one type. It supports plain HTTP and TLS startup, with
built-in SIGINT/SIGTERM handling for production-grade graceful stop. The
gateway's composition root uses it for its admin surface (health check,
Prometheus scrape, and a narrow invoke/test endpoint) — the full API
gateway presentation layer is an external collaborator and out of scope
for this package.

# Core types

  - Manager: the HTTP server manager. Holds an http.Server, a net.Listener,
    and an asynchronous error channel; exposes Start/StartTLS/Shutdown/
    WaitForShutdown.
  - Config: server configuration — listen address, read/write timeouts,
    idle timeout, max header size, and graceful shutdown timeout.

# Capabilities

  - Non-blocking startup: Start/StartTLS serve in a background goroutine;
    the caller's thread never blocks.
  - Graceful shutdown: Shutdown drains in-flight requests within the
    configured timeout.
  - Signal handling: WaitForShutdown listens for SIGINT/SIGTERM and
    triggers graceful shutdown automatically.
  - Error propagation: Errors() returns the async error channel so a
    caller can monitor serve failures.
  - TLS support: StartTLS takes a certificate/key pair.
  - Status queries: IsRunning/Addr report the current listen state.
*/
package server
