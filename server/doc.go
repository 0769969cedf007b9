// Package server provides the HTTP server for the pipeworks API daemon,
// using Gin with HTTP/2 cleartext (h2c) support so long-lived event and log
// streams multiplex cleanly alongside REST traffic.
//
// # Middleware
//
// Built-in middleware (server/middleware):
//
//   - Recovery: panic recovery with structured logging
//   - RequestID: X-Request-Id generation and propagation
//   - ForwardedIdentity: caller identity from proxy headers
//   - CORS: cross-origin resource sharing
//   - BodySizeLimit: request body size limits
//   - RateLimit: per-client sliding-window rate limiting
//   - RequestLogger: request/response logging with duration tracking
//
// # Endpoints
//
// Built-in endpoints (server/endpoint):
//
//   - /health: component health aggregation
//   - /health/live: Kubernetes liveness probe
//   - /health/ready: Kubernetes readiness probe
//   - /version: build version information
package server
