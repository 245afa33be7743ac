// Package server provides an HTTP status server for a running crowdqc
// pipeline.
//
// # Endpoints
//
//   - GET /healthz - "ok", or 503 "stalled" after consecutive failed cycles
//   - GET /status - JSON summary of the last cycle and the persisted ledger
//   - GET /metrics - Prometheus exposition of pipeline collectors
//
// # Authentication
//
// When a password hash is configured, /status and /metrics require HTTP
// basic auth. Any username is accepted. /healthz stays open for health checks.
//
// # Rate limiting
//
// Every request passes a per-IP sliding window limiter. Clients that keep
// exceeding the limit are blocked with exponential backoff and receive 429
// with a Retry-After header.
package server
