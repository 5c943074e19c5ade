// Package api documents the handoffd HTTP API.
//
// # API Overview
//
// handoffd exposes three groups of endpoints:
//   - Runs: automation runs report attempts and receive retry, escalate or abort decisions
//   - Handoffs: operators list pending handoff requests and respond to them
//   - Sessions: operators take remote control of an escalated browser over a WebSocket
//
// Health endpoints (/health, /healthz, /ready, /version) are always public.
// Prometheus metrics are served on the separate metrics port.
//
// # Authentication
//
// When auth.enabled is set, /api/v1 endpoints require an HS256 operator token:
//
//	Authorization: Bearer <token>
//
// Browsers cannot set headers on a WebSocket handshake, so the session channel also
// accepts the token as a query parameter:
//
//	GET /api/v1/sessions/{id}/ws?token=<token>
//
// Tokens are minted with `handoffd token --operator <id>`.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Generating Documentation
//
// Handlers carry swag annotations:
//
//	swag init -g cmd/handoffd/main.go -o api --parseDependency --parseInternal
package api
