// Package api implements the HTTP REST API and WebSocket server for the
// MQTT session daemon.
//
// This package provides:
//   - REST endpoints for session status, journaled events and publishing
//   - A WebSocket hub that streams live session events
//   - HS256 bearer-token authentication with viewer and operator roles
//   - Middleware stack (request ID, tracing, logging, recovery, CORS)
//   - Prometheus metrics and a health endpoint with host statistics
//
// # Security
//
// Tokens are minted with `mqttsession token`. With security.jwt.secret
// unset every request is treated as an operator; the server logs a
// warning at construction in that mode.
//
// # Graceful Degradation
//
// The server starts even when brokers are unreachable. Status and events
// endpoints keep working; publishing through a disconnected session
// returns 409 Conflict.
package api
