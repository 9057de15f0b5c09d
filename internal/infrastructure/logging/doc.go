// Package logging provides structured logging for mqttsession.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the daemon and its sessions.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	fleetLog := logger.Component("fleet")
//	fleetLog.Info("session connected", "session", "plant")
//
// # Security
//
// Never log broker passwords, JWTs or S3 keys. Message payloads are logged
// by size only.
package logging
