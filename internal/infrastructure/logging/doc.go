// Package logging provides structured logging for the Gray Logic Gateway.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Component and gateway_id tagging for subsystem loggers
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
//	mgr.SetLogger(logger.Component("broker"))
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log broker passwords, tokens, or the cluster encryption key.
// Log identities instead:
//
//	logger.Info("broker credentials loaded", "username", user)
package logging
