// Package log provides structured event logging for data-flow pipelines.
//
// This package defines the Logger interface and Event types for capturing
// pipeline events at multiple layers (stage, engine, transport). It is
// separate from operational logging (slog) - event capture provides a
// complete machine-readable trace of a session for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	logger, _ := log.NewFileLogger("/var/log/flowkit/session.flog")
//
//	// Both: use MultiLogger
//	logger := log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Stage: dispatch state changes (StateChangeEvent)
//   - Engine: tunnel handshake progress (HandshakeEvent)
//   - Transport: byte counts moving to and from the wire (IOEvent)
//
// Errors at any layer use ErrorEventData.
//
// # File Format
//
// Log files use CBOR encoding with .flog extension. The flowevents CLI
// tool provides viewing and filtering.
package log
