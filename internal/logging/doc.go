// Package logging provides structured logging for sessionctl operations.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation support for debugging and post-hoc analysis. Session
// operations run as root and mutate persistent storage, so the log stream
// is the primary record of what a given invocation actually did.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Context propagation (session ID, operation, storage mode)
//   - Log rotation with configurable size limits
//   - Optional zstd compression for rotated logs
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. The [Logger] type
// uses Go's slog internally which is designed for concurrent access. The
// [RotatingWriter] type uses a mutex to protect file operations during
// rotation. Child loggers created via With* methods share the underlying
// writer safely.
//
// # Basic Usage
//
// Create a logger writing to a file (empty path logs to stderr):
//
//	logger, err := logging.NewLogger("/var/log/sessionctl.log", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	// Log messages at various levels
//	logger.Debug("detailed info", "key", "value")
//	logger.Info("operation completed", "duration_ms", 150)
//	logger.Warn("potential issue", "threshold", 100)
//	logger.Error("operation failed", "error", err.Error())
//
// # Context Propagation
//
// Create child loggers with persistent context attributes:
//
//	// Add operation context
//	opLogger := logger.WithOperation("resize")
//
//	// Add session context
//	sessionLogger := opLogger.WithSession("3")
//
//	// Add storage mode context
//	modeLogger := sessionLogger.WithMode("dynfilefs")
//
//	// All logs from modeLogger will include operation, session_id, and mode
//	modeLogger.Info("container grown", "new_size_mb", 2500)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"container grown","operation":"resize","session_id":"3","mode":"dynfilefs","new_size_mb":2500}
//
// # Log Rotation
//
// When file logging is enabled, use rotation to prevent unbounded growth:
//
//	config := logging.RotationConfig{
//	    MaxSizeMB:  10,    // Rotate when file exceeds 10MB
//	    MaxBackups: 3,     // Keep 3 backup files
//	    Compress:   true,  // zstd compress rotated files
//	}
//
//	logger, err := logging.NewLoggerWithRotation("/var/log/sessionctl.log", "INFO", config)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
// Rotated files are named: sessionctl.log.1, sessionctl.log.2, etc., where
// .1 is the most recent backup. When compression is enabled, rotated files
// become sessionctl.log.1.zst, etc.
//
// # Log History
//
// [AggregateLogs] reads a log file together with its rotated backups
// (compressed or not) and returns the combined entries sorted by timestamp.
// [FilterLogs] narrows the result by level, time range, session, operation,
// mode, or message text, and [ExportLogEntries] writes entries out as JSON,
// text, or CSV:
//
//	entries, err := logging.AggregateLogs("/var/log/sessionctl.log")
//	if err != nil {
//	    return err
//	}
//	failed := logging.FilterLogs(entries, logging.LogFilter{Level: "ERROR"})
//	return logging.ExportLogEntries(failed, "errors.csv", "csv")
//
// # Testing
//
// For testing, use [NopLogger] to discard all log output:
//
//	func TestSomething(t *testing.T) {
//	    logger := logging.NopLogger()
//	    // Use logger in tests without creating files
//	}
//
// # Log Levels
//
// The package defines four log levels:
//
//   - [LevelDebug]: Detailed information for debugging
//   - [LevelInfo]: General operational information (default)
//   - [LevelWarn]: Warning conditions that may need attention
//   - [LevelError]: Error conditions that affect functionality
//
// Use [ValidLevels] to get the list of valid level strings, and [ParseLevel]
// to normalize user-provided level strings.
//
// # Configuration
//
// The logging system is typically configured via the sessionctl config file:
//
//	logging:
//	  level: info
//	  file: ""
//	  max_size_mb: 10
//	  max_backups: 3
//	  compress: false
//
// An empty file path sends logs to stderr, which is the default for
// interactive use.
package logging
