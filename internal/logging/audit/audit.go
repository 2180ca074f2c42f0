// Package audit provides structured audit logging for vault events.
// All audit events are logged with structured fields for easy filtering
// and analysis by an external audit consumer. Logging is fire-and-forget:
// it never blocks or fails the operation that emitted the event.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for security-relevant events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
// If logger is nil, a noop logger is returned that silently discards all
// log entries.
func NewLogger(logger *zerolog.Logger) *Logger {
	if logger == nil {
		nop := zerolog.Nop()
		return &Logger{logger: nop}
	}
	return &Logger{logger: *logger}
}

// LogFileOp logs a file or folder operation event.
// actor: the user performing the operation
// action: operation name (e.g. "upload", "rename", "move", "delete",
// "download", "folder_create", "folder_delete")
// target: id of the file or folder acted on
// result: "ok" or "denied"
// details: additional context (e.g. filename, error message)
func (l *Logger) LogFileOp(actor, action, target, result, details string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "file_operation").
		Str("actor", actor).
		Str("action", action).
		Str("target", target).
		Str("result", result).
		Time("at", time.Now().UTC())

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("File operation")
}

// LogShareChange logs a share-set replacement event.
// actor: the file owner performing the change
// target: id of the file whose grants changed
// granteeCount: size of the new grantee set
func (l *Logger) LogShareChange(actor, target string, granteeCount int) {
	l.logger.Info().
		Str("event_type", "share_change").
		Str("actor", actor).
		Str("target", target).
		Int("grantees", granteeCount).
		Time("at", time.Now().UTC()).
		Msg("Share change")
}

// LogQuotaEvent logs a quota enforcement event.
// actor: the user whose quota was checked
// result: "allowed" or "denied"
// requestedBytes: the logical size of the rejected or admitted upload
func (l *Logger) LogQuotaEvent(actor, result string, requestedBytes int64) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	l.logger.WithLevel(level).
		Str("event_type", "quota").
		Str("actor", actor).
		Str("result", result).
		Int64("requested_bytes", requestedBytes).
		Time("at", time.Now().UTC()).
		Msg("Quota event")
}
