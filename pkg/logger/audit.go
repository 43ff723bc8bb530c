package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditLogger emits the structured lockout audit trail. Transport and
// formatting stay with the underlying slog handler; the engine only
// produces typed events.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogFailureRecorded logs a recorded authentication failure. unlockTime
// is the zero time while the account is still inside its free tries.
func (al *AuditLogger) LogFailureRecorded(username string, failureCount int, unlockTime time.Time) {
	attrs := []slog.Attr{
		slog.String("audit_type", "lockout"),
		slog.String("event_type", "failure_recorded"),
		slog.String("user", SanitizedUsername(username)),
		slog.Int("failure_count", failureCount),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	level := slog.LevelInfo
	if !unlockTime.IsZero() {
		attrs = append(attrs, slog.String("unlock_time", unlockTime.UTC().Format(time.RFC3339)))
		level = slog.LevelWarn
	}

	al.logger.LogAttrs(context.Background(), level, "audit", attrs...)
}

// LogLockoutBounce logs an attempt rejected while the account is still
// locked.
func (al *AuditLogger) LogLockoutBounce(username string, failureCount int, unlockTime time.Time) {
	attrs := []slog.Attr{
		slog.String("audit_type", "lockout"),
		slog.String("event_type", "lockout_bounce"),
		slog.String("user", SanitizedUsername(username)),
		slog.Int("failure_count", failureCount),
		slog.String("unlock_time", unlockTime.UTC().Format(time.RFC3339)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	al.logger.LogAttrs(context.Background(), slog.LevelWarn, "audit", attrs...)
}

// LogTallyCleared logs a tally reset. source distinguishes a successful
// authentication from an administrative reset; the effect is identical.
func (al *AuditLogger) LogTallyCleared(username string, priorFailures int, source string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "lockout"),
		slog.String("event_type", "tally_cleared"),
		slog.String("user", SanitizedUsername(username)),
		slog.Int("prior_failures", priorFailures),
		slog.String("source", source),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
}
