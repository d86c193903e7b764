package authority

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSessionCreated         AuditEvent = "session_created"
	AuditSessionCreateFailed    AuditEvent = "session_create_failed"
	AuditLoginRateLimited       AuditEvent = "login_rate_limited"
	AuditRoleActivated          AuditEvent = "role_activated"
	AuditRoleActivationFailed   AuditEvent = "role_activation_failed"
	AuditRoleDeactivated        AuditEvent = "role_deactivated"
	AuditRoleDeactivationFailed AuditEvent = "role_deactivation_failed"
	AuditAccessChecked          AuditEvent = "access_checked"
	AuditSessionDeleted         AuditEvent = "session_deleted"
	AuditSessionInvalid         AuditEvent = "session_invalid"
	AuditBadRequest             AuditEvent = "bad_request"
	AuditPolicyLoaded           AuditEvent = "policy_loaded"
)

type remoteAddrKey struct{}

// WithRemoteAddr annotates ctx with the caller's address for audit entries.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

func remoteAddr(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger, metrics *metricsCollector, now func() time.Time) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		metrics: metrics,
		now:     now,
	}
}

// log writes a structured audit entry. Session tokens are never logged; use
// the user ID to correlate.
func (al *auditLogger) log(ctx context.Context, event AuditEvent, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}
	if addr := remoteAddr(ctx); addr != "" {
		base = append(base, slog.String("remote_addr", addr))
	}
	base = append(base, attrs...)
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", base...)
	al.metrics.recordEvent(event)
}

// logUser is a convenience for events about a user.
func (al *auditLogger) logUser(ctx context.Context, event AuditEvent, userID string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("user_id", userID)}, extra...)
	al.log(ctx, event, attrs...)
}

// logFailure logs a rejected operation with its reason.
func (al *auditLogger) logFailure(ctx context.Context, event AuditEvent, userID, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("reason", reason)}
	if userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}
	attrs = append(attrs, extra...)
	al.log(ctx, event, attrs...)
}
