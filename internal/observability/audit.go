package observability

import (
	"time"

	"go.uber.org/zap"
)

// AuditLogger writes structured audit records for every tool invocation.
// Audit entries are best-effort and never gate the response.
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger wraps the given logger with the audit namespace.
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.L()
	}
	return &AuditLogger{logger: logger.Named("audit")}
}

// Record logs one audit entry. principalName is "anonymous" for
// unauthenticated discovery calls.
func (a *AuditLogger) Record(operation, tenantID, principalID, principalName string, success bool, detail string) {
	a.logger.Info("audit",
		zap.String("operation", operation),
		zap.String("tenant_id", tenantID),
		zap.String("principal_id", principalID),
		zap.String("principal_name", principalName),
		zap.Bool("success", success),
		zap.String("detail", detail),
		zap.Time("at", time.Now().UTC()),
	)
}

// SecurityViolation logs a cross-tenant or cross-principal access attempt.
func (a *AuditLogger) SecurityViolation(operation, tenantID, principalID, detail string) {
	a.logger.Warn("audit",
		zap.String("operation", operation),
		zap.String("tenant_id", tenantID),
		zap.String("principal_id", principalID),
		zap.Bool("success", false),
		zap.String("tag", "security_violation"),
		zap.String("detail", detail),
		zap.Time("at", time.Now().UTC()),
	)
}
