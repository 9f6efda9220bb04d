package workflow

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// SlackNotifier posts approval requests and activity summaries to the
// tenant's incoming webhook. All posts are best-effort.
type SlackNotifier struct {
	enabled bool
	logger  *zap.Logger
}

// NewSlackNotifier builds a notifier. When disabled, every call is a no-op.
func NewSlackNotifier(enabled bool, logger *zap.Logger) *SlackNotifier {
	if logger == nil {
		logger = zap.L()
	}
	return &SlackNotifier{enabled: enabled, logger: logger.Named("slack")}
}

// NotifyApprovalNeeded pings the tenant channel about a step waiting for a
// human decision.
func (s *SlackNotifier) NotifyApprovalNeeded(ctx context.Context, tenant *models.Tenant, step *models.WorkflowStep, summary string) {
	if s == nil || !s.enabled || tenant.SlackWebhookURL == "" {
		return
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":hourglass: Approval needed (%s)\n%s\nTask: %s", step.StepType, summary, step.StepID),
	}
	if err := slack.PostWebhookContext(ctx, tenant.SlackWebhookURL, msg); err != nil {
		s.logger.Warn("slack notify failed",
			zap.Error(err),
			zap.String("tenant_id", tenant.TenantID),
			zap.String("step_id", step.StepID))
	}
}

// NotifyActivity posts a one-line activity event, e.g. a media buy created or
// a creative synced.
func (s *SlackNotifier) NotifyActivity(ctx context.Context, tenant *models.Tenant, text string) {
	if s == nil || !s.enabled || tenant.SlackWebhookURL == "" {
		return
	}
	if err := slack.PostWebhookContext(ctx, tenant.SlackWebhookURL, &slack.WebhookMessage{Text: text}); err != nil {
		s.logger.Warn("slack notify failed",
			zap.Error(err),
			zap.String("tenant_id", tenant.TenantID))
	}
}
