// Package workflow owns the durable step state machine: contexts, steps,
// object mappings, push notification configs, and the notifications fired
// when a step reaches a terminal state.
package workflow

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/db"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
)

// Store is the persistence surface the engine needs.
type Store interface {
	CreateContext(ctx context.Context, tenantID, principalID string) (*models.Context, error)
	GetContext(ctx context.Context, contextID string) (*models.Context, error)
	TouchContext(ctx context.Context, contextID string) error
	InsertStep(ctx context.Context, s *models.WorkflowStep) error
	GetStep(ctx context.Context, stepID string) (*models.WorkflowStep, error)
	ListSteps(ctx context.Context, tenantID, contextID, status, stepType string, limit int) ([]models.WorkflowStep, error)
	TransitionStep(ctx context.Context, stepID, toStatus, errorMessage string, responseData json.RawMessage) error
	AppendStepComment(ctx context.Context, stepID string, c models.StepComment) error
	InsertMapping(ctx context.Context, m *models.ObjectWorkflowMapping) error
	ListMappingsForStep(ctx context.Context, stepID string) ([]models.ObjectWorkflowMapping, error)
	UpsertPushConfig(ctx context.Context, c *models.PushNotificationConfig) error
	ListPushConfigs(ctx context.Context, tenantID, principalID string) ([]models.PushNotificationConfig, error)
}

// CompletionHook runs after a requires_approval step of its type is resolved
// by a publisher. The hook runs outside the transition; failures mark the
// step's object, never the step itself.
type CompletionHook func(ctx context.Context, step *models.WorkflowStep, outcome string) error

// Engine coordinates step lifecycle, pub/sub fan-out and webhook delivery.
type Engine struct {
	store    Store
	redis    *db.RedisStore
	webhooks *WebhookSender
	slack    *SlackNotifier
	logger   *zap.Logger

	mu    sync.RWMutex
	hooks map[string]CompletionHook
}

// NewEngine builds an Engine. redis, webhooks and slack may be nil; the
// engine degrades to persistence-only.
func NewEngine(store Store, redis *db.RedisStore, webhooks *WebhookSender, slack *SlackNotifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.L()
	}
	return &Engine{
		store:    store,
		redis:    redis,
		webhooks: webhooks,
		slack:    slack,
		logger:   logger.Named("workflow"),
		hooks:    map[string]CompletionHook{},
	}
}

// RegisterCompletionHook installs the hook run when an approval of the given
// step type is resolved.
func (e *Engine) RegisterCompletionHook(stepType string, hook CompletionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[stepType] = hook
}

// EnsureContext attaches to the caller-supplied context id after verifying
// ownership, or opens a fresh context when none was supplied.
func (e *Engine) EnsureContext(ctx context.Context, id *auth.Identity, contextID string) (*models.Context, error) {
	if contextID != "" {
		c, err := e.store.GetContext(ctx, contextID)
		if err != nil {
			return nil, err
		}
		if c.TenantID != id.Tenant.TenantID || c.PrincipalID != id.PrincipalID {
			return nil, models.ErrPermission
		}
		if err := e.store.TouchContext(ctx, contextID); err != nil {
			e.logger.Warn("touch context", zap.Error(err), zap.String("context_id", contextID))
		}
		return c, nil
	}
	return e.store.CreateContext(ctx, id.Tenant.TenantID, id.PrincipalID)
}

// OpenStep inserts a new in_progress step into the context.
func (e *Engine) OpenStep(ctx context.Context, c *models.Context, stepType, toolName string, requestData json.RawMessage) (*models.WorkflowStep, error) {
	step := &models.WorkflowStep{
		ContextID:   c.ContextID,
		TenantID:    c.TenantID,
		StepType:    stepType,
		Owner:       models.OwnerSystem,
		Status:      models.StepStatusInProgress,
		ToolName:    toolName,
		RequestData: requestData,
	}
	if err := e.store.InsertStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// MapObject links a business object to a step. Mapping order is delivery
// order for webhooks on step completion.
func (e *Engine) MapObject(ctx context.Context, stepID, objectType, objectID, action string) error {
	return e.store.InsertMapping(ctx, &models.ObjectWorkflowMapping{
		StepID:     stepID,
		ObjectType: objectType,
		ObjectID:   objectID,
		Action:     action,
	})
}

// Transition moves a step and fans out notifications. Terminal transitions
// fire webhooks for every mapped object, in mapping insertion order.
func (e *Engine) Transition(ctx context.Context, step *models.WorkflowStep, toStatus, errorMessage string, responseData json.RawMessage) error {
	if err := e.store.TransitionStep(ctx, step.StepID, toStatus, errorMessage, responseData); err != nil {
		return err
	}
	step.Status = toStatus
	observability.WorkflowTransitionCount.WithLabelValues(step.StepType, toStatus).Inc()
	e.redis.PublishWorkflowUpdate(ctx, db.WorkflowUpdate{
		StepID:   step.StepID,
		TenantID: step.TenantID,
		StepType: step.StepType,
		Status:   toStatus,
	})
	if toStatus == models.StepStatusCompleted || toStatus == models.StepStatusFailed {
		e.notifyTerminal(ctx, step)
	}
	return nil
}

// RequireApproval parks the step for a human and pings the publisher's Slack
// channel.
func (e *Engine) RequireApproval(ctx context.Context, tenant *models.Tenant, step *models.WorkflowStep, summary string) error {
	if err := e.store.TransitionStep(ctx, step.StepID, models.StepStatusRequiresApproval, "", nil); err != nil {
		return err
	}
	step.Status = models.StepStatusRequiresApproval
	observability.WorkflowTransitionCount.WithLabelValues(step.StepType, models.StepStatusRequiresApproval).Inc()
	e.redis.PublishWorkflowUpdate(ctx, db.WorkflowUpdate{
		StepID:   step.StepID,
		TenantID: step.TenantID,
		StepType: step.StepType,
		Status:   models.StepStatusRequiresApproval,
	})
	e.slack.NotifyApprovalNeeded(ctx, tenant, step, summary)
	return nil
}

// RegisterPushConfig validates and stores a webhook registration carried on
// a mutating request. A nil config is a no-op.
func (e *Engine) RegisterPushConfig(ctx context.Context, id *auth.Identity, cfg *adcp.PushNotificationConfig) error {
	if cfg == nil {
		return nil
	}
	if cfg.URL == "" {
		return models.NewAdCPError(models.CodeValidationError, "push_notification_config.url is required")
	}
	scheme := cfg.AuthScheme
	if scheme == "" {
		scheme = models.PushAuthNone
	}
	if !models.ValidPushAuthScheme(scheme) {
		return models.NewAdCPError(models.CodeValidationError,
			"unsupported push auth_scheme %q", cfg.AuthScheme)
	}
	if scheme != models.PushAuthNone && cfg.Credentials == "" {
		return models.NewAdCPError(models.CodeValidationError,
			"auth_scheme %s requires credentials", scheme)
	}
	return e.store.UpsertPushConfig(ctx, &models.PushNotificationConfig{
		ConfigID:    cfg.ID,
		TenantID:    id.Tenant.TenantID,
		PrincipalID: id.PrincipalID,
		URL:         cfg.URL,
		AuthScheme:  scheme,
		Credentials: cfg.Credentials,
	})
}

// notifyTerminal delivers webhooks for the step's mapped objects. Delivery is
// serialized in mapping insertion order; a failing endpoint does not stop the
// rest.
func (e *Engine) notifyTerminal(ctx context.Context, step *models.WorkflowStep) {
	if e.webhooks == nil {
		return
	}
	mappings, err := e.store.ListMappingsForStep(ctx, step.StepID)
	if err != nil {
		e.logger.Error("list mappings for step", zap.Error(err), zap.String("step_id", step.StepID))
		return
	}
	if len(mappings) == 0 {
		return
	}
	stepCtx, err := e.store.GetContext(ctx, step.ContextID)
	if err != nil {
		e.logger.Error("load context for notification", zap.Error(err), zap.String("step_id", step.StepID))
		return
	}
	configs, err := e.store.ListPushConfigs(ctx, step.TenantID, stepCtx.PrincipalID)
	if err != nil {
		e.logger.Error("list push configs", zap.Error(err), zap.String("step_id", step.StepID))
		return
	}
	if len(configs) == 0 {
		return
	}
	for _, m := range mappings {
		note := Notification{
			StepID:     step.StepID,
			StepType:   step.StepType,
			Status:     step.Status,
			ObjectType: m.ObjectType,
			ObjectID:   m.ObjectID,
			Action:     m.Action,
		}
		for _, cfg := range configs {
			e.webhooks.Deliver(ctx, &cfg, note)
		}
	}
}

// ListTasks returns the caller's workflow steps. Admins see the whole tenant;
// principals only steps inside their own contexts.
func (e *Engine) ListTasks(ctx context.Context, id *auth.Identity, req *adcp.ListTasksRequest) (*adcp.ListTasksResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	steps, err := e.store.ListSteps(ctx, id.Tenant.TenantID, "", req.Status, req.StepType, limit)
	if err != nil {
		return nil, err
	}
	if !id.IsAdmin() {
		steps = e.filterOwned(ctx, id, steps)
	}
	return &adcp.ListTasksResponse{Tasks: steps}, nil
}

// GetTask fetches one step after an ownership check.
func (e *Engine) GetTask(ctx context.Context, id *auth.Identity, req *adcp.GetTaskRequest) (*adcp.GetTaskResponse, error) {
	step, err := e.loadOwnedStep(ctx, id, req.TaskID)
	if err != nil {
		return nil, err
	}
	return &adcp.GetTaskResponse{Task: *step}, nil
}

// CompleteTask resolves a requires_approval step. Publisher-side only: the
// tenant admin decides, buyers cannot approve their own work.
func (e *Engine) CompleteTask(ctx context.Context, id *auth.Identity, req *adcp.CompleteTaskRequest) (*adcp.CompleteTaskResponse, error) {
	if !id.IsAdmin() {
		return nil, models.ErrPermission
	}
	if req.Outcome != models.StepStatusCompleted && req.Outcome != models.StepStatusFailed {
		return nil, models.NewAdCPError(models.CodeValidationError,
			"outcome must be completed or failed, got %q", req.Outcome)
	}
	step, err := e.store.GetStep(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if step.TenantID != id.Tenant.TenantID {
		return nil, models.ErrPermission
	}
	if !step.CanTransition(req.Outcome) {
		return nil, models.NewAdCPError(models.CodeValidationError,
			"task %s is %s and cannot move to %s", step.StepID, step.Status, req.Outcome)
	}
	if req.Comment != "" {
		if err := e.store.AppendStepComment(ctx, step.StepID, models.StepComment{
			Author: id.PrincipalID,
			Text:   req.Comment,
		}); err != nil {
			return nil, err
		}
	}

	e.mu.RLock()
	hook := e.hooks[step.StepType]
	e.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, step, req.Outcome); err != nil {
			// The hook's failure is recorded on the step; the step itself
			// still terminates so the approval queue drains.
			e.logger.Error("completion hook failed",
				zap.Error(err),
				zap.String("step_id", step.StepID),
				zap.String("step_type", step.StepType))
			if terr := e.Transition(ctx, step, models.StepStatusFailed, err.Error(), nil); terr != nil {
				return nil, terr
			}
			return &adcp.CompleteTaskResponse{TaskID: step.StepID, Status: models.StepStatusFailed}, nil
		}
	}
	if err := e.Transition(ctx, step, req.Outcome, "", nil); err != nil {
		return nil, err
	}
	return &adcp.CompleteTaskResponse{TaskID: step.StepID, Status: req.Outcome}, nil
}

func (e *Engine) loadOwnedStep(ctx context.Context, id *auth.Identity, stepID string) (*models.WorkflowStep, error) {
	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.TenantID != id.Tenant.TenantID {
		return nil, models.ErrPermission
	}
	if !id.IsAdmin() {
		c, err := e.store.GetContext(ctx, step.ContextID)
		if err != nil {
			return nil, err
		}
		if c.PrincipalID != id.PrincipalID {
			return nil, models.ErrPermission
		}
	}
	return step, nil
}

func (e *Engine) filterOwned(ctx context.Context, id *auth.Identity, steps []models.WorkflowStep) []models.WorkflowStep {
	owned := make([]models.WorkflowStep, 0, len(steps))
	ctxOwner := map[string]bool{}
	for _, s := range steps {
		own, seen := ctxOwner[s.ContextID]
		if !seen {
			c, err := e.store.GetContext(ctx, s.ContextID)
			own = err == nil && c.PrincipalID == id.PrincipalID
			ctxOwner[s.ContextID] = own
		}
		if own {
			owned = append(owned, s)
		}
	}
	return owned
}
