package models

import (
	"encoding/json"
	"time"
)

// Workflow step statuses. in_progress may move to any terminal state or to
// requires_approval; requires_approval may only move to a terminal state.
// Terminal states are never re-assigned.
const (
	StepStatusInProgress       = "in_progress"
	StepStatusRequiresApproval = "requires_approval"
	StepStatusCompleted        = "completed"
	StepStatusFailed           = "failed"
)

// Workflow step types.
const (
	StepTypeMediaBuyCreation = "media_buy_creation"
	StepTypeCreativeApproval = "creative_approval"
	StepTypePolicyReview     = "policy_review"
	StepTypeToolCall         = "tool_call"
	StepTypeApproval         = "approval"
)

// Step owners: who must act for the step to progress.
const (
	OwnerSystem    = "system"
	OwnerPublisher = "publisher"
	OwnerPrincipal = "principal"
)

// Object mapping action tags.
const (
	MappingActionCreate           = "create"
	MappingActionUpdate           = "update"
	MappingActionApprovalRequired = "approval_required"
)

// Context is a durable thread of work for a (tenant, principal) pair. It owns
// a collection of workflow steps.
type Context struct {
	ContextID   string    `json:"context_id"`
	TenantID    string    `json:"tenant_id"`
	PrincipalID string    `json:"principal_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// StepComment is one entry in a step's append-only comment log.
type StepComment struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowStep is a durable record of one tracked operation.
type WorkflowStep struct {
	StepID       string          `json:"step_id"`
	ContextID    string          `json:"context_id"`
	TenantID     string          `json:"tenant_id"`
	StepType     string          `json:"step_type"`
	Owner        string          `json:"owner"`
	Status       string          `json:"status"`
	ToolName     string          `json:"tool_name"`
	RequestData  json.RawMessage `json:"request_data,omitempty"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Assignee     string          `json:"assignee,omitempty"`
	Comments     []StepComment   `json:"comments,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Terminal reports whether the step status can never change again.
func (s *WorkflowStep) Terminal() bool {
	return s.Status == StepStatusCompleted || s.Status == StepStatusFailed
}

// CanTransition reports whether the monotonic step state machine allows
// moving to the target status.
func (s *WorkflowStep) CanTransition(to string) bool {
	switch s.Status {
	case StepStatusInProgress:
		return to == StepStatusCompleted || to == StepStatusFailed || to == StepStatusRequiresApproval
	case StepStatusRequiresApproval:
		return to == StepStatusCompleted || to == StepStatusFailed
	default:
		return false
	}
}

// ObjectWorkflowMapping links a business object to the workflow step that
// affects it, enabling targeted webhook delivery on step completion.
type ObjectWorkflowMapping struct {
	MappingID  string    `json:"mapping_id"`
	StepID     string    `json:"step_id"`
	ObjectType string    `json:"object_type"` // media_buy | creative
	ObjectID   string    `json:"object_id"`
	Action     string    `json:"action"`
	CreatedAt  time.Time `json:"created_at"`
}

// Webhook auth schemes for push notification configs.
const (
	PushAuthHMAC   = "HMAC-SHA256"
	PushAuthBearer = "Bearer"
	PushAuthNone   = "None"
)

// PushNotificationConfig registers a webhook endpoint for a (tenant,
// principal). Upserts are keyed by ConfigID.
type PushNotificationConfig struct {
	ConfigID    string    `json:"config_id"`
	TenantID    string    `json:"tenant_id"`
	PrincipalID string    `json:"principal_id"`
	URL         string    `json:"url"`
	AuthScheme  string    `json:"auth_scheme"`
	Credentials string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ValidPushAuthScheme reports whether the scheme is one of the supported
// values.
func ValidPushAuthScheme(s string) bool {
	return s == PushAuthHMAC || s == PushAuthBearer || s == PushAuthNone
}
