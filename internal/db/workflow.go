package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// CreateContext opens a new workflow context.
func (p *Postgres) CreateContext(ctx context.Context, tenantID, principalID string) (*models.Context, error) {
	c := &models.Context{
		ContextID:   "ctx_" + uuid.NewString(),
		TenantID:    tenantID,
		PrincipalID: principalID,
		CreatedAt:   time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	_, err := p.DB.ExecContext(ctx, `INSERT INTO contexts (context_id, tenant_id, principal_id) VALUES ($1,$2,$3)`,
		c.ContextID, c.TenantID, c.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("insert context: %w", err)
	}
	return c, nil
}

// GetContext fetches a context, verifying tenant and principal ownership.
func (p *Postgres) GetContext(ctx context.Context, contextID string) (*models.Context, error) {
	var c models.Context
	err := p.DB.QueryRowContext(ctx, `SELECT context_id, tenant_id, principal_id, created_at, last_activity
        FROM contexts WHERE context_id=$1`, contextID).
		Scan(&c.ContextID, &c.TenantID, &c.PrincipalID, &c.CreatedAt, &c.LastActivity)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	return &c, nil
}

// TouchContext bumps last_activity.
func (p *Postgres) TouchContext(ctx context.Context, contextID string) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE contexts SET last_activity=NOW() WHERE context_id=$1`, contextID)
	if err != nil {
		return fmt.Errorf("touch context: %w", err)
	}
	return nil
}

const stepColumns = `step_id, context_id, tenant_id, step_type, owner, status, tool_name,
    request_data, response_data, error_message, assignee, comments, created_at, updated_at`

func scanStep(row interface{ Scan(...any) error }) (*models.WorkflowStep, error) {
	var s models.WorkflowStep
	var toolName, errMsg, assignee sql.NullString
	var reqData, respData, comments []byte
	if err := row.Scan(&s.StepID, &s.ContextID, &s.TenantID, &s.StepType, &s.Owner, &s.Status, &toolName,
		&reqData, &respData, &errMsg, &assignee, &comments, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow step: %w", err)
	}
	s.ToolName = toolName.String
	s.ErrorMessage = errMsg.String
	s.Assignee = assignee.String
	s.RequestData = reqData
	s.ResponseData = respData
	if len(comments) > 0 {
		if err := json.Unmarshal(comments, &s.Comments); err != nil {
			return nil, fmt.Errorf("parse comments: %w", err)
		}
	}
	return &s, nil
}

// InsertStep stores a new workflow step.
func (p *Postgres) InsertStep(ctx context.Context, s *models.WorkflowStep) error {
	if s.StepID == "" {
		s.StepID = "step_" + uuid.NewString()
	}
	comments, _ := json.Marshal(s.Comments)
	if s.Comments == nil {
		comments = []byte("[]")
	}
	_, err := p.DB.ExecContext(ctx, `INSERT INTO workflow_steps (
        step_id, context_id, tenant_id, step_type, owner, status, tool_name,
        request_data, response_data, error_message, assignee, comments)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.StepID, s.ContextID, s.TenantID, s.StepType, s.Owner, s.Status, nullStr(s.ToolName),
		[]byte(s.RequestData), []byte(s.ResponseData), nullStr(s.ErrorMessage), nullStr(s.Assignee), comments)
	if err != nil {
		return fmt.Errorf("insert workflow step: %w", err)
	}
	return nil
}

// GetStep fetches one step.
func (p *Postgres) GetStep(ctx context.Context, stepID string) (*models.WorkflowStep, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_steps WHERE step_id=$1`, stepID)
	return scanStep(row)
}

// ListSteps returns steps for a tenant, newest first, optionally filtered by
// context, status and step type.
func (p *Postgres) ListSteps(ctx context.Context, tenantID, contextID, status, stepType string, limit int) ([]models.WorkflowStep, error) {
	q := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE tenant_id=$1`
	args := []any{tenantID}
	if contextID != "" {
		args = append(args, contextID)
		q += fmt.Sprintf(" AND context_id=$%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if stepType != "" {
		args = append(args, stepType)
		q += fmt.Sprintf(" AND step_type=$%d", len(args))
	}
	q += " ORDER BY created_at DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// TransitionStep moves a step to the target status only when the monotonic
// state machine allows it; the guard runs in SQL so terminal states can never
// be re-assigned even under concurrent writers.
func (p *Postgres) TransitionStep(ctx context.Context, stepID, toStatus, errorMessage string, responseData json.RawMessage) error {
	res, err := p.DB.ExecContext(ctx, `UPDATE workflow_steps SET status=$1,
        error_message=COALESCE(NULLIF($2,''), error_message),
        response_data=COALESCE($3, response_data),
        updated_at=NOW()
        WHERE step_id=$4 AND (
            (status='in_progress') OR
            (status='requires_approval' AND $1 IN ('completed','failed'))
        )`, toStatus, errorMessage, nullBytes(responseData), stepID)
	if err != nil {
		return fmt.Errorf("transition step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition step rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("step %s: illegal transition to %s: %w", stepID, toStatus, models.ErrNotFound)
	}
	return nil
}

// AppendStepComment appends one entry to the step's append-only comment log.
func (p *Postgres) AppendStepComment(ctx context.Context, stepID string, c models.StepComment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	_, err = p.DB.ExecContext(ctx, `UPDATE workflow_steps SET comments = comments || $1::jsonb, updated_at=NOW() WHERE step_id=$2`, b, stepID)
	if err != nil {
		return fmt.Errorf("append comment: %w", err)
	}
	return nil
}

// InsertMapping links a business object to a workflow step.
func (p *Postgres) InsertMapping(ctx context.Context, m *models.ObjectWorkflowMapping) error {
	if m.MappingID == "" {
		m.MappingID = "map_" + uuid.NewString()
	}
	_, err := p.DB.ExecContext(ctx, `INSERT INTO object_workflow_mappings (mapping_id, step_id, object_type, object_id, action)
        VALUES ($1,$2,$3,$4,$5)`, m.MappingID, m.StepID, m.ObjectType, m.ObjectID, m.Action)
	if err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

// ListMappingsForStep returns mappings targeting a step in insertion order.
// Webhooks deliver in this order.
func (p *Postgres) ListMappingsForStep(ctx context.Context, stepID string) ([]models.ObjectWorkflowMapping, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT mapping_id, step_id, object_type, object_id, action, created_at
        FROM object_workflow_mappings WHERE step_id=$1 ORDER BY created_at, mapping_id`, stepID)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.ObjectWorkflowMapping
	for rows.Next() {
		var m models.ObjectWorkflowMapping
		if err := rows.Scan(&m.MappingID, &m.StepID, &m.ObjectType, &m.ObjectID, &m.Action, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// ListMappingsForObject returns the steps that affected an object.
func (p *Postgres) ListMappingsForObject(ctx context.Context, objectType, objectID string) ([]models.ObjectWorkflowMapping, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT mapping_id, step_id, object_type, object_id, action, created_at
        FROM object_workflow_mappings WHERE object_type=$1 AND object_id=$2 ORDER BY created_at`, objectType, objectID)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.ObjectWorkflowMapping
	for rows.Next() {
		var m models.ObjectWorkflowMapping
		if err := rows.Scan(&m.MappingID, &m.StepID, &m.ObjectType, &m.ObjectID, &m.Action, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// UpsertPushConfig creates or replaces a push notification config keyed by
// its id, scoped to (tenant, principal).
func (p *Postgres) UpsertPushConfig(ctx context.Context, c *models.PushNotificationConfig) error {
	if c.ConfigID == "" {
		c.ConfigID = "push_" + uuid.NewString()
	}
	_, err := p.DB.ExecContext(ctx, `INSERT INTO push_notification_configs (config_id, tenant_id, principal_id, url, auth_scheme, credentials)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (config_id) DO UPDATE SET url=$4, auth_scheme=$5, credentials=$6, updated_at=NOW()`,
		c.ConfigID, c.TenantID, c.PrincipalID, c.URL, c.AuthScheme, nullStr(c.Credentials))
	if err != nil {
		return fmt.Errorf("upsert push config: %w", err)
	}
	return nil
}

// ListPushConfigs returns the configs registered for (tenant, principal).
func (p *Postgres) ListPushConfigs(ctx context.Context, tenantID, principalID string) ([]models.PushNotificationConfig, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT config_id, tenant_id, principal_id, url, auth_scheme, COALESCE(credentials,''), created_at, updated_at
        FROM push_notification_configs WHERE tenant_id=$1 AND principal_id=$2 ORDER BY created_at`, tenantID, principalID)
	if err != nil {
		return nil, fmt.Errorf("query push configs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.PushNotificationConfig
	for rows.Next() {
		var c models.PushNotificationConfig
		if err := rows.Scan(&c.ConfigID, &c.TenantID, &c.PrincipalID, &c.URL, &c.AuthScheme, &c.Credentials, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan push config: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
