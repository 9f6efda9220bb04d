package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/models"
)

// memStore is an in-memory Store mirroring the SQL transition guard.
type memStore struct {
	mu       sync.Mutex
	contexts map[string]*models.Context
	steps    map[string]*models.WorkflowStep
	mappings []models.ObjectWorkflowMapping
	configs  []models.PushNotificationConfig
	seq      int
}

func newMemStore() *memStore {
	return &memStore{
		contexts: map[string]*models.Context{},
		steps:    map[string]*models.WorkflowStep{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%d", prefix, m.seq)
}

func (m *memStore) CreateContext(_ context.Context, tenantID, principalID string) (*models.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &models.Context{ContextID: m.nextID("ctx"), TenantID: tenantID, PrincipalID: principalID, CreatedAt: time.Now()}
	m.contexts[c.ContextID] = c
	return c, nil
}

func (m *memStore) GetContext(_ context.Context, contextID string) (*models.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[contextID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return c, nil
}

func (m *memStore) TouchContext(context.Context, string) error { return nil }

func (m *memStore) InsertStep(_ context.Context, s *models.WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.StepID == "" {
		s.StepID = m.nextID("step")
	}
	cp := *s
	m.steps[s.StepID] = &cp
	return nil
}

func (m *memStore) GetStep(_ context.Context, stepID string) (*models.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSteps(_ context.Context, tenantID, contextID, status, stepType string, limit int) ([]models.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowStep
	for _, s := range m.steps {
		if s.TenantID != tenantID {
			continue
		}
		if contextID != "" && s.ContextID != contextID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		if stepType != "" && s.StepType != stepType {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (m *memStore) TransitionStep(_ context.Context, stepID, toStatus, errorMessage string, responseData json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return models.ErrNotFound
	}
	allowed := s.Status == models.StepStatusInProgress ||
		(s.Status == models.StepStatusRequiresApproval &&
			(toStatus == models.StepStatusCompleted || toStatus == models.StepStatusFailed))
	if !allowed {
		return fmt.Errorf("step %s: illegal transition to %s: %w", stepID, toStatus, models.ErrNotFound)
	}
	s.Status = toStatus
	if errorMessage != "" {
		s.ErrorMessage = errorMessage
	}
	if len(responseData) > 0 {
		s.ResponseData = responseData
	}
	return nil
}

func (m *memStore) AppendStepComment(_ context.Context, stepID string, c models.StepComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[stepID]
	if !ok {
		return models.ErrNotFound
	}
	s.Comments = append(s.Comments, c)
	return nil
}

func (m *memStore) InsertMapping(_ context.Context, mm *models.ObjectWorkflowMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mm.MappingID == "" {
		mm.MappingID = m.nextID("map")
	}
	m.mappings = append(m.mappings, *mm)
	return nil
}

func (m *memStore) ListMappingsForStep(_ context.Context, stepID string) ([]models.ObjectWorkflowMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ObjectWorkflowMapping
	for _, mm := range m.mappings {
		if mm.StepID == stepID {
			out = append(out, mm)
		}
	}
	return out, nil
}

func (m *memStore) UpsertPushConfig(_ context.Context, c *models.PushNotificationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ConfigID == "" {
		c.ConfigID = m.nextID("push")
	}
	for i := range m.configs {
		if m.configs[i].ConfigID == c.ConfigID {
			m.configs[i] = *c
			return nil
		}
	}
	m.configs = append(m.configs, *c)
	return nil
}

func (m *memStore) ListPushConfigs(_ context.Context, tenantID, principalID string) ([]models.PushNotificationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PushNotificationConfig
	for _, c := range m.configs {
		if c.TenantID == tenantID && c.PrincipalID == principalID {
			out = append(out, c)
		}
	}
	return out, nil
}

func testIdentity(admin bool) *auth.Identity {
	t := &models.Tenant{TenantID: "t1", Name: "Pub", Active: true}
	id := &auth.Identity{Tenant: t}
	if admin {
		id.PrincipalID = t.AdminPrincipalID()
		id.PrincipalName = "Pub admin"
	} else {
		id.Principal = &models.Principal{TenantID: "t1", PrincipalID: "adv1", Name: "Advertiser"}
		id.PrincipalID = "adv1"
		id.PrincipalName = "Advertiser"
	}
	return id
}

func newTestEngine(store Store) *Engine {
	return NewEngine(store, nil, NewWebhookSender(2*time.Second, zap.NewNop()), NewSlackNotifier(false, zap.NewNop()), zap.NewNop())
}

func TestEnsureContextOwnership(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store)
	buyer := testIdentity(false)

	c, err := e.EnsureContext(context.Background(), buyer, "")
	require.NoError(t, err)

	// Same principal re-attaches.
	again, err := e.EnsureContext(context.Background(), buyer, c.ContextID)
	require.NoError(t, err)
	assert.Equal(t, c.ContextID, again.ContextID)

	// Another principal cannot attach.
	other := testIdentity(false)
	other.PrincipalID = "adv2"
	_, err = e.EnsureContext(context.Background(), other, c.ContextID)
	assert.ErrorIs(t, err, models.ErrPermission)
}

func TestCompleteTaskRequiresAdmin(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store)
	_, err := e.CompleteTask(context.Background(), testIdentity(false), &adcp.CompleteTaskRequest{TaskID: "step_x", Outcome: "completed"})
	assert.ErrorIs(t, err, models.ErrPermission)
}

func TestCompleteTaskRunsHookThenTransitions(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store)
	admin := testIdentity(true)
	buyer := testIdentity(false)

	c, err := e.EnsureContext(context.Background(), buyer, "")
	require.NoError(t, err)
	step, err := e.OpenStep(context.Background(), c, models.StepTypeMediaBuyCreation, "create_media_buy", nil)
	require.NoError(t, err)
	require.NoError(t, e.Transition(context.Background(), step, models.StepStatusRequiresApproval, "", nil))

	var hookCalls int
	e.RegisterCompletionHook(models.StepTypeMediaBuyCreation, func(ctx context.Context, s *models.WorkflowStep, outcome string) error {
		hookCalls++
		assert.Equal(t, step.StepID, s.StepID)
		assert.Equal(t, "completed", outcome)
		return nil
	})

	resp, err := e.CompleteTask(context.Background(), admin, &adcp.CompleteTaskRequest{
		TaskID: step.StepID, Outcome: "completed", Comment: "looks good",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, models.StepStatusCompleted, resp.Status)

	got, err := store.GetStep(context.Background(), step.StepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, got.Status)
	require.Len(t, got.Comments, 1)
	assert.Equal(t, "looks good", got.Comments[0].Text)

	// Terminal states never change again.
	_, err = e.CompleteTask(context.Background(), admin, &adcp.CompleteTaskRequest{TaskID: step.StepID, Outcome: "failed"})
	require.Error(t, err)
}

func TestCompleteTaskHookFailureFailsStep(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store)
	admin := testIdentity(true)

	c, _ := e.EnsureContext(context.Background(), admin, "")
	step, _ := e.OpenStep(context.Background(), c, models.StepTypeMediaBuyCreation, "create_media_buy", nil)
	require.NoError(t, e.Transition(context.Background(), step, models.StepStatusRequiresApproval, "", nil))

	e.RegisterCompletionHook(models.StepTypeMediaBuyCreation, func(context.Context, *models.WorkflowStep, string) error {
		return errors.New("adapter exploded")
	})

	resp, err := e.CompleteTask(context.Background(), admin, &adcp.CompleteTaskRequest{TaskID: step.StepID, Outcome: "completed"})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, resp.Status)

	got, _ := store.GetStep(context.Background(), step.StepID)
	assert.Equal(t, models.StepStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "adapter exploded")
}

func TestTerminalTransitionDeliversWebhooksInMappingOrder(t *testing.T) {
	var mu sync.Mutex
	var received []Notification
	var sigs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n Notification
		_ = json.Unmarshal(body, &n)
		mu.Lock()
		received = append(received, n)
		sigs = append(sigs, r.Header.Get("X-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newMemStore()
	e := newTestEngine(store)
	buyer := testIdentity(false)

	require.NoError(t, e.RegisterPushConfig(context.Background(), buyer, &adcp.PushNotificationConfig{
		URL: srv.URL, AuthScheme: models.PushAuthHMAC, Credentials: "s3cret",
	}))

	c, _ := e.EnsureContext(context.Background(), buyer, "")
	step, _ := e.OpenStep(context.Background(), c, models.StepTypeMediaBuyCreation, "create_media_buy", nil)
	require.NoError(t, e.MapObject(context.Background(), step.StepID, "media_buy", "mb_1", models.MappingActionCreate))
	require.NoError(t, e.MapObject(context.Background(), step.StepID, "creative", "cr_1", models.MappingActionUpdate))

	require.NoError(t, e.Transition(context.Background(), step, models.StepStatusCompleted, "", nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "mb_1", received[0].ObjectID)
	assert.Equal(t, "cr_1", received[1].ObjectID)
	for i, n := range received {
		body, _ := json.Marshal(n)
		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write(body)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sigs[i])
	}
}

func TestRegisterPushConfigValidation(t *testing.T) {
	e := newTestEngine(newMemStore())
	buyer := testIdentity(false)

	assert.NoError(t, e.RegisterPushConfig(context.Background(), buyer, nil))

	err := e.RegisterPushConfig(context.Background(), buyer, &adcp.PushNotificationConfig{AuthScheme: models.PushAuthNone})
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeValidationError, ae.Code)

	err = e.RegisterPushConfig(context.Background(), buyer, &adcp.PushNotificationConfig{URL: "https://x", AuthScheme: "basic"})
	require.ErrorAs(t, err, &ae)

	err = e.RegisterPushConfig(context.Background(), buyer, &adcp.PushNotificationConfig{URL: "https://x", AuthScheme: models.PushAuthBearer})
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Message, "credentials")

	assert.NoError(t, e.RegisterPushConfig(context.Background(), buyer, &adcp.PushNotificationConfig{URL: "https://x"}))
}

func TestListTasksScopedToPrincipal(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store)
	buyer := testIdentity(false)
	other := testIdentity(false)
	other.PrincipalID = "adv2"
	admin := testIdentity(true)

	c1, _ := e.EnsureContext(context.Background(), buyer, "")
	c2, _ := e.EnsureContext(context.Background(), other, "")
	_, err := e.OpenStep(context.Background(), c1, models.StepTypeToolCall, "sync_creatives", nil)
	require.NoError(t, err)
	_, err = e.OpenStep(context.Background(), c2, models.StepTypeToolCall, "sync_creatives", nil)
	require.NoError(t, err)

	resp, err := e.ListTasks(context.Background(), buyer, &adcp.ListTasksRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, c1.ContextID, resp.Tasks[0].ContextID)

	resp, err = e.ListTasks(context.Background(), admin, &adcp.ListTasksRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Tasks, 2)
}

func TestGetTaskCrossPrincipalDenied(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store)
	buyer := testIdentity(false)
	other := testIdentity(false)
	other.PrincipalID = "adv2"

	c, _ := e.EnsureContext(context.Background(), buyer, "")
	step, _ := e.OpenStep(context.Background(), c, models.StepTypeToolCall, "sync_creatives", nil)

	_, err := e.GetTask(context.Background(), other, &adcp.GetTaskRequest{TaskID: step.StepID})
	assert.ErrorIs(t, err, models.ErrPermission)

	got, err := e.GetTask(context.Background(), buyer, &adcp.GetTaskRequest{TaskID: step.StepID})
	require.NoError(t, err)
	assert.Equal(t, step.StepID, got.Task.StepID)
}
