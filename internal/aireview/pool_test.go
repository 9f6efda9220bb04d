package aireview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/creatives"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/workflow"
)

// reviewStore backs both the pool and the workflow engine.
type reviewStore struct {
	mu       sync.Mutex
	steps    map[string]*models.WorkflowStep
	statuses map[string]string // tenant/principal/creative -> status
	seq      int
}

func newReviewStore() *reviewStore {
	return &reviewStore{steps: map[string]*models.WorkflowStep{}, statuses: map[string]string{}}
}

func (r *reviewStore) GetStep(_ context.Context, stepID string) (*models.WorkflowStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.steps[stepID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (r *reviewStore) UpdateCreativeStatus(_ context.Context, tenantID, principalID, creativeID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[tenantID+"/"+principalID+"/"+creativeID] = status
	return nil
}

// workflow.Store implementation (the subset the engine touches here).

func (r *reviewStore) CreateContext(_ context.Context, tenantID, principalID string) (*models.Context, error) {
	return &models.Context{ContextID: "ctx_1", TenantID: tenantID, PrincipalID: principalID}, nil
}

func (r *reviewStore) GetContext(_ context.Context, contextID string) (*models.Context, error) {
	return &models.Context{ContextID: contextID, TenantID: "t1", PrincipalID: "adv1"}, nil
}

func (r *reviewStore) TouchContext(context.Context, string) error { return nil }

func (r *reviewStore) InsertStep(_ context.Context, s *models.WorkflowStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.StepID == "" {
		r.seq++
		s.StepID = fmt.Sprintf("step_%d", r.seq)
	}
	cp := *s
	r.steps[s.StepID] = &cp
	return nil
}

func (r *reviewStore) ListSteps(context.Context, string, string, string, string, int) ([]models.WorkflowStep, error) {
	return nil, nil
}

func (r *reviewStore) TransitionStep(_ context.Context, stepID, toStatus, errorMessage string, _ json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.steps[stepID]
	if !ok {
		return models.ErrNotFound
	}
	if !s.CanTransition(toStatus) {
		return fmt.Errorf("illegal transition %s -> %s", s.Status, toStatus)
	}
	s.Status = toStatus
	s.ErrorMessage = errorMessage
	return nil
}

func (r *reviewStore) AppendStepComment(context.Context, string, models.StepComment) error { return nil }

func (r *reviewStore) InsertMapping(context.Context, *models.ObjectWorkflowMapping) error { return nil }

func (r *reviewStore) ListMappingsForStep(context.Context, string) ([]models.ObjectWorkflowMapping, error) {
	return nil, nil
}

func (r *reviewStore) UpsertPushConfig(context.Context, *models.PushNotificationConfig) error {
	return nil
}

func (r *reviewStore) ListPushConfigs(context.Context, string, string) ([]models.PushNotificationConfig, error) {
	return nil, nil
}

type failingClassifier struct{}

func (failingClassifier) Review(context.Context, *models.Tenant, *models.Creative) (Decision, error) {
	return Decision{}, errors.New("model timeout")
}

func reviewFixture(t *testing.T, classifier Classifier) (*reviewStore, *Pool) {
	t.Helper()
	store := newReviewStore()
	logger := zap.NewNop()
	engine := workflow.NewEngine(store, nil, nil, workflow.NewSlackNotifier(false, logger), logger)
	pool := NewPool(store, engine, classifier, 2, 8, logger)
	return store, pool
}

func pendingJob(store *reviewStore, tenant *models.Tenant, name string) creatives.ReviewJob {
	step := &models.WorkflowStep{TenantID: tenant.TenantID, ContextID: "ctx_1",
		StepType: models.StepTypeCreativeApproval, Owner: models.OwnerSystem,
		Status: models.StepStatusInProgress, ToolName: "sync_creatives"}
	_ = store.InsertStep(context.Background(), step)
	return creatives.ReviewJob{
		Tenant: tenant,
		Creative: &models.Creative{TenantID: tenant.TenantID, PrincipalID: "adv1",
			CreativeID: "cr1", Name: name, Status: models.CreativeStatusPending},
		StepID: step.StepID,
	}
}

func TestReviewApprovesBenignCreative(t *testing.T) {
	store, pool := reviewFixture(t, NewPolicyClassifier())
	tenant := &models.Tenant{TenantID: "t1", Policies: &models.TenantPolicies{
		ProhibitedTerms: []string{"firearms"},
	}}
	job := pendingJob(store, tenant, "Spring Sneaker Banner")

	pool.Start(context.Background())
	require.True(t, pool.Enqueue(job))
	pool.Stop()

	assert.Equal(t, models.CreativeStatusApproved, store.statuses["t1/adv1/cr1"])
	step, _ := store.GetStep(context.Background(), job.StepID)
	assert.Equal(t, models.StepStatusCompleted, step.Status)
}

func TestReviewRejectsProhibitedTerm(t *testing.T) {
	store, pool := reviewFixture(t, NewPolicyClassifier())
	tenant := &models.Tenant{TenantID: "t1", Policies: &models.TenantPolicies{
		ProhibitedTerms: []string{"firearms"},
	}}
	job := pendingJob(store, tenant, "Discount Firearms Blowout")

	pool.Start(context.Background())
	require.True(t, pool.Enqueue(job))
	pool.Stop()

	assert.Equal(t, models.CreativeStatusRejected, store.statuses["t1/adv1/cr1"])
	step, _ := store.GetStep(context.Background(), job.StepID)
	assert.Equal(t, models.StepStatusFailed, step.Status)
	assert.Contains(t, step.ErrorMessage, "prohibited term")
}

func TestReviewEscalatesRestrictedTerm(t *testing.T) {
	store, pool := reviewFixture(t, NewPolicyClassifier())
	tenant := &models.Tenant{TenantID: "t1", Policies: &models.TenantPolicies{
		RestrictedTerms: []string{"gambling"},
	}}
	job := pendingJob(store, tenant, "Online Gambling Promo")

	pool.Start(context.Background())
	require.True(t, pool.Enqueue(job))
	pool.Stop()

	// No automatic verdict; a human decides.
	assert.Empty(t, store.statuses["t1/adv1/cr1"])
	step, _ := store.GetStep(context.Background(), job.StepID)
	assert.Equal(t, models.StepStatusRequiresApproval, step.Status)
}

func TestReviewClassifierErrorEscalates(t *testing.T) {
	store, pool := reviewFixture(t, failingClassifier{})
	tenant := &models.Tenant{TenantID: "t1"}
	job := pendingJob(store, tenant, "Any Creative")

	pool.Start(context.Background())
	require.True(t, pool.Enqueue(job))
	pool.Stop()

	step, _ := store.GetStep(context.Background(), job.StepID)
	assert.Equal(t, models.StepStatusRequiresApproval, step.Status)
}

func TestReviewSkipsResolvedStep(t *testing.T) {
	store, pool := reviewFixture(t, NewPolicyClassifier())
	tenant := &models.Tenant{TenantID: "t1"}
	job := pendingJob(store, tenant, "Already Reviewed")
	require.NoError(t, store.TransitionStep(context.Background(), job.StepID, models.StepStatusCompleted, "", nil))

	pool.Start(context.Background())
	require.True(t, pool.Enqueue(job))
	pool.Stop()

	// The human verdict stands; the pool does not touch the creative.
	assert.Empty(t, store.statuses["t1/adv1/cr1"])
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	store := newReviewStore()
	logger := zap.NewNop()
	engine := workflow.NewEngine(store, nil, nil, workflow.NewSlackNotifier(false, logger), logger)
	pool := NewPool(store, engine, NewPolicyClassifier(), 1, 1, logger)
	// Workers not started: the single buffered slot fills immediately.
	tenant := &models.Tenant{TenantID: "t1"}
	assert.True(t, pool.Enqueue(pendingJob(store, tenant, "first")))
	assert.False(t, pool.Enqueue(pendingJob(store, tenant, "second")))
}
