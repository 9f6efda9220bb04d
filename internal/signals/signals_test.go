package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
	"github.com/adcontextprotocol/salesagent/internal/workflow"
)

type fakeStore struct {
	signals  []models.Signal
	contexts map[string]*models.Context
	steps    map[string]*models.WorkflowStep
	mappings []models.ObjectWorkflowMapping
	seq      int
}

func newFakeStore(signals []models.Signal) *fakeStore {
	return &fakeStore{
		signals:  signals,
		contexts: map[string]*models.Context{},
		steps:    map[string]*models.WorkflowStep{},
	}
}

func (f *fakeStore) ListSignals(_ context.Context, tenantID string) ([]models.Signal, error) {
	var out []models.Signal
	for _, s := range f.signals {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *fakeStore) CreateContext(_ context.Context, tenantID, principalID string) (*models.Context, error) {
	c := &models.Context{ContextID: f.nextID("ctx"), TenantID: tenantID, PrincipalID: principalID}
	f.contexts[c.ContextID] = c
	return c, nil
}

func (f *fakeStore) GetContext(_ context.Context, contextID string) (*models.Context, error) {
	if c, ok := f.contexts[contextID]; ok {
		return c, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) TouchContext(context.Context, string) error { return nil }

func (f *fakeStore) InsertStep(_ context.Context, s *models.WorkflowStep) error {
	if s.StepID == "" {
		s.StepID = f.nextID("step")
	}
	cp := *s
	f.steps[s.StepID] = &cp
	return nil
}

func (f *fakeStore) GetStep(_ context.Context, stepID string) (*models.WorkflowStep, error) {
	if s, ok := f.steps[stepID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) ListSteps(context.Context, string, string, string, string, int) ([]models.WorkflowStep, error) {
	return nil, nil
}

func (f *fakeStore) TransitionStep(_ context.Context, stepID, toStatus, errorMessage string, _ json.RawMessage) error {
	s, ok := f.steps[stepID]
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

func (f *fakeStore) AppendStepComment(context.Context, string, models.StepComment) error { return nil }

func (f *fakeStore) InsertMapping(_ context.Context, m *models.ObjectWorkflowMapping) error {
	if m.MappingID == "" {
		m.MappingID = f.nextID("map")
	}
	f.mappings = append(f.mappings, *m)
	return nil
}

func (f *fakeStore) ListMappingsForStep(_ context.Context, stepID string) ([]models.ObjectWorkflowMapping, error) {
	var out []models.ObjectWorkflowMapping
	for _, m := range f.mappings {
		if m.StepID == stepID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertPushConfig(context.Context, *models.PushNotificationConfig) error {
	return nil
}

func (f *fakeStore) ListPushConfigs(context.Context, string, string) ([]models.PushNotificationConfig, error) {
	return nil, nil
}

func catalog() []models.Signal {
	return []models.Signal{
		{TenantID: "t1", SignalID: "sig_auto", Name: "Auto Intenders", Type: "audience",
			Provider: "LiveRamp", Description: "In-market for new vehicles", CoveragePct: 42},
		{TenantID: "t1", SignalID: "sig_sports", Name: "Sports Context", Type: "contextual",
			Provider: "Peer39", Description: "Sports content adjacency"},
		{TenantID: "t1", SignalID: "sig_geo", Name: "DMA Targeting", Type: "geographic",
			RequiresActivation: true},
		{TenantID: "t2", SignalID: "sig_other", Name: "Other Tenant", Type: "audience"},
	}
}

func fixture(t *testing.T) (*fakeStore, *Service, *auth.Identity, *models.Context) {
	t.Helper()
	store := newFakeStore(catalog())
	logger := zap.NewNop()
	engine := workflow.NewEngine(store, nil, nil, workflow.NewSlackNotifier(false, logger), logger)
	svc := NewService(store, engine, observability.NewAuditLogger(logger), logger)
	id := &auth.Identity{
		Tenant:      &models.Tenant{TenantID: "t1", Active: true},
		Principal:   &models.Principal{TenantID: "t1", PrincipalID: "adv1", Name: "Advertiser"},
		PrincipalID: "adv1", PrincipalName: "Advertiser",
	}
	wfCtx, err := engine.EnsureContext(context.Background(), id, "")
	require.NoError(t, err)
	return store, svc, id, wfCtx
}

func TestGetSignalsReturnsTenantCatalog(t *testing.T) {
	_, svc, id, _ := fixture(t)
	resp, err := svc.Get(context.Background(), id, &adcp.GetSignalsRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Signals, 3)
	for _, s := range resp.Signals {
		assert.NotEqual(t, "sig_other", s.SignalID)
	}
}

func TestGetSignalsFiltersByType(t *testing.T) {
	_, svc, id, _ := fixture(t)
	resp, err := svc.Get(context.Background(), id, &adcp.GetSignalsRequest{Type: "contextual"})
	require.NoError(t, err)
	require.Len(t, resp.Signals, 1)
	assert.Equal(t, "sig_sports", resp.Signals[0].SignalID)
}

func TestGetSignalsFreeTextQuery(t *testing.T) {
	_, svc, id, _ := fixture(t)
	resp, err := svc.Get(context.Background(), id, &adcp.GetSignalsRequest{Query: "vehicles in-market"})
	require.NoError(t, err)
	require.Len(t, resp.Signals, 1)
	assert.Equal(t, "sig_auto", resp.Signals[0].SignalID)
}

func TestActivateDeploysImmediately(t *testing.T) {
	store, svc, id, wfCtx := fixture(t)
	resp, err := svc.Activate(context.Background(), id, wfCtx, &adcp.ActivateSignalRequest{SignalID: "sig_auto"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDeployed, resp.Status)
	assert.Empty(t, resp.WorkflowStepID)

	for _, s := range store.steps {
		assert.Equal(t, models.StepStatusCompleted, s.Status)
	}
}

func TestActivateRequiresApprovalForPlatformSetup(t *testing.T) {
	store, svc, id, wfCtx := fixture(t)
	resp, err := svc.Activate(context.Background(), id, wfCtx, &adcp.ActivateSignalRequest{SignalID: "sig_geo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusActivating, resp.Status)
	require.NotEmpty(t, resp.WorkflowStepID)

	step, err := store.GetStep(context.Background(), resp.WorkflowStepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRequiresApproval, step.Status)

	mappings, _ := store.ListMappingsForStep(context.Background(), step.StepID)
	require.Len(t, mappings, 1)
	assert.Equal(t, "signal", mappings[0].ObjectType)
	assert.Equal(t, "sig_geo", mappings[0].ObjectID)
}

func TestActivateUnknownSignal(t *testing.T) {
	_, svc, id, wfCtx := fixture(t)
	_, err := svc.Activate(context.Background(), id, wfCtx, &adcp.ActivateSignalRequest{SignalID: "sig_nope"}, nil)
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeValidationError, ae.Code)
}

func TestActivateCrossTenantSignalInvisible(t *testing.T) {
	_, svc, id, wfCtx := fixture(t)
	_, err := svc.Activate(context.Background(), id, wfCtx, &adcp.ActivateSignalRequest{SignalID: "sig_other"}, nil)
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeValidationError, ae.Code)
}
