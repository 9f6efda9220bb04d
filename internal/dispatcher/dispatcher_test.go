package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/catalog"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
	"github.com/adcontextprotocol/salesagent/internal/policy"
	"github.com/adcontextprotocol/salesagent/internal/signals"
	"github.com/adcontextprotocol/salesagent/internal/workflow"
)

// fakeStore backs the resolver, the workflow engine and the read-only
// services with in-memory state.
type fakeStore struct {
	tenants    map[string]*models.Tenant
	principals []models.Principal
	products   []models.Product
	signals    []models.Signal

	contexts map[string]*models.Context
	steps    map[string]*models.WorkflowStep
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:  map[string]*models.Tenant{},
		contexts: map[string]*models.Context{},
		steps:    map[string]*models.WorkflowStep{},
	}
}

func (f *fakeStore) GetTenant(_ context.Context, tenantID string) (*models.Tenant, error) {
	if t, ok := f.tenants[tenantID]; ok {
		return t, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) GetTenantBySubdomain(_ context.Context, subdomain string) (*models.Tenant, error) {
	for _, t := range f.tenants {
		if t.Subdomain == subdomain {
			return t, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) GetTenantByVirtualHost(_ context.Context, host string) (*models.Tenant, error) {
	for _, t := range f.tenants {
		if t.VirtualHost == host {
			return t, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) GetPrincipalByToken(_ context.Context, tenantID, token string) (*models.Principal, error) {
	for i := range f.principals {
		p := &f.principals[i]
		if p.TenantID == tenantID && p.AccessToken == token {
			return p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) GetPrincipalByTokenGlobal(_ context.Context, token string) (*models.Principal, error) {
	for i := range f.principals {
		if f.principals[i].AccessToken == token {
			return &f.principals[i], nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) ListProducts(_ context.Context, tenantID string) ([]models.Product, error) {
	var out []models.Product
	for _, p := range f.products {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListCreativeFormats(context.Context, string) ([]models.CreativeFormat, error) {
	return nil, nil
}

func (f *fakeStore) ListAuthorizedProperties(context.Context, string) ([]models.AuthorizedProperty, error) {
	return nil, nil
}

func (f *fakeStore) ListPropertyTags(context.Context, string) ([]models.PropertyTag, error) {
	return nil, nil
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

func (f *fakeStore) ListSteps(_ context.Context, tenantID, contextID, status, stepType string, limit int) ([]models.WorkflowStep, error) {
	var out []models.WorkflowStep
	for _, s := range f.steps {
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
	return nil
}

func (f *fakeStore) ListMappingsForStep(context.Context, string) ([]models.ObjectWorkflowMapping, error) {
	return nil, nil
}

func (f *fakeStore) UpsertPushConfig(context.Context, *models.PushNotificationConfig) error {
	return nil
}

func (f *fakeStore) ListPushConfigs(context.Context, string, string) ([]models.PushNotificationConfig, error) {
	return nil, nil
}

func fixture(t *testing.T) (*fakeStore, *Dispatcher) {
	t.Helper()
	store := newFakeStore()
	store.tenants["t1"] = &models.Tenant{
		TenantID: "t1", Name: "Publisher One", Subdomain: "t1", Active: true,
	}
	store.principals = []models.Principal{
		{TenantID: "t1", PrincipalID: "adv1", Name: "Advertiser", AccessToken: "tok-adv1"},
	}
	store.products = []models.Product{
		{TenantID: "t1", ProductID: "video", Name: "Video",
			PricingOptions: []models.PricingOption{
				{PricingModel: models.PricingModelCPM, Currency: "USD", IsFixed: true, Rate: 20}}},
	}
	store.signals = []models.Signal{
		{TenantID: "t1", SignalID: "sig1", Name: "Auto Intenders", Type: "audience"},
	}

	logger := zap.NewNop()
	audit := observability.NewAuditLogger(logger)
	engine := workflow.NewEngine(store, nil, nil, workflow.NewSlackNotifier(false, logger), logger)
	svcs := Services{
		Catalog: catalog.NewService(store, policy.NewChecker(logger), logger),
		Signals: signals.NewService(store, engine, audit, logger),
		Engine:  engine,
	}
	d := New(auth.NewResolver(store, logger), svcs, audit, logger)
	return store, d
}

func serve(t *testing.T, d *Dispatcher) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewRouter(d, reg, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, toolName string, body any, headers map[string]string) (*http.Response, *adcp.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/adcp/v1/"+toolName, &buf)
	require.NoError(t, err)
	req.Host = "t1.example.com"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var env adcp.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, &env
}

func TestAnonymousDiscoveryStripsPricing(t *testing.T) {
	_, d := fixture(t)
	srv := serve(t, d)

	resp, env := post(t, srv, "get_products", map[string]any{"brief": "cars"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, adcp.StatusCompleted, env.Status)
	assert.Empty(t, env.ContextID)

	var body adcp.GetProductsResponse
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	require.Len(t, body.Products, 1)
	assert.Empty(t, body.Products[0].PricingOptions)
}

func TestAuthenticatedDiscoveryKeepsPricingAndContext(t *testing.T) {
	_, d := fixture(t)
	srv := serve(t, d)

	resp, env := post(t, srv, "get_products", nil, map[string]string{auth.HeaderAuth: "tok-adv1"})
	require.Equal(t, adcp.StatusCompleted, env.Status)
	assert.NotEmpty(t, env.ContextID)
	assert.Equal(t, env.ContextID, resp.Header.Get(HeaderContextID))

	var body adcp.GetProductsResponse
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	require.Len(t, body.Products, 1)
	assert.NotEmpty(t, body.Products[0].PricingOptions)
}

func TestContextIDReused(t *testing.T) {
	_, d := fixture(t)
	srv := serve(t, d)

	_, first := post(t, srv, "get_signals", nil, map[string]string{auth.HeaderAuth: "tok-adv1"})
	require.Equal(t, adcp.StatusCompleted, first.Status)
	require.NotEmpty(t, first.ContextID)

	_, second := post(t, srv, "get_signals", nil, map[string]string{
		auth.HeaderAuth: "tok-adv1",
		HeaderContextID: first.ContextID,
	})
	assert.Equal(t, first.ContextID, second.ContextID)
}

func TestAuthRequiredToolRejectsAnonymous(t *testing.T) {
	_, d := fixture(t)
	srv := serve(t, d)

	resp, env := post(t, srv, "get_signals", nil, nil)
	// Protocol failures still ride HTTP 200.
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, adcp.StatusFailed, env.Status)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, models.CodeAuthenticationError, env.Errors[0].Code)
}

func TestInvalidToken(t *testing.T) {
	_, d := fixture(t)
	srv := serve(t, d)

	_, env := post(t, srv, "get_signals", nil, map[string]string{auth.HeaderAuth: "nope"})
	require.Equal(t, adcp.StatusFailed, env.Status)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, models.CodeInvalidAuthToken, env.Errors[0].Code)
}

func TestInactiveTenant(t *testing.T) {
	store, d := fixture(t)
	store.tenants["t1"].Active = false
	srv := serve(t, d)

	_, env := post(t, srv, "get_products", nil, nil)
	require.Equal(t, adcp.StatusFailed, env.Status)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, models.CodeAuthenticationError, env.Errors[0].Code)
}

func TestUnknownTool(t *testing.T) {
	_, d := fixture(t)
	srv := serve(t, d)

	_, env := post(t, srv, "frobnicate", nil, nil)
	require.Equal(t, adcp.StatusFailed, env.Status)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, models.CodeToolError, env.Errors[0].Code)
}

func TestMalformedBody(t *testing.T) {
	_, d := fixture(t)
	srv := serve(t, d)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/adcp/v1/get_signals",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Host = "t1.example.com"
	req.Header.Set(auth.HeaderAuth, "tok-adv1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env adcp.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.Equal(t, adcp.StatusFailed, env.Status)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, models.CodeValidationError, env.Errors[0].Code)
}

func TestPanicBecomesToolError(t *testing.T) {
	_, d := fixture(t)
	d.tools["boom"] = tool{handler: func(context.Context, *Call) (*adcp.Envelope, error) {
		panic("kaboom")
	}}
	srv := serve(t, d)

	resp, env := post(t, srv, "boom", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, adcp.StatusFailed, env.Status)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, models.CodeToolError, env.Errors[0].Code)
}

func TestListTasksScopedToCaller(t *testing.T) {
	store, d := fixture(t)
	srv := serve(t, d)

	_, env := post(t, srv, "get_signals", nil, map[string]string{auth.HeaderAuth: "tok-adv1"})
	require.NotEmpty(t, env.ContextID)

	store.steps["step_x"] = &models.WorkflowStep{
		StepID: "step_x", TenantID: "t1", ContextID: env.ContextID,
		StepType: models.StepTypeToolCall, Status: models.StepStatusCompleted,
	}
	store.steps["step_other"] = &models.WorkflowStep{
		StepID: "step_other", TenantID: "t2",
		StepType: models.StepTypeToolCall, Status: models.StepStatusCompleted,
	}

	_, tasksEnv := post(t, srv, "list_tasks", nil, map[string]string{auth.HeaderAuth: "tok-adv1"})
	require.Equal(t, adcp.StatusCompleted, tasksEnv.Status)

	var body adcp.ListTasksResponse
	require.NoError(t, json.Unmarshal(tasksEnv.Payload, &body))
	for _, task := range body.Tasks {
		assert.Equal(t, "t1", task.TenantID)
	}
}

func TestHealthz(t *testing.T) {
	_, d := fixture(t)
	srv := serve(t, d)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, d := fixture(t)
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewRouter(d, reg, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
