package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

func policyTenant() *models.Tenant {
	return &models.Tenant{
		TenantID: "tenant1",
		Policies: &models.TenantPolicies{
			ProhibitedTerms:      []string{"firearms"},
			ProhibitedCategories: []string{"tobacco"},
			RestrictedTerms:      []string{"alcohol"},
			RequireManualReview:  true,
		},
	}
}

func TestCheckApproved(t *testing.T) {
	c := NewChecker(zap.NewNop())
	res := c.Check(policyTenant(), "Back-to-school sneaker campaign", "SneakerCo")
	assert.Equal(t, StatusApproved, res.Status)
}

func TestCheckBlockedTerm(t *testing.T) {
	c := NewChecker(zap.NewNop())
	res := c.Check(policyTenant(), "Promote Firearms accessories", "")
	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, "firearms", res.Reason)

	err := Violation(res)
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodePolicyViolation, ae.Code)
}

func TestCheckBlockedCategory(t *testing.T) {
	c := NewChecker(zap.NewNop())
	res := c.Check(policyTenant(), "", "Tobacco brand launch")
	assert.Equal(t, StatusBlocked, res.Status)
}

func TestCheckRestricted(t *testing.T) {
	c := NewChecker(zap.NewNop())
	tenant := policyTenant()
	res := c.Check(tenant, "Craft alcohol tasting event", "")
	assert.Equal(t, StatusRestricted, res.Status)
	assert.True(t, RequiresReview(tenant, res))

	tenant.Policies.RequireManualReview = false
	assert.False(t, RequiresReview(tenant, res))
}

func TestCheckNoPolicies(t *testing.T) {
	c := NewChecker(zap.NewNop())
	res := c.Check(&models.Tenant{TenantID: "t"}, "anything at all", "")
	assert.Equal(t, StatusApproved, res.Status)
}

type fakeSetupStore struct {
	products   int
	principals int
	limits     int
	properties int
	inventory  int
	err        error
}

func (f *fakeSetupStore) CountProducts(context.Context, string) (int, error) {
	return f.products, f.err
}
func (f *fakeSetupStore) CountPrincipals(context.Context, string) (int, error) {
	return f.principals, f.err
}
func (f *fakeSetupStore) CountCurrencyLimits(context.Context, string) (int, error) {
	return f.limits, f.err
}
func (f *fakeSetupStore) CountAuthorizedProperties(context.Context, string) (int, error) {
	return f.properties, f.err
}
func (f *fakeSetupStore) CountGAMInventory(context.Context, string) (int, error) {
	return f.inventory, f.err
}

func TestCheckSetupComplete(t *testing.T) {
	g := NewSetupGate(&fakeSetupStore{products: 2, principals: 1, limits: 1, properties: 1})
	tenant := &models.Tenant{TenantID: "t", AdServer: models.AdServerMock, AdminToken: "tok"}
	assert.NoError(t, g.CheckSetup(context.Background(), tenant))
}

func TestCheckSetupListsEveryMissingTask(t *testing.T) {
	g := NewSetupGate(&fakeSetupStore{})
	tenant := &models.Tenant{TenantID: "t", AdServer: models.AdServerMock}
	err := g.CheckSetup(context.Background(), tenant)

	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeSetupIncomplete, ae.Code)
	for _, task := range []string{"product", "principal", "currency limits", "authorized property", "admin token"} {
		if !strings.Contains(ae.Message, task) {
			t.Errorf("message missing task %q: %s", task, ae.Message)
		}
	}
}

func TestCheckSetupAIModeNeedsGeminiKey(t *testing.T) {
	store := &fakeSetupStore{products: 1, principals: 1, limits: 1, properties: 1}
	tenant := &models.Tenant{TenantID: "t", AdServer: models.AdServerMock, AdminToken: "tok",
		ApprovalMode: models.ApprovalModeAIPowered}
	g := NewSetupGate(store)

	err := g.CheckSetup(context.Background(), tenant)
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Message, "Gemini API key")

	tenant.GeminiAPIKey = "key"
	assert.NoError(t, g.CheckSetup(context.Background(), tenant))
}

func TestCheckSetupGAMNeedsInventory(t *testing.T) {
	store := &fakeSetupStore{products: 1, principals: 1, limits: 1, properties: 1}
	tenant := &models.Tenant{TenantID: "t", AdServer: models.AdServerGAM, AdminToken: "tok"}
	g := NewSetupGate(store)

	err := g.CheckSetup(context.Background(), tenant)
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Message, "inventory")

	store.inventory = 40
	assert.NoError(t, g.CheckSetup(context.Background(), tenant))
}

func TestCheckSetupStoreError(t *testing.T) {
	g := NewSetupGate(&fakeSetupStore{err: errors.New("db down")})
	err := g.CheckSetup(context.Background(), &models.Tenant{TenantID: "t"})
	require.Error(t, err)
	var ae *models.AdCPError
	assert.False(t, errors.As(err, &ae), "infrastructure errors must not map to protocol codes")
}
