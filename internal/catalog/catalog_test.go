package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/policy"
)

type fakeStore struct {
	products   []models.Product
	formats    []models.CreativeFormat
	properties []models.AuthorizedProperty
	tags       []models.PropertyTag
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

func (f *fakeStore) ListCreativeFormats(_ context.Context, tenantID string) ([]models.CreativeFormat, error) {
	var out []models.CreativeFormat
	for _, fm := range f.formats {
		if fm.TenantID == "" || fm.TenantID == tenantID {
			out = append(out, fm)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAuthorizedProperties(_ context.Context, tenantID string) ([]models.AuthorizedProperty, error) {
	var out []models.AuthorizedProperty
	for _, p := range f.properties {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPropertyTags(_ context.Context, tenantID string) ([]models.PropertyTag, error) {
	var out []models.PropertyTag
	for _, tg := range f.tags {
		if tg.TenantID == tenantID {
			out = append(out, tg)
		}
	}
	return out, nil
}

func fixture(t *testing.T) (*fakeStore, *Service, *auth.Identity) {
	t.Helper()
	agent := "https://agent.example.com"
	store := &fakeStore{
		products: []models.Product{
			{TenantID: "t1", ProductID: "video_preroll", Name: "Video Pre-Roll",
				Formats: []models.FormatRef{{AgentURL: agent, ID: "video_15s"}},
				PricingOptions: []models.PricingOption{
					{PricingModel: models.PricingModelCPM, Currency: "USD", IsFixed: true, Rate: 25}}},
			{TenantID: "t1", ProductID: "display_ros", Name: "Run of Site Display",
				Formats: []models.FormatRef{{AgentURL: agent, ID: "display_300x250"}},
				PricingOptions: []models.PricingOption{
					{PricingModel: models.PricingModelCPM, Currency: "USD", IsFixed: true, Rate: 5}}},
			{TenantID: "t2", ProductID: "other", Name: "Other Tenant"},
		},
		formats: []models.CreativeFormat{
			{FormatID: "video_15s", AgentURL: agent, Type: "video", IsStandard: true},
			{FormatID: "display_300x250", AgentURL: agent, Type: "display", IsStandard: true},
			{TenantID: "t1", FormatID: "homepage_takeover", AgentURL: agent, Type: "display"},
		},
		properties: []models.AuthorizedProperty{
			{TenantID: "t1", PropertyID: "prop_site", PropertyType: "website",
				Name: "News Site", Tags: []string{"news"}, Verified: true},
		},
		tags: []models.PropertyTag{
			{TenantID: "t1", TagID: "news", Name: "News"},
		},
	}
	svc := NewService(store, policy.NewChecker(zap.NewNop()), zap.NewNop())
	id := &auth.Identity{
		Tenant:      &models.Tenant{TenantID: "t1", Active: true},
		Principal:   &models.Principal{TenantID: "t1", PrincipalID: "adv1", Name: "Advertiser"},
		PrincipalID: "adv1", PrincipalName: "Advertiser",
	}
	return store, svc, id
}

func TestGetProductsAuthenticatedSeesPricing(t *testing.T) {
	_, svc, id := fixture(t)
	resp, err := svc.GetProducts(context.Background(), id, &adcp.GetProductsRequest{Brief: "awareness"})
	require.NoError(t, err)
	require.Len(t, resp.Products, 2)
	for _, p := range resp.Products {
		assert.NotEmpty(t, p.PricingOptions, p.ProductID)
	}
}

func TestGetProductsAnonymousPricingStripped(t *testing.T) {
	_, svc, _ := fixture(t)
	anon := &auth.Identity{Tenant: &models.Tenant{TenantID: "t1", Active: true}}
	resp, err := svc.GetProducts(context.Background(), anon, &adcp.GetProductsRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Products, 2)
	for _, p := range resp.Products {
		assert.Empty(t, p.PricingOptions, p.ProductID)
	}
}

func TestGetProductsFormatTypeFilter(t *testing.T) {
	_, svc, id := fixture(t)
	resp, err := svc.GetProducts(context.Background(), id, &adcp.GetProductsRequest{
		FormatTypes: []string{"video"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Products, 1)
	assert.Equal(t, "video_preroll", resp.Products[0].ProductID)
}

func TestGetProductsBlockedBrief(t *testing.T) {
	_, svc, id := fixture(t)
	id.Tenant.Policies = &models.TenantPolicies{ProhibitedTerms: []string{"firearms"}}
	_, err := svc.GetProducts(context.Background(), id, &adcp.GetProductsRequest{
		Brief: "Firearms clearance sale",
	})
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodePolicyViolation, ae.Code)
}

func TestGetProductsTenantScoped(t *testing.T) {
	_, svc, id := fixture(t)
	resp, err := svc.GetProducts(context.Background(), id, &adcp.GetProductsRequest{})
	require.NoError(t, err)
	for _, p := range resp.Products {
		assert.NotEqual(t, "other", p.ProductID)
	}
}

func TestListCreativeFormatsMergesStandardAndCustom(t *testing.T) {
	_, svc, id := fixture(t)
	resp, err := svc.ListCreativeFormats(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, resp.Formats, 3)

	var custom int
	for _, f := range resp.Formats {
		if !f.IsStandard {
			custom++
			assert.Equal(t, "homepage_takeover", f.FormatID)
		}
	}
	assert.Equal(t, 1, custom)
}

func TestListCreativeAgentsGroupsByAgentURL(t *testing.T) {
	store, svc, id := fixture(t)
	store.formats = append(store.formats, models.CreativeFormat{
		FormatID: "audio_30s", AgentURL: "https://Other-Agent.example.com/", Type: "audio",
	})

	resp, err := svc.ListCreativeAgents(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, resp.Agents, 2)

	// Sorted by normalized URL; trailing slash and case folded away.
	assert.Equal(t, "https://agent.example.com", resp.Agents[0].AgentURL)
	assert.ElementsMatch(t, []string{"video_15s", "display_300x250", "homepage_takeover"},
		resp.Agents[0].FormatIDs)
	assert.Equal(t, "https://other-agent.example.com", resp.Agents[1].AgentURL)
	assert.Equal(t, []string{"audio_30s"}, resp.Agents[1].FormatIDs)
}

func TestListAuthorizedProperties(t *testing.T) {
	_, svc, id := fixture(t)
	resp, err := svc.ListAuthorizedProperties(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, resp.Properties, 1)
	assert.Equal(t, "prop_site", resp.Properties[0].PropertyID)
	require.Len(t, resp.Tags, 1)
	assert.Equal(t, "news", resp.Tags[0].TagID)
}
