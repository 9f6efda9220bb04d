package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

type fakeTenantStore struct {
	tenants    map[string]*models.Tenant
	principals []models.Principal
}

func (f *fakeTenantStore) GetTenant(_ context.Context, tenantID string) (*models.Tenant, error) {
	if t, ok := f.tenants[tenantID]; ok {
		return t, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeTenantStore) GetTenantBySubdomain(_ context.Context, subdomain string) (*models.Tenant, error) {
	for _, t := range f.tenants {
		if t.Subdomain == subdomain {
			return t, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeTenantStore) GetTenantByVirtualHost(_ context.Context, host string) (*models.Tenant, error) {
	for _, t := range f.tenants {
		if t.VirtualHost == host {
			return t, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeTenantStore) GetPrincipalByToken(_ context.Context, tenantID, token string) (*models.Principal, error) {
	for i := range f.principals {
		p := &f.principals[i]
		if p.TenantID == tenantID && p.AccessToken == token {
			return p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeTenantStore) GetPrincipalByTokenGlobal(_ context.Context, token string) (*models.Principal, error) {
	for i := range f.principals {
		if f.principals[i].AccessToken == token {
			return &f.principals[i], nil
		}
	}
	return nil, models.ErrNotFound
}

func resolverFixture() (*fakeTenantStore, *Resolver) {
	store := &fakeTenantStore{
		tenants: map[string]*models.Tenant{
			"t1": {TenantID: "t1", Name: "Pub One", Subdomain: "pubone",
				VirtualHost: "ads.pubone.com", AdminToken: "admin-t1", Active: true},
			"t2": {TenantID: "t2", Name: "Pub Two", Subdomain: "pubtwo", Active: true},
		},
		principals: []models.Principal{
			{TenantID: "t1", PrincipalID: "adv1", Name: "Advertiser One", AccessToken: "tok-adv1"},
			{TenantID: "t2", PrincipalID: "adv2", Name: "Advertiser Two", AccessToken: "tok-adv2"},
		},
	}
	return store, NewResolver(store, zap.NewNop())
}

func TestResolveBySubdomainAnonymous(t *testing.T) {
	_, r := resolverFixture()
	id, err := r.Resolve(context.Background(), RequestMeta{Host: "pubone.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "t1", id.Tenant.TenantID)
	assert.Empty(t, id.PrincipalID)
	assert.Equal(t, "anonymous", id.PrincipalName)
	assert.False(t, id.IsAdmin())
}

func TestResolveScopedToken(t *testing.T) {
	_, r := resolverFixture()
	id, err := r.Resolve(context.Background(), RequestMeta{
		Host: "pubone.example.com", Bearer: "tok-adv1",
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", id.Tenant.TenantID)
	assert.Equal(t, "adv1", id.PrincipalID)
}

func TestForeignTokenCannotCrossTenantBoundary(t *testing.T) {
	_, r := resolverFixture()
	// A valid t2 token presented against t1's subdomain must not flip the
	// tenant context to t2.
	_, err := r.Resolve(context.Background(), RequestMeta{
		Host: "pubone.example.com", Bearer: "tok-adv2",
	})
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeInvalidAuthToken, ae.Code)
}

func TestGlobalTokenLookupSetsTenant(t *testing.T) {
	_, r := resolverFixture()
	id, err := r.Resolve(context.Background(), RequestMeta{Bearer: "tok-adv2"})
	require.NoError(t, err)
	assert.Equal(t, "t2", id.Tenant.TenantID)
	assert.Equal(t, "adv2", id.PrincipalID)
}

func TestAdminToken(t *testing.T) {
	_, r := resolverFixture()
	id, err := r.Resolve(context.Background(), RequestMeta{
		TenantHint: "t1", Bearer: "admin-t1",
	})
	require.NoError(t, err)
	assert.Equal(t, "t1_admin", id.PrincipalID)
	assert.True(t, id.IsAdmin())
}

func TestTenantHintFallsBackToTenantID(t *testing.T) {
	_, r := resolverFixture()
	id, err := r.Resolve(context.Background(), RequestMeta{TenantHint: "t2"})
	require.NoError(t, err)
	assert.Equal(t, "t2", id.Tenant.TenantID)
}

func TestVirtualHostResolution(t *testing.T) {
	_, r := resolverFixture()
	id, err := r.Resolve(context.Background(), RequestMeta{VirtualHost: "ads.pubone.com"})
	require.NoError(t, err)
	assert.Equal(t, "t1", id.Tenant.TenantID)
}

func TestNoTenantNoToken(t *testing.T) {
	_, r := resolverFixture()
	_, err := r.Resolve(context.Background(), RequestMeta{Host: "example.com"})
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeAuthenticationError, ae.Code)
}

func TestInactiveTenantGlobalLookup(t *testing.T) {
	store, r := resolverFixture()
	store.tenants["t2"].Active = false
	_, err := r.Resolve(context.Background(), RequestMeta{Bearer: "tok-adv2"})
	var ae *models.AdCPError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.CodeInvalidAuthToken, ae.Code)
}

func TestSubdomainExtraction(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{"pubone.example.com", "pubone"},
		{"pubone.example.com:8080", "pubone"},
		{"Pubone.example.com", "pubone"},
		{"example.com", ""},
		{"www.example.com", ""},
		{"admin.example.com", ""},
		{"localhost:8080", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Subdomain(tc.host), tc.host)
	}
}
