// Package auth maps inbound requests to a (tenant, principal) pair using
// subdomain, tenant-hint header and virtual-host signals, then validates the
// bearer token scoped to the resolved tenant.
package auth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// Headers honored by the resolver.
const (
	HeaderAuth        = "x-adcp-auth"
	HeaderTenant      = "x-adcp-tenant"
	HeaderVirtualHost = "apx-incoming-host"
)

// reservedSubdomains never resolve to a tenant.
var reservedSubdomains = map[string]bool{
	"admin":     true,
	"www":       true,
	"localhost": true,
}

// TenantStore is the subset of persistence the resolver needs.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	GetTenantBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error)
	GetTenantByVirtualHost(ctx context.Context, host string) (*models.Tenant, error)
	GetPrincipalByToken(ctx context.Context, tenantID, token string) (*models.Principal, error)
	GetPrincipalByTokenGlobal(ctx context.Context, token string) (*models.Principal, error)
}

// RequestMeta carries the header values the resolver inspects.
type RequestMeta struct {
	Host        string // Host header
	TenantHint  string // x-adcp-tenant
	VirtualHost string // apx-incoming-host
	Bearer      string // x-adcp-auth
}

// Identity is the resolver outcome. Principal is nil for unauthenticated
// discovery calls.
type Identity struct {
	Tenant    *models.Tenant
	Principal *models.Principal
	// PrincipalID is "{tenant_id}_admin" for the admin bearer, the
	// principal's id otherwise, empty when unauthenticated.
	PrincipalID string
	// PrincipalName is "anonymous" when unauthenticated; used for audit.
	PrincipalName string
}

// IsAdmin reports whether the identity is the tenant admin.
func (id *Identity) IsAdmin() bool {
	return id.Tenant != nil && id.PrincipalID == id.Tenant.AdminPrincipalID()
}

// Resolver resolves request metadata to an Identity.
type Resolver struct {
	store  TenantStore
	logger *zap.Logger
}

// NewResolver builds a Resolver.
func NewResolver(store TenantStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.L()
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve maps request metadata to (tenant, principal).
//
// The tenant is fixed from subdomain, tenant hint, or virtual host before the
// token is consulted. When a tenant was fixed that way, the principal lookup
// is scoped to it and must not overwrite the tenant context from the
// principal's row; only the global token lookup is allowed to set the tenant.
// This isolation rule is load-bearing for multi-tenant safety.
func (r *Resolver) Resolve(ctx context.Context, meta RequestMeta) (*Identity, error) {
	tenant, err := r.resolveTenant(ctx, meta)
	if err != nil {
		return nil, err
	}

	if meta.Bearer == "" {
		if tenant == nil {
			return nil, models.NewAdCPError(models.CodeAuthenticationError, "no tenant could be resolved for the request")
		}
		return &Identity{Tenant: tenant, PrincipalName: "anonymous"}, nil
	}

	if tenant != nil {
		// Tenant context already fixed: scoped lookup only.
		if meta.Bearer == tenant.AdminToken && tenant.AdminToken != "" {
			return &Identity{
				Tenant:        tenant,
				PrincipalID:   tenant.AdminPrincipalID(),
				PrincipalName: tenant.Name + " admin",
			}, nil
		}
		principal, err := r.store.GetPrincipalByToken(ctx, tenant.TenantID, meta.Bearer)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, models.NewAdCPError(models.CodeInvalidAuthToken, "token not recognized for tenant %s", tenant.TenantID)
			}
			return nil, err
		}
		return &Identity{
			Tenant:        tenant,
			Principal:     principal,
			PrincipalID:   principal.PrincipalID,
			PrincipalName: principal.Name,
		}, nil
	}

	// No tenant hint: the global lookup sets the tenant context.
	principal, err := r.store.GetPrincipalByTokenGlobal(ctx, meta.Bearer)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewAdCPError(models.CodeInvalidAuthToken, "token not recognized")
		}
		return nil, err
	}
	tenant, err = r.store.GetTenant(ctx, principal.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, models.NewAdCPError(models.CodeInvalidAuthToken, "tenant %s is not active", tenant.TenantID)
	}
	return &Identity{
		Tenant:        tenant,
		Principal:     principal,
		PrincipalID:   principal.PrincipalID,
		PrincipalName: principal.Name,
	}, nil
}

// resolveTenant tries, in order: Host subdomain, x-adcp-tenant (subdomain
// first, then tenant_id), virtual host. Returns nil when nothing matched.
func (r *Resolver) resolveTenant(ctx context.Context, meta RequestMeta) (*models.Tenant, error) {
	if sub := Subdomain(meta.Host); sub != "" {
		t, err := r.store.GetTenantBySubdomain(ctx, sub)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}

	if hint := strings.TrimSpace(meta.TenantHint); hint != "" {
		t, err := r.store.GetTenantBySubdomain(ctx, hint)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		t, err = r.store.GetTenant(ctx, hint)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}

	if vhost := strings.TrimSpace(meta.VirtualHost); vhost != "" {
		t, err := r.store.GetTenantByVirtualHost(ctx, vhost)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// Subdomain extracts the tenant subdomain from a Host header, returning ""
// for reserved names, bare domains and ip addresses.
func Subdomain(host string) string {
	if host == "" {
		return ""
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	sub := strings.ToLower(parts[0])
	if reservedSubdomains[sub] {
		return ""
	}
	return sub
}
