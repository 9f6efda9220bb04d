package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

const tenantColumns = `tenant_id, name, subdomain, virtual_host, ad_server, adapter_config,
    authorized_domains, admin_token, auto_create_media_buys, approval_mode,
    slack_webhook_url, gemini_api_key, policies, active, created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (*models.Tenant, error) {
	var t models.Tenant
	var vhost, slack, gemini sql.NullString
	var adapterCfg, policies []byte
	var domains []string
	if err := row.Scan(&t.TenantID, &t.Name, &t.Subdomain, &vhost, &t.AdServer, &adapterCfg,
		pq.Array(&domains), &t.AdminToken, &t.AutoCreateMediaBuys, &t.ApprovalMode,
		&slack, &gemini, &policies, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.VirtualHost = vhost.String
	t.SlackWebhookURL = slack.String
	t.GeminiAPIKey = gemini.String
	t.AuthorizedDomains = domains
	if len(adapterCfg) > 0 {
		if err := json.Unmarshal(adapterCfg, &t.AdapterConfig); err != nil {
			return nil, fmt.Errorf("parse adapter_config: %w", err)
		}
	}
	if len(policies) > 0 {
		if err := json.Unmarshal(policies, &t.Policies); err != nil {
			return nil, fmt.Errorf("parse policies: %w", err)
		}
	}
	return &t, nil
}

// GetTenant fetches a tenant by id.
func (p *Postgres) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_id=$1`, tenantID)
	return scanTenant(row)
}

// GetTenantBySubdomain fetches a tenant by its unique subdomain.
func (p *Postgres) GetTenantBySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE subdomain=$1`, subdomain)
	return scanTenant(row)
}

// GetTenantByVirtualHost fetches a tenant by virtual host.
func (p *Postgres) GetTenantByVirtualHost(ctx context.Context, host string) (*models.Tenant, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE virtual_host=$1`, host)
	return scanTenant(row)
}

// InsertTenant stores a new tenant.
func (p *Postgres) InsertTenant(ctx context.Context, t *models.Tenant) error {
	adapterCfg, _ := json.Marshal(t.AdapterConfig)
	policies, _ := json.Marshal(t.Policies)
	if t.Policies == nil {
		policies = nil
	}
	_, err := p.DB.ExecContext(ctx, `INSERT INTO tenants (
        tenant_id, name, subdomain, virtual_host, ad_server, adapter_config,
        authorized_domains, admin_token, auto_create_media_buys, approval_mode,
        slack_webhook_url, gemini_api_key, policies, active)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.TenantID, t.Name, t.Subdomain, nullStr(t.VirtualHost), t.AdServer, adapterCfg,
		pq.Array(t.AuthorizedDomains), t.AdminToken, t.AutoCreateMediaBuys, t.ApprovalMode,
		nullStr(t.SlackWebhookURL), nullStr(t.GeminiAPIKey), policies, t.Active)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

const principalColumns = `tenant_id, principal_id, name, access_token, platform_mappings, created_at`

func scanPrincipal(row interface{ Scan(...any) error }) (*models.Principal, error) {
	var pr models.Principal
	var mappings []byte
	if err := row.Scan(&pr.TenantID, &pr.PrincipalID, &pr.Name, &pr.AccessToken, &mappings, &pr.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &pr.PlatformMappings); err != nil {
			return nil, fmt.Errorf("parse platform_mappings: %w", err)
		}
	}
	return &pr, nil
}

// GetPrincipal fetches a principal by id within a tenant.
func (p *Postgres) GetPrincipal(ctx context.Context, tenantID, principalID string) (*models.Principal, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE tenant_id=$1 AND principal_id=$2`, tenantID, principalID)
	return scanPrincipal(row)
}

// GetPrincipalByToken looks up a principal by bearer token scoped to one
// tenant. Tokens are opaque and never compared across tenants here.
func (p *Postgres) GetPrincipalByToken(ctx context.Context, tenantID, token string) (*models.Principal, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE tenant_id=$1 AND access_token=$2`, tenantID, token)
	return scanPrincipal(row)
}

// GetPrincipalByTokenGlobal looks up a principal by bearer token across all
// tenants; the owning tenant comes back with the row.
func (p *Postgres) GetPrincipalByTokenGlobal(ctx context.Context, token string) (*models.Principal, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE access_token=$1`, token)
	return scanPrincipal(row)
}

// InsertPrincipal stores a new principal.
func (p *Postgres) InsertPrincipal(ctx context.Context, pr *models.Principal) error {
	mappings, _ := json.Marshal(pr.PlatformMappings)
	_, err := p.DB.ExecContext(ctx, `INSERT INTO principals (tenant_id, principal_id, name, access_token, platform_mappings)
        VALUES ($1,$2,$3,$4,$5)`, pr.TenantID, pr.PrincipalID, pr.Name, pr.AccessToken, mappings)
	if err != nil {
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

// CountPrincipals returns the number of principals for a tenant.
func (p *Postgres) CountPrincipals(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := p.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM principals WHERE tenant_id=$1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count principals: %w", err)
	}
	return n, nil
}

// GetCurrencyLimit fetches the limit for (tenant, currency); ErrNotFound when
// the tenant does not support the currency at all.
func (p *Postgres) GetCurrencyLimit(ctx context.Context, tenantID, currency string) (*models.CurrencyLimit, error) {
	var cl models.CurrencyLimit
	var minBudget, maxDaily sql.NullFloat64
	err := p.DB.QueryRowContext(ctx, `SELECT tenant_id, currency, min_package_budget, max_daily_package_spend
        FROM currency_limits WHERE tenant_id=$1 AND currency=$2`, tenantID, currency).
		Scan(&cl.TenantID, &cl.Currency, &minBudget, &maxDaily)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get currency limit: %w", err)
	}
	cl.MinPackageBudget = minBudget.Float64
	cl.MaxDailyPackageSpend = maxDaily.Float64
	return &cl, nil
}

// UpsertCurrencyLimit stores or replaces a currency limit.
func (p *Postgres) UpsertCurrencyLimit(ctx context.Context, cl *models.CurrencyLimit) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO currency_limits (tenant_id, currency, min_package_budget, max_daily_package_spend)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (tenant_id, currency) DO UPDATE SET min_package_budget=$3, max_daily_package_spend=$4`,
		cl.TenantID, cl.Currency, nullFloat(cl.MinPackageBudget), nullFloat(cl.MaxDailyPackageSpend))
	if err != nil {
		return fmt.Errorf("upsert currency limit: %w", err)
	}
	return nil
}

// CountCurrencyLimits returns how many currencies the tenant has configured.
func (p *Postgres) CountCurrencyLimits(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := p.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM currency_limits WHERE tenant_id=$1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count currency limits: %w", err)
	}
	return n, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
