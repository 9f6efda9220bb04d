package models

import "time"

// Creative approval modes a tenant can choose from.
const (
	ApprovalModeAuto      = "auto-approve"
	ApprovalModeHuman     = "require-human"
	ApprovalModeAIPowered = "ai-powered"
)

// Ad server identifiers recognised by the adapter factory.
const (
	AdServerMock   = "mock"
	AdServerGAM    = "google_ad_manager"
	AdServerKevel  = "kevel"
	AdServerTriton = "triton"
)

// Tenant represents a publisher. The tenant owns every row keyed on its id.
type Tenant struct {
	TenantID          string            `json:"tenant_id"`
	Name              string            `json:"name"`
	Subdomain         string            `json:"subdomain"`
	VirtualHost       string            `json:"virtual_host,omitempty"`
	AdServer          string            `json:"ad_server"`
	AdapterConfig     map[string]any    `json:"adapter_config,omitempty"`
	AuthorizedDomains []string          `json:"authorized_domains,omitempty"`
	AdminToken        string            `json:"-"`
	AutoCreateMediaBuys bool            `json:"auto_create_media_buys"`
	ApprovalMode      string            `json:"approval_mode"`
	SlackWebhookURL   string            `json:"-"`
	GeminiAPIKey      string            `json:"-"`
	Policies          *TenantPolicies   `json:"policies,omitempty"`
	Active            bool              `json:"active"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// TenantPolicies holds optional policy settings applied to inbound briefs.
type TenantPolicies struct {
	// ProhibitedCategories are advertiser categories the publisher refuses.
	ProhibitedCategories []string `json:"prohibited_categories,omitempty"`
	// ProhibitedTerms block a brief outright when present in its text.
	ProhibitedTerms []string `json:"prohibited_terms,omitempty"`
	// RestrictedTerms flag a brief for review rather than blocking it.
	RestrictedTerms []string `json:"restricted_terms,omitempty"`
	// RequireManualReview routes RESTRICTED outcomes to a policy_review step.
	RequireManualReview bool `json:"require_manual_review,omitempty"`
}

// AdminPrincipalID returns the synthetic principal id recognised when the
// tenant admin token is presented as the bearer.
func (t *Tenant) AdminPrincipalID() string {
	return t.TenantID + "_admin"
}

// Principal represents an advertiser identity within a tenant, authenticated
// by an opaque bearer token. PlatformMappings maps an ad-server name to the
// advertiser id on that platform.
type Principal struct {
	TenantID         string            `json:"tenant_id"`
	PrincipalID      string            `json:"principal_id"`
	Name             string            `json:"name"`
	AccessToken      string            `json:"-"`
	PlatformMappings map[string]string `json:"platform_mappings,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// AdvertiserIDFor returns the platform advertiser id for the given ad server.
func (p *Principal) AdvertiserIDFor(adServer string) string {
	if p == nil || p.PlatformMappings == nil {
		return ""
	}
	return p.PlatformMappings[adServer]
}

// IsAdmin reports whether the principal is the tenant's synthetic admin.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.PrincipalID == p.TenantID+"_admin"
}

// CurrencyLimit bounds package budgets for a (tenant, currency) pair.
// Zero values mean "no limit".
type CurrencyLimit struct {
	TenantID string `json:"tenant_id"`
	Currency string `json:"currency"`
	// MinPackageBudget is the smallest acceptable budget per package.
	MinPackageBudget float64 `json:"min_package_budget,omitempty"`
	// MaxDailyPackageSpend caps budget/flight_days for each package
	// individually, never aggregated across packages.
	MaxDailyPackageSpend float64 `json:"max_daily_package_spend,omitempty"`
}
