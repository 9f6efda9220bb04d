package models

import "time"

// AuthorizedProperty is a verified publisher property (site, app, podcast)
// the tenant is allowed to sell against.
type AuthorizedProperty struct {
	TenantID     string   `json:"tenant_id"`
	PropertyID   string   `json:"property_id"`
	PropertyType string   `json:"property_type"` // website | mobile_app | ctv_app | podcast
	Name         string   `json:"name"`
	Identifiers  []string `json:"identifiers"`
	Tags         []string `json:"tags,omitempty"`
	Verified     bool     `json:"verified"`
}

// PropertyTag carries display metadata for a tag used on authorized
// properties.
type PropertyTag struct {
	TenantID    string `json:"tenant_id"`
	TagID       string `json:"tag_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreativeFormat is a tenant-specific format definition layered over the
// creative-agent registry.
type CreativeFormat struct {
	TenantID        string  `json:"tenant_id,omitempty"`
	FormatID        string  `json:"format_id"`
	AgentURL        string  `json:"agent_url"`
	Name            string  `json:"name"`
	Type            string  `json:"type"` // display | video | audio | native
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"duration,omitempty"`
	IsStandard      bool    `json:"is_standard"`
}

// FormatPerformanceMetrics is a rolling aggregate by country and creative
// size, maintained from delivery reads.
type FormatPerformanceMetrics struct {
	TenantID     string    `json:"tenant_id"`
	Country      string    `json:"country"`
	CreativeSize string    `json:"creative_size"`
	Impressions  int64     `json:"impressions"`
	Spend        float64   `json:"spend"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
}

// Signal is an audience or contextual segment available for activation.
type Signal struct {
	TenantID    string  `json:"tenant_id,omitempty"`
	SignalID    string  `json:"signal_id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"` // audience | contextual | geographic
	Provider    string  `json:"provider,omitempty"`
	Description string  `json:"description,omitempty"`
	CoveragePct float64 `json:"coverage_percentage,omitempty"`
	CPMUplift   float64 `json:"cpm_uplift,omitempty"`
	// RequiresActivation marks signals that need platform-side setup before
	// they can be targeted.
	RequiresActivation bool `json:"requires_activation,omitempty"`
}
