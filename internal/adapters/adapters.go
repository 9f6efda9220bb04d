// Package adapters abstracts the downstream ad servers a tenant can be
// provisioned against. Every adapter implements Port; the orchestrator never
// talks to a platform directly.
package adapters

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// Update action types understood by UpdateMediaBuy. Each action is a discrete
// platform mutation; callers apply them in order and abort on first failure.
const (
	ActionPauseMediaBuy     = "pause_media_buy"
	ActionResumeMediaBuy    = "resume_media_buy"
	ActionUpdateBudget      = "update_budget"
	ActionUpdateFlight      = "update_flight"
	ActionPausePackage      = "pause_package"
	ActionResumePackage     = "resume_package"
	ActionUpdatePackage     = "update_package"
)

// CreateRequest carries everything an adapter needs to create a media buy on
// its platform.
type CreateRequest struct {
	MediaBuy *models.MediaBuy
	Packages []*models.MediaPackage
	// Pricing is keyed by package id.
	Pricing map[string]*models.ResolvedPricing
	// AdvertiserID is the principal's advertiser id on this platform.
	AdvertiserID string
	// AlreadyApproved suppresses the platform's own approval flow; set by
	// the post-approval execution path.
	AlreadyApproved bool
}

// PackagePlacement is one created line item. PlatformLineItemID identifies it
// on the platform; PackageID must always echo the request package.
type PackagePlacement struct {
	PackageID          string
	PlatformLineItemID string
	Status             string
}

// CreateResult is the platform-side outcome of a create.
type CreateResult struct {
	PlatformOrderID string
	Packages        []PackagePlacement
}

// UpdateAction is one discrete platform mutation.
type UpdateAction struct {
	Type        string
	PackageID   string
	Budget      float64
	Impressions int64
	StartTime   time.Time
	EndTime     time.Time
}

// AssetUpload carries creatives to push to the platform.
type AssetUpload struct {
	MediaBuyID   string
	AdvertiserID string
	Creatives    []*models.Creative
}

// AssetResult is one uploaded creative's platform identity.
type AssetResult struct {
	CreativeID         string
	PlatformCreativeID string
	Status             string
}

// Port is the downstream ad-server contract.
type Port interface {
	// Name identifies the adapter in logs and metrics.
	Name() string
	// ManualApprovalRequired reports whether the platform needs human
	// sign-off before activating orders at all.
	ManualApprovalRequired() bool
	// ManualApprovalOperations lists the operations that need human
	// sign-off even when ManualApprovalRequired is false.
	ManualApprovalOperations() []string
	// GetSupportedPricingModels lists pricing models this platform accepts.
	GetSupportedPricingModels() []string

	CreateMediaBuy(ctx context.Context, req *CreateRequest) (*CreateResult, error)
	UpdateMediaBuy(ctx context.Context, platformOrderID string, action UpdateAction) error
	AddCreativeAssets(ctx context.Context, up *AssetUpload) ([]AssetResult, error)
	AssociateCreatives(ctx context.Context, lineItemIDs, platformCreativeIDs []string) error
	ApproveOrder(ctx context.Context, platformOrderID string) error
	UpdatePerformanceIndex(ctx context.Context, platformOrderID string, scores map[string]float64) error
}

// New returns the adapter for the tenant's configured ad server. Unknown
// values fall back to the mock adapter so a misconfigured tenant degrades to
// simulation instead of erroring on every call.
func New(tenant *models.Tenant, logger *zap.Logger) Port {
	if logger == nil {
		logger = zap.L()
	}
	cfg := tenant.AdapterConfig
	switch tenant.AdServer {
	case models.AdServerGAM:
		return newGAM(cfg, logger)
	case models.AdServerKevel:
		return newKevel(cfg, logger)
	case models.AdServerTriton:
		return newTriton(cfg, logger)
	case models.AdServerMock, "":
		return newMock(cfg, logger)
	default:
		logger.Warn("unknown ad server, using mock adapter",
			zap.String("tenant_id", tenant.TenantID),
			zap.String("ad_server", tenant.AdServer))
		return newMock(cfg, logger)
	}
}

func configBool(cfg map[string]any, key string) bool {
	if cfg == nil {
		return false
	}
	v, _ := cfg[key].(bool)
	return v
}

func configString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	v, _ := cfg[key].(string)
	return v
}
