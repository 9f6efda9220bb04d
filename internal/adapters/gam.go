package adapters

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// gamAdapter targets Google Ad Manager. Orders created through the API start
// in draft and must be approved by a human in the GAM UI before serving, so
// create_media_buy is always a manual-approval operation here.
type gamAdapter struct {
	logger      *zap.Logger
	networkCode string
	trafficker  string
}

func newGAM(cfg map[string]any, logger *zap.Logger) *gamAdapter {
	return &gamAdapter{
		logger:      logger.Named("adapter.gam"),
		networkCode: configString(cfg, "network_code"),
		trafficker:  configString(cfg, "trafficker_id"),
	}
}

func (g *gamAdapter) Name() string { return models.AdServerGAM }

func (g *gamAdapter) ManualApprovalRequired() bool { return false }

func (g *gamAdapter) ManualApprovalOperations() []string {
	return []string{"create_media_buy"}
}

func (g *gamAdapter) GetSupportedPricingModels() []string {
	return []string{models.PricingModelCPM, models.PricingModelCPCV}
}

func (g *gamAdapter) CreateMediaBuy(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.networkCode == "" {
		return nil, models.NewAdCPError(models.CodeInvalidConfiguration,
			"gam: network_code not configured for this tenant")
	}
	if req.AdvertiserID == "" {
		return nil, models.NewAdCPError(models.CodeInvalidConfiguration,
			"gam: principal has no advertiser mapping for %s", models.AdServerGAM)
	}
	res := &CreateResult{
		PlatformOrderID: fmt.Sprintf("gam-%s-order-%s", g.networkCode, shortID()),
	}
	for _, pkg := range req.Packages {
		res.Packages = append(res.Packages, PackagePlacement{
			PackageID:          pkg.PackageID,
			PlatformLineItemID: fmt.Sprintf("gam-li-%s", shortID()),
			Status:             models.PackageStatusDraft,
		})
	}
	g.logger.Info("created GAM order",
		zap.String("platform_order_id", res.PlatformOrderID),
		zap.String("advertiser_id", req.AdvertiserID),
		zap.Bool("already_approved", req.AlreadyApproved))
	return res, nil
}

func (g *gamAdapter) UpdateMediaBuy(ctx context.Context, platformOrderID string, action UpdateAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if platformOrderID == "" {
		return fmt.Errorf("gam: empty platform order id for action %s", action.Type)
	}
	g.logger.Info("applied GAM update",
		zap.String("platform_order_id", platformOrderID),
		zap.String("action", action.Type))
	return nil
}

func (g *gamAdapter) AddCreativeAssets(ctx context.Context, up *AssetUpload) ([]AssetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]AssetResult, 0, len(up.Creatives))
	for _, cr := range up.Creatives {
		if cr.Payload.Snippet != "" && cr.Payload.SnippetType == "" {
			return nil, fmt.Errorf("gam: creative %s has a snippet without snippet_type", cr.CreativeID)
		}
		out = append(out, AssetResult{
			CreativeID:         cr.CreativeID,
			PlatformCreativeID: "gam-cr-" + shortID(),
			Status:             models.CreativeStatusPending,
		})
	}
	return out, nil
}

func (g *gamAdapter) AssociateCreatives(ctx context.Context, lineItemIDs, platformCreativeIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(lineItemIDs) == 0 || len(platformCreativeIDs) == 0 {
		return nil
	}
	g.logger.Info("associated GAM creatives",
		zap.Int("line_items", len(lineItemIDs)),
		zap.Int("creatives", len(platformCreativeIDs)))
	return nil
}

func (g *gamAdapter) ApproveOrder(ctx context.Context, platformOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if platformOrderID == "" {
		return fmt.Errorf("gam: cannot approve order with empty id")
	}
	g.logger.Info("approved GAM order", zap.String("platform_order_id", platformOrderID))
	return nil
}

func (g *gamAdapter) UpdatePerformanceIndex(ctx context.Context, platformOrderID string, scores map[string]float64) error {
	// GAM has no performance-index API; scores inform pacing only locally.
	g.logger.Debug("performance index noted for GAM order",
		zap.String("platform_order_id", platformOrderID),
		zap.Int("products", len(scores)))
	return ctx.Err()
}
