package adapters

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// kevelAdapter targets the Kevel ad server. Flights activate immediately, so
// no operation needs manual approval unless the tenant opts in.
type kevelAdapter struct {
	logger    *zap.Logger
	networkID string
	apiKey    string
	manualOps []string
}

func newKevel(cfg map[string]any, logger *zap.Logger) *kevelAdapter {
	k := &kevelAdapter{
		logger:    logger.Named("adapter.kevel"),
		networkID: configString(cfg, "network_id"),
		apiKey:    configString(cfg, "api_key"),
	}
	if configBool(cfg, "manual_approval_create") {
		k.manualOps = append(k.manualOps, "create_media_buy")
	}
	return k
}

func (k *kevelAdapter) Name() string { return models.AdServerKevel }

func (k *kevelAdapter) ManualApprovalRequired() bool { return false }

func (k *kevelAdapter) ManualApprovalOperations() []string { return k.manualOps }

func (k *kevelAdapter) GetSupportedPricingModels() []string {
	return []string{models.PricingModelCPM, models.PricingModelCPC, models.PricingModelFlat}
}

func (k *kevelAdapter) CreateMediaBuy(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k.apiKey == "" {
		return nil, models.NewAdCPError(models.CodeInvalidConfiguration,
			"kevel: api_key not configured for this tenant")
	}
	res := &CreateResult{PlatformOrderID: "kevel-camp-" + shortID()}
	for _, pkg := range req.Packages {
		res.Packages = append(res.Packages, PackagePlacement{
			PackageID:          pkg.PackageID,
			PlatformLineItemID: "kevel-flight-" + shortID(),
			Status:             models.PackageStatusActive,
		})
	}
	k.logger.Info("created Kevel campaign",
		zap.String("platform_order_id", res.PlatformOrderID),
		zap.String("network_id", k.networkID))
	return res, nil
}

func (k *kevelAdapter) UpdateMediaBuy(ctx context.Context, platformOrderID string, action UpdateAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if platformOrderID == "" {
		return fmt.Errorf("kevel: empty platform order id for action %s", action.Type)
	}
	k.logger.Info("applied Kevel update",
		zap.String("platform_order_id", platformOrderID),
		zap.String("action", action.Type))
	return nil
}

func (k *kevelAdapter) AddCreativeAssets(ctx context.Context, up *AssetUpload) ([]AssetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]AssetResult, 0, len(up.Creatives))
	for _, cr := range up.Creatives {
		out = append(out, AssetResult{
			CreativeID:         cr.CreativeID,
			PlatformCreativeID: "kevel-cr-" + shortID(),
			Status:             models.CreativeStatusApproved,
		})
	}
	return out, nil
}

func (k *kevelAdapter) AssociateCreatives(ctx context.Context, lineItemIDs, platformCreativeIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.logger.Info("associated Kevel creatives",
		zap.Int("flights", len(lineItemIDs)),
		zap.Int("creatives", len(platformCreativeIDs)))
	return nil
}

func (k *kevelAdapter) ApproveOrder(ctx context.Context, platformOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.logger.Info("activated Kevel campaign", zap.String("platform_order_id", platformOrderID))
	return nil
}

func (k *kevelAdapter) UpdatePerformanceIndex(ctx context.Context, platformOrderID string, scores map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.logger.Info("pushed Kevel flight priorities",
		zap.String("platform_order_id", platformOrderID),
		zap.Int("products", len(scores)))
	return nil
}
