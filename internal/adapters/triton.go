package adapters

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// tritonAdapter targets Triton Digital for streaming audio. Audio campaigns
// are trafficked by the publisher's ops team, so creation goes through
// manual approval.
type tritonAdapter struct {
	logger    *zap.Logger
	stationID string
}

func newTriton(cfg map[string]any, logger *zap.Logger) *tritonAdapter {
	return &tritonAdapter{
		logger:    logger.Named("adapter.triton"),
		stationID: configString(cfg, "station_id"),
	}
}

func (t *tritonAdapter) Name() string { return models.AdServerTriton }

func (t *tritonAdapter) ManualApprovalRequired() bool { return true }

func (t *tritonAdapter) ManualApprovalOperations() []string {
	return []string{"create_media_buy", "update_media_buy"}
}

func (t *tritonAdapter) GetSupportedPricingModels() []string {
	return []string{models.PricingModelCPM}
}

func (t *tritonAdapter) CreateMediaBuy(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &CreateResult{PlatformOrderID: "triton-order-" + shortID()}
	for _, pkg := range req.Packages {
		res.Packages = append(res.Packages, PackagePlacement{
			PackageID:          pkg.PackageID,
			PlatformLineItemID: "triton-spot-" + shortID(),
			Status:             models.PackageStatusDraft,
		})
	}
	t.logger.Info("created Triton order",
		zap.String("platform_order_id", res.PlatformOrderID),
		zap.String("station_id", t.stationID))
	return res, nil
}

func (t *tritonAdapter) UpdateMediaBuy(ctx context.Context, platformOrderID string, action UpdateAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if platformOrderID == "" {
		return fmt.Errorf("triton: empty platform order id for action %s", action.Type)
	}
	t.logger.Info("applied Triton update",
		zap.String("platform_order_id", platformOrderID),
		zap.String("action", action.Type))
	return nil
}

func (t *tritonAdapter) AddCreativeAssets(ctx context.Context, up *AssetUpload) ([]AssetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]AssetResult, 0, len(up.Creatives))
	for _, cr := range up.Creatives {
		if cr.Payload.DurationSeconds == 0 && cr.Payload.Snippet == "" {
			return nil, fmt.Errorf("triton: audio creative %s needs a duration", cr.CreativeID)
		}
		out = append(out, AssetResult{
			CreativeID:         cr.CreativeID,
			PlatformCreativeID: "triton-cr-" + shortID(),
			Status:             models.CreativeStatusPending,
		})
	}
	return out, nil
}

func (t *tritonAdapter) AssociateCreatives(ctx context.Context, lineItemIDs, platformCreativeIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.logger.Info("associated Triton creatives",
		zap.Int("spots", len(lineItemIDs)),
		zap.Int("creatives", len(platformCreativeIDs)))
	return nil
}

func (t *tritonAdapter) ApproveOrder(ctx context.Context, platformOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.logger.Info("approved Triton order", zap.String("platform_order_id", platformOrderID))
	return nil
}

func (t *tritonAdapter) UpdatePerformanceIndex(ctx context.Context, platformOrderID string, scores map[string]float64) error {
	// Triton exposes no per-product scoring endpoint.
	return ctx.Err()
}
