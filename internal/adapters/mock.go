package adapters

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// mockAdapter simulates an ad server in memory. It is the default adapter for
// new tenants and the one integration tests run against.
type mockAdapter struct {
	logger *zap.Logger

	// manualApproval and manualOps come from adapter_config so tests can
	// exercise the approval branch against the mock.
	manualApproval bool
	manualOps      []string

	mu     sync.Mutex
	orders map[string]*CreateResult
}

func newMock(cfg map[string]any, logger *zap.Logger) *mockAdapter {
	m := &mockAdapter{
		logger:         logger.Named("adapter.mock"),
		manualApproval: configBool(cfg, "manual_approval_required"),
		orders:         map[string]*CreateResult{},
	}
	if configBool(cfg, "manual_approval_create") {
		m.manualOps = append(m.manualOps, "create_media_buy")
	}
	return m
}

func (m *mockAdapter) Name() string { return models.AdServerMock }

func (m *mockAdapter) ManualApprovalRequired() bool { return m.manualApproval }

func (m *mockAdapter) ManualApprovalOperations() []string { return m.manualOps }

func (m *mockAdapter) GetSupportedPricingModels() []string {
	return []string{
		models.PricingModelCPM,
		models.PricingModelCPCV,
		models.PricingModelCPP,
		models.PricingModelCPC,
		models.PricingModelFlat,
	}
}

func (m *mockAdapter) CreateMediaBuy(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &CreateResult{PlatformOrderID: "mock-order-" + shortID()}
	for _, pkg := range req.Packages {
		res.Packages = append(res.Packages, PackagePlacement{
			PackageID:          pkg.PackageID,
			PlatformLineItemID: "mock-li-" + shortID(),
			Status:             models.PackageStatusActive,
		})
	}
	m.mu.Lock()
	m.orders[res.PlatformOrderID] = res
	m.mu.Unlock()
	m.logger.Info("created mock order",
		zap.String("platform_order_id", res.PlatformOrderID),
		zap.Int("packages", len(res.Packages)))
	return res, nil
}

func (m *mockAdapter) UpdateMediaBuy(ctx context.Context, platformOrderID string, action UpdateAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[platformOrderID]; !ok && platformOrderID != "" {
		// Orders created before a restart are accepted; only an empty id is
		// a caller bug.
		m.orders[platformOrderID] = &CreateResult{PlatformOrderID: platformOrderID}
	}
	if platformOrderID == "" {
		return fmt.Errorf("mock: empty platform order id for action %s", action.Type)
	}
	m.logger.Info("applied mock update",
		zap.String("platform_order_id", platformOrderID),
		zap.String("action", action.Type),
		zap.String("package_id", action.PackageID))
	return nil
}

func (m *mockAdapter) AddCreativeAssets(ctx context.Context, up *AssetUpload) ([]AssetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]AssetResult, 0, len(up.Creatives))
	for _, cr := range up.Creatives {
		out = append(out, AssetResult{
			CreativeID:         cr.CreativeID,
			PlatformCreativeID: "mock-cr-" + shortID(),
			Status:             models.CreativeStatusApproved,
		})
	}
	return out, nil
}

func (m *mockAdapter) AssociateCreatives(ctx context.Context, lineItemIDs, platformCreativeIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.Info("associated mock creatives",
		zap.Int("line_items", len(lineItemIDs)),
		zap.Int("creatives", len(platformCreativeIDs)))
	return nil
}

func (m *mockAdapter) ApproveOrder(ctx context.Context, platformOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.Info("approved mock order", zap.String("platform_order_id", platformOrderID))
	return nil
}

func (m *mockAdapter) UpdatePerformanceIndex(ctx context.Context, platformOrderID string, scores map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.Info("recorded mock performance index",
		zap.String("platform_order_id", platformOrderID),
		zap.Int("products", len(scores)))
	return nil
}

func shortID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
