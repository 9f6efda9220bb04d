package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// SetupStore is the subset of persistence the setup gate needs.
type SetupStore interface {
	CountProducts(ctx context.Context, tenantID string) (int, error)
	CountPrincipals(ctx context.Context, tenantID string) (int, error)
	CountCurrencyLimits(ctx context.Context, tenantID string) (int, error)
	CountAuthorizedProperties(ctx context.Context, tenantID string) (int, error)
	CountGAMInventory(ctx context.Context, tenantID string) (int, error)
}

// SetupGate blocks transactional tools until the tenant finished onboarding.
// Discovery tools are exempt and never consult the gate.
type SetupGate struct {
	store SetupStore
}

// NewSetupGate builds a SetupGate.
func NewSetupGate(store SetupStore) *SetupGate {
	return &SetupGate{store: store}
}

// CheckSetup returns a setup_incomplete error naming every missing task, or
// nil when the tenant is ready to transact. The mock ad server needs no
// inventory sync; Google Ad Manager requires synced inventory rows.
func (g *SetupGate) CheckSetup(ctx context.Context, tenant *models.Tenant) error {
	var missing []string

	products, err := g.store.CountProducts(ctx, tenant.TenantID)
	if err != nil {
		return fmt.Errorf("count products: %w", err)
	}
	if products == 0 {
		missing = append(missing, "configure at least one product")
	}

	principals, err := g.store.CountPrincipals(ctx, tenant.TenantID)
	if err != nil {
		return fmt.Errorf("count principals: %w", err)
	}
	if principals == 0 {
		missing = append(missing, "create at least one principal")
	}

	limits, err := g.store.CountCurrencyLimits(ctx, tenant.TenantID)
	if err != nil {
		return fmt.Errorf("count currency limits: %w", err)
	}
	if limits == 0 {
		missing = append(missing, "configure currency limits")
	}

	properties, err := g.store.CountAuthorizedProperties(ctx, tenant.TenantID)
	if err != nil {
		return fmt.Errorf("count authorized properties: %w", err)
	}
	if properties == 0 {
		missing = append(missing, "register at least one authorized property")
	}

	if tenant.AdminToken == "" {
		missing = append(missing, "set the tenant admin token")
	}
	if tenant.ApprovalMode == models.ApprovalModeAIPowered && tenant.GeminiAPIKey == "" {
		missing = append(missing, "configure the Gemini API key for AI creative review")
	}

	if tenant.AdServer == models.AdServerGAM {
		inv, err := g.store.CountGAMInventory(ctx, tenant.TenantID)
		if err != nil {
			return fmt.Errorf("count gam inventory: %w", err)
		}
		if inv == 0 {
			missing = append(missing, "sync ad server inventory")
		}
	}

	if len(missing) > 0 {
		return models.NewAdCPError(models.CodeSetupIncomplete,
			"tenant setup incomplete: %s", strings.Join(missing, "; "))
	}
	return nil
}
