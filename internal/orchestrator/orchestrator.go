// Package orchestrator drives the media-buy pipeline: request validation,
// policy and setup gates, pricing resolution, the approval decision, adapter
// execution and persistence.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adapters"
	"github.com/adcontextprotocol/salesagent/internal/db"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
	"github.com/adcontextprotocol/salesagent/internal/policy"
	"github.com/adcontextprotocol/salesagent/internal/workflow"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	GetPrincipal(ctx context.Context, tenantID, principalID string) (*models.Principal, error)
	GetProduct(ctx context.Context, tenantID, productID string) (*models.Product, error)
	GetCurrencyLimit(ctx context.Context, tenantID, currency string) (*models.CurrencyLimit, error)
	CountCurrencyLimits(ctx context.Context, tenantID string) (int, error)

	InsertMediaBuy(ctx context.Context, m *models.MediaBuy) error
	GetMediaBuy(ctx context.Context, tenantID, mediaBuyID string) (*models.MediaBuy, error)
	GetMediaBuyByBuyerRef(ctx context.Context, tenantID, principalID, buyerRef string) (*models.MediaBuy, error)
	UpdateMediaBuyStatus(ctx context.Context, tenantID, mediaBuyID, status string) error
	UpdateMediaBuyBudget(ctx context.Context, tenantID, mediaBuyID string, budget float64, buyerRef string) error
	UpdateMediaBuyFlight(ctx context.Context, tenantID, mediaBuyID string, start, end time.Time) error
	SetMediaBuyPlatformOrder(ctx context.Context, tenantID, mediaBuyID, platformOrderID string) error

	InsertMediaPackage(ctx context.Context, pkg *models.MediaPackage) error
	ListMediaPackages(ctx context.Context, mediaBuyID string) ([]models.MediaPackage, error)
	UpdateMediaPackage(ctx context.Context, pkg *models.MediaPackage) error

	GetCreative(ctx context.Context, tenantID, principalID, creativeID string) (*models.Creative, error)
	SetPlatformCreativeID(ctx context.Context, tenantID, principalID, creativeID, platformID string) error
	InsertAssignment(ctx context.Context, a *models.CreativeAssignment) error
	ListAssignmentsForBuy(ctx context.Context, mediaBuyID string) ([]models.CreativeAssignment, error)

	ListMappingsForStep(ctx context.Context, stepID string) ([]models.ObjectWorkflowMapping, error)
}

// SetupChecker gates transactional tools on tenant onboarding.
type SetupChecker interface {
	CheckSetup(ctx context.Context, tenant *models.Tenant) error
}

// AdapterFactory returns the (instrumented) adapter for a tenant.
type AdapterFactory func(tenant *models.Tenant) adapters.Port

// Service orchestrates media-buy operations.
type Service struct {
	store    Store
	engine   *workflow.Engine
	checker  *policy.Checker
	gate     SetupChecker
	adapters AdapterFactory
	redis    *db.RedisStore
	slack    *workflow.SlackNotifier
	audit    *observability.AuditLogger
	logger   *zap.Logger
	now      func() time.Time
}

// NewService builds the orchestrator and registers its approval completion
// hooks with the workflow engine.
func NewService(store Store, engine *workflow.Engine, checker *policy.Checker, gate SetupChecker,
	factory AdapterFactory, redis *db.RedisStore, slack *workflow.SlackNotifier,
	audit *observability.AuditLogger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	s := &Service{
		store:    store,
		engine:   engine,
		checker:  checker,
		gate:     gate,
		adapters: factory,
		redis:    redis,
		slack:    slack,
		audit:    audit,
		logger:   logger.Named("orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	engine.RegisterCompletionHook(models.StepTypeMediaBuyCreation, s.approvalHook)
	engine.RegisterCompletionHook(models.StepTypePolicyReview, s.approvalHook)
	return s
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// approvalHook runs when a publisher resolves a pending media-buy step.
func (s *Service) approvalHook(ctx context.Context, step *models.WorkflowStep, outcome string) error {
	mappings, err := s.store.ListMappingsForStep(ctx, step.StepID)
	if err != nil {
		return err
	}
	var mediaBuyID string
	for _, m := range mappings {
		if m.ObjectType == "media_buy" {
			mediaBuyID = m.ObjectID
			break
		}
	}
	if mediaBuyID == "" {
		return nil
	}
	if outcome == models.StepStatusFailed {
		return s.store.UpdateMediaBuyStatus(ctx, step.TenantID, mediaBuyID, models.MediaBuyStatusFailed)
	}
	return s.ExecuteApprovedMediaBuy(ctx, step.TenantID, mediaBuyID)
}

// currencyLimitFor loads the tenant's limit for a currency. When the tenant
// has configured limits but none for this currency, the currency is not
// supported at all.
func (s *Service) currencyLimitFor(ctx context.Context, tenantID, currency string) (*models.CurrencyLimit, error) {
	limit, err := s.store.GetCurrencyLimit(ctx, tenantID, currency)
	if err == nil {
		return limit, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	n, err := s.store.CountCurrencyLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, models.NewAdCPError(models.CodeCurrencyNotSupported,
			"tenant does not transact in %s", currency)
	}
	return nil, nil
}

func manualApprovalNeeded(a adapters.Port, tenant *models.Tenant, products []*models.Product) bool {
	if a.ManualApprovalRequired() {
		return true
	}
	for _, op := range a.ManualApprovalOperations() {
		if op == "create_media_buy" {
			return true
		}
	}
	if !tenant.AutoCreateMediaBuys {
		return true
	}
	for _, p := range products {
		if !p.AutoCreateEnabled {
			return true
		}
	}
	return false
}
