// Package creatives implements the creative library: sync_creatives upserts
// with per-creative isolation, approval routing per tenant mode, package
// assignments and the list_creatives read side.
package creatives

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/db"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
	"github.com/adcontextprotocol/salesagent/internal/workflow"
)

// Store is the persistence surface the creative service needs.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Savepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error
	GetCreative(ctx context.Context, tenantID, principalID, creativeID string) (*models.Creative, error)
	GetCreativeTx(ctx context.Context, tx *sql.Tx, tenantID, principalID, creativeID string) (*models.Creative, error)
	UpsertCreativeTx(ctx context.Context, tx *sql.Tx, c *models.Creative) error
	UpdateCreativeStatus(ctx context.Context, tenantID, principalID, creativeID, status string) error
	InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a *models.CreativeAssignment) error
	ListCreatives(ctx context.Context, tenantID, principalID string, f db.CreativeFilter) ([]models.Creative, int, error)
	CreativeIDsForBuy(ctx context.Context, mediaBuyID string) ([]string, error)

	GetMediaBuy(ctx context.Context, tenantID, mediaBuyID string) (*models.MediaBuy, error)
	GetMediaBuyByBuyerRef(ctx context.Context, tenantID, principalID, buyerRef string) (*models.MediaBuy, error)
	GetMediaPackage(ctx context.Context, tenantID, packageID string) (*models.MediaPackage, error)

	ListCreativeFormats(ctx context.Context, tenantID string) ([]models.CreativeFormat, error)
	GetContext(ctx context.Context, contextID string) (*models.Context, error)
	ListMappingsForStep(ctx context.Context, stepID string) ([]models.ObjectWorkflowMapping, error)
}

// ReviewJob is one creative queued for AI policy review. StepID references
// the creative_approval step the reviewer must resolve.
type ReviewJob struct {
	Tenant   *models.Tenant
	Creative *models.Creative
	StepID   string
}

// Reviewer accepts review jobs. Enqueue reports whether the job was taken; a
// full queue makes the caller fall back to human approval.
type Reviewer interface {
	Enqueue(job ReviewJob) bool
}

// Service implements the creative tools.
type Service struct {
	store    Store
	engine   *workflow.Engine
	reviewer Reviewer
	audit    *observability.AuditLogger
	logger   *zap.Logger
}

// NewService builds the creative service and registers the creative_approval
// completion hook with the workflow engine.
func NewService(store Store, engine *workflow.Engine, reviewer Reviewer,
	audit *observability.AuditLogger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	s := &Service{
		store:    store,
		engine:   engine,
		reviewer: reviewer,
		audit:    audit,
		logger:   logger.Named("creatives"),
	}
	engine.RegisterCompletionHook(models.StepTypeCreativeApproval, s.approvalHook)
	return s
}

// SetReviewer swaps in the AI reviewer after construction; the reviewer needs
// the workflow engine, which needs this service's hook, so wiring is two-phase.
func (s *Service) SetReviewer(r Reviewer) { s.reviewer = r }

// approvalHook runs when a creative_approval step reaches a terminal state:
// the creative's status follows the step outcome.
func (s *Service) approvalHook(ctx context.Context, step *models.WorkflowStep, outcome string) error {
	wfCtx, err := s.store.GetContext(ctx, step.ContextID)
	if err != nil {
		return err
	}
	mappings, err := s.store.ListMappingsForStep(ctx, step.StepID)
	if err != nil {
		return err
	}
	status := models.CreativeStatusApproved
	if outcome == models.StepStatusFailed {
		status = models.CreativeStatusRejected
	}
	for _, m := range mappings {
		if m.ObjectType != "creative" {
			continue
		}
		if err := s.store.UpdateCreativeStatus(ctx, step.TenantID, wfCtx.PrincipalID, m.ObjectID, status); err != nil {
			return err
		}
		s.logger.Info("creative review resolved",
			zap.String("tenant_id", step.TenantID),
			zap.String("creative_id", m.ObjectID),
			zap.String("status", status))
	}
	return nil
}

// List pages through the caller's creative library. A media_buy_id or
// buyer_ref filter first resolves the buy's assigned creative ids.
func (s *Service) List(ctx context.Context, id *auth.Identity, req *adcp.ListCreativesRequest) (*adcp.ListCreativesResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	page := req.Page
	if page <= 0 {
		page = 1
	}
	offset := req.Offset
	if offset == 0 && page > 1 {
		offset = (page - 1) * limit
	}

	filter := db.CreativeFilter{
		Status:   req.Status,
		FormatID: req.FormatID,
		Tags:     req.Tags,
		Search:   req.Search,
		SortBy:   req.SortBy,
		SortDesc: req.SortDesc,
		Limit:    limit,
		Offset:   offset,
	}
	if req.CreatedAfter != nil {
		filter.CreatedAfter = sql.NullTime{Time: *req.CreatedAfter, Valid: true}
	}
	if req.CreatedBefore != nil {
		filter.CreatedBefore = sql.NullTime{Time: *req.CreatedBefore, Valid: true}
	}

	if req.MediaBuyID != "" || req.BuyerRef != "" {
		buy, err := s.resolveBuy(ctx, id, req.MediaBuyID, req.BuyerRef)
		if err != nil {
			return nil, err
		}
		ids, err := s.store.CreativeIDsForBuy(ctx, buy.MediaBuyID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return &adcp.ListCreativesResponse{Creatives: []models.Creative{}, Page: page, Limit: limit}, nil
		}
		filter.CreativeIDs = ids
	}

	creatives, total, err := s.store.ListCreatives(ctx, id.Tenant.TenantID, id.PrincipalID, filter)
	if err != nil {
		return nil, err
	}
	totalPages := (total + limit - 1) / limit
	return &adcp.ListCreativesResponse{
		Creatives:  creatives,
		TotalCount: total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
		HasMore:    offset+len(creatives) < total,
	}, nil
}

func (s *Service) resolveBuy(ctx context.Context, id *auth.Identity, mediaBuyID, buyerRef string) (*models.MediaBuy, error) {
	if mediaBuyID != "" {
		buy, err := s.store.GetMediaBuy(ctx, id.Tenant.TenantID, mediaBuyID)
		if err != nil {
			return nil, err
		}
		if buy.PrincipalID != id.PrincipalID && !id.IsAdmin() {
			return nil, models.ErrPermission
		}
		return buy, nil
	}
	return s.store.GetMediaBuyByBuyerRef(ctx, id.Tenant.TenantID, id.PrincipalID, buyerRef)
}

// ownedPackage resolves a package id and verifies the owning buy belongs to
// the caller. Packages of other principals are indistinguishable from missing
// ones.
func (s *Service) ownedPackage(ctx context.Context, id *auth.Identity, packageID string) (*models.MediaPackage, error) {
	pkg, err := s.store.GetMediaPackage(ctx, id.Tenant.TenantID, packageID)
	if err != nil {
		return nil, err
	}
	buy, err := s.store.GetMediaBuy(ctx, id.Tenant.TenantID, pkg.MediaBuyID)
	if err != nil {
		return nil, err
	}
	if buy.PrincipalID != id.PrincipalID && !id.IsAdmin() {
		return nil, models.ErrNotFound
	}
	return pkg, nil
}

// formatKey canonicalizes an (agent_url, format_id) pair for registry lookup.
func formatKey(agentURL, formatID string) string {
	return normalizeAgentURL(agentURL) + "#" + strings.ToLower(formatID)
}

// normalizeAgentURL strips the variations buyers send for the same creative
// agent: trailing slashes, /mcp and /a2a transport suffixes and .well-known
// paths.
func normalizeAgentURL(raw string) string {
	u := strings.TrimRight(strings.ToLower(strings.TrimSpace(raw)), "/")
	if i := strings.Index(u, "/.well-known/"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimSuffix(u, "/mcp")
	u = strings.TrimSuffix(u, "/a2a")
	return strings.TrimRight(u, "/")
}

func (s *Service) formatRegistry(ctx context.Context, tenantID string) (map[string]models.CreativeFormat, error) {
	formats, err := s.store.ListCreativeFormats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load format registry: %w", err)
	}
	reg := make(map[string]models.CreativeFormat, len(formats))
	for _, f := range formats {
		reg[formatKey(f.AgentURL, f.FormatID)] = f
	}
	return reg, nil
}

func notFound(err error) bool { return errors.Is(err, models.ErrNotFound) }
