// Package delivery implements the reporting read side: per-package delivery
// over a window, recomputed buy status and the performance-index fan-out to
// the ad server.
package delivery

import (
	"context"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adapters"
	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/db"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
)

// Store is the persistence surface the delivery service needs.
type Store interface {
	ListMediaBuys(ctx context.Context, tenantID, principalID string, ids, buyerRefs []string, status string) ([]models.MediaBuy, error)
	GetMediaBuy(ctx context.Context, tenantID, mediaBuyID string) (*models.MediaBuy, error)
	ListMediaPackages(ctx context.Context, mediaBuyID string) ([]models.MediaPackage, error)
}

// AdapterFactory returns the instrumented adapter for a tenant.
type AdapterFactory func(tenant *models.Tenant) adapters.Port

// Service answers get_media_buy_delivery and update_performance_index.
type Service struct {
	store      Store
	clickhouse *db.ClickHouse // nil falls back to simulated delivery
	adapters   AdapterFactory
	audit      *observability.AuditLogger
	logger     *zap.Logger

	windowDays int
	jitterPct  float64
	now        func() time.Time
}

// NewService builds the delivery service. windowDays bounds the default
// reporting window; jitterPct adds deterministic variance to simulated spend.
func NewService(store Store, ch *db.ClickHouse, factory AdapterFactory,
	audit *observability.AuditLogger, windowDays int, jitterPct float64, logger *zap.Logger) *Service {
	if windowDays <= 0 {
		windowDays = 30
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Service{
		store:      store,
		clickhouse: ch,
		adapters:   factory,
		audit:      audit,
		logger:     logger.Named("delivery"),
		windowDays: windowDays,
		jitterPct:  jitterPct,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// GetDelivery reports per-package delivery for the caller's buys over the
// requested window, defaulting to the trailing configured window.
func (s *Service) GetDelivery(ctx context.Context, id *auth.Identity, req *adcp.GetMediaBuyDeliveryRequest) (*adcp.GetMediaBuyDeliveryResponse, error) {
	now := s.now()
	end := now
	if req.EndDate != nil {
		end = *req.EndDate
	}
	start := end.AddDate(0, 0, -s.windowDays)
	if req.StartDate != nil {
		start = *req.StartDate
	}
	if !end.After(start) {
		return nil, models.NewAdCPError(models.CodeInvalidDatetime, "end_date must be after start_date")
	}

	buys, err := s.store.ListMediaBuys(ctx, id.Tenant.TenantID, id.PrincipalID,
		req.MediaBuyIDs, req.BuyerRefs, req.StatusFilter)
	if err != nil {
		return nil, err
	}

	resp := &adcp.GetMediaBuyDeliveryResponse{
		Deliveries:      make([]adcp.MediaBuyDelivery, 0, len(buys)),
		ReportingPeriod: adcp.ReportingPeriod{Start: start, End: end},
	}
	for i := range buys {
		buy := &buys[i]
		d, err := s.buyDelivery(ctx, buy, start, end, now)
		if err != nil {
			return nil, err
		}
		resp.Deliveries = append(resp.Deliveries, *d)
		resp.TotalImpressions += d.Impressions
		resp.TotalSpend += d.Spend
	}
	return resp, nil
}

func (s *Service) buyDelivery(ctx context.Context, buy *models.MediaBuy, start, end, now time.Time) (*adcp.MediaBuyDelivery, error) {
	packages, err := s.store.ListMediaPackages(ctx, buy.MediaBuyID)
	if err != nil {
		return nil, err
	}

	var live map[string]db.PackageDeliveryTotals
	if s.clickhouse != nil {
		totals, err := s.clickhouse.QueryDelivery(ctx, buy.TenantID, buy.MediaBuyID, start, end)
		if err != nil {
			// Analytics outage degrades to simulation rather than failing the
			// report.
			s.logger.Warn("delivery query failed, simulating", zap.Error(err),
				zap.String("media_buy_id", buy.MediaBuyID))
		} else {
			live = make(map[string]db.PackageDeliveryTotals, len(totals))
			for _, t := range totals {
				live[t.PackageID] = t
			}
		}
	}

	d := &adcp.MediaBuyDelivery{
		MediaBuyID: buy.MediaBuyID,
		BuyerRef:   buy.BuyerRef,
		Status:     reportedStatus(buy, now),
		Currency:   buy.Currency,
		Packages:   make([]adcp.PackageDelivery, 0, len(packages)),
	}
	for i := range packages {
		pkg := &packages[i]
		var imps int64
		var spend float64
		if live != nil {
			t := live[pkg.PackageID]
			imps, spend = t.Impressions, t.Spend
		} else {
			imps, spend = s.simulate(pkg, buy, now)
		}
		d.Packages = append(d.Packages, adcp.PackageDelivery{
			PackageID:   pkg.PackageID,
			Impressions: imps,
			Spend:       spend,
			PacingIndex: pacingIndex(spend, pkg.Budget, buy.StartTime, buy.EndTime, now),
		})
		d.Impressions += imps
		d.Spend += spend
	}

	if s.clickhouse != nil {
		s.clickhouse.RecordFormatMetrics(ctx, models.FormatPerformanceMetrics{
			TenantID:     buy.TenantID,
			Country:      "all",
			CreativeSize: "all",
			Impressions:  d.Impressions,
			Spend:        d.Spend,
			PeriodStart:  start,
		})
	}
	return d, nil
}

// simulate derives plausible delivery from the flight's elapsed fraction when
// no analytics backend is wired. The same inputs always yield the same
// numbers.
func (s *Service) simulate(pkg *models.MediaPackage, buy *models.MediaBuy, now time.Time) (int64, float64) {
	frac := elapsedFraction(buy.StartTime, buy.EndTime, now)
	if frac == 0 {
		return 0, 0
	}
	spend := pkg.Budget * frac * s.jitterFactor(pkg.PackageID)
	if spend > pkg.Budget {
		spend = pkg.Budget
	}
	effCPM := pkg.BidPrice
	if effCPM <= 0 {
		effCPM = 10
	}
	imps := int64(spend / effCPM * 1000)
	return imps, spend
}

// jitterFactor maps a package id to a stable factor in [1-j, 1+j].
func (s *Service) jitterFactor(packageID string) float64 {
	if s.jitterPct <= 0 {
		return 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(packageID))
	unit := float64(h.Sum32()%1000)/500 - 1 // [-1, 1)
	return 1 + unit*s.jitterPct/100
}

func elapsedFraction(start, end, now time.Time) float64 {
	if !now.After(start) {
		return 0
	}
	total := end.Sub(start)
	if total <= 0 {
		return 1
	}
	frac := float64(now.Sub(start)) / float64(total)
	if frac > 1 {
		return 1
	}
	return frac
}

// pacingIndex compares actual spend with the even-pacing expectation at the
// reference time. 1.0 means exactly on pace.
func pacingIndex(spend, budget float64, start, end, now time.Time) float64 {
	expected := budget * elapsedFraction(start, end, now)
	if expected <= 0 {
		return 1
	}
	return spend / expected
}

// reportedStatus recomputes flight-derived statuses at the reference time.
// Workflow-owned statuses (pending_approval, needs_creatives, paused, failed)
// are reported as stored.
func reportedStatus(buy *models.MediaBuy, now time.Time) string {
	switch buy.Status {
	case models.MediaBuyStatusReady, models.MediaBuyStatusActive, models.MediaBuyStatusCompleted:
		switch {
		case now.Before(buy.StartTime):
			return models.MediaBuyStatusReady
		case now.After(buy.EndTime):
			return models.MediaBuyStatusCompleted
		default:
			return models.MediaBuyStatusActive
		}
	default:
		return buy.Status
	}
}

// UpdatePerformanceIndex forwards buyer performance scores to the ad server.
func (s *Service) UpdatePerformanceIndex(ctx context.Context, id *auth.Identity, req *adcp.UpdatePerformanceIndexRequest) (*adcp.UpdatePerformanceIndexResponse, error) {
	if req.MediaBuyID == "" {
		return nil, models.NewAdCPError(models.CodeValidationError, "media_buy_id is required")
	}
	if len(req.Performance) == 0 {
		return nil, models.NewAdCPError(models.CodeValidationError, "performance_data is required")
	}
	buy, err := s.store.GetMediaBuy(ctx, id.Tenant.TenantID, req.MediaBuyID)
	if err != nil {
		return nil, err
	}
	if buy.PrincipalID != id.PrincipalID && !id.IsAdmin() {
		return nil, models.ErrPermission
	}

	scores := make(map[string]float64, len(req.Performance))
	for _, p := range req.Performance {
		scores[p.ProductID] = p.PerformanceIndex
	}
	ref := buy.PlatformOrderID
	if ref == "" {
		ref = buy.MediaBuyID
	}
	adapter := s.adapters(id.Tenant)
	if err := adapter.UpdatePerformanceIndex(ctx, ref, scores); err != nil {
		return nil, models.AsAdCPError(err, models.CodeToolError)
	}
	s.audit.Record("update_performance_index", id.Tenant.TenantID, id.PrincipalID, id.PrincipalName, true, buy.MediaBuyID)
	return &adcp.UpdatePerformanceIndexResponse{MediaBuyID: buy.MediaBuyID, Accepted: true}, nil
}
