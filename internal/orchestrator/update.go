package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adapters"
	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/pricing"
)

// UpdateMediaBuy applies campaign- and package-level changes as a sequence of
// discrete adapter actions, aborting on the first platform failure, then
// writes the surviving changes through to storage.
func (s *Service) UpdateMediaBuy(ctx context.Context, id *auth.Identity, wfCtx *models.Context, req *adcp.UpdateMediaBuyRequest, raw json.RawMessage) (*adcp.UpdateMediaBuyResponse, error) {
	buy, err := s.resolveBuy(ctx, id, req)
	if err != nil {
		return nil, err
	}

	if req.Currency != "" && req.Currency != buy.Currency {
		return nil, models.NewAdCPError(models.CodeValidationError,
			"currency cannot be changed on an existing media buy (is %s)", buy.Currency)
	}
	if req.Budget != nil && *req.Budget <= 0 {
		return nil, models.NewAdCPError(models.CodeInvalidBudget, "total_budget must be positive")
	}

	// Proposed flight window after this update.
	start, end := buy.StartTime, buy.EndTime
	if req.StartTime != nil {
		start = *req.StartTime
	}
	if req.EndTime != nil {
		end = *req.EndTime
	}
	if !end.After(start) {
		return nil, models.NewAdCPError(models.CodeInvalidDatetime, "end_time must be after start_time")
	}

	packages, err := s.store.ListMediaPackages(ctx, buy.MediaBuyID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.MediaPackage, len(packages))
	for i := range packages {
		byID[packages[i].PackageID] = &packages[i]
	}
	for _, pu := range req.Packages {
		if _, ok := byID[pu.PackageID]; !ok {
			return nil, models.NewAdCPError(models.CodeValidationError,
				"package %s does not belong to media buy %s", pu.PackageID, buy.MediaBuyID)
		}
	}

	// Re-validate currency limits against the proposed budgets AND the
	// proposed flight, so shortening the flight cannot sneak a package past
	// the daily cap.
	budgets := make([]float64, 0, len(packages))
	for i := range packages {
		b := packages[i].Budget
		for _, pu := range req.Packages {
			if pu.PackageID == packages[i].PackageID && pu.Budget != nil {
				b = *pu.Budget
			}
		}
		budgets = append(budgets, b)
	}
	limit, err := s.currencyLimitFor(ctx, buy.TenantID, buy.Currency)
	if err != nil {
		return nil, err
	}
	if err := pricing.CheckCurrencyLimits(limit, budgets, models.FlightDays(start, end)); err != nil {
		return nil, err
	}

	step, err := s.engine.OpenStep(ctx, wfCtx, models.StepTypeToolCall, "update_media_buy", raw)
	if err != nil {
		return nil, err
	}
	if err := s.engine.RegisterPushConfig(ctx, id, req.PushNotificationConfig); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}
	if err := s.engine.MapObject(ctx, step.StepID, "media_buy", buy.MediaBuyID, models.MappingActionUpdate); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}

	adapter := s.adapters(id.Tenant)
	for _, op := range adapter.ManualApprovalOperations() {
		if op == "update_media_buy" {
			summary := fmt.Sprintf("%s requested changes to media buy %s", id.PrincipalName, buy.MediaBuyID)
			if err := s.engine.RequireApproval(ctx, id.Tenant, step, summary); err != nil {
				return nil, err
			}
			return &adcp.UpdateMediaBuyResponse{
				MediaBuyID:     buy.MediaBuyID,
				BuyerRef:       buy.BuyerRef,
				Status:         models.MediaBuyStatusPendingApproval,
				WorkflowStepID: step.StepID,
			}, nil
		}
	}

	actions := buildActions(buy, req, start, end)
	for _, a := range actions {
		if err := adapter.UpdateMediaBuy(ctx, s.platformRef(buy), a); err != nil {
			s.failStep(ctx, step, err)
			return nil, models.AsAdCPError(err, models.CodeToolError)
		}
	}

	// Platform accepted everything; write through.
	if req.StartTime != nil || req.EndTime != nil {
		if err := s.store.UpdateMediaBuyFlight(ctx, buy.TenantID, buy.MediaBuyID, start, end); err != nil {
			s.failStep(ctx, step, err)
			return nil, err
		}
	}
	if req.Budget != nil {
		if err := s.store.UpdateMediaBuyBudget(ctx, buy.TenantID, buy.MediaBuyID, *req.Budget, req.BuyerRef); err != nil {
			s.failStep(ctx, step, err)
			return nil, err
		}
		buy.Budget = *req.Budget
	}
	status := buy.Status
	if req.Active != nil {
		if *req.Active {
			status = models.MediaBuyStatusActive
		} else {
			status = models.MediaBuyStatusPaused
		}
		if err := s.store.UpdateMediaBuyStatus(ctx, buy.TenantID, buy.MediaBuyID, status); err != nil {
			s.failStep(ctx, step, err)
			return nil, err
		}
	}
	for _, pu := range req.Packages {
		pkg := byID[pu.PackageID]
		if pu.Budget != nil {
			pkg.Budget = *pu.Budget
		}
		if pu.Impressions != nil {
			pkg.Impressions = *pu.Impressions
		}
		if pu.Pacing != "" {
			pkg.Pacing = pu.Pacing
		}
		if pu.Targeting != nil {
			pkg.Targeting = pu.Targeting
		}
		if pu.Active != nil {
			if *pu.Active {
				pkg.Status = models.PackageStatusActive
			} else {
				pkg.Status = models.PackageStatusPaused
			}
		}
		if err := s.store.UpdateMediaPackage(ctx, pkg); err != nil {
			s.failStep(ctx, step, err)
			return nil, err
		}
	}

	buy.StartTime, buy.EndTime, buy.Status = start, end, status
	s.redis.CacheMediaBuy(ctx, buy)
	s.audit.Record("update_media_buy", buy.TenantID, id.PrincipalID, id.PrincipalName, true, buy.MediaBuyID)

	resp := &adcp.UpdateMediaBuyResponse{
		MediaBuyID: buy.MediaBuyID,
		BuyerRef:   buy.BuyerRef,
		Status:     status,
	}
	respJSON, _ := json.Marshal(resp)
	if err := s.engine.Transition(ctx, step, models.StepStatusCompleted, "", respJSON); err != nil {
		s.logger.Error("complete update step", zap.Error(err), zap.String("step_id", step.StepID))
	}
	return resp, nil
}

// resolveBuy locates the target buy and enforces principal isolation. A buy
// that exists but belongs to another principal is a security event, not a
// lookup miss.
func (s *Service) resolveBuy(ctx context.Context, id *auth.Identity, req *adcp.UpdateMediaBuyRequest) (*models.MediaBuy, error) {
	switch {
	case req.MediaBuyID != "":
		buy, err := s.store.GetMediaBuy(ctx, id.Tenant.TenantID, req.MediaBuyID)
		if err != nil {
			return nil, err
		}
		if buy.PrincipalID != id.PrincipalID && !id.IsAdmin() {
			s.audit.SecurityViolation("update_media_buy", id.Tenant.TenantID, id.PrincipalID,
				fmt.Sprintf("attempted update of %s owned by %s", buy.MediaBuyID, buy.PrincipalID))
			return nil, models.ErrPermission
		}
		return buy, nil
	case req.BuyerRef != "":
		return s.store.GetMediaBuyByBuyerRef(ctx, id.Tenant.TenantID, id.PrincipalID, req.BuyerRef)
	default:
		return nil, models.NewAdCPError(models.CodeValidationError, "media_buy_id or buyer_ref is required")
	}
}

// platformRef is what adapters key updates on. Buys created before platform
// execution fall back to the media buy id.
func (s *Service) platformRef(buy *models.MediaBuy) string {
	if buy.PlatformOrderID != "" {
		return buy.PlatformOrderID
	}
	return buy.MediaBuyID
}

// buildActions flattens the request into discrete adapter mutations in a
// fixed order: campaign state, flight, campaign budget, then packages.
func buildActions(buy *models.MediaBuy, req *adcp.UpdateMediaBuyRequest, start, end time.Time) []adapters.UpdateAction {
	var actions []adapters.UpdateAction
	if req.Active != nil {
		t := adapters.ActionPauseMediaBuy
		if *req.Active {
			t = adapters.ActionResumeMediaBuy
		}
		actions = append(actions, adapters.UpdateAction{Type: t})
	}
	if req.StartTime != nil || req.EndTime != nil {
		actions = append(actions, adapters.UpdateAction{
			Type:      adapters.ActionUpdateFlight,
			StartTime: start,
			EndTime:   end,
		})
	}
	if req.Budget != nil {
		actions = append(actions, adapters.UpdateAction{
			Type:   adapters.ActionUpdateBudget,
			Budget: *req.Budget,
		})
	}
	for _, pu := range req.Packages {
		if pu.Active != nil {
			t := adapters.ActionPausePackage
			if *pu.Active {
				t = adapters.ActionResumePackage
			}
			actions = append(actions, adapters.UpdateAction{Type: t, PackageID: pu.PackageID})
		}
		if pu.Budget != nil || pu.Impressions != nil {
			a := adapters.UpdateAction{Type: adapters.ActionUpdatePackage, PackageID: pu.PackageID}
			if pu.Budget != nil {
				a.Budget = *pu.Budget
			}
			if pu.Impressions != nil {
				a.Impressions = *pu.Impressions
			}
			actions = append(actions, a)
		}
	}
	return actions
}
