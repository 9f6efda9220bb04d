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
	"github.com/adcontextprotocol/salesagent/internal/policy"
	"github.com/adcontextprotocol/salesagent/internal/pricing"
)

// CreateMediaBuy runs the full creation pipeline. A response with status
// pending_approval carries the workflow step the buyer must poll; everything
// else is a live platform order.
func (s *Service) CreateMediaBuy(ctx context.Context, id *auth.Identity, wfCtx *models.Context, req *adcp.CreateMediaBuyRequest, raw json.RawMessage) (*adcp.CreateMediaBuyResponse, error) {
	tenant := id.Tenant

	start, end, err := s.validateCreate(req)
	if err != nil {
		return nil, err
	}

	pres := s.checker.Check(tenant, req.Brief, req.PromotedOffering)
	if pres.Status == policy.StatusBlocked {
		s.audit.Record("create_media_buy", tenant.TenantID, id.PrincipalID, id.PrincipalName, false, "policy blocked: "+pres.Reason)
		return nil, policy.Violation(pres)
	}

	if err := s.gate.CheckSetup(ctx, tenant); err != nil {
		return nil, err
	}

	// The step opens before currency and pricing run, so a rejected buy
	// still leaves a failed step behind for list_tasks and the audit trail.
	stepType := models.StepTypeMediaBuyCreation
	if policy.RequiresReview(tenant, pres) {
		stepType = models.StepTypePolicyReview
	}
	step, err := s.engine.OpenStep(ctx, wfCtx, stepType, "create_media_buy", raw)
	if err != nil {
		return nil, err
	}
	// A panic past this point must not strand the step in_progress; mark it
	// failed and let the transport's recovery build the envelope.
	defer func() {
		if r := recover(); r != nil {
			s.failStep(ctx, step, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	if err := s.engine.RegisterPushConfig(ctx, id, req.PushNotificationConfig); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}

	// Load products and resolve the campaign currency before pricing.
	products := make([]*models.Product, len(req.Packages))
	for i, pkg := range req.Packages {
		p, err := s.store.GetProduct(ctx, tenant.TenantID, pkg.ProductID)
		if err != nil {
			if err == models.ErrNotFound {
				err = models.NewAdCPError(models.CodeValidationError,
					"unknown product_id %s", pkg.ProductID)
			}
			s.failStep(ctx, step, err)
			return nil, err
		}
		products[i] = p
	}
	currency := pricing.ResolveCampaignCurrency(&req.Packages[0], products[0], req.Currency)

	limit, err := s.currencyLimitFor(ctx, tenant.TenantID, currency)
	if err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}

	resolved := make(map[int]*models.ResolvedPricing, len(req.Packages))
	budgets := make([]float64, len(req.Packages))
	for i := range req.Packages {
		rp, err := pricing.Resolve(&req.Packages[i], products[i], currency)
		if err != nil {
			s.failStep(ctx, step, err)
			return nil, err
		}
		resolved[i] = rp
		budgets[i] = req.Packages[i].Budget
	}
	if err := pricing.CheckCurrencyLimits(limit, budgets, models.FlightDays(start, end)); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}

	adapter := s.adapters(tenant)

	// Permanent ids are assigned exactly once, before any branch.
	buy := &models.MediaBuy{
		MediaBuyID:  models.NewMediaBuyID(),
		TenantID:    tenant.TenantID,
		PrincipalID: id.PrincipalID,
		BuyerRef:    req.BuyerRef,
		PONumber:    req.PONumber,
		StartTime:   start,
		EndTime:     end,
		Budget:      totalBudget(req.Packages),
		Currency:    currency,
		RawRequest:  raw,
	}
	packages := make([]*models.MediaPackage, len(req.Packages))
	for i, pr := range req.Packages {
		packages[i] = &models.MediaPackage{
			PackageID:    models.NewPackageID(pr.ProductID, i),
			MediaBuyID:   buy.MediaBuyID,
			TenantID:     tenant.TenantID,
			ProductID:    pr.ProductID,
			Budget:       pr.Budget,
			PricingModel: resolved[i].PricingModel,
			BidPrice:     resolved[i].BidPrice,
			Pacing:       pr.Pacing,
			Impressions:  pr.Impressions,
			Targeting:    pr.Targeting,
			CreativeIDs:  pr.CreativeIDs,
		}
	}

	// A restricted brief always parks for review, regardless of the
	// adapter's auto-create posture.
	needsApproval := stepType == models.StepTypePolicyReview || manualApprovalNeeded(adapter, tenant, products)
	if needsApproval && !req.AlreadyApproved {
		return s.persistPending(ctx, id, step, buy, packages)
	}
	return s.executeOnPlatform(ctx, id, step, buy, packages, packageResolved(packages, resolved), adapter)
}

// persistPending stores the buy for later publisher approval. Package status
// is sanitized to empty so the post-approval run assigns the real one.
func (s *Service) persistPending(ctx context.Context, id *auth.Identity, step *models.WorkflowStep, buy *models.MediaBuy, packages []*models.MediaPackage) (*adcp.CreateMediaBuyResponse, error) {
	buy.Status = models.MediaBuyStatusPendingApproval
	if err := s.store.InsertMediaBuy(ctx, buy); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}
	for _, pkg := range packages {
		pkg.Status = ""
		if err := s.store.InsertMediaPackage(ctx, pkg); err != nil {
			s.failStep(ctx, step, err)
			return nil, err
		}
	}
	if err := s.insertAssignments(ctx, buy, packages); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}
	if err := s.engine.MapObject(ctx, step.StepID, "media_buy", buy.MediaBuyID, models.MappingActionCreate); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}
	summary := fmt.Sprintf("%s wants to buy %d package(s) for %.2f %s (buy %s)",
		id.PrincipalName, len(packages), buy.Budget, buy.Currency, buy.MediaBuyID)
	if err := s.engine.RequireApproval(ctx, id.Tenant, step, summary); err != nil {
		return nil, err
	}
	s.audit.Record("create_media_buy", buy.TenantID, id.PrincipalID, id.PrincipalName, true,
		"pending approval: "+buy.MediaBuyID)
	return &adcp.CreateMediaBuyResponse{
		MediaBuyID:     buy.MediaBuyID,
		BuyerRef:       buy.BuyerRef,
		Status:         models.MediaBuyStatusPendingApproval,
		Packages:       packageResults(packages),
		WorkflowStepID: step.StepID,
	}, nil
}

// executeOnPlatform creates the order on the ad server and persists the
// outcome.
func (s *Service) executeOnPlatform(ctx context.Context, id *auth.Identity, step *models.WorkflowStep, buy *models.MediaBuy, packages []*models.MediaPackage, resolved map[string]*models.ResolvedPricing, adapter adapters.Port) (*adcp.CreateMediaBuyResponse, error) {
	creatives, err := s.loadReferencedCreatives(ctx, buy.TenantID, buy.PrincipalID, packages)
	if err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}

	res, err := adapter.CreateMediaBuy(ctx, &adapters.CreateRequest{
		MediaBuy:     buy,
		Packages:     packages,
		Pricing:      resolved,
		AdvertiserID: id.Principal.AdvertiserIDFor(id.Tenant.AdServer),
	})
	if err != nil {
		s.failStep(ctx, step, err)
		return nil, models.AsAdCPError(err, models.CodeMediaBuyCreationError)
	}
	placements, err := indexPlacements(res, packages)
	if err != nil {
		// An adapter dropping package ids is an integrity bug, never a
		// buyer mistake. Fail loudly.
		s.logger.Error("adapter integrity violation",
			zap.Error(err),
			zap.String("adapter", adapter.Name()),
			zap.String("media_buy_id", buy.MediaBuyID))
		s.failStep(ctx, step, err)
		return nil, models.AsAdCPError(err, models.CodeMediaBuyCreationError)
	}

	approved := allApproved(creatives)
	buy.PlatformOrderID = res.PlatformOrderID
	buy.Status = models.DetermineMediaBuyStatus(models.StatusInputs{
		HasCreatives:      len(creatives) > 0,
		CreativesApproved: approved,
		Now:               s.now(),
		StartTime:         buy.StartTime,
		EndTime:           buy.EndTime,
	})
	if err := s.store.InsertMediaBuy(ctx, buy); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}
	for _, pkg := range packages {
		pl := placements[pkg.PackageID]
		pkg.PlatformLineItemID = pl.PlatformLineItemID
		pkg.Status = pl.Status
		if err := s.store.InsertMediaPackage(ctx, pkg); err != nil {
			s.failStep(ctx, step, err)
			return nil, err
		}
	}
	if err := s.insertAssignments(ctx, buy, packages); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}

	if err := s.pushCreatives(ctx, id.Tenant, buy, packages, creatives, adapter); err != nil {
		s.failStep(ctx, step, err)
		return nil, models.AsAdCPError(err, models.CodeMediaBuyCreationError)
	}

	s.redis.CacheMediaBuy(ctx, buy)
	s.slack.NotifyActivity(ctx, id.Tenant, fmt.Sprintf(":moneybag: %s created media buy %s (%.2f %s)",
		id.PrincipalName, buy.MediaBuyID, buy.Budget, buy.Currency))
	s.audit.Record("create_media_buy", buy.TenantID, id.PrincipalID, id.PrincipalName, true, buy.MediaBuyID)

	resp := &adcp.CreateMediaBuyResponse{
		MediaBuyID: buy.MediaBuyID,
		BuyerRef:   buy.BuyerRef,
		Status:     buy.Status,
		Packages:   packageResults(packages),
	}
	if err := s.engine.MapObject(ctx, step.StepID, "media_buy", buy.MediaBuyID, models.MappingActionCreate); err != nil {
		s.logger.Warn("map media buy to step", zap.Error(err))
	}
	respJSON, _ := json.Marshal(resp)
	if err := s.engine.Transition(ctx, step, models.StepStatusCompleted, "", respJSON); err != nil {
		s.logger.Error("complete creation step", zap.Error(err), zap.String("step_id", step.StepID))
	}
	return resp, nil
}

// ExecuteApprovedMediaBuy re-runs the platform half of the pipeline for a buy
// a publisher just approved, reusing the permanent ids assigned at submission.
func (s *Service) ExecuteApprovedMediaBuy(ctx context.Context, tenantID, mediaBuyID string) error {
	buy, err := s.store.GetMediaBuy(ctx, tenantID, mediaBuyID)
	if err != nil {
		return err
	}
	if buy.Status != models.MediaBuyStatusPendingApproval {
		return fmt.Errorf("media buy %s is %s, not pending approval", mediaBuyID, buy.Status)
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	principal, err := s.store.GetPrincipal(ctx, tenantID, buy.PrincipalID)
	if err != nil {
		return err
	}
	req, err := adcp.RawRequest(buy.RawRequest)
	if err != nil {
		return fmt.Errorf("decode stored request for %s: %w", mediaBuyID, err)
	}
	req.AlreadyApproved = true

	stored, err := s.store.ListMediaPackages(ctx, mediaBuyID)
	if err != nil {
		return err
	}
	packages := make([]*models.MediaPackage, len(stored))
	resolved := map[string]*models.ResolvedPricing{}
	for i := range stored {
		packages[i] = &stored[i]
		product, err := s.store.GetProduct(ctx, tenantID, stored[i].ProductID)
		if err != nil {
			return err
		}
		if i < len(req.Packages) {
			rp, err := pricing.Resolve(&req.Packages[i], product, buy.Currency)
			if err != nil {
				return err
			}
			resolved[stored[i].PackageID] = rp
		}
	}

	adapter := s.adapters(tenant)
	res, err := adapter.CreateMediaBuy(ctx, &adapters.CreateRequest{
		MediaBuy:        buy,
		Packages:        packages,
		Pricing:         resolved,
		AdvertiserID:    principal.AdvertiserIDFor(tenant.AdServer),
		AlreadyApproved: true,
	})
	if err != nil {
		return models.AsAdCPError(err, models.CodeMediaBuyCreationError)
	}
	placements, err := indexPlacements(res, packages)
	if err != nil {
		return err
	}

	if err := s.store.SetMediaBuyPlatformOrder(ctx, tenantID, mediaBuyID, res.PlatformOrderID); err != nil {
		return err
	}
	buy.PlatformOrderID = res.PlatformOrderID
	for _, pkg := range packages {
		pl := placements[pkg.PackageID]
		pkg.PlatformLineItemID = pl.PlatformLineItemID
		pkg.Status = pl.Status
		if err := s.store.UpdateMediaPackage(ctx, pkg); err != nil {
			return err
		}
	}

	creatives, err := s.loadAssignedCreatives(ctx, buy)
	if err != nil {
		return err
	}
	if err := s.pushCreatives(ctx, tenant, buy, packages, creatives, adapter); err != nil {
		return models.AsAdCPError(err, models.CodeMediaBuyCreationError)
	}
	if err := adapter.ApproveOrder(ctx, res.PlatformOrderID); err != nil {
		return models.AsAdCPError(err, models.CodeMediaBuyCreationError)
	}

	status := models.DetermineMediaBuyStatus(models.StatusInputs{
		HasCreatives:      len(creatives) > 0,
		CreativesApproved: allApproved(creatives),
		Now:               s.now(),
		StartTime:         buy.StartTime,
		EndTime:           buy.EndTime,
	})
	if err := s.store.UpdateMediaBuyStatus(ctx, tenantID, mediaBuyID, status); err != nil {
		return err
	}
	buy.Status = status
	s.redis.CacheMediaBuy(ctx, buy)
	s.audit.Record("execute_approved_media_buy", tenantID, buy.PrincipalID, "", true, mediaBuyID)
	return nil
}

// validateCreate checks the request shape and resolves the flight window.
func (s *Service) validateCreate(req *adcp.CreateMediaBuyRequest) (time.Time, time.Time, error) {
	var zero time.Time
	if req.BuyerRef == "" {
		return zero, zero, models.NewAdCPError(models.CodeValidationError, "buyer_ref is required")
	}
	if req.BrandManifest == nil || req.BrandManifest.Name == "" {
		return zero, zero, models.NewAdCPError(models.CodeValidationError, "brand_manifest with a name is required")
	}
	if len(req.ProductIDs) > 0 {
		return zero, zero, models.NewAdCPError(models.CodeDeprecated,
			"product_ids was removed in AdCP v2; submit one entry in packages per product")
	}
	if len(req.Packages) == 0 {
		return zero, zero, models.NewAdCPError(models.CodeValidationError, "at least one package is required")
	}
	seen := map[string]bool{}
	for i, pkg := range req.Packages {
		if pkg.ProductID == "" {
			return zero, zero, models.NewAdCPError(models.CodeValidationError, "package %d has no product_id", i)
		}
		if seen[pkg.ProductID] {
			return zero, zero, models.NewAdCPError(models.CodeValidationError, "duplicate product_id %s", pkg.ProductID)
		}
		seen[pkg.ProductID] = true
		if pkg.Budget <= 0 {
			return zero, zero, models.NewAdCPError(models.CodeInvalidBudget, "package %d budget must be positive", i)
		}
	}

	now := s.now()
	var start time.Time
	if req.StartTime == adcp.StartTimeASAP {
		start = now
	} else {
		var err error
		start, err = time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			return zero, zero, models.NewAdCPError(models.CodeInvalidDatetime,
				"start_time must be RFC3339 or %q", adcp.StartTimeASAP)
		}
		if start.Before(now) {
			return zero, zero, models.NewAdCPError(models.CodeInvalidDatetime, "start_time is in the past")
		}
	}
	if !req.EndTime.After(start) {
		return zero, zero, models.NewAdCPError(models.CodeInvalidDatetime, "end_time must be after start_time")
	}
	return start, req.EndTime, nil
}

func (s *Service) loadReferencedCreatives(ctx context.Context, tenantID, principalID string, packages []*models.MediaPackage) ([]*models.Creative, error) {
	seen := map[string]bool{}
	var out []*models.Creative
	for _, pkg := range packages {
		for _, cid := range pkg.CreativeIDs {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			c, err := s.store.GetCreative(ctx, tenantID, principalID, cid)
			if err != nil {
				if err == models.ErrNotFound {
					return nil, models.NewAdCPError(models.CodeCreativesNotFound,
						"creative %s not found in your library", cid)
				}
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Service) loadAssignedCreatives(ctx context.Context, buy *models.MediaBuy) ([]*models.Creative, error) {
	assignments, err := s.store.ListAssignmentsForBuy(ctx, buy.MediaBuyID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []*models.Creative
	for _, a := range assignments {
		if seen[a.CreativeID] {
			continue
		}
		seen[a.CreativeID] = true
		c, err := s.store.GetCreative(ctx, buy.TenantID, buy.PrincipalID, a.CreativeID)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// pushCreatives uploads creatives lacking a platform id and associates every
// creative with the buy's line items.
func (s *Service) pushCreatives(ctx context.Context, tenant *models.Tenant, buy *models.MediaBuy, packages []*models.MediaPackage, creatives []*models.Creative, adapter adapters.Port) error {
	if len(creatives) == 0 {
		return nil
	}
	var missing []*models.Creative
	for _, c := range creatives {
		if c.PlatformCreativeID == "" {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		results, err := adapter.AddCreativeAssets(ctx, &adapters.AssetUpload{
			MediaBuyID: buy.MediaBuyID,
			Creatives:  missing,
		})
		if err != nil {
			return err
		}
		byID := map[string]*models.Creative{}
		for _, c := range missing {
			byID[c.CreativeID] = c
		}
		for _, r := range results {
			c := byID[r.CreativeID]
			if c == nil {
				continue
			}
			c.PlatformCreativeID = r.PlatformCreativeID
			if err := s.store.SetPlatformCreativeID(ctx, buy.TenantID, buy.PrincipalID, c.CreativeID, r.PlatformCreativeID); err != nil {
				return err
			}
		}
	}
	var lineItems, platformIDs []string
	for _, pkg := range packages {
		if pkg.PlatformLineItemID != "" {
			lineItems = append(lineItems, pkg.PlatformLineItemID)
		}
	}
	for _, c := range creatives {
		if c.PlatformCreativeID != "" {
			platformIDs = append(platformIDs, c.PlatformCreativeID)
		}
	}
	return adapter.AssociateCreatives(ctx, lineItems, platformIDs)
}

func (s *Service) insertAssignments(ctx context.Context, buy *models.MediaBuy, packages []*models.MediaPackage) error {
	for _, pkg := range packages {
		for _, cid := range pkg.CreativeIDs {
			if err := s.store.InsertAssignment(ctx, &models.CreativeAssignment{
				TenantID:   buy.TenantID,
				MediaBuyID: buy.MediaBuyID,
				PackageID:  pkg.PackageID,
				CreativeID: cid,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) failStep(ctx context.Context, step *models.WorkflowStep, cause error) {
	if err := s.engine.Transition(ctx, step, models.StepStatusFailed, cause.Error(), nil); err != nil {
		s.logger.Error("fail step", zap.Error(err), zap.String("step_id", step.StepID))
	}
}

// indexPlacements validates the adapter's result against the requested
// packages and indexes it by package id.
func indexPlacements(res *adapters.CreateResult, packages []*models.MediaPackage) (map[string]adapters.PackagePlacement, error) {
	if res.PlatformOrderID == "" {
		return nil, fmt.Errorf("adapter returned no platform order id")
	}
	out := make(map[string]adapters.PackagePlacement, len(res.Packages))
	for _, pl := range res.Packages {
		if pl.PackageID == "" {
			return nil, fmt.Errorf("adapter returned a package without package_id")
		}
		out[pl.PackageID] = pl
	}
	for _, pkg := range packages {
		if _, ok := out[pkg.PackageID]; !ok {
			return nil, fmt.Errorf("adapter result missing package %s", pkg.PackageID)
		}
	}
	return out, nil
}

func allApproved(creatives []*models.Creative) bool {
	if len(creatives) == 0 {
		return false
	}
	for _, c := range creatives {
		if c.Status != models.CreativeStatusApproved {
			return false
		}
	}
	return true
}

func totalBudget(pkgs []adcp.PackageRequest) float64 {
	var sum float64
	for _, p := range pkgs {
		sum += p.Budget
	}
	return sum
}

func packageResults(packages []*models.MediaPackage) []adcp.PackageResult {
	out := make([]adcp.PackageResult, len(packages))
	for i, pkg := range packages {
		out[i] = adcp.PackageResult{
			PackageID:    pkg.PackageID,
			ProductID:    pkg.ProductID,
			Budget:       pkg.Budget,
			PricingModel: pkg.PricingModel,
			BidPrice:     pkg.BidPrice,
			Status:       pkg.Status,
		}
	}
	return out
}

func packageResolved(packages []*models.MediaPackage, byIndex map[int]*models.ResolvedPricing) map[string]*models.ResolvedPricing {
	out := make(map[string]*models.ResolvedPricing, len(packages))
	for i, pkg := range packages {
		out[pkg.PackageID] = byIndex[i]
	}
	return out
}
