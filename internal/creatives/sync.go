package creatives

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/models"
)

// Validation modes for sync_creatives. Strict aborts the whole call on a bad
// assignment; lenient skips it and records the reason.
const (
	ValidationStrict  = "strict"
	ValidationLenient = "lenient"
)

// syncUnit carries one creative through validation, upsert and approval
// routing.
type syncUnit struct {
	input    adcp.CreativeInput
	creative *models.Creative
	result   adcp.CreativeSyncResult
	route    bool // needs an approval step after commit
}

// Sync upserts the submitted creatives and assignments. Each creative runs in
// its own savepoint so one failure never poisons its siblings.
func (s *Service) Sync(ctx context.Context, id *auth.Identity, wfCtx *models.Context, req *adcp.SyncCreativesRequest, raw json.RawMessage) (*adcp.SyncCreativesResponse, error) {
	if req.DeleteMissing {
		return nil, models.NewAdCPError(models.CodeValidationError,
			"delete_missing is not supported; creatives are retained until explicitly archived")
	}
	mode := req.ValidationMode
	if mode == "" {
		mode = ValidationStrict
	}
	if mode != ValidationStrict && mode != ValidationLenient {
		return nil, models.NewAdCPError(models.CodeValidationError,
			"validation_mode must be %q or %q", ValidationStrict, ValidationLenient)
	}
	if len(req.Creatives) == 0 && len(req.Assignments) == 0 {
		return nil, models.NewAdCPError(models.CodeValidationError, "nothing to sync: provide creatives or assignments")
	}

	registry, err := s.formatRegistry(ctx, id.Tenant.TenantID)
	if err != nil {
		return nil, err
	}
	if mode == ValidationStrict {
		if err := checkAgentsRegistered(req.Creatives, registry); err != nil {
			return nil, err
		}
	}

	units := make([]*syncUnit, len(req.Creatives))
	for i, in := range req.Creatives {
		u := &syncUnit{input: in, result: adcp.CreativeSyncResult{CreativeID: in.CreativeID}}
		u.result.Errors = validateInput(in, req.Patch, registry, mode)
		if len(u.result.Errors) > 0 {
			u.result.Action = models.SyncActionFailed
		}
		units[i] = u
	}

	if req.DryRun {
		return s.dryRun(ctx, id, units, req.Patch)
	}

	step, err := s.engine.OpenStep(ctx, wfCtx, models.StepTypeToolCall, "sync_creatives", raw)
	if err != nil {
		return nil, err
	}
	if err := s.engine.RegisterPushConfig(ctx, id, req.PushNotificationConfig); err != nil {
		s.failStep(ctx, step, err)
		return nil, err
	}

	txErr := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		for i, u := range units {
			if u.result.Action == models.SyncActionFailed {
				continue
			}
			err := s.store.Savepoint(ctx, tx, fmt.Sprintf("sync_%d", i), func() error {
				return s.syncOne(ctx, tx, id, u, req.Patch)
			})
			if err != nil {
				u.result.Action = models.SyncActionFailed
				u.result.Errors = append(u.result.Errors, err.Error())
			}
		}
		return s.applyAssignments(ctx, tx, id, req.Assignments, mode, units)
	})
	if txErr != nil {
		s.failStep(ctx, step, txErr)
		return nil, models.AsAdCPError(txErr, models.CodeValidationError)
	}

	for _, u := range units {
		if u.route {
			s.routeApproval(ctx, id, wfCtx, u)
		}
	}

	resp := buildResponse(units)
	respJSON, _ := json.Marshal(resp)
	if err := s.engine.Transition(ctx, step, models.StepStatusCompleted, "", respJSON); err != nil {
		s.logger.Error("complete sync step", zap.Error(err), zap.String("step_id", step.StepID))
	}
	s.audit.Record("sync_creatives", id.Tenant.TenantID, id.PrincipalID, id.PrincipalName, true,
		fmt.Sprintf("%d creative(s)", len(req.Creatives)))
	return resp, nil
}

// syncOne upserts a single creative inside its savepoint.
func (s *Service) syncOne(ctx context.Context, tx *sql.Tx, id *auth.Identity, u *syncUnit, patch bool) error {
	in := u.input
	var existing *models.Creative
	if in.CreativeID != "" {
		// Lookup is (tenant, principal)-scoped: another principal's creative
		// with the same id is invisible here, so this creates a fresh row.
		c, err := s.store.GetCreativeTx(ctx, tx, id.Tenant.TenantID, id.PrincipalID, in.CreativeID)
		if err != nil && !notFound(err) {
			return err
		}
		existing = c
	}

	if existing == nil {
		c := buildCreative(id, in)
		c.Status = s.initialStatus(id.Tenant)
		if err := s.store.UpsertCreativeTx(ctx, tx, c); err != nil {
			return err
		}
		u.creative = c
		u.result.CreativeID = c.CreativeID
		u.result.Action = models.SyncActionCreated
		u.result.Status = c.Status
		u.route = c.Status == models.CreativeStatusPending
		return nil
	}

	updated, changes := applyInput(existing, in, patch)
	if len(changes) == 0 {
		u.creative = existing
		u.result.Action = models.SyncActionUnchanged
		u.result.Status = existing.Status
		return nil
	}
	if contentChanged(changes) {
		// Content edits invalidate any prior approval.
		updated.Status = s.initialStatus(id.Tenant)
	}
	if err := s.store.UpsertCreativeTx(ctx, tx, updated); err != nil {
		return err
	}
	u.creative = updated
	u.result.Action = models.SyncActionUpdated
	u.result.Status = updated.Status
	u.result.Changes = changes
	u.route = contentChanged(changes) && updated.Status == models.CreativeStatusPending
	return nil
}

// applyAssignments links creatives to packages inside the sync transaction.
func (s *Service) applyAssignments(ctx context.Context, tx *sql.Tx, id *auth.Identity,
	assignments map[string][]string, mode string, units []*syncUnit) error {
	if len(assignments) == 0 {
		return nil
	}
	// Deterministic order for savepoint-free inserts and stable error output.
	creativeIDs := make([]string, 0, len(assignments))
	for cid := range assignments {
		creativeIDs = append(creativeIDs, cid)
	}
	sort.Strings(creativeIDs)

	for _, cid := range creativeIDs {
		if _, err := s.store.GetCreativeTx(ctx, tx, id.Tenant.TenantID, id.PrincipalID, cid); err != nil {
			if !notFound(err) {
				return err
			}
			if mode == ValidationStrict {
				return models.NewAdCPError(models.CodeCreativesNotFound,
					"assignment references creative %s which is not in your library", cid)
			}
			noteAssignmentError(units, cid, fmt.Sprintf("creative %s not found; assignments skipped", cid))
			continue
		}
		for _, pkgID := range assignments[cid] {
			pkg, err := s.ownedPackage(ctx, id, pkgID)
			if err != nil {
				if !notFound(err) {
					return err
				}
				if mode == ValidationStrict {
					return models.NewAdCPError(models.CodeValidationError,
						"assignment references unknown package %s", pkgID)
				}
				noteAssignmentError(units, cid, fmt.Sprintf("package %s not found; assignment skipped", pkgID))
				continue
			}
			a := &models.CreativeAssignment{
				TenantID:   id.Tenant.TenantID,
				MediaBuyID: pkg.MediaBuyID,
				PackageID:  pkg.PackageID,
				CreativeID: cid,
			}
			if err := s.store.InsertAssignmentTx(ctx, tx, a); err != nil {
				return err
			}
		}
	}
	return nil
}

// routeApproval opens a creative_approval step for a pending creative and
// hands it to the AI reviewer or, when the queue is full or the tenant wants
// a human, parks it for manual review.
func (s *Service) routeApproval(ctx context.Context, id *auth.Identity, wfCtx *models.Context, u *syncUnit) {
	step, err := s.engine.OpenStep(ctx, wfCtx, models.StepTypeCreativeApproval, "sync_creatives", nil)
	if err != nil {
		s.logger.Error("open approval step", zap.Error(err), zap.String("creative_id", u.creative.CreativeID))
		return
	}
	if err := s.engine.MapObject(ctx, step.StepID, "creative", u.creative.CreativeID, models.MappingActionApprovalRequired); err != nil {
		s.logger.Error("map creative", zap.Error(err), zap.String("step_id", step.StepID))
		return
	}
	if id.Tenant.ApprovalMode == models.ApprovalModeAIPowered && s.reviewer != nil {
		if s.reviewer.Enqueue(ReviewJob{Tenant: id.Tenant, Creative: u.creative, StepID: step.StepID}) {
			return
		}
		s.logger.Warn("review queue full, falling back to manual approval",
			zap.String("creative_id", u.creative.CreativeID))
	}
	summary := fmt.Sprintf("%s submitted creative %q (%s) for review",
		id.PrincipalName, u.creative.Name, u.creative.CreativeID)
	if err := s.engine.RequireApproval(ctx, id.Tenant, step, summary); err != nil {
		s.logger.Error("require approval", zap.Error(err), zap.String("step_id", step.StepID))
	}
}

// dryRun reports what a sync would do without writing anything or opening a
// workflow step.
func (s *Service) dryRun(ctx context.Context, id *auth.Identity, units []*syncUnit, patch bool) (*adcp.SyncCreativesResponse, error) {
	for _, u := range units {
		if u.result.Action == models.SyncActionFailed {
			continue
		}
		in := u.input
		var existing *models.Creative
		if in.CreativeID != "" {
			c, err := s.store.GetCreative(ctx, id.Tenant.TenantID, id.PrincipalID, in.CreativeID)
			if err != nil && !notFound(err) {
				return nil, err
			}
			existing = c
		}
		if existing == nil {
			u.result.Action = models.SyncActionCreated
			u.result.Status = s.initialStatus(id.Tenant)
			continue
		}
		_, changes := applyInput(existing, in, patch)
		if len(changes) == 0 {
			u.result.Action = models.SyncActionUnchanged
			u.result.Status = existing.Status
			continue
		}
		u.result.Action = models.SyncActionUpdated
		u.result.Changes = changes
		u.result.Status = existing.Status
		if contentChanged(changes) {
			u.result.Status = s.initialStatus(id.Tenant)
		}
	}
	return buildResponse(units), nil
}

func (s *Service) initialStatus(tenant *models.Tenant) string {
	if tenant.ApprovalMode == models.ApprovalModeAuto {
		return models.CreativeStatusApproved
	}
	return models.CreativeStatusPending
}

func (s *Service) failStep(ctx context.Context, step *models.WorkflowStep, cause error) {
	if err := s.engine.Transition(ctx, step, models.StepStatusFailed, cause.Error(), nil); err != nil {
		s.logger.Error("fail step", zap.Error(err), zap.String("step_id", step.StepID))
	}
}

// checkAgentsRegistered rejects the whole request when a creative names an
// agent_url with no formats registered for the tenant. A registered agent
// missing one format id is a per-creative failure instead; an unregistered
// agent means the buyer is talking to the wrong publisher.
func checkAgentsRegistered(creatives []adcp.CreativeInput, registry map[string]models.CreativeFormat) error {
	agents := make(map[string]bool, len(registry))
	for key := range registry {
		agent, _, _ := strings.Cut(key, "#")
		agents[agent] = true
	}
	for _, in := range creatives {
		if in.Format == nil || in.Format.AgentURL == "" {
			continue
		}
		if !agents[normalizeAgentURL(in.Format.AgentURL)] {
			return models.NewAdCPError(models.CodeFormatValidationError,
				"creative agent %s is not registered for this tenant", in.Format.AgentURL)
		}
	}
	return nil
}

// validateInput screens one creative before any savepoint is opened. In
// lenient mode an unknown format is recorded but does not fail the creative.
func validateInput(in adcp.CreativeInput, patch bool, registry map[string]models.CreativeFormat, mode string) []string {
	partial := patch && in.CreativeID != ""
	var errs []string
	if in.Name == "" && !partial {
		errs = append(errs, "name is required")
	}
	switch {
	case in.Format == nil || in.Format.ID == "":
		if !partial {
			errs = append(errs, "format with agent_url and id is required")
		}
	default:
		if _, ok := registry[formatKey(in.Format.AgentURL, in.Format.ID)]; !ok {
			msg := fmt.Sprintf("unknown format %s on agent %s", in.Format.ID, in.Format.AgentURL)
			if mode == ValidationStrict {
				errs = append(errs, msg)
			}
			// lenient: accepted; the format may exist on an unsynced agent.
		}
	}
	if in.URL != "" && in.Snippet != "" {
		errs = append(errs, "url and snippet are mutually exclusive")
	}
	if in.URL == "" && in.Snippet == "" && !partial {
		errs = append(errs, "either url or snippet is required")
	}
	if in.Snippet != "" && in.SnippetType == "" {
		errs = append(errs, "snippet_type is required with snippet")
	}
	return errs
}

func buildCreative(id *auth.Identity, in adcp.CreativeInput) *models.Creative {
	cid := in.CreativeID
	if cid == "" {
		cid = "cr_" + uuid.NewString()
	}
	c := &models.Creative{
		TenantID:    id.Tenant.TenantID,
		PrincipalID: id.PrincipalID,
		CreativeID:  cid,
		Name:        in.Name,
		Tags:        in.Tags,
		Payload: models.CreativePayload{
			URL:             in.URL,
			Width:           in.Width,
			Height:          in.Height,
			DurationSeconds: in.Duration,
			Snippet:         in.Snippet,
			SnippetType:     in.SnippetType,
			ClickURL:        in.ClickURL,
		},
	}
	if in.Format != nil {
		c.Format = *in.Format
	}
	return c
}

// applyInput merges the input into a copy of the existing creative. Patch
// mode touches only fields the input actually carries; replace mode rewrites
// the whole payload.
func applyInput(existing *models.Creative, in adcp.CreativeInput, patch bool) (*models.Creative, []string) {
	c := *existing
	var changes []string
	set := func(field string, apply func()) {
		apply()
		changes = append(changes, field)
	}

	if in.Name != "" && in.Name != c.Name {
		set("name", func() { c.Name = in.Name })
	}
	if in.Format != nil && in.Format.ID != "" && *in.Format != c.Format {
		set("format", func() { c.Format = *in.Format })
	}
	if in.Tags != nil && !reflect.DeepEqual(in.Tags, c.Tags) {
		set("tags", func() { c.Tags = in.Tags })
	}

	if patch {
		if in.URL != "" && in.URL != c.Payload.URL {
			set("url", func() { c.Payload.URL = in.URL })
		}
		if in.Snippet != "" && in.Snippet != c.Payload.Snippet {
			set("snippet", func() { c.Payload.Snippet = in.Snippet })
		}
		if in.SnippetType != "" && in.SnippetType != c.Payload.SnippetType {
			set("snippet_type", func() { c.Payload.SnippetType = in.SnippetType })
		}
		if in.Width != 0 && in.Width != c.Payload.Width {
			set("width", func() { c.Payload.Width = in.Width })
		}
		if in.Height != 0 && in.Height != c.Payload.Height {
			set("height", func() { c.Payload.Height = in.Height })
		}
		if in.Duration != 0 && in.Duration != c.Payload.DurationSeconds {
			set("duration", func() { c.Payload.DurationSeconds = in.Duration })
		}
		if in.ClickURL != "" && in.ClickURL != c.Payload.ClickURL {
			set("click_url", func() { c.Payload.ClickURL = in.ClickURL })
		}
		return &c, changes
	}

	replacement := models.CreativePayload{
		URL:             in.URL,
		Width:           in.Width,
		Height:          in.Height,
		DurationSeconds: in.Duration,
		Snippet:         in.Snippet,
		SnippetType:     in.SnippetType,
		ClickURL:        in.ClickURL,
	}
	if replacement != c.Payload {
		set("payload", func() { c.Payload = replacement })
	}
	return &c, changes
}

// contentChanged reports whether any change invalidates a prior approval.
// Name and tag edits do not.
func contentChanged(changes []string) bool {
	for _, ch := range changes {
		switch ch {
		case "name", "tags":
		default:
			return true
		}
	}
	return false
}

func noteAssignmentError(units []*syncUnit, creativeID, msg string) {
	for _, u := range units {
		if u.result.CreativeID == creativeID {
			u.result.Errors = append(u.result.Errors, msg)
			return
		}
	}
}

func buildResponse(units []*syncUnit) *adcp.SyncCreativesResponse {
	resp := &adcp.SyncCreativesResponse{Results: make([]adcp.CreativeSyncResult, 0, len(units))}
	for _, u := range units {
		resp.Results = append(resp.Results, u.result)
		resp.Summary.Total++
		switch u.result.Action {
		case models.SyncActionCreated:
			resp.Summary.Created++
		case models.SyncActionUpdated:
			resp.Summary.Updated++
		case models.SyncActionUnchanged:
			resp.Summary.Unchanged++
		case models.SyncActionFailed:
			resp.Summary.Failed++
		}
	}
	return resp
}
