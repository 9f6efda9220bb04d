// Package signals implements the signal catalog tools: get_signals filters
// the tenant's catalog, activate_signal begins platform-side setup for
// signals that need it.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
	"github.com/adcontextprotocol/salesagent/internal/workflow"
)

// Activation statuses returned by activate_signal.
const (
	StatusDeployed   = "deployed"
	StatusActivating = "activating"
)

// Store is the persistence surface the signal service needs.
type Store interface {
	ListSignals(ctx context.Context, tenantID string) ([]models.Signal, error)
}

// Service answers the signal tools.
type Service struct {
	store  Store
	engine *workflow.Engine
	audit  *observability.AuditLogger
	logger *zap.Logger
}

// NewService builds the signal service.
func NewService(store Store, engine *workflow.Engine, audit *observability.AuditLogger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{store: store, engine: engine, audit: audit, logger: logger.Named("signals")}
}

// Get filters the tenant's signal catalog by free-text query and type.
func (s *Service) Get(ctx context.Context, id *auth.Identity, req *adcp.GetSignalsRequest) (*adcp.GetSignalsResponse, error) {
	all, err := s.store.ListSignals(ctx, id.Tenant.TenantID)
	if err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(req.Query))
	out := make([]models.Signal, 0, len(all))
	for _, sig := range all {
		if req.Type != "" && !strings.EqualFold(sig.Type, req.Type) {
			continue
		}
		if query != "" && !matchesQuery(&sig, query) {
			continue
		}
		out = append(out, sig)
	}
	return &adcp.GetSignalsResponse{Signals: out}, nil
}

func matchesQuery(sig *models.Signal, query string) bool {
	haystack := strings.ToLower(sig.Name + " " + sig.Description + " " + sig.Provider)
	for _, word := range strings.Fields(query) {
		if !strings.Contains(haystack, word) {
			return false
		}
	}
	return true
}

// Activate begins activation of one signal. Signals without platform-side
// setup deploy immediately; the rest open an approval step for the
// publisher's trafficking team.
func (s *Service) Activate(ctx context.Context, id *auth.Identity, wfCtx *models.Context, req *adcp.ActivateSignalRequest, raw json.RawMessage) (*adcp.ActivateSignalResponse, error) {
	if req.SignalID == "" {
		return nil, models.NewAdCPError(models.CodeValidationError, "signal_id is required")
	}
	all, err := s.store.ListSignals(ctx, id.Tenant.TenantID)
	if err != nil {
		return nil, err
	}
	var signal *models.Signal
	for i := range all {
		if all[i].SignalID == req.SignalID {
			signal = &all[i]
			break
		}
	}
	if signal == nil {
		return nil, models.NewAdCPError(models.CodeValidationError, "unknown signal %s", req.SignalID)
	}

	step, err := s.engine.OpenStep(ctx, wfCtx, models.StepTypeToolCall, "activate_signal", raw)
	if err != nil {
		return nil, err
	}
	if err := s.engine.MapObject(ctx, step.StepID, "signal", signal.SignalID, models.MappingActionUpdate); err != nil {
		return nil, err
	}

	if !signal.RequiresActivation {
		resp := &adcp.ActivateSignalResponse{SignalID: signal.SignalID, Status: StatusDeployed}
		respJSON, _ := json.Marshal(resp)
		if err := s.engine.Transition(ctx, step, models.StepStatusCompleted, "", respJSON); err != nil {
			s.logger.Error("complete activation step", zap.Error(err), zap.String("step_id", step.StepID))
		}
		s.audit.Record("activate_signal", id.Tenant.TenantID, id.PrincipalID, id.PrincipalName, true, signal.SignalID)
		return resp, nil
	}

	summary := fmt.Sprintf("%s requested activation of signal %q (%s)",
		id.PrincipalName, signal.Name, signal.SignalID)
	if err := s.engine.RequireApproval(ctx, id.Tenant, step, summary); err != nil {
		return nil, err
	}
	s.audit.Record("activate_signal", id.Tenant.TenantID, id.PrincipalID, id.PrincipalName, true, signal.SignalID)
	return &adcp.ActivateSignalResponse{
		SignalID:       signal.SignalID,
		Status:         StatusActivating,
		WorkflowStepID: step.StepID,
	}, nil
}
