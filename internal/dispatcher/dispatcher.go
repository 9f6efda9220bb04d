// Package dispatcher routes tool calls to their services and wraps every
// outcome in the protocol envelope. Transport adapters (HTTP, MCP) build a
// Request from their framing and hand it to Dispatch; auth failures, policy
// violations and panics all come back as failed envelopes, never as
// transport-level errors.
package dispatcher

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/catalog"
	"github.com/adcontextprotocol/salesagent/internal/creatives"
	"github.com/adcontextprotocol/salesagent/internal/delivery"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
	"github.com/adcontextprotocol/salesagent/internal/orchestrator"
	"github.com/adcontextprotocol/salesagent/internal/signals"
	"github.com/adcontextprotocol/salesagent/internal/workflow"
)

// Request is one tool invocation, already stripped of transport framing.
type Request struct {
	Tool      string
	Meta      auth.RequestMeta
	ContextID string
	Body      json.RawMessage
	// Push is the header-carried webhook registration; it applies only when
	// the body carries none of its own.
	Push *adcp.PushNotificationConfig
}

// Call is the resolved invocation handed to tool handlers.
type Call struct {
	Identity *auth.Identity
	// Context is the conversation context; nil for unauthenticated calls.
	Context *models.Context
	Raw     json.RawMessage
	Push    *adcp.PushNotificationConfig
}

type handlerFunc func(ctx context.Context, call *Call) (*adcp.Envelope, error)

type tool struct {
	authRequired bool
	handler      handlerFunc
}

// Services bundles the per-domain services the dispatcher routes to.
type Services struct {
	Catalog      *catalog.Service
	Creatives    *creatives.Service
	Orchestrator *orchestrator.Service
	Delivery     *delivery.Service
	Signals      *signals.Service
	Engine       *workflow.Engine
}

// Dispatcher resolves identity and routes tool calls.
type Dispatcher struct {
	resolver *auth.Resolver
	engine   *workflow.Engine
	audit    *observability.AuditLogger
	logger   *zap.Logger
	tools    map[string]tool
}

// New builds the dispatcher with the full tool registry.
func New(resolver *auth.Resolver, svcs Services, audit *observability.AuditLogger, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.L()
	}
	d := &Dispatcher{
		resolver: resolver,
		engine:   svcs.Engine,
		audit:    audit,
		logger:   logger.Named("dispatcher"),
	}
	d.tools = registry(svcs)
	return d
}

// ToolNames returns the registered tool names; used by the MCP transport to
// advertise the tool set.
func (d *Dispatcher) ToolNames() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	return names
}

// Dispatch runs one tool call end to end. It always returns an envelope;
// errors of every kind are folded into a failed envelope so transports can
// stay dumb.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *adcp.Envelope {
	start := time.Now()
	env := d.dispatch(ctx, req)
	observability.ToolCallCount.WithLabelValues(req.Tool, env.Status).Inc()
	observability.ToolCallLatency.WithLabelValues(req.Tool).Observe(time.Since(start).Seconds())
	return env
}

func (d *Dispatcher) dispatch(ctx context.Context, req *Request) (env *adcp.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked",
				zap.String("tool", req.Tool),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			env = adcp.Failed(models.NewAdCPError(models.CodeToolError, "internal error in %s", req.Tool))
		}
	}()

	t, ok := d.tools[req.Tool]
	if !ok {
		return adcp.Failed(models.NewAdCPError(models.CodeToolError, "unknown tool %s", req.Tool))
	}

	id, err := d.resolver.Resolve(ctx, req.Meta)
	if err != nil {
		return adcp.FailedFrom(err, models.CodeAuthenticationError)
	}
	if !id.Tenant.Active {
		return adcp.Failed(models.NewAdCPError(models.CodeAuthenticationError,
			"tenant %s is not active", id.Tenant.TenantID))
	}
	if t.authRequired && id.PrincipalID == "" {
		return adcp.Failed(models.NewAdCPError(models.CodeAuthenticationError,
			"%s requires authentication", req.Tool))
	}

	call := &Call{Identity: id, Raw: req.Body, Push: req.Push}
	if id.PrincipalID != "" {
		wfCtx, err := d.engine.EnsureContext(ctx, id, req.ContextID)
		if err != nil {
			return adcp.FailedFrom(err, models.CodeToolError)
		}
		call.Context = wfCtx
	}

	env, err = t.handler(ctx, call)
	if err != nil {
		d.logger.Warn("tool call failed",
			zap.String("tool", req.Tool),
			zap.String("tenant_id", id.Tenant.TenantID),
			zap.String("principal_id", id.PrincipalID),
			zap.Error(err))
		env = adcp.FailedFrom(err, models.CodeToolError)
	}
	if call.Context != nil {
		env.ContextID = call.Context.ContextID
	}
	// Every resolved invocation leaves an audit record, the anonymous
	// principal included.
	d.audit.Record(req.Tool, id.Tenant.TenantID, id.PrincipalID, id.PrincipalName,
		env.Status != adcp.StatusFailed, "")
	return env
}

// decode unmarshals the raw body into v. An empty body decodes to the zero
// request so discovery tools work with no arguments at all.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return models.NewAdCPError(models.CodeValidationError, "malformed request body: %v", err)
	}
	return nil
}
