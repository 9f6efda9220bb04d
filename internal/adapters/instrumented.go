package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
)

// instrumented wraps a Port with a per-call deadline, a circuit breaker and
// call metrics. Deadline overruns surface as ADAPTER_TIMEOUT protocol errors;
// an open breaker fails fast without touching the platform.
type instrumented struct {
	inner   Port
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// Wrap instruments an adapter. Every adapter handed to the orchestrator goes
// through here.
func Wrap(inner Port, timeout time.Duration, logger *zap.Logger) Port {
	if logger == nil {
		logger = zap.L()
	}
	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "adapter-" + name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(cbName string, from, to gobreaker.State) {
			logger.Warn("adapter circuit breaker state change",
				zap.String("breaker", cbName),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &instrumented{inner: inner, timeout: timeout, breaker: cb, logger: logger}
}

func (w *instrumented) Name() string                        { return w.inner.Name() }
func (w *instrumented) ManualApprovalRequired() bool        { return w.inner.ManualApprovalRequired() }
func (w *instrumented) ManualApprovalOperations() []string  { return w.inner.ManualApprovalOperations() }
func (w *instrumented) GetSupportedPricingModels() []string { return w.inner.GetSupportedPricingModels() }

// call runs fn under the breaker with a bounded context and records metrics.
func (w *instrumented) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	_, err := w.breaker.Execute(func() (any, error) {
		return nil, fn(cctx)
	})

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
		err = models.NewAdCPError(models.CodeAdapterTimeout,
			"%s %s did not complete within %s", w.inner.Name(), operation, w.timeout)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "breaker_open"
		err = models.NewAdCPError(models.CodeAdapterTimeout,
			"%s is temporarily unavailable", w.inner.Name())
	default:
		status = "error"
	}
	observability.AdapterCallCount.WithLabelValues(w.inner.Name(), operation, status).Inc()
	return err
}

func (w *instrumented) CreateMediaBuy(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	var res *CreateResult
	err := w.call(ctx, "create_media_buy", func(ctx context.Context) error {
		var err error
		res, err = w.inner.CreateMediaBuy(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (w *instrumented) UpdateMediaBuy(ctx context.Context, platformOrderID string, action UpdateAction) error {
	return w.call(ctx, "update_media_buy", func(ctx context.Context) error {
		return w.inner.UpdateMediaBuy(ctx, platformOrderID, action)
	})
}

func (w *instrumented) AddCreativeAssets(ctx context.Context, up *AssetUpload) ([]AssetResult, error) {
	var res []AssetResult
	err := w.call(ctx, "add_creative_assets", func(ctx context.Context) error {
		var err error
		res, err = w.inner.AddCreativeAssets(ctx, up)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (w *instrumented) AssociateCreatives(ctx context.Context, lineItemIDs, platformCreativeIDs []string) error {
	return w.call(ctx, "associate_creatives", func(ctx context.Context) error {
		return w.inner.AssociateCreatives(ctx, lineItemIDs, platformCreativeIDs)
	})
}

func (w *instrumented) ApproveOrder(ctx context.Context, platformOrderID string) error {
	return w.call(ctx, "approve_order", func(ctx context.Context) error {
		return w.inner.ApproveOrder(ctx, platformOrderID)
	})
}

func (w *instrumented) UpdatePerformanceIndex(ctx context.Context, platformOrderID string, scores map[string]float64) error {
	return w.call(ctx, "update_performance_index", func(ctx context.Context) error {
		return w.inner.UpdatePerformanceIndex(ctx, platformOrderID, scores)
	})
}
