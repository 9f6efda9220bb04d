package workflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
)

// Notification is the webhook body sent when a step affecting an object
// reaches a terminal state.
type Notification struct {
	StepID     string `json:"step_id"`
	StepType   string `json:"step_type"`
	Status     string `json:"status"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Action     string `json:"action"`
}

// WebhookSender delivers push notifications to registered endpoints. Delivery
// is best-effort with a circuit breaker; the caller's operation never fails
// because an endpoint is down.
type WebhookSender struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewWebhookSender builds a sender with the given per-delivery timeout.
func NewWebhookSender(timeout time.Duration, logger *zap.Logger) *WebhookSender {
	if logger == nil {
		logger = zap.L()
	}
	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "webhooks",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 10
			},
		}),
		logger: logger.Named("webhooks"),
	}
}

// Deliver posts one notification to one endpoint, signing per the config's
// auth scheme.
func (w *WebhookSender) Deliver(ctx context.Context, cfg *models.PushNotificationConfig, note Notification) {
	body, err := json.Marshal(note)
	if err != nil {
		w.logger.Error("marshal notification", zap.Error(err))
		return
	}

	_, err = w.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		switch cfg.AuthScheme {
		case models.PushAuthHMAC:
			mac := hmac.New(sha256.New, []byte(cfg.Credentials))
			mac.Write(body)
			req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
		case models.PushAuthBearer:
			req.Header.Set("Authorization", "Bearer "+cfg.Credentials)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode >= 300 {
			return nil, &httpStatusError{status: resp.StatusCode}
		}
		return nil, nil
	})

	if err != nil {
		observability.WebhookDeliveryCount.WithLabelValues("failed").Inc()
		w.logger.Warn("webhook delivery failed",
			zap.Error(err),
			zap.String("url", cfg.URL),
			zap.String("step_id", note.StepID))
		return
	}
	observability.WebhookDeliveryCount.WithLabelValues("delivered").Inc()
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned %d", e.status)
}
