package dispatcher

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/middleware"
	"github.com/adcontextprotocol/salesagent/internal/models"
)

// Headers the HTTP transport maps into a Request beyond the auth headers.
const (
	HeaderContextID       = "x-context-id"
	HeaderPushURL         = "x-push-notification-url"
	HeaderPushAuthScheme  = "x-push-notification-auth-scheme"
	HeaderPushCredentials = "x-push-notification-credentials"
)

const maxBodyBytes = 1 << 20

// NewRouter builds the HTTP surface: tool endpoints under /adcp/v1, a health
// probe and the metrics endpoint, all wrapped in tracing.
func NewRouter(d *Dispatcher, reg *prometheus.Registry, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/adcp/v1/{tool}", d.handleTool).Methods(http.MethodPost)

	handler := middleware.WithTraceLogger(logger)(r)
	return otelhttp.NewHandler(handler, "adcp")
}

// handleTool adapts one HTTP request into a dispatch. The response is always
// HTTP 200 with a JSON envelope; protocol failures live in the envelope's
// status and errors, not in the HTTP status line.
func (d *Dispatcher) handleTool(w http.ResponseWriter, r *http.Request) {
	toolName := mux.Vars(r)["tool"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		d.writeEnvelope(r, w, toolName,
			adcp.Failed(models.NewAdCPError(models.CodeValidationError, "reading request body: %v", err)))
		return
	}

	req := &Request{
		Tool: toolName,
		Meta: auth.RequestMeta{
			Host:        r.Host,
			TenantHint:  r.Header.Get(auth.HeaderTenant),
			VirtualHost: r.Header.Get(auth.HeaderVirtualHost),
			Bearer:      r.Header.Get(auth.HeaderAuth),
		},
		ContextID: r.Header.Get(HeaderContextID),
		Body:      body,
	}
	if pushURL := r.Header.Get(HeaderPushURL); pushURL != "" {
		req.Push = &adcp.PushNotificationConfig{
			URL:         pushURL,
			AuthScheme:  r.Header.Get(HeaderPushAuthScheme),
			Credentials: r.Header.Get(HeaderPushCredentials),
		}
	}

	env := d.Dispatch(r.Context(), req)
	d.writeEnvelope(r, w, toolName, env)
}

func (d *Dispatcher) writeEnvelope(r *http.Request, w http.ResponseWriter, toolName string, env *adcp.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	if env.ContextID != "" {
		w.Header().Set(HeaderContextID, env.ContextID)
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger := middleware.LoggerFromContext(r.Context(), d.logger)
		logger.Error("writing envelope", zap.String("tool", toolName), zap.Error(err))
	}
}
