// Command server runs the AdCP sales agent over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adapters"
	"github.com/adcontextprotocol/salesagent/internal/aireview"
	"github.com/adcontextprotocol/salesagent/internal/auth"
	"github.com/adcontextprotocol/salesagent/internal/catalog"
	"github.com/adcontextprotocol/salesagent/internal/config"
	"github.com/adcontextprotocol/salesagent/internal/creatives"
	"github.com/adcontextprotocol/salesagent/internal/db"
	"github.com/adcontextprotocol/salesagent/internal/delivery"
	"github.com/adcontextprotocol/salesagent/internal/dispatcher"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
	"github.com/adcontextprotocol/salesagent/internal/orchestrator"
	"github.com/adcontextprotocol/salesagent/internal/policy"
	"github.com/adcontextprotocol/salesagent/internal/signals"
	"github.com/adcontextprotocol/salesagent/internal/workflow"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLogger(cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("trace shutdown", zap.Error(err))
			}
		}()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN,
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return err
	}
	defer pg.Close()

	redisStore, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, pub/sub and caching disabled", zap.Error(err))
		redisStore = nil
	} else {
		defer redisStore.Close()
	}

	clickhouse, err := db.InitClickHouse(cfg.ClickHouseDSN, cfg.CHMaxOpenConns, cfg.CHMaxIdleConns)
	if err != nil {
		logger.Warn("clickhouse unavailable, delivery reporting degrades to simulation", zap.Error(err))
		clickhouse = nil
	} else {
		defer clickhouse.Close()
	}

	reg := prometheus.NewRegistry()
	observability.RegisterMetrics(reg)

	audit := observability.NewAuditLogger(logger)
	checker := policy.NewChecker(logger)
	gate := policy.NewSetupGate(pg)
	resolver := auth.NewResolver(pg, logger)

	webhooks := workflow.NewWebhookSender(cfg.WebhookTimeout, logger)
	slack := workflow.NewSlackNotifier(cfg.SlackEnabled, logger)
	engine := workflow.NewEngine(pg, redisStore, webhooks, slack, logger)

	factory := func(tenant *models.Tenant) adapters.Port {
		return adapters.Wrap(adapters.New(tenant, logger), cfg.AdapterTimeout, logger)
	}

	orch := orchestrator.NewService(pg, engine, checker, gate, factory, redisStore, slack, audit, logger)
	creativeSvc := creatives.NewService(pg, engine, nil, audit, logger)
	pool := aireview.NewPool(pg, engine, aireview.NewPolicyClassifier(),
		cfg.AIReviewWorkers, cfg.AIReviewQueueSize, logger)
	creativeSvc.SetReviewer(pool)
	pool.Start(ctx)
	defer pool.Stop()

	svcs := dispatcher.Services{
		Catalog:      catalog.NewService(pg, checker, logger),
		Creatives:    creativeSvc,
		Orchestrator: orch,
		Delivery: delivery.NewService(pg, clickhouse, factory, audit,
			cfg.ReportingWindowDays, cfg.DeliveryJitterPct, logger),
		Signals: signals.NewService(pg, engine, audit, logger),
		Engine:  engine,
	}
	d := dispatcher.New(resolver, svcs, audit, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      dispatcher.NewRouter(d, reg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
