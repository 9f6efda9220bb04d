// Command mcp-server exposes the AdCP tool set over the Model Context
// Protocol's stdio transport. The tenant and bearer token are fixed from the
// environment at startup; every tool call dispatches through the same
// pipeline as the HTTP server and returns the protocol envelope.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/adapters"
	"github.com/adcontextprotocol/salesagent/internal/adcp"
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

// toolDescriptions drives MCP tool registration. Inputs are validated by the
// services, so each tool advertises a permissive object schema.
var toolDescriptions = map[string]string{
	"get_products":               "Discover available advertising products; pricing requires authentication",
	"list_creative_formats":      "List the creative formats this publisher accepts",
	"list_creative_agents":       "List the creative agents behind the publisher's formats",
	"list_authorized_properties": "List the publisher's verified properties and tags",
	"create_media_buy":           "Create a media buy from a brief and package selection",
	"update_media_buy":           "Update a media buy's flight, budget or packages",
	"sync_creatives":             "Upsert creatives and their package assignments",
	"list_creatives":             "Page through the caller's creative library",
	"get_media_buy_delivery":     "Report per-package delivery over a window",
	"update_performance_index":   "Send performance scores back to the ad server",
	"get_signals":                "Search the publisher's signal catalog",
	"activate_signal":            "Activate a signal for use in targeting",
	"list_tasks":                 "List workflow tasks visible to the caller",
	"get_task":                   "Fetch one workflow task",
	"complete_task":              "Resolve a pending workflow task (publisher only)",
}

// session carries the identity fixed at startup for the stdio transport.
type session struct {
	d    *dispatcher.Dispatcher
	meta auth.RequestMeta
}

// handler adapts one named tool to an MCP handler. The envelope is the tool
// output; protocol failures ride inside it rather than as MCP errors.
func (s *session) handler(toolName string) func(context.Context, *mcp.CallToolRequest, map[string]any) (*mcp.CallToolResult, *adcp.Envelope, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input map[string]any) (*mcp.CallToolResult, *adcp.Envelope, error) {
		body, err := json.Marshal(input)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding arguments: %w", err)
		}
		env := s.d.Dispatch(ctx, &dispatcher.Request{
			Tool: toolName,
			Meta: s.meta,
			Body: body,
		})
		return nil, env, nil
	}
}

func main() {
	cfg := config.Load()

	// stdio carries the protocol; logs must stay on stderr.
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named(cfg.ServiceName + "-mcp")
	defer logger.Sync() //nolint:errcheck

	pg, err := db.InitPostgres(cfg.PostgresDSN,
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Fatal("connecting to postgres", zap.Error(err))
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audit := observability.NewAuditLogger(logger)
	checker := policy.NewChecker(logger)
	resolver := auth.NewResolver(pg, logger)

	webhooks := workflow.NewWebhookSender(cfg.WebhookTimeout, logger)
	slack := workflow.NewSlackNotifier(cfg.SlackEnabled, logger)
	engine := workflow.NewEngine(pg, redisStore, webhooks, slack, logger)

	factory := func(tenant *models.Tenant) adapters.Port {
		return adapters.Wrap(adapters.New(tenant, logger), cfg.AdapterTimeout, logger)
	}

	orch := orchestrator.NewService(pg, engine, checker, policy.NewSetupGate(pg),
		factory, redisStore, slack, audit, logger)
	creativeSvc := creatives.NewService(pg, engine, nil, audit, logger)
	pool := aireview.NewPool(pg, engine, aireview.NewPolicyClassifier(),
		cfg.AIReviewWorkers, cfg.AIReviewQueueSize, logger)
	creativeSvc.SetReviewer(pool)
	pool.Start(ctx)
	defer pool.Stop()

	d := dispatcher.New(resolver, dispatcher.Services{
		Catalog:      catalog.NewService(pg, checker, logger),
		Creatives:    creativeSvc,
		Orchestrator: orch,
		Delivery: delivery.NewService(pg, clickhouse, factory, audit,
			cfg.ReportingWindowDays, cfg.DeliveryJitterPct, logger),
		Signals: signals.NewService(pg, engine, audit, logger),
		Engine:  engine,
	}, audit, logger)

	sess := &session{d: d, meta: auth.RequestMeta{
		TenantHint: os.Getenv("ADCP_TENANT"),
		Bearer:     os.Getenv("ADCP_AUTH_TOKEN"),
	}}
	if sess.meta.TenantHint == "" && sess.meta.Bearer == "" {
		logger.Fatal("ADCP_TENANT or ADCP_AUTH_TOKEN must be set")
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "adcp-sales-agent",
		Version: "1.0.0",
	}, nil)

	for _, name := range d.ToolNames() {
		mcp.AddTool(server, &mcp.Tool{
			Name:        name,
			Description: toolDescriptions[name],
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": true,
			},
		}, sess.handler(name))
	}

	logger.Info("serving AdCP tools over stdio", zap.Int("tools", len(d.ToolNames())))

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		logger.Fatal("mcp server", zap.Error(err))
	}
}
