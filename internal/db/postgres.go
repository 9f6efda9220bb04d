package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS tenants (
    tenant_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    subdomain TEXT NOT NULL UNIQUE,
    virtual_host TEXT,
    ad_server TEXT NOT NULL,
    adapter_config JSONB,
    authorized_domains TEXT[],
    admin_token TEXT NOT NULL,
    auto_create_media_buys BOOLEAN NOT NULL DEFAULT TRUE,
    approval_mode TEXT NOT NULL DEFAULT 'auto-approve',
    slack_webhook_url TEXT,
    gemini_api_key TEXT,
    policies JSONB,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS principals (
    tenant_id TEXT NOT NULL REFERENCES tenants(tenant_id),
    principal_id TEXT NOT NULL,
    name TEXT NOT NULL,
    access_token TEXT NOT NULL,
    platform_mappings JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tenant_id, principal_id)
);

CREATE TABLE IF NOT EXISTS products (
    tenant_id TEXT NOT NULL REFERENCES tenants(tenant_id),
    product_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    delivery_type TEXT NOT NULL,
    min_spend DOUBLE PRECISION,
    formats JSONB,
    pricing_options JSONB,
    auto_create_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    targeting JSONB,
    PRIMARY KEY (tenant_id, product_id)
);

CREATE TABLE IF NOT EXISTS currency_limits (
    tenant_id TEXT NOT NULL REFERENCES tenants(tenant_id),
    currency TEXT NOT NULL,
    min_package_budget DOUBLE PRECISION,
    max_daily_package_spend DOUBLE PRECISION,
    PRIMARY KEY (tenant_id, currency)
);

CREATE TABLE IF NOT EXISTS media_buys (
    media_buy_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL REFERENCES tenants(tenant_id),
    principal_id TEXT NOT NULL,
    buyer_ref TEXT NOT NULL,
    po_number TEXT,
    start_time TIMESTAMPTZ NOT NULL,
    end_time TIMESTAMPTZ NOT NULL,
    budget DOUBLE PRECISION NOT NULL,
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    platform_order_id TEXT,
    raw_request JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS media_packages (
    package_id TEXT PRIMARY KEY,
    media_buy_id TEXT NOT NULL REFERENCES media_buys(media_buy_id),
    tenant_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    budget DOUBLE PRECISION NOT NULL,
    pricing_model TEXT NOT NULL,
    bid_price DOUBLE PRECISION,
    pacing TEXT,
    impressions BIGINT,
    status TEXT,
    package_config JSONB,
    platform_line_item_id TEXT
);

CREATE TABLE IF NOT EXISTS creatives (
    tenant_id TEXT NOT NULL,
    principal_id TEXT NOT NULL,
    creative_id TEXT NOT NULL,
    name TEXT NOT NULL,
    agent_url TEXT NOT NULL,
    format_id TEXT NOT NULL,
    status TEXT NOT NULL,
    data JSONB,
    platform_creative_id TEXT,
    tags TEXT[],
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tenant_id, principal_id, creative_id)
);

CREATE TABLE IF NOT EXISTS creative_assignments (
    assignment_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    media_buy_id TEXT NOT NULL,
    package_id TEXT NOT NULL,
    creative_id TEXT NOT NULL,
    weight INT NOT NULL DEFAULT 100,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS contexts (
    context_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    principal_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_steps (
    step_id TEXT PRIMARY KEY,
    context_id TEXT NOT NULL REFERENCES contexts(context_id),
    tenant_id TEXT NOT NULL,
    step_type TEXT NOT NULL,
    owner TEXT NOT NULL,
    status TEXT NOT NULL,
    tool_name TEXT,
    request_data JSONB,
    response_data JSONB,
    error_message TEXT,
    assignee TEXT,
    comments JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS object_workflow_mappings (
    mapping_id TEXT PRIMARY KEY,
    step_id TEXT NOT NULL REFERENCES workflow_steps(step_id),
    object_type TEXT NOT NULL,
    object_id TEXT NOT NULL,
    action TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS push_notification_configs (
    config_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    principal_id TEXT NOT NULL,
    url TEXT NOT NULL,
    auth_scheme TEXT NOT NULL,
    credentials TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS authorized_properties (
    tenant_id TEXT NOT NULL,
    property_id TEXT NOT NULL,
    property_type TEXT NOT NULL,
    name TEXT NOT NULL,
    identifiers TEXT[],
    tags TEXT[],
    verified BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (tenant_id, property_id)
);

CREATE TABLE IF NOT EXISTS property_tags (
    tenant_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    PRIMARY KEY (tenant_id, tag_id)
);

CREATE TABLE IF NOT EXISTS creative_formats (
    tenant_id TEXT NOT NULL DEFAULT '',
    format_id TEXT NOT NULL,
    agent_url TEXT NOT NULL,
    name TEXT NOT NULL,
    format_type TEXT NOT NULL,
    width INT,
    height INT,
    duration DOUBLE PRECISION,
    is_standard BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (tenant_id, agent_url, format_id)
);

CREATE TABLE IF NOT EXISTS signals (
    tenant_id TEXT NOT NULL DEFAULT '',
    signal_id TEXT NOT NULL,
    name TEXT NOT NULL,
    signal_type TEXT NOT NULL,
    provider TEXT,
    description TEXT,
    coverage_pct DOUBLE PRECISION,
    cpm_uplift DOUBLE PRECISION,
    requires_activation BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (tenant_id, signal_id)
);

CREATE TABLE IF NOT EXISTS gam_inventory (
    tenant_id TEXT NOT NULL,
    ad_unit_id TEXT NOT NULL,
    name TEXT NOT NULL,
    synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tenant_id, ad_unit_id)
);

CREATE INDEX IF NOT EXISTS idx_principals_token ON principals (access_token);
CREATE INDEX IF NOT EXISTS idx_media_buys_tenant_principal ON media_buys (tenant_id, principal_id);
CREATE INDEX IF NOT EXISTS idx_media_buys_buyer_ref ON media_buys (tenant_id, buyer_ref);
CREATE INDEX IF NOT EXISTS idx_media_packages_buy ON media_packages (media_buy_id);
CREATE INDEX IF NOT EXISTS idx_creatives_tenant_principal ON creatives (tenant_id, principal_id);
CREATE INDEX IF NOT EXISTS idx_assignments_buy ON creative_assignments (media_buy_id);
CREATE INDEX IF NOT EXISTS idx_assignments_creative ON creative_assignments (tenant_id, creative_id);
CREATE INDEX IF NOT EXISTS idx_steps_context ON workflow_steps (context_id);
CREATE INDEX IF NOT EXISTS idx_steps_tenant_status ON workflow_steps (tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_mappings_step ON object_workflow_mappings (step_id);
CREATE INDEX IF NOT EXISTS idx_mappings_object ON object_workflow_mappings (object_type, object_id);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// ensureSchema creates the required tables if they do not exist.
func (p *Postgres) ensureSchema() error {
	ctx := context.Background()
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, rolling back on error.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			zap.L().Error("tx rollback", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Savepoint is the method form used through store interfaces.
func (p *Postgres) Savepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	return Savepoint(ctx, tx, name, fn)
}

// Savepoint opens a named savepoint inside tx, runs fn, and rolls back to the
// savepoint when fn fails so one unit's failure never poisons its siblings.
func Savepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rollback to %s after %v: %w", name, err, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}
