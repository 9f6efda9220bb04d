package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

// ClickHouse wraps the analytics connection used for delivery facts and the
// format performance rolling aggregates. The connection is optional; a nil
// ClickHouse falls back to simulated delivery.
type ClickHouse struct {
	DB *sql.DB
}

const clickhouseSchemaSQL = `CREATE TABLE IF NOT EXISTS delivery_facts (
    tenant_id String,
    media_buy_id String,
    package_id String,
    event_date Date,
    impressions UInt64,
    spend Float64
) ENGINE = SummingMergeTree()
ORDER BY (tenant_id, media_buy_id, package_id, event_date)`

const formatMetricsSchemaSQL = `CREATE TABLE IF NOT EXISTS format_performance_metrics (
    tenant_id String,
    country String,
    creative_size String,
    event_date Date,
    impressions UInt64,
    spend Float64
) ENGINE = SummingMergeTree()
ORDER BY (tenant_id, country, creative_size, event_date)`

// InitClickHouse connects to ClickHouse and ensures the analytics tables.
func InitClickHouse(dsn string, maxOpenConns, maxIdleConns int) (*ClickHouse, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	ch := &ClickHouse{DB: db}
	for _, ddl := range []string{clickhouseSchemaSQL, formatMetricsSchemaSQL} {
		if _, err := db.ExecContext(context.Background(), ddl); err != nil {
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	zap.L().Info("Connected to ClickHouse")
	return ch, nil
}

// Close terminates the ClickHouse connection.
func (c *ClickHouse) Close() {
	if c != nil && c.DB != nil {
		if err := c.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

// PackageDeliveryTotals is one aggregated row for a package over a window.
type PackageDeliveryTotals struct {
	PackageID   string
	Impressions int64
	Spend       float64
}

// QueryDelivery aggregates delivery per package for a media buy over the
// reporting window.
func (c *ClickHouse) QueryDelivery(ctx context.Context, tenantID, mediaBuyID string, start, end time.Time) ([]PackageDeliveryTotals, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT package_id, sum(impressions), sum(spend)
        FROM delivery_facts
        WHERE tenant_id = ? AND media_buy_id = ? AND event_date BETWEEN ? AND ?
        GROUP BY package_id ORDER BY package_id`,
		tenantID, mediaBuyID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []PackageDeliveryTotals
	for rows.Next() {
		var t PackageDeliveryTotals
		if err := rows.Scan(&t.PackageID, &t.Impressions, &t.Spend); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// RecordFormatMetrics folds one observation into the country × creative-size
// rolling aggregate. Best effort; callers do not gate on it.
func (c *ClickHouse) RecordFormatMetrics(ctx context.Context, m models.FormatPerformanceMetrics) {
	if c == nil || c.DB == nil {
		return
	}
	_, err := c.DB.ExecContext(ctx, `INSERT INTO format_performance_metrics
        (tenant_id, country, creative_size, event_date, impressions, spend) VALUES (?,?,?,?,?,?)`,
		m.TenantID, m.Country, m.CreativeSize, m.PeriodStart.Format("2006-01-02"), m.Impressions, m.Spend)
	if err != nil {
		zap.L().Warn("record format metrics", zap.Error(err))
	}
}
