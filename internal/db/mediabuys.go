package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

const mediaBuyColumns = `media_buy_id, tenant_id, principal_id, buyer_ref, po_number,
    start_time, end_time, budget, currency, status, platform_order_id, raw_request, created_at, updated_at`

func scanMediaBuy(row interface{ Scan(...any) error }) (*models.MediaBuy, error) {
	var m models.MediaBuy
	var po, platformOrder sql.NullString
	var raw []byte
	if err := row.Scan(&m.MediaBuyID, &m.TenantID, &m.PrincipalID, &m.BuyerRef, &po,
		&m.StartTime, &m.EndTime, &m.Budget, &m.Currency, &m.Status, &platformOrder, &raw, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan media buy: %w", err)
	}
	m.PONumber = po.String
	m.PlatformOrderID = platformOrder.String
	m.RawRequest = raw
	return &m, nil
}

// InsertMediaBuy stores a media buy. Works on a plain connection or inside a
// transaction via the execer.
func (p *Postgres) InsertMediaBuy(ctx context.Context, m *models.MediaBuy) error {
	return insertMediaBuy(ctx, p.DB, m)
}

// InsertMediaBuyTx stores a media buy inside an open transaction.
func (p *Postgres) InsertMediaBuyTx(ctx context.Context, tx *sql.Tx, m *models.MediaBuy) error {
	return insertMediaBuy(ctx, tx, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMediaBuy(ctx context.Context, ex execer, m *models.MediaBuy) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO media_buys (
        media_buy_id, tenant_id, principal_id, buyer_ref, po_number,
        start_time, end_time, budget, currency, status, platform_order_id, raw_request)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		m.MediaBuyID, m.TenantID, m.PrincipalID, m.BuyerRef, nullStr(m.PONumber),
		m.StartTime, m.EndTime, m.Budget, m.Currency, m.Status, nullStr(m.PlatformOrderID), []byte(m.RawRequest))
	if err != nil {
		return fmt.Errorf("insert media buy: %w", err)
	}
	return nil
}

// GetMediaBuy fetches a media buy by id within a tenant.
func (p *Postgres) GetMediaBuy(ctx context.Context, tenantID, mediaBuyID string) (*models.MediaBuy, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+mediaBuyColumns+` FROM media_buys WHERE tenant_id=$1 AND media_buy_id=$2`, tenantID, mediaBuyID)
	return scanMediaBuy(row)
}

// GetMediaBuyByBuyerRef fetches the most recent buy for a buyer_ref within
// (tenant, principal). buyer_ref is a correlation id, not unique.
func (p *Postgres) GetMediaBuyByBuyerRef(ctx context.Context, tenantID, principalID, buyerRef string) (*models.MediaBuy, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+mediaBuyColumns+` FROM media_buys
        WHERE tenant_id=$1 AND principal_id=$2 AND buyer_ref=$3 ORDER BY created_at DESC LIMIT 1`,
		tenantID, principalID, buyerRef)
	return scanMediaBuy(row)
}

// ListMediaBuys returns buys for a principal, optionally filtered by ids,
// buyer refs and status.
func (p *Postgres) ListMediaBuys(ctx context.Context, tenantID, principalID string, ids, buyerRefs []string, status string) ([]models.MediaBuy, error) {
	q := `SELECT ` + mediaBuyColumns + ` FROM media_buys WHERE tenant_id=$1 AND principal_id=$2`
	args := []any{tenantID, principalID}
	if len(ids) > 0 {
		args = append(args, pq.Array(ids))
		q += fmt.Sprintf(" AND media_buy_id = ANY($%d)", len(args))
	}
	if len(buyerRefs) > 0 {
		args = append(args, pq.Array(buyerRefs))
		q += fmt.Sprintf(" AND buyer_ref = ANY($%d)", len(args))
	}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY created_at"
	rows, err := p.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query media buys: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.MediaBuy
	for rows.Next() {
		m, err := scanMediaBuy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// UpdateMediaBuyStatus transitions a buy's status.
func (p *Postgres) UpdateMediaBuyStatus(ctx context.Context, tenantID, mediaBuyID, status string) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE media_buys SET status=$1, updated_at=NOW() WHERE tenant_id=$2 AND media_buy_id=$3`,
		status, tenantID, mediaBuyID)
	if err != nil {
		return fmt.Errorf("update media buy status: %w", err)
	}
	return nil
}

// SetMediaBuyPlatformOrder records the ad-server order id after creation.
func (p *Postgres) SetMediaBuyPlatformOrder(ctx context.Context, tenantID, mediaBuyID, platformOrderID string) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE media_buys SET platform_order_id=$1, updated_at=NOW()
        WHERE tenant_id=$2 AND media_buy_id=$3`, platformOrderID, tenantID, mediaBuyID)
	if err != nil {
		return fmt.Errorf("set platform order id: %w", err)
	}
	return nil
}

// UpdateMediaBuyBudget writes through a campaign-level budget change.
func (p *Postgres) UpdateMediaBuyBudget(ctx context.Context, tenantID, mediaBuyID string, budget float64, buyerRef string) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE media_buys SET budget=$1, buyer_ref=COALESCE(NULLIF($2,''), buyer_ref), updated_at=NOW()
        WHERE tenant_id=$3 AND media_buy_id=$4`, budget, buyerRef, tenantID, mediaBuyID)
	if err != nil {
		return fmt.Errorf("update media buy budget: %w", err)
	}
	return nil
}

// UpdateMediaBuyFlight changes the flight window.
func (p *Postgres) UpdateMediaBuyFlight(ctx context.Context, tenantID, mediaBuyID string, start, end time.Time) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE media_buys SET start_time=$1, end_time=$2, updated_at=NOW()
        WHERE tenant_id=$3 AND media_buy_id=$4`, start, end, tenantID, mediaBuyID)
	if err != nil {
		return fmt.Errorf("update media buy flight: %w", err)
	}
	return nil
}

// InsertMediaPackage stores a package with the dual-write rule: dedicated
// columns for budget, bid_price and pacing plus the full package_config JSON.
func (p *Postgres) InsertMediaPackage(ctx context.Context, pkg *models.MediaPackage) error {
	return insertMediaPackage(ctx, p.DB, pkg)
}

// InsertMediaPackageTx stores a package inside an open transaction.
func (p *Postgres) InsertMediaPackageTx(ctx context.Context, tx *sql.Tx, pkg *models.MediaPackage) error {
	return insertMediaPackage(ctx, tx, pkg)
}

func insertMediaPackage(ctx context.Context, ex execer, pkg *models.MediaPackage) error {
	cfg := pkg.PackageConfig
	if len(cfg) == 0 {
		b, err := json.Marshal(pkg)
		if err != nil {
			return fmt.Errorf("marshal package config: %w", err)
		}
		cfg = b
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO media_packages (
        package_id, media_buy_id, tenant_id, product_id, budget, pricing_model,
        bid_price, pacing, impressions, status, package_config, platform_line_item_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		pkg.PackageID, pkg.MediaBuyID, pkg.TenantID, pkg.ProductID, pkg.Budget, pkg.PricingModel,
		nullFloat(pkg.BidPrice), nullStr(pkg.Pacing), nullableInt64(pkg.Impressions),
		nullStr(pkg.Status), []byte(cfg), nullStr(pkg.PlatformLineItemID))
	if err != nil {
		return fmt.Errorf("insert media package: %w", err)
	}
	return nil
}

// ListMediaPackages returns the packages of a buy in insertion order.
func (p *Postgres) ListMediaPackages(ctx context.Context, mediaBuyID string) ([]models.MediaPackage, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT package_id, media_buy_id, tenant_id, product_id, budget, pricing_model,
        bid_price, pacing, impressions, status, package_config, platform_line_item_id
        FROM media_packages WHERE media_buy_id=$1 ORDER BY package_id`, mediaBuyID)
	if err != nil {
		return nil, fmt.Errorf("query media packages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.MediaPackage
	for rows.Next() {
		var pkg models.MediaPackage
		var bid sql.NullFloat64
		var pacing, status, lineItem sql.NullString
		var imps sql.NullInt64
		var cfg []byte
		if err := rows.Scan(&pkg.PackageID, &pkg.MediaBuyID, &pkg.TenantID, &pkg.ProductID, &pkg.Budget, &pkg.PricingModel,
			&bid, &pacing, &imps, &status, &cfg, &lineItem); err != nil {
			return nil, fmt.Errorf("scan media package: %w", err)
		}
		pkg.BidPrice = bid.Float64
		pkg.Pacing = pacing.String
		pkg.Impressions = imps.Int64
		pkg.Status = status.String
		pkg.PackageConfig = cfg
		pkg.PlatformLineItemID = lineItem.String
		out = append(out, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// GetMediaPackage fetches one package by id within a tenant.
func (p *Postgres) GetMediaPackage(ctx context.Context, tenantID, packageID string) (*models.MediaPackage, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT package_id, media_buy_id, tenant_id, product_id, budget, pricing_model,
        bid_price, pacing, impressions, status, package_config, platform_line_item_id
        FROM media_packages WHERE tenant_id=$1 AND package_id=$2`, tenantID, packageID)
	var pkg models.MediaPackage
	var bid sql.NullFloat64
	var pacing, status, lineItem sql.NullString
	var imps sql.NullInt64
	var cfg []byte
	if err := row.Scan(&pkg.PackageID, &pkg.MediaBuyID, &pkg.TenantID, &pkg.ProductID, &pkg.Budget, &pkg.PricingModel,
		&bid, &pacing, &imps, &status, &cfg, &lineItem); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan media package: %w", err)
	}
	pkg.BidPrice = bid.Float64
	pkg.Pacing = pacing.String
	pkg.Impressions = imps.Int64
	pkg.Status = status.String
	pkg.PackageConfig = cfg
	pkg.PlatformLineItemID = lineItem.String
	return &pkg, nil
}

// UpdateMediaPackage rewrites a package's mutable fields, keeping the
// dedicated columns and the JSON blob in lock-step.
func (p *Postgres) UpdateMediaPackage(ctx context.Context, pkg *models.MediaPackage) error {
	cfg, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("marshal package config: %w", err)
	}
	_, err = p.DB.ExecContext(ctx, `UPDATE media_packages SET budget=$1, bid_price=$2, pacing=$3,
        impressions=$4, status=$5, package_config=$6, platform_line_item_id=$7 WHERE package_id=$8`,
		pkg.Budget, nullFloat(pkg.BidPrice), nullStr(pkg.Pacing), nullableInt64(pkg.Impressions),
		nullStr(pkg.Status), cfg, nullStr(pkg.PlatformLineItemID), pkg.PackageID)
	if err != nil {
		return fmt.Errorf("update media package: %w", err)
	}
	return nil
}

func nullableInt64(i int64) any {
	if i == 0 {
		return nil
	}
	return i
}
