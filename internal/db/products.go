package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

const productColumns = `tenant_id, product_id, name, description, delivery_type, min_spend,
    formats, pricing_options, auto_create_enabled, targeting`

func scanProduct(row interface{ Scan(...any) error }) (*models.Product, error) {
	var pr models.Product
	var desc sql.NullString
	var minSpend sql.NullFloat64
	var formats, options, targeting []byte
	if err := row.Scan(&pr.TenantID, &pr.ProductID, &pr.Name, &desc, &pr.DeliveryType, &minSpend,
		&formats, &options, &pr.AutoCreateEnabled, &targeting); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan product: %w", err)
	}
	pr.Description = desc.String
	pr.MinSpend = minSpend.Float64
	if len(formats) > 0 {
		if err := json.Unmarshal(formats, &pr.Formats); err != nil {
			return nil, fmt.Errorf("parse formats: %w", err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &pr.PricingOptions); err != nil {
			return nil, fmt.Errorf("parse pricing_options: %w", err)
		}
	}
	if len(targeting) > 0 {
		if err := json.Unmarshal(targeting, &pr.Targeting); err != nil {
			return nil, fmt.Errorf("parse targeting: %w", err)
		}
	}
	return &pr, nil
}

// GetProduct fetches one product within a tenant.
func (p *Postgres) GetProduct(ctx context.Context, tenantID, productID string) (*models.Product, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE tenant_id=$1 AND product_id=$2`, tenantID, productID)
	return scanProduct(row)
}

// ListProducts returns all products for a tenant.
func (p *Postgres) ListProducts(ctx context.Context, tenantID string) ([]models.Product, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE tenant_id=$1 ORDER BY product_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.Product
	for rows.Next() {
		pr, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// InsertProduct stores a new product.
func (p *Postgres) InsertProduct(ctx context.Context, pr *models.Product) error {
	formats, _ := json.Marshal(pr.Formats)
	options, _ := json.Marshal(pr.PricingOptions)
	targeting, _ := json.Marshal(pr.Targeting)
	if pr.Targeting == nil {
		targeting = nil
	}
	_, err := p.DB.ExecContext(ctx, `INSERT INTO products (
        tenant_id, product_id, name, description, delivery_type, min_spend,
        formats, pricing_options, auto_create_enabled, targeting)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		pr.TenantID, pr.ProductID, pr.Name, nullStr(pr.Description), pr.DeliveryType,
		nullFloat(pr.MinSpend), formats, options, pr.AutoCreateEnabled, targeting)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// CountProducts returns the number of products for a tenant.
func (p *Postgres) CountProducts(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := p.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE tenant_id=$1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

// ListAuthorizedProperties returns the tenant's verified properties.
func (p *Postgres) ListAuthorizedProperties(ctx context.Context, tenantID string) ([]models.AuthorizedProperty, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT tenant_id, property_id, property_type, name, identifiers, tags, verified
        FROM authorized_properties WHERE tenant_id=$1 ORDER BY property_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query authorized properties: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.AuthorizedProperty
	for rows.Next() {
		var ap models.AuthorizedProperty
		var ids, tags []string
		if err := rows.Scan(&ap.TenantID, &ap.PropertyID, &ap.PropertyType, &ap.Name, pq.Array(&ids), pq.Array(&tags), &ap.Verified); err != nil {
			return nil, fmt.Errorf("scan authorized property: %w", err)
		}
		ap.Identifiers = ids
		ap.Tags = tags
		out = append(out, ap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// InsertAuthorizedProperty stores a property row.
func (p *Postgres) InsertAuthorizedProperty(ctx context.Context, ap *models.AuthorizedProperty) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO authorized_properties (tenant_id, property_id, property_type, name, identifiers, tags, verified)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ap.TenantID, ap.PropertyID, ap.PropertyType, ap.Name, pq.Array(ap.Identifiers), pq.Array(ap.Tags), ap.Verified)
	if err != nil {
		return fmt.Errorf("insert authorized property: %w", err)
	}
	return nil
}

// CountAuthorizedProperties returns how many properties the tenant has.
func (p *Postgres) CountAuthorizedProperties(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := p.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM authorized_properties WHERE tenant_id=$1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count authorized properties: %w", err)
	}
	return n, nil
}

// ListPropertyTags returns tag metadata for the tenant.
func (p *Postgres) ListPropertyTags(ctx context.Context, tenantID string) ([]models.PropertyTag, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT tenant_id, tag_id, name, description FROM property_tags WHERE tenant_id=$1 ORDER BY tag_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query property tags: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.PropertyTag
	for rows.Next() {
		var pt models.PropertyTag
		var desc sql.NullString
		if err := rows.Scan(&pt.TenantID, &pt.TagID, &pt.Name, &desc); err != nil {
			return nil, fmt.Errorf("scan property tag: %w", err)
		}
		pt.Description = desc.String
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// ListCreativeFormats returns standard registry formats plus tenant custom
// formats. tenant_id='' marks registry rows.
func (p *Postgres) ListCreativeFormats(ctx context.Context, tenantID string) ([]models.CreativeFormat, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT tenant_id, format_id, agent_url, name, format_type, width, height, duration, is_standard
        FROM creative_formats WHERE tenant_id='' OR tenant_id=$1 ORDER BY is_standard DESC, format_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query creative formats: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.CreativeFormat
	for rows.Next() {
		var cf models.CreativeFormat
		var w, h sql.NullInt64
		var dur sql.NullFloat64
		if err := rows.Scan(&cf.TenantID, &cf.FormatID, &cf.AgentURL, &cf.Name, &cf.Type, &w, &h, &dur, &cf.IsStandard); err != nil {
			return nil, fmt.Errorf("scan creative format: %w", err)
		}
		cf.Width = int(w.Int64)
		cf.Height = int(h.Int64)
		cf.DurationSeconds = dur.Float64
		out = append(out, cf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// InsertCreativeFormat stores one format definition.
func (p *Postgres) InsertCreativeFormat(ctx context.Context, cf *models.CreativeFormat) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO creative_formats (tenant_id, format_id, agent_url, name, format_type, width, height, duration, is_standard)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		cf.TenantID, cf.FormatID, cf.AgentURL, cf.Name, cf.Type,
		nullableInt(cf.Width), nullableInt(cf.Height), nullFloat(cf.DurationSeconds), cf.IsStandard)
	if err != nil {
		return fmt.Errorf("insert creative format: %w", err)
	}
	return nil
}

// ListSignals returns the signal catalog visible to the tenant (global rows
// plus tenant rows).
func (p *Postgres) ListSignals(ctx context.Context, tenantID string) ([]models.Signal, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT tenant_id, signal_id, name, signal_type, provider, description, coverage_pct, cpm_uplift, requires_activation
        FROM signals WHERE tenant_id='' OR tenant_id=$1 ORDER BY signal_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.Signal
	for rows.Next() {
		var s models.Signal
		var provider, desc sql.NullString
		var cov, uplift sql.NullFloat64
		if err := rows.Scan(&s.TenantID, &s.SignalID, &s.Name, &s.Type, &provider, &desc, &cov, &uplift, &s.RequiresActivation); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		s.Provider = provider.String
		s.Description = desc.String
		s.CoveragePct = cov.Float64
		s.CPMUplift = uplift.Float64
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// InsertSignal stores one signal catalog entry.
func (p *Postgres) InsertSignal(ctx context.Context, s *models.Signal) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO signals (tenant_id, signal_id, name, signal_type, provider, description, coverage_pct, cpm_uplift, requires_activation)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.TenantID, s.SignalID, s.Name, s.Type, nullStr(s.Provider), nullStr(s.Description),
		nullFloat(s.CoveragePct), nullFloat(s.CPMUplift), s.RequiresActivation)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// CountGAMInventory returns how many synced GAM ad units the tenant has.
func (p *Postgres) CountGAMInventory(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := p.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM gam_inventory WHERE tenant_id=$1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count gam inventory: %w", err)
	}
	return n, nil
}

func nullableInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}
