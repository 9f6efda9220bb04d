package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/adcontextprotocol/salesagent/internal/models"
)

const creativeColumns = `tenant_id, principal_id, creative_id, name, agent_url, format_id,
    status, data, platform_creative_id, tags, created_at, updated_at`

func scanCreative(row interface{ Scan(...any) error }) (*models.Creative, error) {
	var c models.Creative
	var data []byte
	var platformID sql.NullString
	var tags []string
	if err := row.Scan(&c.TenantID, &c.PrincipalID, &c.CreativeID, &c.Name, &c.Format.AgentURL, &c.Format.ID,
		&c.Status, &data, &platformID, pq.Array(&tags), &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("scan creative: %w", err)
	}
	c.PlatformCreativeID = platformID.String
	c.Tags = tags
	if len(data) > 0 {
		c.Data = data
		if err := json.Unmarshal(data, &c.Payload); err != nil {
			return nil, fmt.Errorf("parse creative data: %w", err)
		}
	}
	return &c, nil
}

// GetCreative fetches a creative by id scoped to (tenant, principal).
func (p *Postgres) GetCreative(ctx context.Context, tenantID, principalID, creativeID string) (*models.Creative, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+creativeColumns+` FROM creatives
        WHERE tenant_id=$1 AND principal_id=$2 AND creative_id=$3`, tenantID, principalID, creativeID)
	return scanCreative(row)
}

// GetCreativeTx is GetCreative inside an open transaction.
func (p *Postgres) GetCreativeTx(ctx context.Context, tx *sql.Tx, tenantID, principalID, creativeID string) (*models.Creative, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+creativeColumns+` FROM creatives
        WHERE tenant_id=$1 AND principal_id=$2 AND creative_id=$3`, tenantID, principalID, creativeID)
	return scanCreative(row)
}

// UpsertCreativeTx creates or replaces a creative inside a transaction. The
// payload is serialized into the data JSON column.
func (p *Postgres) UpsertCreativeTx(ctx context.Context, tx *sql.Tx, c *models.Creative) error {
	data, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal creative data: %w", err)
	}
	c.Data = data
	_, err = tx.ExecContext(ctx, `INSERT INTO creatives (
        tenant_id, principal_id, creative_id, name, agent_url, format_id, status, data, platform_creative_id, tags)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (tenant_id, principal_id, creative_id) DO UPDATE SET
        name=$4, agent_url=$5, format_id=$6, status=$7, data=$8, platform_creative_id=$9, tags=$10, updated_at=NOW()`,
		c.TenantID, c.PrincipalID, c.CreativeID, c.Name, c.Format.AgentURL, c.Format.ID,
		c.Status, data, nullStr(c.PlatformCreativeID), pq.Array(c.Tags))
	if err != nil {
		return fmt.Errorf("upsert creative: %w", err)
	}
	return nil
}

// SetPlatformCreativeID records the ad-server id after upload.
func (p *Postgres) SetPlatformCreativeID(ctx context.Context, tenantID, principalID, creativeID, platformID string) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE creatives SET platform_creative_id=$1, updated_at=NOW()
        WHERE tenant_id=$2 AND principal_id=$3 AND creative_id=$4`, platformID, tenantID, principalID, creativeID)
	if err != nil {
		return fmt.Errorf("set platform creative id: %w", err)
	}
	return nil
}

// UpdateCreativeStatus transitions a creative's approval status.
func (p *Postgres) UpdateCreativeStatus(ctx context.Context, tenantID, principalID, creativeID, status string) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE creatives SET status=$1, updated_at=NOW()
        WHERE tenant_id=$2 AND principal_id=$3 AND creative_id=$4`, status, tenantID, principalID, creativeID)
	if err != nil {
		return fmt.Errorf("update creative status: %w", err)
	}
	return nil
}

// CreativeFilter narrows ListCreatives. Zero values are ignored.
type CreativeFilter struct {
	Status        string
	FormatID      string
	Tags          []string
	CreatedAfter  sql.NullTime
	CreatedBefore sql.NullTime
	Search        string
	// CreativeIDs restricts to an explicit id set (used for media_buy_id
	// filtering after resolving assignments).
	CreativeIDs []string
	SortBy      string // created_at | name | status
	SortDesc    bool
	Limit       int
	Offset      int
}

// ListCreatives returns the principal's creatives matching the filter plus
// the total filtered count for pagination.
func (p *Postgres) ListCreatives(ctx context.Context, tenantID, principalID string, f CreativeFilter) ([]models.Creative, int, error) {
	where := `WHERE tenant_id=$1 AND principal_id=$2`
	args := []any{tenantID, principalID}
	add := func(cond string, val any) {
		args = append(args, val)
		where += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.FormatID != "" {
		add("format_id=$%d", f.FormatID)
	}
	if len(f.Tags) > 0 {
		add("tags && $%d", pq.Array(f.Tags))
	}
	if f.CreatedAfter.Valid {
		add("created_at >= $%d", f.CreatedAfter.Time)
	}
	if f.CreatedBefore.Valid {
		add("created_at <= $%d", f.CreatedBefore.Time)
	}
	if f.Search != "" {
		add("name ILIKE $%d", "%"+f.Search+"%")
	}
	if f.CreativeIDs != nil {
		add("creative_id = ANY($%d)", pq.Array(f.CreativeIDs))
	}

	var total int
	if err := p.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM creatives `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count creatives: %w", err)
	}

	sortCol := "created_at"
	switch strings.ToLower(f.SortBy) {
	case "name":
		sortCol = "name"
	case "status":
		sortCol = "status"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	q := fmt.Sprintf(`SELECT %s FROM creatives %s ORDER BY %s %s`, creativeColumns, where, sortCol, dir)
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := p.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query creatives: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.Creative
	for rows.Next() {
		c, err := scanCreative(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}
	return out, total, nil
}

// InsertAssignmentTx stores a creative↔package assignment inside a
// transaction, generating the assignment id.
func (p *Postgres) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a *models.CreativeAssignment) error {
	if a.AssignmentID == "" {
		a.AssignmentID = "ca_" + uuid.NewString()
	}
	if a.Weight == 0 {
		a.Weight = 100
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO creative_assignments (assignment_id, tenant_id, media_buy_id, package_id, creative_id, weight)
        VALUES ($1,$2,$3,$4,$5,$6)`,
		a.AssignmentID, a.TenantID, a.MediaBuyID, a.PackageID, a.CreativeID, a.Weight)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// InsertAssignment stores an assignment outside any transaction.
func (p *Postgres) InsertAssignment(ctx context.Context, a *models.CreativeAssignment) error {
	if a.AssignmentID == "" {
		a.AssignmentID = "ca_" + uuid.NewString()
	}
	if a.Weight == 0 {
		a.Weight = 100
	}
	_, err := p.DB.ExecContext(ctx, `INSERT INTO creative_assignments (assignment_id, tenant_id, media_buy_id, package_id, creative_id, weight)
        VALUES ($1,$2,$3,$4,$5,$6)`,
		a.AssignmentID, a.TenantID, a.MediaBuyID, a.PackageID, a.CreativeID, a.Weight)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// ListAssignmentsForBuy returns assignments for a media buy in insertion order.
func (p *Postgres) ListAssignmentsForBuy(ctx context.Context, mediaBuyID string) ([]models.CreativeAssignment, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT assignment_id, tenant_id, media_buy_id, package_id, creative_id, weight, created_at
        FROM creative_assignments WHERE media_buy_id=$1 ORDER BY created_at`, mediaBuyID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []models.CreativeAssignment
	for rows.Next() {
		var a models.CreativeAssignment
		if err := rows.Scan(&a.AssignmentID, &a.TenantID, &a.MediaBuyID, &a.PackageID, &a.CreativeID, &a.Weight, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// CreativeIDsForBuy resolves the distinct creative ids assigned to a buy.
func (p *Postgres) CreativeIDsForBuy(ctx context.Context, mediaBuyID string) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT DISTINCT creative_id FROM creative_assignments WHERE media_buy_id=$1`, mediaBuyID)
	if err != nil {
		return nil, fmt.Errorf("query creative ids: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan creative id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}
