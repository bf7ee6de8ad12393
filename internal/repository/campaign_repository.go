package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/cellar-dispatch/internal/errors"
	"github.com/unclebandit/cellar-dispatch/internal/model"
)

type CampaignRepository struct {
	DB DBTX
}

const campaignColumns = `id, tenant_id, name, status, products, message, image_url, audience, channels,
	sent_count, delivered_count, opened_count, clicked_count, scheduled_at, sent_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c                  model.Campaign
		products, audience []byte
		channels           []string
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Status, &products, &c.Message, &c.ImageURL,
		&audience, pq.Array(&channels), &c.SentCount, &c.DeliveredCount, &c.OpenedCount,
		&c.ClickedCount, &c.ScheduledAt, &c.SentAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(products) > 0 {
		if err := json.Unmarshal(products, &c.Products); err != nil {
			return nil, fmt.Errorf("decode products for campaign %d: %w", c.ID, err)
		}
	}
	if len(audience) > 0 {
		if err := json.Unmarshal(audience, &c.Audience); err != nil {
			return nil, fmt.Errorf("decode audience for campaign %d: %w", c.ID, err)
		}
	}
	c.Channels = make([]model.Channel, len(channels))
	for i, ch := range channels {
		c.Channels[i] = model.Channel(ch)
	}
	return &c, nil
}

func encodeCampaign(c *model.Campaign) (products, audience []byte, channels []string, err error) {
	if products, err = json.Marshal(c.Products); err != nil {
		return nil, nil, nil, err
	}
	if audience, err = json.Marshal(c.Audience); err != nil {
		return nil, nil, nil, err
	}
	channels = make([]string, len(c.Channels))
	for i, ch := range c.Channels {
		channels[i] = string(ch)
	}
	return products, audience, channels, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	products, audience, channels, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO campaigns (tenant_id, name, status, products, message, image_url, audience, channels, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	return r.DB.QueryRowContext(ctx, query, c.TenantID, c.Name, c.Status, products, c.Message,
		c.ImageURL, audience, pq.Array(channels), c.ScheduledAt, c.CreatedAt).Scan(&c.ID)
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	products, audience, channels, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	query := `
		UPDATE campaigns
		SET name=$1, status=$2, products=$3, message=$4, image_url=$5, audience=$6, channels=$7,
			scheduled_at=$8, updated_at=NOW()
		WHERE id=$9 AND tenant_id=$10 AND status IN ('draft', 'scheduled')
	`
	res, err := r.DB.ExecContext(ctx, query, c.Name, c.Status, products, c.Message, c.ImageURL,
		audience, pq.Array(channels), c.ScheduledAt, c.ID, c.TenantID)
	if err != nil {
		return err
	}
	return r.requireRow(ctx, res, c.TenantID, c.ID, "update")
}

func (r *CampaignRepository) Delete(ctx context.Context, tenantID, id int) error {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM campaigns WHERE id=$1 AND tenant_id=$2 AND status IN ('draft', 'scheduled')`, id, tenantID)
	if err != nil {
		return err
	}
	return r.requireRow(ctx, res, tenantID, id, "delete")
}

// requireRow turns a zero-row write into not-found or a status error.
func (r *CampaignRepository) requireRow(ctx context.Context, res sql.Result, tenantID, id int, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := r.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return appErrors.NewStatusError(id, string(current.Status), op)
}

func (r *CampaignRepository) GetByID(ctx context.Context, tenantID, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1 AND tenant_id=$2`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, tenantID, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE tenant_id=$1`
	args := []any{tenantID}
	argPos := 2

	if channel != "" {
		where += fmt.Sprintf(" AND $%d = ANY(channels)", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// ====================== Dispatch lifecycle ======================

func (r *CampaignRepository) MarkSending(ctx context.Context, tenantID, id int, from []model.CampaignStatus, sentAt time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET status='sending', sent_at=$1, updated_at=NOW()
		WHERE id=$2 AND tenant_id=$3 AND status = ANY($4)`,
		sentAt, id, tenantID, pq.Array(statusStrings(from)))
	if err != nil {
		return err
	}
	return r.requireRow(ctx, res, tenantID, id, "send")
}

func (r *CampaignRepository) SetSentCount(ctx context.Context, id, n int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET sent_count=$1, updated_at=NOW() WHERE id=$2`, n, id)
	return err
}

func (r *CampaignRepository) UpdateDeliveredCount(ctx context.Context, id, n int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET delivered_count=$1, updated_at=NOW() WHERE id=$2`, n, id)
	return err
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status = ANY($3)`,
		to, id, pq.Array(statusStrings(from)))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("campaign %d to %s: %w", id, to, appErrors.ErrInvalidStatus)
	}
	return nil
}

func (r *CampaignRepository) ListStaleSending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns c
		WHERE c.status = 'sending'
		  AND COALESCE(c.updated_at, c.created_at) < $1
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_messages m WHERE m.campaign_id = c.id AND m.updated_at >= $1
		  )
		ORDER BY c.id
		LIMIT $2`
	rows, err := r.DB.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
