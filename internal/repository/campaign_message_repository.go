package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/cellar-dispatch/internal/errors"
	"github.com/unclebandit/cellar-dispatch/internal/model"
)

type CampaignMessageRepository struct {
	DB DBTX
}

const messageColumns = `id, campaign_id, member_id, channel, status, external_id, COALESCE(last_error, ''),
	attempts, sent_at, created_at, updated_at`

func scanMessage(row rowScanner) (*model.CampaignMessage, error) {
	var m model.CampaignMessage
	err := row.Scan(&m.ID, &m.CampaignID, &m.MemberID, &m.Channel, &m.Status, &m.ExternalID,
		&m.LastError, &m.Attempts, &m.SentAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// BulkCreate streams the rows with COPY.
func (r *CampaignMessageRepository) BulkCreate(ctx context.Context, msgs []*model.CampaignMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := r.DB.PrepareContext(ctx, pq.CopyIn("campaign_messages",
		"campaign_id", "member_id", "channel", "status", "attempts", "created_at", "updated_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range msgs {
		if m.Status == "" {
			m.Status = model.MessagePending
		}
		m.CreatedAt, m.UpdatedAt = now, now
		if _, err := stmt.ExecContext(ctx, m.CampaignID, m.MemberID, string(m.Channel), string(m.Status), m.Attempts, now, now); err != nil {
			return fmt.Errorf("copy message for member %d: %w", m.MemberID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush copy: %w", err)
	}
	return nil
}

func (r *CampaignMessageRepository) ListPending(ctx context.Context, campaignID int) ([]*model.CampaignMessage, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM campaign_messages WHERE campaign_id=$1 AND status='pending' ORDER BY id`,
		campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.CampaignMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *CampaignMessageRepository) List(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.CampaignMessage, int, error) {
	where := ` WHERE campaign_id=$1`
	args := []any{campaignID}
	argPos := 2
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_messages`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + messageColumns + ` FROM campaign_messages` + where +
		fmt.Sprintf(" ORDER BY id LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*model.CampaignMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func (r *CampaignMessageRepository) MarkSent(ctx context.Context, id int, externalID string, sentAt time.Time, attempts int) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaign_messages
		SET status='sent', external_id=$1, sent_at=$2, attempts=$3, last_error=NULL, updated_at=NOW()
		WHERE id=$4 AND status='pending'`, externalID, sentAt, attempts, id)
	if err != nil {
		return err
	}
	return resolved(res, id)
}

func (r *CampaignMessageRepository) MarkFailed(ctx context.Context, id int, lastError string, attempts int) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaign_messages
		SET status='failed', last_error=$1, attempts=$2, updated_at=NOW()
		WHERE id=$3 AND status='pending'`, lastError, attempts, id)
	if err != nil {
		return err
	}
	return resolved(res, id)
}

func (r *CampaignMessageRepository) MarkAttempt(ctx context.Context, id int, attempts int, lastError string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaign_messages
		SET attempts=$1, last_error=NULLIF($2::text, ''), updated_at=NOW()
		WHERE id=$3 AND status='pending'`, attempts, lastError, id)
	if err != nil {
		return err
	}
	return resolved(res, id)
}

func resolved(res interface{ RowsAffected() (int64, error) }, id int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, appErrors.ErrMessageResolved)
	}
	return nil
}

func (r *CampaignMessageRepository) Stats(ctx context.Context, campaignID int) (model.MessageStats, error) {
	stats := model.MessageStats{ByChannel: map[model.Channel]model.ChannelStat{}}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT channel, status, COUNT(*) FROM campaign_messages
		WHERE campaign_id=$1 GROUP BY channel, status`, campaignID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ch     model.Channel
			status model.MessageStatus
			count  int
		)
		if err := rows.Scan(&ch, &status, &count); err != nil {
			return stats, err
		}
		stats.Add(ch, status, count)
	}
	return stats, rows.Err()
}

var _ MessageRepositoryInterface = (*CampaignMessageRepository)(nil)
