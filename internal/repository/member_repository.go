package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/cellar-dispatch/internal/errors"
	"github.com/unclebandit/cellar-dispatch/internal/model"
)

// MemberRepository reads the club roster. Soft-deleted members are never
// returned.
type MemberRepository struct {
	DB DBTX
}

const memberColumns = `id, tenant_id, first_name, last_name, phone, email, region, tags, consent_sms, consent_email, deleted_at`

func scanMember(row rowScanner) (model.Member, error) {
	var m model.Member
	err := row.Scan(&m.ID, &m.TenantID, &m.FirstName, &m.LastName, &m.Phone, &m.Email, &m.Region,
		pq.Array(&m.Tags), &m.ConsentSMS, &m.ConsentEmail, &m.DeletedAt)
	return m, err
}

func (r *MemberRepository) ListAudience(ctx context.Context, tenantID int, f model.MemberFilter) ([]model.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE tenant_id=$1 AND deleted_at IS NULL`
	args := []any{tenantID}
	argPos := 2

	if len(f.Tags) > 0 {
		query += fmt.Sprintf(" AND tags && $%d", argPos)
		args = append(args, pq.Array(f.Tags))
		argPos++
	}
	if len(f.Regions) > 0 {
		regions := make([]string, len(f.Regions))
		for i, rg := range f.Regions {
			regions[i] = strings.ToUpper(rg)
		}
		query += fmt.Sprintf(" AND UPPER(region) = ANY($%d)", argPos)
		args = append(args, pq.Array(regions))
		argPos++
	}
	if len(f.MemberIDs) > 0 {
		query += fmt.Sprintf(" AND id = ANY($%d)", argPos)
		args = append(args, pq.Array(int64s(f.MemberIDs)))
	}
	if len(f.AnyConsent) > 0 {
		var consent []string
		for _, ch := range f.AnyConsent {
			switch ch {
			case model.ChannelSMS:
				consent = append(consent, "consent_sms")
			case model.ChannelEmail:
				consent = append(consent, "consent_email")
			}
		}
		if len(consent) == 0 {
			return nil, nil
		}
		query += " AND (" + strings.Join(consent, " OR ") + ")"
	}
	query += " ORDER BY id"

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *MemberRepository) GetByID(ctx context.Context, tenantID, id int) (*model.Member, error) {
	m, err := scanMember(r.DB.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id=$1 AND tenant_id=$2 AND deleted_at IS NULL`, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("member %d: %w", id, appErrors.ErrMemberNotFound)
		}
		return nil, err
	}
	return &m, nil
}

func (r *MemberRepository) GetByIDs(ctx context.Context, tenantID int, ids []int) (map[int]*model.Member, error) {
	out := make(map[int]*model.Member, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE tenant_id=$1 AND id = ANY($2) AND deleted_at IS NULL`,
		tenantID, pq.Array(int64s(ids)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out[m.ID] = &m
	}
	return out, rows.Err()
}

func int64s(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

var _ MemberRepositoryInterface = (*MemberRepository)(nil)
