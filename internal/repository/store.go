package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/cellar-dispatch/internal/db"
	"github.com/unclebandit/cellar-dispatch/internal/model"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	// Update rewrites the editable fields of a draft or scheduled campaign.
	Update(ctx context.Context, c *model.Campaign) error
	Delete(ctx context.Context, tenantID, id int) error
	GetByID(ctx context.Context, tenantID, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID, offset, limit int, channel, status string) ([]*model.Campaign, int, error)

	// MarkSending flips the campaign to sending if its status is one of
	// from, recording sentAt. It fails with ErrInvalidStatus otherwise.
	MarkSending(ctx context.Context, tenantID, id int, from []model.CampaignStatus, sentAt time.Time) error
	SetSentCount(ctx context.Context, id, n int) error
	UpdateDeliveredCount(ctx context.Context, id, n int) error
	TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) error
	// ListStaleSending returns campaigns in sending with no campaign or
	// message activity since olderThan.
	ListStaleSending(ctx context.Context, olderThan time.Time, limit int) ([]*model.Campaign, error)
}

type MessageRepositoryInterface interface {
	// BulkCreate inserts pending messages. It must run inside WithinTx;
	// IDs are not populated on the inputs.
	BulkCreate(ctx context.Context, msgs []*model.CampaignMessage) error
	ListPending(ctx context.Context, campaignID int) ([]*model.CampaignMessage, error)
	List(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.CampaignMessage, int, error)
	// MarkSent and MarkFailed resolve a pending message. A message that is
	// no longer pending yields ErrMessageResolved.
	MarkSent(ctx context.Context, id int, externalID string, sentAt time.Time, attempts int) error
	MarkFailed(ctx context.Context, id int, lastError string, attempts int) error
	// MarkAttempt stores the attempt number on a pending message before it
	// reaches the provider, and the provider's rejection once it answers.
	// A pending message with attempts but no last error has an unknown
	// outcome.
	MarkAttempt(ctx context.Context, id int, attempts int, lastError string) error
	Stats(ctx context.Context, campaignID int) (model.MessageStats, error)
}

type MemberRepositoryInterface interface {
	ListAudience(ctx context.Context, tenantID int, f model.MemberFilter) ([]model.Member, error)
	GetByID(ctx context.Context, tenantID, id int) (*model.Member, error)
	GetByIDs(ctx context.Context, tenantID int, ids []int) (map[int]*model.Member, error)
}

// Store groups the repositories so they can share one transaction.
type Store interface {
	Campaigns() CampaignRepositoryInterface
	Messages() MessageRepositoryInterface
	Members() MemberRepositoryInterface
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// SQLStore is the Postgres Store.
type SQLStore struct {
	conn *sql.DB
	q    DBTX
}

func NewSQLStore(conn *sql.DB) *SQLStore {
	return &SQLStore{conn: conn, q: conn}
}

func (s *SQLStore) Campaigns() CampaignRepositoryInterface {
	return &CampaignRepository{DB: s.q}
}

func (s *SQLStore) Messages() MessageRepositoryInterface {
	return &CampaignMessageRepository{DB: s.q}
}

func (s *SQLStore) Members() MemberRepositoryInterface {
	return &MemberRepository{DB: s.q}
}

func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	return db.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		return fn(&SQLStore{conn: s.conn, q: tx})
	})
}

var _ Store = (*SQLStore)(nil)

func statusStrings(in []model.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
