// Package memstore is an in-memory repository.Store used by tests and by
// STORAGE_DRIVER=memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/cellar-dispatch/internal/errors"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/repository"
)

type state struct {
	campaigns map[int]model.Campaign
	messages  map[int]model.CampaignMessage
	members   map[int]model.Member

	nextCampaignID int
	nextMessageID  int
}

func (st *state) clone() *state {
	out := &state{
		campaigns:      make(map[int]model.Campaign, len(st.campaigns)),
		messages:       make(map[int]model.CampaignMessage, len(st.messages)),
		members:        make(map[int]model.Member, len(st.members)),
		nextCampaignID: st.nextCampaignID,
		nextMessageID:  st.nextMessageID,
	}
	for k, v := range st.campaigns {
		out.campaigns[k] = v
	}
	for k, v := range st.messages {
		out.messages[k] = v
	}
	for k, v := range st.members {
		out.members[k] = v
	}
	return out
}

type Store struct {
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		data: &state{
			campaigns: make(map[int]model.Campaign),
			messages:  make(map[int]model.CampaignMessage),
			members:   make(map[int]model.Member),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddMember seeds the roster. A zero ID is assigned.
func (s *Store) AddMember(m model.Member) model.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = len(s.data.members) + 1
		for {
			if _, taken := s.data.members[m.ID]; !taken {
				break
			}
			m.ID++
		}
	}
	s.data.members[m.ID] = m
	return m
}

// AllMessages returns every message of a campaign ordered by ID.
func (s *Store) AllMessages(campaignID int) []model.CampaignMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CampaignMessage
	for _, m := range s.data.messages {
		if m.CampaignID == campaignID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Campaigns() repository.CampaignRepositoryInterface {
	return &campaigns{view{s: s}}
}

func (s *Store) Messages() repository.MessageRepositoryInterface {
	return &messages{view{s: s}}
}

func (s *Store) Members() repository.MemberRepositoryInterface {
	return &members{view{s: s}}
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&txStore{s: s, tx: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work
	return nil
}

// txStore reads and writes the uncommitted clone. The store lock is held
// by WithinTx for its whole lifetime.
type txStore struct {
	s  *Store
	tx *state
}

func (t *txStore) Campaigns() repository.CampaignRepositoryInterface {
	return &campaigns{view{s: t.s, tx: t.tx}}
}

func (t *txStore) Messages() repository.MessageRepositoryInterface {
	return &messages{view{s: t.s, tx: t.tx}}
}

func (t *txStore) Members() repository.MemberRepositoryInterface {
	return &members{view{s: t.s, tx: t.tx}}
}

func (t *txStore) WithinTx(_ context.Context, fn func(tx repository.Store) error) error {
	return fn(t)
}

type view struct {
	s  *Store
	tx *state
}

func (v view) do(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn(v.s.data)
}

// ====================== campaigns ======================

type campaigns struct{ view }

func (r *campaigns) Create(_ context.Context, c *model.Campaign) error {
	return r.do(func(st *state) error {
		st.nextCampaignID++
		c.ID = st.nextCampaignID
		c.CreatedAt = r.s.now()
		if c.Status == "" {
			c.Status = model.CampaignDraft
		}
		st.campaigns[c.ID] = *c
		return nil
	})
}

func (r *campaigns) Update(_ context.Context, c *model.Campaign) error {
	return r.do(func(st *state) error {
		cur, ok := st.campaigns[c.ID]
		if !ok || cur.TenantID != c.TenantID {
			return appErrors.NewCampaignNotFound(c.ID)
		}
		if !cur.Status.Editable() {
			return appErrors.NewStatusError(c.ID, string(cur.Status), "update")
		}
		now := r.s.now()
		next := cur
		next.Name = c.Name
		next.Status = c.Status
		next.Products = c.Products
		next.Message = c.Message
		next.ImageURL = c.ImageURL
		next.Audience = c.Audience
		next.Channels = c.Channels
		next.ScheduledAt = c.ScheduledAt
		next.UpdatedAt = &now
		st.campaigns[c.ID] = next
		return nil
	})
}

func (r *campaigns) Delete(_ context.Context, tenantID, id int) error {
	return r.do(func(st *state) error {
		cur, ok := st.campaigns[id]
		if !ok || cur.TenantID != tenantID {
			return appErrors.NewCampaignNotFound(id)
		}
		if !cur.Status.Editable() {
			return appErrors.NewStatusError(id, string(cur.Status), "delete")
		}
		delete(st.campaigns, id)
		return nil
	})
}

func (r *campaigns) GetByID(_ context.Context, tenantID, id int) (*model.Campaign, error) {
	var out *model.Campaign
	err := r.do(func(st *state) error {
		cur, ok := st.campaigns[id]
		if !ok || cur.TenantID != tenantID {
			return appErrors.NewCampaignNotFound(id)
		}
		out = &cur
		return nil
	})
	return out, err
}

func (r *campaigns) ListCampaigns(_ context.Context, tenantID, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	var matched []*model.Campaign
	err := r.do(func(st *state) error {
		for _, c := range st.campaigns {
			if c.TenantID != tenantID {
				continue
			}
			if channel != "" && !c.HasChannel(model.Channel(channel)) {
				continue
			}
			if status != "" && string(c.Status) != status {
				continue
			}
			c := c
			matched = append(matched, &c)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return page(matched, offset, limit), len(matched), nil
}

func (r *campaigns) MarkSending(_ context.Context, tenantID, id int, from []model.CampaignStatus, sentAt time.Time) error {
	return r.do(func(st *state) error {
		cur, ok := st.campaigns[id]
		if !ok || cur.TenantID != tenantID {
			return appErrors.NewCampaignNotFound(id)
		}
		if !statusIn(cur.Status, from) {
			return appErrors.NewStatusError(id, string(cur.Status), "send")
		}
		now := r.s.now()
		cur.Status = model.CampaignSending
		cur.SentAt = &sentAt
		cur.UpdatedAt = &now
		st.campaigns[id] = cur
		return nil
	})
}

func (r *campaigns) SetSentCount(_ context.Context, id, n int) error {
	return r.mutate(id, func(c *model.Campaign) { c.SentCount = n })
}

func (r *campaigns) UpdateDeliveredCount(_ context.Context, id, n int) error {
	return r.mutate(id, func(c *model.Campaign) { c.DeliveredCount = n })
}

func (r *campaigns) mutate(id int, fn func(c *model.Campaign)) error {
	return r.do(func(st *state) error {
		cur, ok := st.campaigns[id]
		if !ok {
			return appErrors.NewCampaignNotFound(id)
		}
		fn(&cur)
		now := r.s.now()
		cur.UpdatedAt = &now
		st.campaigns[id] = cur
		return nil
	})
}

func (r *campaigns) TransitionStatus(_ context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) error {
	return r.do(func(st *state) error {
		cur, ok := st.campaigns[id]
		if !ok || !statusIn(cur.Status, from) {
			return fmt.Errorf("campaign %d to %s: %w", id, to, appErrors.ErrInvalidStatus)
		}
		now := r.s.now()
		cur.Status = to
		cur.UpdatedAt = &now
		st.campaigns[id] = cur
		return nil
	})
}

func (r *campaigns) ListStaleSending(_ context.Context, olderThan time.Time, limit int) ([]*model.Campaign, error) {
	var out []*model.Campaign
	err := r.do(func(st *state) error {
		active := map[int]bool{}
		for _, m := range st.messages {
			if !m.UpdatedAt.Before(olderThan) {
				active[m.CampaignID] = true
			}
		}
		for _, c := range st.campaigns {
			if c.Status != model.CampaignSending || active[c.ID] {
				continue
			}
			touched := c.CreatedAt
			if c.UpdatedAt != nil {
				touched = *c.UpdatedAt
			}
			if !touched.Before(olderThan) {
				continue
			}
			c := c
			out = append(out, &c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// ====================== messages ======================

type messages struct{ view }

func (r *messages) BulkCreate(_ context.Context, msgs []*model.CampaignMessage) error {
	return r.do(func(st *state) error {
		type key struct {
			campaign, member int
			ch               model.Channel
		}
		seen := map[key]bool{}
		for _, m := range st.messages {
			seen[key{m.CampaignID, m.MemberID, m.Channel}] = true
		}
		now := r.s.now()
		for _, m := range msgs {
			k := key{m.CampaignID, m.MemberID, m.Channel}
			if seen[k] {
				return fmt.Errorf("duplicate message for campaign %d member %d channel %s", m.CampaignID, m.MemberID, m.Channel)
			}
			seen[k] = true
			st.nextMessageID++
			m.ID = st.nextMessageID
			if m.Status == "" {
				m.Status = model.MessagePending
			}
			m.CreatedAt, m.UpdatedAt = now, now
			st.messages[m.ID] = *m
		}
		return nil
	})
}

func (r *messages) ListPending(_ context.Context, campaignID int) ([]*model.CampaignMessage, error) {
	out, _, err := r.list(campaignID, string(model.MessagePending), 0, 0)
	return out, err
}

func (r *messages) List(_ context.Context, campaignID int, status string, offset, limit int) ([]*model.CampaignMessage, int, error) {
	return r.list(campaignID, status, offset, limit)
}

func (r *messages) list(campaignID int, status string, offset, limit int) ([]*model.CampaignMessage, int, error) {
	var matched []*model.CampaignMessage
	err := r.do(func(st *state) error {
		for _, m := range st.messages {
			if m.CampaignID != campaignID || (status != "" && string(m.Status) != status) {
				continue
			}
			m := m
			matched = append(matched, &m)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return page(matched, offset, limit), len(matched), nil
}

func (r *messages) MarkSent(_ context.Context, id int, externalID string, sentAt time.Time, attempts int) error {
	return r.resolve(id, func(m *model.CampaignMessage) {
		m.Status = model.MessageSent
		m.ExternalID = &externalID
		m.SentAt = &sentAt
		m.Attempts = attempts
		m.LastError = ""
	})
}

func (r *messages) MarkFailed(_ context.Context, id int, lastError string, attempts int) error {
	return r.resolve(id, func(m *model.CampaignMessage) {
		m.Status = model.MessageFailed
		m.LastError = lastError
		m.Attempts = attempts
	})
}

func (r *messages) MarkAttempt(_ context.Context, id int, attempts int, lastError string) error {
	return r.resolve(id, func(m *model.CampaignMessage) {
		m.Attempts = attempts
		m.LastError = lastError
	})
}

func (r *messages) resolve(id int, fn func(m *model.CampaignMessage)) error {
	return r.do(func(st *state) error {
		m, ok := st.messages[id]
		if !ok || m.Status != model.MessagePending {
			return fmt.Errorf("message %d: %w", id, appErrors.ErrMessageResolved)
		}
		fn(&m)
		m.UpdatedAt = r.s.now()
		st.messages[id] = m
		return nil
	})
}

func (r *messages) Stats(_ context.Context, campaignID int) (model.MessageStats, error) {
	stats := model.MessageStats{ByChannel: map[model.Channel]model.ChannelStat{}}
	err := r.do(func(st *state) error {
		for _, m := range st.messages {
			if m.CampaignID == campaignID {
				stats.Add(m.Channel, m.Status, 1)
			}
		}
		return nil
	})
	return stats, err
}

// ====================== members ======================

type members struct{ view }

func (r *members) ListAudience(_ context.Context, tenantID int, f model.MemberFilter) ([]model.Member, error) {
	var out []model.Member
	err := r.do(func(st *state) error {
		for _, m := range st.members {
			if m.TenantID == tenantID && m.DeletedAt == nil && matches(m, f) {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *members) GetByID(_ context.Context, tenantID, id int) (*model.Member, error) {
	var out *model.Member
	err := r.do(func(st *state) error {
		m, ok := st.members[id]
		if !ok || m.TenantID != tenantID || m.DeletedAt != nil {
			return fmt.Errorf("member %d: %w", id, appErrors.ErrMemberNotFound)
		}
		out = &m
		return nil
	})
	return out, err
}

func (r *members) GetByIDs(_ context.Context, tenantID int, ids []int) (map[int]*model.Member, error) {
	out := make(map[int]*model.Member, len(ids))
	err := r.do(func(st *state) error {
		for _, id := range ids {
			m, ok := st.members[id]
			if ok && m.TenantID == tenantID && m.DeletedAt == nil {
				out[id] = &m
			}
		}
		return nil
	})
	return out, err
}

func matches(m model.Member, f model.MemberFilter) bool {
	if len(f.Tags) > 0 && !overlaps(m.Tags, f.Tags) {
		return false
	}
	if len(f.Regions) > 0 {
		found := false
		for _, rg := range f.Regions {
			if strings.EqualFold(rg, m.Region) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.MemberIDs) > 0 {
		found := false
		for _, id := range f.MemberIDs {
			if id == m.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.AnyConsent) > 0 {
		for _, ch := range f.AnyConsent {
			if m.Consents(ch) {
				return true
			}
		}
		return false
	}
	return true
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func statusIn(s model.CampaignStatus, set []model.CampaignStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var (
	_ repository.Store = (*Store)(nil)
	_ repository.Store = (*txStore)(nil)
)
