package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cellar-dispatch/internal/auth"
	"github.com/unclebandit/cellar-dispatch/internal/compliance"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/repository/memstore"
	"github.com/unclebandit/cellar-dispatch/internal/service"
)

const tenant = 1

var marketer = auth.Operator{TenantID: tenant, Role: auth.RoleMarketer}

// fakeSender scripts provider outcomes per member and attempt.
type fakeSender struct {
	ch     model.Channel
	script func(memberID, attempt int) (string, error)

	mu       sync.Mutex
	attempts map[int]int
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func newFakeSender(ch model.Channel) *fakeSender {
	return &fakeSender{ch: ch, attempts: map[int]int{}}
}

func (f *fakeSender) Channel() model.Channel { return f.ch }

func (f *fakeSender) Send(ctx context.Context, c *model.Campaign, m *model.Member) (string, error) {
	f.mu.Lock()
	f.attempts[m.ID]++
	attempt := f.attempts[m.ID]
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.script != nil {
		return f.script(m.ID, attempt)
	}
	return fmt.Sprintf("%s-%d-%d", f.ch, m.ID, attempt), nil
}

func (f *fakeSender) Attempts(memberID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[memberID]
}

type fixture struct {
	store    *memstore.Store
	sms      *fakeSender
	email    *fakeSender
	dispatch *service.Dispatcher
	svc      *service.CampaignService
	hook     *test.Hook
	log      *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, hook := test.NewNullLogger()
	store := memstore.New()
	sms := newFakeSender(model.ChannelSMS)
	email := newFakeSender(model.ChannelEmail)
	checker := compliance.NewRuleChecker()

	d := service.NewDispatcher(store, checker, log, sms, email)
	d.RetryBase = time.Millisecond

	return &fixture{
		store:    store,
		sms:      sms,
		email:    email,
		dispatch: d,
		hook:     hook,
		log:      log,
		svc: &service.CampaignService{
			Store:      store,
			Dispatcher: d,
			Compliance: checker,
			Mode:       service.ModeSync,
			Log:        log,
		},
	}
}

func strPtr(s string) *string { return &s }

// member seeds a member of the test tenant.
func (f *fixture) member(name string, sms, email bool) model.Member {
	m := model.Member{
		TenantID:     tenant,
		FirstName:    name,
		Region:       "CA",
		Phone:        strPtr("+14155550100"),
		Email:        strPtr(name + "@example.com"),
		ConsentSMS:   sms,
		ConsentEmail: email,
	}
	return f.store.AddMember(m)
}

func (f *fixture) campaign(t *testing.T, channels ...model.Channel) *model.Campaign {
	t.Helper()
	c := &model.Campaign{
		TenantID: tenant,
		Name:     "Harvest release",
		Status:   model.CampaignDraft,
		Products: []model.ProductLine{{Name: "2021 Syrah", Price: 4500}},
		Message:  "Pick up at the tasting room this weekend.",
		Audience: model.AudienceSpec{Type: model.AudienceAll},
		Channels: channels,
	}
	require.NoError(t, f.store.Campaigns().Create(context.Background(), c))
	return c
}

func (f *fixture) reload(t *testing.T, id int) *model.Campaign {
	t.Helper()
	c, err := f.store.Campaigns().GetByID(context.Background(), tenant, id)
	require.NoError(t, err)
	return c
}

func statuses(msgs []model.CampaignMessage) map[int]model.MessageStatus {
	out := map[int]model.MessageStatus{}
	for _, m := range msgs {
		out[m.MemberID] = m.Status
	}
	return out
}
