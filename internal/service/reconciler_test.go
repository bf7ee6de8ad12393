package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cellar-dispatch/internal/lock"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/queue"
	"github.com/unclebandit/cellar-dispatch/internal/repository"
	"github.com/unclebandit/cellar-dispatch/internal/service"
)

// stuck leaves a campaign in sending with its messages pending.
func stuck(t *testing.T, f *fixture) *model.Campaign {
	t.Helper()
	c := f.campaign(t, model.ChannelSMS)
	_, err := f.dispatch.Prepare(context.Background(), tenant, c.ID)
	require.NoError(t, err)
	return c
}

func TestSweepResumesStaleCampaign(t *testing.T) {
	f := newFixture(t)
	f.member("ana", true, false)
	c := stuck(t, f)

	r := &service.Reconciler{
		Dispatcher: f.dispatch,
		Locker:     lock.NewMemoryLocker(),
		StaleAfter: time.Minute,
		Log:        f.log,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
	}
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Resumed)

	got := f.reload(t, c.ID)
	assert.Equal(t, model.CampaignSent, got.Status)
	assert.Equal(t, 1, got.DeliveredCount)
}

func TestSweepIgnoresFreshCampaigns(t *testing.T) {
	f := newFixture(t)
	f.member("ana", true, false)
	c := stuck(t, f)

	r := &service.Reconciler{Dispatcher: f.dispatch, StaleAfter: 15 * time.Minute, Log: f.log}
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Examined)
	assert.Equal(t, model.CampaignSending, f.reload(t, c.ID).Status)
}

func TestSweepFinalizesCampaignWithNothingPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member("ana", true, false)
	f.member("ben", true, false)
	c := stuck(t, f)

	msgs := f.store.AllMessages(c.ID)
	require.NoError(t, f.store.Messages().MarkSent(ctx, msgs[0].ID, "SM1", time.Now(), 1))
	require.NoError(t, f.store.Messages().MarkFailed(ctx, msgs[1].ID, "bounced", 1))

	r := &service.Reconciler{
		Dispatcher: f.dispatch,
		StaleAfter: time.Minute,
		Log:        f.log,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
	}
	report, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finalized)

	got := f.reload(t, c.ID)
	assert.Equal(t, model.CampaignSent, got.Status)
	assert.Equal(t, 1, got.DeliveredCount)
	assert.Zero(t, f.sms.Attempts(1), "resolved messages are never resent")
}

func TestSweepFailsCampaignWithNoMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.campaign(t, model.ChannelSMS)
	require.NoError(t, f.store.Campaigns().MarkSending(ctx, tenant, c.ID, []model.CampaignStatus{model.CampaignDraft}, time.Now()))

	r := &service.Reconciler{
		Dispatcher: f.dispatch,
		StaleAfter: time.Minute,
		Log:        f.log,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
	}
	report, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finalized)
	assert.Equal(t, model.CampaignFailed, f.reload(t, c.ID).Status)
}

func TestSweepPublishesResumeJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member("ana", true, false)
	c := stuck(t, f)

	log, _ := test.NewNullLogger()
	q := queue.NewInMemoryQueue(log)
	jobs := make(chan queue.DispatchJob, 1)
	require.NoError(t, q.Subscribe(ctx, queue.TopicCampaignDispatch, func(_ context.Context, p []byte) error {
		job, err := queue.DecodeDispatchJob(p)
		if err != nil {
			return err
		}
		jobs <- job
		return nil
	}))

	r := &service.Reconciler{
		Dispatcher: f.dispatch,
		Queue:      q,
		StaleAfter: time.Minute,
		Log:        f.log,
		Now:        func() time.Time { return time.Now().Add(time.Hour) },
	}
	report, err := r.Sweep(ctx)
	require.NoError(t, err)
	q.Wait()

	assert.Equal(t, 1, report.Resumed)
	job := <-jobs
	assert.Equal(t, c.ID, job.CampaignID)
	assert.Equal(t, "reconcile", job.Reason)
	assert.Equal(t, model.CampaignSending, f.reload(t, c.ID).Status)
}

// flakyMarkSent fails MarkSent while failures remain.
type flakyMarkSent struct {
	repository.Store
	failures *atomic.Int32
}

func (s flakyMarkSent) Messages() repository.MessageRepositoryInterface {
	return flakyMarkSentMessages{s.Store.Messages(), s.failures}
}

type flakyMarkSentMessages struct {
	repository.MessageRepositoryInterface
	failures *atomic.Int32
}

func (m flakyMarkSentMessages) MarkSent(ctx context.Context, id int, externalID string, sentAt time.Time, attempts int) error {
	if m.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return m.MessageRepositoryInterface.MarkSent(ctx, id, externalID, sentAt, attempts)
}

func TestSentStatusWriteFailureNeverResends(t *testing.T) {
	tests := []struct {
		name       string
		failures   int32
		sent       int
		unrecorded int
		status     model.CampaignStatus
		message    model.MessageStatus
	}{
		{"write succeeds on retry", 1, 1, 0, model.CampaignSent, model.MessageSent},
		{"write never succeeds", 100, 0, 1, model.CampaignFailed, model.MessageFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			ana := f.member("ana", true, false)
			c := f.campaign(t, model.ChannelSMS)

			failures := &atomic.Int32{}
			failures.Store(tt.failures)
			flaky := service.NewDispatcher(flakyMarkSent{f.store, failures}, nil, f.log, f.sms)
			flaky.RetryBase = time.Millisecond

			summary, err := flaky.Send(ctx, tenant, c.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.sent, summary.Sent)
			assert.Equal(t, tt.unrecorded, summary.Unrecorded)

			r := &service.Reconciler{
				Dispatcher: f.dispatch,
				Locker:     lock.NewMemoryLocker(),
				StaleAfter: time.Minute,
				Log:        f.log,
				Now:        func() time.Time { return time.Now().Add(time.Hour) },
			}
			_, err = r.Sweep(ctx)
			require.NoError(t, err)

			assert.Equal(t, 1, f.sms.Attempts(ana.ID), "the provider is called once")
			assert.Equal(t, tt.status, f.reload(t, c.ID).Status)
			msgs := f.store.AllMessages(c.ID)
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.message, msgs[0].Status)
		})
	}
}
