package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/cellar-dispatch/internal/auth"
	appErrors "github.com/unclebandit/cellar-dispatch/internal/errors"
	"github.com/unclebandit/cellar-dispatch/internal/format"
	"github.com/unclebandit/cellar-dispatch/internal/lock"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/queue"
	"github.com/unclebandit/cellar-dispatch/internal/service"
)

func input() service.CampaignInput {
	return service.CampaignInput{
		Name:     "Spring allocation",
		Products: []model.ProductLine{{Name: "Estate Rosé", Price: 2800}},
		Message:  "Hi {first_name}, your allocation is ready.",
		Audience: model.AudienceSpec{Type: model.AudienceAll},
		Channels: []model.Channel{model.ChannelSMS, model.ChannelEmail},
	}
}

func TestCreateCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.CreateCampaign(ctx, marketer, input())
	require.NoError(t, err)
	assert.NotZero(t, c.ID)
	assert.Equal(t, tenant, c.TenantID)
	assert.Equal(t, model.CampaignDraft, c.Status)

	in := input()
	at := time.Now().Add(24 * time.Hour)
	in.ScheduledAt = &at
	scheduled, err := f.svc.CreateCampaign(ctx, marketer, in)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignScheduled, scheduled.Status)
}

func TestCreateCampaignRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	viewer := auth.Operator{TenantID: tenant, Role: auth.RoleViewer}
	_, err := f.svc.CreateCampaign(ctx, viewer, input())
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	in := input()
	in.Name = " "
	in.Products = nil
	_, err = f.svc.CreateCampaign(ctx, marketer, in)
	require.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Contains(t, err.Error(), "name is required")

	in = input()
	in.Channels = []model.Channel{"fax"}
	_, err = f.svc.CreateCampaign(ctx, marketer, in)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	in = input()
	in.Audience = model.AudienceSpec{Type: model.AudienceCustom}
	_, err = f.svc.CreateCampaign(ctx, marketer, in)
	assert.ErrorIs(t, err, appErrors.ErrUnsupportedAudience)

	in = input()
	in.Message = "Free wine for everyone!"
	_, err = f.svc.CreateCampaign(ctx, marketer, in)
	assert.ErrorIs(t, err, appErrors.ErrComplianceViolation)
}

func TestUpdateCampaignOnlyBeforeSending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member("ana", true, true)

	c, err := f.svc.CreateCampaign(ctx, marketer, input())
	require.NoError(t, err)

	in := input()
	in.Name = "Renamed"
	updated, err := f.svc.UpdateCampaign(ctx, marketer, c.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)

	_, err = f.svc.SendCampaign(ctx, marketer, c.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdateCampaign(ctx, marketer, c.ID, in)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStatus)
	assert.ErrorIs(t, f.svc.DeleteCampaign(ctx, marketer, c.ID), appErrors.ErrInvalidStatus)
}

func TestDeleteCampaign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.CreateCampaign(ctx, marketer, input())
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteCampaign(ctx, marketer, c.ID))
	_, err = f.svc.GetCampaignDetails(ctx, marketer, c.ID)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestGetCampaignDetailsIncludesStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member("ana", true, true)
	f.member("ben", true, false)

	c, err := f.svc.CreateCampaign(ctx, marketer, input())
	require.NoError(t, err)
	_, err = f.svc.SendCampaign(ctx, marketer, c.ID)
	require.NoError(t, err)

	details, err := f.svc.GetCampaignDetails(ctx, marketer, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, details.Stats.Total)
	assert.Equal(t, 3, details.Stats.Sent)
	assert.Equal(t, 2, details.Stats.ByChannel[model.ChannelSMS].Sent)
	assert.Equal(t, 1, details.Stats.ByChannel[model.ChannelEmail].Sent)
	assert.Equal(t, 3, details.DeliveredCount)

	other := auth.Operator{TenantID: tenant + 1, Role: auth.RoleAdmin}
	_, err = f.svc.GetCampaignDetails(ctx, other, c.ID)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.svc.CreateCampaign(ctx, marketer, input())
		require.NoError(t, err)
	}

	page1, p1, err := f.svc.ListCampaigns(ctx, marketer, 1, 2, "", "")
	require.NoError(t, err)
	page2, _, err := f.svc.ListCampaigns(ctx, marketer, 2, 2, "", "")
	require.NoError(t, err)
	page3, p3, err := f.svc.ListCampaigns(ctx, marketer, 3, 2, "", "")
	require.NoError(t, err)

	assert.Equal(t, 5, p1.TotalCount)
	assert.Equal(t, 3, p1.TotalPages)
	require.Len(t, page1, 2)
	require.Len(t, page2, 2)
	assert.Len(t, page3, 1)
	assert.Equal(t, 5, p3.TotalCount)

	assert.Greater(t, page1[0].ID, page1[1].ID, "newest first")
	assert.Greater(t, page1[1].ID, page2[0].ID, "no overlap between pages")

	_, capped, err := f.svc.ListCampaigns(ctx, marketer, 1, 1000, "", "")
	require.NoError(t, err)
	assert.Equal(t, 100, capped.PageSize)

	drafts, _, err := f.svc.ListCampaigns(ctx, marketer, 1, 10, "sms", "sent")
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestRenderPreview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.EmailOptions = format.EmailOptions{ClubName: "Hillside Cellars", UnsubscribeBaseURL: "https://club.example/unsub"}
	ana := f.member("Ana", true, true)

	c, err := f.svc.CreateCampaign(ctx, marketer, input())
	require.NoError(t, err)

	p, err := f.svc.RenderPreview(ctx, marketer, c.ID, ana.ID, nil)
	require.NoError(t, err)
	assert.Contains(t, p.SMS, "Hi Ana, your allocation is ready.")
	assert.True(t, strings.HasSuffix(p.SMS, format.OptOutSuffix))
	assert.Contains(t, p.EmailSubject, "Estate Rosé")
	assert.Contains(t, p.EmailHTML, "https://club.example/unsub")

	p, err = f.svc.RenderPreview(ctx, marketer, c.ID, ana.ID, strPtr("Cheers {first_name}!"))
	require.NoError(t, err)
	assert.Contains(t, p.SMS, "Cheers Ana!")

	_, err = f.svc.RenderPreview(ctx, marketer, c.ID, 999, nil)
	assert.ErrorIs(t, err, appErrors.ErrMemberNotFound)
}

func TestListMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.member("ana", true, true)

	c, err := f.svc.CreateCampaign(ctx, marketer, input())
	require.NoError(t, err)
	_, err = f.svc.SendCampaign(ctx, marketer, c.ID)
	require.NoError(t, err)

	msgs, p, err := f.svc.ListMessages(ctx, marketer, c.ID, "sent", 1, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 2, p.TotalCount)

	msgs, _, err = f.svc.ListMessages(ctx, marketer, c.ID, "failed", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendCampaignSyncReturnsSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.Locker = lock.NewMemoryLocker()
	f.member("ana", true, false)

	c, err := f.svc.CreateCampaign(ctx, marketer, input())
	require.NoError(t, err)

	res, err := f.svc.SendCampaign(ctx, marketer, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesQueued)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 1, res.Summary.Sent)
	assert.Equal(t, model.CampaignSent, res.Status)

	_, err = f.svc.SendCampaign(ctx, marketer, c.ID)
	assert.ErrorIs(t, err, appErrors.ErrInvalidStatus, "a second send is rejected")
}

func TestSendCampaignAsyncEnqueuesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
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
	f.svc.Mode = service.ModeAsync
	f.svc.Queue = q
	f.member("ana", true, true)

	c, err := f.svc.CreateCampaign(ctx, marketer, input())
	require.NoError(t, err)

	res, err := f.svc.SendCampaign(ctx, marketer, c.ID)
	require.NoError(t, err)
	q.Wait()

	assert.Equal(t, model.CampaignSending, res.Status)
	assert.Equal(t, 2, res.MessagesQueued)
	assert.Nil(t, res.Summary)

	job := <-jobs
	assert.Equal(t, res.JobID, job.JobID)
	assert.Equal(t, c.ID, job.CampaignID)
	assert.Equal(t, tenant, job.TenantID)

	for _, m := range f.store.AllMessages(c.ID) {
		assert.Equal(t, model.MessagePending, m.Status)
	}
}
