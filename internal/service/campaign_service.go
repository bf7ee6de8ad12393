// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cellar-dispatch/internal/auth"
	"github.com/unclebandit/cellar-dispatch/internal/compliance"
	appErrors "github.com/unclebandit/cellar-dispatch/internal/errors"
	"github.com/unclebandit/cellar-dispatch/internal/format"
	"github.com/unclebandit/cellar-dispatch/internal/lock"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/queue"
	"github.com/unclebandit/cellar-dispatch/internal/repository"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

type CampaignService struct {
	Store      repository.Store
	Dispatcher *Dispatcher
	Compliance compliance.Checker
	Queue      queue.Queue
	Locker     lock.Locker
	LockTTL    time.Duration
	// Mode is ModeSync to dispatch inside the request or ModeAsync to hand
	// the campaign to a worker.
	Mode         string
	EmailOptions format.EmailOptions
	Log          logrus.FieldLogger
}

// CampaignInput is the editable part of a campaign.
type CampaignInput struct {
	Name        string
	Products    []model.ProductLine
	Message     string
	ImageURL    *string
	Audience    model.AudienceSpec
	Channels    []model.Channel
	ScheduledAt *time.Time
}

// Result struct for SendCampaign
type SendCampaignResult struct {
	CampaignID     int                  `json:"campaign_id"`
	Status         model.CampaignStatus `json:"status"`
	MessagesQueued int                  `json:"messages_queued"`
	JobID          string               `json:"job_id,omitempty"`
	Summary        *DispatchSummary     `json:"summary,omitempty"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats model.MessageStats `json:"stats"`
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

// Preview is a campaign rendered for one member.
type Preview struct {
	CampaignID   int    `json:"campaign_id"`
	MemberID     int    `json:"member_id"`
	SMS          string `json:"sms,omitempty"`
	EmailSubject string `json:"email_subject,omitempty"`
	EmailText    string `json:"email_text,omitempty"`
	EmailHTML    string `json:"email_html,omitempty"`
}

func (s *CampaignService) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func requireWriter(op auth.Operator) error {
	if !op.CanWrite() {
		return fmt.Errorf("%w: role %q is read-only", appErrors.ErrForbidden, op.Role)
	}
	return nil
}

func validateInput(in *CampaignInput) error {
	var problems []string
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		problems = append(problems, "name is required")
	}
	if len(in.Products) == 0 {
		problems = append(problems, "at least one product is required")
	}
	for i, p := range in.Products {
		if strings.TrimSpace(p.Name) == "" {
			problems = append(problems, fmt.Sprintf("product %d needs a name", i+1))
		}
		if p.Price < 0 {
			problems = append(problems, fmt.Sprintf("product %d has a negative price", i+1))
		}
	}
	seen := map[model.Channel]bool{}
	for _, ch := range in.Channels {
		if !ch.Valid() {
			problems = append(problems, fmt.Sprintf("unknown channel %q", ch))
		}
		if seen[ch] {
			problems = append(problems, fmt.Sprintf("channel %q listed twice", ch))
		}
		seen[ch] = true
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", appErrors.ErrValidation, strings.Join(problems, "; "))
	}
	return ValidateAudience(in.Audience)
}

func (s *CampaignService) checkCompliance(ctx context.Context, c *model.Campaign) error {
	if s.Compliance == nil {
		return nil
	}
	res, err := s.Compliance.Check(ctx, compliance.Body(c))
	if err != nil {
		return fmt.Errorf("compliance check: %w", err)
	}
	if !res.Passed {
		return &appErrors.ComplianceError{Violations: res.Violations}
	}
	return nil
}

func apply(c *model.Campaign, in CampaignInput) {
	c.Name = in.Name
	c.Products = in.Products
	c.Message = in.Message
	c.ImageURL = in.ImageURL
	c.Audience = in.Audience
	c.Channels = in.Channels
	c.ScheduledAt = in.ScheduledAt
	if in.ScheduledAt != nil {
		c.Status = model.CampaignScheduled
	} else {
		c.Status = model.CampaignDraft
	}
}

func (s *CampaignService) CreateCampaign(ctx context.Context, op auth.Operator, in CampaignInput) (*model.Campaign, error) {
	if err := requireWriter(op); err != nil {
		return nil, err
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	c := &model.Campaign{TenantID: op.TenantID}
	apply(c, in)
	if err := s.checkCompliance(ctx, c); err != nil {
		return nil, err
	}
	if err := s.Store.Campaigns().Create(ctx, c); err != nil {
		return nil, err
	}
	s.log().WithFields(logrus.Fields{"campaign_id": c.ID, "tenant_id": c.TenantID}).Info("campaign created")
	return c, nil
}

// UpdateCampaign replaces the editable fields of a draft or scheduled
// campaign.
func (s *CampaignService) UpdateCampaign(ctx context.Context, op auth.Operator, id int, in CampaignInput) (*model.Campaign, error) {
	if err := requireWriter(op); err != nil {
		return nil, err
	}
	c, err := s.Store.Campaigns().GetByID(ctx, op.TenantID, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.Editable() {
		return nil, appErrors.NewStatusError(id, string(c.Status), "update")
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	prev := c.Status
	apply(c, in)
	if c.Status != prev && !prev.CanTransition(c.Status) {
		return nil, appErrors.NewStatusError(id, string(prev), "update")
	}
	if err := s.checkCompliance(ctx, c); err != nil {
		return nil, err
	}
	if err := s.Store.Campaigns().Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, op auth.Operator, id int) error {
	if err := requireWriter(op); err != nil {
		return err
	}
	return s.Store.Campaigns().Delete(ctx, op.TenantID, id)
}

// GetCampaignDetails returns the campaign with ledger statistics recomputed
// from its messages.
func (s *CampaignService) GetCampaignDetails(ctx context.Context, op auth.Operator, id int) (*CampaignDetails, error) {
	c, err := s.Store.Campaigns().GetByID(ctx, op.TenantID, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.Store.Messages().Stats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign %d stats: %w", id, err)
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

func paginate(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) Pagination {
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, op auth.Operator, page, pageSize int, channel, status string) ([]model.Campaign, Pagination, error) {
	page, pageSize, offset := paginate(page, pageSize)

	ptrs, total, err := s.Store.Campaigns().ListCampaigns(ctx, op.TenantID, offset, pageSize, channel, status)
	if err != nil {
		return nil, Pagination{}, err
	}
	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

// ListMessages pages through the message ledger of a campaign.
func (s *CampaignService) ListMessages(ctx context.Context, op auth.Operator, id int, status string, page, pageSize int) ([]model.CampaignMessage, Pagination, error) {
	if _, err := s.Store.Campaigns().GetByID(ctx, op.TenantID, id); err != nil {
		return nil, Pagination{}, err
	}
	page, pageSize, offset := paginate(page, pageSize)
	ptrs, total, err := s.Store.Messages().List(ctx, id, status, offset, pageSize)
	if err != nil {
		return nil, Pagination{}, err
	}
	msgs := make([]model.CampaignMessage, len(ptrs))
	for i, m := range ptrs {
		msgs[i] = *m
	}
	return msgs, pagination(page, pageSize, total), nil
}

// RenderPreview renders the campaign exactly as memberID would receive it.
// overrideMessage replaces the stored body for this preview only.
func (s *CampaignService) RenderPreview(ctx context.Context, op auth.Operator, id, memberID int, overrideMessage *string) (*Preview, error) {
	c, err := s.Store.Campaigns().GetByID(ctx, op.TenantID, id)
	if err != nil {
		return nil, err
	}
	m, err := s.Store.Members().GetByID(ctx, op.TenantID, memberID)
	if err != nil {
		return nil, err
	}

	if overrideMessage != nil && strings.TrimSpace(*overrideMessage) != "" {
		c.Message = *overrideMessage
	}

	p := &Preview{CampaignID: c.ID, MemberID: m.ID}
	channels := c.Channels
	if len(channels) == 0 {
		channels = []model.Channel{model.ChannelSMS, model.ChannelEmail}
	}
	for _, ch := range channels {
		switch ch {
		case model.ChannelSMS:
			p.SMS = format.SMS(c, m)
		case model.ChannelEmail:
			email, err := format.RenderEmail(c, m, s.EmailOptions)
			if err != nil {
				return nil, fmt.Errorf("render email preview: %w", err)
			}
			p.EmailSubject, p.EmailText, p.EmailHTML = email.Subject, email.Text, email.HTML
		}
	}
	return p, nil
}

// SendCampaign moves a draft or scheduled campaign into sending. In sync
// mode it also dispatches and returns the full summary; in async mode it
// enqueues a dispatch job.
func (s *CampaignService) SendCampaign(ctx context.Context, op auth.Operator, id int) (*SendCampaignResult, error) {
	if err := requireWriter(op); err != nil {
		return nil, err
	}

	prepared, err := s.Dispatcher.Prepare(ctx, op.TenantID, id)
	if err != nil {
		return nil, err
	}
	c := prepared.Campaign
	result := &SendCampaignResult{
		CampaignID:     c.ID,
		Status:         c.Status,
		MessagesQueued: prepared.Queued,
	}
	log := s.log().WithField("campaign_id", c.ID)

	if s.Mode == ModeAsync && s.Queue != nil {
		job := queue.NewDispatchJob(c.ID, c.TenantID, "send")
		if err := queue.PublishDispatch(ctx, s.Queue, job); err != nil {
			// Messages are durable; the reconciler resumes the campaign.
			log.WithError(err).Error("could not enqueue dispatch job")
			return result, nil
		}
		result.JobID = job.JobID
		return result, nil
	}

	if s.Locker != nil {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = 30 * time.Minute
		}
		release, err := s.Locker.Acquire(ctx, lock.CampaignKey(c.ID), ttl)
		if err != nil && !errors.Is(err, lock.ErrNotAcquired) {
			return nil, err
		}
		if errors.Is(err, lock.ErrNotAcquired) {
			log.Info("campaign already being dispatched elsewhere")
			return result, nil
		}
		defer release(context.Background())
	}

	summary, err := s.Dispatcher.Dispatch(ctx, c)
	if err != nil {
		return nil, err
	}
	result.Status = summary.Status
	result.Summary = summary
	return result, nil
}
