package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/cellar-dispatch/internal/compliance"
	"github.com/unclebandit/cellar-dispatch/internal/delivery"
	appErrors "github.com/unclebandit/cellar-dispatch/internal/errors"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/repository"
)

const (
	defaultConcurrency       = 50
	defaultRetryBase         = time.Second
	defaultMaxReportedErrors = 50
	markSentTries            = 3
)

var sendableStatuses = []model.CampaignStatus{model.CampaignDraft, model.CampaignScheduled}

// Dispatcher runs the campaign send state machine: Prepare materializes
// pending messages atomically, Dispatch resolves them through the channel
// senders.
type Dispatcher struct {
	Store      repository.Store
	Resolver   *AudienceResolver
	Compliance compliance.Checker
	Senders    map[model.Channel]delivery.Sender

	Concurrency       int
	RetryBase         time.Duration
	MaxReportedErrors int

	Log logrus.FieldLogger
	Now func() time.Time
}

// NewDispatcher wires a Dispatcher with one sender per channel.
func NewDispatcher(store repository.Store, checker compliance.Checker, log logrus.FieldLogger, senders ...delivery.Sender) *Dispatcher {
	d := &Dispatcher{
		Store:      store,
		Resolver:   &AudienceResolver{Members: store.Members()},
		Compliance: checker,
		Senders:    make(map[model.Channel]delivery.Sender, len(senders)),
		Log:        log,
	}
	for _, s := range senders {
		d.Senders[s.Channel()] = s
	}
	return d
}

// MessageError is one entry of the bounded error list in a summary.
type MessageError struct {
	MessageID int           `json:"message_id"`
	MemberID  int           `json:"member_id"`
	Channel   model.Channel `json:"channel"`
	Kind      string        `json:"kind"`
	Reason    string        `json:"reason"`
	Error     string        `json:"error"`
}

// DispatchSummary reports the outcome of one dispatch run.
type DispatchSummary struct {
	CampaignID  int                  `json:"campaign_id"`
	Status      model.CampaignStatus `json:"status"`
	Attempted   int                  `json:"attempted"`
	Sent        int                  `json:"sent"`
	Failed      int                  `json:"failed"`
	Interrupted int                  `json:"interrupted,omitempty"`
	Errors      []MessageError       `json:"errors,omitempty"`
	// ErrorsOmitted counts failures beyond the reported error list.
	ErrorsOmitted int `json:"errors_omitted,omitempty"`
	// Unrecorded counts messages the provider accepted whose sent status
	// could not be stored. They stay pending and are never sent again.
	Unrecorded int `json:"unrecorded,omitempty"`
}

// Prepared is a campaign that has entered sending with its messages queued.
type Prepared struct {
	Campaign *model.Campaign
	Queued   int
}

func (d *Dispatcher) log() logrus.FieldLogger {
	if d.Log == nil {
		return logrus.StandardLogger()
	}
	return d.Log
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Prepare validates the campaign, resolves its audience and, in one
// transaction, flips it to sending and creates one pending message per
// consenting (member, channel) pair. Any failure leaves storage untouched.
func (d *Dispatcher) Prepare(ctx context.Context, tenantID, campaignID int) (*Prepared, error) {
	c, err := d.Store.Campaigns().GetByID(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanSend() {
		return nil, appErrors.NewStatusError(c.ID, string(c.Status), "send")
	}
	if len(c.Channels) == 0 {
		return nil, appErrors.ErrNoChannels
	}
	for _, ch := range c.Channels {
		if _, ok := d.Senders[ch]; !ok {
			return nil, fmt.Errorf("%w: channel %q is not configured", appErrors.ErrNoChannels, ch)
		}
	}

	if d.Compliance != nil {
		res, err := d.Compliance.Check(ctx, compliance.Body(c))
		if err != nil {
			return nil, fmt.Errorf("compliance check: %w", err)
		}
		if !res.Passed {
			return nil, &appErrors.ComplianceError{Violations: res.Violations}
		}
	}

	members, err := d.Resolver.Resolve(ctx, tenantID, c.Audience, c.Channels)
	if err != nil {
		return nil, err
	}
	msgs := messagesFor(c.ID, members, c.Channels)
	if len(msgs) == 0 {
		return nil, appErrors.ErrNoRecipients
	}

	sentAt := d.now()
	err = d.Store.WithinTx(ctx, func(tx repository.Store) error {
		if err := tx.Campaigns().MarkSending(ctx, tenantID, c.ID, sendableStatuses, sentAt); err != nil {
			return err
		}
		if err := tx.Messages().BulkCreate(ctx, msgs); err != nil {
			return fmt.Errorf("create messages: %w", err)
		}
		return tx.Campaigns().SetSentCount(ctx, c.ID, len(msgs))
	})
	if err != nil {
		return nil, err
	}

	c.Status = model.CampaignSending
	c.SentAt = &sentAt
	c.SentCount = len(msgs)
	d.log().WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"members":     len(members),
		"messages":    len(msgs),
	}).Info("campaign queued for dispatch")
	return &Prepared{Campaign: c, Queued: len(msgs)}, nil
}

// Send prepares and dispatches a campaign in the calling goroutine.
func (d *Dispatcher) Send(ctx context.Context, tenantID, campaignID int) (*DispatchSummary, error) {
	p, err := d.Prepare(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, p.Campaign)
}

// Dispatch delivers every pending message of a sending campaign. Message
// failures are recorded per message and summarized; only storage errors
// that prevent reading the work list are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, c *model.Campaign) (*DispatchSummary, error) {
	log := d.log().WithField("campaign_id", c.ID)

	pending, err := d.Store.Messages().ListPending(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	ids := make([]int, 0, len(pending))
	seen := map[int]bool{}
	for _, m := range pending {
		if !seen[m.MemberID] {
			seen[m.MemberID] = true
			ids = append(ids, m.MemberID)
		}
	}
	members, err := d.Store.Members().GetByIDs(ctx, c.TenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	summary := &DispatchSummary{CampaignID: c.ID, Attempted: len(pending)}
	var mu sync.Mutex
	record := func(msg *model.CampaignMessage, o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case o.unrecorded:
			summary.Unrecorded++
		case o.interrupted:
			summary.Interrupted++
		case o.err == nil:
			summary.Sent++
		default:
			summary.Failed++
			if len(summary.Errors) >= d.maxReportedErrors() {
				summary.ErrorsOmitted++
				return
			}
			summary.Errors = append(summary.Errors, MessageError{
				MessageID: msg.ID,
				MemberID:  msg.MemberID,
				Channel:   msg.Channel,
				Kind:      o.cls.Kind.String(),
				Reason:    string(o.cls.Reason),
				Error:     o.err.Error(),
			})
		}
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency())
	for _, msg := range pending {
		msg := msg
		g.Go(func() error {
			record(msg, d.deliver(ctx, c, members[msg.MemberID], msg))
			return nil
		})
	}
	_ = g.Wait()

	summary.Status = d.Finalize(ctx, c, summary.Sent, summary.Interrupted+summary.Unrecorded)
	log.WithFields(logrus.Fields{
		"sent":        summary.Sent,
		"failed":      summary.Failed,
		"interrupted": summary.Interrupted,
		"unrecorded":  summary.Unrecorded,
		"status":      summary.Status,
	}).Info("campaign dispatch finished")
	return summary, nil
}

type outcome struct {
	externalID  string
	err         error
	cls         delivery.Classification
	interrupted bool
	unrecorded  bool
}

// deliver sends one message, retrying per its classification, and records
// the terminal status. Each attempt is stored before the provider call, so a
// pending message that already carries an unanswered attempt is failed as
// in doubt rather than sent twice. A cancelled context leaves the message
// pending.
func (d *Dispatcher) deliver(ctx context.Context, c *model.Campaign, m *model.Member, msg *model.CampaignMessage) outcome {
	log := d.log().WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"message_id":  msg.ID,
		"channel":     msg.Channel,
	})

	sender, ok := d.Senders[msg.Channel]
	if !ok {
		err := delivery.Permanent(delivery.ReasonUnknown, fmt.Errorf("no sender for channel %q", msg.Channel))
		return d.fail(ctx, log, msg, err, delivery.Classify(err), msg.Attempts)
	}
	if m == nil {
		err := delivery.Permanent(delivery.ReasonInvalidAddress, errors.New("member no longer exists"))
		return d.fail(ctx, log, msg, err, delivery.Classify(err), msg.Attempts)
	}
	if msg.Attempts > 0 && msg.LastError == "" {
		err := delivery.Permanent(delivery.ReasonUnknown, fmt.Errorf("%w (attempt %d)", appErrors.ErrDeliveryInDoubt, msg.Attempts))
		return d.fail(ctx, log, msg, err, delivery.Classify(err), msg.Attempts)
	}

	for attempt := msg.Attempts + 1; ; attempt++ {
		if ctx.Err() != nil {
			return outcome{interrupted: true}
		}
		if err := d.Store.Messages().MarkAttempt(ctx, msg.ID, attempt, ""); err != nil {
			log.WithError(err).Error("could not record delivery attempt")
			return outcome{interrupted: true}
		}
		externalID, err := sender.Send(ctx, c, m)
		if err == nil {
			return d.markSent(ctx, log, msg, externalID, attempt)
		}
		if ctx.Err() != nil {
			return outcome{interrupted: true}
		}

		cls := delivery.Classify(err)
		if !cls.ShouldRetry || attempt > cls.MaxRetries {
			return d.fail(ctx, log, msg, err, cls, attempt)
		}
		if perr := d.Store.Messages().MarkAttempt(ctx, msg.ID, attempt, err.Error()); perr != nil {
			log.WithError(perr).Error("could not record failed attempt")
			return outcome{interrupted: true}
		}

		delay := delivery.Backoff(d.retryBase(), attempt)
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"kind":    cls.Kind.String(),
			"delay":   delay,
		}).Warn("send failed, retrying")
		if !sleep(ctx, delay) {
			return outcome{interrupted: true}
		}
	}
}

// markSent stores an accepted message. The write outlives ctx and is retried
// a few times; if it still fails the message stays pending with its attempt
// recorded and is reported as unrecorded.
func (d *Dispatcher) markSent(ctx context.Context, log logrus.FieldLogger, msg *model.CampaignMessage, externalID string, attempt int) outcome {
	ctx = context.WithoutCancel(ctx)
	var err error
	for try := 1; try <= markSentTries; try++ {
		err = d.Store.Messages().MarkSent(ctx, msg.ID, externalID, d.now(), attempt)
		if err == nil {
			return outcome{externalID: externalID}
		}
		if errors.Is(err, appErrors.ErrMessageResolved) {
			log.WithError(err).Warn("message sent but already resolved elsewhere")
			return outcome{externalID: externalID}
		}
		if try < markSentTries {
			sleep(ctx, delivery.Backoff(d.retryBase(), try))
		}
	}
	log.WithError(err).WithField("external_id", externalID).Error("message sent but status not recorded")
	return outcome{externalID: externalID, unrecorded: true}
}

func (d *Dispatcher) fail(ctx context.Context, log logrus.FieldLogger, msg *model.CampaignMessage, cause error, cls delivery.Classification, attempts int) outcome {
	log.WithError(cause).WithFields(logrus.Fields{
		"attempt": attempts,
		"kind":    cls.Kind.String(),
		"reason":  cls.Reason,
	}).Warn("message failed")
	if err := d.Store.Messages().MarkFailed(ctx, msg.ID, cause.Error(), attempts); err != nil {
		log.WithError(err).Error("could not record failed message")
	}
	return outcome{err: cause, cls: cls}
}

// Finalize recomputes the ledger, stores the delivered count and moves the
// campaign to its terminal status once nothing is pending. Storage errors
// are logged; the messages are already durable and the reconciler retries.
func (d *Dispatcher) Finalize(ctx context.Context, c *model.Campaign, observedSent, observedPending int) model.CampaignStatus {
	log := d.log().WithField("campaign_id", c.ID)

	sent, pending := observedSent, observedPending
	if stats, err := d.Store.Messages().Stats(ctx, c.ID); err != nil {
		log.WithError(err).Warn("could not recompute campaign statistics")
	} else {
		sent, pending = stats.Sent, stats.Pending
	}

	if err := d.Store.Campaigns().UpdateDeliveredCount(ctx, c.ID, sent); err != nil {
		log.WithError(err).Warn("could not update delivered count")
	} else {
		c.DeliveredCount = sent
	}

	if pending > 0 {
		return model.CampaignSending
	}
	final := model.CampaignFailed
	if sent > 0 {
		final = model.CampaignSent
	}
	if err := d.Store.Campaigns().TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignSending}, final); err != nil {
		log.WithError(err).WithField("status", final).Warn("could not finalize campaign status")
		return c.Status
	}
	c.Status = final
	return final
}

func (d *Dispatcher) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return defaultConcurrency
}

func (d *Dispatcher) retryBase() time.Duration {
	if d.RetryBase > 0 {
		return d.RetryBase
	}
	return defaultRetryBase
}

func (d *Dispatcher) maxReportedErrors() int {
	if d.MaxReportedErrors > 0 {
		return d.MaxReportedErrors
	}
	return defaultMaxReportedErrors
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
