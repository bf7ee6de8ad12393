package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/cellar-dispatch/internal/errors"
	"github.com/unclebandit/cellar-dispatch/internal/lock"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/queue"
)

// Worker consumes dispatch jobs. Each job runs under the campaign's
// single-writer lock; a job for a campaign already being dispatched is
// acknowledged and skipped.
type Worker struct {
	Dispatcher *Dispatcher
	Locker     lock.Locker
	LockTTL    time.Duration
	Log        logrus.FieldLogger
}

func NewWorker(d *Dispatcher, locker lock.Locker, ttl time.Duration, log logrus.FieldLogger) *Worker {
	return &Worker{Dispatcher: d, Locker: locker, LockTTL: ttl, Log: log}
}

// Start subscribes the worker to the dispatch topic.
func (w *Worker) Start(ctx context.Context, q queue.Queue) error {
	return q.Subscribe(ctx, queue.TopicCampaignDispatch, w.HandleJob)
}

// HandleJob is the queue handler. Returning an error asks the queue to
// redeliver, so only transient storage or lock failures do.
func (w *Worker) HandleJob(ctx context.Context, payload []byte) error {
	log := w.log()
	job, err := queue.DecodeDispatchJob(payload)
	if err != nil {
		log.WithError(err).Error("dropping malformed dispatch job")
		return nil
	}
	log = log.WithFields(logrus.Fields{"job_id": job.JobID, "campaign_id": job.CampaignID})

	release, err := w.Locker.Acquire(ctx, lock.CampaignKey(job.CampaignID), w.lockTTL())
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Info("campaign already being dispatched, skipping job")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			log.WithError(err).Warn("could not release dispatch lock")
		}
	}()

	c, err := w.Dispatcher.Store.Campaigns().GetByID(ctx, job.TenantID, job.CampaignID)
	if appErrors.IsNotFound(err) {
		log.Warn("campaign no longer exists, skipping job")
		return nil
	}
	if err != nil {
		return err
	}
	if c.Status != model.CampaignSending {
		log.WithField("status", c.Status).Info("campaign is not sending, skipping job")
		return nil
	}

	summary, err := w.Dispatcher.Dispatch(ctx, c)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"sent":   summary.Sent,
		"failed": summary.Failed,
		"status": summary.Status,
	}).Info("dispatch job done")
	return nil
}

func (w *Worker) lockTTL() time.Duration {
	if w.LockTTL > 0 {
		return w.LockTTL
	}
	return 30 * time.Minute
}

func (w *Worker) log() logrus.FieldLogger {
	if w.Log == nil {
		return logrus.StandardLogger()
	}
	return w.Log
}
