package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cellar-dispatch/internal/lock"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/queue"
)

// Reconciler finds campaigns stuck in sending with no recent activity. If
// messages are still pending the dispatch is resumed, otherwise the campaign
// is finalized. A resumed dispatch fails, and does not resend, any message
// whose last provider call left no recorded outcome.
type Reconciler struct {
	Dispatcher *Dispatcher
	// Queue, when set, receives a resume job instead of dispatching inline.
	Queue      queue.Queue
	Locker     lock.Locker
	LockTTL    time.Duration
	StaleAfter time.Duration
	Interval   time.Duration
	BatchSize  int
	Log        logrus.FieldLogger
	Now        func() time.Time
}

type ReconcileReport struct {
	Examined  int `json:"examined"`
	Resumed   int `json:"resumed"`
	Finalized int `json:"finalized"`
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log().WithError(err).Error("reconciliation sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	store := r.Dispatcher.Store

	staleAfter := r.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = 100
	}
	stale, err := store.Campaigns().ListStaleSending(ctx, r.now().Add(-staleAfter), batch)
	if err != nil {
		return report, fmt.Errorf("list stale campaigns: %w", err)
	}

	for _, c := range stale {
		report.Examined++
		log := r.log().WithField("campaign_id", c.ID)

		stats, err := store.Messages().Stats(ctx, c.ID)
		if err != nil {
			log.WithError(err).Warn("could not read campaign statistics")
			continue
		}

		if stats.Pending == 0 {
			status := r.Dispatcher.Finalize(ctx, c, stats.Sent, 0)
			log.WithFields(logrus.Fields{"status": status, "messages": stats.Total}).Info("finalized stale campaign")
			report.Finalized++
			continue
		}

		if err := r.resume(ctx, c); err != nil {
			log.WithError(err).Warn("could not resume stale campaign")
			continue
		}
		log.WithField("pending", stats.Pending).Info("resumed stale campaign")
		report.Resumed++
	}
	return report, nil
}

func (r *Reconciler) resume(ctx context.Context, c *model.Campaign) error {
	if r.Queue != nil {
		return queue.PublishDispatch(ctx, r.Queue, queue.NewDispatchJob(c.ID, c.TenantID, "reconcile"))
	}

	if r.Locker != nil {
		ttl := r.LockTTL
		if ttl <= 0 {
			ttl = 30 * time.Minute
		}
		release, err := r.Locker.Acquire(ctx, lock.CampaignKey(c.ID), ttl)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil
		}
		if err != nil {
			return err
		}
		defer release(context.Background())
	}
	_, err := r.Dispatcher.Dispatch(ctx, c)
	return err
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Reconciler) log() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}
