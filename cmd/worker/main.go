package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cellar-dispatch/internal/app"
	"github.com/unclebandit/cellar-dispatch/internal/config"
	"github.com/unclebandit/cellar-dispatch/internal/logger"
	"github.com/unclebandit/cellar-dispatch/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialise")
	}
	defer a.Close()

	if _, ok := a.Queue.(*queue.InMemoryQueue); ok {
		log.Warn("QUEUE_DRIVER=memory: this process only sees its own jobs, only the reconciler is useful")
	}

	if err := start(ctx, a); err != nil {
		log.WithError(err).Fatal("failed to start worker")
	}
	log.WithField("queue", cfg.QueueDriver).Info("worker running, waiting for dispatch jobs")
	<-ctx.Done()
	log.Info("worker stopping")
}

// start subscribes the dispatch worker and launches the reconciliation
// sweep. Both stop when ctx is cancelled.
func start(ctx context.Context, a *app.App) error {
	if err := a.Worker().Start(ctx, a.Queue); err != nil {
		return err
	}
	go func() {
		if err := a.Reconciler().Run(ctx); err != nil {
			a.Log.WithError(err).Error("reconciler stopped")
		}
	}()
	return nil
}
