// Package app wires configuration into the storage, delivery, queue and
// service layers shared by the server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cellar-dispatch/internal/compliance"
	"github.com/unclebandit/cellar-dispatch/internal/config"
	"github.com/unclebandit/cellar-dispatch/internal/db"
	"github.com/unclebandit/cellar-dispatch/internal/delivery"
	"github.com/unclebandit/cellar-dispatch/internal/format"
	"github.com/unclebandit/cellar-dispatch/internal/lock"
	"github.com/unclebandit/cellar-dispatch/internal/model"
	"github.com/unclebandit/cellar-dispatch/internal/provider"
	"github.com/unclebandit/cellar-dispatch/internal/queue"
	"github.com/unclebandit/cellar-dispatch/internal/repository"
	"github.com/unclebandit/cellar-dispatch/internal/repository/memstore"
	"github.com/unclebandit/cellar-dispatch/internal/service"
)

type App struct {
	Config     *config.Config
	Log        *logrus.Logger
	DB         *sql.DB
	Store      repository.Store
	Queue      queue.Queue
	Locker     lock.Locker
	Dispatcher *service.Dispatcher
	Service    *service.CampaignService

	closers []func() error
}

// New builds every long-lived dependency. Close releases them in reverse
// order.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	if a.Queue, err = a.openQueue(); err != nil {
		a.Close()
		return nil, err
	}
	a.Locker = a.openLocker()

	checker := compliance.NewRuleChecker(cfg.ComplianceBlocklist...)
	emailOpts := format.EmailOptions{ClubName: cfg.EmailFromName, UnsubscribeBaseURL: cfg.UnsubscribeBaseURL}

	senders, err := a.senders(emailOpts)
	if err != nil {
		a.Close()
		return nil, err
	}

	d := service.NewDispatcher(store, checker, log, senders...)
	d.Concurrency = cfg.Dispatch.Concurrency
	d.RetryBase = cfg.Dispatch.RetryBaseDelay
	d.MaxReportedErrors = cfg.Dispatch.MaxReportedErrors
	a.Dispatcher = d

	a.Service = &service.CampaignService{
		Store:        store,
		Dispatcher:   d,
		Compliance:   checker,
		Queue:        a.Queue,
		Locker:       a.Locker,
		LockTTL:      cfg.Dispatch.LockTTL,
		Mode:         strings.ToLower(cfg.Dispatch.Mode),
		EmailOptions: emailOpts,
		Log:          log,
	}
	return a, nil
}

func (a *App) Worker() *service.Worker {
	return service.NewWorker(a.Dispatcher, a.Locker, a.Config.Dispatch.LockTTL, a.Log)
}

// Reconciler resumes stale campaigns through the queue when it is durable
// and inline otherwise.
func (a *App) Reconciler() *service.Reconciler {
	r := &service.Reconciler{
		Dispatcher: a.Dispatcher,
		Locker:     a.Locker,
		LockTTL:    a.Config.Dispatch.LockTTL,
		StaleAfter: a.Config.Dispatch.StaleAfter,
		Interval:   a.Config.Dispatch.ReconcileInterval,
		Log:        a.Log,
	}
	if _, inMemory := a.Queue.(*queue.InMemoryQueue); !inMemory {
		r.Queue = a.Queue
	}
	return r
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.WithError(err).Warn("error during shutdown")
		}
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	switch strings.ToLower(a.Config.StorageDriver) {
	case "memory":
		a.Log.Warn("using in-memory storage, data is lost on restart")
		return memstore.New(), nil
	case "postgres", "":
		conn, err := db.Open(ctx, a.Config.DSN())
		if err != nil {
			return nil, err
		}
		a.DB = conn
		a.closers = append(a.closers, conn.Close)
		a.Log.Info("connected to postgres")
		return repository.NewSQLStore(conn), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", a.Config.StorageDriver)
}

func (a *App) openQueue() (queue.Queue, error) {
	var (
		q   queue.Queue
		err error
	)
	switch strings.ToLower(a.Config.QueueDriver) {
	case "memory", "":
		q = queue.NewInMemoryQueue(a.Log)
	case "amqp":
		q, err = queue.DialAMQP(a.Config.AMQPURL, a.Log)
	case "kafka":
		q, err = queue.NewKafkaQueue(a.Config.KafkaBrokers, a.Config.KafkaGroupID, a.Log)
	default:
		err = fmt.Errorf("unknown queue driver %q", a.Config.QueueDriver)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, q.Close)
	return q, nil
}

func (a *App) openLocker() lock.Locker {
	if a.Config.RedisAddr == "" {
		return lock.NewMemoryLocker()
	}
	client := redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr, Password: a.Config.RedisPassword})
	a.closers = append(a.closers, client.Close)
	return lock.NewRedisLocker(client)
}

func (a *App) senders(emailOpts format.EmailOptions) ([]delivery.Sender, error) {
	cfg := a.Config
	limiter := delivery.NewLimiter(
		map[string]time.Duration{
			string(model.ChannelSMS):   cfg.Dispatch.SMSMinInterval,
			string(model.ChannelEmail): cfg.Dispatch.EmailMinInterval,
		},
		delivery.WithMaxPending(cfg.Dispatch.MaxPending),
		delivery.WithResidencyTimeout(cfg.Dispatch.ResidencyTimeout),
	)

	var sms delivery.SMSProvider
	switch strings.ToLower(cfg.SMSProvider) {
	case "twilio":
		sms = provider.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
	case "sandbox", "":
		sms = provider.NewSandbox(a.Log, cfg.SandboxFailureRate, time.Now().UnixNano())
	default:
		return nil, fmt.Errorf("unknown sms provider %q", cfg.SMSProvider)
	}

	var email delivery.EmailProvider
	switch strings.ToLower(cfg.EmailProvider) {
	case "brevo":
		email = provider.NewBrevo(cfg.BrevoAPIKey, cfg.EmailFrom, cfg.EmailFromName)
	case "smtp":
		email = provider.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom, cfg.EmailFromName)
	case "sandbox", "":
		email = provider.NewSandbox(a.Log, cfg.SandboxFailureRate, time.Now().UnixNano()+1)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.EmailProvider)
	}

	a.Log.WithFields(logrus.Fields{"sms": sms.Name(), "email": email.Name()}).Info("delivery providers configured")
	return []delivery.Sender{
		&delivery.SMSSender{Provider: sms, Limiter: limiter, DefaultRegion: cfg.DefaultRegion, CallTimeout: cfg.Dispatch.CallTimeout},
		&delivery.EmailSender{Provider: email, Limiter: limiter, Options: emailOpts, CallTimeout: cfg.Dispatch.CallTimeout},
	}, nil
}

// Ping checks the database when one is configured.
func (a *App) Ping(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.PingContext(ctx)
}
