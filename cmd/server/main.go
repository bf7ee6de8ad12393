// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cellar-dispatch/internal/app"
	"github.com/unclebandit/cellar-dispatch/internal/auth"
	"github.com/unclebandit/cellar-dispatch/internal/config"
	"github.com/unclebandit/cellar-dispatch/internal/controller"
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
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialise")
	}
	defer a.Close()

	// Without a broker the worker and reconciler run in this process.
	if mem, ok := a.Queue.(*queue.InMemoryQueue); ok {
		if err := a.Worker().Start(ctx, mem); err != nil {
			log.WithError(err).Fatal("failed to start in-process worker")
		}
		go a.Reconciler().Run(ctx)
		log.Info("in-process dispatch worker started")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(controller.RequestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Ping(pingCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	campaignController := controller.NewCampaignController(a.Service, log)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer)))
		campaignController.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Address, "dispatch_mode": cfg.Dispatch.Mode}).Info("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
