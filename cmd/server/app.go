package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ledgerline/billing/internal/billing"
	"github.com/ledgerline/billing/internal/config"
	"github.com/ledgerline/billing/internal/db"
	"github.com/ledgerline/billing/internal/logger"
	"github.com/ledgerline/billing/internal/server"
	"github.com/ledgerline/billing/internal/services"
	"github.com/ledgerline/billing/internal/store"
)

// app bundles the engine's wiring so serve and tick share one construction
// path.
type app struct {
	db        *gorm.DB
	lifecycle *services.Lifecycle
	scheduler *services.Scheduler
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	return db.Connect(cfg.DBDriver, cfg.DatabaseDSN)
}

func newApp(cfg config.Config) (*app, error) {
	conn, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	st := store.NewGorm(conn)
	clock := billing.SystemClock{}
	links := services.HostedLinks{BaseURL: cfg.PaymentLinkBase}
	stats := services.LogStats{Log: logger.WithComponent("stats")}
	notifier := services.LogNotifier{Log: logger.WithComponent("notifier")}

	return &app{
		db:        conn,
		lifecycle: services.NewLifecycle(st, st, clock, stats, notifier, links, log.Logger),
		scheduler: services.NewScheduler(st, st, st, clock, links, stats, notifier, log.Logger),
	}, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	if cfg.SchedulerEnabled {
		go func() {
			defer close(schedDone)
			a.scheduler.Run(ctx, cfg.SchedulerInterval)
		}()
	} else {
		close(schedDone)
		log.Warn().Msg("periodic scheduler disabled; relying on external tick triggers")
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.New(a.db, a.lifecycle, a.scheduler),
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	// Let the in-flight tick finish; the scheduler stops between templates.
	<-schedDone
	log.Info().Msg("server gracefully stopped")
	return nil
}

func runTick(ctx context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	res, err := a.scheduler.RunTick(ctx)
	if err != nil {
		return err
	}
	if cfg.ReconcileOverdue {
		if _, err := a.scheduler.Reconcile(ctx); err != nil {
			return err
		}
	}
	log.Info().
		Int("due", res.Due).
		Int("generated", res.Generated).
		Int("repaired", res.Repaired).
		Int("skipped", res.Skipped).
		Msg("tick finished")
	return nil
}
