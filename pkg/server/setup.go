// Package server wires the central node together: storage, the query text
// store, ingestion, alerting and the rollup loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyapm/pkg/agent"
	"github.com/nicktill/tinyapm/pkg/alerting"
	"github.com/nicktill/tinyapm/pkg/compaction"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/dedup"
	"github.com/nicktill/tinyapm/pkg/export"
	"github.com/nicktill/tinyapm/pkg/heartbeat"
	"github.com/nicktill/tinyapm/pkg/ingest"
	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/ratelimit"
	"github.com/nicktill/tinyapm/pkg/rollup"
	"github.com/nicktill/tinyapm/pkg/server/monitor"
	"github.com/nicktill/tinyapm/pkg/storage/badger"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
)

// App holds every component of a running node
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Storage    *badger.Storage
	Limiter    *ratelimit.Limiter
	QueryTexts *dedup.Store
	Registry   *agent.Registry
	Heartbeats *heartbeat.Store
	Hub        *ingest.EventHub
	Ingest     *ingest.Handler
	Backup     *export.Handler

	AlertConfigs *alerting.ConfigRepository
	Triggered    *alerting.TriggeredRepository
	Alerts       *alerting.Service

	Aggregates *compaction.Compactor
	Gauges     *compaction.Compactor
	Synthetics *compaction.Compactor

	Passes *monitor.PassMonitor
	Disk   *monitor.DiskMonitor

	// Rollup is set while Run is active
	Rollup *rollup.Service
}

// New opens storage and builds every component. Close releases storage.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if !cfg.InMemory {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	logger.Info("opening storage", zap.String("data_dir", cfg.DataDir), zap.Bool("in_memory", cfg.InMemory))
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		InMemory:    cfg.InMemory,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Logger:      logger.Named("badger"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitWindow)
	if err != nil {
		store.Close()
		return nil, err
	}

	app := &App{
		cfg:          cfg,
		logger:       logger,
		Storage:      store,
		Limiter:      limiter,
		QueryTexts:   dedup.New(store, limiter, cfg, logger),
		Registry:     agent.NewRegistry(),
		Heartbeats:   heartbeat.New(store),
		Hub:          ingest.NewEventHub(logger),
		AlertConfigs: alerting.FromRules(cfg.Alerts),
		Triggered:    alerting.NewTriggeredRepository(),
		Passes:       monitor.NewPassMonitor(0),
		Disk:         monitor.NewDiskMonitor(cfg.DataDir),
	}

	app.Alerts = alerting.NewService(app.AlertConfigs, app.Triggered, store, cfg,
		alerting.Notifiers{
			&alerting.LogNotifier{Logger: logger.Named("notify")},
			&alerting.HubNotifier{Hub: app.Hub},
		}, logger)

	app.Aggregates = compaction.New(store, metrics.TransactionKind, cfg,
		compaction.WithQueryTexts(app.QueryTexts), compaction.WithLogger(logger))
	app.Gauges = compaction.New(store, metrics.GaugeKind, cfg, compaction.WithLogger(logger))
	app.Synthetics = compaction.New(store, metrics.SyntheticKind, cfg, compaction.WithLogger(logger))

	app.Ingest = ingest.NewHandler(store,
		ingest.WithQueryTexts(app.QueryTexts),
		ingest.WithRegistry(app.Registry),
		ingest.WithHeartbeats(app.Heartbeats),
		ingest.WithLogger(logger))
	app.Backup = export.NewHandler(store, logger)

	return app, nil
}

// SeedRegistry registers every agent that sent a heartbeat within the raw
// retention, so the hierarchy survives a restart.
func (a *App) SeedRegistry(ctx context.Context) error {
	ids, err := a.Heartbeats.Agents(ctx, time.Now().Add(-a.cfg.RawRetention))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := a.Registry.Store(id); err != nil {
			a.logger.Warn("skipping malformed agent id", zap.String("agent_id", id), zap.Error(err))
		}
	}
	a.logger.Info("agent registry seeded", zap.Int("agent_rollups", len(ids)))
	return nil
}

// StartRollup starts the rollup loop
func (a *App) StartRollup() *rollup.Service {
	a.Rollup = rollup.New(rollup.Config{
		Hierarchy:    a.Registry,
		Aggregates:   a.Aggregates,
		Gauges:       a.Gauges,
		Synthetics:   a.Synthetics,
		AlertConfigs: a.AlertConfigs,
		Alerts:       a.Alerts,
		Heartbeats:   a.Heartbeats,
		Observer:     a.Passes,
		Logger:       a.logger,
	})
	return a.Rollup
}

// Router builds the HTTP routes
func (a *App) Router() *mux.Router {
	router := mux.NewRouter()
	SetupRoutes(router, a, a.cfg.Port)
	return router
}

// Run serves HTTP and runs the background tasks until ctx is done
func (a *App) Run(ctx context.Context) error {
	if err := a.SeedRegistry(ctx); err != nil {
		a.logger.Warn("failed to seed agent registry", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      a.Router(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	rollupService := a.StartRollup()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return RunBadgerGC(gctx, a.Storage, config.BadgerGCInterval, a.logger.Named("gc"))
	})
	g.Go(func() error {
		retention := &Retention{Storage: a.Storage, Config: a.cfg, Logger: a.logger.Named("retention")}
		return retention.Run(gctx, config.RetentionInterval)
	})
	g.Go(func() error {
		a.logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		var errs []error
		if err := rollupService.Close(); err != nil {
			errs = append(errs, err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// Close releases storage. Run must have returned.
func (a *App) Close() error {
	a.Limiter.Close()
	return a.Storage.Close()
}
