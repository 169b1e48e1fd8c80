// Package server builds the channelscan service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/api"
	"github.com/JakeFAU/channelscan/internal/archive"
	"github.com/JakeFAU/channelscan/internal/clock/system"
	"github.com/JakeFAU/channelscan/internal/config"
	"github.com/JakeFAU/channelscan/internal/coordinator"
	"github.com/JakeFAU/channelscan/internal/handoff"
	"github.com/JakeFAU/channelscan/internal/hash/sha256"
	"github.com/JakeFAU/channelscan/internal/id/uuid"
	"github.com/JakeFAU/channelscan/internal/logging"
	"github.com/JakeFAU/channelscan/internal/metrics"
	"github.com/JakeFAU/channelscan/internal/posture"
	"github.com/JakeFAU/channelscan/internal/progress"
	progresssinks "github.com/JakeFAU/channelscan/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/channelscan/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/channelscan/internal/publisher/pubsub"
	"github.com/JakeFAU/channelscan/internal/registry"
	"github.com/JakeFAU/channelscan/internal/scan"
	gcsstorage "github.com/JakeFAU/channelscan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/channelscan/internal/storage/local"
	memorystorage "github.com/JakeFAU/channelscan/internal/storage/memory"
	pgstore "github.com/JakeFAU/channelscan/internal/storage/postgres"
	"github.com/JakeFAU/channelscan/internal/tracker"
	"github.com/JakeFAU/channelscan/internal/watchdog"
)

type publisher interface {
	scan.Publisher
	Close()
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       scan.Store
	pinger      func(context.Context) error
	progressHub *progress.Hub
	coordinator *coordinator.Coordinator
	watchdog    *watchdog.Watchdog
	archiver    *archive.Archiver
	apiServer   *api.Server

	publisher    publisher
	pubsubClient *pubsub.Client
	storage      *storage.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			if app.coordinator != nil {
				_ = app.coordinator.Close(ctx)
			}
			app.closeInfrastructure(ctx)
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("handoff", cfg.Handoff.Provider),
		zap.String("archive", cfg.Archive.Provider),
	)
	metrics.Init()

	if err := setupStore(ctx, app); err != nil {
		return nil, err
	}
	if err := setupProgress(app, reg); err != nil {
		return nil, err
	}
	crawler, err := setupHandoff(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	channels := registry.New(clock)
	core, err := coordinator.New(coordinator.Deps{
		Registry: channels,
		Tracker:  tracker.New(channels, clock, uuid.New(), logger.Named("tracker")),
		Posture:  posture.New(logger.Named("posture")),
		Crawler:  crawler,
		Events:   app.progressHub,
		Clock:    clock,
		Logger:   logger.Named("coordinator"),
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}
	app.coordinator = core

	if app.store != nil {
		if err := app.coordinator.Restore(ctx, app.store); err != nil {
			return nil, fmt.Errorf("warm start failed: %w", err)
		}
	}

	if err := setupArchive(ctx, app); err != nil {
		return nil, err
	}
	if err := setupWatchdog(app, clock); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(app.coordinator, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Ready:       app.ready,
	}, logger.Named("api"))

	ok = true
	return app, nil
}

func setupStore(ctx context.Context, app *App) error {
	switch app.cfg.Storage.Provider {
	case "postgres":
		app.logger.Info("using postgres store")
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:           app.cfg.Storage.DSN,
			ChannelsTable: app.cfg.Storage.ChannelsTable,
			JobLogTable:   app.cfg.Storage.JobLogTable,
			MaxConns:      int32(app.cfg.Storage.MaxConns), //nolint:gosec // validated config value
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		app.store = store
		app.pinger = store.Ping
	case "memory":
		app.logger.Info("using in-memory store")
		app.store = memorystorage.NewStore()
	default:
		app.logger.Info("persistence disabled")
	}
	return nil
}

func setupProgress(app *App, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinks := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress")),
		promSink,
	}
	if app.store != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(app.store, app.logger.Named("progress")))
	}
	app.progressHub = progress.NewHub(progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.ProgressWait(),
		Logger:         app.logger.Named("hub"),
	}, sinks...)
	return nil
}

func setupHandoff(ctx context.Context, app *App) (*handoff.Crawler, error) {
	switch app.cfg.Handoff.Provider {
	case "pubsub":
		app.logger.Info("using pubsub hand-off", zap.String("topic", app.cfg.Handoff.Topic))
		client, err := pubsub.NewClient(ctx, app.cfg.Handoff.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		app.publisher = gcppublisher.New(client.Topic(app.cfg.Handoff.Topic))
	default:
		app.logger.Info("using in-memory hand-off")
		app.publisher = memorypublisher.New()
	}
	crawler, err := handoff.New(app.publisher, app.cfg.Handoff.Topic,
		handoff.WithCallbackURL(app.cfg.Handoff.CallbackURL),
		handoff.WithLogger(app.logger.Named("handoff")),
	)
	if err != nil {
		return nil, fmt.Errorf("hand-off init failed: %w", err)
	}
	return crawler, nil
}

func setupArchive(ctx context.Context, app *App) error {
	var blobs scan.BlobStore
	switch app.cfg.Archive.Provider {
	case "gcs":
		app.logger.Info("using GCS archive", zap.String("bucket", app.cfg.Archive.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		app.logger.Info("using local archive", zap.String("dir", app.cfg.Archive.LocalDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = store
	case "memory":
		app.logger.Info("using in-memory archive")
		blobs = memorystorage.NewBlobStore()
	default:
		app.logger.Info("snapshot archiving disabled")
		return nil
	}
	archiver, err := archive.New(app.coordinator, blobs, sha256.New(), app.cfg.Archive.Prefix, app.logger.Named("archive"))
	if err != nil {
		return fmt.Errorf("archiver init failed: %w", err)
	}
	app.archiver = archiver
	return nil
}

func setupWatchdog(app *App, clock scan.Clock) error {
	if !app.cfg.Watchdog.Enabled && app.archiver == nil {
		return nil
	}
	stallAfter := app.cfg.StallAfter()
	if stallAfter <= 0 {
		stallAfter = 30 * time.Minute
	}
	w, err := watchdog.New(app.coordinator, clock, stallAfter, app.logger.Named("watchdog"))
	if err != nil {
		return fmt.Errorf("watchdog init failed: %w", err)
	}
	if app.cfg.Watchdog.Enabled {
		if err := w.ScheduleSweep(app.cfg.Watchdog.Schedule); err != nil {
			return err
		}
	}
	if app.archiver != nil {
		err := w.Schedule("archive", app.cfg.Archive.Schedule, func(ctx context.Context) error {
			_, err := app.archiver.Run(ctx)
			return err
		})
		if err != nil {
			return err
		}
	}
	app.watchdog = w
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pinger == nil {
		return nil
	}
	return a.pinger(ctx)
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Coordinator returns the scan core.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.watchdog != nil {
		a.watchdog.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops background work, takes a final snapshot when archiving is
// enabled and releases every client.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.watchdog != nil {
		if err := a.watchdog.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("watchdog stop: %w", err))
		}
	}
	if a.archiver != nil {
		if _, err := a.archiver.Run(ctx); err != nil {
			a.logger.Warn("final snapshot failed", zap.Error(err))
		}
	}
	if a.coordinator != nil {
		if err := a.coordinator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("coordinator close: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
		// The store sink closed the store.
		a.store = nil
	}
	if a.publisher != nil {
		a.publisher.Close()
		a.publisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

func (a *App) closeObservability() {
	//nolint:errcheck // Sync fails on stdout/stderr on some platforms.
	_ = a.logger.Sync()
}
