// Package app provides application initialization and wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jobrunner/canopy/internal/adapters/metrics"
	"github.com/jobrunner/canopy/internal/adapters/ops"
	"github.com/jobrunner/canopy/internal/adapters/origin"
	"github.com/jobrunner/canopy/internal/adapters/orion"
	"github.com/jobrunner/canopy/internal/adapters/pdal"
	"github.com/jobrunner/canopy/internal/adapters/spatialite"
	"github.com/jobrunner/canopy/internal/adapters/storage"
	"github.com/jobrunner/canopy/internal/adapters/tiler"
	"github.com/jobrunner/canopy/internal/adapters/watcher"
	"github.com/jobrunner/canopy/internal/application"
	"github.com/jobrunner/canopy/internal/config"
	"github.com/jobrunner/canopy/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *spatialite.DB
	Storage   output.ObjectStorage
	Jobs      output.JobStore
	Coverage  *application.CoverageService
	Cache     *application.TileCacheService
	Seeder    *application.SeedService
	Pipeline  *application.Pipeline
	Tracker   *application.Tracker
	Worker    *application.Worker
	Health    *application.HealthService
	OpsServer *ops.Server
	Watcher   *watcher.Watcher
	Metrics   *metrics.Collector
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize metrics
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("canopy")
	}

	var metricsCollector output.MetricsCollector
	if app.Metrics != nil {
		metricsCollector = app.Metrics
	} else {
		metricsCollector = &output.NoOpMetrics{}
	}

	// Initialize the shared state database
	db, err := spatialite.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing state database: %w", err)
	}
	app.DB = db

	// Initialize storage adapter
	store, err := initStorage(ctx, cfg.Storage)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	app.Storage = store

	// Persistence adapters share the database handle
	coverageRepo := spatialite.NewCoverageRepository(db, cfg.Seeder.BatchSize)
	ledger := spatialite.NewCacheLedger(db)
	app.Jobs = spatialite.NewJobStore(db)

	// External tool and service adapters
	fetcher := origin.NewHTTPFetcher(cfg.Cache.OriginTimeout, logger)
	engine := pdal.NewEngine(cfg.Pipeline.PDALPath, logger)
	converter := tiler.New(cfg.Pipeline.TilerPath, logger)

	var entities output.EntityPublisher
	if cfg.Entities.Enabled {
		entities = orion.New(
			cfg.Entities.BrokerURL,
			cfg.Entities.MaxTrees,
			cfg.Entities.Timeout,
			logger,
		)
	}

	// Application services
	app.Coverage = application.NewCoverageService(coverageRepo, metricsCollector, logger)
	app.Seeder = application.NewSeedService(coverageRepo, metricsCollector, logger)
	app.Cache = application.NewTileCacheService(
		ledger,
		store,
		fetcher,
		metricsCollector,
		logger,
		cfg.Cache.Prefix,
	)

	app.Pipeline = application.NewPipeline(
		app.Jobs,
		app.Coverage,
		app.Cache,
		engine,
		converter,
		store,
		fetcher,
		entities,
		metricsCollector,
		logger,
		application.PipelineConfig{
			WorkRoot:      cfg.Pipeline.WorkRoot,
			CHMResolution: cfg.Pipeline.CHMResolution,
			TilesetPrefix: cfg.Pipeline.TilesetPrefix,
		},
	)

	app.Tracker = application.NewTracker(metricsCollector)
	app.Worker = application.NewWorker(
		app.Jobs,
		app.Pipeline,
		app.Tracker,
		metricsCollector,
		logger,
		application.WorkerConfig{
			Count:           cfg.Worker.Count,
			PollInterval:    cfg.Worker.PollInterval,
			JobTimeout:      cfg.Worker.JobTimeout,
			ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		},
	)

	app.Health = application.NewHealthService(db, app.Tracker)

	// Initialize ops HTTP server
	app.OpsServer = ops.NewServer(
		cfg.Server,
		cfg.Metrics,
		app.Health,
		app.Cache,
		app.Metrics,
		logger,
	)

	// Initialize seed-drop watcher
	if len(cfg.Seeder.WatchDirs) > 0 {
		w, err := watcher.New(
			watcher.Config{
				Paths: cfg.Seeder.WatchDirs,
			},
			app.handleSeedDrop,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize seed watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Start starts all application components and blocks serving the ops surface.
func (a *App) Start(ctx context.Context) error {
	// Start seed-drop watcher
	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start seed watcher", "error", err)
		}
	}

	// Workers outlive the signal context so Stop can drain in-flight jobs
	// instead of killing them mid-phase.
	a.Worker.Start(context.WithoutCancel(ctx))

	// Serve the ops surface
	return a.OpsServer.Start()
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	// Stop watcher
	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	// Drain workers
	if err := a.Worker.Stop(); err != nil {
		a.Logger.Error("worker shutdown error", "error", err)
	}

	// Shutdown ops server
	if err := a.OpsServer.Shutdown(ctx); err != nil {
		a.Logger.Error("ops server shutdown error", "error", err)
	}

	// Close the state database
	if err := a.DB.Close(); err != nil {
		a.Logger.Error("database close error", "error", err)
	}

	return nil
}

// handleSeedDrop seeds coverage from files dropped into watched directories.
func (a *App) handleSeedDrop(ctx context.Context, event watcher.Event) error {
	switch event.Operation {
	case watcher.OpCreate, watcher.OpModify:
		count, err := a.Seeder.SeedFile(ctx, event.Path, "", false)
		if err != nil {
			return err
		}
		a.Logger.Info("seed drop processed", "path", event.Path, "records", count)

	case watcher.OpDelete:
		// Removing a drop file does not unseed its records.
	}

	return nil
}

// initStorage initializes the appropriate storage adapter.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.LocalPath, cfg.PublicURL), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PublicURL:       cfg.PublicURL,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
			PublicURL:        cfg.PublicURL,
		})

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
