// Package server provides the governor process: dependency wiring, the
// poll hooks, the ops HTTP endpoint and orderly shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-governor/internal/config"
	"github.com/JakeFAU/crawl-governor/internal/coord"
	gcsstore "github.com/JakeFAU/crawl-governor/internal/coord/gcs"
	memorystore "github.com/JakeFAU/crawl-governor/internal/coord/memory"
	pgstore "github.com/JakeFAU/crawl-governor/internal/coord/postgres"
	redisstore "github.com/JakeFAU/crawl-governor/internal/coord/redis"
	"github.com/JakeFAU/crawl-governor/internal/id/uuid"
	"github.com/JakeFAU/crawl-governor/internal/lockmgr"
	"github.com/JakeFAU/crawl-governor/internal/logging"
	"github.com/JakeFAU/crawl-governor/internal/poller"
	"github.com/JakeFAU/crawl-governor/internal/telemetry"
	"github.com/JakeFAU/crawl-governor/internal/throttle"
)

// App contains the process's governance services.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	processID string

	store    coord.Store
	locks    *lockmgr.Manager
	registry *throttle.Registry
	poller   *poller.Poller

	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
	closeErr       error
}

// Build creates the application's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	processID, err := uuid.NewUUIDGenerator().ProcessID(cfg.Throttle.ProcessName)
	if err != nil {
		return nil, fmt.Errorf("process id: %w", err)
	}
	app = &App{
		cfg:       cfg,
		logger:    logger.With(zap.String("process", processID)),
		processID: processID,
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	app.logger.Info("building governor",
		zap.String("backend", cfg.Coordination.Backend),
		zap.Int("ops_port", cfg.Server.Port),
	)

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, processID)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if app.store, err = openStore(ctx, cfg.Coordination, app.logger); err != nil {
		return nil, err
	}

	app.locks, err = lockmgr.New(ctx, app.store, lockmgr.Options{
		OwnerID:    processID,
		StaleAfter: cfg.Locks.StaleAfter,
		RetryMin:   cfg.Locks.RetryMin,
		RetryMax:   cfg.Locks.RetryMax,
		Logger:     app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("lock manager init failed: %w", err)
	}

	app.registry, err = throttle.New(app.store, app.locks, throttle.Options{
		ProcessID:         processID,
		PollInterval:      cfg.Throttle.PollInterval,
		ActivityWindow:    cfg.Throttle.ActivityWindow(),
		FlagCheckInterval: cfg.Throttle.FlagCheckInterval,
		Logger:            app.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("throttle registry init failed: %w", err)
	}

	if err = seedGroups(ctx, app.registry, cfg.Throttle.SeedFile, app.logger); err != nil {
		return nil, err
	}

	app.poller, err = poller.New(app.logger, app.pollTasks()...)
	if err != nil {
		return nil, fmt.Errorf("poller init failed: %w", err)
	}
	return app, nil
}

func openStore(ctx context.Context, cfg config.CoordinationConfig, logger *zap.Logger) (coord.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if cfg.Postgres.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		logger.Info("using postgres coordination store", zap.String("table", cfg.Postgres.Table))
		return store, nil
	case config.BackendRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("redis store init failed: %w", err)
		}
		logger.Info("using redis coordination store", zap.String("addr", cfg.Redis.Addr))
		return store, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstore.New(client, gcsstore.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs store init failed: %w", err)
		}
		logger.Info("using GCS coordination store", zap.String("bucket", cfg.GCS.Bucket))
		return store, nil
	default:
		logger.Warn("using in-memory coordination store; locks and throttles are not shared with other processes")
		return memorystore.New(), nil
	}
}

func seedGroups(ctx context.Context, reg *throttle.Registry, path string, logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	defs, err := throttle.LoadGroupsYAML(f)
	if err != nil {
		return fmt.Errorf("seed file %s: %w", path, err)
	}
	if err := reg.ApplyGroups(ctx, defs); err != nil {
		return err
	}
	logger.Info("seeded throttle groups", zap.String("file", path), zap.Int("groups", len(defs)))
	return nil
}

func (a *App) pollTasks() []poller.Task {
	t := a.cfg.Throttle
	return []poller.Task{
		{Name: "throttle-poll", Interval: t.PollInterval, Run: a.pollTypes},
		{Name: "throttle-poll-all", Interval: t.GlobalPollInterval, Run: a.registry.PollAll},
		{Name: "lock-heartbeat", Interval: a.cfg.Locks.HeartbeatInterval, Run: a.locks.Heartbeat},
		{Name: "free-unused", Interval: t.CleanupInterval, Run: a.registry.FreeUnusedResources},
	}
}

// pollTypes runs the per-type poll hook for every type this process uses.
func (a *App) pollTypes(ctx context.Context) error {
	var errs []error
	for _, typ := range a.registry.ActiveTypes() {
		if err := a.registry.Poll(ctx, typ); err != nil {
			errs = append(errs, fmt.Errorf("poll %s: %w", typ, err))
		}
	}
	return errors.Join(errs...)
}

// ProcessID is the identifier used in lock and demand records.
func (a *App) ProcessID() string { return a.processID }

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Locks returns the named lock service.
func (a *App) Locks() *lockmgr.Manager { return a.locks }

// Registry returns the throttle registry.
func (a *App) Registry() *throttle.Registry { return a.registry }

// Run starts the poll hooks and the ops server, then blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	polling := make(chan struct{})
	go func() {
		defer close(polling)
		a.logger.Info("poll hooks started")
		a.poller.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		a.logger.Info("ops server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("ops server shutdown error", zap.Error(err))
	}
	<-polling
	return a.Close(shutdownCtx)
}

// Close destroys the throttle registry, releases held locks and closes the
// store. Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.registry != nil {
			if err := a.registry.Destroy(ctx); err != nil {
				errs = append(errs, fmt.Errorf("destroy throttle registry: %w", err))
			}
		}
		if a.locks != nil {
			if err := a.locks.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close lock manager: %w", err))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close coordination store: %w", err))
			}
		}
		if a.tracerShutdown != nil {
			if err := a.tracerShutdown(ctx); err != nil {
				a.logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}
		a.closeErr = errors.Join(errs...)
		if a.closeErr != nil {
			a.logger.Warn("shutdown finished with errors", zap.Error(a.closeErr))
		} else {
			a.logger.Info("shutdown complete")
		}
		_ = a.logger.Sync()
	})
	return a.closeErr
}
