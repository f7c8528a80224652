// Package bootstrap assembles the application's components from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical-ai/convertx/internal/antivirus"
	"github.com/spherical-ai/convertx/internal/blob"
	"github.com/spherical-ai/convertx/internal/cache"
	"github.com/spherical-ai/convertx/internal/config"
	"github.com/spherical-ai/convertx/internal/engine"
	"github.com/spherical-ai/convertx/internal/events"
	"github.com/spherical-ai/convertx/internal/jobs"
	"github.com/spherical-ai/convertx/internal/observability"
	"github.com/spherical-ai/convertx/internal/runner"
	"github.com/spherical-ai/convertx/internal/storage"
)

// App holds the wired components shared by the server and the CLI.
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Store    *storage.Store
	Blobs    blob.Store
	Cache    cache.Client
	Broker   events.Broker
	// Redis is the connection shared by the cache and the broker; nil when
	// neither uses Redis.
	Redis     redis.UniversalClient
	Registry  *engine.Registry
	Service   *jobs.Service
	Janitor   *jobs.Janitor
	Antivirus *antivirus.Scanner
}

// NewRegistry builds the engine registry from the conversion settings.
func NewRegistry(cfg config.ConversionConfig) (*engine.Registry, error) {
	retry := runner.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	if cfg.RetryBackoff > 0 {
		retry.InitialBackoff = cfg.RetryBackoff
	}
	r := runner.New(runner.Options{Timeout: cfg.Timeout, Retry: retry})
	return engine.DefaultRegistry(r, cfg.TranslateService, cfg.DisabledEngines...)
}

// New connects every backend named by cfg. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (app *App, err error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.Observability.LogLevel,
			Format:      cfg.Observability.LogFormat,
			ServiceName: cfg.Observability.ServiceName,
		})
	}

	app = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.closeBackends()
			app = nil
		}
	}()

	if app.Store, err = storage.Open(ctx, cfg.Database); err != nil {
		return app, fmt.Errorf("open database: %w", err)
	}
	logger.Info().Str("driver", app.Store.Driver).Msg("Database ready")

	if app.Blobs, err = blob.New(ctx, cfg.Storage); err != nil {
		return app, fmt.Errorf("open storage: %w", err)
	}

	if cfg.UsesRedis() {
		if app.Redis, err = ConnectRedis(ctx, cfg.Cache.Redis); err != nil {
			return app, err
		}
	}

	if app.Cache, err = cache.New(cfg.Cache, app.Redis); err != nil {
		return app, fmt.Errorf("open cache: %w", err)
	}

	if cfg.Events.Driver == "redis" {
		app.Broker = events.NewRedisBroker(app.Redis, cfg.Events.BufferSize)
	} else {
		app.Broker = events.NewMemoryBroker(cfg.Events.BufferSize)
	}

	if app.Registry, err = NewRegistry(cfg.Conversion); err != nil {
		return app, fmt.Errorf("register engines: %w", err)
	}

	app.Antivirus = antivirus.New(cfg.Antivirus)
	if !app.Antivirus.Available() && cfg.Antivirus.EnabledDefault {
		logger.Info().Msg("CLAMAV_URL is not set, upload scanning is unavailable")
	}

	app.Service = jobs.NewService(jobs.Deps{
		Jobs:       app.Store.Jobs,
		Files:      app.Store.Files,
		Blobs:      app.Blobs,
		Registry:   app.Registry,
		Cache:      app.Cache,
		Broker:     app.Broker,
		Dispatcher: jobs.NewDispatcher(cfg.Conversion.MaxConcurrent, cfg.Conversion.QueueSize),
		Scanner:    app.Antivirus,
		Logger:     logger,
	}, jobs.Options{
		MaxUploadSize: cfg.Conversion.MaxUploadSize,
		Timeout:       cfg.Conversion.Timeout,
		WorkDir:       cfg.Conversion.WorkDir,
		CacheTTL:      cfg.Cache.TTL,
	})
	app.Janitor = jobs.NewJanitor(app.Service, cfg.Conversion.AutoDeleteAfter, cfg.Conversion.CleanupInterval)

	logger.Info().
		Str("storage", cfg.Storage.Type).
		Str("cache", cfg.Cache.Driver).
		Str("events", cfg.Events.Driver).
		Bool("antivirus", app.Antivirus.Enabled()).
		Int("engines", len(app.Registry.List())).
		Msg("Application initialized")
	return app, nil
}

// ConnectRedis opens the Redis connection described by cfg and checks it
// with a ping.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// Close drains running conversions and closes every backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Service != nil {
		if err := a.Service.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown jobs: %w", err))
		}
	}
	errs = append(errs, a.closeBackends())
	return errors.Join(errs...)
}

func (a *App) closeBackends() error {
	var errs []error
	if a.Broker != nil {
		errs = append(errs, a.Broker.Close())
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
