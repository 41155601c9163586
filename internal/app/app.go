// Package app aggregates configuration and shared dependencies for the CLI
// commands and hosts their implementations.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"shelfwatch/internal/alerting"
	"shelfwatch/internal/anomaly"
	"shelfwatch/internal/cache"
	"shelfwatch/internal/config"
	"shelfwatch/internal/mart"
	"shelfwatch/internal/readpath"
	"shelfwatch/internal/scheduler"
	"shelfwatch/internal/service"
	"shelfwatch/internal/storage"
	"shelfwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// openCache dials redis when configured. A missing address is not an
// error: the read path degrades to loader-direct and batch invalidation
// becomes a no-op, which is correct for single-process setups.
func (a *App) openCache(ctx context.Context) (*cache.RedisStore, func(), error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil, nil
	}

	store := cache.NewRedisStore(a.Config.Redis, a.Logger)
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func (a *App) newPublisher(cacheStore *cache.RedisStore) alerting.Publisher {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return alerting.NopPublisher{}
	}

	var sinks []alerting.Publisher
	if cacheStore != nil {
		sinks = append(sinks, alerting.NewRedisPublisher(cacheStore.Client(), cfg.Channel, a.Logger))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, alerting.NewWebhookPublisher(cfg.WebhookURL, cfg.Timeout, a.Logger))
	}
	switch len(sinks) {
	case 0:
		a.Logger.Warn().Msg("alerting enabled but no sink available")
		return alerting.NopPublisher{}
	case 1:
		return sinks[0]
	default:
		return alerting.NewFanoutPublisher(sinks...)
	}
}

// buildService composes the engine, detector, and read coordinator over an
// open store. cacheStore and sched may be nil.
func (a *App) buildService(store *storage.Store, cacheStore *cache.RedisStore, sched *scheduler.Scheduler) *service.Service {
	engine := mart.New(store, store, store, mart.Options{
		Workers:      a.Config.Aggregation.Workers,
		LookbackDays: a.Config.Aggregation.LookbackDays,
	}, a.Logger)

	detector := anomaly.New(store, store, store, a.newPublisher(cacheStore), a.Config.Thresholds, a.Logger)

	var coordinator *readpath.Coordinator
	var invalidator cache.Invalidator
	if cacheStore != nil {
		coordinator = readpath.New(cacheStore, readpath.Options{
			LoaderTimeout:  a.Config.Cache.LoaderTimeout,
			RefreshTimeout: a.Config.Cache.RefreshTimeout,
		}, a.Logger)
		invalidator = cacheStore
	}

	return service.New(service.Deps{
		Facts:       store,
		MartReader:  store,
		MartWriter:  store,
		AlertStore:  store,
		Engine:      engine,
		Detector:    detector,
		Coordinator: coordinator,
		Invalidator: invalidator,
		Scheduler:   sched,
	}, a.Config.Cache, a.Logger)
}

// Run executes the long-running batch service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cacheStore, closeCache, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	if cacheStore == nil {
		a.Logger.Warn().Msg("redis.addr not configured; running without cache")
	} else {
		defer closeCache()
		go func() {
			if err := cacheStore.Subscribe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("invalidation subscriber stopped")
			}
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := a.buildService(store, cacheStore, sched)

	a.Logger.Info().Str("build", version.String()).Msg("starting batch service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("batch service stopped")
	return nil
}

// BatchOptions parameterise one-shot recompute/detect invocations.
type BatchOptions struct {
	Date  time.Time
	Scope []string
}

// Recompute runs one full batch cycle (recompute + detect) for a date.
func (a *App) Recompute(ctx context.Context, opts BatchOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cacheStore, closeCache, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	if closeCache != nil {
		defer closeCache()
	}

	svc := a.buildService(store, cacheStore, nil)
	summary, err := svc.RunBatch(ctx, opts.Date, opts.Scope)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Time("target_date", summary.TargetDate).
		Str("status", summary.Status).
		Int("delta_rows", summary.Recompute.Delta.Rows).
		Int("rollup_rows", summary.Recompute.Rollup.Rows).
		Int("comparison_rows", summary.Recompute.Comparison.Rows).
		Int("alerts_created", summary.Detection.Created).
		Msg("batch finished")

	if summary.Status == storage.BatchPartial {
		return fmt.Errorf("batch finished with %d entity failures", len(summary.Recompute.Failures))
	}
	return nil
}

// Detect runs anomaly detection alone against already-computed deltas.
func (a *App) Detect(ctx context.Context, opts BatchOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cacheStore, closeCache, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	if closeCache != nil {
		defer closeCache()
	}

	detector := anomaly.New(store, store, store, a.newPublisher(cacheStore), a.Config.Thresholds, a.Logger)
	result, err := detector.Detect(ctx, opts.Date, opts.Scope)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Time("target_date", result.TargetDate).
		Int("scanned", result.Scanned).
		Int("created", result.Created).
		Int("existing", result.Existing).
		Msg("detection finished")
	return nil
}
