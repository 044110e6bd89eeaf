package app

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dmitrymomot/subsync/internal/httpapi"
	"github.com/dmitrymomot/subsync/pkg/eventbus"
	"github.com/dmitrymomot/subsync/pkg/httpserver"
	"github.com/dmitrymomot/subsync/pkg/logger"
	"github.com/dmitrymomot/subsync/pkg/pg"
	"github.com/dmitrymomot/subsync/pkg/profile"
	"github.com/dmitrymomot/subsync/pkg/ratelimiter"
	"github.com/dmitrymomot/subsync/pkg/redis"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

const schedulerStopTimeout = 30 * time.Second

// ProfileStore is the profile persistence the service needs.
type ProfileStore interface {
	subscription.ProfileStore
	subscription.PaidUserLister
}

// App holds the wired subscription components.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Registry   *prometheus.Registry
	Catalog    *subscription.Catalog
	Cache      *subscription.Cache
	Usage      *subscription.UsageCounter
	Events     *subscription.EventBus
	Reconciler *subscription.Reconciler
	Recoverer  *subscription.Recoverer
	Gate       *subscription.Gate
	Scheduler  *subscription.ResyncScheduler // nil when RESYNC_SCHEDULE is empty
	Profiles   ProfileStore
	Provider   Provider

	handler http.Handler
	checks  []httpserver.Check
	closers []func()
}

// New connects the configured backends and builds every component.
// Call Close to release connections.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}

	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	var err error
	if a.Catalog, err = NewCatalog(cfg); err != nil {
		return nil, err
	}
	if a.Provider, err = NewProvider(cfg); err != nil {
		return nil, err
	}

	usageOpts := []subscription.UsageOption{subscription.WithUsageTTL(cfg.UsageTTL)}
	switch cfg.ProfileStore {
	case ProfileStorePostgres:
		pool, err := pg.Connect(ctx, cfg.PG)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.checks = append(a.checks, httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(pool)})
		a.Profiles = profile.NewPGStore(pool)

		for _, res := range subscription.Resources {
			fn, err := profile.Counter(pool, res)
			if err != nil {
				return nil, err
			}
			usageOpts = append(usageOpts, subscription.WithCounter(res, fn))
		}
	default:
		a.Profiles = profile.NewMemoryStore()
		log.WarnContext(ctx, "billing profiles are kept in memory; limited resources cannot be counted")
	}
	a.Usage = subscription.NewUsageCounter(usageOpts...)

	var limiterStore ratelimiter.Store
	cacheOpts := []subscription.CacheOption{
		subscription.WithCacheTTL(cfg.CacheTTL),
		subscription.WithCacheLogger(log),
	}
	if cfg.RedisEnabled {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.checks = append(a.checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(client)})

		storage := redis.NewStorage(client, cfg.Redis.KeyPrefix+"snapshot:", cfg.Redis.ScanBatchSize)
		cacheOpts = append(cacheOpts, subscription.WithSnapshotStore(subscription.NewRedisSnapshotStore(storage)))
		limiterStore = ratelimiter.NewRedisStore(client, cfg.Redis.KeyPrefix+"ratelimit:")
	}
	a.Cache = subscription.NewCache(cacheOpts...)

	a.Events = subscription.NewEventBus(eventbus.WithLogger(log))
	a.closers = append(a.closers, subscription.NewMetricsListener(a.Registry).Attach(a.Events))
	a.closers = append(a.closers, logEvents(a.Events, log))

	recOpts := []subscription.ReconcilerOption{
		subscription.WithLogger(log),
		subscription.WithEventBus(a.Events),
		subscription.WithRetry(cfg.SyncRetries, cfg.SyncRetryDelay),
		subscription.WithPortalReturnURL(cfg.PortalReturnURL),
	}
	if cfg.SyncCoalescing {
		recOpts = append(recOpts, subscription.WithSyncCoalescing())
	}
	a.Reconciler = subscription.NewReconciler(a.Catalog, a.Cache, a.Provider, a.Profiles, recOpts...)
	a.Recoverer = subscription.NewRecoverer(a.Reconciler, subscription.WithRecoveryScanLimit(cfg.RecoveryScanLimit))
	a.Gate = subscription.NewGate(a.Catalog, a.Cache, a.Usage, subscription.WithGateLogger(log))

	if cfg.ResyncSchedule != "" {
		a.Scheduler, err = subscription.NewResyncScheduler(a.Reconciler, a.Profiles, cfg.ResyncSchedule,
			subscription.WithSchedulerLogger(log),
			subscription.WithRunTimeout(cfg.ResyncTimeout),
		)
		if err != nil {
			return nil, err
		}
	}

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithUsageCounter(a.Usage),
		httpapi.WithRecoverer(a.Recoverer),
		httpapi.WithAdminToken(cfg.AdminToken),
		httpapi.WithWebhookParser(a.Provider.Name(), a.Provider),
		httpapi.WithHealthChecks(a.checks...),
		httpapi.WithMetrics(a.Registry, a.Registry),
	}
	if cfg.SyncRateLimit > 0 {
		if limiterStore == nil {
			mem := ratelimiter.NewMemoryStore()
			a.closers = append(a.closers, mem.Close)
			limiterStore = mem
		}
		limiter, err := ratelimiter.NewBucket(limiterStore, ratelimiter.Config{
			Capacity:       cfg.SyncRateLimit,
			RefillRate:     1,
			RefillInterval: cfg.SyncRateInterval / time.Duration(cfg.SyncRateLimit),
		})
		if err != nil {
			return nil, err
		}
		apiOpts = append(apiOpts, httpapi.WithSyncLimiter(limiter))
	}
	a.handler = httpapi.New(a.Reconciler, a.Gate, apiOpts...).Handler()

	built = true
	log.InfoContext(ctx, "subscription service configured",
		logger.Provider(a.Provider.Name()),
		slog.String("profile_store", cfg.ProfileStore),
		slog.Bool("redis", cfg.RedisEnabled),
		slog.Int("plans", len(a.Catalog.Plans())),
	)
	return a, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves the HTTP API and the resync schedule until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if a.Scheduler != nil {
		a.Scheduler.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), schedulerStopTimeout)
			defer cancel()
			if err := a.Scheduler.Stop(stopCtx); err != nil {
				a.Logger.ErrorContext(stopCtx, "resync scheduler did not stop cleanly", logger.Error(err))
			}
		}()
	}

	srv := httpserver.NewFromConfig(a.Config.HTTP, httpserver.WithLogger(a.Logger))
	return srv.Run(ctx, a.handler)
}

// Close detaches listeners and closes connections in reverse order.
func (a *App) Close() {
	for _, closeFn := range slices.Backward(a.closers) {
		closeFn()
	}
	a.closers = nil
}

// Migrate applies the profile schema migrations.
func Migrate(ctx context.Context, cfg Config, log *slog.Logger) error {
	if cfg.PG.ConnectionString == "" {
		return ErrPostgresRequired
	}
	if log == nil {
		log = logger.Discard()
	}
	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()

	return pg.Migrate(ctx, pool, profile.Migrations, profile.MigrationsDir, cfg.PG.MigrationsTable, log)
}

// NewLogger builds the service logger for cfg.
func NewLogger(cfg Config) *slog.Logger {
	opts := []logger.Option{
		logger.WithEnvironment(cfg.Env, "subsync"),
		logger.WithContextExtractors(httpapi.RequestIDExtractor()),
	}
	if level, err := cfg.level(); cfg.LogLevel != "" && err == nil {
		opts = append(opts, logger.WithLevel(level))
	}
	return logger.New(opts...)
}

func logEvents(bus *subscription.EventBus, log *slog.Logger) func() {
	unsubs := make([]func(), 0, len(subscription.EventKinds))
	for _, kind := range subscription.EventKinds {
		unsubs = append(unsubs, subscription.Subscribe(bus, kind, func(ctx context.Context, e subscription.Event) error {
			level := slog.LevelInfo
			if e.Kind == subscription.EventFailed || e.Kind == subscription.EventRecoveryFailed {
				level = slog.LevelWarn
			}
			log.LogAttrs(ctx, level, "subscription event",
				logger.EventKind(string(e.Kind)),
				logger.UserID(e.UserID),
				slog.Any("payload", e.Payload),
			)
			return nil
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

