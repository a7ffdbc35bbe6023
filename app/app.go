// Package app assembles the dispatcher service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-dispatch/adapters/gocommand"
	"github.com/goliatone/go-dispatch/adapters/gologger"
	"github.com/goliatone/go-dispatch/capacity"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/dispatcher"
	"github.com/goliatone/go-dispatch/httpapi"
	"github.com/goliatone/go-dispatch/lease"
	"github.com/goliatone/go-dispatch/lease/redislease"
	"github.com/goliatone/go-dispatch/metrics"
	"github.com/goliatone/go-dispatch/notify"
	sqlstore "github.com/goliatone/go-dispatch/store/sql"
	"github.com/goliatone/go-dispatch/trigger"
	"github.com/goliatone/go-dispatch/webhooks"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type Option func(*buildOptions)

type buildOptions struct {
	provider core.LoggerProvider
	client   core.TriggerClient
}

// WithLoggerProvider replaces the zap provider built from the log config.
func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *buildOptions) {
		o.provider = provider
	}
}

// WithTriggerClient replaces the HTTP trigger client.
func WithTriggerClient(client core.TriggerClient) Option {
	return func(o *buildOptions) {
		o.client = client
	}
}

type App struct {
	cfg        core.Config
	logger     core.Logger
	recorder   *metrics.Recorder
	client     *persistence.Client
	redis      redis.UniversalClient
	dispatcher *dispatcher.Dispatcher
	leases     *lease.Manager
	bus        *gocommand.CompletionBus
	handler    http.Handler
	server     *httpapi.Server
	watchdog   *StorageWatchdog
	closers    []func() error
}

// Build wires every component. It fails when storage cannot be reached or the
// rule table is invalid.
func Build(ctx context.Context, cfg core.Config, opts ...Option) (*App, error) {
	options := buildOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider := options.provider
	if provider == nil {
		zapProvider, err := gologger.NewZapProvider(gologger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		if err != nil {
			return nil, err
		}
		provider = zapProvider
	}
	logger := func(name string) core.Logger { return core.ResolveLogger(name, provider, nil) }

	a := &App{cfg: cfg, logger: logger("dispatch.app"), recorder: metrics.NewRecorder()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	rules, err := core.NewRuleTable(cfg.Rules)
	if err != nil {
		return nil, err
	}

	a.client, err = OpenPersistence(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.client.Close)
	if cfg.Database.AutoMigrate {
		if err := a.client.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
	}

	factory, err := sqlstore.NewRepositoryFactory(a.client)
	if err != nil {
		return nil, err
	}
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = core.ParseDurationOr(cfg.Cache.TriggerTTL, time.Minute)
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("app: trigger cache: %w", err)
	}
	triggers, err := sqlstore.NewCachedTriggerStore(factory.TriggerStore(), cacheService)
	if err != nil {
		return nil, err
	}

	leaseStore, err := a.leaseStore(ctx, factory)
	if err != nil {
		return nil, err
	}
	leaseDefaults := lease.AcquireOptions{
		MaxRetries:     cfg.Lease.MaxRetries,
		InitialBackoff: core.ParseDurationOr(cfg.Lease.InitialBackoff, lease.DefaultInitialBackoff),
		MaxBackoff:     core.ParseDurationOr(cfg.Lease.MaxBackoff, lease.DefaultMaxBackoff),
		TTL:            core.ParseDurationOr(cfg.Lease.TTL, 2*time.Hour),
	}
	a.leases, err = lease.NewManager(leaseStore,
		lease.WithLogger(logger("dispatch.lease")),
		lease.WithMetricsRecorder(a.recorder),
		lease.WithDefaults(leaseDefaults),
	)
	if err != nil {
		return nil, err
	}

	ledger, err := capacity.NewLedger(rules.Capacities(),
		capacity.WithLogger(logger("dispatch.capacity")),
		capacity.WithMetricsRecorder(a.recorder),
	)
	if err != nil {
		return nil, err
	}

	triggerTimeout := core.ParseDurationOr(cfg.Dispatch.TriggerTimeout, dispatcher.DefaultTriggerTimeout)
	client := options.client
	if client == nil {
		client = trigger.NewClient(trigger.WithTimeout(triggerTimeout))
	}

	notifiers := []core.Notifier{notify.NewMetricsNotifier(a.recorder)}
	if url := strings.TrimSpace(cfg.Notify.ChatWebhookURL); url != "" {
		notifiers = append(notifiers, notify.NewChatNotifier(url, core.ParseDurationOr(cfg.Notify.ChatTimeout, 5*time.Second)))
	}
	exactlyOnce, err := notify.NewExactlyOnce(factory.NotificationStore(), notifiers,
		notify.WithLogger(logger("dispatch.notify")),
		notify.WithMetricsRecorder(a.recorder),
	)
	if err != nil {
		return nil, err
	}

	events := factory.EventStore()
	checks := []StorageCheck{{Name: "events", Ping: events.Ping}}
	if a.redis != nil {
		checks = append(checks, StorageCheck{Name: "redis", Ping: func(ctx context.Context) error {
			if err := a.redis.Ping(ctx).Err(); err != nil {
				return core.StorageUnavailable(err)
			}
			return nil
		}})
	}
	a.watchdog = NewStorageWatchdog(checks,
		core.ParseDurationOr(cfg.Database.HealthInterval, 10*time.Second),
		cfg.Database.MaxPingFailures,
		core.ParseDurationOr(cfg.Database.PingTimeout, 5*time.Second),
		logger("dispatch.storage"),
	)

	a.dispatcher, err = dispatcher.New(dispatcher.Dependencies{
		Rules:    rules,
		Events:   events,
		Triggers: triggers,
		Ledger:   ledger,
		Leases:   a.leases,
		Client:   client,
		Notifier: exactlyOnce,
	},
		dispatcher.WithLogger(logger("dispatch.dispatcher")),
		dispatcher.WithMetricsRecorder(a.recorder),
		dispatcher.WithSettings(dispatcher.Settings{
			Workers:          cfg.Dispatch.Workers,
			QueueSize:        cfg.Dispatch.QueueSize,
			MaxAdmitAttempts: cfg.Dispatch.MaxAdmitAttempts,
			Retry: dispatcher.ExponentialRetryPolicy{
				Initial: core.ParseDurationOr(cfg.Dispatch.RequeueInitial, 2*time.Second),
				Max:     core.ParseDurationOr(cfg.Dispatch.RequeueMax, time.Minute),
			},
			ScanInterval:    core.ParseDurationOr(cfg.Dispatch.ScanInterval, dispatcher.DefaultScanInterval),
			ScanBatch:       cfg.Dispatch.ScanBatch,
			TriggerTimeout:  triggerTimeout,
			Lease:           leaseDefaults,
			DedupeCacheSize: cfg.Completion.DedupeCacheSize,
			EarlyOutcomeTTL: core.ParseDurationOr(cfg.Completion.EarlyOutcomeTTL, dispatcher.DefaultEarlyOutcomeTTL),
		}),
	)
	if err != nil {
		return nil, err
	}

	gateway, err := webhooks.NewGateway(rules, events, a.dispatcher,
		webhooks.WithTemplate(webhooks.NewTemplateFromConfig(cfg.Webhook)),
		webhooks.WithLogger(logger("dispatch.webhooks")),
		webhooks.WithMetricsRecorder(a.recorder),
	)
	if err != nil {
		return nil, err
	}

	a.bus, err = gocommand.NewCompletionBus(nil, a.dispatcher.Listener())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	if mode := strings.TrimSpace(cfg.Server.Mode); mode != "" {
		gin.SetMode(mode)
	}
	a.handler, err = httpapi.NewRouter(httpapi.Dependencies{
		Webhooks:    gateway,
		Completions: a.bus,
		Events:      events,
		Capacity:    ledger,
		Leases:      a.leases,
		Metrics:     a.recorder.Handler(),
	},
		httpapi.WithLogger(logger("dispatch.http")),
		httpapi.WithMetricsRecorder(a.recorder),
		httpapi.WithCompletionToken(cfg.Completion.Token),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		httpapi.WithPingTimeout(core.ParseDurationOr(cfg.Database.PingTimeout, httpapi.DefaultPingTimeout)),
	)
	if err != nil {
		return nil, err
	}
	a.server = httpapi.NewServer(
		cfg.Server.Address,
		a.handler,
		core.ParseDurationOr(cfg.Server.ReadTimeout, 15*time.Second),
		core.ParseDurationOr(cfg.Server.ShutdownTimeout, 10*time.Second),
	)

	ok = true
	return a, nil
}

func (a *App) leaseStore(ctx context.Context, factory *sqlstore.RepositoryFactory) (core.LeaseStore, error) {
	switch strings.ToLower(strings.TrimSpace(a.cfg.Lease.Backend)) {
	case core.LeaseBackendMemory:
		return lease.NewMemoryStore(), nil
	case core.LeaseBackendRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Lease.RedisAddr,
			Password: a.cfg.Lease.RedisPassword,
			DB:       a.cfg.Lease.RedisDB,
		})
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, core.StorageUnavailable(fmt.Errorf("redis ping: %w", err))
		}
		return redislease.NewStore(a.redis, a.cfg.Lease.RedisPrefix)
	default:
		return factory.LeaseStore(), nil
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run restores in-flight state, then serves HTTP and runs the dispatch
// workers and lease reaper until ctx ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.dispatcher.Rehydrate(ctx); err != nil {
		return fmt.Errorf("app: rehydrate: %w", err)
	}
	a.logger.Info("dispatcher starting",
		"address", a.cfg.Server.Address,
		"lease_backend", a.cfg.Lease.Backend,
		"rules", len(a.cfg.Rules),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		return a.leases.RunReaper(groupCtx, core.ParseDurationOr(a.cfg.Lease.ReapInterval, time.Minute))
	})
	group.Go(func() error {
		return a.server.Run(groupCtx)
	})
	group.Go(func() error {
		return a.watchdog.Run(groupCtx)
	})
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
