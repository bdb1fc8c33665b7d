package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/controlplane/admin"
	"github.com/GoCodeAlone/controlplane/api"
	"github.com/GoCodeAlone/controlplane/audit"
	"github.com/GoCodeAlone/controlplane/auth"
	"github.com/GoCodeAlone/controlplane/billing"
	"github.com/GoCodeAlone/controlplane/config"
	"github.com/GoCodeAlone/controlplane/entitlement"
	"github.com/GoCodeAlone/controlplane/metrics"
	"github.com/GoCodeAlone/controlplane/observability/tracing"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/tenant"
)

// EventCleaner purges expired billing event records from SQL backends.
type EventCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// App is the assembled control plane.
type App struct {
	Handler http.Handler
	Partner *billing.PartnerConsumer
	Cleaner EventCleaner

	closers []func() error
	logger  *slog.Logger
}

// Close releases every resource acquired by build, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// build wires the control plane from cfg. On error, anything already opened
// is closed.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	app := &App{logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	// --- Tracing ---
	if cfg.Tracing.Enabled {
		tp, err := tracing.NewProvider(ctx, tracing.Config{
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			Environment:    cfg.Tracing.Environment,
			InstanceID:     cfg.Tracing.InstanceID,
			StoreBackend:   cfg.Store.Backend,
			QuotaBackend:   orDefault(cfg.Store.Quota, cfg.Store.Backend),
			CacheBackend:   cfg.Cache.Backend,
		})
		if err != nil {
			return nil, err
		}
		app.onClose(func() error { return tp.Shutdown(context.Background()) })
		cfg.AWS.HTTPClient = tracing.HTTPClient(tp.TracerProvider())
	}

	// --- Stores ---
	var records store.Store
	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		client, err := cfg.DynamoDBClient(ctx)
		if err != nil {
			return nil, err
		}
		records = store.NewDynamoStore(client, cfg.Store.DynamoDB.Table)
	default:
		mem := store.NewMemoryStore()
		records = mem
		app.Cleaner = mem
	}
	composite := store.Composite{
		PrincipalStore:    records,
		SubscriptionStore: records,
		QuotaStore:        records,
		EventStore:        records,
	}

	var rdb *redis.Client
	if cfg.Store.Quota == config.BackendRedis || cfg.Cache.Backend == config.BackendRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.onClose(rdb.Close)
	}
	if cfg.Store.Quota == config.BackendRedis {
		composite.QuotaStore = store.NewRedisQuotaStore(rdb, cfg.Redis.Prefix)
	}

	switch cfg.Store.Events {
	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		app.onClose(db.Close)
		events, err := store.NewSQLiteEventStore(db)
		if err != nil {
			return nil, err
		}
		composite.EventStore = events
		app.Cleaner = events
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		app.onClose(func() error { pool.Close(); return nil })
		events, err := store.NewPGEventStore(ctx, pool)
		if err != nil {
			return nil, err
		}
		composite.EventStore = events
		app.Cleaner = events
	}

	// --- Observability ---
	collector := metrics.New(metrics.DefaultConfig())
	auditor := audit.NewLogger(os.Stdout)

	// --- Entitlements and quotas ---
	var cache entitlement.Cache
	switch cfg.Cache.Backend {
	case config.BackendLocal:
		local := entitlement.NewLocalCache(entitlement.LocalCacheConfig{MaxSize: cfg.Cache.Size, TTL: cfg.Cache.TTL})
		collector.RegisterCache(local.Stats)
		cache = local
	case config.BackendRedis:
		cache = entitlement.NewRedisCache(rdb, cfg.Redis.Prefix, cfg.Cache.TTL, logger)
	}
	ents := entitlement.NewService(composite, composite, cache, logger)
	ledger := tenant.NewLedger(composite, ents, logger)

	// --- Billing ---
	prices, err := cfg.Billing.PriceMap()
	if err != nil {
		return nil, err
	}
	verifiers := map[billing.Channel]billing.Verifier{}
	if cfg.Billing.WebhookSecret != "" {
		verifiers[billing.ChannelWebhook] = billing.NewStripeVerifier(cfg.Billing.WebhookSecret)
	}
	if cfg.Billing.Partner.QueueURL != "" {
		verifiers[billing.ChannelPartner] = billing.NewPartnerVerifier(cfg.Billing.Partner.SourcePrefix, cfg.Billing.Partner.Account)
	}
	normalizer := billing.NewNormalizer(composite, verifiers, logger)
	normalizer.SetRetention(cfg.Billing.EventRetention)
	propagator := billing.NewPropagator(ledger, composite, ents, logger)
	machine := billing.NewStateMachine(composite, prices, propagator, logger)
	pipelineOpts := []billing.PipelineOption{billing.WithRecorder(collector), billing.WithAuditLog(auditor)}
	if cfg.Tracing.Enabled {
		pipelineOpts = append(pipelineOpts, billing.WithTracer(tracing.NewEventTracer(nil)))
	}
	pipeline := billing.NewPipeline(normalizer, machine, logger, pipelineOpts...)

	var webhook http.Handler
	if cfg.Billing.WebhookSecret != "" {
		webhook = billing.NewHandler(pipeline, collector)
	} else {
		logger.Warn("billing.webhook_secret not set, webhook channel disabled")
	}
	if cfg.Billing.Partner.QueueURL != "" {
		sqsClient, err := cfg.SQSClient(ctx)
		if err != nil {
			return nil, err
		}
		app.Partner = billing.NewPartnerConsumer(sqsClient, pipeline, billing.PartnerConfig{
			QueueURL:  cfg.Billing.Partner.QueueURL,
			WaitTime:  cfg.Billing.Partner.WaitTime,
			BatchSize: cfg.Billing.Partner.BatchSize,
		}, logger)
	}
	enforcer := billing.NewEnforcer(ents, ledger, collector, logger)

	// --- HTTP ---
	tokens := auth.NewTokens([]byte(cfg.Server.JWTSecret), cfg.Server.JWTIssuer, 0)
	adminSvc := admin.NewService(ents, composite, composite, ledger, auditor, logger)
	router := api.NewRouter(api.Deps{
		Auth:         auth.NewMiddleware(tokens, ents, auditor, logger),
		Entitlements: ents,
		Quotas:       ledger,
		Checker:      enforcer,
		Webhook:      webhook,
		Admin:        admin.NewHandler(adminSvc, auth.PrincipalID, logger),
		Metrics:      collector,
		MetricsPath:  collector.Path(),
		Health:       healthCheck(rdb),
		Logger:       logger,
	}, api.Config{
		AdminRateLimit:   cfg.Server.AdminRateLimit,
		WebhookRateLimit: cfg.Server.WebhookRateLimit,
	})
	app.onClose(func() error { router.Stop(); return nil })

	var handler http.Handler = router
	if cfg.Tracing.Enabled {
		handler = tracing.NewServerSpans(nil, "/healthz", collector.Path()).Wrap(handler)
	}
	app.Handler = handler

	logger.Info("control plane assembled",
		"store", cfg.Store.Backend,
		"quota_store", orDefault(cfg.Store.Quota, cfg.Store.Backend),
		"event_store", orDefault(cfg.Store.Events, cfg.Store.Backend),
		"cache", cfg.Cache.Backend,
		"webhook", webhook != nil,
		"partner", app.Partner != nil,
		"tracing", cfg.Tracing.Enabled,
	)
	return app, nil
}

// healthCheck pings Redis when it backs the ledger or the cache.
func healthCheck(rdb *redis.Client) func(context.Context) error {
	if rdb == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Join(store.ErrUnavailable, err)
		}
		return nil
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
