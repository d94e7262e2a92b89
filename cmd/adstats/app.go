package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/adstats/internal/config"
	"github.com/radiusdt/adstats/internal/database"
	"github.com/radiusdt/adstats/internal/metrics"
	"github.com/radiusdt/adstats/internal/middleware"
	"github.com/radiusdt/adstats/internal/pipeline"
	"github.com/radiusdt/adstats/internal/provider"
	"github.com/radiusdt/adstats/internal/queue"
	"github.com/radiusdt/adstats/internal/resolver"
	"github.com/radiusdt/adstats/internal/stats"
	"github.com/radiusdt/adstats/internal/storage"
	"go.uber.org/zap"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	store    storage.Store
	redis    *database.RedisDB
	resolver *resolver.Resolver
	rollup   *stats.Rollup

	checks  map[string]func(context.Context) error
	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer),
		checks:  make(map[string]func(context.Context) error),
	}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	a.resolver = resolver.New(a.store)
	a.rollup = stats.NewRollup(a.store, logger)
	a.rollup.OnTenantFailure = func(string, error) { a.metrics.RollupFailures.Inc() }

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Storage.Backend == config.BackendMemory {
		a.logger.Warn("using in-memory storage, data is lost on exit")
		a.store = storage.NewInMemoryStore()
		return nil
	}

	db, err := database.NewPostgresDB(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, db.Close)
	a.checks["postgres"] = db.Health
	pg := storage.NewPostgresStore(db.Pool)

	if a.cfg.Storage.RawBackend != config.BackendClickHouse {
		a.store = pg
		return nil
	}

	ch, err := database.NewClickHouseDB(ctx, a.cfg.ClickHouse, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = ch.Close() })
	a.checks["clickhouse"] = ch.Health
	a.store = pg.WithRawStore(storage.NewClickHouseRawStore(ch.Conn))
	return nil
}

func (a *app) connectRedis(ctx context.Context) error {
	if a.redis != nil {
		return nil
	}
	rdb, err := database.NewRedisDB(ctx, a.cfg.Redis, a.logger)
	if err != nil {
		return err
	}
	a.redis = rdb
	a.checks["redis"] = rdb.Health
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return nil
}

func (a *app) queue(ctx context.Context) (*queue.Queue, error) {
	if err := a.connectRedis(ctx); err != nil {
		return nil, err
	}
	return queue.New(a.redis.Client, a.cfg.Queue, a.logger, a.metrics), nil
}

func (a *app) provider() (provider.Provider, error) {
	if a.cfg.Provider.Mode != config.ProviderLive {
		return provider.NewSimulator(), nil
	}

	key, err := a.cfg.Provider.Key()
	if err != nil {
		return nil, err
	}
	cipher, err := provider.NewCredentialCipher(key)
	if err != nil {
		return nil, err
	}
	return provider.NewLive(provider.LiveConfig{
		BaseURL:    a.cfg.Provider.BaseURL,
		APIVersion: a.cfg.Provider.APIVersion,
		Timeout:    a.cfg.Provider.Timeout,
		MaxPages:   a.cfg.Provider.MaxPages,
		PageSize:   a.cfg.Provider.PageSize,
		RPS:        a.cfg.Provider.RPS,
	}, cipher, a.store, a.logger, a.metrics), nil
}

func (a *app) processor() (*pipeline.Processor, error) {
	p, err := a.provider()
	if err != nil {
		return nil, err
	}
	a.logger.Info("stats provider ready", zap.String("provider", p.Name()))

	return pipeline.NewProcessor(pipeline.Dependencies{
		Resolver:   a.resolver,
		Provider:   p,
		Writer:     stats.NewWriter(a.store),
		Aggregator: stats.NewAggregator(a.store),
		Rollup:     a.rollup,
		Logger:     a.logger,
		Metrics:    a.metrics,
	}), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
