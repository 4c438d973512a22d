package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/warp/unit-ledger/audit"
	"github.com/warp/unit-ledger/billing"
	"github.com/warp/unit-ledger/cache"
	"github.com/warp/unit-ledger/config"
	"github.com/warp/unit-ledger/factory"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/generic/store"
	"github.com/warp/unit-ledger/lock"
	"github.com/warp/unit-ledger/observability"
	"github.com/warp/unit-ledger/store/postgres"
	"github.com/warp/unit-ledger/store/sqlite"
	"go.uber.org/zap"
)

// app is the wired service graph shared by every command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	service *billing.Service
	metrics *observability.Metrics
	clock   generic.Clock

	// sqlite is set when STORE_DRIVER=sqlite; it also holds the audit log.
	sqlite *sqlite.Store

	closers []func(context.Context) error
}

// buildApp opens the store, optional redis, audit sinks and the service.
func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: observability.NewMetrics(),
		clock:   generic.SystemClock{},
	}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	clientCfg, err := loadClientConfig(cfg)
	if err != nil {
		return nil, err
	}

	var (
		docs   generic.DocumentStore
		writer audit.Writer
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		docs = store.NewMemory()
	case config.DriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.sqlite = s
		docs, writer = s, s
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		docs, writer = s, s
		a.closers = append(a.closers, func(context.Context) error { s.Close(); return nil })
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	var (
		locker generic.Locker
		stmts  billing.StatementCache
	)
	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		locker = lock.NewRedisLocker(client, cfg.LockTTL)
		stmts = cache.NewStatementCache(client, cfg.CacheTTL)
		log.Info("redis lock and statement cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	sinks := audit.Multi{audit.NewLogSink(log)}
	if writer != nil {
		async := audit.NewAsyncSink(writer, log, cfg.AuditBuffer)
		sinks = append(sinks, async)
		a.metrics.WatchAuditDrops(async.Dropped)
		a.closers = append(a.closers, async.Close)
	}

	a.service, err = billing.NewService(billing.Params{
		Store:       docs,
		Config:      clientCfg,
		Clock:       a.clock,
		Audit:       sinks,
		Locker:      locker,
		Cache:       stmts,
		Metrics:     a.metrics,
		Log:         log,
		Parallelism: cfg.BillingParallelism,
	})
	if err != nil {
		return nil, err
	}

	log.Info("ledger ready",
		zap.String("client", clientCfg.ClientID),
		zap.String("store", cfg.StoreDriver),
		zap.Int("units", len(clientCfg.Units)),
	)
	ok = true
	return a, nil
}

func loadClientConfig(cfg *config.Config) (*billing.ClientConfig, error) {
	if cfg.ClientConfig == "" {
		return billing.DefaultClientConfig(cfg.ClientID), nil
	}
	return factory.NewConfigFactory().LoadFile(cfg.ClientConfig)
}

// Close releases resources in reverse order of acquisition, so queued
// audit facts are flushed before their store closes.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
