// Package app wires the engine's components from configuration. Both the
// HTTP server and the CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/eduintbd/eod-sub000/internal/config"
	"github.com/eduintbd/eod-sub000/internal/ledger"
	"github.com/eduintbd/eod-sub000/internal/margin"
	"github.com/eduintbd/eod-sub000/internal/marginability"
	"github.com/eduintbd/eod-sub000/internal/regconfig"
	"github.com/eduintbd/eod-sub000/internal/store"
	"github.com/eduintbd/eod-sub000/internal/trade"
)

// App holds the wired components. Close releases connections in reverse
// order of acquisition.
type App struct {
	Store      store.Store
	Pool       *pgxpool.Pool
	Config     *regconfig.Loader
	Ledger     *ledger.Ledger
	Trades     *trade.Processor
	Margin     *margin.Job
	Classifier *marginability.Classifier

	cleanup []func()
}

// openStore connects to PostgreSQL when a database URL is configured and
// wraps it with the Redis cache when a Redis URL is configured. Without a
// database URL it returns an in-memory store. Migrations are applied when
// migrate is true.
func (a *App) openStore(ctx context.Context, cfg *config.Config, log *slog.Logger, migrate bool) error {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("database ping: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)
	a.Pool = pool
	log.Info("connected to PostgreSQL")

	if migrate {
		n, err := store.NewMigrator(pool, log).Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations applied", "count", n)
	}

	var st store.Store = store.NewPostgresStore(pool)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		log.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	a.Store = st
	return nil
}

// New opens the store and builds the batch components on top of it.
// notifier receives margin alerts and may be nil.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, notifier margin.Notifier, migrate bool) (*App, error) {
	a := &App{}
	if err := a.openStore(ctx, cfg, log, migrate); err != nil {
		a.Close()
		return nil, err
	}

	a.Config = regconfig.NewLoader(a.Store, log)
	a.Ledger = ledger.New(a.Store, log)
	a.Trades = trade.NewProcessor(a.Store, a.Ledger, a.Config, log, trade.Options{
		BatchSize:     cfg.TradeBatchSize,
		MaxIterations: cfg.MaxBatchIterations,
	})
	a.Margin = margin.NewJob(a.Store, a.Store, a.Config, notifier, log, margin.Options{
		BatchSize:     cfg.MarginBatchSize,
		MaxIterations: cfg.MaxBatchIterations,
	})
	a.Classifier = marginability.NewClassifier(a.Store, a.Config, log)
	return a, nil
}

// Close releases every connection the App opened.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
