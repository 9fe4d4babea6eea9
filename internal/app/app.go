// Package app wires the shared dependencies of the visionq binaries from
// configuration.
package app

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/visionq/internal/cache"
	"github.com/SirClappington/visionq/internal/config"
	"github.com/SirClappington/visionq/internal/ops"
	"github.com/SirClappington/visionq/internal/orchestrator"
	"github.com/SirClappington/visionq/internal/queue"
	"github.com/SirClappington/visionq/internal/retry"
	"github.com/SirClappington/visionq/internal/storage"
)

type Deps struct {
	Cfg       config.Config
	Log       *zap.Logger
	Pool      *pgxpool.Pool
	DB        *sql.DB
	Redis     *r.Client
	Store     *storage.Store
	Cache     *cache.Redis
	Transport queue.Transport
	Orch      *orchestrator.Orchestrator
}

// OpenDB opens a pgx pool and a database/sql handle backed by it.
func OpenDB(ctx context.Context, dsn string) (*pgxpool.Pool, *sql.DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open postgres pool")
	}
	return pool, stdlib.OpenDBFromPool(pool), nil
}

func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*Deps, error) {
	d := &Deps{Cfg: cfg, Log: log}

	var err error
	if d.Pool, d.DB, err = OpenDB(ctx, cfg.PostgresDSN); err != nil {
		return nil, err
	}
	d.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if d.Transport, err = NewTransport(cfg, d.Redis); err != nil {
		_ = d.Close()
		return nil, err
	}

	d.Store = storage.New(d.DB)
	d.Cache = cache.NewRedis(d.Redis, cache.Options{Prefix: cfg.QueueName + ":status:", TTL: cfg.CacheTTL})
	d.Orch = orchestrator.New(d.Store, d.Transport, d.Cache, retryPolicy(cfg), orchestratorOptions(cfg), log)
	return d, nil
}

func retryPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay}
}

func orchestratorOptions(cfg config.Config) orchestrator.Options {
	return orchestrator.Options{
		MaxTTL:        cfg.JobMaxTTL,
		DispatchGrace: cfg.DispatchGrace,
		SweepBatch:    cfg.SweepBatch,
	}
}

// NewTransport selects the broker driver named by BROKER.
func NewTransport(cfg config.Config, rdb *r.Client) (queue.Transport, error) {
	switch cfg.Broker {
	case "rabbitmq":
		return queue.DialRabbit(cfg.AMQPURL, queue.RabbitOptions{
			Queue:    cfg.QueueName + ".dispatch",
			Prefetch: cfg.WorkerConcurrency,
		})
	case "redis", "":
		return queue.NewRedis(rdb, queue.RedisOptions{
			Namespace:         cfg.QueueName,
			VisibilityTimeout: cfg.VisibilityTimeout(),
		}), nil
	}
	return nil, errors.Errorf("unknown broker %q", cfg.Broker)
}

// Checks are the readiness checks for the shared dependencies.
func (d *Deps) Checks() map[string]ops.Check {
	return map[string]ops.Check{
		"postgres": d.Store.Ping,
		"redis":    func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() },
	}
}

func (d *Deps) Close() error {
	var err error
	if d.Transport != nil {
		err = multierr.Append(err, d.Transport.Close())
	}
	if d.Redis != nil {
		err = multierr.Append(err, d.Redis.Close())
	}
	if d.DB != nil {
		err = multierr.Append(err, d.DB.Close())
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
	return err
}
