// Package app assembles the reconciliation service from configuration. Every binary shares it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"example.com/reconciliation/internal/config"
	"example.com/reconciliation/internal/lock"
	mongostore "example.com/reconciliation/internal/persistence/mongo"
	"example.com/reconciliation/internal/persistence/postgres"
	"example.com/reconciliation/internal/policy"
	"example.com/reconciliation/internal/reconciliation"
)

// App holds the service and the connections it owns.
type App struct {
	Service *reconciliation.Service
	Pool    *pgxpool.Pool

	closers []func(context.Context) error
}

// Build connects to the configured stores and wires the service.
func Build(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Pool, err = pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { a.Pool.Close(); return nil })

	repos := reconciliation.FromStore(postgres.New(a.Pool))

	if cfg.PresenceBackend == config.PresenceMongo {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)

		presence := mongostore.NewPresenceStore(client.Database(cfg.MongoDatabase).Collection(mongostore.DefaultCollection))
		if err := presence.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		repos.Presence = presence
	}

	var locker lock.Locker = lock.NewLocalLocker(cfg.LockWait)
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait, logger.WithField("component", "lock"))
	}

	defaults, err := policy.LoadDefaults(cfg.PolicyDefaultsFile)
	if err != nil {
		return nil, err
	}

	a.Service, err = reconciliation.New(repos, reconciliation.Config{
		Locker:         locker,
		Logger:         logger,
		PolicyDefaults: &defaults,
		PageSize:       cfg.PageSize,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close stops background work and releases connections in reverse order.
func (a *App) Close(ctx context.Context) error {
	if a.Service != nil {
		a.Service.Shutdown()
	}
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = errors.Join(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errs
}
