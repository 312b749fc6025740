// Package app opens the stores a pagemill binary needs from configuration and
// closes them in reverse order.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/dunamismax/pagemill/internal/artifact"
	"github.com/dunamismax/pagemill/internal/checkpoint"
	"github.com/dunamismax/pagemill/internal/config"
	"github.com/dunamismax/pagemill/internal/storage"
	"github.com/dunamismax/pagemill/internal/store"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Config      config.Config
	Jobs        store.JobStore
	Checkpoints checkpoint.Store
	Output      artifact.Store

	logger  *log.Logger
	db      *sql.DB
	redis   *redis.Client
	closers []func() error
}

// Open connects to Postgres and the configured checkpoint and output
// backends. On error everything opened so far is closed.
func Open(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}
	if err := a.open(ctx); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Printf("close after failed open err=%v", closeErr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	db, err := store.OpenPostgres(ctx, a.Config.Database.DSN)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	a.Jobs, err = store.NewPostgresJobStore(ctx, db, store.Options{MaxAttempts: a.Config.Worker.MaxAttempts})
	if err != nil {
		return err
	}
	if a.Checkpoints, err = a.openCheckpoints(ctx); err != nil {
		return err
	}
	if a.Output, err = a.openOutput(ctx); err != nil {
		return err
	}
	a.logger.Printf("stores opened checkpoint=%s output=%s", a.Config.Checkpoint.Backend, a.Config.Output.Backend)
	return nil
}

func (a *App) openCheckpoints(ctx context.Context) (checkpoint.Store, error) {
	switch a.Config.Checkpoint.Backend {
	case config.BackendFile:
		return checkpoint.NewFileStore(a.Config.Paths.CheckpointDir)
	case config.BackendRedis:
		client, err := a.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewRedisStore(client, a.Config.Checkpoint.RedisKeyPrefix, a.Config.Checkpoint.RedisTTL)
	case config.BackendPostgres:
		return checkpoint.NewPostgresStore(ctx, a.db)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend %q", a.Config.Checkpoint.Backend)
	}
}

func (a *App) openOutput(ctx context.Context) (artifact.Store, error) {
	switch a.Config.Output.Backend {
	case config.BackendLocal:
		return artifact.NewLocalStore(a.Config.Paths.ContentRoot)
	case config.BackendS3:
		client, err := storage.NewClient(storage.Config{
			Endpoint: a.Config.Storage.Endpoint,
			Access:   a.Config.Storage.AccessKey,
			Secret:   a.Config.Storage.SecretKey,
			Bucket:   a.Config.Storage.Bucket,
			UseSSL:   a.Config.Storage.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return artifact.NewObjectStore(client, a.Config.Output.Prefix)
	default:
		return nil, fmt.Errorf("unsupported output backend %q", a.Config.Output.Backend)
	}
}

// Redis returns the shared go-redis client, connecting on first use.
func (a *App) Redis(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Queue.RedisAddr,
		Password: a.Config.Queue.RedisPassword,
		DB:       a.Config.Queue.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", a.Config.Queue.RedisAddr, err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
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
