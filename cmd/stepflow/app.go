package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/logging"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// app owns the engine and the store connection for one command.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	engine *engine.Engine

	closers []func(context.Context) error
}

func newApp(ctx context.Context, listeners map[string]api.WorkflowExecutionListener) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: logging.New(cfg.Log.Level, cfg.Log.Format),
	}

	repo, err := a.openRepository(ctx)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}

	a.engine = engine.New(engine.Config{
		Repository:       repo,
		DefaultRetry:     cfg.Engine.RetryPolicy(),
		Pool:             cfg.Engine.Pool(),
		PersistRetries:   cfg.Engine.PersistRetries,
		PersistBackoff:   cfg.Engine.PersistBackoff,
		ProgressInterval: cfg.Engine.ProgressInterval,
		Listeners:        listeners,
		Logger:           a.logger,
	})
	// The engine drains its pool before the store goes away.
	a.closers = append([]func(context.Context) error{a.engine.Close}, a.closers...)
	return a, nil
}

func (a *app) openRepository(ctx context.Context) (api.WorkflowStateRepository, error) {
	st := a.cfg.Store
	switch st.Backend {
	case config.BackendMemory:
		return persistence.NewInMemoryRepository(), nil

	case config.BackendSQLite, config.BackendPostgres:
		driver, open := "sqlite", persistence.NewSQLiteRepository
		if st.Backend == config.BackendPostgres {
			driver, open = "pgx", persistence.NewPostgresRepository
		}
		db, err := sql.Open(driver, st.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", st.Backend, err)
		}
		if driver == "sqlite" {
			db.SetMaxOpenConns(1)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping %s: %w", st.Backend, err)
		}
		return open(ctx, db)

	case config.BackendRedis:
		opts := &redis.Options{Addr: st.DSN}
		if strings.HasPrefix(st.DSN, "redis://") || strings.HasPrefix(st.DSN, "rediss://") {
			parsed, err := redis.ParseURL(st.DSN)
			if err != nil {
				return nil, fmt.Errorf("parse redis dsn: %w", err)
			}
			opts = parsed
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return persistence.NewRedisRepository(client, st.Prefix), nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(st.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		repo := persistence.NewMongoRepository(client, st.Database, st.Collection)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", st.Backend)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for _, c := range a.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
