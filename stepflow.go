package stepflow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine                    = api.Engine
	WorkflowDefinition        = api.WorkflowDefinition
	StepDefinition            = api.StepDefinition
	AsyncTaskDefinition       = api.AsyncTaskDefinition
	StepHandler               = api.StepHandler
	AsyncHandler              = api.AsyncHandler
	StepResult                = api.StepResult
	WorkflowContext           = api.WorkflowContext
	WorkflowInstance          = api.WorkflowInstance
	WorkflowStateRepository   = api.WorkflowStateRepository
	InstanceFilter            = api.InstanceFilter
	Status                    = api.Status
	TypeTag                   = api.TypeTag
	RetryPolicy               = api.RetryPolicy
	RetryStrategy             = api.RetryStrategy
	RunHandle                 = api.RunHandle
	RunResult                 = api.RunResult
	Progress                  = api.Progress
	AsyncProgressReporter     = api.AsyncProgressReporter
	WorkflowExecutionListener = api.WorkflowExecutionListener
	ProgressListener          = api.ProgressListener
	NoopListener              = api.NoopListener
	BasicMetrics              = api.BasicMetrics
	ExecuteOption             = api.ExecuteOption
)

// Re-export result constructors and listener helpers.

var (
	Continue = api.Continue
	Finish   = api.Finish
	Suspend  = api.Suspend
	Async    = api.Async
	Fail     = api.Fail
	Failf    = api.Failf

	NewLoggingListener   = api.NewLoggingListener
	NewCompositeListener = api.NewCompositeListener

	WithRunID         = api.WithRunID
	WithCorrelationID = api.WithCorrelationID
)

// Re-export status values for convenience.

const (
	StatusCreated   = api.StatusCreated
	StatusRunning   = api.StatusRunning
	StatusSuspended = api.StatusSuspended
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
)

// SuspendFor suspends the run until an input of type T is supplied.
func SuspendFor[T any](prompt any) StepResult {
	return api.SuspendFor[T](prompt)
}

// TypeOf returns the routing tag of T.
func TypeOf[T any]() TypeTag {
	return api.TypeOf[T]()
}

// RegisterTypes makes payload types known to the persistence codec. Types
// named in step definitions are registered automatically; call this for
// types that only appear inside context values or interface fields.
func RegisterTypes(values ...any) {
	persistence.RegisterTypes(values...)
}

// Option configures an engine built by one of the constructors below.
type Option func(*engine.Config)

// WithLogger sets the structured logger used by the engine and its pool.
func WithLogger(l *slog.Logger) Option {
	return func(c *engine.Config) { c.Logger = l }
}

// WithListener registers l under name at construction time.
func WithListener(name string, l WorkflowExecutionListener) Option {
	return func(c *engine.Config) {
		if c.Listeners == nil {
			c.Listeners = make(map[string]api.WorkflowExecutionListener)
		}
		c.Listeners[name] = l
	}
}

// WithRetryStrategy replaces the default exponential backoff strategy.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(c *engine.Config) { c.RetryStrategy = s }
}

// WithDefaultRetry applies p to steps and tasks that declare no policy.
func WithDefaultRetry(p RetryPolicy) Option {
	return func(c *engine.Config) { c.DefaultRetry = &p }
}

// WithWorkers sizes the async worker pool.
func WithWorkers(core, max, queueCapacity int) Option {
	return func(c *engine.Config) {
		c.Pool = worker.Config{CoreWorkers: core, MaxWorkers: max, QueueCapacity: queueCapacity, Logger: c.Pool.Logger}
	}
}

// WithPersistRetries bounds checkpoint retries after transient store errors.
func WithPersistRetries(n int, backoff time.Duration) Option {
	return func(c *engine.Config) {
		c.PersistRetries = n
		c.PersistBackoff = backoff
	}
}

// WithProgressInterval throttles async progress notifications.
func WithProgressInterval(d time.Duration) Option {
	return func(c *engine.Config) { c.ProgressInterval = d }
}

// NewEngine returns an Engine persisting runs in repo.
func NewEngine(repo WorkflowStateRepository, opts ...Option) Engine {
	cfg := engine.Config{Repository: repo}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.New(cfg)
}

// NewInMemoryEngine returns an Engine whose runs live only in process memory.
func NewInMemoryEngine(opts ...Option) Engine {
	return NewEngine(persistence.NewInMemoryRepository(), opts...)
}

// NewSQLiteEngine returns an Engine that persists runs in a SQLite database.
// The schema is created if missing.
func NewSQLiteEngine(ctx context.Context, db *sql.DB, opts ...Option) (Engine, error) {
	repo, err := persistence.NewSQLiteRepository(ctx, db)
	if err != nil {
		return nil, err
	}
	return NewEngine(repo, opts...), nil
}

// NewPostgresEngine returns an Engine that persists runs in PostgreSQL.
func NewPostgresEngine(ctx context.Context, db *sql.DB, opts ...Option) (Engine, error) {
	repo, err := persistence.NewPostgresRepository(ctx, db)
	if err != nil {
		return nil, err
	}
	return NewEngine(repo, opts...), nil
}

// NewRedisEngine returns an Engine that persists runs in Redis under prefix.
func NewRedisEngine(client redis.UniversalClient, prefix string, opts ...Option) Engine {
	return NewEngine(persistence.NewRedisRepository(client, prefix), opts...)
}

// NewMongoEngine returns an Engine that persists runs in the "instances"
// collection of database and makes sure its indexes exist.
func NewMongoEngine(ctx context.Context, client *mongo.Client, database string, opts ...Option) (Engine, error) {
	repo := persistence.NewMongoRepository(client, database, "")
	if err := repo.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("stepflow: mongo indexes: %w", err)
	}
	return NewEngine(repo, opts...), nil
}
