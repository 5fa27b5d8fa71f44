// Package config loads stepflow settings from a YAML file and STEPFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

const envPrefix = "STEPFLOW_"

const defaultConfigYAML = `# stepflow configuration
engine:
  core_workers: 4
  max_workers: 8
  queue_capacity: 100
  persist_retries: 3
  persist_backoff: 10ms
  progress_interval: 250ms
  retry:
    max_attempts: 1

store:
  backend: sqlite
  dsn: stepflow.db

retention:
  schedule: "@hourly"
  max_age: 168h

log:
  level: info
  format: json
`

// RetryConfig is the default retry policy for steps that declare none.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	Delay             time.Duration `yaml:"delay"`
	Multiplier        float64       `yaml:"multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Jitter            float64       `yaml:"jitter"`
	RetryOnFailResult bool          `yaml:"retry_on_fail_result"`
}

type EngineConfig struct {
	CoreWorkers      int           `yaml:"core_workers"`
	MaxWorkers       int           `yaml:"max_workers"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	PersistRetries   int           `yaml:"persist_retries"`
	PersistBackoff   time.Duration `yaml:"persist_backoff"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	Retry            RetryConfig   `yaml:"retry"`
}

// StoreConfig selects the run repository.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// DSN is a file path for sqlite, a connection string for postgres, an
	// address for redis and a URI for mongo.
	DSN string `yaml:"dsn"`
	// Prefix namespaces redis keys.
	Prefix string `yaml:"prefix,omitempty"`
	// Database and Collection apply to mongo.
	Database   string `yaml:"database,omitempty"`
	Collection string `yaml:"collection,omitempty"`
}

// RetentionConfig drives the purge of old terminal runs. An empty schedule
// disables it.
type RetentionConfig struct {
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full stepflow configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &cfg); err != nil {
		panic(fmt.Sprintf("config: invalid built-in defaults: %v", err))
	}
	return cfg
}

// DefaultYAML returns the annotated default configuration file.
func DefaultYAML() string { return defaultConfigYAML }

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STEPFLOW_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	num("CORE_WORKERS", &c.Engine.CoreWorkers)
	num("MAX_WORKERS", &c.Engine.MaxWorkers)
	num("QUEUE_CAPACITY", &c.Engine.QueueCapacity)
	num("PERSIST_RETRIES", &c.Engine.PersistRetries)
	num("RETRY_MAX_ATTEMPTS", &c.Engine.Retry.MaxAttempts)
	dur("RETRY_DELAY", &c.Engine.Retry.Delay)
	str("STORE_BACKEND", &c.Store.Backend)
	str("STORE_DSN", &c.Store.DSN)
	str("STORE_PREFIX", &c.Store.Prefix)
	str("RETENTION_SCHEDULE", &c.Retention.Schedule)
	dur("RETENTION_MAX_AGE", &c.Retention.MaxAge)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.CoreWorkers <= 0 {
		errs = append(errs, errors.New("engine.core_workers must be positive"))
	}
	if c.Engine.MaxWorkers < c.Engine.CoreWorkers {
		errs = append(errs, errors.New("engine.max_workers must be >= engine.core_workers"))
	}
	if c.Engine.QueueCapacity <= 0 {
		errs = append(errs, errors.New("engine.queue_capacity must be positive"))
	}
	if c.Engine.PersistRetries < 0 {
		errs = append(errs, errors.New("engine.persist_retries must not be negative"))
	}
	if j := c.Engine.Retry.Jitter; j < 0 || j > 1 {
		errs = append(errs, errors.New("engine.retry.jitter must be within [0,1]"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for backend %q", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, sqlite, postgres, redis, mongo", c.Store.Backend))
	}

	if c.Retention.Schedule != "" && c.Retention.MaxAge <= 0 {
		errs = append(errs, errors.New("retention.max_age must be positive when a schedule is set"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy converts the default retry settings. It returns nil when
// only a single attempt is configured.
func (e EngineConfig) RetryPolicy() *api.RetryPolicy {
	if e.Retry.MaxAttempts <= 1 {
		return nil
	}
	return &api.RetryPolicy{
		MaxAttempts:       e.Retry.MaxAttempts,
		Delay:             e.Retry.Delay,
		BackoffMultiplier: e.Retry.Multiplier,
		MaxDelay:          e.Retry.MaxDelay,
		JitterFactor:      e.Retry.Jitter,
		RetryOnFailResult: e.Retry.RetryOnFailResult,
	}
}

// Pool returns the worker pool sizing.
func (e EngineConfig) Pool() worker.Config {
	return worker.Config{
		CoreWorkers:   e.CoreWorkers,
		MaxWorkers:    e.MaxWorkers,
		QueueCapacity: e.QueueCapacity,
	}
}
