package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Engine.CoreWorkers)
	assert.Equal(t, 8, cfg.Engine.MaxWorkers)
	assert.Equal(t, 10*time.Millisecond, cfg.Engine.PersistBackoff)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "@hourly", cfg.Retention.Schedule)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.MaxAge)
	assert.Nil(t, cfg.Engine.RetryPolicy(), "single attempt means no policy")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  core_workers: 2
  max_workers: 3
  retry:
    max_attempts: 3
    delay: 100ms
    multiplier: 2
    jitter: 0.1
store:
  backend: redis
  dsn: localhost:6379
  prefix: "app:"
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Engine.CoreWorkers)
	assert.Equal(t, 100, cfg.Engine.QueueCapacity, "unset fields keep defaults")
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "app:", cfg.Store.Prefix)
	assert.Equal(t, "json", cfg.Log.Format)

	p := cfg.Engine.RetryPolicy()
	require.NotNil(t, p)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.Delay)
	assert.InDelta(t, 0.1, p.JitterFactor, 1e-9)

	pool := cfg.Engine.Pool()
	assert.Equal(t, 2, pool.CoreWorkers)
	assert.Equal(t, 3, pool.MaxWorkers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STEPFLOW_STORE_BACKEND":     "postgres",
		"STEPFLOW_STORE_DSN":         "postgres://localhost/stepflow",
		"STEPFLOW_CORE_WORKERS":      "6",
		"STEPFLOW_MAX_WORKERS":       "12",
		"STEPFLOW_RETENTION_MAX_AGE": "24h",
		"STEPFLOW_LOG_LEVEL":         "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://localhost/stepflow", cfg.Store.DSN)
	assert.Equal(t, 6, cfg.Engine.CoreWorkers)
	assert.Equal(t, 24*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestApplyEnv_BadValues(t *testing.T) {
	env := map[string]string{
		"STEPFLOW_CORE_WORKERS":      "many",
		"STEPFLOW_RETENTION_MAX_AGE": "forever",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STEPFLOW_CORE_WORKERS")
	assert.Contains(t, err.Error(), "STEPFLOW_RETENTION_MAX_AGE")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Engine.CoreWorkers = 0
	cfg.Store.Backend = "cassandra"
	cfg.Log.Level = "loud"
	cfg.Engine.Retry.Jitter = 2

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"core_workers", "cassandra", "loud", "jitter"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.Store.Backend = BackendMongo
	cfg.Store.DSN = ""
	assert.ErrorContains(t, cfg.Validate(), "store.dsn")
}
