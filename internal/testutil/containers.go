// Package testutil starts shared backing services for integration tests.
//
// Each service runs in one container per test binary. Tests are skipped when
// -short is set or when Docker is unavailable.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 3 * time.Minute

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *sharedContainer) get(t *testing.T, name string, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", name)
	}

	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		// testcontainers panics when no Docker daemon can be reached.
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("starting %s container panicked: %v", name, r)
			}
		}()
		c.endpoint, c.err = start(ctx)
	})

	if c.err != nil {
		t.Skipf("skipping %s integration test: %v", name, c.err)
	}
	return c.endpoint
}

var (
	postgres sharedContainer
	redis    sharedContainer
	mongo    sharedContainer
)

// PostgresDSN returns a DSN for a shared PostgreSQL 16 container.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	return postgres.get(t, "postgres", func(ctx context.Context) (string, error) {
		dsn := func(hostPort string) string {
			return fmt.Sprintf("postgres://stepflow:stepflow@%s/stepflow_test?sslmode=disable", hostPort)
		}
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return dsn(host + ":" + port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "stepflow",
				"POSTGRES_PASSWORD": "stepflow",
				"POSTGRES_DB":       "stepflow_test",
			}),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return dsn(endpoint), nil
	})
}

// RedisAddr returns host:port of a shared Redis container.
func RedisAddr(t *testing.T) string {
	t.Helper()
	return redis.get(t, "redis", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return endpoint, nil
	})
}

// MongoURI returns a connection URI for a shared MongoDB 7 container.
func MongoURI(t *testing.T) string {
	t.Helper()
	return mongo.get(t, "mongo", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp").WithStartupTimeout(2*time.Minute),
			),
		)
		if err != nil {
			return "", err
		}
		host, err := c.Host(ctx)
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		port, err := c.MappedPort(ctx, "27017/tcp")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		// Avoid [::1]:port resolution problems.
		if host == "" || host == "localhost" || host == "::1" {
			host = "127.0.0.1"
		}
		return fmt.Sprintf("mongodb://%s:%s", host, port.Port()), nil
	})
}
