package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/internal/testutil"
	"github.com/petrijr/stepflow/pkg/api"
)

func TestRedisRepository(t *testing.T) {
	addr := testutil.RedisAddr(t)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	suite.Run(t, &RepositorySuite{
		newRepo: func() api.WorkflowStateRepository {
			// A fresh prefix isolates each test's keys.
			return NewRedisRepository(client, fmt.Sprintf("stepflow-test:%d:", time.Now().UnixNano()))
		},
	})
}
