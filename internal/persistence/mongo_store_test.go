package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/internal/testutil"
	"github.com/petrijr/stepflow/pkg/api"
)

func TestMongoRepository(t *testing.T) {
	uri := testutil.MongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	suite.Run(t, &RepositorySuite{
		newRepo: func() api.WorkflowStateRepository {
			coll := fmt.Sprintf("instances_%d", time.Now().UnixNano())
			repo := NewMongoRepository(client, "stepflow_test", coll)
			require.NoError(t, repo.EnsureIndexes(context.Background()))
			return repo
		},
	})
}
