package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("GENEFLOW_INTEGRATION") != "1" {
		t.Skip("set GENEFLOW_INTEGRATION=1 to run container tests")
	}
}

func TestRedisStore(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	store := NewRedisStoreFromClient(redis.NewClient(opts))
	defer store.Close()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := store.Subscribe(subCtx)
	require.NoError(t, err)

	exerciseStore(t, ctx, store)

	select {
	case id := <-updates:
		assert.Contains(t, []string{"job-1", "job-2"}, id)
	case <-time.After(5 * time.Second):
		t.Fatal("no update published")
	}
}

func TestPostgresStore(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("geneflow"),
		postgres.WithUsername("geneflow"),
		postgres.WithPassword("geneflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, ctx, store)

	// migrations are idempotent
	require.NoError(t, Migrate(dsn))

	wfs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, wfs)
	edges, err := store.Dependencies(ctx, wfs[0].WorkflowID)
	require.NoError(t, err)
	assert.Empty(t, edges)
}
