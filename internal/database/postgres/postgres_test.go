//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kozaktomas/face-memory/internal/config"
	"github.com/kozaktomas/face-memory/internal/identity"
)

func setupTestContainer(t *testing.T) *Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil || container == nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, applied, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	assert.Equal(t, []string{"001_identities.sql"}, applied)
	return pool
}

func person(id string, named bool, count int, emb ...float32) *identity.Identity {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := identity.New(id, emb, named, now)
	p.AppearanceCount = count
	p.Thumbnails = []string{"20240501_120000_000000.jpg"}
	return p
}

func TestMigrate_Idempotent(t *testing.T) {
	pool := setupTestContainer(t)
	ctx := context.Background()

	applied, err := pool.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	versions, err := pool.MigrationsApplied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_identities.sql"}, versions)
}

func TestIdentityRepository(t *testing.T) {
	pool := setupTestContainer(t)
	ctx := context.Background()
	repo := NewIdentityRepository(pool)

	t.Run("Sync", func(t *testing.T) {
		res, err := repo.Sync(ctx, []*identity.Identity{
			person("Alice", true, 4, 1, 0, 0),
			person("Face_00000001", false, 1, 0.9, 0.1, 0),
			person("Face_00000002", false, 2, 0, 0, 1),
			person("Face_00000003", false, 1),
		})
		require.NoError(t, err)
		assert.Equal(t, 4, res.Upserted)
		assert.Equal(t, 0, res.Deleted)

		count, err := repo.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, count)
	})

	t.Run("Get", func(t *testing.T) {
		got, err := repo.Get(ctx, "Alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.IsNamed)
		assert.Equal(t, 4, got.AppearanceCount)
		assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
		assert.Equal(t, []string{"20240501_120000_000000.jpg"}, got.Thumbnails)

		noEmbedding, err := repo.Get(ctx, "Face_00000003")
		require.NoError(t, err)
		require.NotNil(t, noEmbedding)
		assert.Nil(t, noEmbedding.Embedding)

		missing, err := repo.Get(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("FindSimilar", func(t *testing.T) {
		matches, err := repo.FindSimilar(ctx, []float32{1, 0, 0}, 10, 0.5)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "Alice", matches[0].ID)
		assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
		assert.Equal(t, "Face_00000001", matches[1].ID)

		none, err := repo.FindSimilar(ctx, []float32{1, 0}, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, none, "other dimensions are ignored")
	})

	t.Run("SyncRemovesStale", func(t *testing.T) {
		res, err := repo.Sync(ctx, []*identity.Identity{person("Alice", true, 5, 1, 0, 0)})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Upserted)
		assert.Equal(t, 3, res.Deleted)

		got, err := repo.Get(ctx, "Alice")
		require.NoError(t, err)
		assert.Equal(t, 5, got.AppearanceCount)
	})
}
