package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
)

func TestClassifyMongo(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{"deadline", fmt.Errorf("replace: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, true},
		{"client disconnected", mongo.ErrClientDisconnected, true},
		{"network label", mongo.CommandError{Code: 1, Labels: []string{"NetworkError"}}, true},
		{"retryable write label", mongo.CommandError{Code: 1, Labels: []string{"RetryableWriteError"}}, true},
		{"primary stepped down", mongo.CommandError{Code: 189, Name: "PrimarySteppedDown"}, true},
		{"write concern only", mongo.WriteException{WriteConcernError: &mongo.WriteConcernError{Code: 64}}, true},
		{"document validation", mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 121, Message: "Document failed validation"}}}, false},
		{"unauthorized", mongo.CommandError{Code: 13, Name: "Unauthorized"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyMongo("key", tt.err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			assert.Equal(t, !tt.wantTransient, IsPermanent(err))
		})
	}
}

// setupMongo starts a throwaway MongoDB. It is skipped in -short mode and when no
// container runtime is available.
func setupMongo(t *testing.T) *Mongo {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping mongo integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.Run(ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("mongo container unavailable: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	uri, err := container.PortEndpoint(ctx, "27017/tcp", "mongodb")
	require.NoError(t, err)

	m, err := NewMongo(ctx, uri, "webtrail_test", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	require.NoError(t, m.EnsureIndexes(ctx))
	return m
}

func TestMongo_ApplyIntegration(t *testing.T) {
	m := setupMongo(t)
	ctx := context.Background()

	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	older := keepAlive(t1, 10)
	newer := keepAlive(t2, 70)

	t.Run("insert", func(t *testing.T) {
		require.NoError(t, m.Apply(ctx, newer))
		rec, err := m.Get(ctx, models.KindKeepAlive, newer.Key())
		require.NoError(t, err)
		assert.Equal(t, int64(70), rec.Duration)
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		require.NoError(t, m.Apply(ctx, newer))
		rec, err := m.Get(ctx, models.KindKeepAlive, newer.Key())
		require.NoError(t, err)
		assert.Equal(t, int64(70), rec.Duration)
	})

	t.Run("older event does not overwrite", func(t *testing.T) {
		require.NoError(t, m.Apply(ctx, older))
		rec, err := m.Get(ctx, models.KindKeepAlive, newer.Key())
		require.NoError(t, err)
		assert.Equal(t, int64(70), rec.Duration)
		assert.True(t, rec.UpdatedAt.Equal(t2))
	})

	t.Run("newer event replaces", func(t *testing.T) {
		newest := keepAlive(t2.Add(time.Minute), 130)
		require.NoError(t, m.Apply(ctx, newest))
		rec, err := m.Get(ctx, models.KindKeepAlive, newest.Key())
		require.NoError(t, err)
		assert.Equal(t, int64(130), rec.Duration)
	})

	t.Run("one document per identity", func(t *testing.T) {
		n, err := m.db.Collection(models.KindKeepAlive.Collection()).CountDocuments(ctx, map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}
