package app

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtrail/webtrail-stack/common/logging"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/config"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/dlq"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/store"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/stream"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("STREAM_NAME", "webtrail:events")
	t.Setenv("GROUP_NAME", "consumer-database")
	t.Setenv("MONGO_CONNECTION_STRING", "mongodb://localhost:27017")

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Consumer.BlockTimeout = 20 * time.Millisecond
	cfg.Consumer.RetryCeiling = 500 * time.Millisecond
	cfg.Server.Port = 0
	return cfg
}

func TestConnectStream(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)

	client, err := ConnectStream(context.Background(), cfg, logging.Default())
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "webtrail:events", client.Name())
}

func TestConnectStream_GivesUpAfterCeiling(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	mr.Close()

	start := time.Now()
	_, err := ConnectStream(context.Background(), cfg, logging.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrConnection)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestOpenStore_Memory(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.Store.Backend = config.StoreMemory

	writer, err := OpenStore(context.Background(), cfg, logging.Default())
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, writer)
}

func TestOpenDLQ(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	client, err := ConnectStream(context.Background(), cfg, logging.Default())
	require.NoError(t, err)
	defer client.Close()

	tests := []struct {
		backend string
		want    any
	}{
		{config.DLQRedis, &dlq.RedisQueue{}},
		{config.DLQFile, &dlq.FileQueue{}},
		{config.DLQNone, dlq.Noop{}},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg.DLQ.Backend = tt.backend
			cfg.DLQ.BasePath = t.TempDir()

			q, err := OpenDLQ(context.Background(), cfg, client.Redis(), logging.Default())
			require.NoError(t, err)
			assert.IsType(t, tt.want, q)
			assert.NoError(t, q.Close())
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.Stream.Group = ""

	err := Run(context.Background(), cfg, RunOptions{}, logging.Default())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRun_DryRunConsumesStream(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, RunOptions{DryRun: true}, logging.Default()) }()

	client, err := ConnectStream(context.Background(), cfg, logging.Default())
	require.NoError(t, err)
	defer client.Close()

	// The group is created at the end of the stream, so wait for it first.
	require.Eventually(t, func() bool {
		groups, err := client.Redis().XInfoGroups(context.Background(), cfg.Stream.Name).Result()
		return err == nil && len(groups) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = client.Append(context.Background(), map[string]string{
		"_type":     "visit",
		"pid":       "proj-1",
		"website":   "a.com",
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		groups, err := client.Redis().XInfoGroups(context.Background(), cfg.Stream.Name).Result()
		return err == nil && len(groups) == 1 && groups[0].Pending == 0 && groups[0].LastDeliveredID != "0-0"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}
