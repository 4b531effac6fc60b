package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
)

func testSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Group:     testGroup,
		Consumer:  "consumer-2",
		Interval:  time.Hour,
		MinIdle:   time.Minute,
		BatchSize: 100,
	}
}

func TestSweeper_RecoversAbandonedEntry(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	// consumer-1 receives the entry and dies before acknowledging it.
	entries := env.deliver(t, visit("a.com", time.Now()))
	require.Equal(t, int64(1), env.pendingCount(t))

	s := NewSweeper(env.stream, env.processor(), testSweeperConfig(), nil)

	claimed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed, "entry is not idle long enough yet")
	assert.Zero(t, env.store.Len())

	env.mr.SetTime(time.Now().Add(2 * time.Minute))

	claimed, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	assert.Zero(t, env.pendingCount(t))
	assert.Zero(t, s.PendingCount())
	records := env.store.Records(models.KindVisit)
	require.Len(t, records, 1)
	assert.Equal(t, "a.com", records[0].Website)

	pending, err := env.stream.Pending(ctx, testGroup, 10)
	require.NoError(t, err)
	for _, p := range pending {
		assert.NotEqual(t, entries[0].ID, p.ID)
	}
}

func TestSweeper_DeadLettersReclaimedPoison(t *testing.T) {
	env := setupTestEnv(t)
	env.deliver(t, map[string]string{"_type": "visit"})

	s := NewSweeper(env.stream, env.processor(), testSweeperConfig(), nil)
	env.mr.SetTime(time.Now().Add(2 * time.Minute))

	claimed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	assert.Zero(t, env.pendingCount(t))

	failed, err := env.dead.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestSweeper_RunSweepsImmediately(t *testing.T) {
	env := setupTestEnv(t)
	env.deliver(t, visit("a.com", time.Now()))
	env.mr.SetTime(time.Now().Add(2 * time.Minute))

	s := NewSweeper(env.stream, env.processor(), testSweeperConfig(), nil)
	assert.Equal(t, int64(-1), s.PendingCount())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return env.store.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSweeper_ConnectionError(t *testing.T) {
	env := setupTestEnv(t)
	s := NewSweeper(env.stream, env.processor(), testSweeperConfig(), nil)
	env.mr.Close()

	_, err := s.Sweep(context.Background())
	assert.Error(t, err)
}
