package consumer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/dlq"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/store"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/stream"
)

const (
	testStream   = "webtrail:events"
	testGroup    = "consumer-database"
	testConsumer = "consumer-1"
)

type testEnv struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	stream *stream.Client
	store  *store.Memory
	dead   *dlq.RedisQueue
	stats  *recordingStats
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	env := &testEnv{
		mr:     mr,
		rdb:    rdb,
		stream: stream.New(rdb, testStream),
		store:  store.NewMemory(),
		dead:   dlq.NewRedisQueue(rdb, testStream, 1000),
		stats:  &recordingStats{ingested: map[string]int{}, deadLettered: map[string]int{}},
	}
	require.NoError(t, env.stream.EnsureGroup(context.Background(), testGroup))
	return env
}

func (e *testEnv) processor() *Processor {
	return NewProcessor(e.stream, e.store, e.dead, e.stats, ProcessorConfig{
		Group:            testGroup,
		Consumer:         testConsumer,
		OperationTimeout: time.Second,
	}, nil)
}

// deliver appends values to the stream and reads them as testConsumer so they are pending.
func (e *testEnv) deliver(t *testing.T, values ...map[string]string) []stream.Entry {
	t.Helper()
	e.append(t, values...)
	entries, err := e.stream.ReadNextBatch(context.Background(), testGroup, testConsumer, len(values), 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, len(values))
	return entries
}

func (e *testEnv) append(t *testing.T, values ...map[string]string) []string {
	t.Helper()
	ids := make([]string, 0, len(values))
	for _, v := range values {
		id, err := e.stream.Append(context.Background(), v)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (e *testEnv) pendingCount(t *testing.T) int64 {
	t.Helper()
	n, err := e.stream.PendingCount(context.Background(), testGroup)
	require.NoError(t, err)
	return n
}

func visit(website string, ts time.Time) map[string]string {
	return map[string]string{
		"_type":     "visit",
		"pid":       "proj-1",
		"website":   website,
		"timestamp": strconv.FormatInt(ts.UnixMilli(), 10),
		"page":      "/",
		"session":   "s-1",
	}
}

func keepAlive(ts time.Time, duration int) map[string]string {
	return map[string]string{
		"_type":     "keep_alive",
		"pid":       "proj-1",
		"website":   "a.com",
		"session":   "s-1",
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
		"duration":  strconv.Itoa(duration),
	}
}

type recordingStats struct {
	mu           sync.Mutex
	ingested     map[string]int
	deadLettered map[string]int
}

func (r *recordingStats) RecordIngested(projectID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingested[projectID]++
}

func (r *recordingStats) RecordDeadLettered(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLettered[projectID]++
}

type failingDLQ struct{}

func (failingDLQ) Write(context.Context, dlq.FailedEntry) error { return errors.New("sink down") }
func (failingDLQ) Close() error                                  { return nil }

func TestProcess_AppliesAndAcknowledges(t *testing.T) {
	env := setupTestEnv(t)
	p := env.processor()
	entries := env.deliver(t, visit("a.com", time.Now()))

	outcome := p.Process(context.Background(), entries[0], "read")

	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 1, env.store.Len())
	assert.Zero(t, env.pendingCount(t))
	assert.Equal(t, 1, env.stats.ingested["proj-1"])

	applied, dead, pending := p.Counts()
	assert.Equal(t, [3]int64{1, 0, 0}, [3]int64{applied, dead, pending})
}

func TestProcess_MalformedIsDeadLettered(t *testing.T) {
	env := setupTestEnv(t)
	p := env.processor()
	bad := visit("a.com", time.Now())
	delete(bad, "timestamp")
	entries := env.deliver(t, bad)

	outcome := p.Process(context.Background(), entries[0], "read")

	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Zero(t, env.store.Len())
	assert.Zero(t, env.pendingCount(t))
	assert.Equal(t, 1, env.stats.deadLettered["proj-1"])

	failed, err := env.dead.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, dlq.ReasonMalformed, failed[0].Reason)
	assert.Equal(t, entries[0].ID, failed[0].StreamID)
	assert.Equal(t, testConsumer, failed[0].Consumer)
	assert.Equal(t, "a.com", failed[0].Values["website"])
}

func TestProcess_PermanentWriteIsDeadLettered(t *testing.T) {
	env := setupTestEnv(t)
	env.store.SetFault(func(e *models.Event) error {
		return store.NewPermanent(e.Key(), errors.New("document failed validation"))
	})
	p := env.processor()
	entries := env.deliver(t, visit("a.com", time.Now()))

	outcome := p.Process(context.Background(), entries[0], "read")

	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Zero(t, env.pendingCount(t))

	failed, err := env.dead.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, dlq.ReasonPermanentWrite, failed[0].Reason)
	assert.Contains(t, failed[0].Error, "document failed validation")
}

func TestProcess_TransientWriteStaysPending(t *testing.T) {
	env := setupTestEnv(t)
	env.store.SetFault(func(e *models.Event) error {
		return store.NewTransient(e.Key(), errors.New("connection reset"))
	})
	p := env.processor()
	entries := env.deliver(t, visit("a.com", time.Now()))

	outcome := p.Process(context.Background(), entries[0], "read")

	assert.Equal(t, OutcomePending, outcome)
	assert.Equal(t, int64(1), env.pendingCount(t))

	failed, err := env.dead.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Empty(t, env.stats.ingested)
}

func TestProcess_DLQFailureDoesNotBlockAcknowledge(t *testing.T) {
	env := setupTestEnv(t)
	p := NewProcessor(env.stream, env.store, failingDLQ{}, nil, ProcessorConfig{Group: testGroup, Consumer: testConsumer}, nil)
	entries := env.deliver(t, map[string]string{"_type": "unknown"})

	outcome := p.Process(context.Background(), entries[0], "read")

	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Zero(t, env.pendingCount(t))
}

func TestProcess_DuplicateDeliveryIsIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	p := env.processor()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	values := map[string]string{
		"_type":     "event",
		"pid":       "proj-1",
		"website":   "a.com",
		"id":        "evt-1",
		"name":      "signup",
		"metadata":  `{"plan":"pro"}`,
		"timestamp": ts.Format(time.RFC3339),
	}
	entries := env.deliver(t, values, values)

	require.Equal(t, OutcomeApplied, p.Process(context.Background(), entries[0], "read"))
	records := env.store.Records(models.KindEvent)
	require.Len(t, records, 1)
	first, ok := env.store.Get(models.KindEvent, records[0].Key)
	require.True(t, ok)

	require.Equal(t, OutcomeApplied, p.Process(context.Background(), entries[1], "read"))
	second, ok := env.store.Get(models.KindEvent, records[0].Key)
	require.True(t, ok)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, env.store.Len())
	assert.Zero(t, env.pendingCount(t))
}

func TestProcess_MostRecentWinsInEitherOrder(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(30 * time.Second)

	orders := map[string][]map[string]string{
		"in order":      {keepAlive(t1, 10), keepAlive(t2, 40)},
		"reverse order": {keepAlive(t2, 40), keepAlive(t1, 10)},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			env := setupTestEnv(t)
			p := env.processor()
			for _, entry := range env.deliver(t, order...) {
				require.Equal(t, OutcomeApplied, p.Process(context.Background(), entry, "read"))
			}

			records := env.store.Records(models.KindKeepAlive)
			require.Len(t, records, 1)
			assert.Equal(t, int64(40), records[0].Duration)
			assert.True(t, records[0].UpdatedAt.Equal(t2))
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "dead_lettered", OutcomeDeadLettered.String())
	assert.Equal(t, "pending", OutcomePending.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
