package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue appends dead-letters to a capped stream next to the source stream.
type RedisQueue struct {
	rdb    *redis.Client
	key    string
	maxLen int64
}

// RedisKey returns the dead-letter stream key for stream.
func RedisKey(stream string) string {
	return stream + ":dead"
}

// NewRedisQueue writes to RedisKey(stream), trimming to roughly maxLen entries.
func NewRedisQueue(rdb *redis.Client, stream string, maxLen int64) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: RedisKey(stream), maxLen: maxLen}
}

func (q *RedisQueue) Write(ctx context.Context, entry FailedEntry) error {
	values, err := json.Marshal(entry.Values)
	if err != nil {
		return fmt.Errorf("marshal dlq values: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: q.key,
		Values: map[string]any{
			"stream":    entry.Stream,
			"stream_id": entry.StreamID,
			"reason":    entry.Reason,
			"error":     entry.Error,
			"consumer":  entry.Consumer,
			"failed_at": entry.FailedAt.UTC().Format(time.RFC3339Nano),
			"values":    string(values),
		},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}

	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) List(ctx context.Context, limit int) ([]FailedEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	msgs, err := q.rdb.XRevRangeN(ctx, q.key, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", q.key, err)
	}

	entries := make([]FailedEntry, 0, len(msgs))
	for _, msg := range msgs {
		field := func(name string) string {
			s, _ := msg.Values[name].(string)
			return s
		}

		entry := FailedEntry{
			Stream:   field("stream"),
			StreamID: field("stream_id"),
			Reason:   field("reason"),
			Error:    field("error"),
			Consumer: field("consumer"),
		}
		entry.FailedAt, _ = time.Parse(time.RFC3339Nano, field("failed_at"))
		_ = json.Unmarshal([]byte(field("values")), &entry.Values)
		entries = append(entries, entry)
	}
	return entries, nil
}

func (q *RedisQueue) Purge(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", q.key, err)
	}
	if err := q.rdb.Del(ctx, q.key).Err(); err != nil {
		return 0, fmt.Errorf("del %s: %w", q.key, err)
	}
	return n, nil
}

// Close is a no-op; the Redis client is shared with the stream consumer.
func (q *RedisQueue) Close() error {
	return nil
}
