// Package stream wraps the Redis stream primitives the consumer group relies on.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrConnection marks failures to reach Redis. Callers retry with backoff.
	ErrConnection = errors.New("stream connection failed")
	// ErrNoGroup is returned when the consumer group does not exist (anymore).
	ErrNoGroup = errors.New("consumer group does not exist")
)

// Entry is one stream record as delivered to this consumer.
type Entry struct {
	ID     string
	Values map[string]string
}

// PendingEntry is an entry delivered to a consumer of the group but not yet acknowledged.
type PendingEntry struct {
	ID         string        `json:"id" yaml:"id"`
	Consumer   string        `json:"consumer" yaml:"consumer"`
	Idle       time.Duration `json:"idle" yaml:"idle"`
	RetryCount int64         `json:"deliveries" yaml:"deliveries"`
}

// Options describes how to reach Redis. Username and Password override credentials in URL.
type Options struct {
	URL         string
	Username    string
	Password    string
	PoolSize    int
	DialTimeout time.Duration
}

// NewRedisClient builds a go-redis client from opts without contacting the server.
func NewRedisClient(opts Options) (*redis.Client, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Username != "" {
		opt.Username = opts.Username
	}
	if opts.Password != "" {
		opt.Password = opts.Password
	}
	if opts.PoolSize > 0 {
		opt.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		opt.DialTimeout = opts.DialTimeout
	}
	return redis.NewClient(opt), nil
}

// Client issues stream commands against a single stream key.
type Client struct {
	rdb    *redis.Client
	stream string
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client, stream string) *Client {
	return &Client{rdb: rdb, stream: stream}
}

// Connect builds the Redis client and verifies connectivity.
func Connect(ctx context.Context, opts Options, stream string) (*Client, error) {
	rdb, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}

	c := New(rdb, stream)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

// Name returns the stream key.
func (c *Client) Name() string {
	return c.stream
}

// Redis exposes the underlying client for components sharing the connection pool.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

func (c *Client) Ping(ctx context.Context) error {
	return classify("ping", c.rdb.Ping(ctx).Err())
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// EnsureGroup creates the group positioned at the end of the stream, creating the stream
// if needed. An existing group is left untouched.
func (c *Client) EnsureGroup(ctx context.Context, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, group, "$").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return classify("xgroup create", err)
}

// ReadNextBatch returns up to maxCount never-delivered entries for consumer, waiting at most
// blockTimeout for new ones. A timeout yields an empty slice and no error.
func (c *Client) ReadNextBatch(ctx context.Context, group, consumer string, maxCount int, blockTimeout time.Duration) ([]Entry, error) {
	if blockTimeout <= 0 {
		return nil, fmt.Errorf("block timeout must be positive, got %s", blockTimeout)
	}

	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(maxCount),
		Block:    blockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("xreadgroup", err)
	}

	var entries []Entry
	for _, s := range streams {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

// ClaimStale transfers ownership of entries idle for at least minIdle to consumer and
// returns them in stream order, up to maxCount.
func (c *Client) ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, maxCount int) ([]Entry, error) {
	var claimed []Entry
	start := "0-0"
	for len(claimed) < maxCount {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    int64(maxCount - len(claimed)),
		}).Result()
		if err != nil {
			return claimed, classify("xautoclaim", err)
		}
		claimed = append(claimed, toEntries(msgs)...)
		if next == "" || next == "0-0" {
			break
		}
		start = next
	}
	return claimed, nil
}

// Acknowledge removes ids from the group's pending list. Unknown or already
// acknowledged ids are ignored by Redis.
func (c *Client) Acknowledge(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return classify("xack", c.rdb.XAck(ctx, c.stream, group, ids...).Err())
}

// Pending lists up to count pending entries of the group, oldest first.
func (c *Client) Pending(ctx context.Context, group string, count int64) ([]PendingEntry, error) {
	res, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, classify("xpending", err)
	}

	pending := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		pending = append(pending, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			RetryCount: p.RetryCount,
		})
	}
	return pending, nil
}

// PendingCount returns the size of the group's pending list.
func (c *Client) PendingCount(ctx context.Context, group string) (int64, error) {
	res, err := c.rdb.XPending(ctx, c.stream, group).Result()
	if err != nil {
		return 0, classify("xpending", err)
	}
	return res.Count, nil
}

// Len returns the number of entries in the stream.
func (c *Client) Len(ctx context.Context) (int64, error) {
	n, err := c.rdb.XLen(ctx, c.stream).Result()
	return n, classify("xlen", err)
}

// Append adds an entry and returns its id.
func (c *Client) Append(ctx context.Context, values map[string]string) (string, error) {
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: c.stream, Values: fields}).Result()
	return id, classify("xadd", err)
}

// TrimAcknowledged removes entries older than the oldest one group still needs: its oldest
// pending entry, or its last delivered entry when nothing is pending. Other groups reading
// the same stream are not taken into account. It returns the number of removed entries.
func (c *Client) TrimAcknowledged(ctx context.Context, group string) (int64, error) {
	groups, err := c.rdb.XInfoGroups(ctx, c.stream).Result()
	if err != nil {
		return 0, classify("xinfo groups", err)
	}

	minID := ""
	for _, g := range groups {
		if g.Name == group {
			minID = g.LastDeliveredID
		}
	}
	if minID == "" {
		return 0, fmt.Errorf("xinfo groups: %w: %s", ErrNoGroup, group)
	}

	summary, err := c.rdb.XPending(ctx, c.stream, group).Result()
	if err != nil {
		return 0, classify("xpending", err)
	}
	if summary.Count > 0 && compareIDs(summary.Lower, minID) < 0 {
		minID = summary.Lower
	}
	if minID == "0-0" {
		return 0, nil
	}

	n, err := c.rdb.XTrimMinID(ctx, c.stream, minID).Result()
	return n, classify("xtrim", err)
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				values[k] = s
			} else {
				values[k] = fmt.Sprint(v)
			}
		}
		entries = append(entries, Entry{ID: m.ID, Values: values})
	}
	return entries
}

// compareIDs orders two stream ids of the form <ms>-<seq>.
func compareIDs(a, b string) int {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	switch {
	case ams != bms:
		return cmpUint(ams, bms)
	default:
		return cmpUint(aseq, bseq)
	}
}

func splitID(id string) (uint64, uint64) {
	var ms, seq uint64
	msPart, seqPart, _ := strings.Cut(id, "-")
	fmt.Sscan(msPart, &ms)
	fmt.Sscan(seqPart, &seq)
	return ms, seq
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// classify wraps err with the failed operation. Server replies stay plain errors,
// anything else that is not a cancellation counts as a connection failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return fmt.Errorf("%s: %w: %v", op, ErrNoGroup, err)
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrConnection, err)
}
