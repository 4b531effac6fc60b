package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/webtrail/webtrail-stack/common/logging"
	"github.com/webtrail/webtrail-stack/common/messaging"
	"github.com/webtrail/webtrail-stack/common/messaging/nats"
)

// JetStreamQueue publishes dead-letters to NATS JetStream, shared by all consumer instances.
type JetStreamQueue struct {
	js     *nats.JetStreamClient
	stream jetstream.Stream
	logger *logging.Logger
}

// NewJetStreamQueue creates (or updates) the DLQ stream and returns a queue on it.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *logging.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.ConsumerDLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("DLQ JetStream stream ready", logging.Stream(nats.ConsumerDLQStream.Name))

	return &JetStreamQueue{js: js, stream: stream, logger: logger}, nil
}

func (q *JetStreamQueue) Write(ctx context.Context, entry FailedEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	if _, err := q.js.PublishSync(ctx, messaging.ConsumerDLQSubject(entry.Reason), data); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}
	return nil
}

// List reads the newest entries through an ephemeral consumer.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("dlq stream info: %w", err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}

	startSeq := uint64(1)
	if info.State.LastSeq >= uint64(limit) {
		startSeq = info.State.LastSeq - uint64(limit) + 1
	}
	if startSeq < info.State.FirstSeq {
		startSeq = info.State.FirstSeq
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     messaging.SubjectConsumerDLQAll,
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:       startSeq,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var entries []FailedEntry
	for msg := range msgs.Messages() {
		var entry FailedEntry
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			q.logger.Warn("failed to parse dlq message", logging.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := msgs.Error(); err != nil {
		q.logger.Warn("dlq fetch completed with error", logging.Error(err))
	}

	// Newest first, like the other queues.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (q *JetStreamQueue) Purge(ctx context.Context) (int64, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("dlq stream info: %w", err)
	}
	if err := q.stream.Purge(ctx); err != nil {
		return 0, fmt.Errorf("purge dlq stream: %w", err)
	}
	return int64(info.State.Msgs), nil
}

// Close drains the NATS connection.
func (q *JetStreamQueue) Close() error {
	return q.js.Drain()
}
