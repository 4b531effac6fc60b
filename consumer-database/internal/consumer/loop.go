package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/webtrail/webtrail-stack/common/logging"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/metrics"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/stream"
)

// ErrRetryCeiling is returned by Run when failures persisted beyond the retry ceiling.
var ErrRetryCeiling = errors.New("retry ceiling exceeded")

var errBatchPending = errors.New("no entry of the batch could be stored")

// Source is the part of the stream client used by the loop and the sweeper.
type Source interface {
	Acker
	EnsureGroup(ctx context.Context, group string) error
	ReadNextBatch(ctx context.Context, group, consumer string, maxCount int, blockTimeout time.Duration) ([]stream.Entry, error)
	ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, maxCount int) ([]stream.Entry, error)
	PendingCount(ctx context.Context, group string) (int64, error)
}

// LoopConfig controls batching, waiting and retries of a Loop.
type LoopConfig struct {
	Group           string
	Consumer        string
	BatchSize       int
	BlockTimeout    time.Duration
	RetryCeiling    time.Duration
	ShutdownTimeout time.Duration
}

// Loop reads never-delivered entries for one consumer and processes them in arrival order.
type Loop struct {
	source    Source
	processor *Processor
	cfg       LoopConfig
	logger    *logging.Logger

	newBackOff func() backoff.BackOff
}

// NewLoop creates a Loop.
func NewLoop(source Source, processor *Processor, cfg LoopConfig, logger *logging.Logger) *Loop {
	if logger == nil {
		logger = logging.Default()
	}
	l := &Loop{
		source:    source,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
	}
	l.newBackOff = func() backoff.BackOff {
		return NewBackOff(cfg.RetryCeiling)
	}
	return l
}

// NewBackOff returns the exponential backoff used for connection retries.
// It stops once ceiling has elapsed since the last reset.
func NewBackOff(ceiling time.Duration) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(10*time.Second),
		backoff.WithMaxElapsedTime(ceiling),
	)
}

// Run consumes until ctx is cancelled, returning nil, or until failures outlast the
// retry ceiling, returning an error wrapping ErrRetryCeiling.
func (l *Loop) Run(ctx context.Context) error {
	ctx = logging.WithConsumer(ctx, l.cfg.Consumer)
	bo := l.newBackOff()
	bo.Reset()

	for {
		err := l.source.EnsureGroup(ctx, l.cfg.Group)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := l.wait(ctx, bo, "stream", err); err != nil {
			return err
		}
	}
	bo.Reset()

	l.logger.InfoContext(ctx, "consumer loop started",
		logging.Stream(l.source.Name()),
		logging.Group(l.cfg.Group),
	)

	for ctx.Err() == nil {
		entries, err := l.source.ReadNextBatch(ctx, l.cfg.Group, l.cfg.Consumer, l.cfg.BatchSize, l.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, stream.ErrNoGroup) {
				l.logger.WarnContext(ctx, "consumer group missing, recreating", logging.Group(l.cfg.Group))
				err = l.source.EnsureGroup(ctx, l.cfg.Group)
				if err == nil {
					continue
				}
			}
			if err := l.wait(ctx, bo, "stream", err); err != nil {
				return err
			}
			continue
		}

		if len(entries) == 0 {
			bo.Reset()
			continue
		}

		if l.processBatch(ctx, entries) == 0 {
			if err := l.wait(ctx, bo, "store", errBatchPending); err != nil {
				return err
			}
			continue
		}
		bo.Reset()
	}

	l.logger.InfoContext(ctx, "consumer loop stopped")
	return nil
}

// processBatch handles entries in order and returns how many left the pending list.
// Once ctx is cancelled no further entry is started; the one in flight finishes
// within the shutdown timeout.
func (l *Loop) processBatch(ctx context.Context, entries []stream.Entry) int {
	start := time.Now()
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}()

	work, cancel := detach(ctx, l.cfg.ShutdownTimeout)
	defer cancel()

	resolved := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if l.processor.Process(work, entry, metrics.SourceRead) != OutcomePending {
			resolved++
		}
	}
	return resolved
}

// wait sleeps for the next backoff interval. It returns an error once the retry
// ceiling is reached and nil when the wait ends or ctx is cancelled.
func (l *Loop) wait(ctx context.Context, bo backoff.BackOff, component string, cause error) error {
	next := bo.NextBackOff()
	if next == backoff.Stop {
		return fmt.Errorf("%w: %s: %w", ErrRetryCeiling, component, cause)
	}

	metrics.ConnectionRetries.WithLabelValues(component).Inc()
	l.logger.WarnContext(ctx, "retrying after failure",
		slog.String("component", component),
		logging.Duration(next),
		logging.Error(cause),
	)

	timer := time.NewTimer(next)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}

// detach returns a context that ignores the cancellation of parent until grace has
// passed after it.
func detach(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		if grace <= 0 {
			cancel()
			return
		}
		time.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
