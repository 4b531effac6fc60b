package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/webtrail/webtrail-stack/common/logging"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/metrics"
)

// SweeperConfig controls how often and how aggressively idle entries are reclaimed.
type SweeperConfig struct {
	Group           string
	Consumer        string
	Interval        time.Duration
	MinIdle         time.Duration
	BatchSize       int
	ShutdownTimeout time.Duration
}

// Sweeper reclaims entries that stayed pending longer than MinIdle, whichever consumer
// owned them, and runs them through the Processor.
type Sweeper struct {
	source    Source
	processor *Processor
	cfg       SweeperConfig
	logger    *logging.Logger

	pending atomic.Int64
}

// NewSweeper creates a Sweeper.
func NewSweeper(source Source, processor *Processor, cfg SweeperConfig, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Sweeper{
		source:    source,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
	}
	s.pending.Store(-1)
	return s
}

// Run sweeps once immediately and then every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ctx = logging.WithConsumer(ctx, s.cfg.Consumer)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			metrics.ConnectionRetries.WithLabelValues("sweeper").Inc()
			s.logger.WarnContext(ctx, "sweep failed", logging.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep claims up to BatchSize idle entries, processes them and refreshes the pending
// gauge. It returns how many entries were claimed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	claimed, err := s.source.ClaimStale(ctx, s.cfg.Group, s.cfg.Consumer, s.cfg.MinIdle, s.cfg.BatchSize)
	if len(claimed) > 0 {
		metrics.ClaimedTotal.Add(float64(len(claimed)))
		s.logger.InfoContext(ctx, "reclaimed idle entries", logging.Count(len(claimed)))

		start := time.Now()
		work, cancel := detach(ctx, s.cfg.ShutdownTimeout)
		for _, entry := range claimed {
			if ctx.Err() != nil {
				break
			}
			s.processor.Process(work, entry, metrics.SourceClaim)
		}
		cancel()
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return len(claimed), err
	}

	count, err := s.source.PendingCount(ctx, s.cfg.Group)
	if err != nil {
		return len(claimed), err
	}
	s.pending.Store(count)
	metrics.PendingEntries.Set(float64(count))
	return len(claimed), nil
}

// PendingCount returns the pending count observed by the last sweep, or -1 before
// the first successful one.
func (s *Sweeper) PendingCount() int64 {
	return s.pending.Load()
}
