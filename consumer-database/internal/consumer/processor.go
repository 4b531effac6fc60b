// Package consumer drains the event stream into the store.
//
// A Loop reads new entries for one consumer of the group, a Sweeper reclaims entries
// left pending by crashed or slow consumers, and both hand entries to the same Processor.
package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/webtrail/webtrail-stack/common/logging"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/decoder"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/dlq"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/metrics"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/store"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/stream"
)

// Outcome is the decision taken for one entry.
type Outcome int

const (
	// OutcomeApplied means the event was stored (or was already stored) and acknowledged.
	OutcomeApplied Outcome = iota
	// OutcomeDeadLettered means the entry was acknowledged without being stored.
	OutcomeDeadLettered
	// OutcomePending means the entry stays pending and will be reclaimed later.
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomePending:
		return "pending"
	default:
		return "unknown"
	}
}

// Acker acknowledges entries of a consumer group.
type Acker interface {
	Name() string
	Acknowledge(ctx context.Context, group string, ids ...string) error
}

// StatsRecorder receives per-project ingestion counts.
type StatsRecorder interface {
	RecordIngested(projectID, website string)
	RecordDeadLettered(projectID string)
}

type noopStats struct{}

func (noopStats) RecordIngested(string, string) {}
func (noopStats) RecordDeadLettered(string)     {}

// ProcessorConfig holds the identity and limits used by a Processor.
type ProcessorConfig struct {
	Group            string
	Consumer         string
	OperationTimeout time.Duration
}

// Processor decodes, stores and acknowledges single entries.
// Per-entry failures are resolved here and never returned to the caller.
type Processor struct {
	acker  Acker
	store  store.Writer
	dlq    dlq.Writer
	stats  StatsRecorder
	cfg    ProcessorConfig
	logger *logging.Logger

	applied      atomic.Int64
	deadLettered atomic.Int64
	pending      atomic.Int64
}

// NewProcessor creates a Processor. A nil dead-letter writer or stats recorder
// disables that sink.
func NewProcessor(acker Acker, writer store.Writer, dead dlq.Writer, stats StatsRecorder, cfg ProcessorConfig, logger *logging.Logger) *Processor {
	if dead == nil {
		dead = dlq.Noop{}
	}
	if stats == nil {
		stats = noopStats{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{
		acker:  acker,
		store:  writer,
		dlq:    dead,
		stats:  stats,
		cfg:    cfg,
		logger: logger,
	}
}

// Process takes the decision for entry: apply and acknowledge, dead-letter and
// acknowledge, or leave pending. source labels how the entry was obtained.
func (p *Processor) Process(ctx context.Context, entry stream.Entry, source string) Outcome {
	ctx = logging.WithEntryID(ctx, entry.ID)
	outcome := p.process(ctx, entry)

	metrics.EntriesTotal.WithLabelValues(source, outcome.String()).Inc()
	switch outcome {
	case OutcomeApplied:
		p.applied.Add(1)
	case OutcomeDeadLettered:
		p.deadLettered.Add(1)
	case OutcomePending:
		p.pending.Add(1)
	}
	return outcome
}

func (p *Processor) process(ctx context.Context, entry stream.Entry) Outcome {
	event, err := decoder.Decode(entry)
	if err != nil {
		return p.deadLetter(ctx, entry, dlq.ReasonMalformed, err)
	}

	if err := p.apply(ctx, event); err != nil {
		if store.IsPermanent(err) {
			return p.deadLetter(ctx, entry, dlq.ReasonPermanentWrite, err)
		}
		p.logger.WarnContext(ctx, "store write failed, leaving entry pending",
			logging.Kind(string(event.Kind)),
			logging.ProjectID(event.ProjectID),
			logging.Error(err),
		)
		return OutcomePending
	}

	if err := p.acker.Acknowledge(ctx, p.cfg.Group, entry.ID); err != nil {
		// The write is idempotent, a redelivery re-applies it as a no-op.
		p.logger.WarnContext(ctx, "acknowledge failed after store write", logging.Error(err))
		return OutcomePending
	}

	p.stats.RecordIngested(event.ProjectID, event.Website)
	p.logger.DebugContext(ctx, "entry applied",
		logging.Kind(string(event.Kind)),
		logging.ProjectID(event.ProjectID),
		logging.Website(event.Website),
	)
	return OutcomeApplied
}

func (p *Processor) apply(ctx context.Context, event *models.Event) error {
	if p.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.OperationTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.store.Apply(ctx, event)
	metrics.StoreDuration.Observe(time.Since(start).Seconds())
	return err
}

// deadLetter records entry in the dead-letter sink and acknowledges it. A sink
// failure is logged and counted but does not hold back the acknowledgment.
func (p *Processor) deadLetter(ctx context.Context, entry stream.Entry, reason string, cause error) Outcome {
	failed := dlq.FailedEntry{
		Stream:   p.acker.Name(),
		StreamID: entry.ID,
		Values:   entry.Values,
		Reason:   reason,
		Error:    cause.Error(),
		Consumer: p.cfg.Consumer,
		FailedAt: time.Now().UTC(),
	}
	if err := p.dlq.Write(ctx, failed); err != nil {
		metrics.DLQWriteErrors.Inc()
		p.logger.ErrorContext(ctx, "failed to write dead-letter", logging.Reason(reason), logging.Error(err))
	}

	if err := p.acker.Acknowledge(ctx, p.cfg.Group, entry.ID); err != nil {
		p.logger.WarnContext(ctx, "acknowledge failed for dead-lettered entry", logging.Error(err))
		return OutcomePending
	}

	metrics.DeadLetteredTotal.WithLabelValues(reason).Inc()
	p.stats.RecordDeadLettered(entry.Values[decoder.FieldProjectID])

	var decodeErr *decoder.DecodeError
	attrs := []any{logging.Reason(reason), logging.Error(cause)}
	if errors.As(cause, &decodeErr) {
		attrs = append(attrs, "field", decodeErr.Field)
	}
	p.logger.WarnContext(ctx, "entry dead-lettered", attrs...)
	return OutcomeDeadLettered
}

// Counts reports how many entries this processor applied, dead-lettered and left pending.
func (p *Processor) Counts() (applied, deadLettered, pending int64) {
	return p.applied.Load(), p.deadLettered.Load(), p.pending.Load()
}
