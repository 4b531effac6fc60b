// Package dlq records stream entries the consumer acknowledged without storing.
package dlq

import (
	"context"
	"time"
)

// Dead-letter reasons.
const (
	ReasonMalformed      = "malformed"
	ReasonPermanentWrite = "permanent_write"
)

// FailedEntry captures a dead-lettered stream entry for inspection or replay.
type FailedEntry struct {
	Stream   string            `json:"stream"`
	StreamID string            `json:"stream_id"`
	Values   map[string]string `json:"values"`
	Reason   string            `json:"reason"`
	Error    string            `json:"error"`
	Consumer string            `json:"consumer"`
	FailedAt time.Time         `json:"failed_at"`
}

// Writer receives dead-lettered entries.
type Writer interface {
	Write(ctx context.Context, entry FailedEntry) error
	Close() error
}

// Queue is a Writer that can also be inspected.
type Queue interface {
	Writer
	// List returns up to limit entries, most recent first.
	List(ctx context.Context, limit int) ([]FailedEntry, error)
	// Purge removes every entry and returns how many were removed.
	Purge(ctx context.Context) (int64, error)
}

// Noop discards entries. Dead-letters are still counted by the caller.
type Noop struct{}

func (Noop) Write(context.Context, FailedEntry) error { return nil }

func (Noop) List(context.Context, int) ([]FailedEntry, error) { return nil, nil }

func (Noop) Purge(context.Context) (int64, error) { return 0, nil }

func (Noop) Close() error { return nil }
