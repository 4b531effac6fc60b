// Package store persists decoded events with idempotent, most-recent-wins upserts.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
)

// Writer applies events to a document store.
//
// Apply must be idempotent: the record is keyed by the event's natural identity and
// replaces an existing record only when the stored updated_at is strictly older.
// Applying an event that is equal to or older than the stored one succeeds without
// changing anything.
type Writer interface {
	Apply(ctx context.Context, event *models.Event) error
	Close(ctx context.Context) error
}

// Class separates failures worth retrying from those that never succeed.
type Class int

const (
	Transient Class = iota + 1
	Permanent
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// WriteError is returned by every Writer for failed applies.
type WriteError struct {
	Class Class
	Key   string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s write error for %s: %v", e.Class, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retryable failure for key.
func NewTransient(key string, err error) error {
	return &WriteError{Class: Transient, Key: key, Err: err}
}

// NewPermanent wraps err as a failure that retrying cannot fix.
func NewPermanent(key string, err error) error {
	return &WriteError{Class: Permanent, Key: key, Err: err}
}

// IsTransient reports whether err is a retryable write failure.
func IsTransient(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Class == Transient
}

// IsPermanent reports whether err is a write failure that must not be retried.
func IsPermanent(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Class == Permanent
}
