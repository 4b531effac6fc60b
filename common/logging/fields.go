package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across services.
const (
	FieldService   = "service"
	FieldConsumer  = "consumer"
	FieldGroup     = "group"
	FieldStream    = "stream"
	FieldStreamID  = "stream_id"
	FieldProjectID = "project_id"
	FieldWebsite   = "website"
	FieldKind      = "kind"
	FieldOutcome   = "outcome"
	FieldReason    = "reason"
	FieldCount     = "count"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Group returns a slog attribute for the consumer group name.
func Group(name string) slog.Attr {
	return slog.String(FieldGroup, name)
}

// Stream returns a slog attribute for the stream key.
func Stream(name string) slog.Attr {
	return slog.String(FieldStream, name)
}

// StreamID returns a slog attribute for a stream entry id.
func StreamID(id string) slog.Attr {
	return slog.String(FieldStreamID, id)
}

// ProjectID returns a slog attribute for a project id.
func ProjectID(id string) slog.Attr {
	return slog.String(FieldProjectID, id)
}

// Website returns a slog attribute for a website/domain.
func Website(domain string) slog.Attr {
	return slog.String(FieldWebsite, domain)
}

// Kind returns a slog attribute for an event kind.
func Kind(kind string) slog.Attr {
	return slog.String(FieldKind, kind)
}

// Outcome returns a slog attribute for a processing outcome.
func Outcome(outcome string) slog.Attr {
	return slog.String(FieldOutcome, outcome)
}

// Reason returns a slog attribute for a dead-letter reason.
func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

// Count returns a slog attribute for a count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
