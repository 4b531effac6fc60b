// Package decoder turns raw stream entries into typed events. It performs no I/O.
package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/stream"
)

// ErrMalformed matches every decode failure. Malformed entries can never succeed.
var ErrMalformed = errors.New("malformed entry")

// Entry field names.
const (
	FieldType      = "_type"
	FieldProjectID = "pid"
	FieldWebsite   = "website"
	FieldTimestamp = "timestamp"
	FieldID        = "id"
	FieldSession   = "session"
	FieldPage      = "page"
	FieldReferrer  = "referrer"
	FieldUserAgent = "user_agent"
	FieldBrowser   = "browser"
	FieldOS        = "os"
	FieldDevice    = "device"
	FieldCountry   = "country"
	FieldName      = "name"
	FieldMetadata  = "metadata"
	FieldDuration  = "duration"
)

// DecodeError describes why an entry was rejected.
type DecodeError struct {
	StreamID string
	Field    string
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode entry %s: field %q: %s", e.StreamID, e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrMalformed
}

// Decode validates entry and returns the event it carries. Unknown fields are ignored.
func Decode(entry stream.Entry) (*models.Event, error) {
	d := decoding{entry: entry}

	kindRaw := d.required(FieldType)
	pid := d.required(FieldProjectID)
	website := d.required(FieldWebsite)
	tsRaw := d.required(FieldTimestamp)
	if d.err != nil {
		return nil, d.err
	}

	kind, ok := models.ParseKind(kindRaw)
	if !ok {
		return nil, d.fail(FieldType, fmt.Sprintf("unknown event kind %q", kindRaw))
	}

	ts, err := ParseTimestamp(tsRaw)
	if err != nil {
		return nil, d.fail(FieldTimestamp, err.Error())
	}

	event := &models.Event{
		Kind:      kind,
		ProjectID: pid,
		Website:   NormalizeWebsite(website),
		Timestamp: ts,
		ID:        d.optional(FieldID),
		Session:   d.optional(FieldSession),
		Page:      d.optional(FieldPage),
		Referrer:  d.optional(FieldReferrer),
		UserAgent: d.optional(FieldUserAgent),
		Browser:   d.optional(FieldBrowser),
		OS:        d.optional(FieldOS),
		Device:    d.optional(FieldDevice),
		Country:   strings.ToUpper(d.optional(FieldCountry)),
		Name:      d.optional(FieldName),
	}

	switch kind {
	case models.KindEvent:
		if event.Name == "" {
			return nil, d.fail(FieldName, "required for custom events")
		}
	case models.KindKeepAlive:
		if event.Session == "" {
			return nil, d.fail(FieldSession, "required for keep-alives")
		}
	}

	if raw := d.optional(FieldMetadata); raw != "" {
		var metadata map[string]any
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil || metadata == nil {
			return nil, d.fail(FieldMetadata, "must be a JSON object")
		}
		event.Metadata = metadata
	}

	if raw := d.optional(FieldDuration); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds < 0 {
			return nil, d.fail(FieldDuration, "must be a non-negative number of seconds")
		}
		event.Duration = seconds
	}

	return event, nil
}

// ParseTimestamp accepts RFC 3339 or unix milliseconds. The result is UTC, truncated
// to milliseconds so every store compares it the same way.
func ParseTimestamp(raw string) (time.Time, error) {
	var ts time.Time
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("unix milliseconds must be positive")
		}
		ts = time.UnixMilli(ms)
	} else {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("not RFC 3339 or unix milliseconds: %q", raw)
		}
		ts = parsed
	}
	return ts.UTC().Truncate(time.Millisecond), nil
}

// NormalizeWebsite lower-cases a domain and strips a trailing dot.
func NormalizeWebsite(website string) string {
	return strings.TrimSuffix(strings.ToLower(website), ".")
}

type decoding struct {
	entry stream.Entry
	err   *DecodeError
}

func (d *decoding) required(field string) string {
	v := strings.TrimSpace(d.entry.Values[field])
	if v == "" && d.err == nil {
		d.err = &DecodeError{StreamID: d.entry.ID, Field: field, Reason: "missing required field"}
	}
	return v
}

func (d *decoding) optional(field string) string {
	return strings.TrimSpace(d.entry.Values[field])
}

func (d *decoding) fail(field, reason string) *DecodeError {
	return &DecodeError{StreamID: d.entry.ID, Field: field, Reason: reason}
}
