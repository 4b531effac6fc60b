package decoder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/stream"
)

func visitEntry() stream.Entry {
	return stream.Entry{
		ID: "1700000000000-0",
		Values: map[string]string{
			"_type":      "visit",
			"pid":        "proj-1",
			"website":    "A.com",
			"timestamp":  "2024-05-01T12:00:00.123456Z",
			"page":       "/pricing",
			"referrer":   "https://news.example",
			"user_agent": "Mozilla/5.0",
			"browser":    "Firefox",
			"os":         "Linux",
			"device":     "desktop",
			"country":    "de",
			"session":    "s-1",
			"unexpected": "ignored",
		},
	}
}

func TestDecode_Visit(t *testing.T) {
	event, err := Decode(visitEntry())
	require.NoError(t, err)

	assert.Equal(t, models.KindVisit, event.Kind)
	assert.Equal(t, "proj-1", event.ProjectID)
	assert.Equal(t, "a.com", event.Website)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC), event.Timestamp)
	assert.Equal(t, "/pricing", event.Page)
	assert.Equal(t, "DE", event.Country)
	assert.Equal(t, "s-1", event.Session)
	assert.Nil(t, event.Metadata)
}

func TestDecode_CustomEvent(t *testing.T) {
	entry := stream.Entry{ID: "1-0", Values: map[string]string{
		"_type":     "event",
		"pid":       "proj-1",
		"website":   "a.com",
		"timestamp": "1714564800000",
		"name":      "signup",
		"metadata":  `{"plan":"pro","seats":3}`,
		"id":        "evt-42",
	}}

	event, err := Decode(entry)
	require.NoError(t, err)

	assert.Equal(t, models.KindEvent, event.Kind)
	assert.Equal(t, "signup", event.Name)
	assert.Equal(t, "evt-42", event.ID)
	assert.Equal(t, time.UnixMilli(1714564800000).UTC(), event.Timestamp)
	assert.Equal(t, map[string]any{"plan": "pro", "seats": float64(3)}, event.Metadata)
}

func TestDecode_KeepAlive(t *testing.T) {
	entry := stream.Entry{ID: "1-0", Values: map[string]string{
		"_type":     "keep_alive",
		"pid":       "proj-1",
		"website":   "a.com",
		"timestamp": "2024-05-01T12:00:00Z",
		"session":   "s-9",
		"duration":  "95",
	}}

	event, err := Decode(entry)
	require.NoError(t, err)
	assert.Equal(t, models.KindKeepAlive, event.Kind)
	assert.Equal(t, int64(95), event.Duration)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(map[string]string)
		wantField string
	}{
		{"missing type", func(v map[string]string) { delete(v, "_type") }, FieldType},
		{"unknown type", func(v map[string]string) { v["_type"] = "pageview" }, FieldType},
		{"missing pid", func(v map[string]string) { delete(v, "pid") }, FieldProjectID},
		{"blank website", func(v map[string]string) { v["website"] = "   " }, FieldWebsite},
		{"missing timestamp", func(v map[string]string) { delete(v, "timestamp") }, FieldTimestamp},
		{"bad timestamp", func(v map[string]string) { v["timestamp"] = "yesterday" }, FieldTimestamp},
		{"negative timestamp", func(v map[string]string) { v["timestamp"] = "-5" }, FieldTimestamp},
		{"metadata not json", func(v map[string]string) { v["metadata"] = "{plan:pro" }, FieldMetadata},
		{"metadata not object", func(v map[string]string) { v["metadata"] = `["a"]` }, FieldMetadata},
		{"metadata null", func(v map[string]string) { v["metadata"] = "null" }, FieldMetadata},
		{"bad duration", func(v map[string]string) { v["duration"] = "1.5h" }, FieldDuration},
		{"event without name", func(v map[string]string) { v["_type"] = "event" }, FieldName},
		{"keep alive without session", func(v map[string]string) {
			v["_type"] = "keep_alive"
			delete(v, "session")
		}, FieldSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := visitEntry()
			tt.mutate(entry.Values)

			event, err := Decode(entry)
			require.Error(t, err)
			assert.Nil(t, event)
			assert.True(t, errors.Is(err, ErrMalformed))

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.wantField, decodeErr.Field)
			assert.Equal(t, entry.ID, decodeErr.StreamID)
		})
	}
}

func TestDecode_DoesNotMutateEntry(t *testing.T) {
	entry := visitEntry()
	before := make(map[string]string, len(entry.Values))
	for k, v := range entry.Values {
		before[k] = v
	}

	_, err := Decode(entry)
	require.NoError(t, err)
	assert.Equal(t, before, entry.Values)
}

func TestDecode_SameInputSameKey(t *testing.T) {
	a, err := Decode(visitEntry())
	require.NoError(t, err)

	redelivered := visitEntry()
	redelivered.ID = "1700000009999-3"
	b, err := Decode(redelivered)
	require.NoError(t, err)

	assert.Equal(t, a.Key(), b.Key())
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
	}{
		{"2024-05-01T12:00:00Z", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-05-01T14:00:00+02:00", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"2024-05-01T12:00:00.999999Z", time.Date(2024, 5, 1, 12, 0, 0, 999000000, time.UTC)},
		{"1714564800000", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.True(t, tt.want.Equal(got), "%s: got %v want %v", tt.raw, got, tt.want)
	}
}

func TestNormalizeWebsite(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeWebsite("Example.COM."))
	assert.Equal(t, "b.com", NormalizeWebsite("b.com"))
}
