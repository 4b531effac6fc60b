package logging

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestStringFields(t *testing.T) {
	tests := []struct {
		name string
		attr slog.Attr
		key  string
		want string
	}{
		{"service", Service("consumer-database"), FieldService, "consumer-database"},
		{"group", Group("db-writers"), FieldGroup, "db-writers"},
		{"stream", Stream("events"), FieldStream, "events"},
		{"stream id", StreamID("1-0"), FieldStreamID, "1-0"},
		{"project", ProjectID("p1"), FieldProjectID, "p1"},
		{"website", Website("a.com"), FieldWebsite, "a.com"},
		{"kind", Kind("visit"), FieldKind, "visit"},
		{"outcome", Outcome("applied"), FieldOutcome, "applied"},
		{"reason", Reason("malformed"), FieldReason, "malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.key {
				t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
			}
			if tt.attr.Value.String() != tt.want {
				t.Errorf("expected value %q, got %q", tt.want, tt.attr.Value.String())
			}
		})
	}
}

func TestCount(t *testing.T) {
	attr := Count(7)
	if attr.Key != FieldCount || attr.Value.Int64() != 7 {
		t.Errorf("unexpected attr %v", attr)
	}
}

func TestDuration(t *testing.T) {
	attr := Duration(1500 * time.Millisecond)
	if attr.Key != FieldDuration {
		t.Errorf("expected key %q, got %q", FieldDuration, attr.Key)
	}
	if attr.Value.Int64() != 1500 {
		t.Errorf("expected 1500, got %d", attr.Value.Int64())
	}
}

func TestError(t *testing.T) {
	attr := Error(errors.New("boom"))
	if attr.Key != FieldError {
		t.Errorf("expected key %q, got %q", FieldError, attr.Key)
	}
	if attr.Value.String() != "boom" {
		t.Errorf("expected boom, got %q", attr.Value.String())
	}

	if got := Error(nil).Value.String(); got != "" {
		t.Errorf("expected empty string for nil error, got %q", got)
	}
}
