// Package models defines the decoded analytics events and their persisted form.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Kind is the event type carried in the _type field of a stream entry.
type Kind string

const (
	KindVisit     Kind = "visit"
	KindEvent     Kind = "event"
	KindKeepAlive Kind = "keep_alive"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindVisit, KindEvent, KindKeepAlive}

// ParseKind returns the kind named by s and whether it is supported.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Collection is the store collection (or index suffix) records of this kind live in.
func (k Kind) Collection() string {
	switch k {
	case KindVisit:
		return "visits"
	case KindEvent:
		return "events"
	case KindKeepAlive:
		return "sessions"
	default:
		return ""
	}
}

// Event is a decoded stream entry.
type Event struct {
	Kind      Kind
	ProjectID string
	Website   string
	Timestamp time.Time

	// ID is the producer supplied identity, if any.
	ID string

	Session   string
	Page      string
	Referrer  string
	UserAgent string
	Browser   string
	OS        string
	Device    string
	Country   string

	Name     string
	Metadata map[string]any

	// Duration of a session heartbeat in seconds.
	Duration int64
}

// Source returns the identity component of the key: the producer id when present,
// the session for keep-alives, else the event timestamp together with its content.
func (e *Event) Source() string {
	if e.ID != "" {
		return "id:" + e.ID
	}
	if e.Kind == KindKeepAlive && e.Session != "" {
		return "session:" + e.Session
	}
	return "ts:" + strconv.FormatInt(e.Timestamp.UnixNano(), 10) + "|" + e.content()
}

// content serializes every payload field. Map keys are emitted sorted, so equal
// events always yield equal bytes.
func (e *Event) content() string {
	b, _ := json.Marshal(struct {
		Session   string         `json:"s"`
		Page      string         `json:"p"`
		Referrer  string         `json:"r"`
		UserAgent string         `json:"ua"`
		Browser   string         `json:"b"`
		OS        string         `json:"os"`
		Device    string         `json:"d"`
		Country   string         `json:"c"`
		Name      string         `json:"n"`
		Metadata  map[string]any `json:"m"`
		Duration  int64          `json:"du"`
	}{e.Session, e.Page, e.Referrer, e.UserAgent, e.Browser, e.OS, e.Device, e.Country, e.Name, e.Metadata, e.Duration})
	return string(b)
}

// Key is the natural identity of the event. It never depends on the stream position.
func (e *Event) Key() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{e.ProjectID, e.Website, string(e.Kind), e.Source()}, "|")))
	return hex.EncodeToString(sum[:])
}

// Record converts the event into its stored representation.
func (e *Event) Record() *Record {
	ts := e.Timestamp.UTC()
	return &Record{
		Key:       e.Key(),
		Kind:      e.Kind,
		ProjectID: e.ProjectID,
		Website:   e.Website,
		EventID:   e.ID,
		Session:   e.Session,
		Page:      e.Page,
		Referrer:  e.Referrer,
		UserAgent: e.UserAgent,
		Browser:   e.Browser,
		OS:        e.OS,
		Device:    e.Device,
		Country:   e.Country,
		Name:      e.Name,
		Metadata:  e.Metadata,
		Duration:  e.Duration,
		Timestamp: ts,
		UpdatedAt: ts,
	}
}

// Record is the persisted document. It holds no ingestion-time values so that
// applying the same event twice stores identical bytes.
type Record struct {
	Key       string         `json:"_id" bson:"_id"`
	Kind      Kind           `json:"type" bson:"type"`
	ProjectID string         `json:"pid" bson:"pid"`
	Website   string         `json:"website" bson:"website"`
	EventID   string         `json:"event_id,omitempty" bson:"event_id,omitempty"`
	Session   string         `json:"session,omitempty" bson:"session,omitempty"`
	Page      string         `json:"page,omitempty" bson:"page,omitempty"`
	Referrer  string         `json:"referrer,omitempty" bson:"referrer,omitempty"`
	UserAgent string         `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	Browser   string         `json:"browser,omitempty" bson:"browser,omitempty"`
	OS        string         `json:"os,omitempty" bson:"os,omitempty"`
	Device    string         `json:"device,omitempty" bson:"device,omitempty"`
	Country   string         `json:"country,omitempty" bson:"country,omitempty"`
	Name      string         `json:"name,omitempty" bson:"name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Duration  int64          `json:"duration,omitempty" bson:"duration,omitempty"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
	// UpdatedAt drives most-recent-wins replacement.
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}
