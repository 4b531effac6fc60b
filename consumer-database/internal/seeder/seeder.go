// Package seeder appends realistic analytics entries to the stream for development.
package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
)

// Appender adds one entry to the stream.
type Appender interface {
	Append(ctx context.Context, values map[string]string) (string, error)
}

// Config controls what the seeder generates.
type Config struct {
	Count      int
	ProjectID  string
	Website    string
	Kinds      []models.Kind
	TimeSpread time.Duration
	// MalformedEvery makes every n-th entry lack its timestamp. Zero disables it.
	MalformedEvery int
	Sessions       int
	Seed           int64
}

// Result summarizes a seeding run.
type Result struct {
	Appended  int                 `json:"appended" yaml:"appended"`
	Malformed int                 `json:"malformed" yaml:"malformed"`
	ByKind    map[models.Kind]int `json:"by_kind" yaml:"by_kind"`
	FirstID   string              `json:"first_id,omitempty" yaml:"first_id,omitempty"`
	LastID    string              `json:"last_id,omitempty" yaml:"last_id,omitempty"`
}

// Generator builds stream entry values.
type Generator struct {
	cfg      Config
	faker    *gofakeit.Faker
	sessions []string
	now      func() time.Time
}

// NewGenerator creates a Generator. Kinds defaults to every kind and Sessions to 10.
func NewGenerator(cfg Config) *Generator {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = models.Kinds
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 10
	}

	faker := gofakeit.New(cfg.Seed)
	sessions := make([]string, cfg.Sessions)
	for i := range sessions {
		sessions[i] = faker.UUID()
	}

	return &Generator{
		cfg:      cfg,
		faker:    faker,
		sessions: sessions,
		now:      time.Now,
	}
}

// Entry returns the values of the index-th of total entries.
func (g *Generator) Entry(index, total int) (models.Kind, map[string]string) {
	kind := g.cfg.Kinds[g.faker.Number(0, len(g.cfg.Kinds)-1)]
	ts := g.timestamp(index, total)

	values := map[string]string{
		"_type":     string(kind),
		"pid":       g.cfg.ProjectID,
		"website":   g.cfg.Website,
		"timestamp": strconv.FormatInt(ts.UnixMilli(), 10),
		"session":   g.faker.RandomString(g.sessions),
	}

	switch kind {
	case models.KindVisit:
		values["page"] = "/" + g.faker.Word()
		values["referrer"] = g.faker.URL()
		values["user_agent"] = g.faker.UserAgent()
		values["browser"] = g.faker.RandomString([]string{"chrome", "firefox", "safari", "edge"})
		values["os"] = g.faker.RandomString([]string{"linux", "macos", "windows", "ios", "android"})
		values["device"] = g.faker.RandomString([]string{"desktop", "mobile", "tablet"})
		values["country"] = g.faker.CountryAbr()
	case models.KindEvent:
		values["id"] = g.faker.UUID()
		values["name"] = g.faker.HackerVerb()
		metadata, _ := json.Marshal(map[string]any{
			"plan":  g.faker.RandomString([]string{"free", "pro", "team"}),
			"value": g.faker.Number(1, 500),
		})
		values["metadata"] = string(metadata)
	case models.KindKeepAlive:
		values["duration"] = strconv.Itoa(g.faker.Number(1, 1800))
	}

	return kind, values
}

// timestamp spreads entries evenly over TimeSpread ending now, with jitter.
func (g *Generator) timestamp(index, total int) time.Time {
	now := g.now()
	if g.cfg.TimeSpread <= 0 || total <= 0 {
		return now
	}

	base := float64(g.cfg.TimeSpread) / float64(total)
	jitter := g.faker.Float64Range(-0.4, 0.4) * base
	offset := time.Duration(float64(index)*base + jitter)
	if offset < 0 {
		offset = 0
	}
	if offset > g.cfg.TimeSpread {
		offset = g.cfg.TimeSpread
	}
	return now.Add(-(g.cfg.TimeSpread - offset))
}

// Run appends cfg.Count entries and stops early when ctx is cancelled.
func Run(ctx context.Context, appender Appender, cfg Config) (*Result, error) {
	g := NewGenerator(cfg)
	result := &Result{ByKind: make(map[models.Kind]int)}

	for i := 0; i < cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		kind, values := g.Entry(i, cfg.Count)
		if cfg.MalformedEvery > 0 && (i+1)%cfg.MalformedEvery == 0 {
			delete(values, "timestamp")
			result.Malformed++
		}

		id, err := appender.Append(ctx, values)
		if err != nil {
			return result, fmt.Errorf("append entry %d: %w", i, err)
		}
		if result.FirstID == "" {
			result.FirstID = id
		}
		result.LastID = id
		result.Appended++
		result.ByKind[kind]++
	}
	return result, nil
}
