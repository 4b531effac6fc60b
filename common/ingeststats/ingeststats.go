// Package ingeststats provides Redis-backed per-project ingestion statistics.
//
// Designed for multiple consumer instances writing concurrently.
// Stats can be read by any service (query API, CLI, dashboards).
//
// Redis Key Structure:
//
//	ingest:stats:{project_id}                 - Hash with running totals
//	ingest:hourly:{project_id}:{YYYYMMDDHH}   - Ingested count for an hour (expires 48h)
//	ingest:daily:{project_id}:{YYYYMMDD}      - Ingested count for a day (expires 7d)
//	ingest:websites:{project_id}:{YYYYMMDD}   - Set of websites seen that day (expires 7d)
//	ingest:instances:{project_id}             - Hash of consumer instance -> last seen timestamp
package ingeststats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	hourlyTTL    = 48 * time.Hour
	dailyTTL     = 7 * 24 * time.Hour
	instancesTTL = 24 * time.Hour
)

// Stats represents current ingestion statistics for a project.
type Stats struct {
	ProjectID         string            `json:"project_id" yaml:"project_id"`
	LastIngestedAt    *time.Time        `json:"last_ingested_at,omitempty" yaml:"last_ingested_at,omitempty"`
	LastWebsite       string            `json:"last_website,omitempty" yaml:"last_website,omitempty"`
	TotalIngested     int64             `json:"total_ingested" yaml:"total_ingested"`
	TotalDeadLettered int64             `json:"total_dead_lettered" yaml:"total_dead_lettered"`
	IngestedLastHour  int64             `json:"ingested_last_hour" yaml:"ingested_last_hour"`
	IngestedLast24h   int64             `json:"ingested_last_24h" yaml:"ingested_last_24h"`
	WebsitesToday     int64             `json:"websites_today" yaml:"websites_today"`
	Instances         map[string]string `json:"instances,omitempty" yaml:"instances,omitempty"` // instance_id -> last_seen
	RetrievedAt       time.Time         `json:"retrieved_at" yaml:"retrieved_at"`
}

// Client records and retrieves project statistics.
type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient creates a client from an existing Redis connection.
// instanceID should be unique per consumer instance.
func NewClient(client *redis.Client, instanceID string) *Client {
	return &Client{
		redis:      client,
		instanceID: instanceID,
		now:        time.Now,
	}
}

func statsKey(projectID string) string {
	return "ingest:stats:" + projectID
}

func hourlyKey(projectID string, t time.Time) string {
	return fmt.Sprintf("ingest:hourly:%s:%s", projectID, t.UTC().Format("2006010215"))
}

func dailyKey(projectID string, t time.Time) string {
	return fmt.Sprintf("ingest:daily:%s:%s", projectID, t.UTC().Format("20060102"))
}

func websitesKey(projectID string, t time.Time) string {
	return fmt.Sprintf("ingest:websites:%s:%s", projectID, t.UTC().Format("20060102"))
}

func instancesKey(projectID string) string {
	return "ingest:instances:" + projectID
}

// BatchUpdate holds accumulated stats for one project.
type BatchUpdate struct {
	ProjectID    string
	Ingested     int64
	DeadLettered int64
	Websites     map[string]struct{}
	LastWebsite  string
}

// NewBatchUpdate creates an empty accumulator for projectID.
func NewBatchUpdate(projectID string) *BatchUpdate {
	return &BatchUpdate{
		ProjectID: projectID,
		Websites:  make(map[string]struct{}),
	}
}

// AddIngested counts stored events for website.
func (b *BatchUpdate) AddIngested(website string, n int64) {
	b.Ingested += n
	if website != "" {
		b.Websites[website] = struct{}{}
		b.LastWebsite = website
	}
}

// AddDeadLettered counts entries that were dropped.
func (b *BatchUpdate) AddDeadLettered(n int64) {
	b.DeadLettered += n
}

// Merge folds other into b.
func (b *BatchUpdate) Merge(other *BatchUpdate) {
	b.Ingested += other.Ingested
	b.DeadLettered += other.DeadLettered
	for w := range other.Websites {
		b.Websites[w] = struct{}{}
	}
	if other.LastWebsite != "" {
		b.LastWebsite = other.LastWebsite
	}
}

// FlushBatch writes accumulated batch stats to Redis in one pipeline.
func (c *Client) FlushBatch(ctx context.Context, batch *BatchUpdate) error {
	if batch.Ingested == 0 && batch.DeadLettered == 0 {
		return nil
	}

	now := c.now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)
	pipe := c.redis.Pipeline()

	key := statsKey(batch.ProjectID)
	if batch.Ingested > 0 {
		fields := map[string]any{"last_ingested_at": nowUnix}
		if batch.LastWebsite != "" {
			fields["last_website"] = batch.LastWebsite
		}
		pipe.HSet(ctx, key, fields)
		pipe.HIncrBy(ctx, key, "ingested", batch.Ingested)

		hourly := hourlyKey(batch.ProjectID, now)
		pipe.IncrBy(ctx, hourly, batch.Ingested)
		pipe.Expire(ctx, hourly, hourlyTTL)

		daily := dailyKey(batch.ProjectID, now)
		pipe.IncrBy(ctx, daily, batch.Ingested)
		pipe.Expire(ctx, daily, dailyTTL)
	}
	if batch.DeadLettered > 0 {
		pipe.HIncrBy(ctx, key, "dead_lettered", batch.DeadLettered)
	}

	if len(batch.Websites) > 0 {
		websites := make([]any, 0, len(batch.Websites))
		for w := range batch.Websites {
			websites = append(websites, w)
		}
		wk := websitesKey(batch.ProjectID, now)
		pipe.SAdd(ctx, wk, websites...)
		pipe.Expire(ctx, wk, dailyTTL)
	}

	ik := instancesKey(batch.ProjectID)
	pipe.HSet(ctx, ik, c.instanceID, nowUnix)
	pipe.Expire(ctx, ik, instancesTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush batch: %w", err)
	}
	return nil
}

// GetStats retrieves current statistics for a project.
func (c *Client) GetStats(ctx context.Context, projectID string) (*Stats, error) {
	now := c.now()
	pipe := c.redis.Pipeline()

	statsCmd := pipe.HGetAll(ctx, statsKey(projectID))
	currentHourCmd := pipe.Get(ctx, hourlyKey(projectID, now))

	hourlyCmds := make([]*redis.StringCmd, 24)
	for i := range hourlyCmds {
		hourlyCmds[i] = pipe.Get(ctx, hourlyKey(projectID, now.Add(-time.Duration(i)*time.Hour)))
	}

	websitesCmd := pipe.SCard(ctx, websitesKey(projectID, now))
	instancesCmd := pipe.HGetAll(ctx, instancesKey(projectID))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := &Stats{
		ProjectID:   projectID,
		RetrievedAt: now,
		Instances:   make(map[string]string),
	}

	if fields, err := statsCmd.Result(); err == nil {
		if unix, err := strconv.ParseInt(fields["last_ingested_at"], 10, 64); err == nil {
			t := time.Unix(unix, 0)
			stats.LastIngestedAt = &t
		}
		stats.LastWebsite = fields["last_website"]
		stats.TotalIngested, _ = strconv.ParseInt(fields["ingested"], 10, 64)
		stats.TotalDeadLettered, _ = strconv.ParseInt(fields["dead_lettered"], 10, 64)
	}

	if val, err := currentHourCmd.Int64(); err == nil {
		stats.IngestedLastHour = val
	}
	for _, cmd := range hourlyCmds {
		if val, err := cmd.Int64(); err == nil {
			stats.IngestedLast24h += val
		}
	}
	if val, err := websitesCmd.Result(); err == nil {
		stats.WebsitesToday = val
	}
	if instances, err := instancesCmd.Result(); err == nil {
		for instance, lastSeen := range instances {
			if unix, err := strconv.ParseInt(lastSeen, 10, 64); err == nil {
				stats.Instances[instance] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}

	return stats, nil
}

// ListActiveProjects returns project ids that ingested events within since.
func (c *Client) ListActiveProjects(ctx context.Context, since time.Duration) ([]string, error) {
	var projectIDs []string
	cutoff := c.now().Add(-since).Unix()

	iter := c.redis.Scan(ctx, 0, statsKey("*"), 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		lastIngested, err := c.redis.HGet(ctx, key, "last_ingested_at").Int64()
		if err == nil && lastIngested >= cutoff {
			projectIDs = append(projectIDs, strings.TrimPrefix(key, statsKey("")))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan projects: %w", err)
	}

	return projectIDs, nil
}
