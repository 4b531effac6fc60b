package ingeststats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/webtrail/webtrail-stack/common/logging"
)

// Collector accumulates per-project ingestion counts and flushes them to Redis periodically.
// Safe for concurrent use from multiple goroutines.
type Collector struct {
	client        *Client
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	batches map[string]*BatchUpdate // projectID -> batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector that flushes to Redis every flushInterval.
func NewCollector(client *Client, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logger,
		batches:       make(map[string]*BatchUpdate),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c
}

func (c *Collector) batch(projectID string) *BatchUpdate {
	batch, ok := c.batches[projectID]
	if !ok {
		batch = NewBatchUpdate(projectID)
		c.batches[projectID] = batch
	}
	return batch
}

// RecordIngested accumulates a stored event for later batch flushing.
func (c *Collector) RecordIngested(projectID, website string) {
	if projectID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch(projectID).AddIngested(website, 1)
}

// RecordDeadLettered accumulates a dead-lettered entry.
// Entries without a project id are not attributed.
func (c *Collector) RecordDeadLettered(projectID string) {
	if projectID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch(projectID).AddDeadLettered(1)
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*BatchUpdate)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushed := 0
	var total int64

	for _, batch := range batches {
		if err := c.client.FlushBatch(ctx, batch); err != nil {
			c.logger.Error("failed to flush ingest stats batch",
				logging.ProjectID(batch.ProjectID),
				logging.Count(int(batch.Ingested)),
				logging.Error(err),
			)
			c.mu.Lock()
			if existing, ok := c.batches[batch.ProjectID]; ok {
				existing.Merge(batch)
			} else {
				c.batches[batch.ProjectID] = batch
			}
			c.mu.Unlock()
			continue
		}
		flushed++
		total += batch.Ingested
	}

	if flushed > 0 {
		c.logger.Debug("flushed ingest stats",
			slog.Int("projects", flushed),
			logging.Count(int(total)),
		)
	}
}

// FlushNow forces an immediate flush of all accumulated stats.
func (c *Collector) FlushNow() {
	c.flush()
}

// Stop stops the collector and flushes any remaining stats.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Pending returns accumulated ingested counts that have not been flushed yet.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make(map[string]int64, len(c.batches))
	for projectID, batch := range c.batches {
		pending[projectID] = batch.Ingested
	}
	return pending
}
