package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/webtrail/webtrail-stack/common/logging"
)

// FileQueue writes one JSON file per dead-letter. Only suitable for a single instance.
type FileQueue struct {
	basePath string
	logger   *logging.Logger
	mu       sync.Mutex
	written  uint64
}

// NewFileQueue creates a DLQ that writes to basePath, creating it if needed.
func NewFileQueue(basePath string, logger *logging.Logger) (*FileQueue, error) {
	if basePath == "" {
		basePath = "/var/lib/webtrail/dlq"
	}
	if logger == nil {
		logger = logging.Default()
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &FileQueue{basePath: basePath, logger: logger}, nil
}

func (q *FileQueue) Write(ctx context.Context, entry FailedEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	// Zero-padded nanoseconds keep lexical order equal to write order.
	filename := fmt.Sprintf("failed_%020d_%06d.json", entry.FailedAt.UnixNano(), q.written%1000000)
	if err := os.WriteFile(filepath.Join(q.basePath, filename), data, 0o644); err != nil {
		return fmt.Errorf("write dlq entry: %w", err)
	}

	q.written++
	q.logger.Debug("dlq entry written", "file", filename, logging.Reason(entry.Reason))
	return nil
}

func (q *FileQueue) List(ctx context.Context, limit int) ([]FailedEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.files()
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var entries []FailedEntry
	for _, name := range names {
		if limit > 0 && len(entries) >= limit {
			break
		}

		data, err := os.ReadFile(filepath.Join(q.basePath, name))
		if err != nil {
			q.logger.Warn("failed to read dlq file", "file", name, logging.Error(err))
			continue
		}

		var entry FailedEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			q.logger.Warn("failed to parse dlq file", "file", name, logging.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (q *FileQueue) Purge(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.files()
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, name := range names {
		if err := os.Remove(filepath.Join(q.basePath, name)); err != nil {
			q.logger.Warn("failed to delete dlq file", "file", name, logging.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (q *FileQueue) Close() error {
	return nil
}

func (q *FileQueue) files() ([]string, error) {
	dirEntries, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}

	var names []string
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "failed_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
