package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
)

type memoryRecord struct {
	updatedAt time.Time
	data      []byte
}

// Memory keeps records in process as canonical JSON. It backs dry runs and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]memoryRecord
	fault   func(*models.Event) error
	applied int
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string]memoryRecord)}
}

// SetFault makes Apply return fn's error (when non-nil) instead of writing.
func (m *Memory) SetFault(fn func(*models.Event) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

func (m *Memory) Apply(ctx context.Context, event *models.Event) error {
	if err := ctx.Err(); err != nil {
		return NewTransient(event.Key(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fault != nil {
		if err := m.fault(event); err != nil {
			return err
		}
	}

	rec := event.Record()
	data, err := json.Marshal(rec)
	if err != nil {
		return NewPermanent(rec.Key, err)
	}

	collection := event.Kind.Collection()
	if m.records[collection] == nil {
		m.records[collection] = make(map[string]memoryRecord)
	}
	if existing, ok := m.records[collection][rec.Key]; ok && !existing.updatedAt.Before(rec.UpdatedAt) {
		return nil
	}

	m.records[collection][rec.Key] = memoryRecord{updatedAt: rec.UpdatedAt, data: data}
	m.applied++
	return nil
}

// Get returns the stored bytes for key in the collection of kind.
func (m *Memory) Get(kind models.Kind, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[kind.Collection()][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), rec.data...), true
}

// Records returns all stored records of kind.
func (m *Memory) Records(kind models.Kind) []models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]models.Record, 0, len(m.records[kind.Collection()]))
	for _, rec := range m.records[kind.Collection()] {
		var r models.Record
		if err := json.Unmarshal(rec.data, &r); err == nil {
			records = append(records, r)
		}
	}
	return records
}

// Len returns the number of stored records across all kinds.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.records {
		n += len(c)
	}
	return n
}

// Writes returns how many applies changed stored state.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied
}

func (m *Memory) Close(context.Context) error {
	return nil
}
