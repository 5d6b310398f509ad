package store

import (
	"context"
	"sync"
	"time"

	"github.com/nodeprobe/nodeprobe/internal/record"
)

// Memory is a volatile record.Store. It backs test fixtures and the
// degraded mode where the durable store could not be opened: results
// stay visible for the current process lifetime only.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	records []record.TestRecord
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, rec *record.TestRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	m.records = append(m.records, cloneRecord(*rec))
	return rec.ID, nil
}

func (m *Memory) QueryAll(ctx context.Context, filter record.Filter) ([]record.TestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []record.TestRecord
	for _, rec := range m.records {
		if filter.Client != "" && rec.ClientIdentity != filter.Client {
			continue
		}
		if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && rec.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func cloneRecord(rec record.TestRecord) record.TestRecord {
	if rec.Attributes != nil {
		attrs := *rec.Attributes
		rec.Attributes = &attrs
	}
	if rec.Latency != nil {
		lat := *rec.Latency
		rec.Latency = &lat
	}
	if rec.Throughput != nil {
		tp := *rec.Throughput
		rec.Throughput = &tp
	}
	return rec
}
