package lake

import (
	"context"
	"sort"
	"sync"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
)

// Memory is an in-memory lake client for tests and local runs. Records are
// ordered by ID; cursors are the last-seen ID, so re-fetching with the same
// cursor returns the same page.
type Memory struct {
	mu      sync.Mutex
	records []domain.Record

	// FailNext makes the next FetchBatch calls return the given error,
	// simulating lake outages.
	failures []error
}

// NewMemory creates an in-memory client over a copy of records.
func NewMemory(records []domain.Record) *Memory {
	rs := make([]domain.Record, len(records))
	copy(rs, records)
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	return &Memory{records: rs}
}

// FailNext queues errors returned by subsequent FetchBatch calls.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Append adds records after construction, keeping ID order.
func (m *Memory) Append(records ...domain.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	sort.Slice(m.records, func(i, j int) bool { return m.records[i].ID < m.records[j].ID })
}

// FetchBatch implements Client.
func (m *Memory) FetchBatch(ctx context.Context, cursor string, maxSize int) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return Batch{}, err
	}

	start := 0
	if cursor != "" {
		start = sort.Search(len(m.records), func(i int) bool { return m.records[i].ID > cursor })
	}
	end := start + maxSize
	if end > len(m.records) {
		end = len(m.records)
	}

	batch := Batch{NextCursor: cursor, HasMore: end < len(m.records)}
	for _, r := range m.records[start:end] {
		batch.Records = append(batch.Records, r)
		batch.NextCursor = r.ID
	}
	return batch, nil
}
