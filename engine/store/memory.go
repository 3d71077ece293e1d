package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
)

// Memory is an in-memory Adapter for tests and local runs. Vectors are keyed
// by (record_id, model_id), matching the store's uniqueness invariant.
type Memory struct {
	mu      sync.Mutex
	dims    int
	vectors map[string]domain.IndexedVector

	// failIDs makes Upsert report these record ids as failed, once each,
	// simulating partial store failures.
	failIDs map[string]int
}

// NewMemory creates an empty in-memory store configured for dims.
func NewMemory(dims int) *Memory {
	return &Memory{
		dims:    dims,
		vectors: make(map[string]domain.IndexedVector),
		failIDs: make(map[string]int),
	}
}

// FailUpsert makes the next n upserts of recordID fail.
func (m *Memory) FailUpsert(recordID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failIDs[recordID] = n
}

func key(recordID, modelID string) string {
	return recordID + "|" + modelID
}

// Upsert implements Adapter.
func (m *Memory) Upsert(ctx context.Context, vectors []domain.IndexedVector) (domain.UpsertResult, error) {
	var result domain.UpsertResult
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := validateDims(vectors, m.dims); err != nil {
		return result, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vectors {
		if n := m.failIDs[v.RecordID]; n > 0 {
			m.failIDs[v.RecordID] = n - 1
			result.Failed = append(result.Failed, v.RecordID)
			continue
		}
		m.vectors[key(v.RecordID, v.ModelID)] = v
		result.Succeeded = append(result.Succeeded, v.RecordID)
	}
	return result, nil
}

// Query implements Adapter using cosine similarity.
func (m *Memory) Query(ctx context.Context, embedding domain.Embedding, k int, modelID string, filter map[string]string) ([]domain.Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("store: non-positive k %d", k)
	}
	if len(embedding) != m.dims {
		return nil, fmt.Errorf("store: query embedding has %d dims, store configured for %d: %w",
			len(embedding), m.dims, domain.ErrDimensionMismatch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []domain.Match
	for _, v := range m.vectors {
		if v.ModelID != modelID {
			continue
		}
		if !matchesFilter(v.Metadata, filter) {
			continue
		}
		matches = append(matches, domain.Match{
			RecordID: v.RecordID,
			Score:    cosine(embedding, v.Embedding),
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// ExportAll implements Adapter.
func (m *Memory) ExportAll(ctx context.Context, modelID string) ([]domain.IndexedVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.IndexedVector
	for _, v := range m.vectors {
		if v.ModelID == modelID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out, nil
}

// Count implements Adapter.
func (m *Memory) Count(ctx context.Context, modelID string) (int, error) {
	vs, err := m.ExportAll(ctx, modelID)
	if err != nil {
		return 0, err
	}
	return len(vs), nil
}

func matchesFilter(meta map[string]any, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := meta[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
