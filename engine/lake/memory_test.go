package lake

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
)

func seedRecords(n int) []domain.Record {
	out := make([]domain.Record, n)
	for i := range out {
		out[i] = domain.Record{
			ID:   fmt.Sprintf("r%03d", i),
			Text: fmt.Sprintf("record %d", i),
		}
	}
	return out
}

func TestMemoryPagination(t *testing.T) {
	m := NewMemory(seedRecords(5))
	ctx := context.Background()

	b1, err := m.FetchBatch(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, b1.Records, 2)
	assert.True(t, b1.HasMore)
	assert.Equal(t, "r001", b1.NextCursor)

	b2, err := m.FetchBatch(ctx, b1.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, "r002", b2.Records[0].ID)
	assert.True(t, b2.HasMore)

	b3, err := m.FetchBatch(ctx, b2.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, b3.Records, 1)
	assert.False(t, b3.HasMore)
	assert.Equal(t, "r004", b3.NextCursor)
}

func TestMemorySameCursorSamePage(t *testing.T) {
	m := NewMemory(seedRecords(6))
	ctx := context.Background()

	first, err := m.FetchBatch(ctx, "r001", 3)
	require.NoError(t, err)
	again, err := m.FetchBatch(ctx, "r001", 3)
	require.NoError(t, err)
	assert.Equal(t, first, again, "re-reading a cursor must return the same page")
}

func TestMemoryExhaustedCursorKept(t *testing.T) {
	m := NewMemory(seedRecords(2))
	ctx := context.Background()

	b, err := m.FetchBatch(ctx, "r001", 10)
	require.NoError(t, err)
	assert.Empty(t, b.Records)
	assert.False(t, b.HasMore)
	assert.Equal(t, "r001", b.NextCursor, "empty page keeps the cursor")
}

func TestMemoryFailNext(t *testing.T) {
	m := NewMemory(seedRecords(3))
	m.FailNext(domain.ErrLakeUnavailable)
	ctx := context.Background()

	_, err := m.FetchBatch(ctx, "", 10)
	assert.ErrorIs(t, err, domain.ErrLakeUnavailable)

	b, err := m.FetchBatch(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, b.Records, 3)
}

func TestMemoryAppendKeepsOrder(t *testing.T) {
	m := NewMemory(seedRecords(2))
	m.Append(domain.Record{ID: "r000a", Text: "inserted"})
	ctx := context.Background()

	b, err := m.FetchBatch(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, b.Records, 3)
	assert.Equal(t, "r000a", b.Records[1].ID)
}

func TestMemoryCancelledContext(t *testing.T) {
	m := NewMemory(seedRecords(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.FetchBatch(ctx, "", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailuresDrainInOrder(t *testing.T) {
	m := NewMemory(nil)
	e1, e2 := errors.New("one"), errors.New("two")
	m.FailNext(e1, e2)
	ctx := context.Background()

	_, err := m.FetchBatch(ctx, "", 1)
	assert.ErrorIs(t, err, e1)
	_, err = m.FetchBatch(ctx, "", 1)
	assert.ErrorIs(t, err, e2)
	_, err = m.FetchBatch(ctx, "", 1)
	assert.NoError(t, err)
}
