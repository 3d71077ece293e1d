package viz

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
	"github.com/BabylonML/babylon-pipeline/engine/embed"
	"github.com/BabylonML/babylon-pipeline/engine/store"
)

const testDims = 16

func seedStore(t *testing.T, n int) *store.Memory {
	t.Helper()
	st := store.NewMemory(testDims)
	h := embed.NewHash("m", testDims)

	vectors := make([]domain.IndexedVector, n)
	for i := range vectors {
		text := fmt.Sprintf("transaction %d", i)
		vecs, err := h.Embed(context.Background(), []string{text})
		require.NoError(t, err)
		vectors[i] = domain.IndexedVector{
			RecordID:  fmt.Sprintf("r%03d", i),
			ModelID:   "m",
			Embedding: vecs[0],
			Metadata:  map[string]any{"type": "debit"},
		}
	}
	_, err := st.Upsert(context.Background(), vectors)
	require.NoError(t, err)
	return st
}

func TestExportValidatesDims(t *testing.T) {
	e := NewExporter(seedStore(t, 3), Opts{Seed: 1}, nil)

	for _, dims := range []int{0, 1, 4, -2} {
		_, err := e.Export(context.Background(), "m", dims)
		assert.Error(t, err, "dims=%d", dims)
	}
}

func TestExportInsufficientData(t *testing.T) {
	e := NewExporter(seedStore(t, 1), Opts{Seed: 1}, nil)

	_, err := e.Export(context.Background(), "m", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)

	_, err = NewExporter(store.NewMemory(testDims), Opts{Seed: 1}, nil).
		Export(context.Background(), "m", 2)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestExportShapes(t *testing.T) {
	st := seedStore(t, 10)

	for _, dims := range []int{2, 3} {
		points, err := NewExporter(st, Opts{Seed: 42}, nil).Export(context.Background(), "m", dims)
		require.NoError(t, err)
		require.Len(t, points, 10)
		for _, p := range points {
			assert.Len(t, p.Coords, dims)
			assert.NotEmpty(t, p.RecordID)
		}
	}
}

func TestExportDeterministicPerSeed(t *testing.T) {
	st := seedStore(t, 8)
	ctx := context.Background()

	a, err := NewExporter(st, Opts{Seed: 42}, nil).Export(ctx, "m", 2)
	require.NoError(t, err)
	b, err := NewExporter(st, Opts{Seed: 42}, nil).Export(ctx, "m", 2)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same seed must reproduce the projection exactly")
}

func TestExportSpreadsDistinctVectors(t *testing.T) {
	points, err := NewExporter(seedStore(t, 8), Opts{Seed: 7}, nil).
		Export(context.Background(), "m", 2)
	require.NoError(t, err)

	seen := map[[2]float64]bool{}
	for _, p := range points {
		seen[[2]float64{p.Coords[0], p.Coords[1]}] = true
	}
	assert.Greater(t, len(seen), 1, "distinct vectors must not collapse to one point")
}

func TestExportIdenticalVectorsProjectToOrigin(t *testing.T) {
	st := store.NewMemory(2)
	same := []float32{1, 0}
	var vectors []domain.IndexedVector
	for i := 0; i < 3; i++ {
		vectors = append(vectors, domain.IndexedVector{
			RecordID: fmt.Sprintf("r%d", i), ModelID: "m", Embedding: same,
		})
	}
	_, err := st.Upsert(context.Background(), vectors)
	require.NoError(t, err)

	points, err := NewExporter(st, Opts{Seed: 1}, nil).Export(context.Background(), "m", 2)
	require.NoError(t, err)
	for _, p := range points {
		assert.Equal(t, []float64{0, 0}, p.Coords, "zero variance leaves coordinates at the origin")
	}
}

func TestLabelFallbackChain(t *testing.T) {
	e := NewExporter(nil, Opts{LabelKeys: []string{"category", "type"}}, nil)

	v := domain.IndexedVector{RecordID: "r1", Metadata: map[string]any{"category": "food", "type": "debit"}}
	assert.Equal(t, "food", e.label(v))

	v.Metadata = map[string]any{"type": "debit"}
	assert.Equal(t, "debit", e.label(v))

	v.Metadata = map[string]any{"category": ""}
	assert.Equal(t, "r1", e.label(v), "empty values fall through to the record id")

	v.Metadata = map[string]any{"category": int64(7)}
	assert.Equal(t, "7", e.label(v), "non-string scalars are stringified")

	v.Metadata = nil
	assert.Equal(t, "r1", e.label(v))
}

func TestDefaultLabelKeysApplied(t *testing.T) {
	e := NewExporter(nil, Opts{}, nil)
	v := domain.IndexedVector{RecordID: "r1", Metadata: map[string]any{"source_collection": "chase-data-2024"}}
	assert.Equal(t, "chase-data-2024", e.label(v))
}
