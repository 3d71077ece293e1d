package embed

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
)

func TestHashDeterministic(t *testing.T) {
	h := NewHash("bge-small", 16)
	ctx := context.Background()

	a, err := h.Embed(ctx, []string{"coffee shop purchase"})
	require.NoError(t, err)
	b, err := h.Embed(ctx, []string{"coffee shop purchase"})
	require.NoError(t, err)
	assert.Equal(t, a, b, "same model and text must produce identical vectors")

	c, err := h.Embed(ctx, []string{"grocery store"})
	require.NoError(t, err)
	assert.NotEqual(t, a[0], c[0], "different text must produce different vectors")

	other := NewHash("other-model", 16)
	d, err := other.Embed(ctx, []string{"coffee shop purchase"})
	require.NoError(t, err)
	assert.NotEqual(t, a[0], d[0], "different model must produce different vectors")
}

func TestHashUnitNorm(t *testing.T) {
	h := NewHash("m", 64)
	vecs, err := h.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, vecs[0], 64)

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

// flaky fails the first n Embed calls, then delegates to a Hash embedder.
type flaky struct {
	*Hash
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flaky) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("flaky: %w", domain.ErrModelUnavailable)
	}
	return f.Hash.Embed(ctx, texts)
}

func newService(t *testing.T, emb Embedder, cache *Cache, opts ServiceOpts) *Service {
	t.Helper()
	svc, err := NewService(emb, cache, opts, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func records(texts ...string) []domain.Record {
	out := make([]domain.Record, len(texts))
	for i, txt := range texts {
		out[i] = domain.Record{ID: fmt.Sprintf("r%d", i), Text: txt}
	}
	return out
}

func TestServiceEmbedsInOrder(t *testing.T) {
	svc := newService(t, NewHash("m", 8), nil, ServiceOpts{BatchSize: 2, Workers: 2})

	recs := records("a", "b", "c", "d", "e")
	vectors, skipped, err := svc.EmbedRecords(context.Background(), recs)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, vectors, 5)

	h := NewHash("m", 8)
	for i, v := range vectors {
		assert.Equal(t, recs[i].ID, v.RecordID)
		assert.Equal(t, "m", v.ModelID)
		want, _ := h.Embed(context.Background(), []string{recs[i].Text})
		assert.Equal(t, want[0], v.Embedding, "vector %d must align with input order", i)
	}
}

func TestServiceSkipsDefectiveRecords(t *testing.T) {
	svc := newService(t, NewHash("m", 8), nil, ServiceOpts{MaxTextBytes: 10})

	recs := []domain.Record{
		{ID: "ok", Text: "short"},
		{ID: "empty", Text: ""},
		{ID: "big", Text: strings.Repeat("x", 11)},
		{ID: "", Text: "no id"},
	}
	vectors, skipped, err := svc.EmbedRecords(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, "ok", vectors[0].RecordID)

	require.Len(t, skipped, 3)
	reasons := map[string]string{}
	for _, s := range skipped {
		reasons[s.RecordID] = s.Reason
	}
	assert.Contains(t, reasons["empty"], "empty text")
	assert.Contains(t, reasons["big"], domain.ErrInputTooLarge.Error())
}

func TestServiceAllSkippedIsNotAnError(t *testing.T) {
	svc := newService(t, NewHash("m", 8), nil, ServiceOpts{})

	vectors, skipped, err := svc.EmbedRecords(context.Background(), records(""))
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Len(t, skipped, 1)
}

func TestServiceBackendFailureFailsWholeCall(t *testing.T) {
	f := &flaky{Hash: NewHash("m", 8), fails: 100}
	svc := newService(t, f, nil, ServiceOpts{BatchSize: 2, Workers: 2})

	_, _, err := svc.EmbedRecords(context.Background(), records("a", "b", "c"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
}

func TestServiceReleasedPoolFailsCleanly(t *testing.T) {
	svc, err := NewService(NewHash("m", 8), nil, ServiceOpts{}, nil)
	require.NoError(t, err)
	svc.Close()

	_, _, err = svc.EmbedRecords(context.Background(), records("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit", "all sub-batches settle before the error returns")
}

func TestServiceCacheRoundTrip(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	f := &flaky{Hash: NewHash("m", 8)}
	svc := newService(t, f, cache, ServiceOpts{})

	first, _, err := svc.EmbedRecords(context.Background(), records("a", "b"))
	require.NoError(t, err)
	callsAfterFirst := f.calls

	second, _, err := svc.EmbedRecords(context.Background(), records("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, f.calls, "second pass must be served from cache")
	assert.Equal(t, first, second)
}

func TestCacheGetPut(t *testing.T) {
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	vec := []float32{0.1, -2.5, 3}
	require.NoError(t, cache.Put("m", "text", vec))

	got, ok := cache.Get("m", "text")
	require.True(t, ok)
	assert.Equal(t, vec, got)

	_, ok = cache.Get("m", "other")
	assert.False(t, ok)
	_, ok = cache.Get("other-model", "text")
	assert.False(t, ok, "cache keys are model-scoped")
}

func TestServiceEmbedRecordsCancelled(t *testing.T) {
	svc := newService(t, NewHash("m", 8), nil, ServiceOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := svc.EmbedRecords(ctx, records("a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVectorCodec(t *testing.T) {
	vec := []float32{1.5, -0.25, 0, 1e-9}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
	assert.Nil(t, decodeVector([]byte{1, 2, 3}), "truncated payloads decode to nil")
}
