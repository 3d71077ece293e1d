// Package embed provides the embedding service: pluggable embedding model
// backends behind one capability interface, plus the batching, caching, and
// rate-limiting layer the pipeline calls.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Embedder converts texts into fixed-dimension vectors. Implementations must
// be deterministic for a given model id and input text, and must return one
// vector per input in the same order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelID() string
	Dimensions() int
}

// Hash is a deterministic local embedder for tests and development. Vectors
// are derived from sha256(model, text) and unit-normalized.
type Hash struct {
	model string
	dims  int
}

// NewHash creates a hash embedder with the given model id and dimensionality.
func NewHash(model string, dims int) *Hash {
	return &Hash{model: model, dims: dims}
}

func (h *Hash) ModelID() string { return h.model }

func (h *Hash) Dimensions() int { return h.dims }

// Embed implements Embedder.
func (h *Hash) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *Hash) vector(text string) []float32 {
	vec := make([]float32, h.dims)
	var norm float64
	seed := sha256.Sum256([]byte(h.model + "\x00" + text))
	block := seed
	for i := 0; i < h.dims; i++ {
		word := i % 8
		if i > 0 && word == 0 {
			block = sha256.Sum256(block[:])
		}
		bits := binary.LittleEndian.Uint32(block[word*4:])
		v := float32(bits)/float32(math.MaxUint32)*2 - 1
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
