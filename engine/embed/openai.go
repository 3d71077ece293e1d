package embed

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
)

// OpenAI embeds through an OpenAI-compatible embeddings API.
type OpenAI struct {
	embedder embeddings.Embedder
	model    string
	dims     int
}

// NewOpenAI creates an embedder over an OpenAI-compatible endpoint. Local
// services that skip authentication accept any token; pass "none".
func NewOpenAI(baseURL, token, model string, dims int) (*OpenAI, error) {
	if token == "" {
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("embed: openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("embed: openai embedder: %w", err)
	}
	return &OpenAI{embedder: embedder, model: model, dims: dims}, nil
}

func (o *OpenAI) ModelID() string { return o.model }

func (o *OpenAI) Dimensions() int { return o.dims }

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := o.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %v: %w", err, domain.ErrModelUnavailable)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}
