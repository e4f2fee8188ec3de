// Package storage persists aspect records with their vectors and serves
// filtered similarity search over them. Backends: in-memory, pgvector,
// Milvus. The embedding gateway lives here too since the store's vector
// dimension is fixed by it.
package storage

import (
	"context"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"videorag/config"
	"videorag/core"
)

// EmbeddingGateway maps text to fixed-dimension unit vectors. Batch calls
// preserve input order. A single store must only ever see vectors from one
// gateway; mixing models without re-indexing is rejected at insert time.
type EmbeddingGateway interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint. Large
// batches are chunked and sent sequentially to bound peak memory.
type OpenAIEmbedder struct {
	cli       *openai.Client
	model     string
	dim       int
	chunkSize int
	logger    *zap.Logger
}

func NewOpenAIEmbedder(cfg *config.Config, logger *zap.Logger) (*OpenAIEmbedder, error) {
	if !cfg.HasValidAPI() {
		return nil, fmt.Errorf("embedding gateway: %w: api key or base url missing", core.ErrUpstreamUnavailable)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIEmbedder{
		cli:       openai.NewClientWithConfig(clientConfig),
		model:     cfg.EmbeddingModel,
		dim:       cfg.EmbeddingDim,
		chunkSize: cfg.EmbedChunkSize,
		logger:    logger,
	}, nil
}

func (e *OpenAIEmbedder) Dimension() int { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.chunkSize {
		end := start + e.chunkSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.cli.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.model),
		Input:      texts,
		Dimensions: e.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w: %v", core.ErrUpstreamUnavailable, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	// Response items carry an index; order by it rather than trusting
	// response order.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		vecs[d.Index] = normalize(d.Embedding)
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("embedding response missing vector for input %d", i)
		}
		if len(v) != e.dim {
			return nil, fmt.Errorf("embedding dimension %d, want %d", len(v), e.dim)
		}
	}
	return vecs, nil
}

// normalize scales v to unit length so cosine similarity and inner
// product agree.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
