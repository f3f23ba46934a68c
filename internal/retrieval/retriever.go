package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// EmbeddingClient produces an embedding vector for a single text. Implemented
// by the LLM client; narrowed here so tests can stub it.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Embedder wraps an EmbeddingClient and enforces the index dimension on every
// vector the provider returns.
type Embedder struct {
	client    EmbeddingClient
	dimension int
}

// NewEmbedder creates an Embedder producing vectors of the given dimension.
func NewEmbedder(client EmbeddingClient, dimension int) *Embedder {
	return &Embedder{client: client, dimension: dimension}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) != e.dimension {
		return nil, fmt.Errorf("provider returned %d dimensions, expected %d: %w",
			len(vec), e.dimension, ErrDimensionMismatch)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder *Embedder
	index    *SQLiteIndex
}

// NewRetriever creates a Retriever backed by the given Embedder and index.
func NewRetriever(embedder *Embedder, index *SQLiteIndex) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Search embeds the query and returns up to topK chunks whose confidence
// score is at least minConfidence, ordered by similarity.
func (r *Retriever) Search(ctx context.Context, query string, topK int, minConfidence float64) ([]ScoredChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.index.Search(ctx, vec, topK, minConfidence)
}

// SearchSections runs one search per query concurrently, preserving query
// order in the result. Any single failure fails the whole batch so a caller
// never works from a partial context set.
func (r *Retriever) SearchSections(ctx context.Context, queries []string, topK int, minConfidence float64) ([][]ScoredChunk, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	results := make([][]ScoredChunk, len(queries))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			chunks, err := r.Search(gCtx, q, topK, minConfidence)
			if err != nil {
				return fmt.Errorf("searching section %d: %w", i, err)
			}
			results[i] = chunks
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
