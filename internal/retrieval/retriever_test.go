package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeEmbeddingClient returns canned vectors per text, or an error.
type fakeEmbeddingClient struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbeddingClient) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vec, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no canned vector for %q", text)
	}
	return vec, nil
}

func TestEmbedderEnforcesDimension(t *testing.T) {
	client := &fakeEmbeddingClient{vectors: map[string][]float32{
		"ok":    {1, 0},
		"short": {1},
	}}
	e := NewEmbedder(client, 2)

	if _, err := e.Embed(context.Background(), "ok"); err != nil {
		t.Fatalf("Embed(ok): %v", err)
	}
	if _, err := e.Embed(context.Background(), "short"); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Embed(short) = %v, want ErrDimensionMismatch", err)
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	client := &fakeEmbeddingClient{vectors: map[string][]float32{
		"a": {1, 0},
		"b": {0, 1},
		"c": {0.6, 0.8},
	}}
	e := NewEmbedder(client, 2)

	got, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d vectors, want 3", len(got))
	}
	if got[0][0] != 1 || got[1][1] != 1 || got[2][0] != 0.6 {
		t.Errorf("vectors out of order: %v", got)
	}

	got, err = e.EmbedBatch(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", got, err)
	}
}

func TestRetrieverSearch(t *testing.T) {
	idx, s := newTestIndex(t)
	saveTestDocument(t, s, "d1", "doc one")
	if err := idx.Insert([]Chunk{
		{ID: "c1", DocumentID: "d1", Content: "aligned", Embedding: []float32{1, 0}, Confidence: 90},
		{ID: "c2", DocumentID: "d1", Content: "orthogonal", Embedding: []float32{0, 1}, Confidence: 90},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	client := &fakeEmbeddingClient{vectors: map[string][]float32{
		"query": {1, 0},
	}}
	r := NewRetriever(NewEmbedder(client, 2), idx)

	got, err := r.Search(context.Background(), "query", 1, 70)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c1" {
		t.Errorf("Search = %+v, want just c1", got)
	}
}

func TestSearchSectionsAllOrNothing(t *testing.T) {
	idx, s := newTestIndex(t)
	saveTestDocument(t, s, "d1", "doc one")
	if err := idx.Insert([]Chunk{
		{ID: "c1", DocumentID: "d1", Content: "a", Embedding: []float32{1, 0}, Confidence: 90},
		{ID: "c2", DocumentID: "d1", Content: "b", Embedding: []float32{0, 1}, Confidence: 90},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	client := &fakeEmbeddingClient{vectors: map[string][]float32{
		"first":  {1, 0},
		"second": {0, 1},
	}}
	r := NewRetriever(NewEmbedder(client, 2), idx)

	got, err := r.SearchSections(context.Background(), []string{"first", "second"}, 1, 70)
	if err != nil {
		t.Fatalf("SearchSections: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sections, want 2", len(got))
	}
	if got[0][0].ID != "c1" || got[1][0].ID != "c2" {
		t.Errorf("section hits = [%s, %s], want [c1, c2]", got[0][0].ID, got[1][0].ID)
	}

	// One unembeddable query fails the whole batch.
	if _, err := r.SearchSections(context.Background(), []string{"first", "unknown"}, 1, 70); err == nil {
		t.Error("expected error when one section query fails")
	}

	got, err = r.SearchSections(context.Background(), nil, 1, 70)
	if err != nil || got != nil {
		t.Errorf("SearchSections(nil) = %v, %v; want nil, nil", got, err)
	}
}
