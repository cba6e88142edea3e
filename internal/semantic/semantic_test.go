package semantic

import (
	"context"
	"testing"
)

func TestStubEmbedderReturnsZeroVector(t *testing.T) {
	e := StubEmbedder{Dimension: 8}
	vec, err := e.EmbedFile(context.Background(), "whatever.jpg")
	if err != nil {
		t.Fatalf("EmbedFile() error = %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("len(vec) = %d, want 8", len(vec))
	}
	for _, v := range vec {
		if v != 0 {
			t.Errorf("expected all-zero vector, got %v", vec)
			break
		}
	}
}

func TestIndexSearchFindsNearest(t *testing.T) {
	idx := NewIndex(2, 2)
	embeddings := map[int64][]float32{
		1: {1, 0},
		2: {0.9, 0.1},
		3: {0, 1},
	}
	if err := idx.Build(embeddings); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	matches, err := idx.Search([]float32{1, 0}, 2, 1)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one match")
	}
	if matches[0].ImageID != 2 {
		t.Errorf("top match = %d, want 2 (excluded image 1)", matches[0].ImageID)
	}
}

func TestIndexBuildRejectsWrongDimension(t *testing.T) {
	idx := NewIndex(3, 1)
	err := idx.Build(map[int64][]float32{1: {1, 2}})
	if err == nil {
		t.Error("expected error for mismatched embedding dimension")
	}
}

func TestIndexUpsertAndRemove(t *testing.T) {
	idx := NewIndex(2, 1)
	if err := idx.Upsert(1, []float32{1, 0}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	matches, err := idx.Search([]float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match after upsert, got %d", len(matches))
	}

	idx.Remove(1)
	matches, err = idx.Search([]float32{1, 0}, 10, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected 0 matches after remove, got %d", len(matches))
	}
}
