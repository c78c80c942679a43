// Package vectorstore provides interfaces and implementations for vector similarity search.
//
// The store is the mandatory retrieval path: the chunk corpus is indexed by
// an external ingestion service, and this package only reads from it.
package vectorstore

import (
	"context"
)

// SearchResult represents a search result from the vector store.
// Scores are cosine similarities in [0,1].
type SearchResult struct {
	ID         string
	DocumentID string
	Content    string
	Score      float64
	Metadata   map[string]string
}

// VectorStore defines similarity search over the document collection.
type VectorStore interface {
	// Search returns the topK nearest chunks to the query vector by cosine
	// similarity, filtered to scores >= minScore.
	Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]SearchResult, error)

	// CollectionExists reports whether the backing collection is present,
	// used by readiness checks.
	CollectionExists(ctx context.Context) (bool, error)
}
