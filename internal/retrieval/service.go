// Package retrieval runs hybrid candidate retrieval: vector similarity
// search fused with BM25 keyword search under configurable weights.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/docuchat/ragd/internal/keyword"
	"github.com/docuchat/ragd/internal/vectorstore"
)

// KeywordSearcher is the lexical search side of hybrid retrieval.
type KeywordSearcher interface {
	Search(query string, limit int) ([]keyword.Result, error)
}

// Options controls a single retrieval call.
type Options struct {
	TopK      int
	UseHybrid bool
	MinScore  float64
}

// Service retrieves candidates from both search backends and fuses them.
type Service struct {
	vectors       vectorstore.VectorStore
	keywords      KeywordSearcher
	vectorWeight  float64
	keywordWeight float64
	logger        *slog.Logger
}

// NewService creates a retrieval service with the given fusion weights.
// Weights are expected to sum to 1.0; config validation enforces this.
func NewService(vectors vectorstore.VectorStore, keywords KeywordSearcher, vectorWeight, keywordWeight float64, logger *slog.Logger) *Service {
	return &Service{
		vectors:       vectors,
		keywords:      keywords,
		vectorWeight:  vectorWeight,
		keywordWeight: keywordWeight,
		logger:        logger,
	}
}

// Retrieve runs vector search (and keyword search when hybrid is on)
// for the already-embedded query and returns the fused, deduplicated
// candidate list, best first, truncated to TopK.
//
// Vector search failure is fatal. Keyword search failure degrades to
// vector-only results with the vector weight renormalized to 1.0, so a
// broken keyword index never scales scores down across the board.
func (s *Service) Retrieve(ctx context.Context, query string, queryVector []float32, opts Options) ([]Candidate, error) {
	var (
		vecHits []vectorstore.SearchResult
		kwHits  []keyword.Result
		kwErr   error
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := s.vectors.Search(gctx, queryVector, opts.TopK, opts.MinScore)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		vecHits = hits
		return nil
	})

	if opts.UseHybrid {
		g.Go(func() error {
			hits, err := s.keywords.Search(query, opts.TopK)
			if err != nil {
				kwErr = err
				return nil
			}
			kwHits = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	vectorWeight, keywordWeight := s.vectorWeight, s.keywordWeight
	if !opts.UseHybrid || kwErr != nil || len(kwHits) == 0 {
		vectorWeight, keywordWeight = 1.0, 0.0
		kwHits = nil
	}
	if kwErr != nil {
		s.logger.Warn("keyword search failed, degrading to vector-only", "error", kwErr)
	}

	candidates := dedup(fuse(vecHits, kwHits, vectorWeight, keywordWeight))
	if opts.TopK > 0 && len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}

	s.logger.Debug("retrieval complete",
		"vector_hits", len(vecHits),
		"keyword_hits", len(kwHits),
		"candidates", len(candidates),
		"hybrid", opts.UseHybrid && kwErr == nil)

	return candidates, nil
}
