// Package reranker reorders fused retrieval candidates before generation.
//
// Two implementations exist: a deterministic heuristic scorer combining
// retrieval relevance with query overlap and a length prior, and an
// LLM-backed scorer that asks the model to judge each passage and falls
// back to the heuristic when the model's output cannot be used.
package reranker

import (
	"context"

	"github.com/docuchat/ragd/internal/retrieval"
)

// RankedResult is a candidate with its reranking breakdown attached.
// FinalScore determines the output order; the component scores are kept
// for response transparency.
type RankedResult struct {
	retrieval.Candidate

	RelevanceScore float64
	OverlapScore   float64
	LengthScore    float64
	FinalScore     float64
}

// Reranker reorders candidates by estimated answer usefulness and
// truncates to topK. An empty candidate list yields an empty result.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int) ([]RankedResult, error)
}
