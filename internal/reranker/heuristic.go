package reranker

import (
	"context"
	"sort"
	"strings"

	"github.com/docuchat/ragd/internal/retrieval"
)

// Preferred content length band in characters. Passages inside the band
// score 1.0; shorter ones taper to 0 at empty, longer ones taper to 0 at
// four times the upper bound.
const (
	lengthLowerBound = 200
	lengthUpperBound = 1500
	lengthZeroBound  = 4 * lengthUpperBound
)

// Weights combines the three heuristic signals. They must sum to 1.0;
// config validation enforces this before construction.
type Weights struct {
	Relevance float64
	Overlap   float64
	Length    float64
}

// Heuristic scores candidates deterministically from the fused retrieval
// score, query token overlap, and content length.
type Heuristic struct {
	weights Weights
}

// NewHeuristic creates a heuristic reranker with the given signal weights.
func NewHeuristic(weights Weights) *Heuristic {
	return &Heuristic{weights: weights}
}

// Rerank scores every candidate, sorts descending, and truncates to topK.
// Ties keep the incoming fused order. It never fails.
func (h *Heuristic) Rerank(_ context.Context, query string, candidates []retrieval.Candidate, topK int) ([]RankedResult, error) {
	if len(candidates) == 0 {
		return []RankedResult{}, nil
	}

	queryTerms := distinctTerms(query)

	results := make([]RankedResult, len(candidates))
	for i, c := range candidates {
		relevance := c.FusedScore
		overlap := overlapScore(queryTerms, c.Content)
		length := lengthScore(len(c.Content))

		results[i] = RankedResult{
			Candidate:      c,
			RelevanceScore: relevance,
			OverlapScore:   overlap,
			LengthScore:    length,
			FinalScore: h.weights.Relevance*relevance +
				h.weights.Overlap*overlap +
				h.weights.Length*length,
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalScore > results[j].FinalScore
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// overlapScore is the fraction of distinct query terms present in the
// content, case-insensitive.
func overlapScore(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, term := range queryTerms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// lengthScore prefers passages in the configured band, penalizing both
// fragments and walls of text linearly.
func lengthScore(n int) float64 {
	switch {
	case n <= 0:
		return 0
	case n < lengthLowerBound:
		return float64(n) / float64(lengthLowerBound)
	case n <= lengthUpperBound:
		return 1.0
	case n >= lengthZeroBound:
		return 0
	default:
		return float64(lengthZeroBound-n) / float64(lengthZeroBound-lengthUpperBound)
	}
}

func distinctTerms(query string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

var _ Reranker = (*Heuristic)(nil)
