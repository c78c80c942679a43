package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/docuchat/ragd/internal/llm"
	"github.com/docuchat/ragd/internal/retrieval"
)

const scoringSystemPrompt = `You are a relevance judge. Given a question and numbered passages, score how useful each passage is for answering the question on a scale from 0 to 10. Respond with a JSON array of numbers only, one per passage, in order. No other text.`

// LLM asks the language model to judge passage relevance. The model's
// score replaces the fused retrieval score as the relevance signal; the
// overlap and length heuristics still apply. Any model failure falls
// back to the pure heuristic so reranking always completes.
type LLM struct {
	client    llm.LLM
	weights   Weights
	heuristic *Heuristic
	logger    *slog.Logger
}

// NewLLM creates an LLM-backed reranker.
func NewLLM(client llm.LLM, weights Weights, logger *slog.Logger) *LLM {
	return &LLM{
		client:    client,
		weights:   weights,
		heuristic: NewHeuristic(weights),
		logger:    logger,
	}
}

// Rerank scores candidates with the model, falling back to the heuristic
// when the model errors or returns an unusable response.
func (r *LLM) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topK int) ([]RankedResult, error) {
	if len(candidates) == 0 {
		return []RankedResult{}, nil
	}

	scores, err := r.judgeCandidates(ctx, query, candidates)
	if err != nil {
		r.logger.Warn("llm reranking failed, using heuristic", "error", err)
		return r.heuristic.Rerank(ctx, query, candidates, topK)
	}

	queryTerms := distinctTerms(query)

	results := make([]RankedResult, len(candidates))
	for i, c := range candidates {
		relevance := scores[i]
		overlap := overlapScore(queryTerms, c.Content)
		length := lengthScore(len(c.Content))

		results[i] = RankedResult{
			Candidate:      c,
			RelevanceScore: relevance,
			OverlapScore:   overlap,
			LengthScore:    length,
			FinalScore: r.weights.Relevance*relevance +
				r.weights.Overlap*overlap +
				r.weights.Length*length,
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

// judgeCandidates asks the model for one 0-10 score per passage and
// returns them normalized to [0,1].
func (r *LLM) judgeCandidates(ctx context.Context, query string, candidates []retrieval.Candidate) ([]float64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nPassages:\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, c.Content)
	}

	raw, err := r.client.Generate(ctx, sb.String(), llm.GenerateOptions{
		SystemPrompt: scoringSystemPrompt,
		Temperature:  0.0,
	})
	if err != nil {
		return nil, err
	}

	var scores []float64
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &scores); err != nil {
		return nil, fmt.Errorf("unparseable scores %q: %w", raw, err)
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("got %d scores for %d passages", len(scores), len(candidates))
	}

	for i, s := range scores {
		switch {
		case s < 0:
			scores[i] = 0
		case s > 10:
			scores[i] = 1
		default:
			scores[i] = s / 10.0
		}
	}
	return scores, nil
}

// extractJSONArray trims surrounding prose the model sometimes adds
// around the array.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

var _ Reranker = (*LLM)(nil)
