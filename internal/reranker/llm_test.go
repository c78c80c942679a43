package reranker

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/docuchat/ragd/internal/llm"
	"github.com/docuchat/ragd/internal/retrieval"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func llmCandidates() []retrieval.Candidate {
	return []retrieval.Candidate{
		{ChunkID: "a", Content: "first passage", FusedScore: 0.9},
		{ChunkID: "b", Content: "second passage", FusedScore: 0.5},
	}
}

func TestLLMRerankUsesModelScores(t *testing.T) {
	// The model inverts the retrieval order.
	client := &fakeLLM{response: "[2, 9]"}
	r := NewLLM(client, defaultWeights(), slog.New(slog.DiscardHandler))

	results, err := r.Rerank(context.Background(), "query", llmCandidates(), 2)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if results[0].ChunkID != "b" {
		t.Errorf("top result = %s, want b per model scores", results[0].ChunkID)
	}
	if results[0].RelevanceScore != 0.9 {
		t.Errorf("relevance = %f, want 0.9 (normalized from 9)", results[0].RelevanceScore)
	}
}

func TestLLMRerankFallsBackOnError(t *testing.T) {
	client := &fakeLLM{err: errors.New("model timeout")}
	r := NewLLM(client, defaultWeights(), slog.New(slog.DiscardHandler))

	results, err := r.Rerank(context.Background(), "query", llmCandidates(), 2)
	if err != nil {
		t.Fatalf("Rerank() error = %v, want heuristic fallback", err)
	}
	if len(results) != 2 {
		t.Fatalf("Rerank() returned %d results, want 2", len(results))
	}
	// Heuristic relevance is the fused score.
	if results[0].ChunkID != "a" {
		t.Errorf("top result = %s, want a from heuristic fallback", results[0].ChunkID)
	}
}

func TestLLMRerankFallsBackOnBadResponse(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not json", "these all look great"},
		{"wrong count", "[5]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeLLM{response: tt.response}
			r := NewLLM(client, defaultWeights(), slog.New(slog.DiscardHandler))

			results, err := r.Rerank(context.Background(), "query", llmCandidates(), 2)
			if err != nil {
				t.Fatalf("Rerank() error = %v, want heuristic fallback", err)
			}
			if len(results) != 2 {
				t.Fatalf("Rerank() returned %d results, want 2", len(results))
			}
		})
	}
}

func TestLLMRerankExtractsArrayFromProse(t *testing.T) {
	client := &fakeLLM{response: "Here are the scores: [10, 0] as requested."}
	r := NewLLM(client, defaultWeights(), slog.New(slog.DiscardHandler))

	results, err := r.Rerank(context.Background(), "query", llmCandidates(), 2)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if results[0].ChunkID != "a" || results[0].RelevanceScore != 1.0 {
		t.Errorf("top result = %s (%f), want a with relevance 1.0", results[0].ChunkID, results[0].RelevanceScore)
	}
}
