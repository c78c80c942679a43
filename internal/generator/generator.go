// Package generator builds grounded prompts from reranked passages and
// conversation history and produces cited answers.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docuchat/ragd/internal/llm"
	"github.com/docuchat/ragd/internal/reranker"
	"github.com/docuchat/ragd/internal/repository"
)

const systemPrompt = `You are a helpful assistant that answers questions about documents. Answer using only the provided context passages. Cite the passages you use with bracketed numbers like [1] or [2]. If the context does not contain enough information to answer, say so instead of guessing.`

// Source is a context passage as presented to the model, numbered by its
// rank. Index matches the [n] citation markers in the answer.
type Source struct {
	Index      int               `json:"index"`
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Score      float64           `json:"score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result is a generated answer with its citations resolved against the
// context passages. Citations only ever reference passages that were in
// the prompt.
type Result struct {
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources"`
	Citations []int    `json:"citations"`
}

// Options controls a single generation call.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Generator turns reranked passages, history, and a query into an answer.
type Generator struct {
	client       llm.LLM
	historyLimit int
	logger       *slog.Logger
}

// New creates a generator. historyLimit caps how many recent turns are
// included in the prompt; older turns are dropped first.
func New(client llm.LLM, historyLimit int, logger *slog.Logger) *Generator {
	return &Generator{client: client, historyLimit: historyLimit, logger: logger}
}

// Generate produces a cited answer for the query. The passages keep
// their rank order in the prompt, so citation marker [n] always means
// the n-th ranked passage.
func (g *Generator) Generate(ctx context.Context, query string, ranked []reranker.RankedResult, history []repository.Turn, opts Options) (*Result, error) {
	sources := buildSources(ranked)
	prompt := buildPrompt(query, sources, truncateHistory(history, g.historyLimit))

	answer, err := g.client.Generate(ctx, prompt, llm.GenerateOptions{
		SystemPrompt: systemPrompt,
		Temperature:  opts.Temperature,
		MaxTokens:    opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	citations := ParseCitations(answer, len(sources))
	g.logger.Debug("answer generated",
		"passages", len(sources),
		"citations", len(citations),
		"answer_len", len(answer))

	return &Result{
		Answer:    answer,
		Sources:   sources,
		Citations: citations,
	}, nil
}

// GenerateStream streams answer tokens. Callers accumulate the tokens
// and resolve citations with ParseCitations once the stream is done.
func (g *Generator) GenerateStream(ctx context.Context, query string, ranked []reranker.RankedResult, history []repository.Turn, opts Options) ([]Source, <-chan llm.StreamChunk, error) {
	sources := buildSources(ranked)
	prompt := buildPrompt(query, sources, truncateHistory(history, g.historyLimit))

	stream, err := g.client.GenerateStream(ctx, prompt, llm.GenerateOptions{
		SystemPrompt: systemPrompt,
		Temperature:  opts.Temperature,
		MaxTokens:    opts.MaxTokens,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("starting answer stream: %w", err)
	}
	return sources, stream, nil
}

func buildSources(ranked []reranker.RankedResult) []Source {
	sources := make([]Source, len(ranked))
	for i, r := range ranked {
		sources[i] = Source{
			Index:      i + 1,
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Content:    r.Content,
			Score:      r.FinalScore,
			Metadata:   r.Metadata,
		}
	}
	return sources
}

func buildPrompt(query string, sources []Source, history []repository.Turn) string {
	var sb strings.Builder

	if len(sources) > 0 {
		sb.WriteString("Context:\n")
		for _, s := range sources {
			fmt.Fprintf(&sb, "[%d] %s\n\n", s.Index, s.Content)
		}
	}

	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, turn := range history {
			switch turn.Role {
			case repository.RoleAssistant:
				fmt.Fprintf(&sb, "Assistant: %s\n", turn.Content)
			default:
				fmt.Fprintf(&sb, "User: %s\n", turn.Content)
			}
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Question: %s", query)
	return sb.String()
}

// truncateHistory keeps the most recent limit turns, dropping the oldest
// first. The input is oldest-first and stays that way.
func truncateHistory(history []repository.Turn, limit int) []repository.Turn {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// ParseCitations extracts the distinct [n] markers from an answer,
// keeping only those referencing one of the max context passages, sorted
// ascending.
func ParseCitations(answer string, max int) []int {
	seen := make(map[int]struct{})
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > max {
			continue
		}
		seen[n] = struct{}{}
	}

	citations := make([]int, 0, len(seen))
	for n := range seen {
		citations = append(citations, n)
	}
	sort.Ints(citations)
	return citations
}
