// Package pipeline orchestrates a chat request through its stages:
// cache lookup, query embedding, hybrid retrieval, reranking, answer
// generation, and conversation persistence.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuchat/ragd/internal/cache"
	"github.com/docuchat/ragd/internal/generator"
	"github.com/docuchat/ragd/internal/llm"
	"github.com/docuchat/ragd/internal/reranker"
	"github.com/docuchat/ragd/internal/repository"
	"github.com/docuchat/ragd/internal/retrieval"
)

// Stage names a pipeline state. Transitions are logged and timed.
type Stage string

const (
	StageReceived   Stage = "received"
	StageCacheHit   Stage = "cache_hit"
	StageEmbedding  Stage = "embedding"
	StageRetrieving Stage = "retrieving"
	StageReranking  Stage = "reranking"
	StageGenerating Stage = "generating"
	StagePersisting Stage = "persisting"
	StageDone       Stage = "done"
)

// Request bounds.
const (
	maxTopK        = 50
	maxTitleLength = 80
)

// ChatRequest is a validated-on-entry chat call. Zero-valued optional
// fields fall back to configured defaults.
type ChatRequest struct {
	Query          string
	ConversationID string
	TopK           int
	UseHybrid      *bool
	Temperature    *float64
	MaxTokens      int
}

// ChatResponse is the pipeline's answer. LatencyMS breaks the request
// down by stage; Cached marks full-turn cache hits.
type ChatResponse struct {
	Answer         string             `json:"answer"`
	Sources        []generator.Source `json:"sources"`
	Citations      []int              `json:"citations"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Model          string             `json:"model"`
	Cached         bool               `json:"cached"`
	LatencyMS      map[string]float64 `json:"latency_ms,omitempty"`
}

// Embedder is the query embedding dependency.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever is the hybrid retrieval dependency.
type Retriever interface {
	Retrieve(ctx context.Context, query string, queryVector []float32, opts retrieval.Options) ([]retrieval.Candidate, error)
}

// AnswerGenerator is the generation dependency.
type AnswerGenerator interface {
	Generate(ctx context.Context, query string, ranked []reranker.RankedResult, history []repository.Turn, opts generator.Options) (*generator.Result, error)
	GenerateStream(ctx context.Context, query string, ranked []reranker.RankedResult, history []repository.Turn, opts generator.Options) ([]generator.Source, <-chan llm.StreamChunk, error)
}

// Config carries the pipeline's tunables, already validated by the
// config package.
type Config struct {
	RetrievalTopK      int
	RerankTopK         int
	UseHybrid          bool
	HistoryLimit       int
	DefaultTemperature float64
	MaxTokens          int
	QueryTTL           time.Duration
	ConversationTTL    time.Duration
	LLMModel           string
}

// Pipeline wires the stages together.
type Pipeline struct {
	embedder      Embedder
	retriever     Retriever
	reranker      reranker.Reranker
	generator     AnswerGenerator
	cache         cache.Cache
	conversations repository.ConversationRepository
	cfg           Config
	logger        *slog.Logger
}

// New creates a pipeline. The cache may be a no-op; the pipeline never
// fails because of it.
func New(emb Embedder, ret Retriever, rr reranker.Reranker, gen AnswerGenerator, c cache.Cache, conversations repository.ConversationRepository, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		embedder:      emb,
		retriever:     ret,
		reranker:      rr,
		generator:     gen,
		cache:         c,
		conversations: conversations,
		cfg:           cfg,
		logger:        logger,
	}
}

// Chat runs a request through the full pipeline and returns a cited
// answer. Requests without a conversation id are served from the query
// cache when possible and cached on completion; conversational requests
// always regenerate because history changes the answer.
func (p *Pipeline) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.normalize(&req); err != nil {
		return nil, err
	}
	p.logStage(StageReceived, req.Query)

	var cacheKey string
	if req.ConversationID == "" {
		cacheKey = cache.QueryKey(req.Query, req.TopK, *req.UseHybrid, p.cfg.LLMModel)
		if resp := p.cachedResponse(ctx, cacheKey); resp != nil {
			p.logStage(StageCacheHit, req.Query)
			return resp, nil
		}
	}

	convID, history, err := p.prepareConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	timings := make(map[string]float64)
	clock := time.Now()
	mark := func(stage Stage) {
		now := time.Now()
		timings[string(stage)] = float64(now.Sub(clock).Microseconds()) / 1000.0
		clock = now
	}

	ranked, err := p.retrieveContext(ctx, req, mark)
	if err != nil {
		return nil, err
	}

	p.logStage(StageGenerating, req.Query)
	result, err := p.generator.Generate(ctx, req.Query, ranked, history, generator.Options{
		Temperature: *req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	mark(StageGenerating)

	p.logStage(StagePersisting, req.Query)
	p.persistTurns(ctx, convID, req.Query, result.Answer)
	mark(StagePersisting)

	resp := &ChatResponse{
		Answer:         result.Answer,
		Sources:        result.Sources,
		Citations:      result.Citations,
		ConversationID: convID,
		Model:          p.cfg.LLMModel,
		LatencyMS:      timings,
	}

	if cacheKey != "" {
		p.storeResponse(ctx, cacheKey, resp)
	}

	p.logStage(StageDone, req.Query)
	return resp, nil
}

// StreamSession is an in-flight streaming answer. Read Chunks to
// completion, then call Finish with the accumulated answer.
type StreamSession struct {
	ConversationID string
	Sources        []generator.Source
	Chunks         <-chan llm.StreamChunk

	finish func(ctx context.Context, answer string)
}

// Finish persists the completed turn and resolves its citations.
func (s *StreamSession) Finish(ctx context.Context, answer string) []int {
	if s.finish != nil {
		s.finish(ctx, answer)
	}
	return generator.ParseCitations(answer, len(s.Sources))
}

// ChatStream runs the pipeline up to generation and streams the answer
// tokens. Streamed turns bypass the query cache entirely.
func (p *Pipeline) ChatStream(ctx context.Context, req ChatRequest) (*StreamSession, error) {
	if err := p.normalize(&req); err != nil {
		return nil, err
	}
	p.logStage(StageReceived, req.Query)

	convID, history, err := p.prepareConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	ranked, err := p.retrieveContext(ctx, req, func(Stage) {})
	if err != nil {
		return nil, err
	}

	p.logStage(StageGenerating, req.Query)
	sources, stream, err := p.generator.GenerateStream(ctx, req.Query, ranked, history, generator.Options{
		Temperature: *req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	return &StreamSession{
		ConversationID: convID,
		Sources:        sources,
		Chunks:         stream,
		finish: func(ctx context.Context, answer string) {
			p.persistTurns(ctx, convID, req.Query, answer)
		},
	}, nil
}

// retrieveContext produces the reranked context for a query, serving it
// from the context cache when an unexpired entry exists. A hit skips
// embedding, retrieval and reranking entirely; history is not part of
// the signature because it only influences generation.
func (p *Pipeline) retrieveContext(ctx context.Context, req ChatRequest, mark func(Stage)) ([]reranker.RankedResult, error) {
	key := cache.ContextKey(req.Query, req.TopK, *req.UseHybrid, p.cfg.LLMModel)

	if data, ok := p.cache.Get(ctx, key); ok {
		var ranked []reranker.RankedResult
		if err := json.Unmarshal(data, &ranked); err == nil {
			p.logStage(StageCacheHit, req.Query)
			return ranked, nil
		}
		p.cache.Delete(ctx, key)
	}

	p.logStage(StageEmbedding, req.Query)
	vector, err := p.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, &RetrievalError{Err: fmt.Errorf("embedding query: %w", err)}
	}
	mark(StageEmbedding)

	p.logStage(StageRetrieving, req.Query)
	candidates, err := p.retriever.Retrieve(ctx, req.Query, vector, retrieval.Options{
		TopK:      req.TopK,
		UseHybrid: *req.UseHybrid,
	})
	if err != nil {
		return nil, &RetrievalError{Err: err}
	}
	mark(StageRetrieving)

	p.logStage(StageReranking, req.Query)
	ranked, err := p.reranker.Rerank(ctx, req.Query, candidates, p.cfg.RerankTopK)
	if err != nil {
		return nil, &RetrievalError{Err: fmt.Errorf("reranking: %w", err)}
	}
	mark(StageReranking)

	if data, err := json.Marshal(ranked); err == nil {
		p.cache.Set(ctx, key, data, p.cfg.QueryTTL)
	}

	return ranked, nil
}

// normalize validates the request and fills defaults in place.
func (p *Pipeline) normalize(req *ChatRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return &ValidationError{Field: "query", Message: "must not be empty"}
	}

	if req.TopK == 0 {
		req.TopK = p.cfg.RetrievalTopK
	}
	if req.TopK < 1 || req.TopK > maxTopK {
		return &ValidationError{Field: "top_k", Message: fmt.Sprintf("must be between 1 and %d", maxTopK)}
	}

	if req.UseHybrid == nil {
		v := p.cfg.UseHybrid
		req.UseHybrid = &v
	}

	if req.Temperature == nil {
		v := p.cfg.DefaultTemperature
		req.Temperature = &v
	}
	if *req.Temperature < 0 || *req.Temperature > 1 {
		return &ValidationError{Field: "temperature", Message: "must be between 0 and 1"}
	}

	if req.MaxTokens == 0 {
		req.MaxTokens = p.cfg.MaxTokens
	}
	if req.MaxTokens < 0 {
		return &ValidationError{Field: "max_tokens", Message: "must not be negative"}
	}

	return nil
}

// prepareConversation resolves the conversation id and loads its
// history. An empty id creates a fresh conversation; a provided id must
// exist. Creation failure disables persistence for the turn instead of
// failing the request.
func (p *Pipeline) prepareConversation(ctx context.Context, req ChatRequest) (string, []repository.Turn, error) {
	if req.ConversationID == "" {
		conv := &repository.Conversation{
			ID:        uuid.New(),
			Title:     title(req.Query),
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if err := p.conversations.CreateConversation(ctx, conv); err != nil {
			p.logger.Warn("conversation create failed, turn will not persist", "error", err)
			return "", nil, nil
		}
		return conv.ID.String(), nil, nil
	}

	id, err := uuid.Parse(req.ConversationID)
	if err != nil {
		return "", nil, &ValidationError{Field: "conversation_id", Message: "must be a valid uuid"}
	}

	if history, ok := p.cachedHistory(ctx, req.ConversationID); ok {
		return req.ConversationID, history, nil
	}

	if _, err := p.conversations.GetConversation(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, fmt.Errorf("conversation %s: %w", req.ConversationID, repository.ErrNotFound)
		}
		return "", nil, fmt.Errorf("loading conversation: %w", err)
	}

	history, err := p.conversations.LoadHistory(ctx, id, p.cfg.HistoryLimit)
	if err != nil {
		return "", nil, fmt.Errorf("loading history: %w", err)
	}

	if data, err := json.Marshal(history); err == nil {
		p.cache.Set(ctx, cache.ConversationKey(req.ConversationID), data, p.cfg.ConversationTTL)
	}

	return req.ConversationID, history, nil
}

// persistTurns appends the user and assistant turns. Failures are logged
// and never fail the request; the answer was already produced.
func (p *Pipeline) persistTurns(ctx context.Context, convID, query, answer string) {
	if convID == "" {
		return
	}
	id, err := uuid.Parse(convID)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	turns := []repository.Turn{
		{Role: repository.RoleUser, Content: query, Timestamp: now},
		{Role: repository.RoleAssistant, Content: answer, Timestamp: now.Add(time.Millisecond)},
	}
	for _, turn := range turns {
		if err := p.conversations.AppendTurn(ctx, id, turn); err != nil {
			p.logger.Error("turn persist failed", "conversation_id", convID, "role", turn.Role, "error", err)
			return
		}
	}

	// The snapshot is stale now.
	p.cache.Delete(ctx, cache.ConversationKey(convID))
}

func (p *Pipeline) cachedResponse(ctx context.Context, key string) *ChatResponse {
	data, ok := p.cache.Get(ctx, key)
	if !ok {
		return nil
	}
	var resp ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		p.cache.Delete(ctx, key)
		return nil
	}
	resp.Cached = true
	return &resp
}

func (p *Pipeline) storeResponse(ctx context.Context, key string, resp *ChatResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	p.cache.Set(ctx, key, data, p.cfg.QueryTTL)
}

func (p *Pipeline) cachedHistory(ctx context.Context, convID string) ([]repository.Turn, bool) {
	data, ok := p.cache.Get(ctx, cache.ConversationKey(convID))
	if !ok {
		return nil, false
	}
	var history []repository.Turn
	if err := json.Unmarshal(data, &history); err != nil {
		p.cache.Delete(ctx, cache.ConversationKey(convID))
		return nil, false
	}
	return history, true
}

func (p *Pipeline) logStage(stage Stage, query string) {
	p.logger.Debug("pipeline stage", "stage", string(stage), "query_len", len(query))
}

func title(query string) string {
	if len(query) <= maxTitleLength {
		return query
	}
	return query[:maxTitleLength]
}
