package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docuchat/ragd/internal/cache"
	"github.com/docuchat/ragd/internal/generator"
	"github.com/docuchat/ragd/internal/keyword"
	"github.com/docuchat/ragd/internal/llm"
	"github.com/docuchat/ragd/internal/reranker"
	"github.com/docuchat/ragd/internal/repository"
	"github.com/docuchat/ragd/internal/retrieval"
	"github.com/docuchat/ragd/internal/vectorstore"
)

// memCache is an always-available in-memory cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(ctx context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *memCache) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *memCache) Invalidate(ctx context.Context, pattern string) int {
	return 0
}

func (m *memCache) Stats(ctx context.Context) cache.Stats {
	return cache.Stats{Connected: true}
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeVectorStore struct {
	mu    sync.Mutex
	hits  []vectorstore.SearchResult
	err   error
	calls int
}

func (f *fakeVectorStore) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.hits, f.err
}

func (f *fakeVectorStore) CollectionExists(ctx context.Context) (bool, error) {
	return true, nil
}

type fakeKeywordSearcher struct {
	hits []keyword.Result
	err  error
}

func (f *fakeKeywordSearcher) Search(query string, limit int) ([]keyword.Result, error) {
	return f.hits, f.err
}

type fakeLLM struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
	prompts  []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Token: f.response}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

type fakeConvRepo struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*repository.Conversation
	turns map[uuid.UUID][]repository.Turn
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{
		convs: make(map[uuid.UUID]*repository.Conversation),
		turns: make(map[uuid.UUID][]repository.Turn),
	}
}

func (f *fakeConvRepo) CreateConversation(ctx context.Context, conv *repository.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[conv.ID] = conv
	return nil
}

func (f *fakeConvRepo) GetConversation(ctx context.Context, id uuid.UUID) (*repository.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return conv, nil
}

func (f *fakeConvRepo) AppendTurn(ctx context.Context, conversationID uuid.UUID, turn repository.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns[conversationID] = append(f.turns[conversationID], turn)
	return nil
}

func (f *fakeConvRepo) LoadHistory(ctx context.Context, conversationID uuid.UUID, limit int) ([]repository.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	turns := f.turns[conversationID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

type fixture struct {
	pipeline *Pipeline
	llm      *fakeLLM
	cache    *memCache
	convs    *fakeConvRepo
}

func newFixture(t *testing.T, vs *fakeVectorStore, ks *fakeKeywordSearcher) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	model := &fakeLLM{response: "The answer, see [1]."}
	c := newMemCache()
	convs := newFakeConvRepo()

	ret := retrieval.NewService(vs, ks, 0.7, 0.3, logger)
	rr := reranker.NewHeuristic(reranker.Weights{Relevance: 0.7, Overlap: 0.2, Length: 0.1})
	gen := generator.New(model, 10, logger)

	cfg := Config{
		RetrievalTopK:      20,
		RerankTopK:         5,
		UseHybrid:          true,
		HistoryLimit:       2,
		DefaultTemperature: 0.7,
		MaxTokens:          1024,
		QueryTTL:           30 * time.Minute,
		ConversationTTL:    30 * time.Minute,
		LLMModel:           "llama3.2",
	}

	return &fixture{
		pipeline: New(fakeEmbedder{}, ret, rr, gen, c, convs, cfg, logger),
		llm:      model,
		cache:    c,
		convs:    convs,
	}
}

func TestChatHybridRanksDualSignalChunkFirst(t *testing.T) {
	// Chunk "both" scores well in both sources; "vec-top" only in vector
	// search. After weighted fusion "both" must outrank it.
	phrase := "embedding cache expiry policy"
	pad := strings.Repeat("filler text ", 30)

	vs := &fakeVectorStore{hits: []vectorstore.SearchResult{
		{ID: "vec-top", Content: "general caching discussion " + pad, Score: 0.90},
		{ID: "both", Content: phrase + " is described here " + pad, Score: 0.85},
		{ID: "vec-low", Content: "unrelated " + pad, Score: 0.10},
	}}
	ks := &fakeKeywordSearcher{hits: []keyword.Result{
		{ChunkID: "both", Content: phrase + " is described here " + pad, Score: 9.0},
		{ChunkID: "kw-only", Content: "mentions expiry once " + pad, Score: 2.0},
	}}

	f := newFixture(t, vs, ks)
	resp, err := f.pipeline.Chat(context.Background(), ChatRequest{Query: phrase})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if len(resp.Sources) == 0 {
		t.Fatal("Chat() returned no sources")
	}
	if resp.Sources[0].ChunkID != "both" {
		t.Errorf("top source = %s, want the dual-signal chunk", resp.Sources[0].ChunkID)
	}
	if resp.Cached {
		t.Error("fresh response marked cached")
	}
	if len(resp.Citations) != 1 || resp.Citations[0] != 1 {
		t.Errorf("Citations = %v, want [1]", resp.Citations)
	}
	if resp.Model != "llama3.2" {
		t.Errorf("Model = %q, want the configured model echoed", resp.Model)
	}
}

func TestChatCacheHitReturnsIdenticalResponse(t *testing.T) {
	vs := &fakeVectorStore{hits: []vectorstore.SearchResult{
		{ID: "a", Content: "cached content", Score: 0.9},
	}}
	f := newFixture(t, vs, &fakeKeywordSearcher{})

	req := ChatRequest{Query: "what is cached"}
	first, err := f.pipeline.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("first Chat() error = %v", err)
	}

	second, err := f.pipeline.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("second Chat() error = %v", err)
	}

	if !second.Cached {
		t.Error("second response not marked cached")
	}
	if second.Answer != first.Answer {
		t.Errorf("cached answer %q differs from original %q", second.Answer, first.Answer)
	}
	if second.Model != first.Model {
		t.Errorf("cached model %q differs from original %q", second.Model, first.Model)
	}
	if f.llm.calls != 1 {
		t.Errorf("llm called %d times, want 1", f.llm.calls)
	}

	// Same query with different casing and spacing still hits.
	third, err := f.pipeline.Chat(context.Background(), ChatRequest{Query: "  What   IS cached "})
	if err != nil {
		t.Fatalf("third Chat() error = %v", err)
	}
	if !third.Cached {
		t.Error("normalized query variant missed the cache")
	}
}

func TestChatConversationSkipsQueryCache(t *testing.T) {
	vs := &fakeVectorStore{hits: []vectorstore.SearchResult{
		{ID: "a", Content: "content", Score: 0.9},
	}}
	f := newFixture(t, vs, &fakeKeywordSearcher{})

	first, err := f.pipeline.Chat(context.Background(), ChatRequest{Query: "hello"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	// Same query inside a conversation must regenerate.
	resp, err := f.pipeline.Chat(context.Background(), ChatRequest{
		Query:          "hello",
		ConversationID: first.ConversationID,
	})
	if err != nil {
		t.Fatalf("conversational Chat() error = %v", err)
	}
	if resp.Cached {
		t.Error("conversational response served from query cache")
	}
	if f.llm.calls != 2 {
		t.Errorf("llm called %d times, want 2", f.llm.calls)
	}
}

func TestChatConversationReusesCachedContext(t *testing.T) {
	vs := &fakeVectorStore{hits: []vectorstore.SearchResult{
		{ID: "a", Content: "content", Score: 0.9},
	}}
	f := newFixture(t, vs, &fakeKeywordSearcher{})

	first, err := f.pipeline.Chat(context.Background(), ChatRequest{Query: "same question"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	// The follow-up turn regenerates the answer but skips embedding and
	// retrieval by reusing the cached reranked context.
	resp, err := f.pipeline.Chat(context.Background(), ChatRequest{
		Query:          "same question",
		ConversationID: first.ConversationID,
	})
	if err != nil {
		t.Fatalf("conversational Chat() error = %v", err)
	}
	if vs.calls != 1 {
		t.Errorf("vector search called %d times, want 1", vs.calls)
	}
	if f.llm.calls != 2 {
		t.Errorf("llm called %d times, want 2", f.llm.calls)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].ChunkID != "a" {
		t.Errorf("cached context sources = %+v", resp.Sources)
	}
}

func TestChatHistoryTruncatedOldestFirst(t *testing.T) {
	vs := &fakeVectorStore{hits: []vectorstore.SearchResult{
		{ID: "a", Content: "content", Score: 0.9},
	}}
	f := newFixture(t, vs, &fakeKeywordSearcher{})

	convID := uuid.New()
	f.convs.convs[convID] = &repository.Conversation{ID: convID}
	base := time.Now().Add(-time.Hour)
	for i, content := range []string{"oldest turn", "middle turn", "newest turn"} {
		f.convs.turns[convID] = append(f.convs.turns[convID], repository.Turn{
			Role:      repository.RoleUser,
			Content:   content,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	// HistoryLimit is 2: only the two newest turns reach the prompt.
	_, err := f.pipeline.Chat(context.Background(), ChatRequest{
		Query:          "follow up",
		ConversationID: convID.String(),
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	prompt := f.llm.prompts[0]
	if strings.Contains(prompt, "oldest turn") {
		t.Error("oldest turn not truncated from prompt")
	}
	if !strings.Contains(prompt, "middle turn") || !strings.Contains(prompt, "newest turn") {
		t.Errorf("recent turns missing from prompt:\n%s", prompt)
	}
}

func TestChatKeywordFailureDegradesWithoutError(t *testing.T) {
	vs := &fakeVectorStore{hits: []vectorstore.SearchResult{
		{ID: "a", Content: "vector result", Score: 0.9},
	}}
	ks := &fakeKeywordSearcher{err: keyword.ErrEmptyIndex}
	f := newFixture(t, vs, ks)

	resp, err := f.pipeline.Chat(context.Background(), ChatRequest{Query: "query"})
	if err != nil {
		t.Fatalf("Chat() error = %v, want vector-only degradation", err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].ChunkID != "a" {
		t.Errorf("Sources = %+v, want the vector hit", resp.Sources)
	}
}

func TestChatVectorFailureIsRetrievalError(t *testing.T) {
	vs := &fakeVectorStore{err: errors.New("qdrant down")}
	f := newFixture(t, vs, &fakeKeywordSearcher{})

	_, err := f.pipeline.Chat(context.Background(), ChatRequest{Query: "query"})
	var retErr *RetrievalError
	if !errors.As(err, &retErr) {
		t.Fatalf("Chat() error = %T, want *RetrievalError", err)
	}
}

func TestChatLLMFailureIsGenerationError(t *testing.T) {
	vs := &fakeVectorStore{hits: []vectorstore.SearchResult{
		{ID: "a", Content: "content", Score: 0.9},
	}}
	f := newFixture(t, vs, &fakeKeywordSearcher{})
	f.llm.err = context.DeadlineExceeded

	_, err := f.pipeline.Chat(context.Background(), ChatRequest{Query: "query"})
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Chat() error = %T, want *GenerationError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GenerationError does not wrap the cause: %v", err)
	}
}

func TestChatValidation(t *testing.T) {
	f := newFixture(t, &fakeVectorStore{}, &fakeKeywordSearcher{})

	badTemp := 1.5
	tests := []struct {
		name string
		req  ChatRequest
	}{
		{"empty query", ChatRequest{Query: "   "}},
		{"top_k too large", ChatRequest{Query: "q", TopK: 51}},
		{"temperature out of range", ChatRequest{Query: "q", Temperature: &badTemp}},
		{"malformed conversation id", ChatRequest{Query: "q", ConversationID: "not-a-uuid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Chat(context.Background(), tt.req)
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("Chat() error = %T (%v), want *ValidationError", err, err)
			}
		})
	}
}

func TestChatUnknownConversationIsNotFound(t *testing.T) {
	f := newFixture(t, &fakeVectorStore{}, &fakeKeywordSearcher{})

	_, err := f.pipeline.Chat(context.Background(), ChatRequest{
		Query:          "q",
		ConversationID: uuid.NewString(),
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Chat() error = %v, want ErrNotFound", err)
	}
}

func TestChatPersistsBothTurns(t *testing.T) {
	vs := &fakeVectorStore{hits: []vectorstore.SearchResult{
		{ID: "a", Content: "content", Score: 0.9},
	}}
	f := newFixture(t, vs, &fakeKeywordSearcher{})

	resp, err := f.pipeline.Chat(context.Background(), ChatRequest{Query: "persist me"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.ConversationID == "" {
		t.Fatal("no conversation id on response")
	}

	id, err := uuid.Parse(resp.ConversationID)
	if err != nil {
		t.Fatalf("conversation id not a uuid: %v", err)
	}
	turns := f.convs.turns[id]
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(turns))
	}
	if turns[0].Role != repository.RoleUser || turns[1].Role != repository.RoleAssistant {
		t.Errorf("turn roles = %s, %s", turns[0].Role, turns[1].Role)
	}
	if turns[0].Content != "persist me" {
		t.Errorf("user turn content = %q", turns[0].Content)
	}
}

func TestChatStream(t *testing.T) {
	vs := &fakeVectorStore{hits: []vectorstore.SearchResult{
		{ID: "a", Content: "content", Score: 0.9},
	}}
	f := newFixture(t, vs, &fakeKeywordSearcher{})
	f.llm.response = "streamed [1] answer"

	session, err := f.pipeline.ChatStream(context.Background(), ChatRequest{Query: "stream it"})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if len(session.Sources) != 1 {
		t.Fatalf("session has %d sources, want 1", len(session.Sources))
	}

	var answer strings.Builder
	for chunk := range session.Chunks {
		answer.WriteString(chunk.Token)
	}
	citations := session.Finish(context.Background(), answer.String())
	if len(citations) != 1 || citations[0] != 1 {
		t.Errorf("citations = %v, want [1]", citations)
	}

	id, _ := uuid.Parse(session.ConversationID)
	if len(f.convs.turns[id]) != 2 {
		t.Errorf("streamed turn not persisted: %d turns", len(f.convs.turns[id]))
	}
}
