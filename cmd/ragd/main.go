// Command ragd serves the document chat API: hybrid retrieval over a
// chunk corpus, reranking, and cited answer generation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docuchat/ragd/internal/auth"
	"github.com/docuchat/ragd/internal/cache"
	"github.com/docuchat/ragd/internal/config"
	"github.com/docuchat/ragd/internal/embedder"
	"github.com/docuchat/ragd/internal/generator"
	"github.com/docuchat/ragd/internal/keyword"
	"github.com/docuchat/ragd/internal/llm"
	"github.com/docuchat/ragd/internal/pipeline"
	"github.com/docuchat/ragd/internal/reranker"
	"github.com/docuchat/ragd/internal/repository/postgres"
	"github.com/docuchat/ragd/internal/retrieval"
	"github.com/docuchat/ragd/internal/server"
	"github.com/docuchat/ragd/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting ragd", "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	vectors, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer vectors.Close()

	store := newCache(ctx, cfg, logger)

	emb := embedder.NewCached(
		embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaEmbeddingModel,
			Timeout: cfg.OllamaTimeout,
		}),
		store, cfg.EmbeddingTTL, logger,
	)

	model := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
		llm.WithTimeout(cfg.OllamaTimeout),
	)

	chunks := postgres.NewChunkRepo(db)
	conversations := postgres.NewConversationRepo(db)

	engine := keyword.NewEngine(chunks, logger)
	if err := engine.Refresh(ctx); err != nil {
		logger.Warn("initial keyword index build failed, keyword search degraded", "error", err)
	}
	go refreshLoop(ctx, engine, cfg.KeywordRefreshInterval, logger)

	ret := retrieval.NewService(vectors, engine, cfg.VectorWeight, cfg.KeywordWeight, logger)

	weights := reranker.Weights{
		Relevance: cfg.RerankVectorWeight,
		Overlap:   cfg.RerankOverlapWeight,
		Length:    cfg.RerankLengthWeight,
	}
	var rr reranker.Reranker
	switch cfg.Reranker {
	case "llm":
		rr = reranker.NewLLM(model, weights, logger)
	default:
		rr = reranker.NewHeuristic(weights)
	}

	gen := generator.New(model, cfg.HistoryLimit, logger)

	pipe := pipeline.New(emb, ret, rr, gen, store, conversations, pipeline.Config{
		RetrievalTopK:      cfg.RetrievalTopK,
		RerankTopK:         cfg.RerankTopK,
		UseHybrid:          cfg.UseHybrid,
		HistoryLimit:       cfg.HistoryLimit,
		DefaultTemperature: cfg.DefaultTemperature,
		MaxTokens:          cfg.MaxTokens,
		QueryTTL:           cfg.QueryTTL,
		ConversationTTL:    cfg.ConversationTTL,
		LLMModel:           cfg.OllamaLLMModel,
	}, logger)

	// Auth stays disabled unless a key or secret is configured.
	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry)
	}

	srv := server.New(pipe, store, vectors, server.Config{
		Port:       cfg.HTTPPort,
		APIKey:     cfg.APIKey,
		JWTManager: jwtManager,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// newCache connects to Redis, degrading to a no-op cache when the
// connection fails or no address is configured.
func newCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) cache.Cache {
	if cfg.RedisAddr == "" {
		logger.Info("redis disabled, running without cache")
		return cache.NewNoop()
	}

	c, err := cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, running without cache", "error", err)
		return cache.NewNoop()
	}
	return c
}

// refreshLoop rebuilds the keyword index on the configured interval so
// newly ingested chunks become searchable. A cheap corpus count skips
// the reload when nothing changed.
func refreshLoop(ctx context.Context, engine *keyword.Engine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.RefreshIfStale(ctx); err != nil {
				logger.Warn("keyword index refresh failed", "error", err)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
