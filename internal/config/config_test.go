package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		RetrievalTopK:          20,
		RerankTopK:             5,
		HistoryLimit:           10,
		DefaultTemperature:     0.7,
		VectorWeight:           0.7,
		KeywordWeight:          0.3,
		Reranker:               "heuristic",
		RerankVectorWeight:     0.7,
		RerankOverlapWeight:    0.2,
		RerankLengthWeight:     0.1,
		EmbeddingTTL:           24 * time.Hour,
		QueryTTL:               30 * time.Minute,
		ConversationTTL:        30 * time.Minute,
		OllamaTimeout:          2 * time.Minute,
		KeywordRefreshInterval: 5 * time.Minute,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_FusionWeightsMustSumToOne(t *testing.T) {
	cfg := validConfig()
	cfg.VectorWeight = 0.7
	cfg.KeywordWeight = 0.7

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for weights summing to 1.4")
	}
	if !strings.Contains(err.Error(), "sum to 1.0") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_RerankWeightsMustSumToOne(t *testing.T) {
	cfg := validConfig()
	cfg.RerankLengthWeight = 0.5

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for rerank weights summing to 1.4")
	}
}

func TestValidate_TemperatureRange(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultTemperature = 1.5

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for temperature out of range")
	}
}

func TestValidate_RejectsUnknownReranker(t *testing.T) {
	cfg := validConfig()
	cfg.Reranker = "neural"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown reranker")
	}
}

func TestValidate_RejectsZeroTTL(t *testing.T) {
	cfg := validConfig()
	cfg.QueryTTL = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero TTL")
	}
}

func TestValidate_RejectsNonPositiveTopK(t *testing.T) {
	cfg := validConfig()
	cfg.RerankTopK = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero top_k")
	}
}
