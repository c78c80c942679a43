// Package keyword provides in-process BM25 lexical search over the chunk corpus.
//
// Unlike the naive approach of rebuilding the index on every query, the
// engine keeps a built index in memory and exposes Refresh to reload the
// corpus; callers refresh at startup and on a configured interval.
package keyword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/docuchat/ragd/internal/repository"
)

// Okapi BM25 parameters. k1 controls term-frequency saturation, b controls
// document-length normalization.
const (
	defaultK1 = 1.5
	defaultB  = 0.75
)

// ErrEmptyIndex is returned when the index has no documents. Callers treat
// this as the degradation branch, not a fatal failure.
var ErrEmptyIndex = errors.New("keyword index is empty")

// Result is a single keyword search hit. Scores are raw BM25 values
// (unbounded, non-negative); normalization happens at fusion time.
type Result struct {
	ChunkID    string
	DocumentID string
	Content    string
	Score      float64
	Metadata   map[string]string
}

// indexedDoc holds the per-document statistics computed at index time.
type indexedDoc struct {
	chunkID    string
	documentID string
	content    string
	metadata   map[string]string
	termFreq   map[string]int
	length     int
}

// Engine is a BM25 index over the chunk corpus.
type Engine struct {
	source repository.ChunkRepository
	logger *slog.Logger
	k1     float64
	b      float64

	mu        sync.RWMutex
	docs      []indexedDoc
	avgDocLen float64
	idf       map[string]float64
}

// NewEngine creates an empty engine; call Refresh before searching.
func NewEngine(source repository.ChunkRepository, logger *slog.Logger) *Engine {
	return &Engine{
		source: source,
		logger: logger,
		k1:     defaultK1,
		b:      defaultB,
		idf:    make(map[string]float64),
	}
}

// Refresh reloads the corpus and rebuilds document statistics and the IDF
// table. Safe for concurrent use with Search.
func (e *Engine) Refresh(ctx context.Context) error {
	chunks, err := e.source.ListChunks(ctx)
	if err != nil {
		return fmt.Errorf("loading corpus: %w", err)
	}

	docs := make([]indexedDoc, 0, len(chunks))
	termDocCount := make(map[string]int)
	totalLen := 0

	for _, chunk := range chunks {
		terms := tokenize(chunk.Content)
		tf := make(map[string]int, len(terms))
		for _, term := range terms {
			tf[term]++
		}
		for term := range tf {
			termDocCount[term]++
		}
		totalLen += len(terms)

		docs = append(docs, indexedDoc{
			chunkID:    chunk.ID.String(),
			documentID: chunk.DocumentID.String(),
			content:    chunk.Content,
			metadata: map[string]string{
				"document_id": chunk.DocumentID.String(),
				"page":        strconv.Itoa(chunk.Page),
				"chunk_index": strconv.Itoa(chunk.ChunkIndex),
			},
			termFreq: tf,
			length:   len(terms),
		})
	}

	avgDocLen := 0.0
	if len(docs) > 0 {
		avgDocLen = float64(totalLen) / float64(len(docs))
	}

	idf := make(map[string]float64, len(termDocCount))
	n := float64(len(docs))
	for term, df := range termDocCount {
		idf[term] = math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
	}

	e.mu.Lock()
	e.docs = docs
	e.avgDocLen = avgDocLen
	e.idf = idf
	e.mu.Unlock()

	e.logger.Info("keyword index refreshed", "chunks", len(docs), "terms", len(idf))
	return nil
}

// RefreshIfStale rebuilds the index only when the corpus size changed
// since the last build. Chunks are immutable once created and never
// deleted by this service, so an unchanged count means an unchanged
// corpus and the full reload can be skipped.
func (e *Engine) RefreshIfStale(ctx context.Context) error {
	count, err := e.source.CountChunks(ctx)
	if err != nil {
		return fmt.Errorf("counting corpus: %w", err)
	}
	if count == e.Size() {
		return nil
	}
	return e.Refresh(ctx)
}

// Search scores the corpus against the query and returns up to limit hits
// with positive scores, sorted descending. Ties keep corpus order.
func (e *Engine) Search(query string, limit int) ([]Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.docs) == 0 {
		return nil, ErrEmptyIndex
	}

	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, limit)
	for i := range e.docs {
		doc := &e.docs[i]
		score := 0.0
		docLen := float64(doc.length)

		for _, term := range queryTerms {
			tf, ok := doc.termFreq[term]
			if !ok {
				continue
			}
			idf := e.idf[term]
			numerator := float64(tf) * (e.k1 + 1.0)
			denominator := float64(tf) + e.k1*(1.0-e.b+e.b*(docLen/e.avgDocLen))
			score += idf * (numerator / denominator)
		}

		if score > 0 {
			results = append(results, Result{
				ChunkID:    doc.chunkID,
				DocumentID: doc.documentID,
				Content:    doc.content,
				Score:      score,
				Metadata:   doc.metadata,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Size returns the number of indexed chunks.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

// tokenize lowercases and splits on whitespace, trimming common punctuation.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}
