package retrieval

import (
	"sort"
	"strings"

	"github.com/docuchat/ragd/internal/keyword"
	"github.com/docuchat/ragd/internal/vectorstore"
)

// Candidate is a retrieval hit after score fusion. VectorScore and
// KeywordScore are min-max normalized within their source; a candidate
// absent from a source carries 0 for it.
type Candidate struct {
	ChunkID      string
	DocumentID   string
	Content      string
	VectorScore  float64
	KeywordScore float64
	FusedScore   float64
	Metadata     map[string]string
}

// minMaxNormalize maps scores onto [0,1] in place. When all scores are
// equal every entry maps to 1.0 so a uniform source still contributes
// its full weight.
func minMaxNormalize(scores []float64) {
	if len(scores) == 0 {
		return
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	span := max - min
	for i := range scores {
		if span < 1e-12 {
			scores[i] = 1.0
		} else {
			scores[i] = (scores[i] - min) / span
		}
	}
}

// fuse merges vector and keyword hits into a single ranking. Scores are
// normalized per source before the weighted sum, candidates appearing in
// both sources are merged by chunk id, and ties on the fused score keep
// vector order ahead of keyword-only entries.
func fuse(vecHits []vectorstore.SearchResult, kwHits []keyword.Result, vectorWeight, keywordWeight float64) []Candidate {
	vecScores := make([]float64, len(vecHits))
	for i, h := range vecHits {
		vecScores[i] = h.Score
	}
	minMaxNormalize(vecScores)

	kwScores := make([]float64, len(kwHits))
	for i, h := range kwHits {
		kwScores[i] = h.Score
	}
	minMaxNormalize(kwScores)

	byID := make(map[string]int, len(vecHits)+len(kwHits))
	candidates := make([]Candidate, 0, len(vecHits)+len(kwHits))

	for i, h := range vecHits {
		byID[h.ID] = len(candidates)
		candidates = append(candidates, Candidate{
			ChunkID:     h.ID,
			DocumentID:  h.DocumentID,
			Content:     h.Content,
			VectorScore: vecScores[i],
			Metadata:    h.Metadata,
		})
	}

	for i, h := range kwHits {
		if idx, ok := byID[h.ChunkID]; ok {
			candidates[idx].KeywordScore = kwScores[i]
			continue
		}
		byID[h.ChunkID] = len(candidates)
		candidates = append(candidates, Candidate{
			ChunkID:      h.ChunkID,
			DocumentID:   h.DocumentID,
			Content:      h.Content,
			KeywordScore: kwScores[i],
			Metadata:     h.Metadata,
		})
	}

	for i := range candidates {
		candidates[i].FusedScore = vectorWeight*candidates[i].VectorScore +
			keywordWeight*candidates[i].KeywordScore
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].FusedScore > candidates[j].FusedScore
	})

	return candidates
}

// dedupThreshold is the Jaccard token-set similarity above which two
// candidates are treated as near duplicates.
const dedupThreshold = 0.7

// dedup drops candidates whose content is nearly identical to a
// higher-ranked one.
func dedup(candidates []Candidate) []Candidate {
	if len(candidates) < 2 {
		return candidates
	}

	kept := make([]Candidate, 0, len(candidates))
	keptTokens := make([]map[string]struct{}, 0, len(candidates))

	for _, c := range candidates {
		tokens := tokenSet(c.Content)
		duplicate := false
		for _, prev := range keptTokens {
			if jaccard(tokens, prev) >= dedupThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, c)
		keptTokens = append(keptTokens, tokens)
	}
	return kept
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
