package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key prefixes, one per TTL class.
const (
	embeddingPrefix    = "emb"
	queryPrefix        = "query"
	contextPrefix      = "ctx"
	conversationPrefix = "conv"
)

// NormalizeQuery canonicalizes query text for cache keying: two queries
// that differ only in casing or whitespace derive the same key.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// deriveKey hashes the payload so keys stay bounded regardless of query
// length. The first 16 hex characters keep keys short while leaving
// collisions negligible at cache scale.
func deriveKey(prefix, payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return prefix + ":" + hex.EncodeToString(sum[:])[:16]
}

// QueryKey derives the cache key for a fused+reranked query result.
// Varying any of query text, top_k, hybrid flag or model must miss.
func QueryKey(query string, topK int, hybrid bool, model string) string {
	payload := fmt.Sprintf("%s|k=%d|hybrid=%t|model=%s", NormalizeQuery(query), topK, hybrid, model)
	return deriveKey(queryPrefix, payload)
}

// ContextKey derives the cache key for a reranked retrieval context.
// Same signature as QueryKey but a distinct TTL class entry: contexts
// are reusable by conversational turns that can never reuse a full
// cached answer.
func ContextKey(query string, topK int, hybrid bool, model string) string {
	payload := fmt.Sprintf("%s|k=%d|hybrid=%t|model=%s", NormalizeQuery(query), topK, hybrid, model)
	return deriveKey(contextPrefix, payload)
}

// EmbeddingKey derives the cache key for an embedding vector. The raw text
// is hashed as-is: embeddings are casing-sensitive, unlike query results.
func EmbeddingKey(model, text string) string {
	return deriveKey(embeddingPrefix+":"+model, text)
}

// ConversationKey derives the cache key for a conversation snapshot.
func ConversationKey(conversationID string) string {
	return conversationPrefix + ":" + conversationID
}
