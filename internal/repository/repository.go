// Package repository defines domain models and data access interfaces for
// the chunk corpus and conversation history.
//
// The corpus is read-only from this service's perspective: chunks are
// produced by an external ingestion pipeline and consumed here for keyword
// indexing. Conversations are append-only sequences of turns.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chunk is a bounded span of source-document text, the atomic unit of
// retrieval. Immutable once created by ingestion.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Content    string
	ChunkIndex int
	Page       int
	CreatedAt  time.Time
}

// Conversation groups an ordered sequence of turns under one id.
type Conversation struct {
	ID        uuid.UUID
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is a single user or assistant message. Turns are never reordered
// or mutated after append.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChunkRepository provides read access to the chunk corpus.
type ChunkRepository interface {
	// ListChunks returns all chunks, ordered by document and chunk index.
	// Used to (re)build the keyword index.
	ListChunks(ctx context.Context) ([]*Chunk, error)

	// CountChunks returns the corpus size, used to detect staleness cheaply.
	CountChunks(ctx context.Context) (int, error)
}

// ConversationRepository persists conversation history.
type ConversationRepository interface {
	// CreateConversation creates a new conversation with the given title.
	CreateConversation(ctx context.Context, conv *Conversation) error

	// GetConversation retrieves a conversation by id, or ErrNotFound.
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)

	// AppendTurn appends a turn to a conversation. Turns for one
	// conversation are persisted in arrival order.
	AppendTurn(ctx context.Context, conversationID uuid.UUID, turn Turn) error

	// LoadHistory returns the most recent limit turns, oldest first.
	// limit <= 0 returns the full history.
	LoadHistory(ctx context.Context, conversationID uuid.UUID, limit int) ([]Turn, error)
}
