package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docuchat/ragd/internal/repository"
)

// ConversationRepo implements repository.ConversationRepository.
type ConversationRepo struct {
	db *DB
}

// NewConversationRepo creates a new conversation repository.
func NewConversationRepo(db *DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateConversation creates a new conversation.
func (r *ConversationRepo) CreateConversation(ctx context.Context, conv *repository.Conversation) error {
	query := `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Pool.Exec(ctx, query, conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, id uuid.UUID) (*repository.Conversation, error) {
	query := `
		SELECT id, title, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	var conv repository.Conversation
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// AppendTurn appends a turn and bumps the conversation's updated_at.
func (r *ConversationRepo) AppendTurn(ctx context.Context, conversationID uuid.UUID, turn repository.Turn) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), conversationID, turn.Role, turn.Content, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE conversations SET updated_at = $2 WHERE id = $1
	`, conversationID, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	return nil
}

// LoadHistory returns the most recent limit turns, oldest first.
func (r *ConversationRepo) LoadHistory(ctx context.Context, conversationID uuid.UUID, limit int) ([]repository.Turn, error) {
	// Select the newest turns, then reverse so callers see oldest-first.
	query := `
		SELECT role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var turns []repository.Turn
	for rows.Next() {
		var turn repository.Turn
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	// Reverse newest-first to oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	return turns, nil
}

// Ensure ConversationRepo implements the interface.
var _ repository.ConversationRepository = (*ConversationRepo)(nil)
