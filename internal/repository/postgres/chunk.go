package postgres

import (
	"context"
	"fmt"

	"github.com/docuchat/ragd/internal/repository"
)

// ChunkRepo implements repository.ChunkRepository.
type ChunkRepo struct {
	db *DB
}

// NewChunkRepo creates a new chunk repository.
func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// ListChunks returns all chunks ordered by document and chunk index.
func (r *ChunkRepo) ListChunks(ctx context.Context) ([]*repository.Chunk, error) {
	query := `
		SELECT id, document_id, content, chunk_index, page_number, created_at
		FROM chunks
		ORDER BY document_id, chunk_index
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*repository.Chunk
	for rows.Next() {
		var chunk repository.Chunk
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Content,
			&chunk.ChunkIndex, &chunk.Page, &chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}

	return chunks, nil
}

// CountChunks returns the number of chunks in the corpus.
func (r *ChunkRepo) CountChunks(ctx context.Context) (int, error) {
	var count int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// Ensure ChunkRepo implements the interface.
var _ repository.ChunkRepository = (*ChunkRepo)(nil)
