package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quorumhq/quorum/pkg/models"
)

const memoryColumns = `id, agent_id, scope, scope_id, content, embedding::text,
	importance, access_count, tags, memory_type, forgotten, created_at, updated_at`

func scanMemory(row pgx.Row, extra ...any) (*models.Memory, error) {
	var (
		m   models.Memory
		vec string
	)
	dest := []any{
		&m.ID, &m.AgentID, &m.Scope, &m.ScopeID, &m.Content, &vec,
		&m.Importance, &m.AccessCount, &m.Tags, &m.Type, &m.Forgotten,
		&m.CreatedAt, &m.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	embedding, err := decodeVector(vec)
	if err != nil {
		return nil, fmt.Errorf("memory %d: %w", m.ID, err)
	}
	m.Embedding = embedding
	return &m, nil
}

// InsertMemory persists a knowledge unit with its embedding.
func (s *Postgres) InsertMemory(ctx context.Context, m *models.Memory) (*models.Memory, error) {
	if len(m.Embedding) == 0 {
		return nil, fmt.Errorf("memory embedding must not be empty")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO memories (agent_id, scope, scope_id, content, embedding,
			importance, tags, memory_type)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8)
		RETURNING `+memoryColumns,
		m.AgentID, m.Scope, m.ScopeID, m.Content, encodeVector(m.Embedding),
		m.Importance, orEmpty(m.Tags), m.Type,
	)
	created, err := scanMemory(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert memory: %w", err)
	}
	return created, nil
}

// GetMemory returns one memory by id, including forgotten ones.
func (s *Postgres) GetMemory(ctx context.Context, id int64) (*models.Memory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("memory", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory %d: %w", id, err)
	}
	return m, nil
}

// SearchMemories runs a scoped cosine search. A memory is visible when
// it is owned by the agent, shared into one of the agent's circles or
// projects, or global. Results at or above the threshold come back in
// descending similarity order.
func (s *Postgres) SearchMemories(ctx context.Context, q MemorySearch) ([]*models.ScoredMemory, error) {
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("search embedding must not be empty")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT ` + memoryColumns + `,
			1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE NOT forgotten
			AND (
				(scope = 'agent' AND agent_id = $2)
				OR (scope = 'circle' AND scope_id = ANY($3))
				OR (scope = 'project' AND scope_id = ANY($4))
				OR scope = 'global'
			)
			AND 1 - (embedding <=> $1::vector) >= $5`
	args := []any{
		encodeVector(q.Embedding), q.AgentID,
		orEmptyIDs(q.CircleIDs), orEmptyIDs(q.ProjectIDs), q.Threshold,
	}
	if q.Type != "" {
		args = append(args, q.Type)
		query += fmt.Sprintf(" AND memory_type = $%d", len(args))
	}
	if len(q.Tags) > 0 {
		args = append(args, q.Tags)
		query += fmt.Sprintf(" AND tags @> $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	defer rows.Close()

	var results []*models.ScoredMemory
	for rows.Next() {
		var similarity float64
		m, err := scanMemory(rows, &similarity)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		results = append(results, &models.ScoredMemory{Memory: *m, Similarity: similarity})
	}
	return results, rows.Err()
}

// MarkForgotten soft-deletes a memory; it stays out of recall but keeps
// its row.
func (s *Postgres) MarkForgotten(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memories SET forgotten = TRUE, updated_at = now() WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to forget memory %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("memory", id)
	}
	return nil
}

// IncrementAccess bumps access_count on the given memories.
func (s *Postgres) IncrementAccess(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE memories SET access_count = access_count + 1 WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return fmt.Errorf("failed to increment memory access: %w", err)
	}
	return nil
}

func orEmptyIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
