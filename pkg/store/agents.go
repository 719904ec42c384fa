package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quorumhq/quorum/pkg/models"
)

const agentColumns = `id, name, role, persona, traits, specializations, language,
	model_provider, model_name, active, tasks_completed, avg_quality,
	approval_rate, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Role, &a.Persona, &a.Traits, &a.Specializations,
		&a.Language, &a.Model.Provider, &a.Model.Model, &a.Active,
		&a.TasksCompleted, &a.AvgQuality, &a.ApprovalRate,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAgent inserts a new agent identity.
func (s *Postgres) CreateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (name, role, persona, traits, specializations,
			language, model_provider, model_name, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+agentColumns,
		agent.Name, agent.Role, agent.Persona,
		orEmpty(agent.Traits), orEmpty(agent.Specializations),
		agent.Language, agent.Model.Provider, agent.Model.Model, agent.Active,
	)
	created, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return created, nil
}

// GetAgent returns one agent by id.
func (s *Postgres) GetAgent(ctx context.Context, id int64) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %d: %w", id, err)
	}
	return a, nil
}

// ListAgents returns all agents, optionally restricted to active ones.
func (s *Postgres) ListAgents(ctx context.Context, activeOnly bool) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentMetrics folds a finished task into the agent's aggregates.
// Averages are recomputed incrementally over tasks_completed.
func (s *Postgres) UpdateAgentMetrics(ctx context.Context, id int64, delta models.AgentMetricsDelta) error {
	approvedDelta := 0.0
	hasApproval := delta.Approved != nil
	if hasApproval && *delta.Approved {
		approvedDelta = 1.0
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET
			tasks_completed = tasks_completed + $2,
			avg_quality = CASE WHEN tasks_completed + $2 > 0
				THEN (avg_quality * tasks_completed + $3) / (tasks_completed + $2)
				ELSE avg_quality END,
			approval_rate = CASE WHEN $4 AND tasks_completed + $2 > 0
				THEN (approval_rate * tasks_completed + $5) / (tasks_completed + $2)
				ELSE approval_rate END,
			updated_at = now()
		WHERE id = $1`,
		id, delta.TasksCompleted, delta.Quality, hasApproval, approvedDelta,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent %d metrics: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("agent", id)
	}
	return nil
}

// orEmpty normalizes a nil slice to an empty one so the NOT NULL array
// columns never receive SQL NULL.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
