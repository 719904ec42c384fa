package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quorumhq/quorum/pkg/models"
)

const circleColumns = `id, name, status, auto_route, require_review, project_id,
	created_at, updated_at`

func scanCircle(row pgx.Row) (*models.Circle, error) {
	var c models.Circle
	err := row.Scan(
		&c.ID, &c.Name, &c.Status, &c.AutoRoute, &c.RequireReview,
		&c.ProjectID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCircle inserts a new, empty circle.
func (s *Postgres) CreateCircle(ctx context.Context, circle *models.Circle) (*models.Circle, error) {
	status := circle.Status
	if status == "" {
		status = models.CircleStatusStopped
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO circles (name, status, auto_route, require_review, project_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+circleColumns,
		circle.Name, status, circle.AutoRoute, circle.RequireReview, circle.ProjectID,
	)
	created, err := scanCircle(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create circle: %w", err)
	}
	return created, nil
}

// GetCircle returns one circle by id.
func (s *Postgres) GetCircle(ctx context.Context, id int64) (*models.Circle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+circleColumns+` FROM circles WHERE id = $1`, id)
	c, err := scanCircle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("circle", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get circle %d: %w", id, err)
	}
	return c, nil
}

// ListActiveCircles returns circles that are currently running.
func (s *Postgres) ListActiveCircles(ctx context.Context) ([]*models.Circle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+circleColumns+` FROM circles WHERE status = $1 ORDER BY id`,
		models.CircleStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list active circles: %w", err)
	}
	defer rows.Close()

	var circles []*models.Circle
	for rows.Next() {
		c, err := scanCircle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan circle: %w", err)
		}
		circles = append(circles, c)
	}
	return circles, rows.Err()
}

// UpdateCircleStatus sets a circle's runtime status.
func (s *Postgres) UpdateCircleStatus(ctx context.Context, id int64, status models.CircleStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE circles SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update circle %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("circle", id)
	}
	return nil
}

// AddCircleMember appends an agent to the circle at the next position.
func (s *Postgres) AddCircleMember(ctx context.Context, member *models.CircleMember) (*models.CircleMember, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO circle_members (circle_id, agent_id, position, competencies, reviewable_domains)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM circle_members WHERE circle_id = $1),
			$3, $4)
		RETURNING circle_id, agent_id, position, competencies, reviewable_domains, joined_at`,
		member.CircleID, member.AgentID,
		orEmpty(member.Competencies), orEmpty(member.ReviewableDomains),
	)
	var m models.CircleMember
	err := row.Scan(&m.CircleID, &m.AgentID, &m.Position,
		&m.Competencies, &m.ReviewableDomains, &m.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add member %d to circle %d: %w",
			member.AgentID, member.CircleID, err)
	}
	return &m, nil
}

// RemoveCircleMember deletes a membership and returns how many members
// remain, so the service can stop a circle that lost its last member.
func (s *Postgres) RemoveCircleMember(ctx context.Context, circleID, agentID int64) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM circle_members WHERE circle_id = $1 AND agent_id = $2`,
		circleID, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove member %d from circle %d: %w", agentID, circleID, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("circle %d member %d: %w", circleID, agentID, ErrNotFound)
	}

	var remaining int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM circle_members WHERE circle_id = $1`, circleID,
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("failed to count circle %d members: %w", circleID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit member removal: %w", err)
	}
	return remaining, nil
}

// GetCircleMembers returns the circle's membership in insertion order,
// joined with each agent's display fields.
func (s *Postgres) GetCircleMembers(ctx context.Context, circleID int64) ([]*models.CircleMemberInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.circle_id, m.agent_id, m.position, m.competencies,
			m.reviewable_domains, m.joined_at, a.name, a.role, a.active
		FROM circle_members m
		JOIN agents a ON a.id = m.agent_id
		WHERE m.circle_id = $1
		ORDER BY m.position`,
		circleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list circle %d members: %w", circleID, err)
	}
	defer rows.Close()

	var members []*models.CircleMemberInfo
	for rows.Next() {
		var m models.CircleMemberInfo
		err := rows.Scan(&m.CircleID, &m.AgentID, &m.Position,
			&m.Competencies, &m.ReviewableDomains, &m.JoinedAt,
			&m.AgentName, &m.AgentRole, &m.Active)
		if err != nil {
			return nil, fmt.Errorf("failed to scan circle member: %w", err)
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

// GetAgentScopeIDs returns the circles an agent belongs to and the
// projects those circles are bound to.
func (s *Postgres) GetAgentScopeIDs(ctx context.Context, agentID int64) ([]int64, []int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.project_id
		FROM circle_members m
		JOIN circles c ON c.id = m.circle_id
		WHERE m.agent_id = $1`,
		agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve scopes for agent %d: %w", agentID, err)
	}
	defer rows.Close()

	var circleIDs, projectIDs []int64
	seen := map[int64]bool{}
	for rows.Next() {
		var (
			circleID  int64
			projectID *int64
		)
		if err := rows.Scan(&circleID, &projectID); err != nil {
			return nil, nil, fmt.Errorf("failed to scan agent scope: %w", err)
		}
		circleIDs = append(circleIDs, circleID)
		if projectID != nil && !seen[*projectID] {
			seen[*projectID] = true
			projectIDs = append(projectIDs, *projectID)
		}
	}
	return circleIDs, projectIDs, rows.Err()
}
