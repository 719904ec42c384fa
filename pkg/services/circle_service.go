package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/models"
)

// CircleStore is the slice of the persistence contract the circle
// service needs.
type CircleStore interface {
	CreateCircle(ctx context.Context, circle *models.Circle) (*models.Circle, error)
	GetCircle(ctx context.Context, id int64) (*models.Circle, error)
	ListActiveCircles(ctx context.Context) ([]*models.Circle, error)
	UpdateCircleStatus(ctx context.Context, id int64, status models.CircleStatus) error
	AddCircleMember(ctx context.Context, member *models.CircleMember) (*models.CircleMember, error)
	RemoveCircleMember(ctx context.Context, circleID, agentID int64) (int, error)
	GetCircleMembers(ctx context.Context, circleID int64) ([]*models.CircleMemberInfo, error)
	GetAgent(ctx context.Context, id int64) (*models.Agent, error)
}

// CreateCircleInput contains the domain-level data needed to create a
// circle.
type CreateCircleInput struct {
	Name          string
	AutoRoute     bool
	RequireReview bool
	ProjectID     *int64
}

// AddMemberInput describes one agent joining a circle.
type AddMemberInput struct {
	AgentID           int64
	Competencies      []string
	ReviewableDomains []string
}

// CircleService handles circle lifecycle and membership.
type CircleService struct {
	store CircleStore
	bus   *bus.Bus
}

// NewCircleService creates a new CircleService.
func NewCircleService(store CircleStore, eventBus *bus.Bus) *CircleService {
	if store == nil {
		panic("NewCircleService: store must not be nil")
	}
	if eventBus == nil {
		panic("NewCircleService: eventBus must not be nil")
	}
	return &CircleService{store: store, bus: eventBus}
}

// CreateCircle validates and creates an empty, stopped circle.
func (s *CircleService) CreateCircle(ctx context.Context, input CreateCircleInput) (*models.Circle, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, NewValidationError("name", "must not be empty")
	}

	circle, err := s.store.CreateCircle(ctx, &models.Circle{
		Name:          strings.TrimSpace(input.Name),
		Status:        models.CircleStatusStopped,
		AutoRoute:     input.AutoRoute,
		RequireReview: input.RequireReview,
		ProjectID:     input.ProjectID,
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, bus.Event{
		Type: bus.TypeCircleCreated,
		Data: map[string]any{
			"circle_id": circle.ID,
			"name":      circle.Name,
		},
		CircleID:  &circle.ID,
		ProjectID: circle.ProjectID,
	})
	return circle, nil
}

// GetCircle returns one circle by id.
func (s *CircleService) GetCircle(ctx context.Context, id int64) (*models.Circle, error) {
	return s.store.GetCircle(ctx, id)
}

// ListActiveCircles returns the circles currently running.
func (s *CircleService) ListActiveCircles(ctx context.Context) ([]*models.Circle, error) {
	return s.store.ListActiveCircles(ctx)
}

// UpdateStatus sets a circle's runtime status.
func (s *CircleService) UpdateStatus(ctx context.Context, id int64, status models.CircleStatus) error {
	switch status {
	case models.CircleStatusStopped, models.CircleStatusStarting,
		models.CircleStatusRunning, models.CircleStatusStopping:
	default:
		return NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	return s.store.UpdateCircleStatus(ctx, id, status)
}

// AddMember appends an active agent to the circle. The circle and the
// agent must both exist; inactive agents are excluded from routing and
// cannot join.
func (s *CircleService) AddMember(ctx context.Context, circleID int64, input AddMemberInput) (*models.CircleMember, error) {
	if input.AgentID <= 0 {
		return nil, NewValidationError("agent_id", "must be set")
	}
	circle, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(ctx, input.AgentID)
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return nil, fmt.Errorf("agent %d: %w", agent.ID, ErrAgentInactive)
	}

	member, err := s.store.AddCircleMember(ctx, &models.CircleMember{
		CircleID:          circle.ID,
		AgentID:           agent.ID,
		Competencies:      input.Competencies,
		ReviewableDomains: input.ReviewableDomains,
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, bus.Event{
		Type: bus.TypeCircleMemberAdded,
		Data: map[string]any{
			"circle_id": circle.ID,
			"agent_id":  agent.ID,
			"position":  member.Position,
		},
		SourceAgentID: &agent.ID,
		CircleID:      &circle.ID,
		ProjectID:     circle.ProjectID,
	})
	return member, nil
}

// RemoveMember removes an agent from the circle and returns how many
// members remain. A circle that loses its last member is stopped.
func (s *CircleService) RemoveMember(ctx context.Context, circleID, agentID int64) (int, error) {
	remaining, err := s.store.RemoveCircleMember(ctx, circleID, agentID)
	if err != nil {
		return 0, err
	}
	if remaining == 0 {
		if err := s.store.UpdateCircleStatus(ctx, circleID, models.CircleStatusStopped); err != nil {
			return remaining, fmt.Errorf("failed to stop emptied circle %d: %w", circleID, err)
		}
	}
	return remaining, nil
}

// Members returns the circle's membership with agent display fields.
func (s *CircleService) Members(ctx context.Context, circleID int64) ([]*models.CircleMemberInfo, error) {
	if _, err := s.store.GetCircle(ctx, circleID); err != nil {
		return nil, err
	}
	return s.store.GetCircleMembers(ctx, circleID)
}
