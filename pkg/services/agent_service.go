// Package services fronts the store for the REST surface: input
// validation, membership rules and lifecycle events live here, SQL
// stays in pkg/store.
package services

import (
	"context"
	"strings"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/models"
)

// AgentStore is the slice of the persistence contract the agent
// service needs.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error)
	GetAgent(ctx context.Context, id int64) (*models.Agent, error)
	ListAgents(ctx context.Context, activeOnly bool) ([]*models.Agent, error)
	UpdateAgentMetrics(ctx context.Context, id int64, delta models.AgentMetricsDelta) error
}

// CreateAgentInput contains the domain-level data needed to register
// an agent. Transformed from the HTTP request by the handler.
type CreateAgentInput struct {
	Name            string
	Role            string
	Persona         string
	Traits          []string
	Specializations []string
	Language        string
	Model           models.ModelRef
}

// AgentService handles agent registration and metrics.
type AgentService struct {
	store AgentStore
	bus   *bus.Bus
}

// NewAgentService creates a new AgentService.
func NewAgentService(store AgentStore, eventBus *bus.Bus) *AgentService {
	if store == nil {
		panic("NewAgentService: store must not be nil")
	}
	if eventBus == nil {
		panic("NewAgentService: eventBus must not be nil")
	}
	return &AgentService{store: store, bus: eventBus}
}

// CreateAgent validates and registers a new agent. New agents start
// active.
func (s *AgentService) CreateAgent(ctx context.Context, input CreateAgentInput) (*models.Agent, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, NewValidationError("name", "must not be empty")
	}
	if strings.TrimSpace(input.Role) == "" {
		return nil, NewValidationError("role", "must not be empty")
	}
	if input.Model.Provider == "" || input.Model.Model == "" {
		return nil, NewValidationError("model", "provider and model must both be set")
	}

	agent, err := s.store.CreateAgent(ctx, &models.Agent{
		Name:            strings.TrimSpace(input.Name),
		Role:            strings.TrimSpace(input.Role),
		Persona:         input.Persona,
		Traits:          input.Traits,
		Specializations: input.Specializations,
		Language:        input.Language,
		Model:           input.Model,
		Active:          true,
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, bus.Event{
		Type: bus.TypeAgentStarted,
		Data: map[string]any{
			"agent_id": agent.ID,
			"name":     agent.Name,
			"role":     agent.Role,
		},
		SourceAgentID: &agent.ID,
	})
	return agent, nil
}

// GetAgent returns one agent by id.
func (s *AgentService) GetAgent(ctx context.Context, id int64) (*models.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// ListAgents returns all agents, or only active ones.
func (s *AgentService) ListAgents(ctx context.Context, activeOnly bool) ([]*models.Agent, error) {
	return s.store.ListAgents(ctx, activeOnly)
}

// RecordTaskOutcome folds one finished task into the agent's
// aggregates and announces it.
func (s *AgentService) RecordTaskOutcome(ctx context.Context, agentID int64, delta models.AgentMetricsDelta) error {
	if delta.Quality < 0 || delta.Quality > 1 {
		return NewValidationError("quality", "must be between 0 and 1")
	}
	if delta.TasksCompleted < 0 {
		return NewValidationError("tasks_completed", "must not be negative")
	}
	if err := s.store.UpdateAgentMetrics(ctx, agentID, delta); err != nil {
		return err
	}

	s.bus.Publish(ctx, bus.Event{
		Type: bus.TypeAgentTaskCompleted,
		Data: map[string]any{
			"agent_id": agentID,
			"quality":  delta.Quality,
		},
		SourceAgentID: &agentID,
	})
	return nil
}
