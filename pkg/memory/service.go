// Package memory implements remember/recall over the vector store,
// with embedding and result caching and event-driven invalidation.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/cache"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/store"
)

// Recall defaults.
const (
	DefaultRecallLimit     = 5
	DefaultRecallThreshold = 0.7
)

// Store is the slice of the persistence contract the service needs.
type Store interface {
	InsertMemory(ctx context.Context, m *models.Memory) (*models.Memory, error)
	GetMemory(ctx context.Context, id int64) (*models.Memory, error)
	SearchMemories(ctx context.Context, q store.MemorySearch) ([]*models.ScoredMemory, error)
	MarkForgotten(ctx context.Context, id int64) error
	IncrementAccess(ctx context.Context, ids []int64) error
	GetAgentScopeIDs(ctx context.Context, agentID int64) (circleIDs, projectIDs []int64, err error)
	GetAgent(ctx context.Context, id int64) (*models.Agent, error)
	GetCircle(ctx context.Context, id int64) (*models.Circle, error)
	GetCircleMembers(ctx context.Context, circleID int64) ([]*models.CircleMemberInfo, error)
}

// Embedder computes embedding vectors. The worker client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service provides remember, recall and knowledge operations plus
// context composition for worker turns.
type Service struct {
	store    Store
	embedder Embedder
	cache    *cache.Cache
	bus      *bus.Bus
}

// NewService wires the memory service.
func NewService(st Store, embedder Embedder, c *cache.Cache, eventBus *bus.Bus) *Service {
	return &Service{store: st, embedder: embedder, cache: c, bus: eventBus}
}

// RememberRequest parameterizes a memory write.
type RememberRequest struct {
	AgentID    int64              `json:"agent_id"`
	Content    string             `json:"content"`
	Type       models.MemoryType  `json:"type,omitempty"`
	Scope      models.MemoryScope `json:"scope,omitempty"`
	ScopeID    *int64             `json:"scope_id,omitempty"`
	Importance *float64           `json:"importance,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
}

// Remember embeds and persists a knowledge unit, publishes the memory
// event and invalidates cached recall results.
func (s *Service) Remember(ctx context.Context, req RememberRequest) (*models.Memory, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, NewValidationError("content", "must not be empty")
	}
	scope := req.Scope
	if scope == "" {
		scope = models.ScopeAgent
	}
	switch scope {
	case models.ScopeAgent, models.ScopeCircle, models.ScopeProject, models.ScopeGlobal:
	default:
		return nil, NewValidationError("scope", fmt.Sprintf("unknown scope %q", scope))
	}
	if scope.RequiresScopeID() && req.ScopeID == nil {
		return nil, NewValidationError("scope_id", fmt.Sprintf("required for scope %q", scope))
	}
	memType := req.Type
	if memType == "" {
		memType = models.MemoryTypeFact
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
		if importance < 0 || importance > 1 {
			return nil, NewValidationError("importance", "must be within [0, 1]")
		}
	}

	embedding, err := s.embed(ctx, req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to embed memory content: %w", err)
	}

	created, err := s.store.InsertMemory(ctx, &models.Memory{
		AgentID:    req.AgentID,
		Scope:      scope,
		ScopeID:    req.ScopeID,
		Content:    req.Content,
		Embedding:  embedding,
		Importance: importance,
		Tags:       req.Tags,
		Type:       memType,
	})
	if err != nil {
		return nil, err
	}

	s.publishMemoryEvent(ctx, created)
	s.cache.InvalidateAgent(ctx, created.AgentID)
	return created, nil
}

// RecallRequest parameterizes a recall query.
type RecallRequest struct {
	AgentID   int64             `json:"agent_id"`
	Query     string            `json:"query"`
	Limit     int               `json:"limit,omitempty"`
	Threshold float64           `json:"threshold,omitempty"`
	Type      models.MemoryType `json:"type,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
}

// Recall returns the agent's most similar visible memories. Only
// unfiltered queries are cached.
func (s *Service) Recall(ctx context.Context, req RecallRequest) ([]*models.ScoredMemory, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, NewValidationError("query", "must not be empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = DefaultRecallThreshold
	}

	unfiltered := req.Type == "" && len(req.Tags) == 0
	cacheKey := cache.RecallKey(req.AgentID, req.Query, limit, threshold)
	if unfiltered {
		if cached, ok := s.cache.GetRecall(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	embedding, err := s.embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed recall query: %w", err)
	}

	circleIDs, projectIDs, err := s.store.GetAgentScopeIDs(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	results, err := s.store.SearchMemories(ctx, store.MemorySearch{
		Embedding:  embedding,
		AgentID:    req.AgentID,
		CircleIDs:  circleIDs,
		ProjectIDs: projectIDs,
		Threshold:  threshold,
		Limit:      limit,
		Type:       req.Type,
		Tags:       req.Tags,
	})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	if err := s.store.IncrementAccess(ctx, ids); err != nil {
		slog.Warn("Failed to increment memory access counts", "error", err)
	}

	if unfiltered {
		s.cache.SetRecall(ctx, cacheKey, results)
	}
	return results, nil
}

// Forget soft-deletes a memory and drops the owner's cached recalls.
func (s *Service) Forget(ctx context.Context, id int64) error {
	m, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.MarkForgotten(ctx, id); err != nil {
		return err
	}
	s.cache.InvalidateAgent(ctx, m.AgentID)
	return nil
}

// AddKnowledge stores a globally visible fact owned by the agent.
func (s *Service) AddKnowledge(ctx context.Context, agentID int64, content string, tags []string) (*models.Memory, error) {
	return s.Remember(ctx, RememberRequest{
		AgentID: agentID,
		Content: content,
		Type:    models.MemoryTypeFact,
		Scope:   models.ScopeGlobal,
		Tags:    tags,
	})
}

// SearchKnowledge queries the global knowledge base only.
func (s *Service) SearchKnowledge(ctx context.Context, query string, limit int) ([]*models.ScoredMemory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, NewValidationError("query", "must not be empty")
	}
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	embedding, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed knowledge query: %w", err)
	}
	// AgentID 0 matches no agent-scoped rows, and with no circle or
	// project ids only global memories remain visible.
	return s.store.SearchMemories(ctx, store.MemorySearch{
		Embedding: embedding,
		Threshold: DefaultRecallThreshold,
		Limit:     limit,
	})
}

// ComposeContext builds the context block injected into worker turns:
// the agent's persona, optional circle roster, and the memories most
// relevant to the query.
func (s *Service) ComposeContext(ctx context.Context, agentID int64, circleID *int64, query string) (string, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", agent.Name)
	if agent.Role != "" {
		fmt.Fprintf(&b, ", %s", agent.Role)
	}
	b.WriteString(".")
	if agent.Persona != "" {
		b.WriteString("\n" + agent.Persona)
	}
	if len(agent.Specializations) > 0 {
		b.WriteString("\nSpecializations: " + strings.Join(agent.Specializations, ", "))
	}

	if circleID != nil {
		circleCtx, err := s.circleContext(ctx, *circleID)
		if err != nil {
			slog.Warn("Failed to compose circle context",
				"circle_id", *circleID, "error", err)
		} else if circleCtx != "" {
			b.WriteString("\n\n" + circleCtx)
		}
	}

	if strings.TrimSpace(query) != "" {
		memories, err := s.Recall(ctx, RecallRequest{AgentID: agentID, Query: query})
		if err != nil {
			slog.Warn("Failed to recall memories for context",
				"agent_id", agentID, "error", err)
		} else if len(memories) > 0 {
			b.WriteString("\n\nRelevant memories:")
			for _, m := range memories {
				fmt.Fprintf(&b, "\n- %s", m.Content)
			}
		}
	}
	return b.String(), nil
}

// circleContext renders the circle roster, cached with a short TTL.
func (s *Service) circleContext(ctx context.Context, circleID int64) (string, error) {
	if cached, ok := s.cache.GetCircleContext(ctx, circleID); ok {
		return cached, nil
	}

	circle, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return "", err
	}
	members, err := s.store.GetCircleMembers(ctx, circleID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You work in circle %q with:", circle.Name)
	for _, m := range members {
		fmt.Fprintf(&b, "\n- %s (%s)", m.AgentName, m.AgentRole)
	}
	composed := b.String()
	s.cache.SetCircleContext(ctx, circleID, composed)
	return composed, nil
}

// embed resolves an embedding through the cache before the worker.
func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.cache.GetEmbedding(ctx, text); ok {
		return vec, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.SetEmbedding(ctx, text, vec)
	return vec, nil
}

func (s *Service) publishMemoryEvent(ctx context.Context, m *models.Memory) {
	eventType := bus.TypeMemoryCreated
	e := bus.Event{
		Type: eventType,
		Data: map[string]any{
			"memory_id": m.ID,
			"scope":     string(m.Scope),
			"type":      string(m.Type),
		},
		SourceAgentID: &m.AgentID,
	}
	if m.Scope != models.ScopeAgent {
		e.Type = bus.TypeMemoryShared
		switch m.Scope {
		case models.ScopeCircle:
			e.CircleID = m.ScopeID
		case models.ScopeProject:
			e.ProjectID = m.ScopeID
		}
	}
	s.bus.Publish(ctx, e)
}
