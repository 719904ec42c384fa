package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/store"
)

// memStore implements AgentStore and CircleStore in memory with the
// same guarded semantics as the Postgres store.
type memStore struct {
	mu      sync.Mutex
	agents  map[int64]*models.Agent
	circles map[int64]*models.Circle
	members map[int64][]*models.CircleMember
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{
		agents:  make(map[int64]*models.Agent),
		circles: make(map[int64]*models.Circle),
		members: make(map[int64][]*models.CircleMember),
	}
}

func (m *memStore) CreateAgent(_ context.Context, agent *models.Agent) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *agent
	cp.ID = m.nextID
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.agents[cp.ID] = &cp
	return &cp, nil
}

func (m *memStore) GetAgent(_ context.Context, id int64) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %d: %w", id, store.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListAgents(_ context.Context, activeOnly bool) ([]*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Agent
	for _, a := range m.agents {
		if activeOnly && !a.Active {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateAgentMetrics(_ context.Context, id int64, delta models.AgentMetricsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("agent %d: %w", id, store.ErrNotFound)
	}
	a.TasksCompleted += delta.TasksCompleted
	return nil
}

func (m *memStore) CreateCircle(_ context.Context, circle *models.Circle) (*models.Circle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *circle
	cp.ID = m.nextID
	if cp.Status == "" {
		cp.Status = models.CircleStatusStopped
	}
	m.circles[cp.ID] = &cp
	return &cp, nil
}

func (m *memStore) GetCircle(_ context.Context, id int64) (*models.Circle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circles[id]
	if !ok {
		return nil, fmt.Errorf("circle %d: %w", id, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListActiveCircles(_ context.Context) ([]*models.Circle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Circle
	for _, c := range m.circles {
		if c.Status == models.CircleStatusRunning {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateCircleStatus(_ context.Context, id int64, status models.CircleStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circles[id]
	if !ok {
		return fmt.Errorf("circle %d: %w", id, store.ErrNotFound)
	}
	c.Status = status
	return nil
}

func (m *memStore) AddCircleMember(_ context.Context, member *models.CircleMember) (*models.CircleMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *member
	cp.Position = len(m.members[member.CircleID]) + 1
	cp.JoinedAt = time.Now()
	m.members[member.CircleID] = append(m.members[member.CircleID], &cp)
	return &cp, nil
}

func (m *memStore) RemoveCircleMember(_ context.Context, circleID, agentID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.members[circleID]
	for i, mem := range members {
		if mem.AgentID == agentID {
			m.members[circleID] = append(members[:i:i], members[i+1:]...)
			return len(m.members[circleID]), nil
		}
	}
	return 0, fmt.Errorf("circle %d member %d: %w", circleID, agentID, store.ErrNotFound)
}

func (m *memStore) GetCircleMembers(_ context.Context, circleID int64) ([]*models.CircleMemberInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CircleMemberInfo
	for _, mem := range m.members[circleID] {
		info := &models.CircleMemberInfo{CircleMember: *mem}
		if a, ok := m.agents[mem.AgentID]; ok {
			info.AgentName = a.Name
			info.AgentRole = a.Role
			info.Active = a.Active
		}
		out = append(out, info)
	}
	return out, nil
}

func seedAgent(t *testing.T, st *memStore, name string, active bool) *models.Agent {
	t.Helper()
	a, err := st.CreateAgent(context.Background(), &models.Agent{
		Name:   name,
		Role:   "engineer",
		Model:  models.ModelRef{Provider: "openai", Model: "gpt-4o"},
		Active: active,
	})
	require.NoError(t, err)
	return a
}

func TestCreateAgentValidation(t *testing.T) {
	svc := NewAgentService(newMemStore(), bus.New(0))

	tests := []struct {
		name  string
		input CreateAgentInput
		field string
	}{
		{"missing name", CreateAgentInput{Role: "engineer", Model: models.ModelRef{Provider: "p", Model: "m"}}, "name"},
		{"missing role", CreateAgentInput{Name: "ada", Model: models.ModelRef{Provider: "p", Model: "m"}}, "role"},
		{"missing model", CreateAgentInput{Name: "ada", Role: "engineer"}, "model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateAgent(context.Background(), tt.input)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCreateAgentPublishesEvent(t *testing.T) {
	eventBus := bus.New(0)
	svc := NewAgentService(newMemStore(), eventBus)

	agent, err := svc.CreateAgent(context.Background(), CreateAgentInput{
		Name:  "ada",
		Role:  "engineer",
		Model: models.ModelRef{Provider: "openai", Model: "gpt-4o"},
	})
	require.NoError(t, err)
	assert.True(t, agent.Active)

	events := eventBus.History(bus.TypeAgentStarted, nil, 0)
	require.Len(t, events, 1)
	assert.Equal(t, agent.ID, events[0].Data["agent_id"])
}

func TestRecordTaskOutcomeRejectsBadQuality(t *testing.T) {
	st := newMemStore()
	svc := NewAgentService(st, bus.New(0))
	a := seedAgent(t, st, "ada", true)

	err := svc.RecordTaskOutcome(context.Background(), a.ID, models.AgentMetricsDelta{Quality: 1.2})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "quality", ve.Field)

	require.NoError(t, svc.RecordTaskOutcome(context.Background(), a.ID,
		models.AgentMetricsDelta{TasksCompleted: 1, Quality: 0.9}))
}

func TestAddMemberRequiresActiveAgent(t *testing.T) {
	st := newMemStore()
	eventBus := bus.New(0)
	circles := NewCircleService(st, eventBus)

	active := seedAgent(t, st, "ada", true)
	inactive := seedAgent(t, st, "ghost", false)

	circle, err := circles.CreateCircle(context.Background(), CreateCircleInput{Name: "platform"})
	require.NoError(t, err)

	_, err = circles.AddMember(context.Background(), circle.ID, AddMemberInput{AgentID: inactive.ID})
	require.ErrorIs(t, err, ErrAgentInactive)

	member, err := circles.AddMember(context.Background(), circle.ID, AddMemberInput{AgentID: active.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, member.Position)

	events := eventBus.History(bus.TypeCircleMemberAdded, nil, 0)
	require.Len(t, events, 1)
	assert.Equal(t, circle.ID, events[0].Data["circle_id"])
}

func TestAddMemberUnknownCircle(t *testing.T) {
	st := newMemStore()
	circles := NewCircleService(st, bus.New(0))
	a := seedAgent(t, st, "ada", true)

	_, err := circles.AddMember(context.Background(), 404, AddMemberInput{AgentID: a.ID})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveLastMemberStopsCircle(t *testing.T) {
	st := newMemStore()
	circles := NewCircleService(st, bus.New(0))
	a := seedAgent(t, st, "ada", true)
	b := seedAgent(t, st, "bob", true)

	circle, err := circles.CreateCircle(context.Background(), CreateCircleInput{Name: "platform"})
	require.NoError(t, err)
	_, err = circles.AddMember(context.Background(), circle.ID, AddMemberInput{AgentID: a.ID})
	require.NoError(t, err)
	_, err = circles.AddMember(context.Background(), circle.ID, AddMemberInput{AgentID: b.ID})
	require.NoError(t, err)
	require.NoError(t, circles.UpdateStatus(context.Background(), circle.ID, models.CircleStatusRunning))

	remaining, err := circles.RemoveMember(context.Background(), circle.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	got, err := circles.GetCircle(context.Background(), circle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CircleStatusRunning, got.Status)

	remaining, err = circles.RemoveMember(context.Background(), circle.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	got, err = circles.GetCircle(context.Background(), circle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CircleStatusStopped, got.Status)
}

func TestCreateCirclePublishesEvent(t *testing.T) {
	eventBus := bus.New(0)
	circles := NewCircleService(newMemStore(), eventBus)

	circle, err := circles.CreateCircle(context.Background(), CreateCircleInput{Name: "platform"})
	require.NoError(t, err)
	assert.Equal(t, models.CircleStatusStopped, circle.Status)

	events := eventBus.History(bus.TypeCircleCreated, nil, 0)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].CircleID)
	assert.Equal(t, circle.ID, *events[0].CircleID)
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	circles := NewCircleService(newMemStore(), bus.New(0))
	err := circles.UpdateStatus(context.Background(), 1, models.CircleStatus("exploded"))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)
}
