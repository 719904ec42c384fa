package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/cache"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/store"
)

type fakeStore struct {
	mu         sync.Mutex
	nextID     int64
	memories   map[int64]*models.Memory
	results    []*models.ScoredMemory
	lastSearch store.MemorySearch
	accessed   []int64
	agents     map[int64]*models.Agent
	circles    map[int64]*models.Circle
	members    map[int64][]*models.CircleMemberInfo
	circleIDs  []int64
	projectIDs []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories: map[int64]*models.Memory{},
		agents:   map[int64]*models.Agent{},
		circles:  map[int64]*models.Circle{},
		members:  map[int64][]*models.CircleMemberInfo{},
	}
}

func (f *fakeStore) InsertMemory(_ context.Context, m *models.Memory) (*models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	out := *m
	out.ID = f.nextID
	f.memories[out.ID] = &out
	return &out, nil
}

func (f *fakeStore) GetMemory(_ context.Context, id int64) (*models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) SearchMemories(_ context.Context, q store.MemorySearch) ([]*models.ScoredMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSearch = q
	return f.results, nil
}

func (f *fakeStore) MarkForgotten(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Forgotten = true
	return nil
}

func (f *fakeStore) IncrementAccess(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessed = append(f.accessed, ids...)
	return nil
}

func (f *fakeStore) GetAgentScopeIDs(_ context.Context, _ int64) ([]int64, []int64, error) {
	return f.circleIDs, f.projectIDs, nil
}

func (f *fakeStore) GetAgent(_ context.Context, id int64) (*models.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) GetCircle(_ context.Context, id int64) (*models.Circle, error) {
	c, ok := f.circles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetCircleMembers(_ context.Context, circleID int64) ([]*models.CircleMemberInfo, error) {
	return f.members[circleID], nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	vec := make([]float32, 3)
	for i, r := range text {
		vec[i%3] += float32(r) / 1000
	}
	return vec, nil
}

func newService(t *testing.T, fs *fakeStore) (*Service, *fakeEmbedder, *bus.Bus) {
	t.Helper()
	c, err := cache.New(cache.Config{LRUSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	embedder := &fakeEmbedder{}
	eventBus := bus.New(0)
	return NewService(fs, embedder, c, eventBus), embedder, eventBus
}

func TestRememberValidation(t *testing.T) {
	svc, _, _ := newService(t, newFakeStore())
	ctx := context.Background()

	tests := []struct {
		name  string
		req   RememberRequest
		field string
	}{
		{
			name:  "empty content",
			req:   RememberRequest{AgentID: 1, Content: "  "},
			field: "content",
		},
		{
			name:  "unknown scope",
			req:   RememberRequest{AgentID: 1, Content: "x", Scope: "universe"},
			field: "scope",
		},
		{
			name:  "circle scope without scope id",
			req:   RememberRequest{AgentID: 1, Content: "x", Scope: models.ScopeCircle},
			field: "scope_id",
		},
		{
			name: "importance out of range",
			req: RememberRequest{
				AgentID: 1, Content: "x",
				Importance: floatPtr(1.5),
			},
			field: "importance",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Remember(ctx, tt.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRememberPublishesMemoryCreated(t *testing.T) {
	fs := newFakeStore()
	svc, _, eventBus := newService(t, fs)
	ctx := context.Background()

	var got []bus.Event
	var mu sync.Mutex
	eventBus.Subscribe(bus.TypeMemoryCreated, func(_ context.Context, e bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	}, nil)

	m, err := svc.Remember(ctx, RememberRequest{AgentID: 7, Content: "deploys run at noon"})
	require.NoError(t, err)
	assert.Equal(t, models.ScopeAgent, m.Scope)
	assert.Equal(t, models.MemoryTypeFact, m.Type)
	assert.Equal(t, 0.5, m.Importance)
	assert.NotEmpty(t, m.Embedding)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.NotNil(t, got[0].SourceAgentID)
	assert.Equal(t, int64(7), *got[0].SourceAgentID)
}

func TestRememberSharedScopePublishesMemoryShared(t *testing.T) {
	fs := newFakeStore()
	svc, _, eventBus := newService(t, fs)
	ctx := context.Background()

	var got []bus.Event
	var mu sync.Mutex
	eventBus.Subscribe(bus.TypeMemoryShared, func(_ context.Context, e bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	}, nil)

	circleID := int64(3)
	_, err := svc.Remember(ctx, RememberRequest{
		AgentID: 7, Content: "the circle prefers short standups",
		Scope: models.ScopeCircle, ScopeID: &circleID,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.NotNil(t, got[0].CircleID)
	assert.Equal(t, circleID, *got[0].CircleID)
}

func TestRecallDefaultsAndAccessCount(t *testing.T) {
	fs := newFakeStore()
	fs.circleIDs = []int64{3}
	fs.projectIDs = []int64{9}
	fs.results = []*models.ScoredMemory{
		{Memory: models.Memory{ID: 11, Content: "a"}, Similarity: 0.91},
		{Memory: models.Memory{ID: 12, Content: "b"}, Similarity: 0.84},
	}
	svc, _, _ := newService(t, fs)

	results, err := svc.Recall(context.Background(), RecallRequest{AgentID: 7, Query: "standups"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 5, fs.lastSearch.Limit)
	assert.Equal(t, 0.7, fs.lastSearch.Threshold)
	assert.Equal(t, int64(7), fs.lastSearch.AgentID)
	assert.Equal(t, []int64{3}, fs.lastSearch.CircleIDs)
	assert.Equal(t, []int64{9}, fs.lastSearch.ProjectIDs)
	assert.Equal(t, []int64{11, 12}, fs.accessed)
}

func TestRecallEmbeddingCached(t *testing.T) {
	fs := newFakeStore()
	svc, embedder, _ := newService(t, fs)
	ctx := context.Background()

	_, err := svc.Recall(ctx, RecallRequest{AgentID: 1, Query: "same query"})
	require.NoError(t, err)
	_, err = svc.Recall(ctx, RecallRequest{AgentID: 1, Query: "same query", Type: models.MemoryTypeFact})
	require.NoError(t, err)

	// Second call reuses the LRU-cached embedding.
	assert.Equal(t, 1, embedder.calls)
}

func TestSearchKnowledgeGlobalOnly(t *testing.T) {
	fs := newFakeStore()
	svc, _, _ := newService(t, fs)

	_, err := svc.SearchKnowledge(context.Background(), "release process", 3)
	require.NoError(t, err)

	assert.Zero(t, fs.lastSearch.AgentID)
	assert.Empty(t, fs.lastSearch.CircleIDs)
	assert.Empty(t, fs.lastSearch.ProjectIDs)
	assert.Equal(t, 3, fs.lastSearch.Limit)
}

func TestForget(t *testing.T) {
	fs := newFakeStore()
	svc, _, _ := newService(t, fs)
	ctx := context.Background()

	m, err := svc.Remember(ctx, RememberRequest{AgentID: 1, Content: "temp"})
	require.NoError(t, err)

	require.NoError(t, svc.Forget(ctx, m.ID))
	assert.True(t, fs.memories[m.ID].Forgotten)

	err = svc.Forget(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestComposeContext(t *testing.T) {
	fs := newFakeStore()
	fs.agents[1] = &models.Agent{
		ID: 1, Name: "Ada", Role: "reviewer",
		Persona:         "Thorough and direct.",
		Specializations: []string{"go", "sql"},
	}
	fs.circles[3] = &models.Circle{ID: 3, Name: "platform"}
	fs.members[3] = []*models.CircleMemberInfo{
		{AgentName: "Ada", AgentRole: "reviewer"},
		{AgentName: "Lin", AgentRole: "builder"},
	}
	fs.results = []*models.ScoredMemory{
		{Memory: models.Memory{ID: 1, Content: "CI is flaky on Mondays"}, Similarity: 0.9},
	}
	svc, _, _ := newService(t, fs)

	circleID := int64(3)
	out, err := svc.ComposeContext(context.Background(), 1, &circleID, "ci status")
	require.NoError(t, err)

	assert.Contains(t, out, "You are Ada, reviewer.")
	assert.Contains(t, out, "Thorough and direct.")
	assert.Contains(t, out, "Specializations: go, sql")
	assert.Contains(t, out, `circle "platform"`)
	assert.Contains(t, out, "Lin (builder)")
	assert.Contains(t, out, "CI is flaky on Mondays")
}

func floatPtr(f float64) *float64 { return &f }
