package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/executor"
	"github.com/quorumhq/quorum/pkg/memory"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/scheduler"
	"github.com/quorumhq/quorum/pkg/services"
	"github.com/quorumhq/quorum/pkg/store"
	"github.com/quorumhq/quorum/pkg/ws"
)

// fakeExecutor scripts TaskExecutor responses per test.
type fakeExecutor struct {
	startFn  func(models.CreateTaskRequest) (*models.BackgroundTask, error)
	statusFn func(int64) (*models.BackgroundTask, error)
}

func (f *fakeExecutor) Start(_ context.Context, req models.CreateTaskRequest) (*models.BackgroundTask, error) {
	return f.startFn(req)
}

func (f *fakeExecutor) Pause(_ context.Context, _ int64) error { return nil }

func (f *fakeExecutor) Resume(_ context.Context, id int64) (*models.BackgroundTask, error) {
	return &models.BackgroundTask{ID: id, Status: models.TaskStatusRunning}, nil
}

func (f *fakeExecutor) Cancel(_ context.Context, _ int64) error { return nil }

func (f *fakeExecutor) Status(_ context.Context, id int64) (*models.BackgroundTask, error) {
	return f.statusFn(id)
}

func (f *fakeExecutor) Stats() executor.Stats {
	return executor.Stats{ActiveTasks: 0, MaxTasks: 16}
}

type fakeScheduler struct {
	createFn  func(models.CreateScheduledActionRequest) (*models.ScheduledAction, error)
	triggerFn func(int64) (*models.ScheduledRun, error)
}

func (f *fakeScheduler) CreateAction(_ context.Context, req models.CreateScheduledActionRequest) (*models.ScheduledAction, error) {
	return f.createFn(req)
}

func (f *fakeScheduler) PauseAction(_ context.Context, _ int64) error  { return nil }
func (f *fakeScheduler) ResumeAction(_ context.Context, _ int64) error { return nil }
func (f *fakeScheduler) DeleteAction(_ context.Context, _ int64) error { return nil }

func (f *fakeScheduler) TriggerNow(_ context.Context, id int64) (*models.ScheduledRun, error) {
	return f.triggerFn(id)
}

type fakePipelines struct {
	runFn func(int64, map[string]any) (*models.PipelineRun, error)
}

func (f *fakePipelines) CreatePipeline(_ context.Context, _ models.CreatePipelineRequest) (*models.Pipeline, error) {
	return &models.Pipeline{ID: 1}, nil
}

func (f *fakePipelines) Run(_ context.Context, id int64, trigger map[string]any) (*models.PipelineRun, error) {
	return f.runFn(id, trigger)
}

func (f *fakePipelines) Cancel(_ int64) error { return nil }
func (f *fakePipelines) Active() int          { return 0 }

type fakeMemory struct{}

func (fakeMemory) Remember(_ context.Context, req memory.RememberRequest) (*models.Memory, error) {
	if req.Content == "" {
		return nil, memory.NewValidationError("content", "must not be empty")
	}
	return &models.Memory{ID: 1, AgentID: req.AgentID, Content: req.Content}, nil
}

func (fakeMemory) Recall(_ context.Context, _ memory.RecallRequest) ([]*models.ScoredMemory, error) {
	return nil, nil
}

func (fakeMemory) Forget(_ context.Context, _ int64) error { return nil }

func (fakeMemory) AddKnowledge(_ context.Context, agentID int64, content string, _ []string) (*models.Memory, error) {
	return &models.Memory{ID: 2, AgentID: agentID, Content: content}, nil
}

func (fakeMemory) SearchKnowledge(_ context.Context, _ string, _ int) ([]*models.ScoredMemory, error) {
	return nil, nil
}

// fakeStore serves the read-only handler paths.
type fakeStore struct {
	steps map[int64][]*models.TaskStep
}

func (f *fakeStore) ListTasksByStatus(_ context.Context, _ models.TaskStatus) ([]*models.BackgroundTask, error) {
	return nil, nil
}

func (f *fakeStore) ListSteps(_ context.Context, taskID int64) ([]*models.TaskStep, error) {
	return f.steps[taskID], nil
}

func (f *fakeStore) GetAction(_ context.Context, id int64) (*models.ScheduledAction, error) {
	return nil, fmt.Errorf("scheduled action %d: %w", id, store.ErrNotFound)
}

func (f *fakeStore) ListActions(_ context.Context) ([]*models.ScheduledAction, error) {
	return nil, nil
}

func (f *fakeStore) GetPipeline(_ context.Context, id int64) (*models.Pipeline, error) {
	return nil, fmt.Errorf("pipeline %d: %w", id, store.ErrNotFound)
}

func (f *fakeStore) ListPipelines(_ context.Context) ([]*models.Pipeline, error) { return nil, nil }

func (f *fakeStore) UpdatePipelineStatus(_ context.Context, _ int64, _ models.PipelineStatus) error {
	return nil
}

func (f *fakeStore) DeletePipeline(_ context.Context, _ int64) error { return nil }

func (f *fakeStore) GetPipelineRun(_ context.Context, id int64) (*models.PipelineRun, error) {
	return nil, fmt.Errorf("pipeline run %d: %w", id, store.ErrNotFound)
}

func (f *fakeStore) ListPipelineRuns(_ context.Context, _ int64, _ int) ([]*models.PipelineRun, error) {
	return nil, nil
}

// agentStore backs the real services against maps.
type agentStore struct {
	agents map[int64]*models.Agent
	nextID int64
}

func (m *agentStore) CreateAgent(_ context.Context, agent *models.Agent) (*models.Agent, error) {
	m.nextID++
	cp := *agent
	cp.ID = m.nextID
	m.agents[cp.ID] = &cp
	return &cp, nil
}

func (m *agentStore) GetAgent(_ context.Context, id int64) (*models.Agent, error) {
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %d: %w", id, store.ErrNotFound)
	}
	return a, nil
}

func (m *agentStore) ListAgents(_ context.Context, _ bool) ([]*models.Agent, error) {
	return nil, nil
}

func (m *agentStore) UpdateAgentMetrics(_ context.Context, _ int64, _ models.AgentMetricsDelta) error {
	return nil
}

type circleStore struct{ agentStore }

func (m *circleStore) CreateCircle(_ context.Context, circle *models.Circle) (*models.Circle, error) {
	cp := *circle
	cp.ID = 1
	return &cp, nil
}

func (m *circleStore) GetCircle(_ context.Context, id int64) (*models.Circle, error) {
	return nil, fmt.Errorf("circle %d: %w", id, store.ErrNotFound)
}

func (m *circleStore) ListActiveCircles(_ context.Context) ([]*models.Circle, error) {
	return nil, nil
}

func (m *circleStore) UpdateCircleStatus(_ context.Context, _ int64, _ models.CircleStatus) error {
	return nil
}

func (m *circleStore) AddCircleMember(_ context.Context, member *models.CircleMember) (*models.CircleMember, error) {
	return member, nil
}

func (m *circleStore) RemoveCircleMember(_ context.Context, _, _ int64) (int, error) {
	return 0, nil
}

func (m *circleStore) GetCircleMembers(_ context.Context, _ int64) ([]*models.CircleMemberInfo, error) {
	return nil, nil
}

func newTestServer(t *testing.T, exec TaskExecutor, sched ActionScheduler, pipes PipelineRunner) *httptest.Server {
	t.Helper()
	eventBus := bus.New(0)
	hub := ws.New(time.Second)
	t.Cleanup(hub.Shutdown)

	cs := &circleStore{agentStore{agents: make(map[int64]*models.Agent)}}
	srv := NewServer(&config.ServerConfig{Port: 0, ShutdownGraceSeconds: 1}, Deps{
		Store:     &fakeStore{steps: map[int64][]*models.TaskStep{7: {{TaskID: 7, StepNumber: 1}}}},
		Agents:    services.NewAgentService(&cs.agentStore, eventBus),
		Circles:   services.NewCircleService(cs, eventBus),
		Executor:  exec,
		Scheduler: sched,
		Pipelines: pipes,
		Memory:    fakeMemory{},
		Hub:       hub,
		Bus:       eventBus,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func defaultFakes() (*fakeExecutor, *fakeScheduler, *fakePipelines) {
	exec := &fakeExecutor{
		startFn: func(req models.CreateTaskRequest) (*models.BackgroundTask, error) {
			return &models.BackgroundTask{ID: 7, Goal: req.Goal, Status: models.TaskStatusRunning}, nil
		},
		statusFn: func(id int64) (*models.BackgroundTask, error) {
			return nil, fmt.Errorf("background task %d: %w", id, store.ErrNotFound)
		},
	}
	sched := &fakeScheduler{
		createFn: func(_ models.CreateScheduledActionRequest) (*models.ScheduledAction, error) {
			return nil, scheduler.NewValidationError("interval_seconds", "must be at least 60")
		},
		triggerFn: func(_ int64) (*models.ScheduledRun, error) {
			return nil, scheduler.ErrRunInProgress
		},
	}
	pipes := &fakePipelines{
		runFn: func(id int64, trigger map[string]any) (*models.PipelineRun, error) {
			return &models.PipelineRun{ID: 42, PipelineID: id, Trigger: trigger}, nil
		},
	}
	return exec, sched, pipes
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestStartTaskRoute(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	ts := newTestServer(t, exec, sched, pipes)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks",
		map[string]any{"agent_id": 1, "goal": "summarize the logs"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "summarize the logs", body["goal"])
}

func TestStartTaskAtCapacity(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	exec.startFn = func(_ models.CreateTaskRequest) (*models.BackgroundTask, error) {
		return nil, executor.ErrAtCapacity
	}
	ts := newTestServer(t, exec, sched, pipes)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks",
		map[string]any{"agent_id": 1, "goal": "g"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestTaskStatusNotFound(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	ts := newTestServer(t, exec, sched, pipes)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks/99", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskStepsRoute(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	ts := newTestServer(t, exec, sched, pipes)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks/7/steps", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	steps, ok := body["steps"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 1)
}

func TestCreateActionValidationMapsTo400(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	ts := newTestServer(t, exec, sched, pipes)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/actions",
		map[string]any{"agent_id": 1, "name": "n", "goal": "g", "schedule_type": "interval", "interval_seconds": 5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "interval_seconds")
}

func TestTriggerActionConflict(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	ts := newTestServer(t, exec, sched, pipes)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/actions/3/trigger", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRunPipelineAccepted(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	ts := newTestServer(t, exec, sched, pipes)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/pipelines/5/run",
		map[string]any{"trigger": map[string]any{"source": "test"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(42), body["id"])
}

func TestCreateAgentRoute(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	ts := newTestServer(t, exec, sched, pipes)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/agents", map[string]any{
		"name": "ada", "role": "engineer",
		"model": map[string]string{"provider": "openai", "model": "gpt-4o"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ada", body["name"])
	assert.Equal(t, true, body["active"])
}

func TestHealthWithoutDB(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	ts := newTestServer(t, exec, sched, pipes)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestRememberValidation(t *testing.T) {
	exec, sched, pipes := defaultFakes()
	ts := newTestServer(t, exec, sched, pipes)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/memory/remember",
		map[string]any{"agent_id": 1, "content": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
