package executor

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
	"github.com/quorumhq/quorum/pkg/worker"
)

// memStore is an in-memory executor.Store for loop tests.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*models.BackgroundTask
	steps  map[int64][]*models.TaskStep
	agents map[int64]*models.Agent
}

func newMemStore() *memStore {
	return &memStore{
		tasks:  map[int64]*models.BackgroundTask{},
		steps:  map[int64][]*models.TaskStep{},
		agents: map[int64]*models.Agent{1: {ID: 1, Name: "tester", Active: true}},
	}
}

func (m *memStore) CreateTask(_ context.Context, task *models.BackgroundTask) (*models.BackgroundTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	out := *task
	out.ID = m.nextID
	out.Status = models.TaskStatusPending
	out.CreatedAt = time.Now()
	m.tasks[out.ID] = &out
	cp := out
	return &cp, nil
}

func (m *memStore) GetTask(_ context.Context, id int64) (*models.BackgroundTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListInFlightTasks(_ context.Context) ([]*models.BackgroundTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BackgroundTask
	for _, t := range m.tasks {
		if t.Status == models.TaskStatusRunning || t.Status == models.TaskStatusPaused {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ClaimTask(_ context.Context, id int64, claimer string) (*models.BackgroundTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusPaused {
		return nil, store.ErrConflict
	}
	t.Status = models.TaskStatusRunning
	t.ClaimedBy = claimer
	now := time.Now()
	t.LastHeartbeatAt = &now
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ReclaimTask(_ context.Context, id int64, claimer string, staleBefore time.Time) (*models.BackgroundTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != models.TaskStatusRunning {
		return nil, store.ErrConflict
	}
	if t.ClaimedBy != claimer && t.ClaimedBy != "" &&
		t.LastHeartbeatAt != nil && t.LastHeartbeatAt.After(staleBefore) {
		return nil, store.ErrConflict
	}
	t.ClaimedBy = claimer
	now := time.Now()
	t.LastHeartbeatAt = &now
	cp := *t
	return &cp, nil
}

func (m *memStore) Heartbeat(_ context.Context, id int64, claimer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.ClaimedBy != claimer || t.Status != models.TaskStatusRunning {
		return store.ErrConflict
	}
	now := time.Now()
	t.LastHeartbeatAt = &now
	return nil
}

func (m *memStore) ListStaleRunningTasks(_ context.Context, staleBefore time.Time, except string) ([]*models.BackgroundTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BackgroundTask
	for _, t := range m.tasks {
		if t.Status == models.TaskStatusRunning && t.ClaimedBy != except &&
			(t.LastHeartbeatAt == nil || t.LastHeartbeatAt.Before(staleBefore)) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) PauseTask(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskStatusRunning {
		return store.ErrConflict
	}
	t.Status = models.TaskStatusPaused
	t.ClaimedBy = ""
	return nil
}

func (m *memStore) TerminalizeTask(_ context.Context, id int64, from, to models.TaskStatus, finalResult, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != from {
		return store.ErrConflict
	}
	t.Status = to
	t.FinalResult = finalResult
	t.ErrorMessage = errMsg
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

func (m *memStore) PersistCheckpoint(_ context.Context, id int64, cp store.TaskCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.CurrentStep = cp.CurrentStep
	t.ProgressPercent = cp.ProgressPercent
	t.ProgressSummary = cp.ProgressSummary
	if cp.Data != nil {
		data := make(map[string]any, len(cp.Data))
		for k, v := range cp.Data {
			data[k] = v
		}
		t.CheckpointData = data
	}
	t.LLMCalls += cp.LLMCallsDelta
	t.TokensUsed += cp.TokensDelta
	t.ToolCalls += cp.ToolCallsDelta
	return nil
}

func (m *memStore) AppendStep(_ context.Context, step *models.TaskStep) (*models.TaskStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.steps[step.TaskID] {
		if existing.StepNumber == step.StepNumber {
			return nil, fmt.Errorf("duplicate step %d for task %d", step.StepNumber, step.TaskID)
		}
	}
	cp := *step
	cp.CreatedAt = time.Now()
	m.steps[step.TaskID] = append(m.steps[step.TaskID], &cp)
	return &cp, nil
}

func (m *memStore) ListSteps(_ context.Context, taskID int64) ([]*models.TaskStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TaskStep, len(m.steps[taskID]))
	copy(out, m.steps[taskID])
	return out, nil
}

func (m *memStore) GetAgent(_ context.Context, id int64) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (m *memStore) UpdateAgentMetrics(_ context.Context, id int64, delta models.AgentMetricsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.TasksCompleted += delta.TasksCompleted
	}
	return nil
}

// stubWorker scripts plan/execute behavior per test.
type stubWorker struct {
	mu         sync.Mutex
	planCalls  int
	planFn     func(step int) (string, error)
	executeFn  func(step int, action string) (*worker.ActionResult, error)
	completeFn func(state map[string]any) (bool, error)
	// gate, when set, is received from before every plan call so the
	// test can hold the loop at an iteration boundary.
	gate chan struct{}
}

func (w *stubWorker) Plan(ctx context.Context, goal string, state map[string]any) (string, int, error) {
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
	w.mu.Lock()
	w.planCalls++
	n := w.planCalls
	w.mu.Unlock()
	if w.planFn != nil {
		action, err := w.planFn(n)
		return action, 3, err
	}
	return fmt.Sprintf("action %d", n), 3, nil
}

func (w *stubWorker) ExecuteAction(_ context.Context, action, _ string) (*worker.ActionResult, error) {
	w.mu.Lock()
	n := w.planCalls
	w.mu.Unlock()
	if w.executeFn != nil {
		return w.executeFn(n, action)
	}
	return &worker.ActionResult{Output: "did " + action, Tokens: 5}, nil
}

func (w *stubWorker) IsGoalComplete(_ context.Context, _ string, state map[string]any) (bool, error) {
	if w.completeFn != nil {
		return w.completeFn(state)
	}
	return false, nil
}

func (w *stubWorker) Chat(_ context.Context, _ string, _ map[string]any) (string, error) {
	return "", nil
}

func (w *stubWorker) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0}, nil
}

func newTestExecutor(t *testing.T, st *memStore, w worker.Worker, opts Options) (*Executor, *bus.Bus) {
	t.Helper()
	if opts.WorkerCallTimeout == 0 {
		opts.WorkerCallTimeout = 5 * time.Second
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 50 * time.Millisecond
	}
	eventBus := bus.New(0)
	e := New(st, eventBus, worker.StaticResolver{Worker: w}, opts)
	t.Cleanup(func() { e.Shutdown(2 * time.Second) })
	return e, eventBus
}

func countEvents(eventBus *bus.Bus, t bus.Type) int {
	return len(eventBus.History(t, nil, 0))
}

func waitForStatus(t *testing.T, st *memStore, taskID int64, want models.TaskStatus) *models.BackgroundTask {
	t.Helper()
	var task *models.BackgroundTask
	require.Eventually(t, func() bool {
		var err error
		task, err = st.GetTask(context.Background(), taskID)
		return err == nil && task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task never reached status %s", want)
	return task
}

func intPtr(n int) *int { return &n }

func TestTaskCompletesViaSentinel(t *testing.T) {
	st := newMemStore()
	w := &stubWorker{
		planFn: func(int) (string, error) { return "call add(2,2)", nil },
		executeFn: func(int, string) (*worker.ActionResult, error) {
			return &worker.ActionResult{Output: "4 " + worker.CompleteSentinel, Tokens: 5}, nil
		},
	}
	e, eventBus := newTestExecutor(t, st, w, Options{})

	task, err := e.Start(context.Background(), models.CreateTaskRequest{
		AgentID: 1, Goal: "compute 2+2 and report",
		MaxSteps: intPtr(5), TimeoutSeconds: intPtr(60),
	})
	require.NoError(t, err)

	done := waitForStatus(t, st, task.ID, models.TaskStatusCompleted)
	assert.Contains(t, done.FinalResult, "4")
	assert.NotContains(t, done.FinalResult, worker.CompleteSentinel)
	assert.Equal(t, 1, done.CurrentStep)

	steps, err := st.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepActionPlan, steps[0].Action)
	assert.Equal(t, models.StepActionExecute, steps[1].Action)

	require.Eventually(t, func() bool {
		return countEvents(eventBus, bus.TypeBackgroundTaskCompleted) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, countEvents(eventBus, bus.TypeBackgroundTaskCreated))
	assert.Equal(t, 1, countEvents(eventBus, bus.TypeBackgroundTaskStarted))
}

func TestTaskFailsOnStepLimit(t *testing.T) {
	st := newMemStore()
	w := &stubWorker{} // never completes
	e, eventBus := newTestExecutor(t, st, w, Options{})

	task, err := e.Start(context.Background(), models.CreateTaskRequest{
		AgentID: 1, Goal: "never finishes", MaxSteps: intPtr(3), TimeoutSeconds: intPtr(60),
	})
	require.NoError(t, err)

	done := waitForStatus(t, st, task.ID, models.TaskStatusFailed)
	assert.Equal(t, "step limit exceeded", done.ErrorMessage)
	assert.Equal(t, 3, done.CurrentStep)

	steps, err := st.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 6, "three plan/execute pairs")

	require.Eventually(t, func() bool {
		return countEvents(eventBus, bus.TypeBackgroundTaskFailed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestZeroMaxStepsFailsBeforeFirstPlan(t *testing.T) {
	st := newMemStore()
	w := &stubWorker{}
	e, _ := newTestExecutor(t, st, w, Options{})

	task, err := e.Start(context.Background(), models.CreateTaskRequest{
		AgentID: 1, Goal: "nothing to do", MaxSteps: intPtr(0),
	})
	require.NoError(t, err)

	done := waitForStatus(t, st, task.ID, models.TaskStatusFailed)
	assert.Equal(t, "step limit exceeded", done.ErrorMessage)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Zero(t, w.planCalls, "plan must not be called")
}

func TestWorkerErrorRecordedAndLoopContinues(t *testing.T) {
	st := newMemStore()
	w := &stubWorker{
		executeFn: func(step int, action string) (*worker.ActionResult, error) {
			if step == 1 {
				return nil, fmt.Errorf("backend unavailable")
			}
			return &worker.ActionResult{Output: "ok " + worker.CompleteSentinel}, nil
		},
	}
	e, _ := newTestExecutor(t, st, w, Options{})

	task, err := e.Start(context.Background(), models.CreateTaskRequest{
		AgentID: 1, Goal: "flaky backend", MaxSteps: intPtr(5), TimeoutSeconds: intPtr(60),
	})
	require.NoError(t, err)

	done := waitForStatus(t, st, task.ID, models.TaskStatusCompleted)
	assert.Equal(t, 2, done.CurrentStep)

	steps, err := st.ListSteps(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Contains(t, steps[1].Output, "error: backend unavailable")
}

func TestPlanErrorFailsTask(t *testing.T) {
	st := newMemStore()
	w := &stubWorker{
		planFn: func(int) (string, error) { return "", fmt.Errorf("model gone") },
	}
	e, _ := newTestExecutor(t, st, w, Options{})

	task, err := e.Start(context.Background(), models.CreateTaskRequest{
		AgentID: 1, Goal: "doomed", MaxSteps: intPtr(5),
	})
	require.NoError(t, err)

	done := waitForStatus(t, st, task.ID, models.TaskStatusFailed)
	assert.Contains(t, done.ErrorMessage, "planning failed")
}

func TestStartRefusedAtCapacity(t *testing.T) {
	st := newMemStore()
	gate := make(chan struct{})
	w := &stubWorker{gate: gate}
	e, _ := newTestExecutor(t, st, w, Options{MaxConcurrentTasks: 1})

	_, err := e.Start(context.Background(), models.CreateTaskRequest{
		AgentID: 1, Goal: "occupies the only slot", MaxSteps: intPtr(5),
	})
	require.NoError(t, err)

	_, err = e.Start(context.Background(), models.CreateTaskRequest{
		AgentID: 1, Goal: "no room", MaxSteps: intPtr(5),
	})
	assert.ErrorIs(t, err, ErrAtCapacity)

	close(gate)
}

func TestPauseAndResume(t *testing.T) {
	st := newMemStore()
	gate := make(chan struct{})
	pauseRequested := make(chan struct{})
	w := &stubWorker{
		gate: gate,
		executeFn: func(step int, _ string) (*worker.ActionResult, error) {
			if step == 1 {
				// Hold the in-flight step until the pause request lands,
				// so the flag is observed at the next boundary.
				<-pauseRequested
				return &worker.ActionResult{Output: "working"}, nil
			}
			return &worker.ActionResult{Output: worker.CompleteSentinel}, nil
		},
	}
	e, eventBus := newTestExecutor(t, st, w, Options{})
	ctx := context.Background()

	task, err := e.Start(ctx, models.CreateTaskRequest{
		AgentID: 1, Goal: "long haul",
		MaxSteps: intPtr(10), TimeoutSeconds: intPtr(60), CheckpointInterval: intPtr(1),
	})
	require.NoError(t, err)

	// The gate send returns once iteration 1 is in flight; the pause is
	// requested mid-step and must only take effect at the boundary.
	gate <- struct{}{}
	require.NoError(t, e.Pause(ctx, task.ID))
	close(pauseRequested)

	paused := waitForStatus(t, st, task.ID, models.TaskStatusPaused)
	assert.Equal(t, 1, paused.CurrentStep, "in-flight step finished before pausing")
	stepsAtPause, err := st.ListSteps(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, stepsAtPause, 2)

	// Resume: execution continues from the next step, with the step
	// history preserved.
	_, err = e.Resume(ctx, task.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return countEvents(eventBus, bus.TypeBackgroundTaskResumed) == 1
	}, time.Second, 10*time.Millisecond)

	gate <- struct{}{}
	done := waitForStatus(t, st, task.ID, models.TaskStatusCompleted)
	assert.Equal(t, 2, done.CurrentStep)

	steps, err := st.ListSteps(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, steps, len(stepsAtPause)+2, "no duplicate rows for completed steps")
}

func TestCancelRunningTask(t *testing.T) {
	st := newMemStore()
	gate := make(chan struct{})
	w := &stubWorker{gate: gate}
	e, eventBus := newTestExecutor(t, st, w, Options{})
	ctx := context.Background()

	task, err := e.Start(ctx, models.CreateTaskRequest{
		AgentID: 1, Goal: "to be cancelled", MaxSteps: intPtr(10), TimeoutSeconds: intPtr(60),
	})
	require.NoError(t, err)

	gate <- struct{}{}
	require.NoError(t, e.Cancel(ctx, task.ID))
	close(gate)

	waitForStatus(t, st, task.ID, models.TaskStatusCancelled)
	require.Eventually(t, func() bool {
		return countEvents(eventBus, bus.TypeBackgroundTaskCancelled) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRecoverTasksResumesFromCheckpoint(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()

	// Seed the store with a task that crashed after step 6 with a
	// checkpoint at step 6: twelve audit rows, checkpoint data intact.
	now := time.Now()
	st.tasks[1] = &models.BackgroundTask{
		ID: 1, Goal: "long recovery", AgentID: 1,
		Status: models.TaskStatusRunning, ClaimedBy: "dead-instance",
		MaxSteps: 20, TimeoutSeconds: 3600, CheckpointInterval: 2,
		CurrentStep:    6,
		CheckpointData: map[string]any{"steps_completed": 6},
		StartedAt:      &now,
	}
	st.nextID = 1
	for i := 1; i <= 12; i++ {
		action := models.StepActionPlan
		if i%2 == 0 {
			action = models.StepActionExecute
		}
		st.steps[1] = append(st.steps[1], &models.TaskStep{
			TaskID: 1, StepNumber: i, Action: action,
		})
	}

	w := &stubWorker{
		planFn: func(int) (string, error) { return "next", nil },
		executeFn: func(int, string) (*worker.ActionResult, error) {
			return &worker.ActionResult{Output: "done " + worker.CompleteSentinel}, nil
		},
	}

	// Orphan threshold zero-ish: the dead instance's claim is stale.
	e, _ := newTestExecutor(t, st, w, Options{OrphanThreshold: time.Nanosecond})
	require.NoError(t, e.RecoverTasks(ctx))

	done := waitForStatus(t, st, 1, models.TaskStatusCompleted)
	assert.Equal(t, 7, done.CurrentStep, "resumes at step 7")

	steps, err := st.ListSteps(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, steps, 14, "steps 1-6 not duplicated")
	assert.Equal(t, 13, steps[12].StepNumber)
}

func TestStartValidation(t *testing.T) {
	st := newMemStore()
	e, _ := newTestExecutor(t, st, &stubWorker{}, Options{})
	ctx := context.Background()

	_, err := e.Start(ctx, models.CreateTaskRequest{AgentID: 1, Goal: "   "})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "goal", ve.Field)

	_, err = e.Start(ctx, models.CreateTaskRequest{AgentID: 99, Goal: "unknown agent"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartRejectsZeroCheckpointInterval(t *testing.T) {
	st := newMemStore()
	e, _ := newTestExecutor(t, st, &stubWorker{}, Options{})
	ctx := context.Background()

	// The loop checkpoints every CheckpointInterval steps; an explicit
	// zero must be refused up front, not divide in the loop.
	_, err := e.Start(ctx, models.CreateTaskRequest{
		AgentID: 1, Goal: "checkpoint every zero steps",
		MaxSteps: intPtr(5), TimeoutSeconds: intPtr(60), CheckpointInterval: intPtr(0),
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "checkpoint_interval", ve.Field)

	_, err = e.Start(ctx, models.CreateTaskRequest{
		AgentID: 1, Goal: "checkpoint every step",
		MaxSteps: intPtr(2), TimeoutSeconds: intPtr(60), CheckpointInterval: intPtr(1),
	})
	require.NoError(t, err)
}

func TestResumeRequiresPaused(t *testing.T) {
	st := newMemStore()
	e, _ := newTestExecutor(t, st, &stubWorker{}, Options{})
	ctx := context.Background()

	task, err := st.CreateTask(ctx, &models.BackgroundTask{
		Goal: "still pending", AgentID: 1, MaxSteps: 5, TimeoutSeconds: 60, CheckpointInterval: 5,
	})
	require.NoError(t, err)

	_, err = e.Resume(ctx, task.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
