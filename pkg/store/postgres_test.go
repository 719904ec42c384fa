package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/store"
	"github.com/quorumhq/quorum/test/util"
)

func newStore(t *testing.T) *store.Postgres {
	t.Helper()
	client := util.SetupTestDatabase(t)
	return store.NewPostgres(client.Pool())
}

func seedAgent(t *testing.T, st *store.Postgres, name string) *models.Agent {
	t.Helper()
	agent, err := st.CreateAgent(context.Background(), &models.Agent{
		Name:   name,
		Role:   "engineer",
		Model:  models.ModelRef{Provider: "openai", Model: "gpt-4o"},
		Active: true,
	})
	require.NoError(t, err)
	return agent
}

func unitVector(dim int) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	return v
}

func TestAgentRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	agent := seedAgent(t, st, "ada")
	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Name)
	assert.Equal(t, "openai", got.Model.Provider)

	_, err = st.GetAgent(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.UpdateAgentMetrics(ctx, agent.ID, models.AgentMetricsDelta{
		TasksCompleted: 2,
		Quality:        0.8,
	}))
	got, err = st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TasksCompleted)
}

func TestCircleMembership(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := seedAgent(t, st, "ada")
	b := seedAgent(t, st, "bob")
	circle, err := st.CreateCircle(ctx, &models.Circle{Name: "platform"})
	require.NoError(t, err)
	assert.Equal(t, models.CircleStatusStopped, circle.Status)

	m1, err := st.AddCircleMember(ctx, &models.CircleMember{CircleID: circle.ID, AgentID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, m1.Position)
	m2, err := st.AddCircleMember(ctx, &models.CircleMember{CircleID: circle.ID, AgentID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, m2.Position)

	members, err := st.GetCircleMembers(ctx, circle.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "ada", members[0].AgentName)

	remaining, err := st.RemoveCircleMember(ctx, circle.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, err = st.RemoveCircleMember(ctx, circle.ID, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	circleIDs, _, err := st.GetAgentScopeIDs(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{circle.ID}, circleIDs)
}

func TestTaskClaimAndTerminalize(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	agent := seedAgent(t, st, "ada")
	task, err := st.CreateTask(ctx, &models.BackgroundTask{
		Goal:               "summarize",
		AgentID:            agent.ID,
		MaxSteps:           10,
		TimeoutSeconds:     60,
		CheckpointInterval: 5,
	})
	require.NoError(t, err)

	claimed, err := st.ClaimTask(ctx, task.ID, "instance-a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, claimed.Status)
	assert.Equal(t, "instance-a", claimed.ClaimedBy)

	// Already running; a second claim must not succeed.
	_, err = st.ClaimTask(ctx, task.ID, "instance-b")
	assert.ErrorIs(t, err, store.ErrConflict)

	step, err := st.AppendStep(ctx, &models.TaskStep{
		TaskID:     task.ID,
		StepNumber: 1,
		Action:     models.StepActionPlan,
		Output:     "do the thing",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, step.StepNumber)

	_, err = st.AppendStep(ctx, &models.TaskStep{
		TaskID:     task.ID,
		StepNumber: 1,
		Action:     models.StepActionExecute,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, st.TerminalizeTask(ctx, task.ID,
		models.TaskStatusRunning, models.TaskStatusCompleted, "done", ""))

	// Terminal states are final.
	err = st.TerminalizeTask(ctx, task.ID,
		models.TaskStatusRunning, models.TaskStatusFailed, "", "late failure")
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, "done", got.FinalResult)
}

func TestDueActionsAndRuns(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	agent := seedAgent(t, st, "ada")
	past := time.Now().Add(-time.Minute)
	action, err := st.CreateAction(ctx, &models.ScheduledAction{
		AgentID:         agent.ID,
		Name:            "hourly digest",
		Goal:            "summarize the hour",
		ScheduleType:    models.ScheduleTypeInterval,
		IntervalSeconds: 3600,
		Status:          models.ActionStatusActive,
		NextRunAt:       &past,
	})
	require.NoError(t, err)

	due, err := st.ListDueActions(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, action.ID, due[0].ID)

	task, err := st.CreateTask(ctx, &models.BackgroundTask{
		Goal: action.Goal, AgentID: agent.ID,
		MaxSteps: 10, TimeoutSeconds: 60, CheckpointInterval: 5,
	})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, action.ID, task.ID, models.TriggeredByScheduler)
	require.NoError(t, err)
	assert.Equal(t, 1, run.RunNumber)

	next := time.Now().Add(time.Hour)
	require.NoError(t, st.RecordActionDispatch(ctx, action.ID, time.Now(), &next))

	due, err = st.ListDueActions(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	open, err := st.CountOpenRuns(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	require.NoError(t, st.TerminalizeRun(ctx, run.ID, models.TaskStatusCompleted, 2*time.Second))
	assert.ErrorIs(t, st.TerminalizeRun(ctx, run.ID, models.TaskStatusFailed, time.Second),
		store.ErrConflict)
}

func TestScopedMemorySearch(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	owner := seedAgent(t, st, "ada")
	other := seedAgent(t, st, "bob")
	circle, err := st.CreateCircle(ctx, &models.Circle{Name: "platform"})
	require.NoError(t, err)
	_, err = st.AddCircleMember(ctx, &models.CircleMember{CircleID: circle.ID, AgentID: other.ID})
	require.NoError(t, err)

	embedding := unitVector(1536)
	_, err = st.InsertMemory(ctx, &models.Memory{
		AgentID: owner.ID, Scope: models.ScopeAgent,
		Content: "private fact", Embedding: embedding, Importance: 0.5,
		Type: models.MemoryTypeFact,
	})
	require.NoError(t, err)
	_, err = st.InsertMemory(ctx, &models.Memory{
		AgentID: owner.ID, Scope: models.ScopeCircle, ScopeID: &circle.ID,
		Content: "team fact", Embedding: embedding, Importance: 0.5,
		Type: models.MemoryTypeFact,
	})
	require.NoError(t, err)

	// The owner sees both; the teammate only the circle-scoped one.
	results, err := st.SearchMemories(ctx, store.MemorySearch{
		Embedding: embedding, AgentID: owner.ID, CircleIDs: []int64{circle.ID},
		Threshold: 0.9, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = st.SearchMemories(ctx, store.MemorySearch{
		Embedding: embedding, AgentID: other.ID, CircleIDs: []int64{circle.ID},
		Threshold: 0.9, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "team fact", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
}

func TestPipelineRunPersistence(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	p, err := st.CreatePipeline(ctx, &models.Pipeline{
		Name:   "nightly",
		Status: models.PipelineStatusActive,
		Nodes: []models.PipelineNode{
			{ID: "start", Type: models.NodeTypeTrigger},
			{ID: "work", Type: models.NodeTypeAction, Config: map[string]any{"action": "noop"}},
		},
		Edges: []models.PipelineEdge{{FromNode: "start", ToNode: "work"}},
	})
	require.NoError(t, err)

	run, err := st.CreatePipelineRun(ctx, &models.PipelineRun{
		PipelineID: p.ID,
		Status:     models.RunStatusPending,
		NodeStates: map[string]models.NodeState{"start": models.NodeStatePending, "work": models.NodeStatePending},
		Trigger:    map[string]any{"source": "test"},
	})
	require.NoError(t, err)

	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning, ""))
	require.NoError(t, st.PersistNodeStates(ctx, run.ID, map[string]models.NodeState{
		"start": models.NodeStateSucceeded, "work": models.NodeStateRunning,
	}))

	got, err := st.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, models.NodeStateSucceeded, got.NodeStates["start"])
	assert.Equal(t, "test", got.Trigger["source"])

	require.NoError(t, st.RecordPipelineOutcome(ctx, p.ID, true, 3*time.Second))
	gotPipeline, err := st.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotPipeline.TotalRuns)
	assert.Equal(t, 1, gotPipeline.SuccessfulRuns)
}
