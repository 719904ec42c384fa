// Package store defines the persistence contract for the orchestrator
// and implements it on PostgreSQL via pgx. Vector search uses the
// pgvector cosine operator through raw SQL.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quorumhq/quorum/pkg/models"
)

// AgentStore persists agent identities and their aggregate metrics.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) (*models.Agent, error)
	GetAgent(ctx context.Context, id int64) (*models.Agent, error)
	ListAgents(ctx context.Context, activeOnly bool) ([]*models.Agent, error)
	UpdateAgentMetrics(ctx context.Context, id int64, delta models.AgentMetricsDelta) error
}

// CircleStore persists circles and their ordered membership.
type CircleStore interface {
	CreateCircle(ctx context.Context, circle *models.Circle) (*models.Circle, error)
	GetCircle(ctx context.Context, id int64) (*models.Circle, error)
	ListActiveCircles(ctx context.Context) ([]*models.Circle, error)
	UpdateCircleStatus(ctx context.Context, id int64, status models.CircleStatus) error
	AddCircleMember(ctx context.Context, member *models.CircleMember) (*models.CircleMember, error)
	// RemoveCircleMember deletes a membership and returns the number of
	// members remaining in the circle.
	RemoveCircleMember(ctx context.Context, circleID, agentID int64) (int, error)
	GetCircleMembers(ctx context.Context, circleID int64) ([]*models.CircleMemberInfo, error)
	// GetAgentScopeIDs returns the circle ids the agent belongs to and
	// the project ids those circles are bound to. Drives memory recall
	// visibility.
	GetAgentScopeIDs(ctx context.Context, agentID int64) (circleIDs, projectIDs []int64, err error)
}

// TaskCheckpoint is persisted atomically at checkpoint boundaries and
// on pause. Counter fields are deltas applied on top of the stored row.
type TaskCheckpoint struct {
	CurrentStep     int
	ProgressPercent int
	ProgressSummary string
	Data            map[string]any
	LLMCallsDelta   int
	TokensDelta     int
	ToolCallsDelta  int
}

// TaskStore persists background tasks and their step audit trail.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.BackgroundTask) (*models.BackgroundTask, error)
	GetTask(ctx context.Context, id int64) (*models.BackgroundTask, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.BackgroundTask, error)
	// ListInFlightTasks returns tasks in running or paused state.
	ListInFlightTasks(ctx context.Context) ([]*models.BackgroundTask, error)

	// ClaimTask atomically moves a pending or paused task to running on
	// behalf of claimer. Returns ErrConflict when the task was already
	// claimed or is not in a claimable state.
	ClaimTask(ctx context.Context, id int64, claimer string) (*models.BackgroundTask, error)
	// ReclaimTask re-establishes a claim on a running task after a
	// restart: the claim succeeds when the task already belongs to
	// claimer or its heartbeat is older than staleBefore.
	ReclaimTask(ctx context.Context, id int64, claimer string, staleBefore time.Time) (*models.BackgroundTask, error)
	Heartbeat(ctx context.Context, id int64, claimer string) error
	// ListStaleRunningTasks returns running tasks whose last heartbeat
	// predates staleBefore, excluding tasks claimed by exceptInstance.
	ListStaleRunningTasks(ctx context.Context, staleBefore time.Time, exceptInstance string) ([]*models.BackgroundTask, error)

	PauseTask(ctx context.Context, id int64) error
	// TerminalizeTask performs a guarded from→to transition into a
	// terminal status, recording the result or error message.
	TerminalizeTask(ctx context.Context, id int64, from, to models.TaskStatus, finalResult, errorMessage string) error
	PersistCheckpoint(ctx context.Context, id int64, cp TaskCheckpoint) error

	AppendStep(ctx context.Context, step *models.TaskStep) (*models.TaskStep, error)
	ListSteps(ctx context.Context, taskID int64) ([]*models.TaskStep, error)
}

// ScheduleStore persists scheduled actions and their run history.
type ScheduleStore interface {
	CreateAction(ctx context.Context, action *models.ScheduledAction) (*models.ScheduledAction, error)
	GetAction(ctx context.Context, id int64) (*models.ScheduledAction, error)
	ListActions(ctx context.Context) ([]*models.ScheduledAction, error)
	DeleteAction(ctx context.Context, id int64) error
	SetActionStatus(ctx context.Context, id int64, status models.ActionStatus) error
	// ListDueActions returns active actions with next_run_at ≤ now in
	// ascending next_run_at order.
	ListDueActions(ctx context.Context, now time.Time) ([]*models.ScheduledAction, error)
	// RecordActionDispatch stamps last_run_at, advances next_run_at and
	// increments execution_count after a run was started.
	RecordActionDispatch(ctx context.Context, id int64, lastRunAt time.Time, nextRunAt *time.Time) error
	SetActionNextRun(ctx context.Context, id int64, nextRunAt *time.Time) error
	// SetActionRetry records a retry attempt: bumps retry_count and
	// points next_run_at at the backoff deadline.
	SetActionRetry(ctx context.Context, id int64, retryCount int, nextRunAt time.Time) error
	ResetActionRetry(ctx context.Context, id int64) error

	CreateRun(ctx context.Context, actionID, taskID int64, triggeredBy models.TriggeredBy) (*models.ScheduledRun, error)
	TerminalizeRun(ctx context.Context, runID int64, status models.TaskStatus, duration time.Duration) error
	// CountOpenRuns returns the number of non-terminal runs for an
	// action (the allow_concurrent gate).
	CountOpenRuns(ctx context.Context, actionID int64) (int, error)
	ListOpenRuns(ctx context.Context) ([]*models.ScheduledRun, error)
	GetOpenRunForTask(ctx context.Context, taskID int64) (*models.ScheduledRun, error)
}

// PipelineStore persists pipeline definitions and runs.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error)
	GetPipeline(ctx context.Context, id int64) (*models.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*models.Pipeline, error)
	UpdatePipelineStatus(ctx context.Context, id int64, status models.PipelineStatus) error
	DeletePipeline(ctx context.Context, id int64) error
	// RecordPipelineOutcome folds one finished run into the pipeline's
	// aggregate counters.
	RecordPipelineOutcome(ctx context.Context, id int64, succeeded bool, duration time.Duration) error

	CreatePipelineRun(ctx context.Context, run *models.PipelineRun) (*models.PipelineRun, error)
	GetPipelineRun(ctx context.Context, id int64) (*models.PipelineRun, error)
	ListPipelineRuns(ctx context.Context, pipelineID int64, limit int) ([]*models.PipelineRun, error)
	UpdateRunStatus(ctx context.Context, id int64, status models.RunStatus, errMsg string) error
	PersistNodeStates(ctx context.Context, runID int64, states map[string]models.NodeState) error
}

// MemorySearch parameterizes a scoped vector search.
type MemorySearch struct {
	Embedding  []float32
	AgentID    int64
	CircleIDs  []int64
	ProjectIDs []int64
	Threshold  float64
	Limit      int
	Type       models.MemoryType
	Tags       []string
}

// MemoryStore persists memories and serves scoped vector recall.
type MemoryStore interface {
	InsertMemory(ctx context.Context, m *models.Memory) (*models.Memory, error)
	GetMemory(ctx context.Context, id int64) (*models.Memory, error)
	SearchMemories(ctx context.Context, q MemorySearch) ([]*models.ScoredMemory, error)
	MarkForgotten(ctx context.Context, id int64) error
	IncrementAccess(ctx context.Context, ids []int64) error
}

// Store is the full persistence contract consumed by the services and
// the orchestration components.
type Store interface {
	AgentStore
	CircleStore
	TaskStore
	ScheduleStore
	PipelineStore
	MemoryStore
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}
