package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quorumhq/quorum/pkg/models"
)

const taskColumns = `id, goal, agent_id, circle_id, status, max_steps,
	timeout_seconds, checkpoint_interval, current_step, progress_percent,
	progress_summary, checkpoint_data, final_result, error_message,
	llm_calls, tokens_used, tool_calls, claimed_by, last_heartbeat_at,
	created_at, started_at, completed_at`

func scanTask(row pgx.Row) (*models.BackgroundTask, error) {
	var (
		t          models.BackgroundTask
		checkpoint []byte
	)
	err := row.Scan(
		&t.ID, &t.Goal, &t.AgentID, &t.CircleID, &t.Status, &t.MaxSteps,
		&t.TimeoutSeconds, &t.CheckpointInterval, &t.CurrentStep,
		&t.ProgressPercent, &t.ProgressSummary, &checkpoint,
		&t.FinalResult, &t.ErrorMessage, &t.LLMCalls, &t.TokensUsed,
		&t.ToolCalls, &t.ClaimedBy, &t.LastHeartbeatAt,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &t.CheckpointData); err != nil {
			return nil, fmt.Errorf("malformed checkpoint for task %d: %w", t.ID, err)
		}
	}
	return &t, nil
}

// CreateTask inserts a pending task. Bounds must already be resolved by
// the caller (zero values are not defaulted here).
func (s *Postgres) CreateTask(ctx context.Context, task *models.BackgroundTask) (*models.BackgroundTask, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO background_tasks (goal, agent_id, circle_id, status,
			max_steps, timeout_seconds, checkpoint_interval)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+taskColumns,
		task.Goal, task.AgentID, task.CircleID, models.TaskStatusPending,
		task.MaxSteps, task.TimeoutSeconds, task.CheckpointInterval,
	)
	created, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return created, nil
}

// GetTask returns one task by id.
func (s *Postgres) GetTask(ctx context.Context, id int64) (*models.BackgroundTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM background_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return t, nil
}

func (s *Postgres) queryTasks(ctx context.Context, query string, args ...any) ([]*models.BackgroundTask, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.BackgroundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListTasksByStatus returns tasks in a given status, oldest first.
func (s *Postgres) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.BackgroundTask, error) {
	tasks, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM background_tasks WHERE status = $1 ORDER BY created_at`,
		status)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", status, err)
	}
	return tasks, nil
}

// ListInFlightTasks returns running and paused tasks, oldest first.
func (s *Postgres) ListInFlightTasks(ctx context.Context) ([]*models.BackgroundTask, error) {
	tasks, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM background_tasks
		 WHERE status IN ($1, $2) ORDER BY created_at`,
		models.TaskStatusRunning, models.TaskStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight tasks: %w", err)
	}
	return tasks, nil
}

// ClaimTask moves a pending or paused task to running on behalf of
// claimer. The guarded UPDATE is what keeps two instances from driving
// the same loop.
func (s *Postgres) ClaimTask(ctx context.Context, id int64, claimer string) (*models.BackgroundTask, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE background_tasks
		SET status = $3, claimed_by = $2, last_heartbeat_at = now(),
			started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING `+taskColumns,
		id, claimer, models.TaskStatusRunning,
		models.TaskStatusPending, models.TaskStatusPaused,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conflict("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %d: %w", id, err)
	}
	return t, nil
}

// ReclaimTask re-establishes a claim on a running task after a restart.
// Succeeds only when the claim already belongs to claimer or the
// heartbeat has gone stale.
func (s *Postgres) ReclaimTask(ctx context.Context, id int64, claimer string, staleBefore time.Time) (*models.BackgroundTask, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE background_tasks
		SET claimed_by = $2, last_heartbeat_at = now()
		WHERE id = $1 AND status = $3
			AND (claimed_by = $2 OR claimed_by = '' OR last_heartbeat_at IS NULL OR last_heartbeat_at < $4)
		RETURNING `+taskColumns,
		id, claimer, models.TaskStatusRunning, staleBefore,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conflict("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim task %d: %w", id, err)
	}
	return t, nil
}

// Heartbeat refreshes the claim timestamp for a running task.
func (s *Postgres) Heartbeat(ctx context.Context, id int64, claimer string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE background_tasks SET last_heartbeat_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = $3`,
		id, claimer, models.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to heartbeat task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return conflict("task", id)
	}
	return nil
}

// ListStaleRunningTasks returns running tasks whose heartbeat predates
// staleBefore, excluding tasks claimed by exceptInstance.
func (s *Postgres) ListStaleRunningTasks(ctx context.Context, staleBefore time.Time, exceptInstance string) ([]*models.BackgroundTask, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM background_tasks
		WHERE status = $1 AND claimed_by <> $2
			AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $3)
		ORDER BY created_at`,
		models.TaskStatusRunning, exceptInstance, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale running tasks: %w", err)
	}
	return tasks, nil
}

// PauseTask moves a running task to paused and releases its claim.
func (s *Postgres) PauseTask(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE background_tasks
		SET status = $2, claimed_by = '', last_heartbeat_at = NULL
		WHERE id = $1 AND status = $3`,
		id, models.TaskStatusPaused, models.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to pause task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return conflict("task", id)
	}
	return nil
}

// TerminalizeTask performs a guarded from→to transition into a terminal
// status. The WHERE-on-from clause makes the transition atomic; a zero
// row count means another actor got there first.
func (s *Postgres) TerminalizeTask(ctx context.Context, id int64, from, to models.TaskStatus, finalResult, errorMessage string) error {
	if !to.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", to)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE background_tasks
		SET status = $3, final_result = $4, error_message = $5,
			claimed_by = '', completed_at = now()
		WHERE id = $1 AND status = $2`,
		id, from, to, finalResult, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to terminalize task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return conflict("task", id)
	}
	return nil
}

// PersistCheckpoint writes progress and the opaque checkpoint blob in
// one statement. Counter fields are deltas.
func (s *Postgres) PersistCheckpoint(ctx context.Context, id int64, cp TaskCheckpoint) error {
	var blob []byte
	if cp.Data != nil {
		var err error
		blob, err = json.Marshal(cp.Data)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint for task %d: %w", id, err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE background_tasks
		SET current_step = $2, progress_percent = $3, progress_summary = $4,
			checkpoint_data = COALESCE($5::jsonb, checkpoint_data),
			llm_calls = llm_calls + $6,
			tokens_used = tokens_used + $7,
			tool_calls = tool_calls + $8
		WHERE id = $1`,
		id, cp.CurrentStep, cp.ProgressPercent, cp.ProgressSummary,
		blob, cp.LLMCallsDelta, cp.TokensDelta, cp.ToolCallsDelta)
	if err != nil {
		return fmt.Errorf("failed to persist checkpoint for task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("task", id)
	}
	return nil
}

// AppendStep inserts one audit row. Step numbers are unique per task;
// a duplicate insert returns ErrConflict.
func (s *Postgres) AppendStep(ctx context.Context, step *models.TaskStep) (*models.TaskStep, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO background_task_steps (task_id, step_number, action_type,
			input, output, tool_name, duration_ms, tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		step.TaskID, step.StepNumber, step.Action, step.Input, step.Output,
		step.ToolName, step.Duration.Milliseconds(), step.Tokens,
	)
	out := *step
	if err := row.Scan(&out.ID, &out.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return nil, conflict("task step", step.TaskID)
		}
		return nil, fmt.Errorf("failed to append step %d for task %d: %w",
			step.StepNumber, step.TaskID, err)
	}
	return &out, nil
}

// ListSteps returns a task's audit trail in step order.
func (s *Postgres) ListSteps(ctx context.Context, taskID int64) ([]*models.TaskStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, step_number, action_type, input, output,
			tool_name, duration_ms, tokens, created_at
		FROM background_task_steps
		WHERE task_id = $1
		ORDER BY step_number`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var steps []*models.TaskStep
	for rows.Next() {
		var (
			st models.TaskStep
			ms int64
		)
		err := rows.Scan(&st.ID, &st.TaskID, &st.StepNumber, &st.Action,
			&st.Input, &st.Output, &st.ToolName, &ms, &st.Tokens, &st.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.Duration = time.Duration(ms) * time.Millisecond
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}
