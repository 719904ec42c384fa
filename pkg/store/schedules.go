package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quorumhq/quorum/pkg/models"
)

const actionColumns = `id, agent_id, name, goal, schedule_type, cron_expression,
	interval_seconds, fire_at, event_name, status, start_date, end_date,
	max_executions, execution_count, max_steps, timeout_seconds,
	retry_on_failure, max_retries, retry_count, allow_concurrent,
	last_run_at, next_run_at, tags, created_at, updated_at`

func scanAction(row pgx.Row) (*models.ScheduledAction, error) {
	var a models.ScheduledAction
	err := row.Scan(
		&a.ID, &a.AgentID, &a.Name, &a.Goal, &a.ScheduleType,
		&a.CronExpression, &a.IntervalSeconds, &a.FireAt, &a.EventName,
		&a.Status, &a.StartDate, &a.EndDate, &a.MaxExecutions,
		&a.ExecutionCount, &a.MaxSteps, &a.TimeoutSeconds,
		&a.RetryOnFailure, &a.MaxRetries, &a.RetryCount, &a.AllowConcurrent,
		&a.LastRunAt, &a.NextRunAt, &a.Tags, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAction inserts a scheduled action. NextRunAt must already be
// computed by the scheduler for cron/interval/once types.
func (s *Postgres) CreateAction(ctx context.Context, action *models.ScheduledAction) (*models.ScheduledAction, error) {
	status := action.Status
	if status == "" {
		status = models.ActionStatusActive
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_actions (agent_id, name, goal, schedule_type,
			cron_expression, interval_seconds, fire_at, event_name, status,
			start_date, end_date, max_executions, max_steps, timeout_seconds,
			retry_on_failure, max_retries, allow_concurrent, next_run_at, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19)
		RETURNING `+actionColumns,
		action.AgentID, action.Name, action.Goal, action.ScheduleType,
		action.CronExpression, action.IntervalSeconds, action.FireAt,
		action.EventName, status, action.StartDate, action.EndDate,
		action.MaxExecutions, action.MaxSteps, action.TimeoutSeconds,
		action.RetryOnFailure, action.MaxRetries, action.AllowConcurrent,
		action.NextRunAt, orEmpty(action.Tags),
	)
	created, err := scanAction(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduled action: %w", err)
	}
	return created, nil
}

// GetAction returns one scheduled action by id.
func (s *Postgres) GetAction(ctx context.Context, id int64) (*models.ScheduledAction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("scheduled action", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled action %d: %w", id, err)
	}
	return a, nil
}

func (s *Postgres) queryActions(ctx context.Context, query string, args ...any) ([]*models.ScheduledAction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*models.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ListActions returns all scheduled actions.
func (s *Postgres) ListActions(ctx context.Context) ([]*models.ScheduledAction, error) {
	actions, err := s.queryActions(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled actions: %w", err)
	}
	return actions, nil
}

// DeleteAction removes an action and, via cascade, its run history.
func (s *Postgres) DeleteAction(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scheduled_actions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled action %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("scheduled action", id)
	}
	return nil
}

// SetActionStatus moves an action between active/paused/disabled/expired.
func (s *Postgres) SetActionStatus(ctx context.Context, id int64, status models.ActionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_actions SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to set scheduled action %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("scheduled action", id)
	}
	return nil
}

// ListDueActions returns active actions due at or before now, in
// ascending next_run_at order.
func (s *Postgres) ListDueActions(ctx context.Context, now time.Time) ([]*models.ScheduledAction, error) {
	actions, err := s.queryActions(ctx, `
		SELECT `+actionColumns+` FROM scheduled_actions
		WHERE status = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at`,
		models.ActionStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due actions: %w", err)
	}
	return actions, nil
}

// RecordActionDispatch stamps last_run_at, advances next_run_at and
// increments execution_count after a run was started.
func (s *Postgres) RecordActionDispatch(ctx context.Context, id int64, lastRunAt time.Time, nextRunAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_actions
		SET last_run_at = $2, next_run_at = $3,
			execution_count = execution_count + 1, updated_at = now()
		WHERE id = $1`,
		id, lastRunAt, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to record dispatch for action %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("scheduled action", id)
	}
	return nil
}

// SetActionNextRun overwrites next_run_at (nil clears it).
func (s *Postgres) SetActionNextRun(ctx context.Context, id int64, nextRunAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_actions SET next_run_at = $2, updated_at = now() WHERE id = $1`,
		id, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to set next run for action %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("scheduled action", id)
	}
	return nil
}

// SetActionRetry records a retry attempt: bumps retry_count and points
// next_run_at at the backoff deadline.
func (s *Postgres) SetActionRetry(ctx context.Context, id int64, retryCount int, nextRunAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_actions
		SET retry_count = $2, next_run_at = $3, updated_at = now()
		WHERE id = $1`,
		id, retryCount, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to set retry for action %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("scheduled action", id)
	}
	return nil
}

// ResetActionRetry clears the retry counter after a successful run.
func (s *Postgres) ResetActionRetry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_actions SET retry_count = 0, updated_at = now() WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to reset retry for action %d: %w", id, err)
	}
	return nil
}

const runColumns = `id, action_id, task_id, run_number, triggered_at,
	triggered_by, status, duration_ms, finished_at`

func scanRun(row pgx.Row) (*models.ScheduledRun, error) {
	var (
		r  models.ScheduledRun
		ms int64
	)
	err := row.Scan(&r.ID, &r.ActionID, &r.TaskID, &r.RunNumber,
		&r.TriggeredAt, &r.TriggeredBy, &r.Status, &ms, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	r.Duration = time.Duration(ms) * time.Millisecond
	return &r, nil
}

// CreateRun inserts a run row linking the dispatched task to its
// action, numbered sequentially per action.
func (s *Postgres) CreateRun(ctx context.Context, actionID, taskID int64, triggeredBy models.TriggeredBy) (*models.ScheduledRun, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_runs (action_id, task_id, run_number, triggered_by, status)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(run_number), 0) + 1 FROM scheduled_runs WHERE action_id = $1),
			$3, $4)
		RETURNING `+runColumns,
		actionID, taskID, triggeredBy, models.TaskStatusRunning,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create run for action %d: %w", actionID, err)
	}
	return r, nil
}

// TerminalizeRun records a run's terminal status and duration.
func (s *Postgres) TerminalizeRun(ctx context.Context, runID int64, status models.TaskStatus, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_runs
		SET status = $2, duration_ms = $3, finished_at = now()
		WHERE id = $1 AND finished_at IS NULL`,
		runID, status, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to terminalize run %d: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return conflict("scheduled run", runID)
	}
	return nil
}

// CountOpenRuns returns the number of non-terminal runs for an action.
func (s *Postgres) CountOpenRuns(ctx context.Context, actionID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM scheduled_runs WHERE action_id = $1 AND finished_at IS NULL`,
		actionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open runs for action %d: %w", actionID, err)
	}
	return n, nil
}

// ListOpenRuns returns every non-terminal run, for startup recovery.
func (s *Postgres) ListOpenRuns(ctx context.Context) ([]*models.ScheduledRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM scheduled_runs WHERE finished_at IS NULL ORDER BY triggered_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.ScheduledRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetOpenRunForTask returns the non-terminal run referencing a task.
func (s *Postgres) GetOpenRunForTask(ctx context.Context, taskID int64) (*models.ScheduledRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM scheduled_runs WHERE task_id = $1 AND finished_at IS NULL`,
		taskID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open run for task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open run for task %d: %w", taskID, err)
	}
	return r, nil
}
