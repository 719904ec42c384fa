package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quorumhq/quorum/pkg/models"
)

const pipelineColumns = `id, name, status, nodes, edges, timeout_seconds,
	total_runs, successful_runs, avg_duration_ms, created_at, updated_at`

func scanPipeline(row pgx.Row) (*models.Pipeline, error) {
	var (
		p     models.Pipeline
		nodes []byte
		edges []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.Status, &nodes, &edges,
		&p.TimeoutSeconds, &p.TotalRuns, &p.SuccessfulRuns,
		&p.AvgDurationMS, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodes, &p.Nodes); err != nil {
		return nil, fmt.Errorf("malformed nodes for pipeline %d: %w", p.ID, err)
	}
	if err := json.Unmarshal(edges, &p.Edges); err != nil {
		return nil, fmt.Errorf("malformed edges for pipeline %d: %w", p.ID, err)
	}
	return &p, nil
}

// CreatePipeline inserts a pipeline definition. Topology validation is
// the engine's job; the store persists what it is given.
func (s *Postgres) CreatePipeline(ctx context.Context, p *models.Pipeline) (*models.Pipeline, error) {
	nodes, err := json.Marshal(p.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline nodes: %w", err)
	}
	edges, err := json.Marshal(p.Edges)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline edges: %w", err)
	}
	status := p.Status
	if status == "" {
		status = models.PipelineStatusDraft
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO pipelines (name, status, nodes, edges, timeout_seconds)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)
		RETURNING `+pipelineColumns,
		p.Name, status, nodes, edges, p.TimeoutSeconds,
	)
	created, err := scanPipeline(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return created, nil
}

// GetPipeline returns one pipeline by id.
func (s *Postgres) GetPipeline(ctx context.Context, id int64) (*models.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("pipeline", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline %d: %w", id, err)
	}
	return p, nil
}

// ListPipelines returns all pipeline definitions.
func (s *Postgres) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// UpdatePipelineStatus moves a pipeline between draft/active/paused.
func (s *Postgres) UpdatePipelineStatus(ctx context.Context, id int64, status models.PipelineStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipelines SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update pipeline %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("pipeline", id)
	}
	return nil
}

// DeletePipeline removes a pipeline and, via cascade, its runs.
func (s *Postgres) DeletePipeline(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("pipeline", id)
	}
	return nil
}

// RecordPipelineOutcome folds one finished run into the aggregate
// counters. The running average is recomputed incrementally; all SET
// expressions read the pre-update values.
func (s *Postgres) RecordPipelineOutcome(ctx context.Context, id int64, succeeded bool, duration time.Duration) error {
	successDelta := 0
	if succeeded {
		successDelta = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipelines
		SET total_runs = total_runs + 1,
			successful_runs = successful_runs + $2,
			avg_duration_ms = (avg_duration_ms * total_runs + $3) / (total_runs + 1),
			updated_at = now()
		WHERE id = $1`,
		id, successDelta, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record outcome for pipeline %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("pipeline", id)
	}
	return nil
}

const pipelineRunColumns = `id, pipeline_id, status, node_states, trigger,
	error, started_at, finished_at, created_at`

func scanPipelineRun(row pgx.Row) (*models.PipelineRun, error) {
	var (
		r       models.PipelineRun
		states  []byte
		trigger []byte
	)
	err := row.Scan(&r.ID, &r.PipelineID, &r.Status, &states, &trigger,
		&r.Error, &r.StartedAt, &r.FinishedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(states, &r.NodeStates); err != nil {
		return nil, fmt.Errorf("malformed node states for run %d: %w", r.ID, err)
	}
	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &r.Trigger); err != nil {
			return nil, fmt.Errorf("malformed trigger for run %d: %w", r.ID, err)
		}
	}
	return &r, nil
}

// CreatePipelineRun inserts a run with its initial node-state map.
func (s *Postgres) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) (*models.PipelineRun, error) {
	states, err := json.Marshal(run.NodeStates)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node states: %w", err)
	}
	var trigger []byte
	if run.Trigger != nil {
		trigger, err = json.Marshal(run.Trigger)
		if err != nil {
			return nil, fmt.Errorf("failed to encode trigger payload: %w", err)
		}
	}
	status := run.Status
	if status == "" {
		status = models.RunStatusPending
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO pipeline_runs (pipeline_id, status, node_states, trigger, started_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)
		RETURNING `+pipelineRunColumns,
		run.PipelineID, status, states, trigger, run.StartedAt,
	)
	created, err := scanPipelineRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create run for pipeline %d: %w", run.PipelineID, err)
	}
	return created, nil
}

// GetPipelineRun returns one run by id.
func (s *Postgres) GetPipelineRun(ctx context.Context, id int64) (*models.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE id = $1`, id)
	r, err := scanPipelineRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("pipeline run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run %d: %w", id, err)
	}
	return r, nil
}

// ListPipelineRuns returns a pipeline's most recent runs.
func (s *Postgres) ListPipelineRuns(ctx context.Context, pipelineID int64, limit int) ([]*models.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pipelineRunColumns+` FROM pipeline_runs
		WHERE pipeline_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for pipeline %d: %w", pipelineID, err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		r, err := scanPipelineRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus sets a run's status; terminal statuses also stamp
// finished_at, and moving to running stamps started_at.
func (s *Postgres) UpdateRunStatus(ctx context.Context, id int64, status models.RunStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET status = $2, error = $3,
			started_at = CASE WHEN $2 = $4 THEN COALESCE(started_at, now()) ELSE started_at END,
			finished_at = CASE WHEN $5 THEN now() ELSE finished_at END
		WHERE id = $1`,
		id, status, errMsg, models.RunStatusRunning, status.IsTerminal())
	if err != nil {
		return fmt.Errorf("failed to update pipeline run %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("pipeline run", id)
	}
	return nil
}

// PersistNodeStates overwrites the run's per-node state map.
func (s *Postgres) PersistNodeStates(ctx context.Context, runID int64, states map[string]models.NodeState) error {
	blob, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("failed to encode node states: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET node_states = $2::jsonb WHERE id = $1`,
		runID, blob)
	if err != nil {
		return fmt.Errorf("failed to persist node states for run %d: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("pipeline run", runID)
	}
	return nil
}
