package store

import (
	"context"
	"fmt"
	"time"

	"github.com/quorumhq/quorum/pkg/models"
)

// DeleteOldScheduledRuns removes finished scheduled runs older than
// cutoff. Runs first so their task rows become deletable.
func (s *Postgres) DeleteOldScheduledRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scheduled_runs WHERE finished_at IS NOT NULL AND finished_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old scheduled runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldTasks removes terminal tasks older than cutoff. Step audit
// rows go with them via cascade; tasks still referenced by a scheduled
// run are kept until the run itself is pruned.
func (s *Postgres) DeleteOldTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM background_tasks t
		WHERE t.status IN ($1, $2, $3, $4)
			AND t.completed_at < $5
			AND NOT EXISTS (SELECT 1 FROM scheduled_runs r WHERE r.task_id = t.id)`,
		models.TaskStatusCompleted, models.TaskStatusFailed,
		models.TaskStatusCancelled, models.TaskStatusTimedOut, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldPipelineRuns removes finished pipeline runs older than cutoff.
func (s *Postgres) DeleteOldPipelineRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pipeline_runs WHERE finished_at IS NOT NULL AND finished_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old pipeline runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeForgottenMemories removes rows that were soft-deleted via Forget
// and have stayed forgotten past the cutoff.
func (s *Postgres) PurgeForgottenMemories(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE forgotten AND updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge forgotten memories: %w", err)
	}
	return tag.RowsAffected(), nil
}
