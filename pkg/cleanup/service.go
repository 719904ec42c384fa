// Package cleanup enforces data retention: a periodic sweep deletes
// old terminal tasks, finished runs, and purges forgotten memories.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/quorumhq/quorum/pkg/config"
)

// RetentionStore is the slice of the store the sweeper needs. Every
// method is idempotent; running the sweep from multiple instances at
// once only costs duplicate no-op deletes.
type RetentionStore interface {
	DeleteOldScheduledRuns(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOldTasks(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOldPipelineRuns(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeForgottenMemories(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service runs the retention sweep on a fixed interval.
type Service struct {
	cfg   *config.RetentionConfig
	store RetentionStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention sweeper. Panics if a dependency is nil.
func NewService(cfg *config.RetentionConfig, store RetentionStore) *Service {
	if cfg == nil {
		panic("cleanup.NewService: cfg is nil")
	}
	if store == nil {
		panic("cleanup.NewService: store is nil")
	}
	return &Service{cfg: cfg, store: store}
}

// Start launches the background sweep loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention sweeper started",
		"task_retention_days", s.cfg.TaskRetentionDays,
		"run_retention_days", s.cfg.RunRetentionDays,
		"sweep_interval", s.cfg.SweepInterval())
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass. Scheduled runs go before tasks so the
// task rows they reference become deletable on the same pass.
func (s *Service) Sweep(ctx context.Context) {
	now := time.Now()

	if d := s.cfg.RunRetentionDays; d > 0 {
		cutoff := now.AddDate(0, 0, -d)
		s.sweepOne(ctx, "scheduled runs", cutoff, s.store.DeleteOldScheduledRuns)
		s.sweepOne(ctx, "pipeline runs", cutoff, s.store.DeleteOldPipelineRuns)
	}
	if d := s.cfg.TaskRetentionDays; d > 0 {
		s.sweepOne(ctx, "tasks", now.AddDate(0, 0, -d), s.store.DeleteOldTasks)
	}
	s.sweepOne(ctx, "forgotten memories",
		now.AddDate(0, 0, -s.cfg.ForgottenMemoryDays), s.store.PurgeForgottenMemories)
}

func (s *Service) sweepOne(ctx context.Context, what string, cutoff time.Time,
	del func(context.Context, time.Time) (int64, error)) {
	count, err := del(ctx, cutoff)
	if err != nil {
		slog.Error("Retention sweep failed", "target", what, "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention sweep deleted rows", "target", what, "count", count)
	}
}
