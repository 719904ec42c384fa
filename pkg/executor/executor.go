// Package executor drives goal-directed background task loops:
// plan, execute, checkpoint, with durable state in the store and
// lifecycle events on the bus.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/store"
	"github.com/quorumhq/quorum/pkg/worker"
)

// Store is the slice of the persistence contract the executor needs.
type Store interface {
	CreateTask(ctx context.Context, task *models.BackgroundTask) (*models.BackgroundTask, error)
	GetTask(ctx context.Context, id int64) (*models.BackgroundTask, error)
	ListInFlightTasks(ctx context.Context) ([]*models.BackgroundTask, error)
	ClaimTask(ctx context.Context, id int64, claimer string) (*models.BackgroundTask, error)
	ReclaimTask(ctx context.Context, id int64, claimer string, staleBefore time.Time) (*models.BackgroundTask, error)
	Heartbeat(ctx context.Context, id int64, claimer string) error
	ListStaleRunningTasks(ctx context.Context, staleBefore time.Time, exceptInstance string) ([]*models.BackgroundTask, error)
	PauseTask(ctx context.Context, id int64) error
	TerminalizeTask(ctx context.Context, id int64, from, to models.TaskStatus, finalResult, errorMessage string) error
	PersistCheckpoint(ctx context.Context, id int64, cp store.TaskCheckpoint) error
	AppendStep(ctx context.Context, step *models.TaskStep) (*models.TaskStep, error)
	ListSteps(ctx context.Context, taskID int64) ([]*models.TaskStep, error)
	GetAgent(ctx context.Context, id int64) (*models.Agent, error)
	UpdateAgentMetrics(ctx context.Context, id int64, delta models.AgentMetricsDelta) error
}

// Options configure the executor.
type Options struct {
	MaxConcurrentTasks        int
	DefaultMaxSteps           int
	DefaultTimeoutSeconds     int
	DefaultCheckpointInterval int
	WorkerCallTimeout         time.Duration
	HeartbeatInterval         time.Duration
	OrphanThreshold           time.Duration
	// InstanceID identifies this process for task claims. Defaults to a
	// random id.
	InstanceID string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxConcurrentTasks <= 0 {
		out.MaxConcurrentTasks = 16
	}
	if out.DefaultMaxSteps <= 0 {
		out.DefaultMaxSteps = 50
	}
	if out.DefaultTimeoutSeconds <= 0 {
		out.DefaultTimeoutSeconds = 3600
	}
	if out.DefaultCheckpointInterval <= 0 {
		out.DefaultCheckpointInterval = 5
	}
	if out.WorkerCallTimeout <= 0 {
		out.WorkerCallTimeout = 120 * time.Second
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.OrphanThreshold <= 0 {
		out.OrphanThreshold = 5 * time.Minute
	}
	if out.InstanceID == "" {
		out.InstanceID = "quorum-" + uuid.NewString()[:8]
	}
	return out
}

// Executor runs background task loops, bounded by a worker pool.
type Executor struct {
	opts     Options
	store    Store
	bus      *bus.Bus
	resolver worker.Resolver

	mu    sync.Mutex
	loops map[int64]*loop

	slots chan struct{}

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds an executor. Call RecoverTasks after construction and
// Shutdown on the way out.
func New(st Store, eventBus *bus.Bus, resolver worker.Resolver, opts Options) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		opts:     opts,
		store:    st,
		bus:      eventBus,
		resolver: resolver,
		loops:    make(map[int64]*loop),
		slots:    make(chan struct{}, opts.MaxConcurrentTasks),
		stopCh:   make(chan struct{}),
	}
}

// InstanceID returns the claim identity of this executor.
func (e *Executor) InstanceID() string { return e.opts.InstanceID }

// Start validates the request, inserts the task, claims it and spawns
// its loop. Returns ErrAtCapacity without creating anything when the
// worker pool is full.
func (e *Executor) Start(ctx context.Context, req models.CreateTaskRequest) (*models.BackgroundTask, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, NewValidationError("goal", "must not be empty")
	}
	if req.CheckpointInterval != nil && *req.CheckpointInterval < 1 {
		return nil, NewValidationError("checkpoint_interval", "must be at least 1")
	}
	agent, err := e.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	w, err := e.resolver.Resolve(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worker for agent %d: %w", agent.ID, err)
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return nil, ErrAtCapacity
	}
	release := true
	defer func() {
		if release {
			<-e.slots
		}
	}()

	task := &models.BackgroundTask{
		Goal:     req.Goal,
		AgentID:  req.AgentID,
		CircleID: req.CircleID,
		// An explicit zero is kept: max_steps=0 fails before the first
		// plan call.
		MaxSteps:           valueOr(req.MaxSteps, e.opts.DefaultMaxSteps),
		TimeoutSeconds:     valueOr(req.TimeoutSeconds, e.opts.DefaultTimeoutSeconds),
		CheckpointInterval: valueOr(req.CheckpointInterval, e.opts.DefaultCheckpointInterval),
	}

	created, err := e.store.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	e.publishTaskEvent(ctx, bus.TypeBackgroundTaskCreated, created, nil)

	claimed, err := e.store.ClaimTask(ctx, created.ID, e.opts.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %d: %w", created.ID, err)
	}
	e.publishTaskEvent(ctx, bus.TypeBackgroundTaskStarted, claimed, nil)

	release = false
	e.spawn(claimed, w)
	return claimed, nil
}

// Pause requests a pause; the loop honors it at its next iteration
// boundary.
func (e *Executor) Pause(_ context.Context, taskID int64) error {
	e.mu.Lock()
	l, ok := e.loops[taskID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, ErrNotRunning)
	}
	l.pause.Store(true)
	return nil
}

// Resume re-enters a paused task's loop from its latest checkpoint.
func (e *Executor) Resume(ctx context.Context, taskID int64) (*models.BackgroundTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPaused {
		return nil, fmt.Errorf("cannot resume task %d in status %q: %w",
			taskID, task.Status, ErrInvalidTransition)
	}
	agent, err := e.store.GetAgent(ctx, task.AgentID)
	if err != nil {
		return nil, err
	}
	w, err := e.resolver.Resolve(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worker for agent %d: %w", agent.ID, err)
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return nil, ErrAtCapacity
	}

	claimed, err := e.store.ClaimTask(ctx, taskID, e.opts.InstanceID)
	if err != nil {
		<-e.slots
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("cannot resume task %d: %w", taskID, ErrInvalidTransition)
		}
		return nil, err
	}
	e.publishTaskEvent(ctx, bus.TypeBackgroundTaskResumed, claimed, nil)

	e.spawn(claimed, w)
	return claimed, nil
}

// Cancel requests cancellation. A running loop finishes its in-flight
// step and terminalizes at the boundary; pending and paused tasks are
// cancelled immediately.
func (e *Executor) Cancel(ctx context.Context, taskID int64) error {
	e.mu.Lock()
	l, ok := e.loops[taskID]
	e.mu.Unlock()
	if ok {
		l.cancelled.Store(true)
		return nil
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.CanTransition(models.TaskStatusCancelled) {
		return fmt.Errorf("cannot cancel task %d in status %q: %w",
			taskID, task.Status, ErrInvalidTransition)
	}
	if err := e.store.TerminalizeTask(ctx, taskID, task.Status, models.TaskStatusCancelled, "", ""); err != nil {
		return err
	}
	task.Status = models.TaskStatusCancelled
	e.publishTaskEvent(ctx, bus.TypeBackgroundTaskCancelled, task, nil)
	return nil
}

// Status returns the task's durable state.
func (e *Executor) Status(ctx context.Context, taskID int64) (*models.BackgroundTask, error) {
	return e.store.GetTask(ctx, taskID)
}

// Active returns the number of loops currently running.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.loops)
}

// Stats reports executor pool usage.
type Stats struct {
	ActiveTasks int `json:"active_tasks"`
	MaxTasks    int `json:"max_tasks"`
}

// Stats returns a snapshot of pool usage.
func (e *Executor) Stats() Stats {
	return Stats{ActiveTasks: e.Active(), MaxTasks: e.opts.MaxConcurrentTasks}
}

// RecoverTasks restores loops after a restart: running tasks are
// re-claimed and resumed from their checkpoints, paused tasks stay
// paused until explicitly resumed.
func (e *Executor) RecoverTasks(ctx context.Context) error {
	tasks, err := e.store.ListInFlightTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list in-flight tasks: %w", err)
	}

	recovered := 0
	for _, task := range tasks {
		if task.Status != models.TaskStatusRunning {
			continue
		}
		staleBefore := time.Now().Add(-e.opts.OrphanThreshold)
		claimed, err := e.store.ReclaimTask(ctx, task.ID, e.opts.InstanceID, staleBefore)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Another live instance holds the claim.
				continue
			}
			slog.Error("Failed to reclaim task during recovery",
				"task_id", task.ID, "error", err)
			continue
		}

		agent, err := e.store.GetAgent(ctx, claimed.AgentID)
		if err != nil {
			slog.Error("Failed to load agent during recovery",
				"task_id", claimed.ID, "agent_id", claimed.AgentID, "error", err)
			continue
		}
		w, err := e.resolver.Resolve(ctx, agent)
		if err != nil {
			slog.Error("Failed to resolve worker during recovery",
				"task_id", claimed.ID, "error", err)
			continue
		}

		select {
		case e.slots <- struct{}{}:
		default:
			slog.Warn("Executor at capacity during recovery, leaving task claimed",
				"task_id", claimed.ID)
			continue
		}
		e.spawn(claimed, w)
		recovered++
	}

	if recovered > 0 {
		slog.Info("Recovered running tasks from previous instance", "count", recovered)
	}
	return nil
}

// StartOrphanScan launches a periodic scan that fails running tasks
// whose claimer stopped heartbeating. Stops with the executor.
func (e *Executor) StartOrphanScan() {
	interval := e.opts.OrphanThreshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.scanOrphans(context.Background())
			}
		}
	}()
}

func (e *Executor) scanOrphans(ctx context.Context) {
	staleBefore := time.Now().Add(-e.opts.OrphanThreshold)
	tasks, err := e.store.ListStaleRunningTasks(ctx, staleBefore, e.opts.InstanceID)
	if err != nil {
		slog.Error("Orphan scan failed", "error", err)
		return
	}
	for _, task := range tasks {
		err := e.store.TerminalizeTask(ctx, task.ID,
			models.TaskStatusRunning, models.TaskStatusFailed,
			"", "orphaned: claim heartbeat lost")
		if err != nil {
			if !errors.Is(err, store.ErrConflict) {
				slog.Error("Failed to fail orphaned task", "task_id", task.ID, "error", err)
			}
			continue
		}
		task.Status = models.TaskStatusFailed
		task.ErrorMessage = "orphaned: claim heartbeat lost"
		e.publishTaskEvent(ctx, bus.TypeBackgroundTaskFailed, task,
			map[string]any{"error": task.ErrorMessage})
		slog.Warn("Failed orphaned task", "task_id", task.ID, "claimed_by", task.ClaimedBy)
	}
}

// Shutdown signals every running loop to pause and waits up to grace
// for loops to reach their iteration boundary and persist.
func (e *Executor) Shutdown(grace time.Duration) {
	e.stopOnce.Do(func() { close(e.stopCh) })

	e.mu.Lock()
	for _, l := range e.loops {
		l.pause.Store(true)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Executor shut down cleanly")
	case <-time.After(grace):
		slog.Warn("Executor shutdown grace elapsed with loops still running",
			"active", e.Active())
	}
}

func valueOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// spawn registers a loop and runs it. The caller must already hold a
// pool slot; the loop releases it on exit.
func (e *Executor) spawn(task *models.BackgroundTask, w worker.Worker) {
	l := &loop{task: task, worker: w}

	e.mu.Lock()
	if _, exists := e.loops[task.ID]; exists {
		e.mu.Unlock()
		<-e.slots
		slog.Warn("Loop already running for task, not spawning another", "task_id", task.ID)
		return
	}
	e.loops[task.ID] = l
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.loops, task.ID)
			e.mu.Unlock()
			<-e.slots
		}()
		e.run(l)
	}()
}

func (e *Executor) publishTaskEvent(ctx context.Context, t bus.Type, task *models.BackgroundTask, extra map[string]any) {
	data := map[string]any{
		"task_id": task.ID,
		"goal":    task.Goal,
		"status":  string(task.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(ctx, bus.Event{
		Type:          t,
		Data:          data,
		SourceAgentID: &task.AgentID,
		CircleID:      task.CircleID,
	})
}
