// Package scheduler dispatches scheduled actions into background tasks.
// A single tick loop polls the store for due actions; event-type actions
// dispatch from bus subscriptions instead of the clock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/store"
)

// Store is the slice of the persistence contract the scheduler needs.
type Store interface {
	CreateAction(ctx context.Context, action *models.ScheduledAction) (*models.ScheduledAction, error)
	GetAction(ctx context.Context, id int64) (*models.ScheduledAction, error)
	ListActions(ctx context.Context) ([]*models.ScheduledAction, error)
	DeleteAction(ctx context.Context, id int64) error
	SetActionStatus(ctx context.Context, id int64, status models.ActionStatus) error
	ListDueActions(ctx context.Context, now time.Time) ([]*models.ScheduledAction, error)
	RecordActionDispatch(ctx context.Context, id int64, lastRunAt time.Time, nextRunAt *time.Time) error
	SetActionNextRun(ctx context.Context, id int64, nextRunAt *time.Time) error
	SetActionRetry(ctx context.Context, id int64, retryCount int, nextRunAt time.Time) error
	ResetActionRetry(ctx context.Context, id int64) error

	CreateRun(ctx context.Context, actionID, taskID int64, triggeredBy models.TriggeredBy) (*models.ScheduledRun, error)
	TerminalizeRun(ctx context.Context, runID int64, status models.TaskStatus, duration time.Duration) error
	CountOpenRuns(ctx context.Context, actionID int64) (int, error)
	ListOpenRuns(ctx context.Context) ([]*models.ScheduledRun, error)
	GetOpenRunForTask(ctx context.Context, taskID int64) (*models.ScheduledRun, error)

	GetTask(ctx context.Context, id int64) (*models.BackgroundTask, error)
}

// Launcher starts background tasks on behalf of dispatched actions.
// Satisfied by the executor.
type Launcher interface {
	Start(ctx context.Context, req models.CreateTaskRequest) (*models.BackgroundTask, error)
}

// Options configure the scheduler.
type Options struct {
	Tick             time.Duration
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Tick <= 0 {
		out.Tick = time.Second
	}
	if out.RetryBackoffBase <= 0 {
		out.RetryBackoffBase = time.Minute
	}
	if out.RetryBackoffCap <= 0 {
		out.RetryBackoffCap = time.Hour
	}
	return out
}

// Scheduler owns the tick loop, the terminal-task watch and the event
// trigger subscriptions.
type Scheduler struct {
	opts     Options
	store    Store
	bus      *bus.Bus
	launcher Launcher

	mu        sync.Mutex
	eventSubs map[int64]*bus.Subscription

	termSubs []*bus.Subscription

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a scheduler. Call Start to begin dispatching and Stop on
// the way out.
func New(st Store, eventBus *bus.Bus, launcher Launcher, opts Options) *Scheduler {
	return &Scheduler{
		opts:      opts.withDefaults(),
		store:     st,
		bus:       eventBus,
		launcher:  launcher,
		eventSubs: make(map[int64]*bus.Subscription),
		stopCh:    make(chan struct{}),
	}
}

// Start wires the terminal-task watch, restores event trigger
// subscriptions for existing actions and launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, t := range bus.BackgroundTaskTerminalTypes {
		s.termSubs = append(s.termSubs, s.bus.Subscribe(t, s.onTaskTerminal, nil))
	}

	actions, err := s.store.ListActions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list scheduled actions: %w", err)
	}
	for _, action := range actions {
		if action.ScheduleType == models.ScheduleTypeEvent {
			s.subscribeEvent(action.ID, action.EventName)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
	slog.Info("Scheduler started", "tick", s.opts.Tick, "actions", len(actions))
	return nil
}

// Stop halts the tick loop and drops all bus subscriptions. In-flight
// background tasks keep running; their runs close out on the next boot.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	for _, sub := range s.termSubs {
		s.bus.Unsubscribe(sub)
	}
	s.mu.Lock()
	for _, sub := range s.eventSubs {
		s.bus.Unsubscribe(sub)
	}
	s.eventSubs = make(map[int64]*bus.Subscription)
	s.mu.Unlock()
	slog.Info("Scheduler stopped")
}

// CreateAction validates and registers a scheduled action. Event-type
// actions are subscribed on the bus immediately.
func (s *Scheduler) CreateAction(ctx context.Context, req models.CreateScheduledActionRequest) (*models.ScheduledAction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	action := &models.ScheduledAction{
		AgentID:         req.AgentID,
		Name:            strings.TrimSpace(req.Name),
		Goal:            req.Goal,
		ScheduleType:    req.ScheduleType,
		CronExpression:  req.CronExpression,
		IntervalSeconds: req.IntervalSeconds,
		FireAt:          req.FireAt,
		EventName:       req.EventName,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		MaxExecutions:   req.MaxExecutions,
		MaxSteps:        req.MaxSteps,
		TimeoutSeconds:  req.TimeoutSeconds,
		RetryOnFailure:  req.RetryOnFailure,
		MaxRetries:      req.MaxRetries,
		AllowConcurrent: req.AllowConcurrent,
		Tags:            req.Tags,
	}

	from := time.Now()
	if action.StartDate != nil && action.StartDate.After(from) {
		from = *action.StartDate
	}
	action.NextRunAt = nextRunAfter(action, from)

	created, err := s.store.CreateAction(ctx, action)
	if err != nil {
		return nil, err
	}
	if created.ScheduleType == models.ScheduleTypeEvent {
		s.subscribeEvent(created.ID, created.EventName)
	}
	slog.Info("Scheduled action created",
		"action_id", created.ID, "name", created.Name, "type", created.ScheduleType)
	return created, nil
}

// PauseAction suspends dispatching without losing the schedule.
func (s *Scheduler) PauseAction(ctx context.Context, id int64) error {
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if action.Status != models.ActionStatusActive {
		return fmt.Errorf("cannot pause action %d in status %q: %w", id, action.Status, ErrActionNotActive)
	}
	if err := s.store.SetActionStatus(ctx, id, models.ActionStatusPaused); err != nil {
		return err
	}
	action.Status = models.ActionStatusPaused
	s.publishActionEvent(ctx, bus.TypeScheduledActionPaused, action, nil)
	return nil
}

// ResumeAction reactivates a paused action and recomputes its next run
// from now.
func (s *Scheduler) ResumeAction(ctx context.Context, id int64) error {
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if action.Status != models.ActionStatusPaused {
		return fmt.Errorf("cannot resume action %d in status %q: %w", id, action.Status, ErrActionNotActive)
	}
	if err := s.store.SetActionStatus(ctx, id, models.ActionStatusActive); err != nil {
		return err
	}
	if err := s.store.SetActionNextRun(ctx, id, nextRunAfter(action, time.Now())); err != nil {
		return err
	}
	action.Status = models.ActionStatusActive
	s.publishActionEvent(ctx, bus.TypeScheduledActionResumed, action, nil)
	return nil
}

// DeleteAction removes the action, its run history and any event
// trigger subscription.
func (s *Scheduler) DeleteAction(ctx context.Context, id int64) error {
	s.mu.Lock()
	if sub, ok := s.eventSubs[id]; ok {
		s.bus.Unsubscribe(sub)
		delete(s.eventSubs, id)
	}
	s.mu.Unlock()
	return s.store.DeleteAction(ctx, id)
}

// TriggerNow dispatches the action immediately, bypassing the schedule
// but not the expiry or concurrency gates.
func (s *Scheduler) TriggerNow(ctx context.Context, id int64) (*models.ScheduledRun, error) {
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	switch action.Status {
	case models.ActionStatusActive, models.ActionStatusPaused:
	default:
		return nil, fmt.Errorf("cannot trigger action %d in status %q: %w", id, action.Status, ErrActionNotActive)
	}
	if actionExpired(action, time.Now()) {
		s.expire(ctx, action)
		return nil, fmt.Errorf("cannot trigger action %d in status %q: %w",
			id, action.Status, ErrActionNotActive)
	}
	if !action.AllowConcurrent {
		open, err := s.store.CountOpenRuns(ctx, action.ID)
		if err != nil {
			return nil, err
		}
		if open > 0 {
			return nil, fmt.Errorf("action %d: %w", id, ErrRunInProgress)
		}
	}
	return s.dispatch(ctx, action, models.TriggeredByManual)
}

// RecoverRuns closes out runs left open by a previous instance: runs
// whose task already reached a terminal state are terminalized, runs
// whose task is gone are failed, runs with a live task are left for the
// executor's own recovery.
func (s *Scheduler) RecoverRuns(ctx context.Context) error {
	runs, err := s.store.ListOpenRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open runs: %w", err)
	}
	for _, run := range runs {
		task, err := s.store.GetTask(ctx, run.TaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.terminalizeRun(ctx, run, models.TaskStatusFailed)
			} else {
				slog.Error("Failed to load task during run recovery",
					"run_id", run.ID, "task_id", run.TaskID, "error", err)
			}
			continue
		}
		if task.Status.IsTerminal() {
			s.terminalizeRun(ctx, run, task.Status)
		}
	}
	return nil
}

// tick processes every due action once. One tick fully completes before
// the next fires.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.ListDueActions(ctx, time.Now())
	if err != nil {
		slog.Error("Failed to list due actions", "error", err)
		return
	}
	for _, action := range due {
		s.process(ctx, action, models.TriggeredByScheduler)
	}
}

// process applies the expiry and concurrency gates, then dispatches.
func (s *Scheduler) process(ctx context.Context, action *models.ScheduledAction, by models.TriggeredBy) {
	now := time.Now()
	if actionExpired(action, now) {
		s.expire(ctx, action)
		return
	}

	if !action.AllowConcurrent {
		open, err := s.store.CountOpenRuns(ctx, action.ID)
		if err != nil {
			slog.Error("Failed to count open runs", "action_id", action.ID, "error", err)
			return
		}
		if open > 0 {
			// Leave next_run_at as-is; the action stays due and is
			// re-examined once the open run terminalizes.
			slog.Debug("Skipping dispatch, run still open", "action_id", action.ID)
			return
		}
	}

	if _, err := s.dispatch(ctx, action, by); err != nil {
		slog.Warn("Failed to dispatch scheduled action",
			"action_id", action.ID, "error", err)
	}
}

// expire marks an action expired and announces it. Called when the
// end date passed or max_executions is exhausted.
func (s *Scheduler) expire(ctx context.Context, action *models.ScheduledAction) {
	if err := s.store.SetActionStatus(ctx, action.ID, models.ActionStatusExpired); err != nil {
		slog.Error("Failed to expire action", "action_id", action.ID, "error", err)
		return
	}
	action.Status = models.ActionStatusExpired
	s.publishActionEvent(ctx, bus.TypeScheduledActionExpired, action, nil)
	slog.Info("Scheduled action expired",
		"action_id", action.ID, "executions", action.ExecutionCount)
}

// dispatch starts the background task, records the run and advances the
// schedule.
func (s *Scheduler) dispatch(ctx context.Context, action *models.ScheduledAction, by models.TriggeredBy) (*models.ScheduledRun, error) {
	req := models.CreateTaskRequest{
		AgentID: action.AgentID,
		Goal:    action.Goal,
	}
	if action.MaxSteps > 0 {
		req.MaxSteps = &action.MaxSteps
	}
	if action.TimeoutSeconds > 0 {
		req.TimeoutSeconds = &action.TimeoutSeconds
	}

	task, err := s.launcher.Start(ctx, req)
	if err != nil {
		// The action stays due and is retried on a later tick.
		return nil, fmt.Errorf("failed to start task for action %d: %w", action.ID, err)
	}

	run, err := s.store.CreateRun(ctx, action.ID, task.ID, by)
	if err != nil {
		return nil, fmt.Errorf("failed to record run for action %d: %w", action.ID, err)
	}

	now := time.Now()
	var next *time.Time
	switch action.ScheduleType {
	case models.ScheduleTypeCron, models.ScheduleTypeInterval:
		next = nextRunAfter(action, now)
	}
	if err := s.store.RecordActionDispatch(ctx, action.ID, now, next); err != nil {
		slog.Error("Failed to record dispatch", "action_id", action.ID, "error", err)
	}

	extra := map[string]any{"task_id": task.ID, "run_id": run.ID, "run_number": run.RunNumber}
	s.publishActionEvent(ctx, bus.TypeScheduledActionTriggered, action, extra)
	s.publishActionEvent(ctx, bus.TypeScheduledActionStarted, action, extra)

	if action.ScheduleType == models.ScheduleTypeOnce {
		if err := s.store.SetActionStatus(ctx, action.ID, models.ActionStatusExpired); err != nil {
			slog.Error("Failed to expire one-shot action", "action_id", action.ID, "error", err)
		} else {
			action.Status = models.ActionStatusExpired
			s.publishActionEvent(ctx, bus.TypeScheduledActionExpired, action, nil)
		}
	}

	slog.Info("Scheduled action dispatched",
		"action_id", action.ID, "task_id", task.ID, "run_number", run.RunNumber, "triggered_by", by)
	return run, nil
}

// onTaskTerminal closes out the run for a finished task and drives the
// retry/backoff bookkeeping.
func (s *Scheduler) onTaskTerminal(ctx context.Context, e bus.Event) error {
	taskID := asInt64(e.Data["task_id"])
	if taskID == 0 {
		return nil
	}
	run, err := s.store.GetOpenRunForTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Not a scheduler-spawned task.
			return nil
		}
		return err
	}

	status := models.TaskStatus(asString(e.Data["status"]))
	if !status.IsTerminal() {
		status = models.TaskStatusFailed
	}
	s.terminalizeRun(ctx, run, status)

	action, err := s.store.GetAction(ctx, run.ActionID)
	if err != nil {
		return err
	}

	if status == models.TaskStatusCompleted {
		s.publishActionEvent(ctx, bus.TypeScheduledActionCompleted, action, map[string]any{
			"task_id": taskID, "run_id": run.ID,
		})
		if action.RetryCount > 0 {
			if err := s.store.ResetActionRetry(ctx, action.ID); err != nil {
				slog.Warn("Failed to reset retry counter", "action_id", action.ID, "error", err)
			}
		}
		return nil
	}

	s.publishActionEvent(ctx, bus.TypeScheduledActionFailed, action, map[string]any{
		"task_id": taskID, "run_id": run.ID, "status": string(status),
	})

	if action.RetryOnFailure && action.Status == models.ActionStatusActive &&
		action.RetryCount < action.MaxRetries {
		backoff := s.retryBackoff(action.RetryCount)
		retryAt := time.Now().Add(backoff)
		if err := s.store.SetActionRetry(ctx, action.ID, action.RetryCount+1, retryAt); err != nil {
			return fmt.Errorf("failed to schedule retry for action %d: %w", action.ID, err)
		}
		slog.Info("Scheduled action retry",
			"action_id", action.ID, "attempt", action.RetryCount+1, "backoff", backoff)
	}
	return nil
}

// retryBackoff doubles per attempt from the base up to the cap.
func (s *Scheduler) retryBackoff(retryCount int) time.Duration {
	backoff := s.opts.RetryBackoffBase
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff >= s.opts.RetryBackoffCap {
			return s.opts.RetryBackoffCap
		}
	}
	if backoff > s.opts.RetryBackoffCap {
		backoff = s.opts.RetryBackoffCap
	}
	return backoff
}

func (s *Scheduler) terminalizeRun(ctx context.Context, run *models.ScheduledRun, status models.TaskStatus) {
	duration := time.Since(run.TriggeredAt)
	if err := s.store.TerminalizeRun(ctx, run.ID, status, duration); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			slog.Error("Failed to terminalize run",
				"run_id", run.ID, "status", status, "error", err)
		}
	}
}

// subscribeEvent registers a bus subscription dispatching the action on
// every occurrence of its trigger event. The action is re-read on each
// firing so pauses and deletions take effect without resubscribing.
func (s *Scheduler) subscribeEvent(actionID int64, eventName string) {
	sub := s.bus.Subscribe(bus.Type(eventName), func(ctx context.Context, _ bus.Event) error {
		action, err := s.store.GetAction(ctx, actionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if action.Status != models.ActionStatusActive {
			return nil
		}
		s.process(ctx, action, models.TriggeredByEvent)
		return nil
	}, nil)

	s.mu.Lock()
	if old, ok := s.eventSubs[actionID]; ok {
		s.bus.Unsubscribe(old)
	}
	s.eventSubs[actionID] = sub
	s.mu.Unlock()
}

func (s *Scheduler) publishActionEvent(ctx context.Context, t bus.Type, action *models.ScheduledAction, extra map[string]any) {
	data := map[string]any{
		"action_id":   action.ID,
		"action_name": action.Name,
		"status":      string(action.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.bus.Publish(ctx, bus.Event{
		Type:          t,
		Data:          data,
		SourceAgentID: &action.AgentID,
	})
}

// nextRunAfter computes the next fire time from the schedule. Nil for
// one-shot (consumed), event (bus-driven) and unparsable cron.
func nextRunAfter(action *models.ScheduledAction, from time.Time) *time.Time {
	switch action.ScheduleType {
	case models.ScheduleTypeCron:
		sched, err := cron.ParseStandard(action.CronExpression)
		if err != nil {
			return nil
		}
		next := sched.Next(from)
		return &next
	case models.ScheduleTypeInterval:
		if action.LastRunAt != nil && action.LastRunAt.After(from) {
			from = *action.LastRunAt
		}
		next := from.Add(time.Duration(action.IntervalSeconds) * time.Second)
		return &next
	case models.ScheduleTypeOnce:
		if action.LastRunAt != nil {
			return nil
		}
		return action.FireAt
	default:
		return nil
	}
}

func actionExpired(action *models.ScheduledAction, now time.Time) bool {
	if action.EndDate != nil && now.After(*action.EndDate) {
		return true
	}
	return action.MaxExecutions > 0 && action.ExecutionCount >= action.MaxExecutions
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
