package executor

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quorumhq/quorum/pkg/bus"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/store"
	"github.com/quorumhq/quorum/pkg/worker"
)

// loop is the in-memory handle for one running task. Control flags are
// honored at iteration boundaries only; a worker call in flight is
// never preempted.
type loop struct {
	task   *models.BackgroundTask
	worker worker.Worker

	pause     atomic.Bool
	cancelled atomic.Bool

	// state is the opaque checkpoint blob. The executor threads it
	// through worker calls but never inspects its schema.
	state map[string]any

	// Counter deltas accumulated since the last persisted checkpoint.
	llmCalls  int
	tokens    int
	toolCalls int

	// stepNumber is the next audit row number, unique per task.
	stepNumber int
}

// run drives one task loop to a terminal or paused state. It uses a
// background context throughout: loop lifetime is owned by the
// executor's control flags, not by the caller of Start.
func (e *Executor) run(l *loop) {
	ctx := context.Background()
	task := l.task
	logger := slog.With("task_id", task.ID, "agent_id", task.AgentID)

	steps, err := e.store.ListSteps(ctx, task.ID)
	if err != nil {
		logger.Error("Failed to load step history, failing task", "error", err)
		e.finish(ctx, l, models.TaskStatusFailed, "", "failed to load step history: "+err.Error())
		return
	}
	l.stepNumber = len(steps) + 1

	hbStop := make(chan struct{})
	defer close(hbStop)
	go e.heartbeatLoop(task.ID, hbStop, logger)

	started := time.Now()
	if task.StartedAt != nil {
		started = *task.StartedAt
	}
	deadline := started.Add(time.Duration(task.TimeoutSeconds) * time.Second)

	l.state = task.CheckpointData
	if l.state == nil {
		l.state = map[string]any{}
	}

	for {
		switch {
		case l.cancelled.Load():
			e.finish(ctx, l, models.TaskStatusCancelled, "", "")
			return
		case l.pause.Load():
			e.persistProgress(ctx, l, logger)
			if err := e.store.PauseTask(ctx, task.ID); err != nil {
				logger.Error("Failed to pause task", "error", err)
				return
			}
			task.Status = models.TaskStatusPaused
			e.publishTaskEvent(ctx, bus.TypeBackgroundTaskPaused, task, nil)
			logger.Info("Task paused", "current_step", task.CurrentStep)
			return
		case task.CurrentStep >= task.MaxSteps:
			e.finish(ctx, l, models.TaskStatusFailed, "", "step limit exceeded")
			return
		case time.Now().After(deadline):
			e.finish(ctx, l, models.TaskStatusTimedOut, "", "task timeout exceeded")
			return
		}

		task.CurrentStep++
		done, result := e.iterate(ctx, l, logger)

		task.ProgressPercent = min(100, task.CurrentStep*100/task.MaxSteps)
		e.publishTaskEvent(ctx, bus.TypeBackgroundTaskStep, task, map[string]any{
			"step":     task.CurrentStep,
			"progress": task.ProgressPercent,
		})

		if task.CurrentStep%task.CheckpointInterval == 0 {
			e.persistProgress(ctx, l, logger)
			e.publishTaskEvent(ctx, bus.TypeBackgroundTaskCheckpoint, task, map[string]any{
				"step": task.CurrentStep,
			})
		}

		if result == loopFailed {
			e.finish(ctx, l, models.TaskStatusFailed, "", l.task.ErrorMessage)
			return
		}
		if done {
			e.finish(ctx, l, models.TaskStatusCompleted, task.FinalResult, "")
			return
		}
	}
}

type iterationResult int

const (
	loopContinue iterationResult = iota
	loopFailed
)

// iterate performs one plan/execute cycle and records its audit rows.
// Returns done=true when the goal is complete. A worker error during
// execution is recorded as step output and the loop keeps going; a
// plan error fails the task.
func (e *Executor) iterate(ctx context.Context, l *loop, logger *slog.Logger) (bool, iterationResult) {
	task := l.task
	state := l.state

	planCtx, cancel := context.WithTimeout(ctx, e.opts.WorkerCallTimeout)
	planStart := time.Now()
	action, planTokens, err := l.worker.Plan(planCtx, task.Goal, state)
	cancel()
	if err != nil {
		task.ErrorMessage = "planning failed: " + err.Error()
		logger.Error("Planning failed", "step", task.CurrentStep, "error", err)
		return false, loopFailed
	}
	l.llmCalls++
	l.tokens += planTokens
	task.LLMCalls++
	task.TokensUsed += planTokens
	e.appendStep(ctx, l, models.StepActionPlan, task.Goal, action, "", time.Since(planStart), planTokens, logger)

	execCtx, cancel := context.WithTimeout(ctx, e.opts.WorkerCallTimeout)
	execStart := time.Now()
	result, err := l.worker.ExecuteAction(execCtx, action, task.Goal)
	cancel()
	if err != nil {
		// Transient retry already happened inside the worker; record
		// the failure as step output and keep looping.
		result = &worker.ActionResult{Error: err.Error()}
	}

	output := result.Output
	if result.Error != "" {
		output = "error: " + result.Error
		logger.Warn("Action execution failed", "step", task.CurrentStep, "error", result.Error)
	}
	l.llmCalls++
	l.tokens += result.Tokens
	task.LLMCalls++
	task.TokensUsed += result.Tokens
	e.appendStep(ctx, l, models.StepActionExecute, action, output, "", time.Since(execStart), result.Tokens, logger)

	for _, tc := range result.ToolCalls {
		l.toolCalls++
		task.ToolCalls++
		e.appendStep(ctx, l, models.StepActionToolCall, tc.Input, tc.Output, tc.Name, tc.Duration, 0, logger)
	}

	state["last_action"] = action
	state["last_output"] = output
	state["steps_completed"] = task.CurrentStep
	task.ProgressSummary = summarize(action)

	if result.Error != "" {
		return false, loopContinue
	}

	if strings.Contains(result.Output, worker.CompleteSentinel) {
		task.FinalResult = strings.TrimSpace(strings.ReplaceAll(result.Output, worker.CompleteSentinel, ""))
		return true, loopContinue
	}

	checkCtx, cancel := context.WithTimeout(ctx, e.opts.WorkerCallTimeout)
	goalDone, err := l.worker.IsGoalComplete(checkCtx, task.Goal, state)
	cancel()
	if err != nil {
		logger.Warn("Goal completion check failed, continuing", "error", err)
		return false, loopContinue
	}
	if goalDone {
		task.FinalResult = result.Output
		return true, loopContinue
	}
	return false, loopContinue
}

// finish persists the terminal transition, then publishes. The store
// write is authoritative: publish only happens after it succeeds.
func (e *Executor) finish(ctx context.Context, l *loop, to models.TaskStatus, finalResult, errMsg string) {
	task := l.task
	logger := slog.With("task_id", task.ID)

	e.persistProgress(ctx, l, logger)

	from := models.TaskStatusRunning
	if err := e.store.TerminalizeTask(ctx, task.ID, from, to, finalResult, errMsg); err != nil {
		logger.Error("Failed to persist terminal status",
			"to", to, "error", err)
		return
	}
	task.Status = to
	task.FinalResult = finalResult
	task.ErrorMessage = errMsg

	eventType := map[models.TaskStatus]bus.Type{
		models.TaskStatusCompleted: bus.TypeBackgroundTaskCompleted,
		models.TaskStatusFailed:    bus.TypeBackgroundTaskFailed,
		models.TaskStatusCancelled: bus.TypeBackgroundTaskCancelled,
		models.TaskStatusTimedOut:  bus.TypeBackgroundTaskFailed,
	}[to]
	extra := map[string]any{}
	if finalResult != "" {
		extra["final_result"] = finalResult
	}
	if errMsg != "" {
		extra["error"] = errMsg
	}
	e.publishTaskEvent(ctx, eventType, task, extra)

	if to == models.TaskStatusCompleted {
		if err := e.store.UpdateAgentMetrics(ctx, task.AgentID, models.AgentMetricsDelta{TasksCompleted: 1}); err != nil {
			logger.Warn("Failed to update agent metrics", "error", err)
		}
	}
	logger.Info("Task finished", "status", to, "steps", task.CurrentStep)
}

// persistProgress writes the checkpoint plus accumulated counter
// deltas and resets the deltas.
func (e *Executor) persistProgress(ctx context.Context, l *loop, logger *slog.Logger) {
	task := l.task
	err := e.store.PersistCheckpoint(ctx, task.ID, store.TaskCheckpoint{
		CurrentStep:     task.CurrentStep,
		ProgressPercent: task.ProgressPercent,
		ProgressSummary: task.ProgressSummary,
		Data:            l.state,
		LLMCallsDelta:   l.llmCalls,
		TokensDelta:     l.tokens,
		ToolCallsDelta:  l.toolCalls,
	})
	if err != nil {
		logger.Error("Failed to persist checkpoint", "error", err)
		return
	}
	task.CheckpointData = l.state
	l.llmCalls, l.tokens, l.toolCalls = 0, 0, 0
}

func (e *Executor) appendStep(ctx context.Context, l *loop, action models.StepAction, input, output, toolName string, duration time.Duration, tokens int, logger *slog.Logger) {
	_, err := e.store.AppendStep(ctx, &models.TaskStep{
		TaskID:     l.task.ID,
		StepNumber: l.stepNumber,
		Action:     action,
		Input:      input,
		Output:     output,
		ToolName:   toolName,
		Duration:   duration,
		Tokens:     tokens,
	})
	if err != nil {
		logger.Error("Failed to append step row",
			"step_number", l.stepNumber, "action", action, "error", err)
	}
	l.stepNumber++
}

// heartbeatLoop refreshes the task claim until the loop exits.
func (e *Executor) heartbeatLoop(taskID int64, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := e.store.Heartbeat(context.Background(), taskID, e.opts.InstanceID); err != nil {
				logger.Warn("Task heartbeat failed", "error", err)
			}
		}
	}
}

func summarize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
