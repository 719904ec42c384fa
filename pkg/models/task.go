// Package models contains the domain entities and request/response types
// shared across services, store, and API layers.
package models

import "time"

// TaskStatus represents the lifecycle state of a background task.
type TaskStatus string

// Background task statuses.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimedOut  TaskStatus = "timeout"
)

// IsTerminal reports whether the status is absorbing: no further
// transitions or step rows are allowed once a task reaches it.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut:
		return true
	}
	return false
}

// taskTransitions is the allowed transition set for the task state machine:
//
//	pending ──start──▶ running ──▶ completed | failed | cancelled | timeout
//	running ◀─resume── paused ◀──pause── running
//
// pending and paused may also be cancelled directly (operator action
// before/between loop iterations).
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut},
	TaskStatusPaused:  {TaskStatusRunning, TaskStatusCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, t := range taskTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// BackgroundTask is one autonomous goal-directed execution driven by the
// executor. The checkpoint blob is opaque to everything but the worker.
type BackgroundTask struct {
	ID                 int64          `json:"id"`
	Goal               string         `json:"goal"`
	AgentID            int64          `json:"agent_id"`
	CircleID           *int64         `json:"circle_id,omitempty"`
	Status             TaskStatus     `json:"status"`
	MaxSteps           int            `json:"max_steps"`
	TimeoutSeconds     int            `json:"timeout_seconds"`
	CheckpointInterval int            `json:"checkpoint_interval"`
	CurrentStep        int            `json:"current_step"`
	ProgressPercent    int            `json:"progress_percent"`
	ProgressSummary    string         `json:"progress_summary,omitempty"`
	CheckpointData     map[string]any `json:"checkpoint_data,omitempty"`
	FinalResult        string         `json:"final_result,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	LLMCalls           int            `json:"llm_calls"`
	TokensUsed         int            `json:"tokens_used"`
	ToolCalls          int            `json:"tool_calls"`
	ClaimedBy          string         `json:"claimed_by,omitempty"`
	LastHeartbeatAt    *time.Time     `json:"last_heartbeat_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// StepAction classifies a task step row.
type StepAction string

// Step action types.
const (
	StepActionPlan       StepAction = "plan"
	StepActionExecute    StepAction = "execute"
	StepActionToolCall   StepAction = "tool_call"
	StepActionCheckpoint StepAction = "checkpoint"
)

// TaskStep is an immutable audit row for one action within a task loop
// iteration. StepNumber is unique per task and strictly increasing.
type TaskStep struct {
	ID         int64         `json:"id"`
	TaskID     int64         `json:"task_id"`
	StepNumber int           `json:"step_number"`
	Action     StepAction    `json:"action_type"`
	Input      string        `json:"input,omitempty"`
	Output     string        `json:"output,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
	Tokens     int           `json:"tokens"`
	CreatedAt  time.Time     `json:"created_at"`
}

// CreateTaskRequest contains fields for starting a background task.
// Absent bounds fall back to the executor defaults; an explicit zero is
// kept as-is (max_steps=0 fails before the first plan call).
type CreateTaskRequest struct {
	AgentID            int64  `json:"agent_id"`
	CircleID           *int64 `json:"circle_id,omitempty"`
	Goal               string `json:"goal"`
	MaxSteps           *int   `json:"max_steps,omitempty"`
	TimeoutSeconds     *int   `json:"timeout_seconds,omitempty"`
	CheckpointInterval *int   `json:"checkpoint_interval,omitempty"`
}
