package models

import "time"

// ScheduleType determines how a scheduled action computes its next run.
type ScheduleType string

// Schedule types.
const (
	ScheduleTypeCron     ScheduleType = "cron"
	ScheduleTypeInterval ScheduleType = "interval"
	ScheduleTypeOnce     ScheduleType = "once"
	ScheduleTypeEvent    ScheduleType = "event"
)

// ActionStatus is the lifecycle state of a scheduled action.
type ActionStatus string

// Scheduled action statuses.
const (
	ActionStatusActive   ActionStatus = "active"
	ActionStatusPaused   ActionStatus = "paused"
	ActionStatusDisabled ActionStatus = "disabled"
	ActionStatusExpired  ActionStatus = "expired"
)

// MinIntervalSeconds is the lowest accepted interval for interval-type
// actions. Anything below is rejected at validation time.
const MinIntervalSeconds = 60

// ScheduledAction produces background tasks on a cron, interval, once, or
// event schedule. Exactly one of CronExpression, IntervalSeconds, FireAt,
// EventName is populated, matching ScheduleType.
type ScheduledAction struct {
	ID              int64        `json:"id"`
	AgentID         int64        `json:"agent_id"`
	Name            string       `json:"name"`
	Goal            string       `json:"goal"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	CronExpression  string       `json:"cron_expression,omitempty"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	FireAt          *time.Time   `json:"fire_at,omitempty"`
	EventName       string       `json:"event_name,omitempty"`
	Status          ActionStatus `json:"status"`
	StartDate       *time.Time   `json:"start_date,omitempty"`
	EndDate         *time.Time   `json:"end_date,omitempty"`
	MaxExecutions   int          `json:"max_executions,omitempty"`
	ExecutionCount  int          `json:"execution_count"`
	MaxSteps        int          `json:"max_steps,omitempty"`
	TimeoutSeconds  int          `json:"timeout_seconds,omitempty"`
	RetryOnFailure  bool         `json:"retry_on_failure"`
	MaxRetries      int          `json:"max_retries"`
	RetryCount      int          `json:"retry_count"`
	AllowConcurrent bool         `json:"allow_concurrent"`
	LastRunAt       *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time   `json:"next_run_at,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// TriggeredBy records what caused a scheduled run to dispatch.
type TriggeredBy string

// Trigger sources.
const (
	TriggeredByScheduler TriggeredBy = "scheduler"
	TriggeredByManual    TriggeredBy = "manual"
	TriggeredByEvent     TriggeredBy = "event"
)

// ScheduledRun links one dispatch of a scheduled action to the background
// task it spawned. Status mirrors the task's terminal status.
type ScheduledRun struct {
	ID          int64         `json:"id"`
	ActionID    int64         `json:"action_id"`
	TaskID      int64         `json:"task_id"`
	RunNumber   int           `json:"run_number"`
	TriggeredAt time.Time     `json:"triggered_at"`
	TriggeredBy TriggeredBy   `json:"triggered_by"`
	Status      TaskStatus    `json:"status"`
	Duration    time.Duration `json:"duration_ms"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// CreateScheduledActionRequest contains fields for registering an action.
type CreateScheduledActionRequest struct {
	AgentID         int64        `json:"agent_id"`
	Name            string       `json:"name"`
	Goal            string       `json:"goal"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	CronExpression  string       `json:"cron_expression,omitempty"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	FireAt          *time.Time   `json:"fire_at,omitempty"`
	EventName       string       `json:"event_name,omitempty"`
	StartDate       *time.Time   `json:"start_date,omitempty"`
	EndDate         *time.Time   `json:"end_date,omitempty"`
	MaxExecutions   int          `json:"max_executions,omitempty"`
	MaxSteps        int          `json:"max_steps,omitempty"`
	TimeoutSeconds  int          `json:"timeout_seconds,omitempty"`
	RetryOnFailure  bool         `json:"retry_on_failure"`
	MaxRetries      int          `json:"max_retries"`
	AllowConcurrent bool         `json:"allow_concurrent"`
	Tags            []string     `json:"tags,omitempty"`
}
