// Package bus provides the in-process typed event bus: filtered
// subscriptions, concurrent delivery with per-handler error isolation,
// and a bounded ring-buffer history.
package bus

import "time"

// Type identifies an event kind on the bus. The constants below are the
// wire contract for bus consumers and WebSocket clients.
type Type string

// Agent and circle events.
const (
	TypeAgentStarted       Type = "agent.started"
	TypeAgentTaskCompleted Type = "agent.task.completed"
	TypeAgentToolExecuted  Type = "agent.tool.executed"
	TypeCircleCreated      Type = "circle.created"
	TypeCircleMemberAdded  Type = "circle.member.added"
)

// Memory and conversation events.
const (
	TypeMemoryCreated       Type = "memory.created"
	TypeMemoryShared        Type = "memory.shared"
	TypeConversationMessage Type = "conversation.message"
	TypeSystemError         Type = "system.error"
)

// Task events (circle-level task routing).
const (
	TypeTaskCreated          Type = "task.created"
	TypeTaskStarted          Type = "task.started"
	TypeTaskCompleted        Type = "task.completed"
	TypeTaskFailed           Type = "task.failed"
	TypeTaskConflictDetected Type = "task.conflict.detected"
)

// Background task lifecycle events.
const (
	TypeBackgroundTaskCreated    Type = "background_task.created"
	TypeBackgroundTaskStarted    Type = "background_task.started"
	TypeBackgroundTaskStep       Type = "background_task.step"
	TypeBackgroundTaskCheckpoint Type = "background_task.checkpoint"
	TypeBackgroundTaskCompleted  Type = "background_task.completed"
	TypeBackgroundTaskFailed     Type = "background_task.failed"
	TypeBackgroundTaskCancelled  Type = "background_task.cancelled"
	TypeBackgroundTaskPaused     Type = "background_task.paused"
	TypeBackgroundTaskResumed    Type = "background_task.resumed"
)

// Scheduled action lifecycle events.
const (
	TypeScheduledActionTriggered Type = "scheduled_action.triggered"
	TypeScheduledActionStarted   Type = "scheduled_action.started"
	TypeScheduledActionCompleted Type = "scheduled_action.completed"
	TypeScheduledActionFailed    Type = "scheduled_action.failed"
	TypeScheduledActionPaused    Type = "scheduled_action.paused"
	TypeScheduledActionResumed   Type = "scheduled_action.resumed"
	TypeScheduledActionExpired   Type = "scheduled_action.expired"
)

// Pipeline lifecycle events.
const (
	TypePipelineRunStarted    Type = "pipeline.run.started"
	TypePipelineNodeStarted   Type = "pipeline.node.started"
	TypePipelineNodeSucceeded Type = "pipeline.node.succeeded"
	TypePipelineNodeFailed    Type = "pipeline.node.failed"
	TypePipelineNodeSkipped   Type = "pipeline.node.skipped"
	TypePipelineRunSucceeded  Type = "pipeline.run.succeeded"
	TypePipelineRunFailed     Type = "pipeline.run.failed"
	TypePipelineRunCancelled  Type = "pipeline.run.cancelled"
	TypePipelineRunTimedOut   Type = "pipeline.run.timeout"
)

// BackgroundTaskTerminalTypes lists the terminal background task events,
// in no particular order. The scheduler watches these to close out runs.
var BackgroundTaskTerminalTypes = []Type{
	TypeBackgroundTaskCompleted,
	TypeBackgroundTaskFailed,
	TypeBackgroundTaskCancelled,
}

// Event is an immutable message. IDs are unique; timestamps are UTC and
// non-decreasing per publisher.
type Event struct {
	ID            string         `json:"event_id"`
	Type          Type           `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
	SourceAgentID *int64         `json:"source_agent_id,omitempty"`
	CircleID      *int64         `json:"circle_id,omitempty"`
	ProjectID     *int64         `json:"project_id,omitempty"`
}
