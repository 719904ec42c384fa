package models

import "time"

// PipelineStatus is the definition-level state of a pipeline.
type PipelineStatus string

// Pipeline statuses.
const (
	PipelineStatusActive PipelineStatus = "active"
	PipelineStatusPaused PipelineStatus = "paused"
	PipelineStatusDraft  PipelineStatus = "draft"
)

// NodeType enumerates the pipeline node kinds.
type NodeType string

// Node types.
const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAgent     NodeType = "agent"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeParallel  NodeType = "parallel"
	NodeTypeDelay     NodeType = "delay"
)

// Edge labels for condition branches.
const (
	EdgeLabelTrue  = "true"
	EdgeLabelFalse = "false"
)

// PipelineNode is one unit of pipeline work. Config is interpreted per
// node type (prompt for agent nodes, action name for action nodes,
// duration for delay nodes, predicate for condition nodes).
type PipelineNode struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// PipelineEdge connects two nodes. Label carries the condition branch
// ("true"/"false") when the source node is a condition.
type PipelineEdge struct {
	FromNode string `json:"from_node"`
	ToNode   string `json:"to_node"`
	Label    string `json:"label,omitempty"`
}

// Pipeline is a DAG of nodes executed by the pipeline engine.
type Pipeline struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Status         PipelineStatus `json:"status"`
	Nodes          []PipelineNode `json:"nodes"`
	Edges          []PipelineEdge `json:"edges"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	TotalRuns      int            `json:"total_runs"`
	SuccessfulRuns int            `json:"successful_runs"`
	AvgDurationMS  int64          `json:"avg_duration_ms"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Node returns the node with the given id, or nil.
func (p *Pipeline) Node(id string) *PipelineNode {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

// Pipeline run statuses.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimedOut  RunStatus = "timeout"
)

// IsTerminal reports whether the run status is absorbing.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	}
	return false
}

// NodeState is the per-node execution state within a run.
type NodeState string

// Node states.
const (
	NodeStatePending   NodeState = "pending"
	NodeStateRunning   NodeState = "running"
	NodeStateSucceeded NodeState = "succeeded"
	NodeStateFailed    NodeState = "failed"
	NodeStateSkipped   NodeState = "skipped"
)

// IsTerminal reports whether a node state counts as settled for
// successor readiness (skipped counts as satisfied).
func (s NodeState) IsTerminal() bool {
	return s == NodeStateSucceeded || s == NodeStateFailed || s == NodeStateSkipped
}

// PipelineRun is one execution instance of a pipeline.
type PipelineRun struct {
	ID         int64                `json:"id"`
	PipelineID int64                `json:"pipeline_id"`
	Status     RunStatus            `json:"status"`
	NodeStates map[string]NodeState `json:"node_states"`
	Trigger    map[string]any       `json:"trigger,omitempty"`
	Error      string               `json:"error,omitempty"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

// CreatePipelineRequest contains fields for registering a pipeline.
type CreatePipelineRequest struct {
	Name           string         `json:"name"`
	Status         PipelineStatus `json:"status,omitempty"`
	Nodes          []PipelineNode `json:"nodes"`
	Edges          []PipelineEdge `json:"edges"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}
