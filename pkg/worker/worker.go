// Package worker defines the contract between the orchestrator and the
// LLM-backed execution layer, plus an HTTP client for any
// OpenAI-compatible endpoint.
package worker

import (
	"context"
	"time"

	"github.com/quorumhq/quorum/pkg/models"
)

// CompleteSentinel is the literal marker a worker emits in its output
// when it considers the goal achieved. The executor checks for it in
// addition to asking IsGoalComplete.
const CompleteSentinel = "[COMPLETE]"

// ToolCall records one tool invocation made while executing an action.
type ToolCall struct {
	Name     string        `json:"name"`
	Input    string        `json:"input"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

// ActionResult is the outcome of executing one planned action.
// Error carries a worker-level failure as data rather than a Go error:
// the executor records it in the step output and keeps looping.
type ActionResult struct {
	Output    string     `json:"output"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Tokens    int        `json:"tokens"`
	Error     string     `json:"error,omitempty"`
}

// Worker is the execution backend for one agent. Implementations must
// honor context cancellation on every call; transient transport errors
// are retried inside ExecuteAction and Embed, not by the caller.
type Worker interface {
	// Plan produces the next action text for a goal given the current
	// task state.
	Plan(ctx context.Context, goal string, state map[string]any) (string, int, error)
	// ExecuteAction carries out a planned action and reports its output
	// and any tool invocations.
	ExecuteAction(ctx context.Context, action, goal string) (*ActionResult, error)
	// IsGoalComplete judges whether the goal is achieved given the
	// accumulated state.
	IsGoalComplete(ctx context.Context, goal string, state map[string]any) (bool, error)
	// Chat sends a single prompt with optional context and returns the
	// response text.
	Chat(ctx context.Context, prompt string, context map[string]any) (string, error)
	// Embed computes the embedding vector for a text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Resolver maps an agent to the Worker that executes on its behalf.
type Resolver interface {
	Resolve(ctx context.Context, agent *models.Agent) (Worker, error)
}

// StaticResolver returns the same worker for every agent. Sufficient
// for single-endpoint deployments; per-provider routing slots in here.
type StaticResolver struct {
	Worker Worker
}

// Resolve implements Resolver.
func (r StaticResolver) Resolve(_ context.Context, _ *models.Agent) (Worker, error) {
	return r.Worker, nil
}
