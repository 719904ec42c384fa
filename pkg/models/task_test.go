package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{"pending to running", TaskStatusPending, TaskStatusRunning, true},
		{"pending to cancelled", TaskStatusPending, TaskStatusCancelled, true},
		{"pending to failed", TaskStatusPending, TaskStatusFailed, true},
		{"pending to completed", TaskStatusPending, TaskStatusCompleted, false},
		{"pending to paused", TaskStatusPending, TaskStatusPaused, false},
		{"running to paused", TaskStatusRunning, TaskStatusPaused, true},
		{"running to completed", TaskStatusRunning, TaskStatusCompleted, true},
		{"running to failed", TaskStatusRunning, TaskStatusFailed, true},
		{"running to cancelled", TaskStatusRunning, TaskStatusCancelled, true},
		{"running to timeout", TaskStatusRunning, TaskStatusTimedOut, true},
		{"running to pending", TaskStatusRunning, TaskStatusPending, false},
		{"paused to running", TaskStatusPaused, TaskStatusRunning, true},
		{"paused to cancelled", TaskStatusPaused, TaskStatusCancelled, true},
		{"paused to completed", TaskStatusPaused, TaskStatusCompleted, false},
		{"completed is absorbing", TaskStatusCompleted, TaskStatusRunning, false},
		{"failed is absorbing", TaskStatusFailed, TaskStatusRunning, false},
		{"cancelled is absorbing", TaskStatusCancelled, TaskStatusRunning, false},
		{"timeout is absorbing", TaskStatusTimedOut, TaskStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimedOut}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusPaused}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestMemoryScopeRequiresScopeID(t *testing.T) {
	assert.False(t, ScopeAgent.RequiresScopeID())
	assert.True(t, ScopeCircle.RequiresScopeID())
	assert.True(t, ScopeProject.RequiresScopeID())
	assert.False(t, ScopeGlobal.RequiresScopeID())
}

func TestNodeStateIsTerminal(t *testing.T) {
	assert.True(t, NodeStateSucceeded.IsTerminal())
	assert.True(t, NodeStateFailed.IsTerminal())
	assert.True(t, NodeStateSkipped.IsTerminal())
	assert.False(t, NodeStatePending.IsTerminal())
	assert.False(t, NodeStateRunning.IsTerminal())
}
