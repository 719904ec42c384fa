package models

import "time"

// ModelRef identifies the LLM backing an agent.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Agent is a persistent worker identity. Deactivation is soft: an
// inactive agent keeps its rows but is excluded from routing.
type Agent struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	Persona         string    `json:"persona,omitempty"`
	Traits          []string  `json:"traits,omitempty"`
	Specializations []string  `json:"specializations,omitempty"`
	Language        string    `json:"language,omitempty"`
	Model           ModelRef  `json:"model"`
	Active          bool      `json:"active"`
	TasksCompleted  int       `json:"tasks_completed"`
	AvgQuality      float64   `json:"avg_quality"`
	ApprovalRate    float64   `json:"approval_rate"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AgentMetricsDelta is applied to an agent's aggregates after a task
// reaches a terminal state.
type AgentMetricsDelta struct {
	TasksCompleted int
	Quality        float64
	Approved       *bool
}
