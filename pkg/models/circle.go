package models

import "time"

// CircleStatus is the runtime state of a circle.
type CircleStatus string

// Circle statuses.
const (
	CircleStatusStopped  CircleStatus = "stopped"
	CircleStatusStarting CircleStatus = "starting"
	CircleStatusRunning  CircleStatus = "running"
	CircleStatusStopping CircleStatus = "stopping"
)

// Circle is a named team of agents sharing a context, optionally bound
// to an external project. Circles hold membership references only;
// agents are never owned by a circle.
type Circle struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	Status        CircleStatus `json:"status"`
	AutoRoute     bool         `json:"auto_route"`
	RequireReview bool         `json:"require_review"`
	ProjectID     *int64       `json:"project_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// CircleMember is one agent's membership in a circle, in insertion order.
type CircleMember struct {
	CircleID          int64     `json:"circle_id"`
	AgentID           int64     `json:"agent_id"`
	Position          int       `json:"position"`
	Competencies      []string  `json:"competencies,omitempty"`
	ReviewableDomains []string  `json:"reviewable_domains,omitempty"`
	JoinedAt          time.Time `json:"joined_at"`
}

// CircleMemberInfo joins membership with the agent's display fields for
// API responses.
type CircleMemberInfo struct {
	CircleMember
	AgentName string `json:"agent_name"`
	AgentRole string `json:"agent_role"`
	Active    bool   `json:"active"`
}
