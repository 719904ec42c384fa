package models

import "time"

// MemoryScope widens a memory's visibility beyond its owning agent.
type MemoryScope string

// Memory scopes.
const (
	ScopeAgent   MemoryScope = "agent"
	ScopeCircle  MemoryScope = "circle"
	ScopeProject MemoryScope = "project"
	ScopeGlobal  MemoryScope = "global"
)

// RequiresScopeID reports whether the scope needs a scope_id (circle or
// project reference).
func (s MemoryScope) RequiresScopeID() bool {
	return s == ScopeCircle || s == ScopeProject
}

// MemoryType classifies a knowledge unit.
type MemoryType string

// Memory types.
const (
	MemoryTypeFact       MemoryType = "fact"
	MemoryTypePreference MemoryType = "preference"
	MemoryTypeDecision   MemoryType = "decision"
	MemoryTypeLearning   MemoryType = "learning"
	MemoryTypeError      MemoryType = "error"
	MemoryTypeFeedback   MemoryType = "feedback"
)

// Memory is a durable knowledge unit with a vector embedding. Deletion
// is soft: forgotten memories are excluded from recall but kept.
type Memory struct {
	ID          int64       `json:"id"`
	AgentID     int64       `json:"agent_id"`
	Scope       MemoryScope `json:"scope"`
	ScopeID     *int64      `json:"scope_id,omitempty"`
	Content     string      `json:"content"`
	Embedding   []float32   `json:"-"`
	Importance  float64     `json:"importance"`
	AccessCount int         `json:"access_count"`
	Tags        []string    `json:"tags,omitempty"`
	Type        MemoryType  `json:"type"`
	Forgotten   bool        `json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ScoredMemory is a recall result with its cosine similarity to the query.
type ScoredMemory struct {
	Memory
	Similarity float64 `json:"similarity"`
}
