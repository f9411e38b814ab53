package domain

import "time"

// Run represents a single execution of an agent task.
type Run struct {
	RunID          string     `json:"run_id"`
	ConversationID string     `json:"conversation_id"`
	ProjectID      string     `json:"scope_project_id"`
	Engine         string     `json:"runtime_engine"`
	Status         RunStatus  `json:"status"`
	Code           RunCode    `json:"code,omitempty"`
	TimeoutMs      int64      `json:"timeout_ms,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Conversation groups messages and the runs they triggered.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	ProjectID      string    `json:"project_id"`
	Title          string    `json:"title,omitempty"`
	ActiveRunID    string    `json:"active_run_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is a persisted conversation message.
type Message struct {
	MessageID      string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	RunID          string    `json:"run_id,omitempty"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	DisplayOrder   int64     `json:"display_order,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
