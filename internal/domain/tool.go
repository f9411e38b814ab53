package domain

import (
	"encoding/json"
	"time"
)

// ToolCall is a single tool invocation requested by a runtime engine.
type ToolCall struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
}

// ToolResult is the outcome of executing a tool call.
type ToolResult struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Approval represents an approval request for a sensitive tool call.
type Approval struct {
	ApprovalID    string          `json:"approval_id"`
	RunID         string          `json:"run_id"`
	ToolCallID    string          `json:"tool_call_id"`
	ToolName      string          `json:"tool_name"`
	Status        ApprovalStatus  `json:"status"`
	RequestedArgs json.RawMessage `json:"requested_args"`
	EditedArgs    json.RawMessage `json:"edited_args,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
}
