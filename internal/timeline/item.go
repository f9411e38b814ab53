// Package timeline folds run events and persisted messages into the ordered
// list of items a client renders.
package timeline

import (
	"encoding/json"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Kind is what an item renders as.
type Kind string

const (
	KindReasoning        Kind = "reasoning"
	KindTool             Kind = "tool"
	KindAssistantMessage Kind = "assistant-message"
	KindUserMessage      Kind = "user-message"
	KindApproval         Kind = "approval"
	// KindRunStatus marks a run that ended without completing.
	KindRunStatus Kind = "run-status"
)

// Status is the display state of an item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Lane groups items visually.
type Lane string

const (
	LaneUser      Lane = "user"
	LaneReasoning Lane = "reasoning"
	LaneTool      Lane = "tool"
	LaneAssistant Lane = "assistant"
	LaneControl   Lane = "control"
)

// Intent says why an item exists.
type Intent string

const (
	IntentExecution       Intent = "execution"
	IntentApprovalControl Intent = "approval-control"
	IntentReasoning       Intent = "reasoning"
	IntentMessage         Intent = "message"
	IntentUnknownControl  Intent = "unknown-control"
)

// Approval decisions as displayed.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Item is one rendered entry. ID is stable across reductions.
type Item struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Lane   Lane   `json:"lane"`
	Intent Intent `json:"intent"`
	Status Status `json:"status"`
	RunID  string `json:"run_id,omitempty"`

	Content string `json:"content,omitempty"`

	ToolCallID    string          `json:"tool_call_id,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	EffectiveArgs json.RawMessage `json:"effective_args,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ApprovalID    string          `json:"approval_id,omitempty"`
	Decision      string          `json:"decision,omitempty"`

	Usage *domain.Usage `json:"usage,omitempty"`
	Model string        `json:"model,omitempty"`

	RunStatus domain.RunStatus `json:"run_status,omitempty"`
	Code      domain.RunCode   `json:"code,omitempty"`

	Sequence     int64     `json:"sequence,omitempty"`
	DisplayOrder int64     `json:"display_order,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// displayDecision maps an event decision to its displayed form.
func displayDecision(d domain.Decision) string {
	switch d {
	case domain.DecisionApprove, domain.DecisionEdit:
		return DecisionApproved
	case domain.DecisionReject:
		return DecisionRejected
	}
	return DecisionPending
}
