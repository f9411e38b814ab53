// Package domain defines the core domain models for the run orchestrator.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusRunning               RunStatus = "running"
	RunStatusPausedForApproval     RunStatus = "paused_for_approval"
	RunStatusCancellationRequested RunStatus = "cancellation_requested"
	RunStatusCompleted             RunStatus = "completed"
	RunStatusCancelled             RunStatus = "cancelled"
	RunStatusTimedOut              RunStatus = "timed_out"
	// RunStatusFailed is reached when the execution task hits an internal error.
	RunStatusFailed RunStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCancelled, RunStatusTimedOut, RunStatusFailed:
		return true
	}
	return false
}

// RunCode is the terminal reason carried by run.end for non-normal termination.
type RunCode string

const (
	RunCodeUserCancelled    RunCode = "user_cancelled"
	RunCodeApprovalRejected RunCode = "approval_rejected"
	RunCodeTimeout          RunCode = "timeout"
	RunCodeInternalError    RunCode = "internal_error"
)

// EventType represents the type of an event.
type EventType string

const (
	EventTypeRun       EventType = "run"
	EventTypeMessage   EventType = "message"
	EventTypeReasoning EventType = "reasoning"
	EventTypeTool      EventType = "tool"
)

// EventSubtype represents the subtype of an event.
type EventSubtype string

const (
	SubtypeStart EventSubtype = "start"
	SubtypeChunk EventSubtype = "chunk"
	SubtypeFinal EventSubtype = "final"
	SubtypeEnd   EventSubtype = "end"
)

// Phase tags reasoning events with their position inside an LLM call span.
type Phase string

const (
	PhaseLLMStart     Phase = "llm_start"
	PhaseLLMReasoning Phase = "llm_reasoning"
	PhaseLLMUsage     Phase = "llm_usage"
	PhaseLLMEnd       Phase = "llm_end"
)

// ApprovalStatus represents the status of an approval.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusEdited   ApprovalStatus = "edited"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Decision is an external verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionEdit    Decision = "edit"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionEdit:
		return true
	}
	return false
}

// ApprovalStatus maps a decision to the approval status it produces.
func (d Decision) ApprovalStatus() ApprovalStatus {
	switch d {
	case DecisionApprove:
		return ApprovalStatusApproved
	case DecisionReject:
		return ApprovalStatusRejected
	case DecisionEdit:
		return ApprovalStatusEdited
	}
	return ApprovalStatusPending
}

// Role is the author of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)
