package domain

import "encoding/json"

// StartRunRequest represents the request to start a run.
type StartRunRequest struct {
	Question       string `json:"question"`
	ScopeProjectID string `json:"scope_project_id"`
	RuntimeEngine  string `json:"runtime_engine,omitempty"`
	TimeoutMs      int64  `json:"timeout_ms,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// StartRunResponse represents the response after starting a run.
type StartRunResponse struct {
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id"`
}

// CancelRunRequest represents a request to cancel a run.
type CancelRunRequest struct {
	RunID          string `json:"run_id"`
	Reason         string `json:"reason"`
	ScopeProjectID string `json:"scope_project_id"`
}

// CancelRunResponse reports the run status after a cancel request.
type CancelRunResponse struct {
	Status RunStatus `json:"status"`
}

// DecideRequest represents a decision on a pending approval.
type DecideRequest struct {
	RunID          string          `json:"run_id"`
	ApprovalID     string          `json:"approval_id"`
	Decision       Decision        `json:"decision"`
	EditedArgs     json.RawMessage `json:"edited_args,omitempty"`
	ScopeProjectID string          `json:"scope_project_id,omitempty"`
}

// RunResult is the status view returned by result queries.
type RunResult struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
	Code   RunCode   `json:"code,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// ListApprovalsResponse wraps pending approvals for a run.
type ListApprovalsResponse struct {
	Approvals []Approval `json:"approvals"`
}

// ListEventsResponse wraps a page of stored events.
type ListEventsResponse struct {
	Events []Event `json:"events"`
}

// ListMessagesResponse wraps conversation messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}
