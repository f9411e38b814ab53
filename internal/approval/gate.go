// Package approval tracks approval requests for sensitive tool calls and
// hands decisions to the suspended run.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Store persists approvals.
type Store interface {
	CreateApproval(ctx context.Context, approval *domain.Approval) error
	GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error)
	UpdateApprovalDecision(ctx context.Context, approval *domain.Approval) error
}

// Verdict is a decision delivered to the waiting run.
type Verdict struct {
	Decision domain.Decision
	// Args are the effective arguments: requested args on approve, edited
	// args on edit, nil on reject.
	Args json.RawMessage
}

type entry struct {
	approval domain.Approval
	verdict  chan Verdict
}

// Gate holds the approvals of all live runs. A run has at most one pending
// approval at a time.
type Gate struct {
	store Store
	now   func() time.Time

	mu        sync.Mutex
	approvals map[string]*entry
	byRun     map[string][]string
	pending   map[string]string
}

// NewGate creates a gate. store may be nil for an in-memory gate.
func NewGate(store Store) *Gate {
	return &Gate{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		approvals: make(map[string]*entry),
		byRun:     make(map[string][]string),
		pending:   make(map[string]string),
	}
}

// Request registers a pending approval for a tool call of runID.
func (g *Gate) Request(ctx context.Context, runID, toolCallID, toolName string, args json.RawMessage) (domain.Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.pending[runID]; ok {
		return domain.Approval{}, domain.InvalidState("approval.request", "run %s already waits on approval %s", runID, existing)
	}

	ap := domain.Approval{
		ApprovalID:    "ap_" + uuid.New().String(),
		RunID:         runID,
		ToolCallID:    toolCallID,
		ToolName:      toolName,
		Status:        domain.ApprovalStatusPending,
		RequestedArgs: args,
		CreatedAt:     g.now(),
	}
	if g.store != nil {
		if err := g.store.CreateApproval(ctx, &ap); err != nil {
			return domain.Approval{}, fmt.Errorf("create approval: %w", err)
		}
	}

	g.approvals[ap.ApprovalID] = &entry{approval: ap, verdict: make(chan Verdict, 1)}
	g.byRun[runID] = append(g.byRun[runID], ap.ApprovalID)
	g.pending[runID] = ap.ApprovalID
	return ap, nil
}

// Wait blocks until approvalID is decided or ctx is done. A verdict delivered
// before ctx ended wins.
func (g *Gate) Wait(ctx context.Context, approvalID string) (Verdict, error) {
	g.mu.Lock()
	e, ok := g.approvals[approvalID]
	g.mu.Unlock()
	if !ok {
		return Verdict{}, domain.NotFound("approval.wait", "approval %s", approvalID)
	}

	select {
	case v := <-e.verdict:
		return v, nil
	case <-ctx.Done():
		select {
		case v := <-e.verdict:
			return v, nil
		default:
		}
		return Verdict{}, ctx.Err()
	}
}

// Decide applies decision to the pending approval approvalID of runID.
func (g *Gate) Decide(ctx context.Context, runID, approvalID string, decision domain.Decision, editedArgs json.RawMessage) (domain.Approval, error) {
	const op = "approval.decide"
	if !decision.Valid() {
		return domain.Approval{}, domain.InvalidArgument(op, "unknown decision %q", decision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.approvals[approvalID]
	if !ok || e.approval.RunID != runID {
		return domain.Approval{}, g.missing(ctx, op, runID, approvalID)
	}
	if e.approval.Status != domain.ApprovalStatusPending {
		return domain.Approval{}, domain.InvalidState(op, "approval %s is %s", approvalID, e.approval.Status)
	}

	verdict := Verdict{Decision: decision}
	switch decision {
	case domain.DecisionApprove:
		verdict.Args = e.approval.RequestedArgs
	case domain.DecisionEdit:
		if len(editedArgs) == 0 || string(editedArgs) == "null" {
			return domain.Approval{}, domain.InvalidArgument(op, "edit requires edited_args")
		}
		if !json.Valid(editedArgs) {
			return domain.Approval{}, domain.InvalidArgument(op, "edited_args is not valid JSON")
		}
		verdict.Args = editedArgs
	}

	decided := e.approval
	now := g.now()
	decided.Status = decision.ApprovalStatus()
	decided.DecidedAt = &now
	if decision == domain.DecisionEdit {
		decided.EditedArgs = editedArgs
	}
	if g.store != nil {
		if err := g.store.UpdateApprovalDecision(ctx, &decided); err != nil {
			return domain.Approval{}, fmt.Errorf("update approval: %w", err)
		}
	}

	e.approval = decided
	delete(g.pending, runID)
	e.verdict <- verdict
	return decided, nil
}

// missing reports an approval unknown to the live gate. Approvals of reaped
// runs may still be on disk; those are decided already.
func (g *Gate) missing(ctx context.Context, op, runID, approvalID string) error {
	if g.store != nil {
		ap, err := g.store.GetApproval(ctx, approvalID)
		if err != nil {
			return fmt.Errorf("get approval: %w", err)
		}
		if ap != nil && ap.RunID == runID && ap.Status != domain.ApprovalStatusPending {
			return domain.InvalidState(op, "approval %s is %s", approvalID, ap.Status)
		}
	}
	return domain.NotFound(op, "approval %s on run %s", approvalID, runID)
}

// Expire marks the pending approval of runID expired. It is called when the
// run stops while waiting, so later decisions are refused.
func (g *Gate) Expire(ctx context.Context, runID string) (domain.Approval, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.pending[runID]
	if !ok {
		return domain.Approval{}, false, nil
	}
	e := g.approvals[id]
	expired := e.approval
	now := g.now()
	expired.Status = domain.ApprovalStatusExpired
	expired.DecidedAt = &now
	if g.store != nil {
		if err := g.store.UpdateApprovalDecision(ctx, &expired); err != nil {
			return domain.Approval{}, false, fmt.Errorf("expire approval: %w", err)
		}
	}
	e.approval = expired
	delete(g.pending, runID)
	return expired, true, nil
}

// Pending returns the pending approvals of runID.
func (g *Gate) Pending(runID string) []domain.Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.pending[runID]
	if !ok {
		return []domain.Approval{}
	}
	return []domain.Approval{g.approvals[id].approval}
}

// Get returns a live approval by id.
func (g *Gate) Get(approvalID string) (domain.Approval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.approvals[approvalID]
	if !ok {
		return domain.Approval{}, false
	}
	return e.approval, true
}

// Forget drops every approval of runID from memory.
func (g *Gate) Forget(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.byRun[runID] {
		delete(g.approvals, id)
	}
	delete(g.byRun, runID)
	delete(g.pending, runID)
}
