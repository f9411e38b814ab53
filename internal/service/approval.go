package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xiaot623/agentrun/internal/domain"
)

// DecideApproval applies a decision to the pending approval of a run and
// resumes its execution task.
func (s *Service) DecideApproval(ctx context.Context, req domain.DecideRequest) (*domain.Approval, error) {
	ctx, span := s.tracer.Start(ctx, "approval.decide", trace.WithAttributes(
		attribute.String("run_id", req.RunID),
		attribute.String("approval_id", req.ApprovalID),
		attribute.String("decision", string(req.Decision)),
	))
	defer span.End()

	ap, err := s.decideApproval(ctx, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return ap, nil
}

func (s *Service) decideApproval(ctx context.Context, req domain.DecideRequest) (*domain.Approval, error) {
	const op = "approval.decide"

	rs, ok := s.lookup(req.RunID)
	if !ok {
		run, err := s.store.GetRun(ctx, req.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}
		if run == nil {
			return nil, domain.NotFound(op, "run %s", req.RunID)
		}
		if req.ScopeProjectID != "" && req.ScopeProjectID != run.ProjectID {
			return nil, domain.ScopeMismatch(op, "run %s belongs to another project", req.RunID)
		}
		return nil, domain.InvalidState(op, "run %s is %s", req.RunID, run.Status)
	}

	run := rs.snapshot()
	if req.ScopeProjectID != "" && req.ScopeProjectID != run.ProjectID {
		return nil, domain.ScopeMismatch(op, "run %s belongs to another project", req.RunID)
	}
	if run.Status.Terminal() || run.Status == domain.RunStatusCancellationRequested {
		return nil, domain.InvalidState(op, "run %s is %s", req.RunID, run.Status)
	}

	var ap domain.Approval
	live, err := rs.whileLive(func() error {
		var err error
		ap, err = s.gate.Decide(ctx, req.RunID, req.ApprovalID, req.Decision, req.EditedArgs)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, domain.InvalidState(op, "run %s is %s", req.RunID, rs.status())
	}
	s.metrics.ApprovalDecided(ctx, string(req.Decision))
	s.logger.Info("approval decided",
		zap.String("run_id", req.RunID),
		zap.String("approval_id", req.ApprovalID),
		zap.String("decision", string(req.Decision)))
	return &ap, nil
}

// ListPendingApprovals returns the approvals a run is waiting on.
func (s *Service) ListPendingApprovals(ctx context.Context, runID, scopeProjectID string) ([]domain.Approval, error) {
	const op = "approval.list"

	if rs, ok := s.lookup(runID); ok {
		run := rs.snapshot()
		if scopeProjectID != "" && scopeProjectID != run.ProjectID {
			return nil, domain.ScopeMismatch(op, "run %s belongs to another project", runID)
		}
		return s.gate.Pending(runID), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.NotFound(op, "run %s", runID)
	}
	if scopeProjectID != "" && scopeProjectID != run.ProjectID {
		return nil, domain.ScopeMismatch(op, "run %s belongs to another project", runID)
	}
	// A run outside the registry has no task left to resume.
	return []domain.Approval{}, nil
}
