// Package rpc exposes the run operations over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/service"
)

// Server exposes internal RPC endpoints for trusted clients.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *zap.Logger
	ready     chan struct{}
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the orchestrator service.
func NewServer(svc *service.Service, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName("Orchestrator", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	close(s.ready)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept failed", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Addr blocks until Start is listening and returns the bound address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		return s.listener.Addr(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements orchestrator RPC methods.
type Handler struct {
	service *service.Service
}

// RunQuery identifies a run within a project scope.
type RunQuery struct {
	RunID          string `json:"run_id"`
	ScopeProjectID string `json:"scope_project_id"`
}

// ListEventsArgs pages through stored events.
type ListEventsArgs struct {
	RunID         string `json:"run_id"`
	AfterSequence int64  `json:"after_sequence"`
	Limit         int    `json:"limit"`
}

// rpcError flattens err into a message that keeps its code as a prefix,
// e.g. "not_found: run.result: not found: run run_1".
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(domain.Code(err) + ": " + err.Error())
}

// CodeOf extracts the code prefix from an RPC error message.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	code, _, ok := strings.Cut(err.Error(), ": ")
	if !ok {
		return "internal"
	}
	return code
}

// StartRun starts a run.
func (h *Handler) StartRun(req *domain.StartRunRequest, resp *domain.StartRunResponse) error {
	if req == nil {
		return rpcError(domain.InvalidArgument("run.start", "request is required"))
	}

	result, err := h.service.StartRun(context.Background(), *req)
	if err != nil {
		return rpcError(err)
	}
	*resp = *result
	return nil
}

// CancelRun asks a run to stop.
func (h *Handler) CancelRun(req *domain.CancelRunRequest, resp *domain.CancelRunResponse) error {
	if req == nil || req.RunID == "" {
		return rpcError(domain.InvalidArgument("run.cancel", "run_id is required"))
	}

	result, err := h.service.CancelRun(context.Background(), *req)
	if err != nil {
		return rpcError(err)
	}
	*resp = *result
	return nil
}

// GetRunResult reports the status of a run.
func (h *Handler) GetRunResult(req *RunQuery, resp *domain.RunResult) error {
	if req == nil || req.RunID == "" {
		return rpcError(domain.InvalidArgument("run.result", "run_id is required"))
	}

	result, err := h.service.GetRunResult(context.Background(), req.RunID, req.ScopeProjectID)
	if err != nil {
		return rpcError(err)
	}
	*resp = *result
	return nil
}

// DecideApproval records an approval decision.
func (h *Handler) DecideApproval(req *domain.DecideRequest, resp *domain.Approval) error {
	if req == nil || req.RunID == "" || req.ApprovalID == "" {
		return rpcError(domain.InvalidArgument("approval.decide", "run_id and approval_id are required"))
	}
	req.Decision = normalizeDecision(req.Decision)

	result, err := h.service.DecideApproval(context.Background(), *req)
	if err != nil {
		return rpcError(err)
	}
	*resp = *result
	return nil
}

// ListPendingApprovals lists the approvals a run waits on.
func (h *Handler) ListPendingApprovals(req *RunQuery, resp *domain.ListApprovalsResponse) error {
	if req == nil || req.RunID == "" {
		return rpcError(domain.InvalidArgument("approval.list", "run_id is required"))
	}

	approvals, err := h.service.ListPendingApprovals(context.Background(), req.RunID, req.ScopeProjectID)
	if err != nil {
		return rpcError(err)
	}
	resp.Approvals = approvals
	return nil
}

// ListRunEvents returns stored events after a sequence.
func (h *Handler) ListRunEvents(req *ListEventsArgs, resp *domain.ListEventsResponse) error {
	if req == nil || req.RunID == "" {
		return rpcError(domain.InvalidArgument("events.list", "run_id is required"))
	}

	events, err := h.service.ListRunEvents(context.Background(), req.RunID, req.AfterSequence, req.Limit)
	if err != nil {
		return rpcError(err)
	}
	resp.Events = events
	return nil
}

func normalizeDecision(decision domain.Decision) domain.Decision {
	switch strings.ToLower(strings.TrimSpace(string(decision))) {
	case "approve", "approved":
		return domain.DecisionApprove
	case "reject", "rejected":
		return domain.DecisionReject
	case "edit", "edited":
		return domain.DecisionEdit
	default:
		return decision
	}
}
