package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/engine"
	"github.com/xiaot623/agentrun/internal/eventlog"
)

// historyLimit caps the messages handed to an engine as context.
const historyLimit = 50

// StartRun validates req, registers the run and schedules its execution
// task. It returns as soon as the run is registered.
func (s *Service) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.StartRunResponse, error) {
	ctx, span := s.tracer.Start(ctx, "run.start",
		trace.WithAttributes(attribute.String("project_id", req.ScopeProjectID)))
	defer span.End()

	resp, err := s.startRun(ctx, req)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("run_id", resp.RunID))
	return resp, nil
}

func (s *Service) startRun(ctx context.Context, req domain.StartRunRequest) (*domain.StartRunResponse, error) {
	const op = "run.start"

	if limit := s.config.MaxQuestionBytes; limit > 0 && len(req.Question) > limit {
		return nil, domain.PayloadTooLarge(op, "question is %d bytes, limit is %d", len(req.Question), limit)
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, domain.InvalidArgument(op, "question is required")
	}
	if req.ScopeProjectID == "" {
		return nil, domain.InvalidArgument(op, "scope_project_id is required")
	}
	if req.TimeoutMs < 0 {
		return nil, domain.InvalidArgument(op, "timeout_ms must not be negative")
	}
	engineName := req.RuntimeEngine
	if engineName == "" {
		engineName = s.config.DefaultEngine
	}
	eng, err := s.engines.Get(engineName)
	if err != nil {
		return nil, domain.InvalidArgument(op, "%v", err)
	}

	now := s.now()
	conversationID := req.ConversationID
	if conversationID != "" {
		if err := s.claimConversation(ctx, op, conversationID, req.ScopeProjectID); err != nil {
			return nil, err
		}
	} else {
		conversationID = "conv_" + uuid.New().String()
		if err := s.store.CreateConversation(ctx, &domain.Conversation{
			ConversationID: conversationID,
			ProjectID:      req.ScopeProjectID,
			Title:          title(req.Question),
			CreatedAt:      now,
		}); err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		s.mu.Lock()
		s.starting[conversationID] = true
		s.mu.Unlock()
	}
	defer func() {
		s.mu.Lock()
		delete(s.starting, conversationID)
		s.mu.Unlock()
	}()

	history, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	orders, err := s.counter(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to seed display order: %w", err)
	}

	runID := "run_" + uuid.New().String()
	run := domain.Run{
		RunID:          runID,
		ConversationID: conversationID,
		ProjectID:      req.ScopeProjectID,
		Engine:         engineName,
		Status:         domain.RunStatusRunning,
		TimeoutMs:      req.TimeoutMs,
		CreatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, &run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	userMsg := domain.Message{
		MessageID:      "msg_" + uuid.New().String(),
		ConversationID: conversationID,
		RunID:          runID,
		Role:           domain.RoleUser,
		Content:        req.Question,
		DisplayOrder:   orders.Next(),
		CreatedAt:      now,
	}
	if err := s.store.AppendMessage(ctx, &userMsg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	if err := s.store.SetActiveRun(ctx, conversationID, runID); err != nil {
		return nil, fmt.Errorf("failed to set active run: %w", err)
	}

	session, err := eng.NewSession(ctx, engine.SessionRequest{
		RunID:    runID,
		Question: req.Question,
		History:  append(history, userMsg),
		Tools:    s.catalog.List(),
	})
	if err != nil {
		_ = s.store.UpdateRunCompleted(ctx, runID, domain.RunStatusFailed, domain.RunCodeInternalError, err.Error())
		_ = s.store.SetActiveRun(ctx, conversationID, "")
		return nil, fmt.Errorf("failed to create %s session: %w", engineName, err)
	}

	log := eventlog.New(runID, orders,
		eventlog.WithPersister(s.store),
		eventlog.WithBufferSize(s.config.StreamBufferSize),
		eventlog.WithMaxSubscribers(s.config.MaxStreamsPerRun),
	)
	rs := newRunState(run, log, req.Question)

	s.mu.Lock()
	s.runs[runID] = rs
	s.mu.Unlock()

	if req.TimeoutMs > 0 {
		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		rs.mu.Lock()
		rs.watchdog = time.AfterFunc(timeout, func() {
			if rs.requestStop(domain.RunStatusTimedOut, domain.RunCodeTimeout, "deadline exceeded") {
				s.logger.Info("run deadline exceeded", zap.String("run_id", runID), zap.Duration("timeout", timeout))
			}
		})
		rs.mu.Unlock()
	}

	s.metrics.RunStarted(ctx, engineName)
	s.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("conversation_id", conversationID),
		zap.String("engine", engineName),
		zap.Int64("timeout_ms", req.TimeoutMs))

	s.wg.Add(1)
	go s.execute(rs, session, engineName)

	return &domain.StartRunResponse{RunID: runID, ConversationID: conversationID}, nil
}

// claimConversation checks that an existing conversation may take a new run
// and holds it until the run is registered.
func (s *Service) claimConversation(ctx context.Context, op, conversationID, projectID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil {
		return domain.NotFound(op, "conversation %s", conversationID)
	}
	if conv.ProjectID != projectID {
		return domain.ScopeMismatch(op, "conversation %s belongs to another project", conversationID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.starting[conversationID] {
		return domain.InvalidState(op, "conversation %s is starting another run", conversationID)
	}
	if conv.ActiveRunID != "" {
		if rs, ok := s.runs[conv.ActiveRunID]; ok && !rs.log.Closed() {
			return domain.InvalidState(op, "conversation %s has active run %s", conversationID, conv.ActiveRunID)
		}
	}
	s.starting[conversationID] = true
	return nil
}

func title(question string) string {
	question = strings.TrimSpace(question)
	if r := []rune(question); len(r) > 60 {
		return string(r[:60]) + "..."
	}
	return question
}

// CancelRun asks a live run to stop. Cancelling a run that is already
// stopping or terminal returns its status without error.
func (s *Service) CancelRun(ctx context.Context, req domain.CancelRunRequest) (*domain.CancelRunResponse, error) {
	const op = "run.cancel"

	rs, ok := s.lookup(req.RunID)
	if !ok {
		run, err := s.store.GetRun(ctx, req.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}
		if run == nil {
			return nil, domain.NotFound(op, "run %s", req.RunID)
		}
		if req.ScopeProjectID != run.ProjectID {
			return nil, domain.ScopeMismatch(op, "run %s belongs to another project", req.RunID)
		}
		return &domain.CancelRunResponse{Status: run.Status}, nil
	}

	run := rs.snapshot()
	if req.ScopeProjectID != run.ProjectID {
		return nil, domain.ScopeMismatch(op, "run %s belongs to another project", req.RunID)
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by user"
	}
	if rs.requestStop(domain.RunStatusCancellationRequested, domain.RunCodeUserCancelled, reason) {
		if err := s.store.UpdateRunStatus(ctx, req.RunID, domain.RunStatusCancellationRequested); err != nil {
			s.logger.Warn("failed to persist cancellation request", zap.String("run_id", req.RunID), zap.Error(err))
		}
		s.logger.Info("run cancellation requested", zap.String("run_id", req.RunID), zap.String("reason", reason))
	}
	return &domain.CancelRunResponse{Status: rs.status()}, nil
}

// GetRunResult returns the current status of a run. Runs of other projects
// are reported as not found.
func (s *Service) GetRunResult(ctx context.Context, runID, scopeProjectID string) (*domain.RunResult, error) {
	run, err := s.getRun(ctx, "run.result", runID, scopeProjectID)
	if err != nil {
		return nil, err
	}
	return &domain.RunResult{RunID: run.RunID, Status: run.Status, Code: run.Code, Error: run.Error}, nil
}

// GetRun returns the full run record with the same visibility rules as
// GetRunResult.
func (s *Service) GetRun(ctx context.Context, runID, scopeProjectID string) (*domain.Run, error) {
	return s.getRun(ctx, "run.get", runID, scopeProjectID)
}

func (s *Service) getRun(ctx context.Context, op, runID, scopeProjectID string) (*domain.Run, error) {
	if rs, ok := s.lookup(runID); ok {
		run := rs.snapshot()
		if run.ProjectID != scopeProjectID {
			return nil, domain.NotFound(op, "run %s", runID)
		}
		return &run, nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil || run.ProjectID != scopeProjectID {
		return nil, domain.NotFound(op, "run %s", runID)
	}
	return run, nil
}
