package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/engine"
	"github.com/xiaot623/agentrun/internal/policy"
	"github.com/xiaot623/agentrun/internal/tools"
)

// maxSteps bounds the tool calls of a single run.
const maxSteps = 50

var errStopped = errors.New("run stopped")

// outcome is how a run ends.
type outcome struct {
	status domain.RunStatus
	code   domain.RunCode
	reason string
	err    string
}

func failed(err error) outcome {
	return outcome{status: domain.RunStatusFailed, code: domain.RunCodeInternalError, err: err.Error()}
}

// execute is the run's execution task. It is the only writer of rs.log.
func (s *Service) execute(rs *runState, session engine.Session, engineName string) {
	defer s.wg.Done()
	sink := &runSink{s: s, rs: rs, chunks: newChunker(s.now)}
	out := s.drive(rs, session, sink)
	s.finish(rs, sink, out)
}

func (s *Service) drive(rs *runState, session engine.Session, sink *runSink) (out outcome) {
	run := rs.snapshot()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run task panicked", zap.String("run_id", run.RunID), zap.Any("panic", r), zap.Stack("stack"))
			out = failed(fmt.Errorf("panic: %v", r))
		}
	}()

	if _, err := s.append(rs, domain.RunStartContent{
		Question:       rs.question,
		ConversationID: run.ConversationID,
		Engine:         run.Engine,
		TimeoutMs:      run.TimeoutMs,
	}); err != nil {
		return failed(err)
	}

	var obs engine.Observation
	for step := 0; ; step++ {
		if o, stopped := stopOutcome(rs); stopped {
			return o
		}
		if step > maxSteps {
			return failed(fmt.Errorf("run exceeded %d tool calls", maxSteps))
		}

		next, err := session.Next(rs.ctx, obs, sink)
		if err != nil {
			if o, stopped := stopOutcome(rs); stopped {
				return o
			}
			return failed(err)
		}

		switch {
		case next.Final != nil:
			return s.complete(rs, sink, next.Final)
		case next.ToolCall != nil:
			var done *outcome
			obs, done, err = s.callTool(rs, sink, next.ToolCall)
			if err != nil {
				return failed(err)
			}
			if done != nil {
				return *done
			}
		default:
			return failed(errors.New("engine returned an empty step"))
		}
	}
}

// stopOutcome maps a requested stop to its terminal outcome.
func stopOutcome(rs *runState) (outcome, bool) {
	code, reason, stopped := rs.stopRequest()
	if !stopped {
		return outcome{}, false
	}
	if code == domain.RunCodeTimeout {
		return outcome{status: domain.RunStatusTimedOut, code: code, reason: reason}, true
	}
	return outcome{status: domain.RunStatusCancelled, code: code, reason: reason}, true
}

func (s *Service) complete(rs *runState, sink *runSink, final *engine.Final) outcome {
	if err := sink.flush(true); err != nil {
		return failed(err)
	}
	if o, stopped := stopOutcome(rs); stopped {
		return o
	}

	run := rs.snapshot()
	messageID := "msg_" + uuid.New().String()
	ev, err := s.append(rs, domain.MessageFinalContent{Text: final.Text, MessageID: messageID})
	if err != nil {
		return failed(err)
	}

	// The assistant message shares the display order of message.final.
	msg := domain.Message{
		MessageID:      messageID,
		ConversationID: run.ConversationID,
		RunID:          run.RunID,
		Role:           domain.RoleAssistant,
		Content:        final.Text,
		DisplayOrder:   ev.DisplayOrder,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(context.Background(), &msg); err != nil {
		s.logger.Error("failed to save assistant message", zap.String("run_id", run.RunID), zap.Error(err))
	}
	return outcome{status: domain.RunStatusCompleted}
}

// callTool classifies and runs one tool call. A non-nil outcome ends the run.
func (s *Service) callTool(rs *runState, sink *runSink, call *domain.ToolCall) (engine.Observation, *outcome, error) {
	obs := engine.Observation{Call: call, EffectiveArgs: call.Args}
	if err := sink.flush(false); err != nil {
		return obs, nil, err
	}
	if o, stopped := stopOutcome(rs); stopped {
		return obs, &o, nil
	}

	run := rs.snapshot()
	spec, known := s.catalog.Get(call.ToolName)
	if !known || !s.tools.Has(call.ToolName) {
		obs.Result = domain.ToolResult{Error: fmt.Sprintf("unknown tool %q", call.ToolName)}
		return obs, nil, s.rejectTool(rs, call, obs.Result.Error)
	}

	decision, reason, err := s.policy.Evaluate(context.Background(), policy.Input{
		ToolName:  call.ToolName,
		Sensitive: spec.Sensitive,
		Blocked:   spec.Blocked,
		ProjectID: run.ProjectID,
		Args:      call.Args,
	})
	if err != nil {
		return obs, nil, err
	}

	switch decision {
	case policy.DecisionBlock:
		obs.Result = domain.ToolResult{Error: "blocked by policy: " + reason}
		return obs, nil, s.rejectTool(rs, call, obs.Result.Error)
	case policy.DecisionRequireApproval:
		return s.callWithApproval(rs, spec, call)
	}

	if _, err := s.append(rs, domain.ToolStartContent{ToolCallID: call.ToolCallID, Tool: call.ToolName, Args: call.Args}); err != nil {
		return obs, nil, err
	}
	result, finished := s.runTool(rs, spec, call.ToolName, call.Args)
	if !finished {
		result = domain.ToolResult{Error: "tool abandoned after the run stopped"}
	}
	if _, err := s.append(rs, domain.ToolEndContent{
		ToolCallID: call.ToolCallID,
		Tool:       call.ToolName,
		Output:     result.Output,
		Error:      result.Error,
	}); err != nil {
		return obs, nil, err
	}
	obs.Result = result
	if !finished {
		o, _ := stopOutcome(rs)
		return obs, &o, nil
	}
	return obs, nil, nil
}

func expiredError(reason string) string {
	if reason == "" {
		return "approval expired"
	}
	return "approval expired: " + reason
}

// rejectTool records a tool call that never ran.
func (s *Service) rejectTool(rs *runState, call *domain.ToolCall, reason string) error {
	if _, err := s.append(rs, domain.ToolStartContent{ToolCallID: call.ToolCallID, Tool: call.ToolName, Args: call.Args}); err != nil {
		return err
	}
	_, err := s.append(rs, domain.ToolEndContent{ToolCallID: call.ToolCallID, Tool: call.ToolName, Error: reason})
	return err
}

func (s *Service) callWithApproval(rs *runState, spec tools.Spec, call *domain.ToolCall) (engine.Observation, *outcome, error) {
	ctx := context.Background()
	run := rs.snapshot()
	obs := engine.Observation{Call: call}

	ap, err := s.gate.Request(ctx, run.RunID, call.ToolCallID, call.ToolName, call.Args)
	if err != nil {
		return obs, nil, err
	}
	if rs.setStatus(domain.RunStatusPausedForApproval) {
		if err := s.store.UpdateRunStatus(ctx, run.RunID, domain.RunStatusPausedForApproval); err != nil {
			s.logger.Warn("failed to persist run status", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
	if _, err := s.append(rs, domain.ToolStartContent{
		ToolCallID:       call.ToolCallID,
		Tool:             call.ToolName,
		Args:             call.Args,
		ApprovalRequired: true,
		ApprovalID:       ap.ApprovalID,
	}); err != nil {
		return obs, nil, err
	}
	s.logger.Info("run waiting for approval",
		zap.String("run_id", run.RunID),
		zap.String("approval_id", ap.ApprovalID),
		zap.String("tool", call.ToolName))

	verdict, err := s.gate.Wait(rs.ctx, ap.ApprovalID)
	if err != nil {
		if o, stopped := stopOutcome(rs); stopped {
			if _, err := s.append(rs, domain.ToolEndContent{
				ToolCallID: call.ToolCallID,
				Tool:       call.ToolName,
				ApprovalID: ap.ApprovalID,
				Error:      expiredError(o.reason),
			}); err != nil {
				return obs, nil, err
			}
			return obs, &o, nil
		}
		return obs, nil, err
	}
	if rs.setStatus(domain.RunStatusRunning) {
		if err := s.store.UpdateRunStatus(ctx, run.RunID, domain.RunStatusRunning); err != nil {
			s.logger.Warn("failed to persist run status", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}

	obs.Decision = verdict.Decision
	end := domain.ToolEndContent{
		ToolCallID: call.ToolCallID,
		Tool:       call.ToolName,
		Decision:   verdict.Decision,
		ApprovalID: ap.ApprovalID,
	}

	if verdict.Decision == domain.DecisionReject {
		if _, err := s.append(rs, end); err != nil {
			return obs, nil, err
		}
		return obs, &outcome{status: domain.RunStatusCancelled, code: domain.RunCodeApprovalRejected, reason: "approval rejected"}, nil
	}

	end.EffectiveArgs = verdict.Args
	obs.EffectiveArgs = verdict.Args

	if o, stopped := stopOutcome(rs); stopped {
		end.Error = "run stopped before the tool ran"
		if _, err := s.append(rs, end); err != nil {
			return obs, nil, err
		}
		return obs, &o, nil
	}

	result, finished := s.runTool(rs, spec, call.ToolName, verdict.Args)
	if !finished {
		result = domain.ToolResult{Error: "tool abandoned after the run stopped"}
	}
	end.Output = result.Output
	end.Error = result.Error
	if _, err := s.append(rs, end); err != nil {
		return obs, nil, err
	}
	obs.Result = result
	if !finished {
		o, _ := stopOutcome(rs)
		return obs, &o, nil
	}
	return obs, nil, nil
}

// runTool executes a tool on its own context so a stop request does not
// interrupt a side effect in progress. Once the run is stopped the result is
// awaited for at most TimeoutGrace; false means it was abandoned.
func (s *Service) runTool(rs *runState, spec tools.Spec, name string, args json.RawMessage) (domain.ToolResult, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), spec.Timeout(s.config.ToolTimeout))
	defer cancel()

	done := make(chan domain.ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.ToolResult{Error: fmt.Sprintf("tool panicked: %v", r)}
			}
		}()
		out, err := s.tools.Execute(ctx, name, args)
		if err != nil {
			done <- domain.ToolResult{Error: err.Error()}
			return
		}
		done <- domain.ToolResult{Output: out}
	}()

	select {
	case r := <-done:
		return r, true
	case <-rs.ctx.Done():
	}

	grace := time.NewTimer(s.config.TimeoutGrace)
	defer grace.Stop()
	select {
	case r := <-done:
		return r, true
	case <-grace.C:
		s.logger.Warn("abandoning tool call after grace period",
			zap.String("run_id", rs.log.RunID()),
			zap.String("tool", name),
			zap.Duration("grace", s.config.TimeoutGrace))
		return domain.ToolResult{}, false
	}
}

// finish appends run.end and records the terminal state.
func (s *Service) finish(rs *runState, sink *runSink, out outcome) {
	ctx := context.Background()
	run := rs.snapshot()
	logger := s.logger.With(zap.String("run_id", run.RunID))

	if out.status != domain.RunStatusCompleted {
		if ap, ok, err := s.gate.Expire(ctx, run.RunID); err != nil {
			logger.Warn("failed to expire approval", zap.Error(err))
		} else if ok {
			logger.Info("approval expired", zap.String("approval_id", ap.ApprovalID))
		}
	}
	if err := sink.flush(false); err != nil {
		logger.Warn("failed to flush message chunk", zap.Error(err))
	}

	rs.finish(out.status, out.code, out.err, s.now())
	if err := s.store.UpdateRunCompleted(ctx, run.RunID, out.status, out.code, out.err); err != nil {
		logger.Error("failed to persist run result", zap.Error(err))
	}

	ev, err := s.append(rs, domain.RunEndContent{Status: out.status, Code: out.code, Reason: out.reason, Error: out.err})
	if err != nil {
		// The log is closed either way; only the stored history lacks run.end.
		logger.Error("failed to persist run.end", zap.Error(err))
	}
	if err := s.store.SetActiveRun(ctx, run.ConversationID, ""); err != nil {
		logger.Warn("failed to clear active run", zap.Error(err))
	}

	s.metrics.RunFinished(ctx, string(out.status))
	fields := []zap.Field{zap.String("status", string(out.status)), zap.Int64("events", ev.Sequence)}
	if out.code != "" {
		fields = append(fields, zap.String("code", string(out.code)))
	}
	if out.err != "" {
		logger.Error("run failed", append(fields, zap.String("error", out.err))...)
		return
	}
	logger.Info("run finished", fields...)
}

func (s *Service) append(rs *runState, c domain.Content) (domain.Event, error) {
	ev, err := rs.log.Append(context.Background(), c)
	if ev.Sequence > 0 {
		s.metrics.EventAppended(context.Background(), ev.Kind())
	}
	return ev, err
}

// runSink turns engine progress into events. Every call first checks for a
// stop request; that makes each call a suspension point.
type runSink struct {
	s      *Service
	rs     *runState
	chunks *chunker
}

var _ engine.Sink = (*runSink)(nil)

func (k *runSink) check() error {
	if _, _, stopped := k.rs.stopRequest(); stopped {
		return errStopped
	}
	return nil
}

// flush appends buffered message deltas as one message.chunk.
func (k *runSink) flush(final bool) error {
	text, ok := k.chunks.drain()
	if !ok {
		return nil
	}
	_, err := k.s.append(k.rs, domain.MessageChunkContent{TextDelta: text, IsFinal: final})
	return err
}

func (k *runSink) emit(c domain.Content) error {
	if err := k.check(); err != nil {
		return err
	}
	if err := k.flush(false); err != nil {
		return err
	}
	_, err := k.s.append(k.rs, c)
	return err
}

func (k *runSink) ReasoningStart(ctx context.Context) error {
	return k.emit(domain.ReasoningStartContent{Phase: domain.PhaseLLMStart})
}

func (k *runSink) Reasoning(ctx context.Context, text string) error {
	return k.emit(domain.ReasoningChunkContent{Phase: domain.PhaseLLMReasoning, Text: text})
}

func (k *runSink) ReasoningUsage(ctx context.Context, usage domain.Usage, model string) error {
	return k.emit(domain.ReasoningChunkContent{Phase: domain.PhaseLLMUsage, Usage: &usage, Model: model})
}

func (k *runSink) ReasoningEnd(ctx context.Context, text string) error {
	return k.emit(domain.ReasoningEndContent{Phase: domain.PhaseLLMEnd, Text: text})
}

func (k *runSink) MessageDelta(ctx context.Context, delta string) error {
	if err := k.check(); err != nil {
		return err
	}
	text, ok := k.chunks.add(delta)
	if !ok {
		return nil
	}
	_, err := k.s.append(k.rs, domain.MessageChunkContent{TextDelta: text})
	return err
}
