package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/eventlog"
	"github.com/xiaot623/agentrun/internal/stream"
	"github.com/xiaot623/agentrun/internal/timeline"
)

// OpenStream opens an ordered stream over a run's events. Live runs are
// followed until run.end. Terminal runs are replayed, from memory while
// registered and from storage after that; replays do not count against the
// stream cap.
func (s *Service) OpenStream(ctx context.Context, runID string) (*stream.Stream, error) {
	const op = "stream.open"

	if rs, ok := s.lookup(runID); ok {
		if rs.log.Closed() {
			return stream.New(runID, rs.log.Replay(), false), nil
		}
		sub, err := rs.log.Subscribe()
		if errors.Is(err, eventlog.ErrTooManySubscribers) {
			return nil, domain.InvalidState(op, "run %s has too many open streams", runID)
		}
		if err != nil {
			return nil, err
		}
		return stream.New(runID, sub, true), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.NotFound(op, "run %s", runID)
	}
	events, err := s.store.ListEvents(ctx, runID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return stream.New(runID, eventlog.NewReplay(events), false), nil
}

// ListRunEvents returns stored events after afterSequence.
func (s *Service) ListRunEvents(ctx context.Context, runID string, afterSequence int64, limit int) ([]domain.Event, error) {
	if rs, ok := s.lookup(runID); ok {
		events := rs.log.Events()
		out := make([]domain.Event, 0, len(events))
		for _, ev := range events {
			if ev.Sequence <= afterSequence {
				continue
			}
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return out, nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.NotFound("events.list", "run %s", runID)
	}
	events, err := s.store.ListEvents(ctx, runID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}

// ListMessages returns the persisted messages of a conversation.
func (s *Service) ListMessages(ctx context.Context, conversationID, scopeProjectID string, limit int) ([]domain.Message, error) {
	conv, err := s.conversation(ctx, "messages.list", conversationID, scopeProjectID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conv.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// Timeline reduces every run of a conversation together with its messages.
func (s *Service) Timeline(ctx context.Context, conversationID, scopeProjectID string) ([]timeline.Item, error) {
	const op = "timeline.get"

	conv, err := s.conversation(ctx, op, conversationID, scopeProjectID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conv.ConversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var events []domain.Event
	seen := make(map[string]bool)
	for _, m := range messages {
		if m.RunID == "" || seen[m.RunID] {
			continue
		}
		seen[m.RunID] = true
		runEvents, err := s.ListRunEvents(ctx, m.RunID, 0, 0)
		if err != nil {
			return nil, err
		}
		events = append(events, runEvents...)
	}

	active := conv.ActiveRunID
	if rs, ok := s.lookup(active); !ok || rs.log.Closed() {
		active = ""
	}
	return timeline.Reduce(events, messages, active), nil
}

func (s *Service) conversation(ctx context.Context, op, conversationID, scopeProjectID string) (*domain.Conversation, error) {
	if scopeProjectID == "" {
		return nil, domain.InvalidArgument(op, "scope_project_id is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil {
		return nil, domain.NotFound(op, "conversation %s", conversationID)
	}
	if scopeProjectID != conv.ProjectID {
		return nil, domain.ScopeMismatch(op, "conversation %s belongs to another project", conversationID)
	}
	return conv, nil
}
