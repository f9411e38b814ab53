package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// ScriptedOptions configures the scripted engine.
type ScriptedOptions struct {
	// StepDelay is slept between emitted chunks.
	StepDelay time.Duration
	// Tool is the tool called after the first reasoning span. Empty skips the
	// tool step.
	Tool string
	// Args builds the tool arguments for a run.
	Args func(req SessionRequest) json.RawMessage
}

// DefaultScriptedOptions reasons, saves the answer with write_file and then
// reports where it went.
func DefaultScriptedOptions() ScriptedOptions {
	return ScriptedOptions{
		Tool: "write_file",
		Args: func(req SessionRequest) json.RawMessage {
			args, _ := json.Marshal(map[string]interface{}{
				"path":      "/answers/" + req.RunID + ".md",
				"content":   "# Answer\n\n" + req.Question + "\n",
				"overwrite": false,
			})
			return args
		},
	}
}

// Scripted is a deterministic engine with a fixed plan.
type Scripted struct {
	name string
	opts ScriptedOptions
}

// NewScripted creates a scripted engine registered under name.
func NewScripted(name string, opts ScriptedOptions) *Scripted {
	return &Scripted{name: name, opts: opts}
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) NewSession(ctx context.Context, req SessionRequest) (Session, error) {
	return &scriptedSession{opts: s.opts, req: req}, nil
}

type scriptedSession struct {
	opts  ScriptedOptions
	req   SessionRequest
	phase int
}

func (s *scriptedSession) Next(ctx context.Context, obs Observation, sink Sink) (Step, error) {
	defer func() { s.phase++ }()

	if s.phase == 0 {
		if err := s.reason(ctx, sink, "draft", "draft refined"); err != nil {
			return Step{}, err
		}
		if s.opts.Tool != "" {
			call := &domain.ToolCall{
				ToolCallID: fmt.Sprintf("call_%s_1", s.req.RunID),
				ToolName:   s.opts.Tool,
				Args:       s.opts.Args(s.req),
			}
			return Step{ToolCall: call}, nil
		}
		return s.answer(ctx, sink, "You asked: "+s.req.Question)
	}

	if err := s.reason(ctx, sink, "summarizing"); err != nil {
		return Step{}, err
	}
	if obs.Result.Error != "" {
		return s.answer(ctx, sink, "The tool failed: "+obs.Result.Error)
	}
	var args struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(obs.EffectiveArgs, &args)
	return s.answer(ctx, sink, fmt.Sprintf("Saved the answer to %s.", args.Path))
}

func (s *scriptedSession) reason(ctx context.Context, sink Sink, texts ...string) error {
	if err := sink.ReasoningStart(ctx); err != nil {
		return err
	}
	for _, text := range texts {
		if err := s.pause(ctx); err != nil {
			return err
		}
		if err := sink.Reasoning(ctx, text); err != nil {
			return err
		}
	}
	last := texts[len(texts)-1]
	if err := sink.ReasoningUsage(ctx, domain.Usage{PromptTokens: len(s.req.Question) / 4, CompletionTokens: len(last) / 4, TotalTokens: (len(s.req.Question) + len(last)) / 4}, "scripted"); err != nil {
		return err
	}
	return sink.ReasoningEnd(ctx, last)
}

func (s *scriptedSession) answer(ctx context.Context, sink Sink, text string) (Step, error) {
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if err := s.pause(ctx); err != nil {
			return Step{}, err
		}
		if err := sink.MessageDelta(ctx, w); err != nil {
			return Step{}, err
		}
	}
	return Step{Final: &Final{Text: text}}, nil
}

func (s *scriptedSession) pause(ctx context.Context) error {
	if s.opts.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.opts.StepDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
