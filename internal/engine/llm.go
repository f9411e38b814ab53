package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/tools"
)

const systemPrompt = "You are an assistant working inside a project workspace. Use the file tools when the user asks you to create or change files."

// LLM drives runs with an OpenAI-compatible chat model.
type LLM struct {
	client llm.LLMClient
	model  string
}

// NewLLM creates the "llm" engine.
func NewLLM(client llm.LLMClient, model string) *LLM {
	return &LLM{client: client, model: model}
}

func (e *LLM) Name() string { return "llm" }

func (e *LLM) NewSession(ctx context.Context, req SessionRequest) (Session, error) {
	messages := []llm.ChatMessage{{Role: "system", Content: systemPrompt}}
	for _, m := range req.History {
		messages = append(messages, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	if n := len(req.History); n == 0 || req.History[n-1].Content != req.Question {
		messages = append(messages, llm.ChatMessage{Role: "user", Content: req.Question})
	}
	return &llmSession{engine: e, messages: messages, tools: toolDefinitions(req.Tools)}, nil
}

type llmSession struct {
	engine   *LLM
	messages []llm.ChatMessage
	tools    []llm.Tool
	queued   []llm.ToolCall
}

func (s *llmSession) Next(ctx context.Context, obs Observation, sink Sink) (Step, error) {
	if obs.Call != nil {
		content := string(obs.Result.Output)
		if obs.Result.Error != "" {
			content = fmt.Sprintf(`{"error":%q}`, obs.Result.Error)
		}
		s.messages = append(s.messages, llm.ChatMessage{Role: "tool", ToolCallID: obs.Call.ToolCallID, Content: content})
	}

	// Calls from one completion run one at a time.
	if len(s.queued) > 0 {
		call := s.queued[0]
		s.queued = s.queued[1:]
		return Step{ToolCall: toDomainCall(call)}, nil
	}

	if err := sink.ReasoningStart(ctx); err != nil {
		return Step{}, err
	}

	var reasoning, content strings.Builder
	fragments := map[int]*llm.ToolCall{}
	model := s.engine.model

	usage, err := s.engine.client.CreateChatCompletionStream(ctx, &llm.ChatCompletionRequest{
		Model:    s.engine.model,
		Messages: s.messages,
		Tools:    s.tools,
	}, func(chunk *llm.StreamChunk) error {
		if chunk.Model != "" {
			model = chunk.Model
		}
		for _, choice := range chunk.Choices {
			delta := choice.Delta
			if delta == nil {
				continue
			}
			if delta.ReasoningContent != "" {
				reasoning.WriteString(delta.ReasoningContent)
				if err := sink.Reasoning(ctx, reasoning.String()); err != nil {
					return err
				}
			}
			if delta.Content != "" {
				content.WriteString(delta.Content)
				if err := sink.MessageDelta(ctx, delta.Content); err != nil {
					return err
				}
			}
			for _, tc := range delta.ToolCalls {
				mergeToolCall(fragments, tc)
			}
		}
		return nil
	})
	if err != nil {
		return Step{}, err
	}

	if usage != nil {
		u := domain.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
		if usage.PromptTokensDetails != nil {
			u.CachedPromptTokens = usage.PromptTokensDetails.CachedTokens
		}
		if err := sink.ReasoningUsage(ctx, u, model); err != nil {
			return Step{}, err
		}
	}
	if err := sink.ReasoningEnd(ctx, reasoning.String()); err != nil {
		return Step{}, err
	}

	calls := orderedCalls(fragments)
	s.messages = append(s.messages, llm.ChatMessage{Role: "assistant", Content: content.String(), ToolCalls: calls})
	if len(calls) == 0 {
		return Step{Final: &Final{Text: content.String()}}, nil
	}
	s.queued = calls[1:]
	return Step{ToolCall: toDomainCall(calls[0])}, nil
}

func mergeToolCall(fragments map[int]*llm.ToolCall, tc llm.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	cur, ok := fragments[idx]
	if !ok {
		cur = &llm.ToolCall{Type: "function"}
		fragments[idx] = cur
	}
	if tc.ID != "" {
		cur.ID = tc.ID
	}
	if tc.Function.Name != "" {
		cur.Function.Name = tc.Function.Name
	}
	cur.Function.Arguments += tc.Function.Arguments
}

func orderedCalls(fragments map[int]*llm.ToolCall) []llm.ToolCall {
	idx := make([]int, 0, len(fragments))
	for i := range fragments {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]llm.ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, *fragments[i])
	}
	return out
}

func toDomainCall(tc llm.ToolCall) *domain.ToolCall {
	args := tc.Function.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return &domain.ToolCall{ToolCallID: tc.ID, ToolName: tc.Function.Name, Args: []byte(args)}
}

var toolParameters = map[string]interface{}{
	"write_file":  objectSchema(map[string]string{"path": "string", "content": "string", "overwrite": "boolean"}, "path", "content"),
	"read_file":   objectSchema(map[string]string{"path": "string"}, "path"),
	"list_files":  objectSchema(map[string]string{"path": "string"}),
	"delete_file": objectSchema(map[string]string{"path": "string"}, "path"),
}

func objectSchema(props map[string]string, required ...string) map[string]interface{} {
	properties := map[string]interface{}{}
	for name, typ := range props {
		properties[name] = map[string]string{"type": typ}
	}
	schema := map[string]interface{}{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func toolDefinitions(specs []tools.Spec) []llm.Tool {
	var out []llm.Tool
	for _, spec := range specs {
		if spec.Blocked {
			continue
		}
		params, ok := toolParameters[spec.Name]
		if !ok {
			params = map[string]interface{}{"type": "object"}
		}
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
