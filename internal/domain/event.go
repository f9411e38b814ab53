package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable, sequenced record of run progress.
type Event struct {
	EventID      string        `json:"event_id"`
	RunID        string        `json:"run_id"`
	Sequence     int64         `json:"sequence,omitempty"`
	DisplayOrder int64         `json:"display_order,omitempty"`
	Type         EventType     `json:"type"`
	Subtype      EventSubtype  `json:"subtype"`
	Content      Content       `json:"content"`
	Metadata     EventMetadata `json:"metadata"`
	Timestamp    time.Time     `json:"timestamp"`
}

// EventMetadata echoes the envelope so clients can verify frames.
type EventMetadata struct {
	EventID      string `json:"event_id"`
	Sequence     int64  `json:"sequence,omitempty"`
	DisplayOrder int64  `json:"display_order,omitempty"`
	RunID        string `json:"run_id"`
}

// Kind returns the "type.subtype" tag of the event, e.g. "tool.start".
func (e Event) Kind() string {
	return string(e.Type) + "." + string(e.Subtype)
}

// Content is the payload of an event. Each (type, subtype) pair has exactly
// one concrete content type.
type Content interface {
	EventType() EventType
	EventSubtype() EventSubtype
}

// Usage is token accounting for a single LLM call.
type Usage struct {
	PromptTokens       int `json:"prompt_tokens,omitempty"`
	CompletionTokens   int `json:"completion_tokens,omitempty"`
	TotalTokens        int `json:"total_tokens,omitempty"`
	CachedPromptTokens int `json:"cached_prompt_tokens,omitempty"`
}

// RunStartContent is the payload of run.start.
type RunStartContent struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id"`
	Engine         string `json:"engine,omitempty"`
	TimeoutMs      int64  `json:"timeout_ms,omitempty"`
}

// RunEndContent is the payload of run.end.
type RunEndContent struct {
	Status RunStatus `json:"status"`
	Code   RunCode   `json:"code,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// MessageChunkContent is the payload of message.chunk.
type MessageChunkContent struct {
	TextDelta string `json:"text_delta"`
	IsFinal   bool   `json:"is_final"`
}

// MessageFinalContent is the payload of message.final.
type MessageFinalContent struct {
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

// ReasoningStartContent is the payload of reasoning.start.
type ReasoningStartContent struct {
	Phase Phase `json:"phase"`
}

// ReasoningChunkContent is the payload of reasoning.chunk. Text is the
// cumulative reasoning text for llm_reasoning chunks; llm_usage chunks carry
// Usage and Model instead.
type ReasoningChunkContent struct {
	Phase Phase  `json:"phase"`
	Text  string `json:"text,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	Model string `json:"model,omitempty"`
}

// ReasoningEndContent is the payload of reasoning.end.
type ReasoningEndContent struct {
	Phase Phase  `json:"phase"`
	Text  string `json:"text,omitempty"`
}

// ToolStartContent is the payload of tool.start.
type ToolStartContent struct {
	ToolCallID       string          `json:"tool_call_id"`
	Tool             string          `json:"tool"`
	Args             json.RawMessage `json:"args,omitempty"`
	ApprovalRequired bool            `json:"approval_required,omitempty"`
	ApprovalID       string          `json:"approval_id,omitempty"`
}

// ToolEndContent is the payload of tool.end.
type ToolEndContent struct {
	ToolCallID    string          `json:"tool_call_id"`
	Tool          string          `json:"tool"`
	Decision      Decision        `json:"decision,omitempty"`
	ApprovalID    string          `json:"approval_id,omitempty"`
	EffectiveArgs json.RawMessage `json:"effective_args,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func (RunStartContent) EventType() EventType       { return EventTypeRun }
func (RunStartContent) EventSubtype() EventSubtype { return SubtypeStart }

func (RunEndContent) EventType() EventType       { return EventTypeRun }
func (RunEndContent) EventSubtype() EventSubtype { return SubtypeEnd }

func (MessageChunkContent) EventType() EventType       { return EventTypeMessage }
func (MessageChunkContent) EventSubtype() EventSubtype { return SubtypeChunk }

func (MessageFinalContent) EventType() EventType       { return EventTypeMessage }
func (MessageFinalContent) EventSubtype() EventSubtype { return SubtypeFinal }

func (ReasoningStartContent) EventType() EventType       { return EventTypeReasoning }
func (ReasoningStartContent) EventSubtype() EventSubtype { return SubtypeStart }

func (ReasoningChunkContent) EventType() EventType       { return EventTypeReasoning }
func (ReasoningChunkContent) EventSubtype() EventSubtype { return SubtypeChunk }

func (ReasoningEndContent) EventType() EventType       { return EventTypeReasoning }
func (ReasoningEndContent) EventSubtype() EventSubtype { return SubtypeEnd }

func (ToolStartContent) EventType() EventType       { return EventTypeTool }
func (ToolStartContent) EventSubtype() EventSubtype { return SubtypeStart }

func (ToolEndContent) EventType() EventType       { return EventTypeTool }
func (ToolEndContent) EventSubtype() EventSubtype { return SubtypeEnd }

// IsApprovalControl reports whether a tool event takes part in an approval
// exchange rather than plain execution.
func IsApprovalControl(c Content) bool {
	switch v := c.(type) {
	case ToolStartContent:
		return v.ApprovalRequired || v.ApprovalID != ""
	case ToolEndContent:
		return v.Decision != "" || v.ApprovalID != ""
	}
	return false
}

// DecodeContent decodes raw into the concrete content type for (t, st).
func DecodeContent(t EventType, st EventSubtype, raw json.RawMessage) (Content, error) {
	var target Content
	switch string(t) + "." + string(st) {
	case "run.start":
		target = &RunStartContent{}
	case "run.end":
		target = &RunEndContent{}
	case "message.chunk":
		target = &MessageChunkContent{}
	case "message.final":
		target = &MessageFinalContent{}
	case "reasoning.start":
		target = &ReasoningStartContent{}
	case "reasoning.chunk":
		target = &ReasoningChunkContent{}
	case "reasoning.end":
		target = &ReasoningEndContent{}
	case "tool.start":
		target = &ToolStartContent{}
	case "tool.end":
		target = &ToolEndContent{}
	default:
		return nil, fmt.Errorf("unknown event kind %s.%s", t, st)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("decode %s.%s content: %w", t, st, err)
		}
	}
	return deref(target), nil
}

func deref(c Content) Content {
	switch v := c.(type) {
	case *RunStartContent:
		return *v
	case *RunEndContent:
		return *v
	case *MessageChunkContent:
		return *v
	case *MessageFinalContent:
		return *v
	case *ReasoningStartContent:
		return *v
	case *ReasoningChunkContent:
		return *v
	case *ReasoningEndContent:
		return *v
	case *ToolStartContent:
		return *v
	case *ToolEndContent:
		return *v
	}
	return c
}

// UnmarshalJSON decodes an event, resolving Content by (type, subtype).
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var wire struct {
		alias
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	content, err := DecodeContent(wire.Type, wire.Subtype, wire.Content)
	if err != nil {
		return err
	}
	*e = Event(wire.alias)
	e.Content = content
	return nil
}
