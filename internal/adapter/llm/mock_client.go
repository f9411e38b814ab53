package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockClient is a deterministic LLMClient. On the first turn of a request
// that offers tools it asks for the first tool; once a tool result is in the
// history it answers in plain text.
type MockClient struct{}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements LLMClient interface.
var _ LLMClient = (*MockClient)(nil)

// CreateChatCompletionStream simulates a streaming response.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	id := fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()

	send := func(delta ChatMessage, finish string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return callback(&StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []Choice{{Index: 0, Delta: &delta, FinishReason: finish}},
		})
	}

	for _, part := range splitIntoChunks("Considering the request.", 10) {
		if err := send(ChatMessage{ReasoningContent: part}, ""); err != nil {
			return nil, err
		}
	}

	toolResult := lastToolResult(req.Messages)
	if len(req.Tools) > 0 && toolResult == "" {
		index := 0
		call := ToolCall{
			Index: &index,
			ID:    fmt.Sprintf("call_%d", created),
			Type:  "function",
			Function: ToolCallFunction{
				Name:      req.Tools[0].Function.Name,
				Arguments: `{"path":"/mock/answer.md","content":"mock answer","overwrite":false}`,
			},
		}
		if err := send(ChatMessage{Role: "assistant", ToolCalls: []ToolCall{call}}, "tool_calls"); err != nil {
			return nil, err
		}
	} else {
		text := fmt.Sprintf("[MOCK] Received your message: %q.", truncate(lastUserMessage(req.Messages), 100))
		if toolResult != "" {
			text = "[MOCK] Tool finished: " + truncate(toolResult, 100)
		}
		chunks := splitIntoChunks(text, 10)
		for i, chunk := range chunks {
			finish := ""
			if i == len(chunks)-1 {
				finish = "stop"
			}
			if err := send(ChatMessage{Role: "assistant", Content: chunk}, finish); err != nil {
				return nil, err
			}
		}
	}

	return &Usage{
		PromptTokens:     estimateTokens(req),
		CompletionTokens: 12,
		TotalTokens:      estimateTokens(req) + 12,
	}, nil
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func lastToolResult(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		switch messages[i].Role {
		case "tool":
			return messages[i].Content
		case "user":
			return ""
		}
	}
	return ""
}

// estimateTokens provides a rough token count estimate.
func estimateTokens(req *ChatCompletionRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}
	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
