package llm

import (
	"time"

	"go.uber.org/zap"
)

// MockBaseURL selects the in-process mock client instead of a real endpoint.
const MockBaseURL = "mock"

// NewLLMClient creates a client for baseURL, or a MockClient when baseURL is
// MockBaseURL.
func NewLLMClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) LLMClient {
	if baseURL == MockBaseURL {
		logger.Info("using mock LLM client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
