// Package client is an HTTP client for the orchestrator's public API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/timeline"
)

// SSEEvent represents a parsed SSE frame.
type SSEEvent struct {
	Event string
	ID    string
	Data  string
}

// EventHandler is called for each event of a run stream. Returning an error
// stops the stream.
type EventHandler func(ev domain.Event) error

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator returned status %d (%s): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the response code back to the domain error kind.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "not_found":
		return domain.ErrNotFound
	case "scope_mismatch":
		return domain.ErrScopeMismatch
	case "invalid_state":
		return domain.ErrInvalidState
	case "payload_too_large":
		return domain.ErrPayloadTooLarge
	case "invalid_argument":
		return domain.ErrInvalidArgument
	}
	return nil
}

// Client talks to one orchestrator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			// Streams stay open for the lifetime of a run; callers bound them
			// with their context.
			Timeout: 0,
		},
		dialer: websocket.DefaultDialer,
	}
}

// StartRun starts a run.
func (c *Client) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.StartRunResponse, error) {
	var resp domain.StartRunResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRun asks a run to stop.
func (c *Client) CancelRun(ctx context.Context, runID, reason, scopeProjectID string) (*domain.CancelRunResponse, error) {
	var resp domain.CancelRunResponse
	body := domain.CancelRunRequest{Reason: reason, ScopeProjectID: scopeProjectID}
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRunResult reports the status of a run.
func (c *Client) GetRunResult(ctx context.Context, runID, scopeProjectID string) (*domain.RunResult, error) {
	var resp domain.RunResult
	q := url.Values{"scope_project_id": {scopeProjectID}}
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPendingApprovals lists the approvals a run waits on.
func (c *Client) ListPendingApprovals(ctx context.Context, runID, scopeProjectID string) ([]domain.Approval, error) {
	var resp domain.ListApprovalsResponse
	q := url.Values{}
	if scopeProjectID != "" {
		q.Set("scope_project_id", scopeProjectID)
	}
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/approvals", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

// DecideApproval submits a decision.
func (c *Client) DecideApproval(ctx context.Context, req domain.DecideRequest) (*domain.Approval, error) {
	var resp domain.Approval
	path := "/v1/runs/" + url.PathEscape(req.RunID) + "/approvals/" + url.PathEscape(req.ApprovalID) + "/decide"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRunEvents pages through the stored events of a run.
func (c *Client) ListRunEvents(ctx context.Context, runID string, afterSequence int64, limit int) ([]domain.Event, error) {
	var resp domain.ListEventsResponse
	q := url.Values{
		"after_sequence": {strconv.FormatInt(afterSequence, 10)},
		"limit":          {strconv.Itoa(limit)},
	}
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/events", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// ListMessages returns the persisted messages of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID, scopeProjectID string) ([]domain.Message, error) {
	var resp domain.ListMessagesResponse
	q := url.Values{"scope_project_id": {scopeProjectID}}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Timeline returns the server-side reduction of a conversation.
func (c *Client) Timeline(ctx context.Context, conversationID, scopeProjectID string) ([]timeline.Item, error) {
	var resp struct {
		Items []timeline.Item `json:"items"`
	}
	q := url.Values{"scope_project_id": {scopeProjectID}}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/timeline", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Stream follows a run's SSE stream and calls handler for each event until
// run.end.
func (c *Client) Stream(ctx context.Context, runID string, handler EventHandler) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+url.PathEscape(runID)+"/stream", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	return parseSSE(resp.Body, func(frame SSEEvent) error {
		var ev domain.Event
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
			return fmt.Errorf("failed to parse %s frame: %w", frame.Event, err)
		}
		return handler(ev)
	})
}

// wsErrorFrame is the frame the server sends when a stream fails.
type wsErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamWS follows a run over its WebSocket endpoint. A server error frame is
// returned as an *APIError.
func (c *Client) StreamWS(ctx context.Context, runID string, handler EventHandler) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/runs/" + url.PathEscape(runID) + "/ws"
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return apiError(resp)
		}
		return fmt.Errorf("failed to dial websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read failed: %w", err)
		}
		var frame wsErrorFrame
		if err := json.Unmarshal(data, &frame); err == nil && frame.Type == "error" {
			return &APIError{Code: frame.Code, Message: frame.Message}
		}
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("failed to parse websocket frame: %w", err)
		}
		if err := handler(ev); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	var body struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	if json.Unmarshal(bodyBytes, &body) == nil {
		apiErr.Code = body.Code
		if body.Error != "" {
			apiErr.Message = body.Error
		} else if body.Message != "" {
			apiErr.Message = body.Message
		}
	}
	return apiErr
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	// Handle any remaining event
	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
