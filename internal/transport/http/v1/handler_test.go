package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/engine"
	"github.com/xiaot623/agentrun/internal/hub"
	"github.com/xiaot623/agentrun/internal/policy"
	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/tools"
	"github.com/xiaot623/agentrun/internal/transport/ws"
	"github.com/xiaot623/agentrun/tests/helpers"
)

const project = "proj_1"

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	t.Helper()

	workspace, err := tools.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	svc := service.New(service.Deps{
		Store: helpers.NewTestSQLiteStore(t),
		Engines: engine.NewRegistry(
			engine.NewScripted("scripted", engine.DefaultScriptedOptions()),
			engine.NewScripted("echo", engine.ScriptedOptions{}),
		),
		Tools:   tools.NewWorkspaceRegistry(workspace),
		Catalog: tools.DefaultCatalog(),
		Policy:  pol,
	}, &config.Config{
		DefaultEngine:    "scripted",
		TimeoutGrace:     100 * time.Millisecond,
		ToolTimeout:      time.Second,
		RunRetention:     time.Minute,
		MaxQuestionBytes: 1024,
		StreamBufferSize: 16,
		MaxStreamsPerRun: 4,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	h := NewHandler(svc, ws.NewServer(hub.NewHub(), nil, ws.Options{}), nil)
	e := echo.New()
	h.RegisterRoutes(e)
	return h, e
}

func do(t *testing.T, e *echo.Echo, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func start(t *testing.T, e *echo.Echo, req domain.StartRunRequest) domain.StartRunResponse {
	t.Helper()
	if req.ScopeProjectID == "" {
		req.ScopeProjectID = project
	}
	rec := do(t, e, http.MethodPost, "/v1/runs", req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[domain.StartRunResponse](t, rec)
}

func pendingApproval(t *testing.T, e *echo.Echo, runID string) domain.Approval {
	t.Helper()
	var ap domain.Approval
	require.Eventually(t, func() bool {
		rec := do(t, e, http.MethodGet, "/v1/runs/"+runID+"/approvals", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		resp := decode[domain.ListApprovalsResponse](t, rec)
		if len(resp.Approvals) != 1 {
			return false
		}
		ap = resp.Approvals[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return ap
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	_, e := newTestHandler(t)
	run := start(t, e, domain.StartRunRequest{Question: "write it"})
	ap := pendingApproval(t, e, run.RunID)

	rec := do(t, e, http.MethodPost, "/v1/runs/"+run.RunID+"/approvals/"+ap.ApprovalID+"/decide",
		map[string]string{"decision": "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.ApprovalStatusApproved, decode[domain.Approval](t, rec).Status)

	rec = do(t, e, http.MethodGet, "/v1/runs/"+run.RunID+"/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	assert.True(t, strings.HasPrefix(frames[0], "event: run.start\nid: 1\n"))
	assert.True(t, strings.HasPrefix(frames[len(frames)-1], "event: run.end\nid: "))

	rec = do(t, e, http.MethodGet, "/v1/runs/"+run.RunID+"?scope_project_id="+project, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RunStatusCompleted, decode[domain.RunResult](t, rec).Status)

	rec = do(t, e, http.MethodPost, "/v1/runs/"+run.RunID+"/approvals/"+ap.ApprovalID+"/decide",
		map[string]string{"decision": "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decode[ErrorResponse](t, rec).Code)
}

func TestStreamNDJSONAndEvents(t *testing.T) {
	_, e := newTestHandler(t)
	run := start(t, e, domain.StartRunRequest{Question: "ping", RuntimeEngine: "echo"})

	rec := do(t, e, http.MethodGet, "/v1/runs/"+run.RunID+"/stream?format=ndjson", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	var last domain.Event
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, "run.end", last.Kind())
	assert.Equal(t, int64(len(lines)), last.Sequence)

	rec = do(t, e, http.MethodGet, "/v1/runs/"+run.RunID+"/events?after_sequence=1&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[domain.ListEventsResponse](t, rec)
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(2), page.Events[0].Sequence)
	assert.Equal(t, "reasoning.start", page.Events[0].Kind())

	rec = do(t, e, http.MethodGet, "/v1/runs/"+run.RunID+"/events?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodGet, "/v1/conversations/"+run.ConversationID+"/messages?scope_project_id="+project, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode[domain.ListMessagesResponse](t, rec).Messages
	require.Len(t, messages, 2)
	assert.Equal(t, "You asked: ping", messages[1].Content)

	rec = do(t, e, http.MethodGet, "/v1/conversations/"+run.ConversationID+"/timeline?scope_project_id="+project, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[TimelineResponse](t, rec).Items
	require.NotEmpty(t, items)
	assert.Equal(t, "assistant:"+run.RunID, items[len(items)-1].ID)
}

func TestCancelOverHTTP(t *testing.T) {
	h, e := newTestHandler(t)
	run := start(t, e, domain.StartRunRequest{Question: "write it"})
	pendingApproval(t, e, run.RunID)

	body, _ := json.Marshal(domain.CancelRunRequest{Reason: "changed my mind", ScopeProjectID: "other"})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+run.RunID+"/cancel", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/runs/:run_id/cancel")
	c.SetParamNames("run_id")
	c.SetParamValues(run.RunID)

	require.NoError(t, h.CancelRun(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "scope_mismatch", decode[ErrorResponse](t, rec).Code)

	rec = do(t, e, http.MethodPost, "/v1/runs/"+run.RunID+"/cancel", domain.CancelRunRequest{ScopeProjectID: project})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RunStatusCancellationRequested, decode[domain.CancelRunResponse](t, rec).Status)

	rec = do(t, e, http.MethodGet, "/v1/runs/"+run.RunID+"/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"user_cancelled"`)
}

func TestErrorStatuses(t *testing.T) {
	_, e := newTestHandler(t)

	tests := []struct {
		name   string
		method string
		target string
		body   interface{}
		status int
		code   string
	}{
		{"missing question", http.MethodPost, "/v1/runs", map[string]string{"scope_project_id": project}, http.StatusBadRequest, "invalid_argument"},
		{"question too large", http.MethodPost, "/v1/runs", domain.StartRunRequest{Question: strings.Repeat("x", 2000), ScopeProjectID: project}, http.StatusRequestEntityTooLarge, "payload_too_large"},
		{"unknown conversation", http.MethodPost, "/v1/runs", domain.StartRunRequest{Question: "hi", ScopeProjectID: project, ConversationID: "conv_missing"}, http.StatusNotFound, "not_found"},
		{"result without scope", http.MethodGet, "/v1/runs/run_missing", nil, http.StatusBadRequest, "invalid_argument"},
		{"unknown run", http.MethodGet, "/v1/runs/run_missing?scope_project_id=" + project, nil, http.StatusNotFound, "not_found"},
		{"stream unknown run", http.MethodGet, "/v1/runs/run_missing/stream", nil, http.StatusNotFound, "not_found"},
		{"cancel unknown run", http.MethodPost, "/v1/runs/run_missing/cancel", domain.CancelRunRequest{ScopeProjectID: project}, http.StatusNotFound, "not_found"},
		{"unknown conversation timeline", http.MethodGet, "/v1/conversations/conv_missing/timeline?scope_project_id=" + project, nil, http.StatusNotFound, "not_found"},
		{"timeline without scope", http.MethodGet, "/v1/conversations/conv_missing/timeline", nil, http.StatusBadRequest, "invalid_argument"},
		{"messages without scope", http.MethodGet, "/v1/conversations/conv_missing/messages", nil, http.StatusBadRequest, "invalid_argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, e, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(domain.NotFound("op", "x")))
	assert.Equal(t, http.StatusForbidden, StatusFor(domain.ScopeMismatch("op", "x")))
	assert.Equal(t, http.StatusConflict, StatusFor(domain.InvalidState("op", "x")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, StatusFor(domain.PayloadTooLarge("op", "x")))
	assert.Equal(t, http.StatusBadRequest, StatusFor(domain.InvalidArgument("op", "x")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}

func TestHealth(t *testing.T) {
	_, e := newTestHandler(t)
	rec := do(t, e, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
