package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/engine"
	"github.com/xiaot623/agentrun/internal/policy"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/tools"
	"github.com/xiaot623/agentrun/tests/helpers"
)

const project = "proj_1"

type testEnv struct {
	svc       *Service
	store     *repository.SQLiteStore
	workspace *tools.Workspace
	cfg       *config.Config
}

type sessionFunc func(ctx context.Context, obs engine.Observation, sink engine.Sink) (engine.Step, error)

func (f sessionFunc) Next(ctx context.Context, obs engine.Observation, sink engine.Sink) (engine.Step, error) {
	return f(ctx, obs, sink)
}

type funcEngine struct {
	name string
	next sessionFunc
}

func (e funcEngine) Name() string { return e.name }

func (e funcEngine) NewSession(ctx context.Context, req engine.SessionRequest) (engine.Session, error) {
	return e.next, nil
}

func scriptedCalling(name, tool string) *engine.Scripted {
	return engine.NewScripted(name, engine.ScriptedOptions{
		Tool: tool,
		Args: func(engine.SessionRequest) json.RawMessage { return json.RawMessage(`{}`) },
	})
}

func newTestEnv(t *testing.T, extra ...engine.Engine) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil, extra...)
}

// newTestEnvWithStore is newTestEnv with the service's store wrapped by wrap.
func newTestEnvWithStore(t *testing.T, wrap func(repository.Store) repository.Store, extra ...engine.Engine) *testEnv {
	t.Helper()

	store := helpers.NewTestSQLiteStore(t)
	var svcStore repository.Store = store
	if wrap != nil {
		svcStore = wrap(store)
	}
	ws, err := tools.NewWorkspace(t.TempDir())
	require.NoError(t, err)

	registry := tools.NewWorkspaceRegistry(ws)
	registry.MustRegister("slow_tool", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		time.Sleep(time.Second)
		return json.RawMessage(`{"ok":true}`), nil
	})
	registry.MustRegister("blocked_tool", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	catalog := tools.NewCatalog(append(tools.DefaultCatalog().List(),
		tools.Spec{Name: "slow_tool", TimeoutMs: 5000},
		tools.Spec{Name: "blocked_tool", Blocked: true},
	)...)

	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	engines := engine.NewRegistry(
		engine.NewScripted("scripted", engine.DefaultScriptedOptions()),
		engine.NewScripted("echo", engine.ScriptedOptions{}),
		scriptedCalling("slow", "slow_tool"),
		scriptedCalling("blocked", "blocked_tool"),
		scriptedCalling("unknown", "no_such_tool"),
	)
	for _, e := range extra {
		engines.Register(e)
	}

	cfg := &config.Config{
		DefaultEngine:    "scripted",
		TimeoutGrace:     200 * time.Millisecond,
		ToolTimeout:      time.Second,
		RunRetention:     time.Minute,
		ReaperInterval:   10 * time.Millisecond,
		MaxQuestionBytes: 1024,
		StreamBufferSize: 8,
		MaxStreamsPerRun: 4,
	}
	svc := New(Deps{
		Store:   svcStore,
		Engines: engines,
		Tools:   registry,
		Catalog: catalog,
		Policy:  pol,
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &testEnv{svc: svc, store: store, workspace: ws, cfg: cfg}
}

func (e *testEnv) start(t *testing.T, req domain.StartRunRequest) *domain.StartRunResponse {
	t.Helper()
	if req.ScopeProjectID == "" {
		req.ScopeProjectID = project
	}
	if req.Question == "" {
		req.Question = "write the answer"
	}
	resp, err := e.svc.StartRun(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) collect(t *testing.T, runID string) []domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := e.svc.OpenStream(ctx, runID)
	require.NoError(t, err)
	defer st.Close()

	var events []domain.Event
	for {
		ev, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	assertWellFormed(t, events)
	return events
}

func (e *testEnv) waitApproval(t *testing.T, runID string) domain.Approval {
	t.Helper()
	var ap domain.Approval
	require.Eventually(t, func() bool {
		pending, err := e.svc.ListPendingApprovals(context.Background(), runID, project)
		if err != nil || len(pending) != 1 {
			return false
		}
		ap = pending[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return ap
}

// assertWellFormed checks gapless sequences, increasing display orders and a
// single trailing run.end.
func assertWellFormed(t *testing.T, events []domain.Event) {
	t.Helper()
	require.NotEmpty(t, events)
	ends := 0
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence, "sequence of event %d", i)
		assert.Equal(t, ev.Sequence, ev.Metadata.Sequence)
		if i > 0 {
			assert.Greater(t, ev.DisplayOrder, events[i-1].DisplayOrder)
		}
		if ev.Kind() == "run.end" {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
	assert.Equal(t, "run.end", events[len(events)-1].Kind())
}

// kinds lists event kinds, folding runs of message.chunk into one entry.
func kinds(events []domain.Event) []string {
	var out []string
	for _, ev := range events {
		k := ev.Kind()
		if k == "message.chunk" && len(out) > 0 && out[len(out)-1] == k {
			continue
		}
		out = append(out, k)
	}
	return out
}

func find(events []domain.Event, kind string) []domain.Event {
	var out []domain.Event
	for _, ev := range events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func runEnd(t *testing.T, events []domain.Event) domain.RunEndContent {
	t.Helper()
	end, ok := events[len(events)-1].Content.(domain.RunEndContent)
	require.True(t, ok)
	return end
}

func joinedChunks(events []domain.Event) string {
	var b strings.Builder
	for _, ev := range find(events, "message.chunk") {
		b.WriteString(ev.Content.(domain.MessageChunkContent).TextDelta)
	}
	return b.String()
}

func TestApproveRunsToolAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	resp := env.start(t, domain.StartRunRequest{})

	ap := env.waitApproval(t, resp.RunID)
	assert.Equal(t, "write_file", ap.ToolName)

	require.Eventually(t, func() bool {
		result, err := env.svc.GetRunResult(context.Background(), resp.RunID, project)
		return err == nil && result.Status == domain.RunStatusPausedForApproval
	}, 2*time.Second, 5*time.Millisecond)

	_, err := env.svc.DecideApproval(context.Background(), domain.DecideRequest{
		RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionApprove, ScopeProjectID: project,
	})
	require.NoError(t, err)

	events := env.collect(t, resp.RunID)
	assert.Equal(t, []string{
		"run.start",
		"reasoning.start", "reasoning.chunk", "reasoning.chunk", "reasoning.chunk", "reasoning.end",
		"tool.start", "tool.end",
		"reasoning.start", "reasoning.chunk", "reasoning.chunk", "reasoning.end",
		"message.chunk", "message.final", "run.end",
	}, kinds(events))

	start := find(events, "tool.start")[0].Content.(domain.ToolStartContent)
	assert.True(t, start.ApprovalRequired)
	assert.Equal(t, ap.ApprovalID, start.ApprovalID)

	end := find(events, "tool.end")[0].Content.(domain.ToolEndContent)
	assert.Equal(t, domain.DecisionApprove, end.Decision)
	assert.JSONEq(t, string(start.Args), string(end.EffectiveArgs))
	assert.Empty(t, end.Error)

	final := find(events, "message.final")[0]
	text := final.Content.(domain.MessageFinalContent).Text
	assert.Equal(t, "Saved the answer to /answers/"+resp.RunID+".md.", text)
	assert.Equal(t, text, joinedChunks(events))
	assert.Equal(t, domain.RunStatusCompleted, runEnd(t, events).Status)

	_, err = os.Stat(filepath.Join(env.workspace.Root(), "answers", resp.RunID+".md"))
	assert.NoError(t, err)

	result, err := env.svc.GetRunResult(context.Background(), resp.RunID, project)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, result.Status)
	assert.Empty(t, result.Code)

	messages, err := env.svc.ListMessages(context.Background(), resp.ConversationID, project, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleUser, messages[0].Role)
	assert.Less(t, messages[0].DisplayOrder, events[0].DisplayOrder)
	assert.Equal(t, domain.RoleAssistant, messages[1].Role)
	assert.Equal(t, text, messages[1].Content)
	assert.Equal(t, final.DisplayOrder, messages[1].DisplayOrder)

	stored, err := env.store.GetApproval(context.Background(), ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusApproved, stored.Status)
}

func TestEditUsesEditedArgs(t *testing.T) {
	env := newTestEnv(t)
	resp := env.start(t, domain.StartRunRequest{})
	ap := env.waitApproval(t, resp.RunID)

	edited := json.RawMessage(`{"path":"/tmp/edited.md","overwrite":false}`)
	decided, err := env.svc.DecideApproval(context.Background(), domain.DecideRequest{
		RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionEdit, EditedArgs: edited,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusEdited, decided.Status)

	events := env.collect(t, resp.RunID)
	end := find(events, "tool.end")[0].Content.(domain.ToolEndContent)
	assert.Equal(t, domain.DecisionEdit, end.Decision)
	assert.JSONEq(t, string(edited), string(end.EffectiveArgs))

	k := kinds(events)
	assert.Equal(t, []string{"message.final", "run.end"}, k[len(k)-2:])
	final := find(events, "message.final")[0].Content.(domain.MessageFinalContent)
	assert.Equal(t, "Saved the answer to /tmp/edited.md.", final.Text)
	assert.Equal(t, domain.RunStatusCompleted, runEnd(t, events).Status)

	_, err = os.Stat(filepath.Join(env.workspace.Root(), "tmp", "edited.md"))
	assert.NoError(t, err)
}

func TestRejectCancelsRun(t *testing.T) {
	env := newTestEnv(t)
	resp := env.start(t, domain.StartRunRequest{})
	ap := env.waitApproval(t, resp.RunID)

	_, err := env.svc.DecideApproval(context.Background(), domain.DecideRequest{
		RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionReject,
	})
	require.NoError(t, err)

	events := env.collect(t, resp.RunID)
	assert.Empty(t, find(events, "message.final"))
	k := kinds(events)
	assert.Equal(t, []string{"tool.start", "tool.end", "run.end"}, k[len(k)-3:])

	end := find(events, "tool.end")[0].Content.(domain.ToolEndContent)
	assert.Equal(t, domain.DecisionReject, end.Decision)
	assert.Empty(t, end.EffectiveArgs)

	last := runEnd(t, events)
	assert.Equal(t, domain.RunStatusCancelled, last.Status)
	assert.Equal(t, domain.RunCodeApprovalRejected, last.Code)

	result, err := env.svc.GetRunResult(context.Background(), resp.RunID, project)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, result.Status)
	assert.Equal(t, domain.RunCodeApprovalRejected, result.Code)

	_, err = os.Stat(filepath.Join(env.workspace.Root(), "answers", resp.RunID+".md"))
	assert.True(t, os.IsNotExist(err))
}

func TestCancelWhileWaitingForApproval(t *testing.T) {
	env := newTestEnv(t)
	resp := env.start(t, domain.StartRunRequest{})
	ap := env.waitApproval(t, resp.RunID)

	cancelled, err := env.svc.CancelRun(context.Background(), domain.CancelRunRequest{
		RunID: resp.RunID, Reason: "stop please", ScopeProjectID: project,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancellationRequested, cancelled.Status)

	_, err = env.svc.DecideApproval(context.Background(), domain.DecideRequest{
		RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionApprove,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	events := env.collect(t, resp.RunID)
	last := runEnd(t, events)
	assert.Equal(t, domain.RunStatusCancelled, last.Status)
	assert.Equal(t, domain.RunCodeUserCancelled, last.Code)
	assert.Equal(t, "stop please", last.Reason)
	ends := find(events, "tool.end")
	require.Len(t, ends, 1)
	expired := ends[0].Content.(domain.ToolEndContent)
	assert.Equal(t, ap.ApprovalID, expired.ApprovalID)
	assert.Empty(t, expired.Decision)
	assert.Equal(t, "approval expired: stop please", expired.Error)
	assert.Less(t, ends[0].Sequence, events[len(events)-1].Sequence)

	result, err := env.svc.GetRunResult(context.Background(), resp.RunID, project)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, result.Status)

	again, err := env.svc.CancelRun(context.Background(), domain.CancelRunRequest{RunID: resp.RunID, ScopeProjectID: project})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, again.Status)

	stored, err := env.store.GetApproval(context.Background(), ap.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusExpired, stored.Status)

	_, err = env.svc.DecideApproval(context.Background(), domain.DecideRequest{
		RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionApprove,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelBetweenSteps(t *testing.T) {
	slow := engine.NewScripted("slow_echo", engine.ScriptedOptions{StepDelay: 20 * time.Millisecond})
	env := newTestEnv(t, slow)
	resp := env.start(t, domain.StartRunRequest{RuntimeEngine: "slow_echo"})

	_, err := env.svc.CancelRun(context.Background(), domain.CancelRunRequest{RunID: resp.RunID, ScopeProjectID: project})
	require.NoError(t, err)

	events := env.collect(t, resp.RunID)
	assert.Empty(t, find(events, "message.final"))
	assert.Equal(t, domain.RunCodeUserCancelled, runEnd(t, events).Code)
}

func TestTimeoutWhileWaiting(t *testing.T) {
	env := newTestEnv(t)
	began := time.Now()
	resp := env.start(t, domain.StartRunRequest{TimeoutMs: 100})

	events := env.collect(t, resp.RunID)
	last := runEnd(t, events)
	assert.Equal(t, domain.RunStatusTimedOut, last.Status)
	assert.Equal(t, domain.RunCodeTimeout, last.Code)
	assert.Less(t, time.Since(began), 2*time.Second)
	ends := find(events, "tool.end")
	require.Len(t, ends, 1)
	assert.Contains(t, ends[0].Content.(domain.ToolEndContent).Error, "approval expired")

	result, err := env.svc.GetRunResult(context.Background(), resp.RunID, project)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusTimedOut, result.Status)
	assert.Equal(t, domain.RunCodeTimeout, result.Code)
}

func TestDecideRacingCancelAgreesWithLog(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 20; i++ {
		resp := env.start(t, domain.StartRunRequest{})
		ap := env.waitApproval(t, resp.RunID)

		var decideErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, decideErr = env.svc.DecideApproval(context.Background(), domain.DecideRequest{
				RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionApprove,
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = env.svc.CancelRun(context.Background(), domain.CancelRunRequest{RunID: resp.RunID, ScopeProjectID: project})
		}()
		wg.Wait()

		events := env.collect(t, resp.RunID)
		ends := find(events, "tool.end")
		require.Len(t, ends, 1)
		end := ends[0].Content.(domain.ToolEndContent)
		stored, err := env.store.GetApproval(context.Background(), ap.ApprovalID)
		require.NoError(t, err)

		if decideErr != nil {
			assert.ErrorIs(t, decideErr, domain.ErrInvalidState)
			assert.Equal(t, domain.ApprovalStatusExpired, stored.Status)
			assert.Empty(t, end.Decision)
			assert.Contains(t, end.Error, "approval expired")
			assert.Equal(t, domain.RunStatusCancelled, runEnd(t, events).Status)
			continue
		}
		assert.Equal(t, domain.ApprovalStatusApproved, stored.Status)
		assert.Equal(t, domain.DecisionApprove, end.Decision)
		assert.Contains(t, []domain.RunStatus{domain.RunStatusCompleted, domain.RunStatusCancelled}, runEnd(t, events).Status)
	}
}

func TestTimeoutAbandonsToolAfterGrace(t *testing.T) {
	env := newTestEnv(t)
	began := time.Now()
	resp := env.start(t, domain.StartRunRequest{RuntimeEngine: "slow", TimeoutMs: 150})

	events := env.collect(t, resp.RunID)
	assert.Less(t, time.Since(began), 900*time.Millisecond)
	assert.Equal(t, domain.RunStatusTimedOut, runEnd(t, events).Status)

	end := find(events, "tool.end")[0].Content.(domain.ToolEndContent)
	assert.Contains(t, end.Error, "abandoned")
}

func TestPolicyBlockAndUnknownToolFeedBack(t *testing.T) {
	env := newTestEnv(t)

	for name, want := range map[string]string{"blocked": "blocked by policy", "unknown": "unknown tool"} {
		resp := env.start(t, domain.StartRunRequest{RuntimeEngine: name})
		events := env.collect(t, resp.RunID)

		end := find(events, "tool.end")[0].Content.(domain.ToolEndContent)
		assert.Contains(t, end.Error, want, name)
		final := find(events, "message.final")[0].Content.(domain.MessageFinalContent)
		assert.True(t, strings.HasPrefix(final.Text, "The tool failed: "), name)
		assert.Equal(t, domain.RunStatusCompleted, runEnd(t, events).Status, name)
	}
}

func TestEngineFailureEndsRun(t *testing.T) {
	broken := funcEngine{name: "broken", next: func(ctx context.Context, obs engine.Observation, sink engine.Sink) (engine.Step, error) {
		if err := sink.ReasoningStart(ctx); err != nil {
			return engine.Step{}, err
		}
		return engine.Step{}, errors.New("model unavailable")
	}}
	panicky := funcEngine{name: "panicky", next: func(ctx context.Context, obs engine.Observation, sink engine.Sink) (engine.Step, error) {
		panic("boom")
	}}
	env := newTestEnv(t, broken, panicky)

	for _, name := range []string{"broken", "panicky"} {
		resp := env.start(t, domain.StartRunRequest{RuntimeEngine: name})
		events := env.collect(t, resp.RunID)
		last := runEnd(t, events)
		assert.Equal(t, domain.RunStatusFailed, last.Status, name)
		assert.Equal(t, domain.RunCodeInternalError, last.Code, name)
		assert.NotEmpty(t, last.Error, name)

		result, err := env.svc.GetRunResult(context.Background(), resp.RunID, project)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusFailed, result.Status, name)
	}
}

func TestLateJoinerReplaysAfterReap(t *testing.T) {
	env := newTestEnv(t)
	resp := env.start(t, domain.StartRunRequest{RuntimeEngine: "echo", Question: "ping"})

	live := env.collect(t, resp.RunID)
	assert.Equal(t, "You asked: ping", find(live, "message.final")[0].Content.(domain.MessageFinalContent).Text)

	// Replay from the live log.
	again := env.collect(t, resp.RunID)
	assert.Equal(t, live, again)

	assert.Equal(t, 1, env.svc.reap())
	_, ok := env.svc.lookup(resp.RunID)
	assert.False(t, ok)

	st, err := env.svc.OpenStream(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.False(t, st.Live())
	st.Close()

	replayed := env.collect(t, resp.RunID)
	require.Len(t, replayed, len(live))
	for i := range live {
		assert.Equal(t, live[i].EventID, replayed[i].EventID)
		assert.Equal(t, live[i].Sequence, replayed[i].Sequence)
		assert.Equal(t, live[i].DisplayOrder, replayed[i].DisplayOrder)
		assert.Equal(t, live[i].Content, replayed[i].Content)
	}

	result, err := env.svc.GetRunResult(context.Background(), resp.RunID, project)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, result.Status)

	events, err := env.svc.ListRunEvents(context.Background(), resp.RunID, 2, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestReaperHonoursRetention(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.RunRetention = 0
	resp := env.start(t, domain.StartRunRequest{RuntimeEngine: "echo"})

	require.Eventually(t, func() bool { return env.svc.reap() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok := env.svc.lookup(resp.RunID)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.svc.RunReaper(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestConversationContinues(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t, domain.StartRunRequest{})
	ap := env.waitApproval(t, first.RunID)

	_, err := env.svc.StartRun(context.Background(), domain.StartRunRequest{
		Question: "again", ScopeProjectID: project, ConversationID: first.ConversationID,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = env.svc.DecideApproval(context.Background(), domain.DecideRequest{RunID: first.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionApprove})
	require.NoError(t, err)
	firstEvents := env.collect(t, first.RunID)

	second := env.start(t, domain.StartRunRequest{RuntimeEngine: "echo", Question: "again", ConversationID: first.ConversationID})
	assert.Equal(t, first.ConversationID, second.ConversationID)
	secondEvents := env.collect(t, second.RunID)
	assert.Greater(t, secondEvents[0].DisplayOrder, firstEvents[len(firstEvents)-1].DisplayOrder)

	items, err := env.svc.Timeline(context.Background(), first.ConversationID, project)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, "user:", items[0].ID[:5])
	assert.Equal(t, "assistant:"+second.RunID, items[len(items)-1].ID)
}

// runEndFailingStore fails to persist run.end events.
type runEndFailingStore struct {
	repository.Store
}

func (s runEndFailingStore) CreateEvent(ctx context.Context, ev *domain.Event) error {
	if ev.Kind() == "run.end" {
		return errors.New("disk full")
	}
	return s.Store.CreateEvent(ctx, ev)
}

func TestRunEndDeliveredWhenPersistFails(t *testing.T) {
	env := newTestEnvWithStore(t, func(s repository.Store) repository.Store {
		return runEndFailingStore{Store: s}
	})
	first := env.start(t, domain.StartRunRequest{RuntimeEngine: "echo", Question: "ping"})

	events := env.collect(t, first.RunID)
	assert.Equal(t, domain.RunStatusCompleted, runEnd(t, events).Status)

	result, err := env.svc.GetRunResult(context.Background(), first.RunID, project)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, result.Status)

	second := env.start(t, domain.StartRunRequest{RuntimeEngine: "echo", Question: "again", ConversationID: first.ConversationID})
	assert.Equal(t, first.ConversationID, second.ConversationID)
	env.collect(t, second.RunID)
	assert.Equal(t, 2, env.svc.reap())
}

func TestStreamCap(t *testing.T) {
	env := newTestEnv(t)
	resp := env.start(t, domain.StartRunRequest{})
	env.waitApproval(t, resp.RunID)

	for i := 0; i < env.cfg.MaxStreamsPerRun; i++ {
		st, err := env.svc.OpenStream(context.Background(), resp.RunID)
		require.NoError(t, err)
		defer st.Close()
	}
	_, err := env.svc.OpenStream(context.Background(), resp.RunID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestTerminalRunReplaysBeyondStreamCap(t *testing.T) {
	env := newTestEnv(t)
	resp := env.start(t, domain.StartRunRequest{RuntimeEngine: "echo", Question: "ping"})
	live := env.collect(t, resp.RunID)

	for i := 0; i < env.cfg.MaxStreamsPerRun+2; i++ {
		st, err := env.svc.OpenStream(context.Background(), resp.RunID)
		require.NoError(t, err)
		assert.False(t, st.Live())
		defer st.Close()
	}
	_, ok := env.svc.lookup(resp.RunID)
	require.True(t, ok)

	again := env.collect(t, resp.RunID)
	assert.Equal(t, live, again)
}

func TestShutdownCancelsLiveRuns(t *testing.T) {
	env := newTestEnv(t)
	resp := env.start(t, domain.StartRunRequest{})
	env.waitApproval(t, resp.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.svc.Shutdown(ctx))

	result, err := env.svc.GetRunResult(context.Background(), resp.RunID, project)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, result.Status)
}

func TestErrorTaxonomy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	startCases := []struct {
		name string
		req  domain.StartRunRequest
		want error
	}{
		{"empty question", domain.StartRunRequest{Question: " ", ScopeProjectID: project}, domain.ErrInvalidArgument},
		{"missing scope", domain.StartRunRequest{Question: "hi"}, domain.ErrInvalidArgument},
		{"too large", domain.StartRunRequest{Question: strings.Repeat("x", 2048), ScopeProjectID: project}, domain.ErrPayloadTooLarge},
		{"unknown engine", domain.StartRunRequest{Question: "hi", ScopeProjectID: project, RuntimeEngine: "nope"}, domain.ErrInvalidArgument},
		{"unknown conversation", domain.StartRunRequest{Question: "hi", ScopeProjectID: project, ConversationID: "conv_missing"}, domain.ErrNotFound},
	}
	for _, tc := range startCases {
		_, err := env.svc.StartRun(ctx, tc.req)
		assert.ErrorIs(t, err, tc.want, tc.name)
	}

	resp := env.start(t, domain.StartRunRequest{})
	ap := env.waitApproval(t, resp.RunID)

	_, err := env.svc.StartRun(ctx, domain.StartRunRequest{Question: "hi", ScopeProjectID: "other", ConversationID: resp.ConversationID})
	assert.ErrorIs(t, err, domain.ErrScopeMismatch)

	_, err = env.svc.CancelRun(ctx, domain.CancelRunRequest{RunID: "run_missing", ScopeProjectID: project})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.CancelRun(ctx, domain.CancelRunRequest{RunID: resp.RunID, ScopeProjectID: "other"})
	assert.ErrorIs(t, err, domain.ErrScopeMismatch)

	_, err = env.svc.GetRunResult(ctx, resp.RunID, "other")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.GetRunResult(ctx, "run_missing", project)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.svc.OpenStream(ctx, "run_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	decide := func(req domain.DecideRequest) error {
		_, err := env.svc.DecideApproval(ctx, req)
		return err
	}
	assert.ErrorIs(t, decide(domain.DecideRequest{RunID: "run_missing", ApprovalID: ap.ApprovalID, Decision: domain.DecisionApprove}), domain.ErrNotFound)
	assert.ErrorIs(t, decide(domain.DecideRequest{RunID: resp.RunID, ApprovalID: "ap_missing", Decision: domain.DecisionApprove}), domain.ErrNotFound)
	assert.ErrorIs(t, decide(domain.DecideRequest{RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionApprove, ScopeProjectID: "other"}), domain.ErrScopeMismatch)
	assert.ErrorIs(t, decide(domain.DecideRequest{RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionEdit}), domain.ErrInvalidArgument)
	assert.ErrorIs(t, decide(domain.DecideRequest{RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: "maybe"}), domain.ErrInvalidArgument)

	require.NoError(t, decide(domain.DecideRequest{RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionApprove}))
	err = decide(domain.DecideRequest{RunID: resp.RunID, ApprovalID: ap.ApprovalID, Decision: domain.DecisionApprove})
	assert.True(t, errors.Is(err, domain.ErrInvalidState), "second decision: %v", err)

	env.collect(t, resp.RunID)
	_, err = env.svc.ListPendingApprovals(ctx, "run_missing", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.svc.ListMessages(ctx, resp.ConversationID, "", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = env.svc.Timeline(ctx, resp.ConversationID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = env.svc.Timeline(ctx, resp.ConversationID, "other")
	assert.ErrorIs(t, err, domain.ErrScopeMismatch)
}
