package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/tools"
)

type recordingSink struct {
	reasoning []string
	ends      []string
	usages    []domain.Usage
	deltas    []string
	starts    int
	stopAfter int
}

var errStopped = errors.New("stopped")

func (s *recordingSink) tick() error {
	if s.stopAfter > 0 {
		s.stopAfter--
		if s.stopAfter == 0 {
			return errStopped
		}
	}
	return nil
}

func (s *recordingSink) ReasoningStart(ctx context.Context) error {
	s.starts++
	return s.tick()
}

func (s *recordingSink) Reasoning(ctx context.Context, text string) error {
	s.reasoning = append(s.reasoning, text)
	return s.tick()
}

func (s *recordingSink) ReasoningUsage(ctx context.Context, usage domain.Usage, model string) error {
	s.usages = append(s.usages, usage)
	return s.tick()
}

func (s *recordingSink) ReasoningEnd(ctx context.Context, text string) error {
	s.ends = append(s.ends, text)
	return s.tick()
}

func (s *recordingSink) MessageDelta(ctx context.Context, delta string) error {
	s.deltas = append(s.deltas, delta)
	return s.tick()
}

func TestScriptedSessionFlow(t *testing.T) {
	e := NewScripted("scripted", DefaultScriptedOptions())
	sess, err := e.NewSession(context.Background(), SessionRequest{RunID: "run_1", Question: "hello"})
	require.NoError(t, err)

	sink := &recordingSink{}
	step, err := sess.Next(context.Background(), Observation{}, sink)
	require.NoError(t, err)
	require.NotNil(t, step.ToolCall)
	assert.Equal(t, "write_file", step.ToolCall.ToolName)
	assert.Equal(t, "call_run_1_1", step.ToolCall.ToolCallID)
	assert.Equal(t, []string{"draft", "draft refined"}, sink.reasoning)
	assert.Equal(t, []string{"draft refined"}, sink.ends)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal(step.ToolCall.Args, &args))
	assert.Equal(t, "/answers/run_1.md", args["path"])
	assert.Equal(t, false, args["overwrite"])

	edited := []byte(`{"path":"/tmp/edited.md","overwrite":false}`)
	step, err = sess.Next(context.Background(), Observation{
		Call:          step.ToolCall,
		Decision:      domain.DecisionEdit,
		EffectiveArgs: edited,
		Result:        domain.ToolResult{Output: []byte(`{"path":"/tmp/edited.md"}`)},
	}, sink)
	require.NoError(t, err)
	require.NotNil(t, step.Final)
	assert.Equal(t, "Saved the answer to /tmp/edited.md.", step.Final.Text)
	assert.Equal(t, step.Final.Text, strings.Join(sink.deltas, ""))
	assert.Equal(t, 2, sink.starts)
}

func TestScriptedWithoutTool(t *testing.T) {
	e := NewScripted("echo", ScriptedOptions{})
	sess, err := e.NewSession(context.Background(), SessionRequest{RunID: "run_1", Question: "ping"})
	require.NoError(t, err)

	step, err := sess.Next(context.Background(), Observation{}, &recordingSink{})
	require.NoError(t, err)
	require.NotNil(t, step.Final)
	assert.Equal(t, "You asked: ping", step.Final.Text)
}

func TestScriptedStopsOnSinkError(t *testing.T) {
	e := NewScripted("scripted", DefaultScriptedOptions())
	sess, err := e.NewSession(context.Background(), SessionRequest{RunID: "run_1", Question: "hello"})
	require.NoError(t, err)

	_, err = sess.Next(context.Background(), Observation{}, &recordingSink{stopAfter: 2})
	assert.ErrorIs(t, err, errStopped)
}

func TestLLMSessionWithMockClient(t *testing.T) {
	e := NewLLM(llm.NewMockClient(), "mock-model")
	assert.Equal(t, "llm", e.Name())

	sess, err := e.NewSession(context.Background(), SessionRequest{
		RunID:    "run_1",
		Question: "write something",
		Tools:    tools.DefaultCatalog().List(),
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	step, err := sess.Next(context.Background(), Observation{}, sink)
	require.NoError(t, err)
	require.NotNil(t, step.ToolCall)
	assert.JSONEq(t, `{"path":"/mock/answer.md","content":"mock answer","overwrite":false}`, string(step.ToolCall.Args))
	require.NotEmpty(t, sink.reasoning)
	assert.Equal(t, "Considering the request.", sink.reasoning[len(sink.reasoning)-1])
	assert.Equal(t, []string{"Considering the request."}, sink.ends)
	require.Len(t, sink.usages, 1)

	step, err = sess.Next(context.Background(), Observation{
		Call:   step.ToolCall,
		Result: domain.ToolResult{Output: []byte(`{"ok":true}`)},
	}, sink)
	require.NoError(t, err)
	require.NotNil(t, step.Final)
	assert.Equal(t, `[MOCK] Tool finished: {"ok":true}`, step.Final.Text)
	assert.Equal(t, step.Final.Text, strings.Join(sink.deltas, ""))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewScripted("scripted", DefaultScriptedOptions()))
	r.Register(NewScripted("echo", ScriptedOptions{}))

	assert.Equal(t, []string{"echo", "scripted"}, r.Names())
	_, err := r.Get("scripted")
	assert.NoError(t, err)
	_, err = r.Get("missing")
	assert.Error(t, err)
}
