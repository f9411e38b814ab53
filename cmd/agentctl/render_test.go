package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/timeline"
)

func TestItemDetailTool(t *testing.T) {
	item := timeline.Item{
		Kind:          timeline.KindTool,
		Tool:          "write_file",
		Args:          json.RawMessage(`{"path":"a"}`),
		EffectiveArgs: json.RawMessage(`{"path":"b"}`),
		Decision:      timeline.DecisionApproved,
		Output:        json.RawMessage(`"ok"`),
	}
	assert.Equal(t, `write_file {"path":"b"} [approved] -> "ok"`, itemDetail(item))

	item.Output = nil
	item.Error = "boom"
	assert.Equal(t, `write_file {"path":"b"} [approved] error: boom`, itemDetail(item))
}

func TestItemDetailRunStatus(t *testing.T) {
	item := timeline.Item{
		Kind:      timeline.KindRunStatus,
		RunStatus: domain.RunStatusTimedOut,
		Code:      domain.RunCodeTimeout,
	}
	assert.Equal(t, "timed_out (timeout)", itemDetail(item))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", truncate("a\nb"))
	long := strings.Repeat("x", maxCell+10)
	got := []rune(truncate(long))
	assert.Len(t, got, maxCell)
	assert.Equal(t, '…', got[len(got)-1])
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		ev   domain.Event
		want string
	}{
		{
			ev:   domain.Event{Type: domain.EventTypeRun, Subtype: domain.SubtypeStart, Content: domain.RunStartContent{Question: "hi"}},
			want: `run.start "hi"`,
		},
		{
			ev: domain.Event{Type: domain.EventTypeRun, Subtype: domain.SubtypeEnd, Content: domain.RunEndContent{
				Status: domain.RunStatusCancelled, Code: domain.RunCodeApprovalRejected,
			}},
			want: "run.end cancelled approval_rejected",
		},
		{
			ev: domain.Event{Type: domain.EventTypeTool, Subtype: domain.SubtypeStart, Content: domain.ToolStartContent{
				Tool: "write_file", Args: json.RawMessage(`{}`), ApprovalRequired: true, ApprovalID: "ap1",
			}},
			want: "tool.start write_file {} awaiting approval ap1",
		},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, describe(tc.ev))
	}
}

func TestWriteTimelineTable(t *testing.T) {
	var buf bytes.Buffer
	writeTimelineTable(&buf, []timeline.Item{
		{Kind: timeline.KindUserMessage, Lane: timeline.LaneUser, Status: timeline.StatusComplete, Content: "hello"},
		{Kind: timeline.KindAssistantMessage, Lane: timeline.LaneAssistant, Status: timeline.StatusStreaming, Content: "You asked"},
	})
	out := buf.String()
	assert.Contains(t, out, "user-message")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "streaming")
}
