package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/timeline"
)

const maxCell = 72

func writeTimelineTable(out io.Writer, items []timeline.Item) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, WidthMax: maxCell},
	})
	t.AppendHeader(table.Row{"#", "Kind", "Lane", "Status", "Detail"})
	for i, item := range items {
		t.AppendRow(table.Row{i + 1, item.Kind, item.Lane, item.Status, itemDetail(item)})
	}
	t.Render()
}

func writeApprovalsTable(out io.Writer, approvals []domain.Approval) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, WidthMax: maxCell},
	})
	t.AppendHeader(table.Row{"Approval", "Tool", "Status", "Args", "Created"})
	for _, ap := range approvals {
		t.AppendRow(table.Row{
			ap.ApprovalID,
			ap.ToolName,
			ap.Status,
			truncate(string(ap.RequestedArgs)),
			ap.CreatedAt.Local().Format("15:04:05"),
		})
	}
	t.Render()
}

func itemDetail(item timeline.Item) string {
	switch item.Kind {
	case timeline.KindTool:
		detail := item.Tool + " " + compact(item.EffectiveArgs, item.Args)
		if item.Decision != "" {
			detail += " [" + item.Decision + "]"
		}
		switch {
		case item.Error != "":
			detail += " error: " + item.Error
		case len(item.Output) > 0:
			detail += " -> " + string(item.Output)
		}
		return truncate(detail)
	case timeline.KindApproval:
		return truncate(item.Tool + " " + item.Decision)
	case timeline.KindRunStatus:
		detail := string(item.RunStatus)
		if item.Code != "" {
			detail += " (" + string(item.Code) + ")"
		}
		if item.Error != "" {
			detail += ": " + item.Error
		}
		return truncate(detail)
	case timeline.KindReasoning:
		if item.Usage != nil {
			return truncate(fmt.Sprintf("%s %d tokens", item.Model, item.Usage.TotalTokens))
		}
	}
	return truncate(item.Content)
}

// describe renders one event as a single log line.
func describe(ev domain.Event) string {
	kind := ev.Kind()
	switch c := ev.Content.(type) {
	case domain.RunStartContent:
		return fmt.Sprintf("%s %q", kind, c.Question)
	case domain.RunEndContent:
		s := fmt.Sprintf("%s %s", kind, c.Status)
		if c.Code != "" {
			s += " " + string(c.Code)
		}
		if c.Error != "" {
			s += ": " + c.Error
		}
		return s
	case domain.MessageChunkContent:
		return fmt.Sprintf("%s %q", kind, c.TextDelta)
	case domain.MessageFinalContent:
		return fmt.Sprintf("%s %s", kind, truncate(c.Text))
	case domain.ReasoningChunkContent:
		if c.Usage != nil {
			return fmt.Sprintf("%s %s %s %d tokens", kind, c.Phase, c.Model, c.Usage.TotalTokens)
		}
		return fmt.Sprintf("%s %s", kind, c.Phase)
	case domain.ReasoningStartContent:
		return fmt.Sprintf("%s %s", kind, c.Phase)
	case domain.ReasoningEndContent:
		return fmt.Sprintf("%s %s", kind, c.Phase)
	case domain.ToolStartContent:
		s := fmt.Sprintf("%s %s %s", kind, c.Tool, string(c.Args))
		if c.ApprovalRequired {
			s += " awaiting approval " + c.ApprovalID
		}
		return s
	case domain.ToolEndContent:
		s := fmt.Sprintf("%s %s", kind, c.Tool)
		if c.Decision != "" {
			s += " " + string(c.Decision)
		}
		if c.Error != "" {
			return s + " error: " + c.Error
		}
		return s + " " + truncate(string(c.Output))
	}
	return kind
}

func compact(raws ...json.RawMessage) string {
	for _, raw := range raws {
		if len(raw) > 0 {
			return string(raw)
		}
	}
	return ""
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > maxCell {
		return string(r[:maxCell-1]) + "…"
	}
	return s
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(out io.Writer, v interface{}) error {
	return json.NewEncoder(out).Encode(v)
}
