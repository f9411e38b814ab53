package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/xiaot623/agentrun/internal/client"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/timeline"
)

func newWatchCmd() *cobra.Command {
	var useWS bool

	cmd := &cobra.Command{
		Use:   "watch <run_id>",
		Short: "Follow a run until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd, newClient(), args[0], useWS)
		},
	}

	cmd.Flags().BoolVar(&useWS, "ws", false, "follow over WebSocket instead of SSE")
	return cmd
}

func newTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <conversation_id>",
		Short: "Show the reduced timeline of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().Timeline(cmd.Context(), args[0], projectID)
			if err != nil {
				return err
			}
			if outFormat == "json" {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			writeTimelineTable(cmd.OutOrStdout(), items)
			return nil
		},
	}
}

// watchRun streams a run and re-reduces the timeline after every frame. On a
// terminal the table is redrawn in place; otherwise each event is logged and
// the table printed once at the end.
func watchRun(cmd *cobra.Command, c *client.Client, runID string, useWS bool) error {
	out := cmd.OutOrStdout()
	redraw := false
	if f, ok := out.(*os.File); ok {
		redraw = isTerminal(f.Fd()) && outFormat != "json"
	}

	var events []domain.Event
	handle := func(ev domain.Event) error {
		events = append(events, ev)
		switch {
		case outFormat == "json":
			return writeJSONLine(out, ev)
		case redraw:
			fmt.Fprint(out, "\033[H\033[2J")
			writeTimelineTable(out, timeline.Reduce(events, nil, runID))
		default:
			fmt.Fprintf(out, "%4d  %s\n", ev.Sequence, describe(ev))
		}
		return nil
	}

	var err error
	if useWS {
		err = c.StreamWS(cmd.Context(), runID, handle)
	} else {
		err = c.Stream(cmd.Context(), runID, handle)
	}
	if err != nil {
		return err
	}

	if !redraw && outFormat != "json" {
		writeTimelineTable(out, timeline.Reduce(events, nil, ""))
	}
	return nil
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
