package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaot623/agentrun/internal/domain"
)

func newStartCmd() *cobra.Command {
	var (
		engineName     string
		timeoutMs      int64
		conversationID string
		watch          bool
		useWS          bool
	)

	cmd := &cobra.Command{
		Use:   "start <question>",
		Short: "Start a run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			resp, err := c.StartRun(cmd.Context(), domain.StartRunRequest{
				Question:       strings.Join(args, " "),
				ScopeProjectID: projectID,
				RuntimeEngine:  engineName,
				TimeoutMs:      timeoutMs,
				ConversationID: conversationID,
			})
			if err != nil {
				return err
			}
			if outFormat == "json" {
				if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s in conversation %s\n", resp.RunID, resp.ConversationID)
			}
			if !watch {
				return nil
			}
			return watchRun(cmd, c, resp.RunID, useWS)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&engineName, "engine", "", "runtime engine (server default when empty)")
	flags.Int64Var(&timeoutMs, "timeout-ms", 0, "run deadline in milliseconds (0 means none)")
	flags.StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	flags.BoolVarP(&watch, "watch", "w", false, "follow the run after starting it")
	flags.BoolVar(&useWS, "ws", false, "follow over WebSocket instead of SSE")

	return cmd
}

func newResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <run_id>",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().GetRunResult(cmd.Context(), args[0], projectID)
			if err != nil {
				return err
			}
			if outFormat == "json" {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			line := fmt.Sprintf("%s\t%s", result.RunID, result.Status)
			if result.Code != "" {
				line += "\t" + string(result.Code)
			}
			if result.Error != "" {
				line += "\t" + result.Error
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), line)
			return err
		},
	}
}

func newCancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Ask a run to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().CancelRun(cmd.Context(), args[0], reason, projectID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], resp.Status)
			return err
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on run.end")
	return cmd
}
