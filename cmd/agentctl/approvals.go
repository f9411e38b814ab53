package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/agentrun/internal/domain"
)

func newApprovalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approvals <run_id>",
		Short: "List the approvals a run is waiting on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approvals, err := newClient().ListPendingApprovals(cmd.Context(), args[0], projectID)
			if err != nil {
				return err
			}
			if outFormat == "json" {
				return writeJSON(cmd.OutOrStdout(), approvals)
			}
			writeApprovalsTable(cmd.OutOrStdout(), approvals)
			return nil
		},
	}
}

// newDecideCmd builds the approve, reject and edit commands.
func newDecideCmd(decision string) *cobra.Command {
	var editedArgs string

	cmd := &cobra.Command{
		Use:   decision + " <run_id> <approval_id>",
		Short: fmt.Sprintf("Submit %q for a pending approval", decision),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.DecideRequest{
				RunID:          args[0],
				ApprovalID:     args[1],
				Decision:       domain.Decision(decision),
				ScopeProjectID: projectID,
			}
			if decision == string(domain.DecisionEdit) {
				if editedArgs == "" {
					return errors.New("--args is required for edit")
				}
				if !json.Valid([]byte(editedArgs)) {
					return errors.New("--args is not valid JSON")
				}
				req.EditedArgs = json.RawMessage(editedArgs)
			}

			ap, err := newClient().DecideApproval(cmd.Context(), req)
			if err != nil {
				return err
			}
			if outFormat == "json" {
				return writeJSON(cmd.OutOrStdout(), ap)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ap.ApprovalID, ap.Status)
			return err
		},
	}

	if decision == string(domain.DecisionEdit) {
		cmd.Flags().StringVar(&editedArgs, "args", "", "replacement tool arguments as a JSON object")
	}
	return cmd
}
