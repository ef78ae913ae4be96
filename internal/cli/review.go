package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/pkg/models"
)

func newReviewCmd() *cobra.Command {
	var req models.ReviewRequest
	var approve, requestChanges bool
	cmd := &cobra.Command{
		Use:   "review <deliverable-id>",
		Short: "Issue a deliverable in Checking or send it back for changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case approve && requestChanges:
				return fmt.Errorf("--approve and --request-changes are exclusive")
			case approve:
				req.Outcome = models.ReviewApproved
			case requestChanges:
				req.Outcome = models.ReviewChangesRequested
			default:
				return fmt.Errorf("one of --approve or --request-changes is required")
			}
			req.Deliverable = args[0]
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.Review(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printTurn(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "Approve and issue the deliverable")
	cmd.Flags().BoolVar(&requestChanges, "request-changes", false, "Send the deliverable back to IN_PROGRESS")
	cmd.Flags().StringVar(&req.Comments, "comments", "", "Review comments recorded with the turn")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Reviewing session (default: picked by the server)")
	cmd.Flags().Int64Var(&req.FromVersion, "from-version", 0, "Expected deliverable version (default: current)")
	return cmd
}
