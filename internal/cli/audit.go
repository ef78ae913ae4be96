package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/pkg/client"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

func newAuditCmd() *cobra.Command {
	var q client.AuditQuery
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List sealed turns, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			recs, err := c.ListAudit(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, recs)
			}
			if len(recs) == 0 {
				_, _ = fmt.Fprintln(out, "No audit records")
				return nil
			}
			for _, r := range recs {
				_, _ = fmt.Fprintf(out, "%s  %s  %-20s %d paths, %d transitions  %s\n",
					idFmt(shortCommit(r.CommitHash)), r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Actor, len(r.Paths), len(r.Transitions), dimFmt(r.SessionID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&q.SessionID, "session", "", "Only turns of this session")
	cmd.Flags().StringVar(&q.DeliverableID, "deliverable", "", "Only turns touching this deliverable")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Max records (default 200)")
	cmd.AddCommand(newAuditShowCmd())
	return cmd
}

func newAuditShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <commit>",
		Short: "Show the turn sealed against a commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			rec, err := c.AuditByCommit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			printAudit(cmd.OutOrStdout(), rec)
			return nil
		},
	}
	return cmd
}

func printAudit(w io.Writer, r *models.AuditRecord) {
	_, _ = fmt.Fprintf(w, "commit  %s\n", idFmt(r.CommitHash))
	_, _ = fmt.Fprintf(w, "turn    %s (session %s)\n", r.TurnID, r.SessionID)
	_, _ = fmt.Fprintf(w, "actor   %s\n", r.Actor)
	_, _ = fmt.Fprintf(w, "sealed  %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	for _, p := range r.Paths {
		_, _ = fmt.Fprintf(w, "  %s  %s\n", p, dimFmt(r.Hashes[p]))
	}
	for _, t := range r.Transitions {
		_, _ = fmt.Fprintf(w, "  v%-3d %s -> %s\n", t.Version, t.From, stateFmt(t.To))
	}
}
