package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/daemon"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and open work",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Running {
				_, _ = fmt.Fprintln(out, warnFmt("chirality not running"))
				return nil
			}
			_, _ = fmt.Fprintf(out, "%s (pid %d, addr %s)\n", okFmt("chirality running"), st.PID, st.Addr)

			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			b, err := c.Bootstrap(cmd.Context())
			if err != nil {
				// The daemon may still be starting; the pid line is enough.
				_, _ = fmt.Fprintln(out, dimFmt("  api: "+err.Error()))
				return nil
			}
			byState := map[string]int{}
			for _, d := range b.Deliverables {
				byState[d.Status]++
			}
			_, _ = fmt.Fprintf(out, "  workspace:    %s (base %s)\n", b.Config.Workspace, b.Config.BaseRef)
			_, _ = fmt.Fprintf(out, "  deliverables: %d", len(b.Deliverables))
			for _, s := range []string{models.DeliverableOpen, models.DeliverableInitialized, models.DeliverableSemanticReady,
				models.DeliverableInProgress, models.DeliverableChecking, models.DeliverableIssued} {
				if n := byState[s]; n > 0 {
					_, _ = fmt.Fprintf(out, "  %s=%d", stateFmt(s), n)
				}
			}
			_, _ = fmt.Fprintln(out)
			live := 0
			for _, s := range b.Sessions {
				if s.Status == models.SessionActive || s.Status == models.SessionPaused || s.Status == models.SessionCreated {
					live++
				}
			}
			_, _ = fmt.Fprintf(out, "  sessions:     %d live, %d total\n", live, len(b.Sessions))
			_, _ = fmt.Fprintf(out, "  open turns:   %d\n", b.OpenTurns)
			return nil
		},
	}
	return cmd
}
