package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/daemon"
)

func newStopCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon; open turns are discarded, sealed state is kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := daemon.Stop(cmd.Context(), config.MustHomeFrom(cmd.Context()), grace)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Running {
				_, _ = fmt.Fprintln(out, dimFmt("chirality is not running"))
				return nil
			}
			_, _ = fmt.Fprintf(out, "%s chirality (pid %d, %s)\n", okFmt("Stopped"), st.PID, st.Addr)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 15*time.Second, "How long to wait for a clean shutdown before killing")
	return cmd
}
