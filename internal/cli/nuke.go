package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/daemon"
)

const nukeConfirmation = "delete everything"

func newNukeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "nuke",
		Short: "Delete the home directory: store, briefs, agent memory, worktrees and a home-local workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			if st, err := daemon.Status(cmd.Context(), home); err == nil && st.Running {
				return fmt.Errorf("chirality is running (pid %d); stop it first", st.PID)
			}
			out := cmd.OutOrStdout()

			_, _ = fmt.Fprintln(out, errFmt("This permanently deletes all chirality state, including unmerged session branches."))
			_, _ = fmt.Fprintf(out, "Home: %s\n", home)
			if cfg, err := config.Load(home); err == nil {
				ws := daemon.WorkspaceDir(home, cfg)
				if rel, err := filepath.Rel(home, ws); err != nil || strings.HasPrefix(rel, "..") {
					_, _ = fmt.Fprintf(out, "Workspace %s is outside the home and is kept.\n", ws)
				}
			}

			if !yes {
				_, _ = fmt.Fprintf(out, "Type %q to confirm: ", nukeConfirmation)
				line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if strings.TrimSpace(line) != nukeConfirmation {
					_, _ = fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(home); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, okFmt("Deleted."))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")
	return cmd
}
