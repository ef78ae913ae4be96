package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/daemon"
	"github.com/sgttomas/chirality-runtime/internal/identity"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage human identity (for turn attribution and review)",
	}
	cmd.AddCommand(newIdentityDetectCmd())
	cmd.AddCommand(newIdentityWhoamiCmd())
	return cmd
}

func newIdentityDetectCmd() *cobra.Command {
	var repoDir string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect identity from git config and save to members/",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			h, path, err := identity.DetectAndSave(home, repoDir)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Detected %s <%s>, acting as %s\n", h.Name, h.Email, idFmt(h.Actor()))
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoDir, "repo", "", "Git repo path (default: global git config)")
	return cmd
}

func newIdentityWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Print the actor recorded on turns you seal",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			h := identity.Resolve(home, daemon.WorkspaceDir(home, cfg))
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]string{"actor": h.Actor().String(), "source": h.Source, "email": h.Email})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", h.Actor(), dimFmt("(from "+h.Source+")"))
			return nil
		},
	}
	return cmd
}
