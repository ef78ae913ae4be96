package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "chirality",
		Short:        "Chirality: deliverable lifecycle runtime for agent-written documentation",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Home directory (default: CHIRALITY_HOME, then a project .chirality/ above the working directory, then ~/.chirality)")
	cmd.PersistentFlags().String("server", "", "Daemon base URL (default: read from the running daemon)")
	cmd.PersistentFlags().Bool("json", false, "Print raw JSON")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newDeliverableCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newReviewCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newRPCCmd())

	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newIdentityCmd())
	cmd.AddCommand(newApikeyCmd())
	cmd.AddCommand(newNukeCmd())

	// Hidden; re-executed by "chirality start" to run in the background.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	if version == "" {
		version = "dev"
	}
	cmd.Version = version
	cmd.SetVersionTemplate("chirality {{.Version}}\n")

	return cmd
}
