package cli

import (
	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var flags daemonFlags

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			opts := flags.options(home)
			opts.Version = cmd.Root().Version
			opts.Config = &cfg
			opts.Logger = cfg.NewLogger(cmd.ErrOrStderr())
			return daemon.StartForeground(cmd.Context(), opts)
		},
	}
	flags.register(cmd)
	return cmd
}
