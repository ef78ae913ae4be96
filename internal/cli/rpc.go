package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/daemon"
	"github.com/sgttomas/chirality-runtime/internal/rpc"
)

func newRPCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Serve the core API as JSON-RPC 2.0 on stdin/stdout (for agent processes)",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			logger := cfg.NewLogger(cmd.ErrOrStderr())
			stack, err := daemon.Build(cmd.Context(), home, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = stack.Close() }()
			srv := &rpc.Server{Engine: stack.Engine, Orchestrator: stack.Orchestrator, Logger: logger}
			return srv.ServeStdio(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	return cmd
}
