package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/daemon"
)

func newInitCmd() *cobra.Command {
	var (
		workspace string
		base      string
		driver    string
		dsn       string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write config.yaml and initialize the store and workspace repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			out := cmd.OutOrStdout()

			if _, err := os.Stat(config.Path(home)); os.IsNotExist(err) {
				cfg := config.Default()
				cfg.Workspace = workspace
				if base != "" {
					cfg.BaseBranch = base
				}
				if driver != "" {
					cfg.DB.Driver = driver
				}
				cfg.DB.DSN = dsn
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := config.Save(home, cfg); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Wrote %s\n", config.Path(home))
			} else if err != nil {
				return err
			} else {
				_, _ = fmt.Fprintf(out, "Using existing %s\n", config.Path(home))
			}

			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			stack, err := daemon.Build(cmd.Context(), home, cfg, cfg.NewLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer func() { _ = stack.Close() }()
			_, _ = fmt.Fprintf(out, "%s workspace %s (base %s), actor %s\n",
				okFmt("Initialized"), stack.Repo.Dir, cfg.BaseBranch, stack.Actor)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace repository (default: <home>/workspace)")
	cmd.Flags().StringVar(&base, "base", "", "Base branch (default: main)")
	cmd.Flags().StringVar(&driver, "db", "", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (or DATABASE_URL)")
	return cmd
}
