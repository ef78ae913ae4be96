package cli

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/policy"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			out := cmd.OutOrStdout()

			var problems []string

			// git backs every session branch and sealed turn.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}

			cfg, err := config.Load(home)
			if err != nil {
				problems = append(problems, fmt.Sprintf("config %s: %v", config.Path(home), err))
			} else {
				if _, err := policy.LoadFile(cfg.PolicyFile, nil); err != nil {
					problems = append(problems, fmt.Sprintf("policy: %v", err))
				}
				if cfg.Conversation.Runtime == "http" && cfg.Conversation.APIKey() == "" {
					_, _ = fmt.Fprintf(out, "%s %s is empty; the http runtime will send no key\n", warnFmt("warn:"), cfg.Conversation.APIKeyEnv)
				}
				if cfg.Conversation.Runtime == "subprocess" {
					if _, err := exec.LookPath(cfg.Conversation.Command); err != nil {
						problems = append(problems, fmt.Sprintf("subprocess runtime: %s not found", cfg.Conversation.Command))
					}
				}
			}

			if runtime.GOOS == "linux" {
				if _, err := exec.LookPath("bwrap"); err != nil {
					_, _ = fmt.Fprintf(out, "%s bwrap not found; subprocess agents run unjailed\n", warnFmt("warn:"))
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), errFmt(p))
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, okFmt("ok"))
			return nil
		},
	}
	return cmd
}
