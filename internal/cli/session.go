package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/pkg/client"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open, drive and close agent sessions",
	}
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionOpenCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionTurnCmd())
	cmd.AddCommand(newSessionDiffCmd())
	cmd.AddCommand(newSessionActionCmd("pause", "Pause a PERSONA session", (*client.Client).Pause))
	cmd.AddCommand(newSessionActionCmd("resume", "Resume a paused session", (*client.Client).Resume))
	cmd.AddCommand(newSessionActionCmd("cancel", "Cancel a session and discard its open turn", (*client.Client).Cancel))
	cmd.AddCommand(newSessionCompleteCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			ss, err := c.ListSessions(cmd.Context(), status)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, ss)
			}
			if len(ss) == 0 {
				_, _ = fmt.Fprintln(out, "No sessions")
				return nil
			}
			for _, s := range ss {
				_, _ = fmt.Fprintf(out, "%-50s %-9s %-20s %s\n", idFmt(s.ID), s.AgentType, s.Agent, stateFmt(s.Status))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (e.g. ACTIVE)")
	return cmd
}

func newSessionOpenCmd() *cobra.Command {
	var (
		req       models.OpenSessionRequest
		briefFile string
	)
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a session from flags or a YAML brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			if briefFile != "" {
				data, err := os.ReadFile(briefFile)
				if err != nil {
					return err
				}
				req.Brief = string(data)
			} else if req.AgentType == "" {
				return errors.New("--type or --brief is required")
			}
			req.AgentType = strings.ToUpper(req.AgentType)
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			s, err := c.OpenSession(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), s)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Opened %s on branch %s\n", idFmt(s.ID), s.Branch)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.AgentType, "type", "", "Agent type: ARCHITECT, PERSONA or TASK")
	cmd.Flags().StringVar(&req.Agent, "agent", "", "Agent name (e.g. 4_DOCUMENTS)")
	cmd.Flags().StringSliceVar(&req.Deliverables, "deliverable", nil, "Linked deliverable id (repeatable)")
	cmd.Flags().StringVar(&req.BaseRef, "base", "", "Base ref for the session branch")
	cmd.Flags().StringVar(&briefFile, "brief", "", "Session brief YAML file")
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session, its deliverables and open turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			st, err := c.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, st)
			}
			s := st.Session
			_, _ = fmt.Fprintf(out, "%s  %s\n", idFmt(s.ID), stateFmt(s.Status))
			_, _ = fmt.Fprintf(out, "  agent:   %s %s\n", s.AgentType, s.Agent)
			_, _ = fmt.Fprintf(out, "  branch:  %s (base %s)\n", s.Branch, s.BaseRef)
			_, _ = fmt.Fprintf(out, "  actor:   %s\n", s.Actor)
			if s.LastCommit != "" {
				_, _ = fmt.Fprintf(out, "  last:    %s\n", shortCommit(s.LastCommit))
			}
			if s.MergeCommit != "" {
				_, _ = fmt.Fprintf(out, "  merged:  %s\n", shortCommit(s.MergeCommit))
			}
			for _, r := range s.Scope {
				_, _ = fmt.Fprintf(out, "  scope:   %-5s %s %s\n", r.Permission, r.Pattern, dimFmt(strings.Join(r.Ops, ",")))
			}
			for _, d := range st.Deliverables {
				_, _ = fmt.Fprintf(out, "  deliverable %s %s  %s\n", idFmt(d.ID), d.Root, stateFmt(d.Status))
			}
			if st.Turn != nil {
				_, _ = fmt.Fprintf(out, "  open turn %s: %d staged paths\n", st.Turn.TurnID, len(st.Turn.Paths))
			}
			return nil
		},
	}
	return cmd
}

func newSessionTurnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turn <id> <input...>",
		Short: "Run one agent turn and seal what it wrote",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.RunTurn(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printTurn(cmd.OutOrStdout(), res)
			return nil
		},
	}
	return cmd
}

func newSessionDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <id>",
		Short: "Show what the session branch changed since its base ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			diff, err := c.SessionDiff(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if diff == "" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), dimFmt("no changes"))
				return nil
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), diff)
			return nil
		},
	}
	return cmd
}

func newSessionActionCmd(name, short string, call func(*client.Client, context.Context, string) (*models.Accepted, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			acc, err := call(c, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), acc)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is %s (v%d)\n", idFmt(acc.EntityID), stateFmt(acc.State), acc.NewVersion)
			return nil
		},
	}
	return cmd
}

func newSessionCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a session through a sealed turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.Complete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printTurn(cmd.OutOrStdout(), res)
			return nil
		},
	}
	return cmd
}
