package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/pkg/models"
)

func newDeliverableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deliverable",
		Aliases: []string{"del"},
		Short:   "Manage deliverables",
	}
	cmd.AddCommand(newDeliverableListCmd())
	cmd.AddCommand(newDeliverableShowCmd())
	cmd.AddCommand(newDeliverableCreateCmd())
	cmd.AddCommand(newDeliverableReviewerCmd())
	return cmd
}

func newDeliverableListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			ds, err := c.ListDeliverables(cmd.Context(), status)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, ds)
			}
			if len(ds) == 0 {
				_, _ = fmt.Fprintln(out, "No deliverables")
				return nil
			}
			for _, d := range ds {
				_, _ = fmt.Fprintf(out, "%-44s v%-3d %-28s %s\n", idFmt(d.ID), d.Version, d.Root, stateFmt(d.Status))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (e.g. CHECKING)")
	return cmd
}

func newDeliverableShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deliverable and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			d, err := c.GetDeliverable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, d)
			}
			_, _ = fmt.Fprintf(out, "%s  %s\n", idFmt(d.ID), stateFmt(d.Status))
			_, _ = fmt.Fprintf(out, "  root:    %s\n", d.Root)
			if d.Title != "" {
				_, _ = fmt.Fprintf(out, "  title:   %s\n", d.Title)
			}
			_, _ = fmt.Fprintf(out, "  version: %d\n", d.Version)
			for _, h := range d.History {
				_, _ = fmt.Fprintf(out, "  v%-3d %s -> %s  %s %s\n", h.Version, h.From, stateFmt(h.To), h.Actor, dimFmt(shortCommit(h.CommitHash)))
			}
			return nil
		},
	}
	return cmd
}

func newDeliverableCreateCmd() *cobra.Command {
	var req models.CreateDeliverableRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a deliverable and scaffold its folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Root == "" {
				return errors.New("--root is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.CreateDeliverable(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, res)
			}
			_, _ = fmt.Fprintf(out, "Created %s at %s\n", idFmt(res.Deliverable.ID), res.Deliverable.Root)
			if res.Scaffold.CommitHash != "" {
				_, _ = fmt.Fprintf(out, "  scaffold commit %s\n", shortCommit(res.Scaffold.CommitHash))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Root, "root", "", "Workspace folder of the deliverable (e.g. deliverables/DEL-01)")
	cmd.Flags().StringVar(&req.Title, "title", "", "Title")
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "Project id")
	cmd.Flags().StringVar(&req.PackageID, "package", "", "Package id")
	return cmd
}

func newDeliverableReviewerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviewer <id>",
		Short: "Show the live session that would review the deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			s, err := c.Reviewer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), s)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s %s  %s\n", idFmt(s.ID), s.AgentType, s.Agent, stateFmt(s.Status))
			return nil
		},
	}
	return cmd
}
