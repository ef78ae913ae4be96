package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/daemon"
	"github.com/sgttomas/chirality-runtime/internal/identity"
	"github.com/sgttomas/chirality-runtime/pkg/client"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	idFmt   = color.New(color.FgCyan).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

// apiClient returns a client for the daemon serving the current home. The
// acting identity is sent on every request.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	home := config.MustHomeFrom(cmd.Context())
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		var err error
		if base, err = daemon.BaseURL(cmd.Context(), home); err != nil {
			return nil, fmt.Errorf("%w (run `chirality start` or pass --server)", err)
		}
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	c := client.New(strings.TrimRight(base, "/"), cfg.APIKey)
	c.Actor = identity.CurrentActor(home, daemon.WorkspaceDir(home, cfg)).String()
	return c, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stateFmt colors a lifecycle state by how far along it is.
func stateFmt(state string) string {
	switch state {
	case models.DeliverableIssued, models.SessionCompleted:
		return okFmt(state)
	case models.DeliverableChecking, models.SessionPaused:
		return warnFmt(state)
	case models.SessionFailed, models.SessionCancelled:
		return errFmt(state)
	}
	return state
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

func printTurn(w io.Writer, res *models.TurnResult) {
	outcome := res.Outcome
	switch outcome {
	case "sealed":
		outcome = okFmt(outcome)
	case "failed", "aborted":
		outcome = errFmt(outcome)
	}
	_, _ = fmt.Fprintf(w, "Turn %s (%d steps), session %s\n", outcome, res.Steps, stateFmt(res.Status))
	if res.CommitHash != "" {
		_, _ = fmt.Fprintf(w, "  commit %s\n", idFmt(shortCommit(res.CommitHash)))
	}
	for _, p := range res.Paths {
		_, _ = fmt.Fprintf(w, "  %s\n", p)
	}
	if res.Reply != "" {
		_, _ = fmt.Fprintf(w, "\n%s\n", res.Reply)
	}
}
