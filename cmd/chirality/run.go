package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/sgttomas/chirality-runtime/internal/cli"
	"github.com/sgttomas/chirality-runtime/pkg/client"
)

// Exit codes. A rejection is a well-formed refusal from the runtime
// (invalid transition, denied write, stale version) rather than a failure.
const (
	exitOK       = 0
	exitError    = 1
	exitRejected = 2
)

func Run(ctx context.Context, args []string) int {
	return run(ctx, args, os.Stderr)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	root := cli.NewRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return report(stderr, err)
	}
	return exitOK
}

func report(w io.Writer, err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Kind != "" {
		_, _ = fmt.Fprintf(w, "%s %s\n", color.New(color.FgYellow).Sprint(apiErr.Kind+":"), apiErr.Message)
		if apiErr.Decision != nil && apiErr.Decision.Pattern != "" {
			_, _ = fmt.Fprintf(w, "  matched rule %d (%s)\n", apiErr.Decision.Rule, apiErr.Decision.Pattern)
		}
		return exitRejected
	}
	// cobra already prints usage for some error types; keep this minimal.
	_, _ = fmt.Fprintln(w, err.Error())
	return exitError
}
