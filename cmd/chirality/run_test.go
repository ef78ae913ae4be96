package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sgttomas/chirality-runtime/pkg/client"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

func TestRun_help(t *testing.T) {
	ctx := context.Background()
	code := Run(ctx, []string{"--help"})
	if code != 0 {
		t.Errorf("Run --help: got exit code %d", code)
	}
}

func TestRun_version(t *testing.T) {
	ctx := context.Background()
	code := Run(ctx, []string{"--version"})
	if code != 0 {
		t.Errorf("Run --version: got exit code %d", code)
	}
}

func TestRun_unknownFlag(t *testing.T) {
	ctx := context.Background()
	var stderr bytes.Buffer
	code := run(ctx, []string{"--unknown-flag"}, &stderr)
	if code != exitError {
		t.Errorf("Run --unknown-flag: got exit code %d, want %d", code, exitError)
	}
}

func TestReport_rejection(t *testing.T) {
	var buf bytes.Buffer
	err := fmt.Errorf("seal: %w", &client.APIError{
		Status:   403,
		Kind:     models.KindWriteDenied,
		Message:  "write denied",
		Decision: &models.Decision{Rule: 2, Pattern: "deliverables/**"},
	})
	if code := report(&buf, err); code != exitRejected {
		t.Errorf("got exit code %d, want %d", code, exitRejected)
	}
	if !strings.Contains(buf.String(), "deliverables/**") {
		t.Errorf("expected matched rule in output, got %q", buf.String())
	}

	buf.Reset()
	if code := report(&buf, errors.New("boom")); code != exitError {
		t.Errorf("got exit code %d, want %d", code, exitError)
	}
}
