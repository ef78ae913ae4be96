package merge

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/agent/runtime"
	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/git"
	"github.com/sgttomas/chirality-runtime/internal/orchestrator"
	"github.com/sgttomas/chirality-runtime/internal/store"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

type fixture struct {
	st   store.Store
	repo *git.Repo
	orch *orchestrator.Orchestrator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	home := filepath.Join(t.TempDir(), "home")
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	repo, err := git.Init(ctx, filepath.Join(t.TempDir(), "ws"), "main")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := workflow.New(workflow.Options{Store: st, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	orch, err := orchestrator.New(orchestrator.Config{Engine: eng, Repo: repo, Runtime: runtime.StubRuntime{}, Home: home, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	return fixture{st: st, repo: repo, orch: orch}
}

func TestWorker_RunOnce_mergesCompletedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, res, err := f.orch.CreateDeliverable(ctx, workflow.CreateDeliverableRequest{Root: "deliverables/DEL-01", Title: "Relief valve"}, domain.ActorID{})
	if err != nil {
		t.Fatalf("CreateDeliverable: %v", err)
	}

	var quiet int
	var mergedID domain.SessionID
	w := &Worker{
		Store: f.st,
		Repo:  f.repo,
		Quiet: func(fn func() error) error { quiet++; return fn() },
		OnMerged: func(s domain.AgentSession, _ string) {
			mergedID = s.ID
		},
	}
	n, err := w.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if quiet != 1 || mergedID != res.SessionID {
		t.Errorf("quiet = %d, merged = %s", quiet, mergedID)
	}
	if _, err := os.Stat(filepath.Join(f.repo.Dir, "deliverables", "DEL-01", "_STATUS.md")); err != nil {
		t.Errorf("merged file missing from base checkout: %v", err)
	}
	s, _ := f.st.GetSession(ctx, res.SessionID)
	if s.MergeCommit == "" {
		t.Error("merge commit not recorded")
	}
	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Errorf("second round merged %d sessions", n)
	}
}

func TestWorker_RunOnce_conflictIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, res, err := f.orch.CreateDeliverable(ctx, workflow.CreateDeliverableRequest{Root: "deliverables/DEL-02"}, domain.ActorID{})
	if err != nil {
		t.Fatalf("CreateDeliverable: %v", err)
	}
	p := filepath.Join(f.repo.Dir, "deliverables", "DEL-02", "_STATUS.md")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("edited by hand\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.repo.Commit(ctx, "main", []string{"deliverables/DEL-02/_STATUS.md"}, "hand edit", domain.Human("alice")); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	w := &Worker{Store: f.st, Repo: f.repo}
	if n, err := w.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	s, _ := f.st.GetSession(ctx, res.SessionID)
	if s.MergeCommit != "" {
		t.Fatal("conflicting session recorded as merged")
	}
	if !w.skip(s) {
		t.Error("conflicting session should be skipped until it moves")
	}
}

func TestWorker_Run_respectsContextCancellation(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{Store: st, Interval: 1 * time.Hour}
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
		// Run exited
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancel")
	}
}
