package review

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/store"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

func newEngine(t *testing.T) *workflow.Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	eng, err := workflow.New(workflow.Options{Store: st, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

// toChecking walks d from Open to Checking inside the open turn of s and
// returns the effective version.
func toChecking(t *testing.T, eng *workflow.Engine, s domain.AgentSession, d domain.Deliverable) int64 {
	t.Helper()
	v := d.Version
	for _, st := range []domain.DeliverableState{domain.DeliverableInitialized, domain.DeliverableSemanticReady, domain.DeliverableInProgress, domain.DeliverableChecking} {
		acc, err := eng.ProposeTransition(context.Background(), workflow.TransitionRequest{EntityID: string(d.ID), FromVersion: v, Target: string(st), SessionID: s.ID})
		if err != nil {
			t.Fatalf("-> %s: %v", st, err)
		}
		v = acc.NewVersion
	}
	return v
}

func seal(t *testing.T, eng *workflow.Engine, id domain.SessionID, commit string) {
	t.Helper()
	if _, err := eng.SealTurn(context.Background(), workflow.SealRequest{SessionID: id, CommitHash: strings.Repeat(commit, 40)}); err != nil {
		t.Fatalf("SealTurn: %v", err)
	}
}

func TestSubmitApprovedIssues(t *testing.T) {
	t.Parallel()
	eng := newEngine(t)
	ctx := context.Background()
	d, _ := eng.CreateDeliverable(ctx, workflow.CreateDeliverableRequest{Root: "deliverables/DEL-01"})
	s, err := eng.OpenSession(ctx, workflow.OpenSessionRequest{AgentType: domain.AgentPersona, Deliverables: []domain.DeliverableID{d.ID}})
	if err != nil {
		t.Fatal(err)
	}
	v := toChecking(t, eng, s, d)
	seal(t, eng, s.ID, "a")

	acc, err := Submit(ctx, eng, Request{SessionID: s.ID, Deliverable: d.ID, FromVersion: v, Outcome: OutcomeApproved, Reviewer: domain.Human("alice")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if acc.State != string(domain.DeliverableIssued) || !acc.Staged {
		t.Fatalf("Accepted = %+v", acc)
	}
	seal(t, eng, s.ID, "b")

	got, _ := eng.Store.GetDeliverable(ctx, d.ID)
	if got.Status != domain.DeliverableIssued {
		t.Fatalf("status = %s", got.Status)
	}
	last := got.History[len(got.History)-1]
	if last.Actor != domain.Human("alice") || last.CommitHash != strings.Repeat("b", 40) {
		t.Errorf("history = %+v", last)
	}
}

func TestSubmitChangesRequestedReturnsToWork(t *testing.T) {
	t.Parallel()
	eng := newEngine(t)
	ctx := context.Background()
	d, _ := eng.CreateDeliverable(ctx, workflow.CreateDeliverableRequest{Root: "deliverables/DEL-02"})
	s, _ := eng.OpenSession(ctx, workflow.OpenSessionRequest{AgentType: domain.AgentPersona, Deliverables: []domain.DeliverableID{d.ID}})
	v := toChecking(t, eng, s, d)

	acc, err := Submit(ctx, eng, Request{SessionID: s.ID, Deliverable: d.ID, FromVersion: v, Outcome: OutcomeChangesRequested})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if acc.State != string(domain.DeliverableInProgress) {
		t.Fatalf("state = %s", acc.State)
	}
}

func TestSubmitByTaskCannotIssue(t *testing.T) {
	t.Parallel()
	eng := newEngine(t)
	ctx := context.Background()
	d, _ := eng.CreateDeliverable(ctx, workflow.CreateDeliverableRequest{Root: "deliverables/DEL-03"})
	mgr, _ := eng.OpenSession(ctx, workflow.OpenSessionRequest{AgentType: domain.AgentPersona, Deliverables: []domain.DeliverableID{d.ID}})
	v := toChecking(t, eng, mgr, d)
	seal(t, eng, mgr.ID, "c")

	task, _ := eng.OpenSession(ctx, workflow.OpenSessionRequest{AgentType: domain.AgentTask, Deliverables: []domain.DeliverableID{d.ID}})
	_, err := Submit(ctx, eng, Request{SessionID: task.ID, Deliverable: d.ID, FromVersion: v, Outcome: OutcomeApproved})
	if !domain.IsKind(err, domain.KindTransitionNotAuthorized) {
		t.Fatalf("err = %v, want TransitionNotAuthorized", err)
	}
	if _, err := Submit(ctx, eng, Request{SessionID: task.ID, Deliverable: d.ID, FromVersion: v, Outcome: "maybe"}); err == nil {
		t.Fatal("unknown outcome accepted")
	}
}

func TestPickReviewer(t *testing.T) {
	t.Parallel()
	d := domain.Deliverable{ID: "del:1", History: []domain.HistoryEntry{
		{From: "IN_PROGRESS", To: "CHECKING", SessionID: "sess:author"},
	}}
	if got, _ := Submitter(d); got != "sess:author" {
		t.Fatalf("Submitter = %q", got)
	}
	linked := []domain.DeliverableID{"del:1"}
	sessions := []domain.AgentSession{
		{ID: "sess:task", AgentType: domain.AgentTask, Status: domain.SessionActive, Deliverables: linked},
		{ID: "sess:author", AgentType: domain.AgentPersona, Status: domain.SessionActive, Deliverables: linked},
		{ID: "sess:done", AgentType: domain.AgentPersona, Status: domain.SessionCompleted, Deliverables: linked},
		{ID: "sess:other", AgentType: domain.AgentArchitect, Status: domain.SessionActive, Deliverables: linked},
	}
	got, ok := PickReviewer(d, sessions, nil)
	if !ok || got.ID != "sess:other" {
		t.Fatalf("PickReviewer = %s, %v", got.ID, ok)
	}
	got, ok = PickReviewer(d, sessions[:3], nil)
	if !ok || got.ID != "sess:author" {
		t.Fatalf("fallback = %s, %v", got.ID, ok)
	}
	if _, ok := PickReviewer(d, sessions[:1], nil); ok {
		t.Fatal("TASK sessions cannot review")
	}
}
