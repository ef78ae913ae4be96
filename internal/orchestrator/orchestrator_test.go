package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgttomas/chirality-runtime/internal/agent/runtime"
	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/git"
	"github.com/sgttomas/chirality-runtime/internal/memory"
	"github.com/sgttomas/chirality-runtime/internal/store"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

type harness struct {
	o    *Orchestrator
	eng  *workflow.Engine
	repo *git.Repo
	home string
}

func newHarness(t *testing.T, maxSteps int, script ...runtime.Response) harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	home := t.TempDir()
	repo, err := git.Init(ctx, filepath.Join(t.TempDir(), "ws"), "main")
	require.NoError(t, err)
	st, err := store.Open(home)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := workflow.New(workflow.Options{Store: st, Logger: logger})
	require.NoError(t, err)
	o, err := New(Config{
		Engine:   eng,
		Repo:     repo,
		Runtime:  runtime.StubRuntime{Script: script},
		Home:     home,
		MaxSteps: maxSteps,
		Logger:   logger,
	})
	require.NoError(t, err)
	return harness{o: o, eng: eng, repo: repo, home: home}
}

func call(id, name string, args any) runtime.Response {
	raw, _ := json.Marshal(args)
	return runtime.Response{Message: runtime.Message{ToolCalls: []runtime.ToolCall{{ID: id, Name: name, Arguments: raw}}}}
}

func reply(text string) runtime.Response {
	return runtime.Response{Message: runtime.Message{Content: text}}
}

func (h harness) taskSession(t *testing.T) (domain.AgentSession, domain.Deliverable) {
	t.Helper()
	ctx := context.Background()
	d, err := h.eng.CreateDeliverable(ctx, workflow.CreateDeliverableRequest{Root: "deliverables/DEL-01", Title: "Relief valve"})
	require.NoError(t, err)
	s, err := h.o.StartSession(ctx, workflow.OpenSessionRequest{AgentType: domain.AgentTask, Agent: "4_DOCUMENTS", Deliverables: []domain.DeliverableID{d.ID}}, &domain.Brief{
		Agent:          "4_DOCUMENTS",
		TaskDefinition: "Draft the datasheet.",
		Inputs:         domain.BriefInputs{DeliverableID: string(d.ID)},
	})
	require.NoError(t, err)
	return s, d
}

func TestRunTurnCommitsAndSealsWrites(t *testing.T) {
	h := newHarness(t, 0,
		call("c1", "write_file", map[string]string{"path": "deliverables/DEL-01/Datasheet.md", "content": "# Datasheet\n"}),
		reply("Drafted the datasheet."),
	)
	ctx := context.Background()
	s, _ := h.taskSession(t)

	res, err := h.o.RunTurn(ctx, s.ID, "Start with the datasheet.")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSealed, res.Outcome)
	assert.Equal(t, []string{"deliverables/DEL-01/Datasheet.md"}, res.Paths)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, domain.SessionActive, res.Status)
	require.NotNil(t, res.Audit)
	assert.Equal(t, domain.HashBytes([]byte("# Datasheet\n")), res.Audit.Hashes["deliverables/DEL-01/Datasheet.md"])

	wt := &git.Repo{Dir: git.WorktreePath(h.home, s.ID)}
	changed, err := wt.ChangedPaths(ctx, res.CommitHash)
	require.NoError(t, err)
	assert.Equal(t, res.Paths, changed)

	diff, err := h.o.Diff(ctx, s.ID)
	require.NoError(t, err)
	assert.Contains(t, diff, "+++ b/deliverables/DEL-01/Datasheet.md")

	_, open := h.eng.OpenTurn(s.ID)
	assert.False(t, open)
	got, err := h.eng.Store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, res.CommitHash, got.LastCommit)

	j, err := (&memory.Journal{Home: h.home, Agent: "4_DOCUMENTS"}).Read(0)
	require.NoError(t, err)
	assert.Contains(t, j, "sealed")
	assert.Contains(t, j, "Drafted the datasheet.")

	sys := h.o.runs[s.ID].history[0]
	assert.Equal(t, runtime.RoleSystem, sys.Role)
	assert.Contains(t, sys.Content, "Draft the datasheet.")
}

func TestDeniedWriteIsReportedToTheAgent(t *testing.T) {
	h := newHarness(t, 0,
		call("c1", "write_file", map[string]string{"path": "_Standards/naming.md", "content": "x"}),
		reply("I cannot change standards."),
	)
	ctx := context.Background()
	s, _ := h.taskSession(t)

	res, err := h.o.RunTurn(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, res.Outcome)

	hist := h.o.runs[s.ID].history
	var toolMsg runtime.Message
	for _, m := range hist {
		if m.Role == runtime.RoleTool {
			toolMsg = m
		}
	}
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, `"kind":"WriteDenied"`)
	assert.Contains(t, toolMsg.Content, `"reason":"NoMatchingRule"`)
}

func TestStepLimitDiscardsStagedWork(t *testing.T) {
	h := newHarness(t, 2,
		call("c1", "write_file", map[string]string{"path": "deliverables/DEL-01/Guidance.md", "content": "g"}),
		call("c2", "get_status", map[string]string{}),
		reply("never reached"),
	)
	ctx := context.Background()
	s, _ := h.taskSession(t)

	_, err := h.o.RunTurn(ctx, s.ID, "go")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStepLimit))

	_, open := h.eng.OpenTurn(s.ID)
	assert.False(t, open)
	_, statErr := os.Stat(filepath.Join(git.WorktreePath(h.home, s.ID), "deliverables", "DEL-01", "Guidance.md"))
	assert.True(t, os.IsNotExist(statErr), "aborted writes must be removed from the worktree")
}

func TestCompletionIsAppliedAtSeal(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	s, _ := h.taskSession(t)
	// session version 2 once the first write activates it
	h.o.cfg.Runtime = runtime.StubRuntime{Script: []runtime.Response{
		call("c1", "write_file", map[string]string{"path": "deliverables/DEL-01/Procedure.md", "content": "steps"}),
		call("c2", "propose_transition", map[string]any{"entity_id": string(s.ID), "from_version": 2, "target": "COMPLETED"}),
		reply("Done."),
	}}

	res, err := h.o.RunTurn(ctx, s.ID, "finish")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSealed, res.Outcome)
	assert.Equal(t, domain.SessionCompleted, res.Status)

	_, live := h.o.runs[s.ID]
	assert.False(t, live)
	_, statErr := os.Stat(git.WorktreePath(h.home, s.ID))
	assert.True(t, os.IsNotExist(statErr))

	_, err = h.o.RunTurn(ctx, s.ID, "again")
	assert.True(t, domain.IsKind(err, domain.KindSessionTerminated), "got %v", err)
}

func TestCreateDeliverableScaffoldsOnBootstrapBranch(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	d, res, err := h.o.CreateDeliverable(ctx, workflow.CreateDeliverableRequest{Root: "deliverables/DEL-02", Title: "Pump skid"}, domain.ActorID{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSealed, res.Outcome)
	assert.Equal(t, domain.SessionCompleted, res.Status)
	assert.Equal(t, []string{"deliverables/DEL-02/_STATUS.md"}, res.Paths)

	changed, err := h.repo.ChangedPaths(ctx, res.CommitHash)
	require.NoError(t, err)
	assert.Equal(t, res.Paths, changed)

	s, err := h.eng.Store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ScaffoldAgent, s.Agent)
	assert.Equal(t, domain.System(ScaffoldAgent), s.Actor)
	assert.True(t, s.Linked(d.ID))

	got, err := h.eng.Store.GetDeliverable(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverableOpen, got.Status)
}

func TestPausedAndCancelledSessionsRefuseTurns(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	s, _ := h.taskSession(t)

	_, err := h.o.Cancel(ctx, s.ID, domain.Human("alice"))
	require.NoError(t, err)
	_, err = h.o.RunTurn(ctx, s.ID, "hello")
	assert.True(t, domain.IsKind(err, domain.KindSessionTerminated), "got %v", err)

	_, err = h.o.Workspace(ctx, s.ID)
	assert.True(t, domain.IsKind(err, domain.KindSessionTerminated))
}

func TestRunCheckRejectsHistoryRewrites(t *testing.T) {
	h := newHarness(t, 0)
	s, _ := h.taskSession(t)
	run := h.o.runs[s.ID]

	_, err := h.o.runCheck(context.Background(), run, []string{"git", "reset", "--hard"})
	require.Error(t, err)

	out, err := h.o.runCheck(context.Background(), run, []string{"ls", "-a"})
	require.NoError(t, err)
	assert.Contains(t, strings.Fields(out), ".git")
}

func TestSummarizeKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "short", summarize("  short ", 10))
	assert.Equal(t, "ab...", summarize("abcdef", 2))
	assert.Equal(t, "é...", summarize("ééé", 3))
}
