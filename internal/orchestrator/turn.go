package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/agent/runtime"
	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/git"
	"github.com/sgttomas/chirality-runtime/internal/memory"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

// Turn outcomes recorded in results and the agent journal.
const (
	OutcomeSealed  = "sealed"
	OutcomeEmpty   = "empty"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// TurnResult describes one finished turn.
type TurnResult struct {
	SessionID  domain.SessionID    `json:"session_id"`
	TurnID     domain.TurnID       `json:"turn_id,omitempty"`
	Outcome    string              `json:"outcome"`
	CommitHash string              `json:"commit_hash,omitempty"`
	Paths      []string            `json:"paths,omitempty"`
	Reply      string              `json:"reply,omitempty"`
	Steps      int                 `json:"steps"`
	Status     domain.SessionState `json:"status"`
	Audit      *domain.AuditRecord `json:"audit,omitempty"`
}

// RunTurn sends input to the session's agent, executes its tool calls until
// it ends the turn, then commits everything it wrote and seals the turn
// against that commit. A turn that fails to commit or seal is rolled back on
// disk and discarded in the engine.
func (o *Orchestrator) RunTurn(ctx context.Context, id domain.SessionID, input string) (TurnResult, error) {
	s, err := o.cfg.Engine.Store.GetSession(ctx, id)
	if err != nil {
		return TurnResult{}, err
	}
	switch {
	case s.Status.Terminal():
		return TurnResult{}, domain.SessionTerminated(s.ID, s.Status)
	case s.Status == domain.SessionPaused:
		return TurnResult{}, fmt.Errorf("%s: %w", s.ID, ErrSessionPaused)
	}
	run, err := o.runFor(ctx, s)
	if err != nil {
		return TurnResult{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	agentDir := memory.AgentDir(o.cfg.Home, run.journal.Agent)
	acfg, err := memory.LoadAgentConfig(agentDir)
	if err != nil {
		o.cfg.Logger.Warn("load agent config", "agent", run.journal.Agent, "err", err)
	}
	if len(run.history) == 0 {
		instructions, _ := memory.ReadInstructions(agentDir)
		journal, _ := run.journal.Summary(0)
		run.history = append(run.history, runtime.Message{Role: runtime.RoleSystem, Content: systemPrompt(s, run.brief, instructions, journal)})
	}
	if strings.TrimSpace(input) != "" {
		run.history = append(run.history, runtime.Message{Role: runtime.RoleUser, Content: input})
	}

	maxSteps := o.cfg.MaxSteps
	if acfg.MaxSteps > 0 {
		maxSteps = acfg.MaxSteps
	}
	res := TurnResult{SessionID: s.ID}
	done := false
	for res.Steps < maxSteps && !done {
		resp, err := o.cfg.Runtime.Send(ctx, runtime.Request{
			Session:          string(s.ID),
			Agent:            s.Agent,
			AgentType:        string(s.AgentType),
			History:          run.history,
			Tools:            Tools,
			NetworkAllowlist: acfg.NetworkAllowlist,
			Model:            acfg.Model,
			MaxTokens:        acfg.MaxTokens,
		}, o.forward)
		res.Steps++
		if err != nil {
			o.abortTurn(ctx, run, s, fmt.Sprintf("runtime %s: %v", o.cfg.Runtime.Name(), err))
			return res, fmt.Errorf("runtime %s: %w", o.cfg.Runtime.Name(), err)
		}
		msg := resp.Message
		msg.Role = runtime.RoleAssistant
		run.history = append(run.history, msg)
		if msg.Content != "" {
			res.Reply = msg.Content
		}
		if resp.Done() {
			done = true
			break
		}
		for _, tc := range msg.ToolCalls {
			out := o.callTool(ctx, run, s, tc)
			o.cfg.Logger.Debug("tool call", "session", s.ID, "tool", tc.Name, "bytes", len(out))
			run.history = append(run.history, runtime.Message{Role: runtime.RoleTool, ToolCallID: tc.ID, Content: out})
		}
	}
	if !done {
		o.abortTurn(ctx, run, s, ErrStepLimit.Error())
		return res, fmt.Errorf("%s after %d steps: %w", s.ID, res.Steps, ErrStepLimit)
	}
	return o.finishTurn(ctx, run, s.ID, res)
}

func (o *Orchestrator) forward(ev runtime.Event) {
	if o.cfg.OnRuntimeEvent != nil {
		o.cfg.OnRuntimeEvent(ev)
	}
}

// finishTurn commits the staged paths and seals the open turn.
func (o *Orchestrator) finishTurn(ctx context.Context, run *sessionRun, id domain.SessionID, res TurnResult) (TurnResult, error) {
	s, err := o.cfg.Engine.Store.GetSession(ctx, id)
	if err != nil {
		return res, err
	}
	res.Status = s.Status
	view, ok := o.cfg.Engine.OpenTurn(id)
	if !ok {
		res.Outcome = OutcomeEmpty
		if s.Status.Terminal() {
			o.dropRun(ctx, id)
		}
		o.journal(run, res, s)
		return res, nil
	}
	res.TurnID = view.TurnID
	res.Paths = view.Paths

	rec, err := o.commitAndSeal(ctx, run, s, view, res.Reply)
	if err != nil {
		res.Outcome = OutcomeFailed
		o.journal(run, res, s)
		return res, err
	}
	res.Outcome = OutcomeSealed
	res.CommitHash = rec.CommitHash
	res.Audit = &rec
	if after, err := o.cfg.Engine.Store.GetSession(ctx, id); err == nil {
		res.Status = after.Status
	}
	o.journal(run, res, s)
	if res.Status.Terminal() {
		o.dropRun(ctx, id)
	}
	return res, nil
}

func (o *Orchestrator) commitAndSeal(ctx context.Context, run *sessionRun, s domain.AgentSession, view workflow.TurnView, reply string) (domain.AuditRecord, error) {
	prev, err := run.repo.Head(ctx, "HEAD")
	if err != nil {
		o.failTurn(ctx, run, s.ID, "", err.Error())
		return domain.AuditRecord{}, err
	}
	msg := commitMessage(s, view, reply)
	var commit string
	if len(view.Paths) > 0 {
		commit, err = run.repo.Commit(ctx, s.Branch, view.Paths, msg, s.Actor)
	}
	if len(view.Paths) == 0 || errors.Is(err, git.ErrNothingToCommit) {
		commit, err = run.repo.CommitEmpty(ctx, s.Branch, msg, s.Actor)
	}
	if err != nil {
		o.failTurn(ctx, run, s.ID, prev, "commit: "+err.Error())
		return domain.AuditRecord{}, fmt.Errorf("commit turn %s: %w", view.TurnID, err)
	}

	changed, err := run.repo.ChangedPaths(ctx, commit)
	if err != nil {
		o.failTurn(ctx, run, s.ID, prev, err.Error())
		return domain.AuditRecord{}, err
	}
	staged := make(map[string]bool, len(view.Paths))
	for _, p := range view.Paths {
		staged[p] = true
	}
	for _, p := range changed {
		if !staged[p] {
			o.failTurn(ctx, run, s.ID, prev, "unstaged path in commit: "+p)
			return domain.AuditRecord{}, domain.TurnSealFailure("commit %s touches %s, which was not authorized in this turn", commit, p)
		}
	}

	hashes, err := run.fs.HashAll(view.Paths)
	if err != nil {
		o.failTurn(ctx, run, s.ID, prev, err.Error())
		return domain.AuditRecord{}, err
	}
	rec, err := o.cfg.Engine.SealTurn(ctx, workflow.SealRequest{
		SessionID:     s.ID,
		CommitHash:    commit,
		AffectedPaths: view.Paths,
		Hashes:        hashes,
		Actor:         s.Actor,
	})
	if err != nil {
		o.failTurn(ctx, run, s.ID, prev, "seal: "+err.Error())
		return domain.AuditRecord{}, err
	}
	return rec, nil
}

// failTurn resets the worktree to prev (when known) and discards the open turn.
func (o *Orchestrator) failTurn(ctx context.Context, run *sessionRun, id domain.SessionID, prev, reason string) {
	if err := run.repo.ResetHard(ctx, prev); err != nil {
		o.cfg.Logger.Error("reset worktree", "session", id, "ref", prev, "err", err)
	}
	if _, err := o.cfg.Engine.FailTurn(ctx, id, reason); err != nil {
		o.cfg.Logger.Error("fail turn", "session", id, "err", err)
	}
}

// abortTurn drops whatever the agent staged before the turn broke off.
func (o *Orchestrator) abortTurn(ctx context.Context, run *sessionRun, s domain.AgentSession, reason string) {
	if _, ok := o.cfg.Engine.OpenTurn(s.ID); ok {
		o.failTurn(ctx, run, s.ID, "", reason)
	}
	o.journal(run, TurnResult{SessionID: s.ID, Outcome: OutcomeAborted, Reply: reason}, s)
}

func (o *Orchestrator) journal(run *sessionRun, res TurnResult, s domain.AgentSession) {
	err := run.journal.Append(memory.JournalEntry{
		SessionID:  string(s.ID),
		TurnID:     string(res.TurnID),
		CommitHash: res.CommitHash,
		Outcome:    res.Outcome,
		Summary:    summarize(res.Reply, 400),
		Paths:      res.Paths,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		o.cfg.Logger.Warn("journal append", "session", s.ID, "err", err)
	}
}

func commitMessage(s domain.AgentSession, view workflow.TurnView, reply string) string {
	subject := summarize(firstLine(reply), 72)
	if subject == "" {
		subject = fmt.Sprintf("%s turn", s.AgentType.Label())
	}
	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Chirality-Session: %s\nChirality-Turn: %s\n", s.ID, view.TurnID)
	for _, d := range view.Deliverables {
		fmt.Fprintf(&b, "Chirality-Deliverable: %s %s v%d\n", d.ID, d.Status, d.Version)
	}
	if view.Completing {
		b.WriteString("Chirality-Session-Status: COMPLETED\n")
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func summarize(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
