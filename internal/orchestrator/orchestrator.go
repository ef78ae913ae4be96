// Package orchestrator drives agent turns: it runs the conversation, routes
// tool calls through the guarded ports, commits the result and seals the turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sgttomas/chirality-runtime/internal/agent/runtime"
	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/git"
	"github.com/sgttomas/chirality-runtime/internal/memory"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
	"github.com/sgttomas/chirality-runtime/internal/workspace"
)

// ErrSessionPaused is returned by RunTurn while a session is paused.
var ErrSessionPaused = errors.New("session is paused")

// ErrStepLimit is returned when an agent keeps calling tools past MaxSteps.
var ErrStepLimit = errors.New("turn exceeded the step limit")

type Config struct {
	Engine  *workflow.Engine
	Repo    *git.Repo // base checkout of the workspace
	Runtime runtime.Runtime
	Home    string
	BaseRef string

	MaxSteps     int           // model calls per turn; default 16
	CheckTimeout time.Duration // run_check limit; default 2m
	Logger       *slog.Logger

	// OnRuntimeEvent receives progress events from the runtime. It must not block.
	OnRuntimeEvent func(runtime.Event)
}

// Orchestrator owns one worktree per live session.
type Orchestrator struct {
	cfg Config

	mu   sync.Mutex
	runs map[domain.SessionID]*sessionRun
}

// sessionRun is the in-memory state of a session between turns.
type sessionRun struct {
	mu      sync.Mutex // one turn at a time
	id      domain.SessionID
	repo    *git.Repo
	fs      *workspace.FS
	brief   *domain.Brief
	history []runtime.Message
	journal *memory.Journal
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil || cfg.Repo == nil || cfg.Runtime == nil {
		return nil, errors.New("orchestrator: engine, repo and runtime are required")
	}
	if cfg.Home == "" {
		return nil, errors.New("orchestrator: home is required")
	}
	if cfg.BaseRef == "" {
		cfg.BaseRef = "main"
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 16
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, runs: make(map[domain.SessionID]*sessionRun)}, nil
}

// StartSession opens a session, creates its branch and checks it out in a
// dedicated worktree. brief may be nil.
func (o *Orchestrator) StartSession(ctx context.Context, req workflow.OpenSessionRequest, brief *domain.Brief) (domain.AgentSession, error) {
	if req.BaseRef == "" {
		req.BaseRef = o.cfg.BaseRef
	}
	s, err := o.cfg.Engine.OpenSession(ctx, req)
	if err != nil {
		return domain.AgentSession{}, err
	}
	if _, err := o.cfg.Repo.CreateBranch(ctx, s.Branch, s.BaseRef); err != nil {
		o.abandon(ctx, s.ID, "branch creation failed")
		return domain.AgentSession{}, fmt.Errorf("create branch %s: %w", s.Branch, err)
	}
	if brief != nil {
		if err := o.saveBrief(s.ID, *brief); err != nil {
			o.cfg.Logger.Warn("save brief", "session", s.ID, "err", err)
		}
	}
	if _, err := o.runFor(ctx, s); err != nil {
		o.abandon(ctx, s.ID, "worktree setup failed")
		return domain.AgentSession{}, err
	}
	o.cfg.Logger.Info("session started", "session", s.ID, "agent_type", s.AgentType, "branch", s.Branch, "base", s.BaseRef)
	return s, nil
}

// StartFromBrief validates brief and starts the session it describes.
func (o *Orchestrator) StartFromBrief(ctx context.Context, brief domain.Brief, actor domain.ActorID) (domain.AgentSession, error) {
	if err := brief.Validate(); err != nil {
		return domain.AgentSession{}, err
	}
	req := workflow.OpenSessionRequest{AgentType: brief.Type(), Agent: brief.Agent, BaseRef: o.cfg.BaseRef, Actor: actor}
	for _, raw := range brief.Inputs.Deliverables() {
		id, err := domain.ParseDeliverableID(raw)
		if err != nil {
			return domain.AgentSession{}, err
		}
		req.Deliverables = append(req.Deliverables, id)
	}
	return o.StartSession(ctx, req, &brief)
}

// runFor returns the live run of s, restoring its worktree after a restart.
func (o *Orchestrator) runFor(ctx context.Context, s domain.AgentSession) (*sessionRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run, ok := o.runs[s.ID]; ok {
		return run, nil
	}
	wt, err := o.cfg.Repo.AddWorktree(ctx, git.WorktreePath(o.cfg.Home, s.ID), s.Branch)
	if err != nil {
		return nil, fmt.Errorf("worktree for %s: %w", s.ID, err)
	}
	fsys, err := workspace.New(wt.Dir, o.cfg.Engine)
	if err != nil {
		return nil, err
	}
	agent := s.Agent
	if agent == "" {
		agent = string(s.AgentType)
	}
	run := &sessionRun{
		id:      s.ID,
		repo:    wt,
		fs:      fsys,
		brief:   o.loadBrief(s.ID),
		journal: &memory.Journal{Home: o.cfg.Home, Agent: agent},
	}
	o.runs[s.ID] = run
	return run, nil
}

func (o *Orchestrator) dropRun(ctx context.Context, id domain.SessionID) {
	o.mu.Lock()
	run, ok := o.runs[id]
	delete(o.runs, id)
	o.mu.Unlock()
	path := git.WorktreePath(o.cfg.Home, id)
	if ok {
		path = run.repo.Dir
	}
	if err := o.cfg.Repo.RemoveWorktree(ctx, path); err != nil {
		o.cfg.Logger.Warn("remove worktree", "session", id, "err", err)
	}
}

// Cancel cancels the session, discards uncommitted work and removes its worktree.
func (o *Orchestrator) Cancel(ctx context.Context, id domain.SessionID, actor domain.ActorID) (workflow.Accepted, error) {
	acc, err := o.cfg.Engine.Cancel(ctx, id, actor)
	if err != nil {
		return acc, err
	}
	o.dropRun(ctx, id)
	return acc, nil
}

// Workspace returns the guarded filesystem port of a live session.
func (o *Orchestrator) Workspace(ctx context.Context, id domain.SessionID) (*workspace.FS, error) {
	s, err := o.cfg.Engine.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, domain.SessionTerminated(s.ID, s.Status)
	}
	run, err := o.runFor(ctx, s)
	if err != nil {
		return nil, err
	}
	return run.fs, nil
}

// abandon cancels a session that never started working.
func (o *Orchestrator) abandon(ctx context.Context, id domain.SessionID, reason string) {
	if _, err := o.cfg.Engine.Cancel(ctx, id, domain.System("orchestrator")); err != nil {
		o.cfg.Logger.Error("cancel session", "session", id, "reason", reason, "err", err)
	}
}

func (o *Orchestrator) failSession(ctx context.Context, id domain.SessionID, reason string) {
	if _, err := o.cfg.Engine.Fail(ctx, id, domain.System("orchestrator")); err != nil {
		o.cfg.Logger.Error("mark session failed", "session", id, "reason", reason, "err", err)
	}
}

func (o *Orchestrator) briefPath(id domain.SessionID) string {
	return filepath.Join(o.cfg.Home, "briefs", id.Short()+".yaml")
}

func (o *Orchestrator) saveBrief(id domain.SessionID, b domain.Brief) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return err
	}
	p := o.briefPath(id)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (o *Orchestrator) loadBrief(id domain.SessionID) *domain.Brief {
	data, err := os.ReadFile(o.briefPath(id))
	if err != nil {
		return nil
	}
	var b domain.Brief
	if err := yaml.Unmarshal(data, &b); err != nil {
		o.cfg.Logger.Warn("load brief", "session", id, "err", err)
		return nil
	}
	return &b
}
