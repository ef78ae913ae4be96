package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	agentrt "github.com/sgttomas/chirality-runtime/internal/agent/runtime"
	"github.com/sgttomas/chirality-runtime/internal/capabilities"
	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/git"
	"github.com/sgttomas/chirality-runtime/internal/identity"
	"github.com/sgttomas/chirality-runtime/internal/orchestrator"
	"github.com/sgttomas/chirality-runtime/internal/policy"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
	"github.com/sgttomas/chirality-runtime/internal/store"
	"github.com/sgttomas/chirality-runtime/internal/store/postgres"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

// Stack is the wired core: store, engine, base checkout and orchestrator.
// The daemon adds the HTTP API and background workers on top of it; the
// rpc command serves it over stdio.
type Stack struct {
	Home         string
	Config       config.Config
	Store        store.Store
	Engine       *workflow.Engine
	Repo         *git.Repo
	Orchestrator *orchestrator.Orchestrator
	Actor        domain.ActorID
	Logger       *slog.Logger

	runtimeSink atomic.Pointer[func(agentrt.Event)]
}

// OnRuntimeEvent routes runtime progress events to fn. fn must not block.
func (s *Stack) OnRuntimeEvent(fn func(agentrt.Event)) {
	s.runtimeSink.Store(&fn)
}

func (s *Stack) forwardRuntime(ev agentrt.Event) {
	if fn := s.runtimeSink.Load(); fn != nil {
		(*fn)(ev)
	}
}

// Close releases the store.
func (s *Stack) Close() error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

// WorkspaceDir returns the base checkout: config workspace or <home>/workspace.
func WorkspaceDir(home string, cfg config.Config) string {
	if cfg.Workspace != "" {
		return cfg.Workspace
	}
	return layout(home).workspace()
}

// Build opens the store, loads policies and wires the engine and orchestrator
// over the workspace repository, initializing it when missing.
func Build(ctx context.Context, home string, cfg config.Config, logger *slog.Logger) (*Stack, error) {
	if home == "" {
		return nil, errors.New("home is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	st, err := openStore(ctx, home, cfg)
	if err != nil {
		return nil, err
	}
	stack, err := build(ctx, home, cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return stack, nil
}

func build(ctx context.Context, home string, cfg config.Config, st store.Store, logger *slog.Logger) (*Stack, error) {
	authority, err := policy.LoadFile(cfg.PolicyFile, logger)
	if err != nil {
		return nil, err
	}
	profiles, err := cfg.Profiles()
	if err != nil {
		return nil, err
	}
	eng, err := workflow.New(workflow.Options{
		Store:    st,
		Checker:  authority,
		Layout:   cfg.Layout(),
		Profiles: profiles,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	repo, err := openRepo(ctx, WorkspaceDir(home, cfg), cfg.BaseBranch)
	if err != nil {
		return nil, err
	}
	rt, err := newRuntime(cfg.Conversation, repo.Dir)
	if err != nil {
		return nil, err
	}
	stack := &Stack{
		Home:   home,
		Config: cfg,
		Store:  st,
		Engine: eng,
		Repo:   repo,
		Actor:  identity.CurrentActor(home, repo.Dir),
		Logger: logger,
	}
	stack.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Engine:         eng,
		Repo:           repo,
		Runtime:        rt,
		Home:           home,
		BaseRef:        cfg.BaseBranch,
		MaxSteps:       cfg.Conversation.MaxSteps,
		Logger:         logger,
		OnRuntimeEvent: stack.forwardRuntime,
	})
	if err != nil {
		return nil, err
	}
	return stack, nil
}

func openStore(ctx context.Context, home string, cfg config.Config) (store.Store, error) {
	if cfg.DB.Driver == "postgres" {
		return postgres.Open(ctx, cfg.DB.DSN)
	}
	return store.OpenWithOptions(store.OpenOptions{Driver: "sqlite", Home: home, DSN: cfg.DB.DSN})
}

func openRepo(ctx context.Context, dir, baseBranch string) (*git.Repo, error) {
	if baseBranch == "" {
		baseBranch = "main"
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return git.Open(ctx, dir)
	}
	repo, err := git.Init(ctx, dir, baseBranch)
	if err != nil {
		return nil, fmt.Errorf("init workspace %s: %w", dir, err)
	}
	return repo, nil
}

// newRuntime selects the conversation runtime. Subprocess agents see the
// workspace read-only; their writes go through tool calls.
func newRuntime(c config.Conversation, workspaceDir string) (agentrt.Runtime, error) {
	switch c.Runtime {
	case "", "stub":
		return agentrt.StubRuntime{}, nil
	case "http":
		rt := agentrt.NewHTTPRuntime(c.BaseURL, c.APIKey(), c.Model)
		if c.Timeout > 0 {
			rt.Client.Timeout = c.Timeout
		}
		return rt, nil
	case "subprocess":
		return agentrt.SubprocessRuntime{
			Command: c.Command,
			Args:    c.Args,
			Timeout: c.Timeout,
			Jail:    sandbox.Jail{Root: workspaceDir},
		}, nil
	}
	return nil, fmt.Errorf("unknown conversation runtime %q", c.Runtime)
}

// notifier registers the configured outbound integrations; it returns nil
// when none are configured.
func (s *Stack) notifier() *capabilities.Notifier {
	if s.Config.Slack.WebhookURL == "" {
		return nil
	}
	reg := capabilities.NewRegistry()
	reg.Register(capabilities.SlackWebhook{WebhookURL: s.Config.Slack.WebhookURL, Channel: s.Config.Slack.Channel, Username: "chirality"})
	return capabilities.NewNotifier(reg, s.Store.GetDeliverable, s.Logger)
}
