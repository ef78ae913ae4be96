package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
)

// CreateDeliverableRequest registers a new unit of documentation work.
type CreateDeliverableRequest struct {
	Root      string           `json:"root"`
	Title     string           `json:"title"`
	ProjectID domain.ProjectID `json:"project_id,omitempty"`
	PackageID domain.PackageID `json:"package_id,omitempty"`
}

// CreateDeliverable stores a new Open deliverable at version 1.
func (e *Engine) CreateDeliverable(ctx context.Context, req CreateDeliverableRequest) (domain.Deliverable, error) {
	root, err := sandbox.Canonicalize(req.Root)
	if err != nil {
		return domain.Deliverable{}, fmt.Errorf("deliverable root: %w", err)
	}
	if root == "." || root == ".git" || strings.HasPrefix(root, ".git/") {
		return domain.Deliverable{}, fmt.Errorf("deliverable root %q is not a workspace folder", req.Root)
	}
	if meta := e.Layout.MetadataDir; meta != "" && (root == meta || strings.HasPrefix(root, meta+"/")) {
		return domain.Deliverable{}, fmt.Errorf("deliverable root %q is inside %s", req.Root, meta)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = root[strings.LastIndex(root, "/")+1:]
	}
	d := domain.NewDeliverable(root, title, e.Now())
	d.ProjectID = req.ProjectID
	d.PackageID = req.PackageID
	if err := e.Store.CreateDeliverable(ctx, d); err != nil {
		return domain.Deliverable{}, err
	}
	e.Logger.Info("deliverable created", "deliverable", d.ID, "root", d.Root)
	return d, nil
}

// OpenSessionRequest describes a new agent session. Its write scope is
// derived from the agent type and linked deliverables and never changes.
type OpenSessionRequest struct {
	AgentType    domain.AgentType       `json:"agent_type"`
	Agent        string                 `json:"agent,omitempty"`
	Deliverables []domain.DeliverableID `json:"deliverables,omitempty"`
	BaseRef      string                 `json:"base_ref,omitempty"`
	Actor        domain.ActorID         `json:"actor"`
	Extra        []domain.Rule          `json:"extra_rules,omitempty"`
}

// OpenSession creates a session in state Created, bound to a fresh branch name.
// The caller creates the branch itself through the git port.
func (e *Engine) OpenSession(ctx context.Context, req OpenSessionRequest) (domain.AgentSession, error) {
	if !req.AgentType.Valid() {
		return domain.AgentSession{}, fmt.Errorf("unknown agent type %q", req.AgentType)
	}
	if req.AgentType == domain.AgentTask && len(req.Deliverables) == 0 {
		return domain.AgentSession{}, fmt.Errorf("%s sessions need at least one deliverable", req.AgentType.Label())
	}
	links := domain.SortedUnique(req.Deliverables)
	roots := make([]string, 0, len(links))
	for _, id := range links {
		d, err := e.Store.GetDeliverable(ctx, id)
		if err != nil {
			return domain.AgentSession{}, err
		}
		if d.Archived() && req.AgentType == domain.AgentTask {
			return domain.AgentSession{}, fmt.Errorf("deliverable %s is issued and read-only", id)
		}
		roots = append(roots, d.Root)
	}

	id := domain.NewSessionID()
	extra := append(append([]domain.Rule(nil), e.Profiles[req.AgentType]...), req.Extra...)
	scope, err := sandbox.DefaultScope(e.Layout, sandbox.ScopeInput{
		Agent:   req.AgentType,
		Session: id,
		Roots:   roots,
		Extra:   extra,
	})
	if err != nil {
		return domain.AgentSession{}, err
	}
	actor := req.Actor
	if actor.IsZero() {
		name := req.Agent
		if name == "" {
			name = strings.ToLower(string(req.AgentType))
		}
		actor = domain.Agent(name)
	}
	now := e.Now()
	s := domain.AgentSession{
		ID:           id,
		AgentType:    req.AgentType,
		Agent:        req.Agent,
		Branch:       domain.SessionBranch(req.AgentType, id),
		BaseRef:      req.BaseRef,
		Status:       domain.SessionCreated,
		Scope:        scope,
		Deliverables: links,
		Actor:        actor,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Store.CreateSession(ctx, s); err != nil {
		return domain.AgentSession{}, err
	}
	e.Logger.Info("session opened", "session", s.ID, "agent_type", s.AgentType, "branch", s.Branch, "rules", scope.Len())
	e.emit(Event{Type: EventSessionOpened, SessionID: string(s.ID), To: string(s.Status), Version: s.Version, At: now})
	return s, nil
}

// Cancel force-cancels a session from any non-terminal state, discarding its open turn.
func (e *Engine) Cancel(ctx context.Context, id domain.SessionID, actor domain.ActorID) (Accepted, error) {
	return e.moveSession(ctx, id, domain.SessionCancelled, actor)
}

// Fail records an unrecoverable error reported by the orchestrator.
func (e *Engine) Fail(ctx context.Context, id domain.SessionID, actor domain.ActorID) (Accepted, error) {
	return e.moveSession(ctx, id, domain.SessionFailed, actor)
}

func (e *Engine) moveSession(ctx context.Context, id domain.SessionID, target domain.SessionState, actor domain.ActorID) (Accepted, error) {
	s, err := e.Store.GetSession(ctx, id)
	if err != nil {
		return Accepted{}, err
	}
	return e.ProposeTransition(ctx, TransitionRequest{
		EntityID:    string(id),
		Entity:      EntitySession,
		FromVersion: s.Version,
		Target:      string(target),
		SessionID:   id,
		Actor:       actor,
	})
}
