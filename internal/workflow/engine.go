// Package workflow is the core-facing API: it validates transitions and
// writes for agent sessions, stages them in the session's open turn, and
// seals each turn against exactly one git commit.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
	"github.com/sgttomas/chirality-runtime/internal/store"
)

// Options configures an Engine. Store is required.
type Options struct {
	Store    store.Store
	Checker  domain.CapabilityChecker // nil uses the static capability table
	Layout   sandbox.Layout           // zero value uses sandbox.DefaultLayout
	Profiles map[domain.AgentType][]domain.Rule
	Now      func() time.Time
	Logger   *slog.Logger
}

// Engine serializes core operations in-process; the store's version
// compare-and-swap serializes them across processes.
type Engine struct {
	Store     store.Store
	Validator domain.Validator
	Layout    sandbox.Layout
	Profiles  map[domain.AgentType][]domain.Rule
	Now       func() time.Time
	Logger    *slog.Logger

	mu     sync.Mutex
	turns  map[domain.SessionID]*turn
	claims map[domain.DeliverableID]domain.SessionID

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// New returns an Engine with an empty turn ledger.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("workflow: store is required")
	}
	layout := opts.Layout
	if layout.MetadataDir == "" && len(layout.StandardsDirs) == 0 {
		layout = sandbox.DefaultLayout()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:     opts.Store,
		Validator: domain.NewValidator(opts.Checker),
		Layout:    layout,
		Profiles:  opts.Profiles,
		Now:       now,
		Logger:    logger,
		turns:     make(map[domain.SessionID]*turn),
		claims:    make(map[domain.DeliverableID]domain.SessionID),
	}, nil
}

// turn is the staged, unsealed work of one session.
type turn struct {
	id        domain.TurnID
	session   domain.SessionID
	agentType domain.AgentType
	started   time.Time

	deliverables map[domain.DeliverableID]*stagedDeliverable
	order        []domain.DeliverableID
	paths        map[string]domain.Operation

	complete      bool // Active -> Completed staged
	completeBase  int64
	completeActor domain.ActorID
}

type stagedDeliverable struct {
	base int64 // persisted version the turn started from
	next domain.Deliverable
}

func (t *turn) empty() bool {
	return len(t.order) == 0 && len(t.paths) == 0 && !t.complete
}

func (t *turn) sortedPaths() []string {
	out := make([]string, 0, len(t.paths))
	for p := range t.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// openTurnLocked returns the session's open turn, starting one if needed.
func (e *Engine) openTurnLocked(s domain.AgentSession) *turn {
	if t, ok := e.turns[s.ID]; ok {
		return t
	}
	t := &turn{
		id:           domain.NewTurnID(),
		session:      s.ID,
		agentType:    s.AgentType,
		started:      e.Now(),
		deliverables: make(map[domain.DeliverableID]*stagedDeliverable),
		paths:        make(map[string]domain.Operation),
	}
	e.turns[s.ID] = t
	return t
}

// discardLocked drops the session's open turn and releases its claims.
func (e *Engine) discardLocked(id domain.SessionID) *turn {
	t, ok := e.turns[id]
	if !ok {
		return nil
	}
	for _, d := range t.order {
		if e.claims[d] == id {
			delete(e.claims, d)
		}
	}
	delete(e.turns, id)
	return t
}

// OpenTurns reports how many sessions hold staged, unsealed work.
func (e *Engine) OpenTurns() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.turns))
}

// TurnView is a read-only summary of a session's open turn.
type TurnView struct {
	TurnID       domain.TurnID        `json:"turn_id"`
	SessionID    domain.SessionID     `json:"session_id"`
	Paths        []string             `json:"paths"`
	Deliverables []domain.Deliverable `json:"deliverables"` // staged snapshots
	Completing   bool                 `json:"completing"`
	StartedAt    time.Time            `json:"started_at"`
}

// OpenTurn returns the staged work of a session, if any.
func (e *Engine) OpenTurn(id domain.SessionID) (TurnView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.turns[id]
	if !ok {
		return TurnView{}, false
	}
	v := TurnView{TurnID: t.id, SessionID: t.session, Paths: t.sortedPaths(), Completing: t.complete, StartedAt: t.started}
	for _, d := range t.order {
		v.Deliverables = append(v.Deliverables, t.deliverables[d].next)
	}
	return v, true
}

// StagedBy reports which open turn, if any, has authorized a write to p.
func (e *Engine) StagedBy(p string) (domain.SessionID, bool) {
	canon, err := sandbox.Canonicalize(p)
	if err != nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.turns {
		if _, ok := t.paths[canon]; ok {
			return id, true
		}
	}
	return "", false
}

// activateLocked moves a Created session to Active; the first accepted
// operation of a session does this implicitly.
func (e *Engine) activateLocked(ctx context.Context, s *domain.AgentSession) error {
	if s.Status != domain.SessionCreated {
		return nil
	}
	next, err := e.Validator.ApplySession(*s, s.Version, domain.SessionActive, domain.System("runtime"), e.Now())
	if err != nil {
		return err
	}
	if err := e.Store.UpdateSession(ctx, store.SessionUpdate{Next: next, ExpectedVersion: s.Version, ExpectedStatus: domain.SessionCreated}); err != nil {
		return err
	}
	e.Logger.Info("session activated", "session", s.ID, "version", next.Version)
	*s = next
	return nil
}

func resultOf(err error) string {
	if err == nil {
		return "accepted"
	}
	if k := domain.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
