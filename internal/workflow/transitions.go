package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/otel"
	"github.com/sgttomas/chirality-runtime/internal/store"
)

// EntityKind selects which state machine a transition request targets.
type EntityKind string

const (
	EntityDeliverable EntityKind = "deliverable"
	EntitySession     EntityKind = "session"
)

// TransitionRequest asks to move an entity from the caller's last-known
// version to Target on behalf of the acting session.
type TransitionRequest struct {
	EntityID    string           `json:"entity_id"`
	Entity      EntityKind       `json:"entity,omitempty"` // inferred from EntityID when empty
	FromVersion int64            `json:"from_version"`
	Target      string           `json:"target"`
	SessionID   domain.SessionID `json:"session_id"` // acting session
	Actor       domain.ActorID   `json:"actor"`      // defaults to the session actor
}

func (r TransitionRequest) kind() EntityKind {
	if r.Entity != "" {
		return r.Entity
	}
	if strings.HasPrefix(r.EntityID, "sess:") {
		return EntitySession
	}
	return EntityDeliverable
}

// Accepted is the outcome of an accepted transition. Staged transitions take
// effect when the turn is sealed.
type Accepted struct {
	EntityID   string        `json:"entity_id"`
	Entity     EntityKind    `json:"entity"`
	State      string        `json:"state"`
	NewVersion int64         `json:"new_version"`
	Staged     bool          `json:"staged"`
	TurnID     domain.TurnID `json:"turn_id,omitempty"`
}

// ProposeTransition validates and stages (or, for most session transitions,
// applies) one state change. A rejection never changes any state.
func (e *Engine) ProposeTransition(ctx context.Context, req TransitionRequest) (Accepted, error) {
	e.mu.Lock()
	var acc Accepted
	var ev []Event
	var err error
	if req.kind() == EntitySession {
		acc, ev, err = e.proposeSessionLocked(ctx, req)
	} else {
		acc, ev, err = e.proposeDeliverableLocked(ctx, req)
	}
	e.mu.Unlock()

	otel.RecordTransition(ctx, string(req.kind()), req.Target, resultOf(err))
	if err != nil {
		e.Logger.Info("transition rejected", "entity", req.EntityID, "target", req.Target, "from_version", req.FromVersion, "session", req.SessionID, "err", err)
		return Accepted{}, err
	}
	e.Logger.Info("transition accepted", "entity", acc.EntityID, "state", acc.State, "version", acc.NewVersion, "staged", acc.Staged, "session", req.SessionID)
	e.emit(ev...)
	return acc, nil
}

func (e *Engine) proposeDeliverableLocked(ctx context.Context, req TransitionRequest) (Accepted, []Event, error) {
	if req.FromVersion <= 0 {
		return Accepted{}, nil, fmt.Errorf("%w: deliverable %s transition without a version", domain.ErrContractViolation, req.EntityID)
	}
	sess, err := e.actingSessionLocked(ctx, req.SessionID)
	if err != nil {
		return Accepted{}, nil, err
	}
	target, err := domain.ParseDeliverableState(req.Target)
	if err != nil {
		return Accepted{}, nil, domain.InvalidTransition("%v", err)
	}
	id, err := domain.ParseDeliverableID(req.EntityID)
	if err != nil {
		return Accepted{}, nil, fmt.Errorf("%w: %v", domain.ErrContractViolation, err)
	}
	d, err := e.Store.GetDeliverable(ctx, id)
	if err != nil {
		return Accepted{}, nil, err
	}

	t := e.turns[sess.ID]
	cur, base := d, d.Version
	if t != nil {
		if st, ok := t.deliverables[id]; ok {
			cur, base = st.next, st.base
		}
	}
	actor := req.Actor
	if actor.IsZero() {
		actor = sess.Actor
	}
	next, err := e.Validator.ApplyDeliverable(cur, req.FromVersion, target, sess, actor, "", e.Now())
	if err != nil {
		return Accepted{}, nil, err
	}
	if holder, ok := e.claims[id]; ok && holder != sess.ID {
		return Accepted{}, nil, domain.ConcurrentModification("deliverable %s version %d is already claimed by the open turn of session %s", id, d.Version, holder)
	}
	if err := e.activateLocked(ctx, &sess); err != nil {
		return Accepted{}, nil, err
	}

	t = e.openTurnLocked(sess)
	if _, ok := t.deliverables[id]; !ok {
		t.order = append(t.order, id)
	}
	t.deliverables[id] = &stagedDeliverable{base: base, next: next}
	e.claims[id] = sess.ID

	acc := Accepted{EntityID: string(id), Entity: EntityDeliverable, State: string(target), NewVersion: next.Version, Staged: true, TurnID: t.id}
	ev := Event{Type: EventTransition, SessionID: string(sess.ID), EntityID: string(id), From: string(cur.Status), To: string(target), Version: next.Version, Staged: true, At: next.UpdatedAt}
	return acc, []Event{ev}, nil
}

func (e *Engine) proposeSessionLocked(ctx context.Context, req TransitionRequest) (Accepted, []Event, error) {
	if req.FromVersion <= 0 {
		return Accepted{}, nil, fmt.Errorf("%w: session %s transition without a version", domain.ErrContractViolation, req.EntityID)
	}
	id, err := domain.ParseSessionID(req.EntityID)
	if err != nil {
		return Accepted{}, nil, fmt.Errorf("%w: %v", domain.ErrContractViolation, err)
	}
	acting := req.SessionID
	if acting == "" {
		acting = id
	}
	if _, err := e.actingSessionLocked(ctx, acting); err != nil {
		return Accepted{}, nil, err
	}
	target, err := domain.ParseSessionState(req.Target)
	if err != nil {
		return Accepted{}, nil, domain.InvalidTransition("%v", err)
	}
	if req.SessionID != "" && req.SessionID != id {
		return Accepted{}, nil, domain.NotAuthorized("session %s may not transition session %s", req.SessionID, id)
	}
	s, err := e.Store.GetSession(ctx, id)
	if err != nil {
		return Accepted{}, nil, err
	}
	actor := req.Actor
	if actor.IsZero() {
		actor = s.Actor
	}
	now := e.Now()
	next, err := e.Validator.ApplySession(s, req.FromVersion, target, actor, now)
	if err != nil {
		return Accepted{}, nil, err
	}
	t := e.turns[id]

	if target == domain.SessionCompleted {
		if t != nil && t.complete {
			return Accepted{}, nil, domain.ConcurrentModification("session %s already has a pending completion from version %d", id, t.completeBase)
		}
		t = e.openTurnLocked(s)
		t.complete = true
		t.completeBase = s.Version
		t.completeActor = actor
		acc := Accepted{EntityID: string(id), Entity: EntitySession, State: string(target), NewVersion: next.Version, Staged: true, TurnID: t.id}
		ev := Event{Type: EventTransition, SessionID: string(id), EntityID: string(id), From: string(s.Status), To: string(target), Version: next.Version, Staged: true, At: now}
		return acc, []Event{ev}, nil
	}

	terminal := target.Terminal()
	if t != nil && t.complete && !terminal {
		return Accepted{}, nil, domain.ConcurrentModification("session %s has a pending completion from version %d", id, t.completeBase)
	}
	if err := e.Store.UpdateSession(ctx, store.SessionUpdate{Next: next, ExpectedVersion: s.Version, ExpectedStatus: s.Status}); err != nil {
		return Accepted{}, nil, err
	}
	events := []Event{{Type: EventTransition, SessionID: string(id), EntityID: string(id), From: string(s.Status), To: string(target), Version: next.Version, At: now}}
	if terminal {
		if dropped := e.discardLocked(id); dropped != nil {
			otel.RecordTurn(ctx, string(s.AgentType), "discarded", 0)
			e.Logger.Info("open turn discarded", "session", id, "turn", dropped.id, "paths", len(dropped.paths), "state", target)
			events = append(events, Event{Type: EventTurnDiscarded, SessionID: string(id), Reason: string(target), At: now})
		}
	}
	return Accepted{EntityID: string(id), Entity: EntitySession, State: string(target), NewVersion: next.Version}, events, nil
}

// actingSessionLocked loads the session a proposal is made through. A
// terminated session rejects every proposal before anything else is checked.
func (e *Engine) actingSessionLocked(ctx context.Context, id domain.SessionID) (domain.AgentSession, error) {
	s, err := e.Store.GetSession(ctx, id)
	if err != nil {
		return domain.AgentSession{}, err
	}
	if s.Status.Terminal() {
		return domain.AgentSession{}, domain.SessionTerminated(s.ID, s.Status)
	}
	return s, nil
}
