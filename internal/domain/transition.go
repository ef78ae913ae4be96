package domain

import (
	"fmt"
	"time"
)

// DeliverableEdge is one legal deliverable transition and the capability it requires.
type DeliverableEdge struct {
	From     DeliverableState
	To       DeliverableState
	Requires Capability
}

// SessionEdge is one legal session transition and the capability it requires.
type SessionEdge struct {
	From     SessionState
	To       SessionState
	Requires Capability
}

// DeliverableTransitions is the complete legal edge set. Anything absent is InvalidTransition.
var DeliverableTransitions = []DeliverableEdge{
	{DeliverableOpen, DeliverableInitialized, CapInitialize},
	{DeliverableInitialized, DeliverableSemanticReady, CapAdvance},
	{DeliverableSemanticReady, DeliverableInProgress, CapAdvance},
	{DeliverableInProgress, DeliverableChecking, CapAdvance},
	{DeliverableChecking, DeliverableInProgress, CapAdvance},
	{DeliverableChecking, DeliverableIssued, CapIssue},
}

// SessionTransitions is the complete legal edge set for sessions.
var SessionTransitions = []SessionEdge{
	{SessionCreated, SessionActive, CapWork},
	{SessionActive, SessionPaused, CapPause},
	{SessionPaused, SessionActive, CapPause},
	{SessionActive, SessionCompleted, CapWork},
	{SessionActive, SessionFailed, CapWork},
	{SessionPaused, SessionFailed, CapWork},
	{SessionCreated, SessionCancelled, CapWork},
	{SessionActive, SessionCancelled, CapWork},
	{SessionPaused, SessionCancelled, CapWork},
}

func lookupDeliverableEdge(from, to DeliverableState) (DeliverableEdge, bool) {
	for _, e := range DeliverableTransitions {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return DeliverableEdge{}, false
}

func lookupSessionEdge(from, to SessionState) (SessionEdge, bool) {
	for _, e := range SessionTransitions {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return SessionEdge{}, false
}

// Validator checks edges against the tables and capabilities against a checker.
type Validator struct {
	Checker CapabilityChecker
}

// NewValidator returns a validator; a nil checker uses StaticCapabilities.
func NewValidator(c CapabilityChecker) Validator {
	if c == nil {
		c = StaticCapabilities{}
	}
	return Validator{Checker: c}
}

func (v Validator) checker() CapabilityChecker {
	if v.Checker == nil {
		return StaticCapabilities{}
	}
	return v.Checker
}

// CheckDeliverable validates from -> to for an acting agent type.
func (v Validator) CheckDeliverable(from, to DeliverableState, agent AgentType) error {
	edge, ok := lookupDeliverableEdge(from, to)
	if !ok {
		return InvalidTransition("deliverable %s -> %s is not a legal transition", from, to)
	}
	if !v.checker().Permits(agent, edge.Requires) {
		return NotAuthorized("%s may not move a deliverable %s -> %s", agent.Label(), from, to)
	}
	return nil
}

// CheckSession validates from -> to for a session of the given agent type.
func (v Validator) CheckSession(from, to SessionState, agent AgentType) error {
	edge, ok := lookupSessionEdge(from, to)
	if !ok {
		return InvalidTransition("session %s -> %s is not a legal transition", from, to)
	}
	if !v.checker().Permits(agent, edge.Requires) {
		return NotAuthorized("%s sessions may not move %s -> %s", agent.Label(), from, to)
	}
	return nil
}

// ApplyDeliverable returns the snapshot that results from moving d to target on
// behalf of acting. d is not modified.
func (v Validator) ApplyDeliverable(d Deliverable, fromVersion int64, target DeliverableState, acting AgentSession, actor ActorID, commit string, at time.Time) (Deliverable, error) {
	if fromVersion <= 0 {
		return d, fmt.Errorf("%w: deliverable %s transition without a version", ErrContractViolation, d.ID)
	}
	if acting.Status.Terminal() {
		return d, SessionTerminated(acting.ID, acting.Status)
	}
	if !acting.Linked(d.ID) {
		return d, NotAuthorized("session %s is not linked to deliverable %s", acting.ID, d.ID)
	}
	if d.Version != fromVersion {
		return d, ConcurrentModification("deliverable %s is at version %d, caller expected %d", d.ID, d.Version, fromVersion)
	}
	if err := v.CheckDeliverable(d.Status, target, acting.AgentType); err != nil {
		return d, err
	}
	next := d
	next.History = append(append([]HistoryEntry(nil), d.History...), HistoryEntry{
		From:       string(d.Status),
		To:         string(target),
		Version:    d.Version + 1,
		SessionID:  acting.ID,
		Actor:      actor,
		CommitHash: commit,
		At:         at,
	})
	next.Status = target
	next.Version = d.Version + 1
	next.UpdatedAt = at
	return next, nil
}

// ApplySession returns the snapshot that results from moving s to target.
// Authority is checked against the session's own agent type.
func (v Validator) ApplySession(s AgentSession, fromVersion int64, target SessionState, actor ActorID, at time.Time) (AgentSession, error) {
	if fromVersion <= 0 {
		return s, fmt.Errorf("%w: session %s transition without a version", ErrContractViolation, s.ID)
	}
	if s.Status.Terminal() {
		return s, SessionTerminated(s.ID, s.Status)
	}
	if s.Version != fromVersion {
		return s, ConcurrentModification("session %s is at version %d, caller expected %d", s.ID, s.Version, fromVersion)
	}
	if err := v.CheckSession(s.Status, target, s.AgentType); err != nil {
		return s, err
	}
	next := s
	next.History = append(append([]HistoryEntry(nil), s.History...), HistoryEntry{
		From:       string(s.Status),
		To:         string(target),
		Version:    s.Version + 1,
		SessionID:  s.ID,
		Actor:      actor,
		CommitHash: s.LastCommit,
		At:         at,
	})
	next.Status = target
	next.Version = s.Version + 1
	next.UpdatedAt = at
	return next, nil
}
