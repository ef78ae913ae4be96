package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var legalDeliverable = map[[2]DeliverableState]bool{
	{DeliverableOpen, DeliverableInitialized}:          true,
	{DeliverableInitialized, DeliverableSemanticReady}: true,
	{DeliverableSemanticReady, DeliverableInProgress}:  true,
	{DeliverableInProgress, DeliverableChecking}:       true,
	{DeliverableChecking, DeliverableInProgress}:       true,
	{DeliverableChecking, DeliverableIssued}:           true,
}

func TestDeliverableEdgesExhaustive(t *testing.T) {
	t.Parallel()
	v := NewValidator(nil)
	for _, from := range DeliverableStates {
		for _, to := range DeliverableStates {
			// Architect holds every deliverable capability, so only legality matters.
			err := v.CheckDeliverable(from, to, AgentArchitect)
			if legalDeliverable[[2]DeliverableState{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.True(t, IsKind(err, KindInvalidTransition), "%s -> %s: %v", from, to, err)
			}
		}
	}
}

func TestDeliverableAuthority(t *testing.T) {
	t.Parallel()
	v := NewValidator(nil)

	cases := []struct {
		from, to DeliverableState
		agent    AgentType
		ok       bool
	}{
		{DeliverableOpen, DeliverableInitialized, AgentPersona, true},
		{DeliverableOpen, DeliverableInitialized, AgentArchitect, true},
		{DeliverableOpen, DeliverableInitialized, AgentTask, false},
		{DeliverableInitialized, DeliverableSemanticReady, AgentTask, true},
		{DeliverableSemanticReady, DeliverableInProgress, AgentTask, true},
		{DeliverableInProgress, DeliverableChecking, AgentTask, true},
		{DeliverableChecking, DeliverableInProgress, AgentTask, true},
		{DeliverableChecking, DeliverableIssued, AgentTask, false},
		{DeliverableChecking, DeliverableIssued, AgentPersona, true},
		{DeliverableChecking, DeliverableIssued, AgentArchitect, true},
	}
	for _, c := range cases {
		err := v.CheckDeliverable(c.from, c.to, c.agent)
		if c.ok {
			assert.NoError(t, err, "%s %s -> %s", c.agent, c.from, c.to)
			continue
		}
		assert.ErrorIs(t, err, ErrTransitionNotAuthorized, "%s %s -> %s", c.agent, c.from, c.to)
	}
}

func TestSessionPauseOnlyForPersona(t *testing.T) {
	t.Parallel()
	v := NewValidator(nil)
	for _, agent := range AgentTypes {
		err := v.CheckSession(SessionActive, SessionPaused, agent)
		if agent == AgentPersona {
			require.NoError(t, err)
			require.NoError(t, v.CheckSession(SessionPaused, SessionActive, agent))
			continue
		}
		assert.ErrorIs(t, err, ErrTransitionNotAuthorized, "agent %s", agent)
	}
}

func TestSessionEdges(t *testing.T) {
	t.Parallel()
	v := NewValidator(nil)

	assert.NoError(t, v.CheckSession(SessionCreated, SessionActive, AgentTask))
	assert.NoError(t, v.CheckSession(SessionActive, SessionCompleted, AgentTask))
	assert.NoError(t, v.CheckSession(SessionPaused, SessionFailed, AgentPersona))
	for _, from := range []SessionState{SessionCreated, SessionActive, SessionPaused} {
		assert.NoError(t, v.CheckSession(from, SessionCancelled, AgentPersona), "cancel from %s", from)
	}
	assert.ErrorIs(t, v.CheckSession(SessionPaused, SessionCompleted, AgentPersona), ErrInvalidTransition)
	assert.ErrorIs(t, v.CheckSession(SessionCreated, SessionCompleted, AgentTask), ErrInvalidTransition)
	assert.ErrorIs(t, v.CheckSession(SessionCreated, SessionPaused, AgentPersona), ErrInvalidTransition)
	assert.ErrorIs(t, v.CheckSession(SessionCreated, SessionFailed, AgentTask), ErrInvalidTransition)
}

func newSession(agent AgentType, status SessionState, deliverables ...DeliverableID) AgentSession {
	id := NewSessionID()
	return AgentSession{
		ID:           id,
		AgentType:    agent,
		Branch:       SessionBranch(agent, id),
		Status:       status,
		Deliverables: deliverables,
		Version:      1,
	}
}

func TestApplyDeliverable(t *testing.T) {
	t.Parallel()
	v := NewValidator(nil)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := NewDeliverable("deliverables/DEL-01.01", "Pump datasheet", now)
	s := newSession(AgentPersona, SessionActive, d.ID)

	next, err := v.ApplyDeliverable(d, 1, DeliverableInitialized, s, Human("alice"), "", now)
	require.NoError(t, err)
	assert.Equal(t, DeliverableInitialized, next.Status)
	assert.EqualValues(t, 2, next.Version)
	require.Len(t, next.History, 1)
	assert.EqualValues(t, 2, next.History[0].Version)
	assert.Equal(t, s.ID, next.History[0].SessionID)

	// The input snapshot is untouched.
	assert.Equal(t, DeliverableOpen, d.Status)
	assert.Empty(t, d.History)

	_, err = v.ApplyDeliverable(next, 1, DeliverableSemanticReady, s, Human("alice"), "", now)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	_, err = v.ApplyDeliverable(next, 0, DeliverableSemanticReady, s, Human("alice"), "", now)
	assert.True(t, errors.Is(err, ErrContractViolation))

	stranger := newSession(AgentPersona, SessionActive)
	_, err = v.ApplyDeliverable(next, 2, DeliverableSemanticReady, stranger, Human("bob"), "", now)
	assert.ErrorIs(t, err, ErrTransitionNotAuthorized)
}

func TestTerminalSessionsAbsorb(t *testing.T) {
	t.Parallel()
	v := NewValidator(nil)
	now := time.Now().UTC()
	d := NewDeliverable("deliverables/x", "x", now)
	for _, st := range []SessionState{SessionCompleted, SessionFailed, SessionCancelled} {
		s := newSession(AgentPersona, st, d.ID)
		for _, target := range SessionStates {
			_, err := v.ApplySession(s, s.Version, target, Human("op"), now)
			assert.ErrorIs(t, err, ErrSessionTerminated, "%s -> %s", st, target)
		}
		_, err := v.ApplyDeliverable(d, d.Version, DeliverableInitialized, s, Human("op"), "", now)
		assert.ErrorIs(t, err, ErrSessionTerminated)
	}
}

func TestApplySessionKeepsLastCommit(t *testing.T) {
	t.Parallel()
	v := NewValidator(nil)
	s := newSession(AgentTask, SessionActive)
	s.LastCommit = "0123456789abcdef0123456789abcdef01234567"
	next, err := v.ApplySession(s, 1, SessionCancelled, Human("op"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, SessionCancelled, next.Status)
	assert.Equal(t, s.LastCommit, next.History[0].CommitHash)
}
