package domain

import (
	"fmt"
	"strings"
	"time"
)

// SessionState is the lifecycle status of an AgentSession.
type SessionState string

const (
	SessionCreated   SessionState = "CREATED"
	SessionActive    SessionState = "ACTIVE"
	SessionPaused    SessionState = "PAUSED"
	SessionCompleted SessionState = "COMPLETED"
	SessionFailed    SessionState = "FAILED"
	SessionCancelled SessionState = "CANCELLED"
)

var SessionStates = []SessionState{
	SessionCreated, SessionActive, SessionPaused,
	SessionCompleted, SessionFailed, SessionCancelled,
}

// Terminal reports whether s is absorbing.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

func ParseSessionState(s string) (SessionState, error) {
	norm := SessionState(strings.ToUpper(strings.TrimSpace(s)))
	if norm == "CANCELED" {
		norm = SessionCancelled
	}
	for _, st := range SessionStates {
		if st == norm {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

// AgentSession is one agent's bounded run, bound to a single git branch.
// Scope is fixed at creation.
type AgentSession struct {
	ID           SessionID       `json:"id"`
	AgentType    AgentType       `json:"agent_type"`
	Agent        string          `json:"agent,omitempty"` // agent name from the brief, e.g. 4_DOCUMENTS
	Branch       string          `json:"branch"`
	BaseRef      string          `json:"base_ref,omitempty"`
	Status       SessionState    `json:"status"`
	Scope        WriteScope      `json:"scope"`
	Deliverables []DeliverableID `json:"deliverables"`
	Actor        ActorID         `json:"actor"`
	Version      int64           `json:"version"`
	LastCommit   string          `json:"last_commit,omitempty"`
	MergeCommit  string          `json:"merge_commit,omitempty"`
	History      []HistoryEntry  `json:"history,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Linked reports whether the session may affect deliverable id.
func (s AgentSession) Linked(id DeliverableID) bool {
	for _, d := range s.Deliverables {
		if d == id {
			return true
		}
	}
	return false
}

// SessionBranch is the branch name bound to a new session.
func SessionBranch(agent AgentType, id SessionID) string {
	return fmt.Sprintf("chirality/%s/%s", strings.ToLower(string(agent)), id.Short())
}
