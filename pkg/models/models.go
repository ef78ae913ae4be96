// Package models provides shared types for the chirality HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Actor names the human, agent or system component behind an action.
type Actor struct {
	Kind string `json:"kind"` // HUMAN, AGENT or SYSTEM
	ID   string `json:"id"`
}

func (a Actor) String() string {
	if a.ID == "" {
		return ""
	}
	return a.Kind + ":" + a.ID
}

// HistoryEntry is one applied transition of a deliverable or session.
type HistoryEntry struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Version    int64     `json:"version"`
	SessionID  string    `json:"session_id,omitempty"`
	Actor      Actor     `json:"actor"`
	CommitHash string    `json:"commit_hash,omitempty"`
	At         time.Time `json:"at"`
}

// Deliverable is a unit of documentation work rooted at a workspace folder.
type Deliverable struct {
	ID        string         `json:"id"`
	Root      string         `json:"root"`
	Title     string         `json:"title"`
	ProjectID string         `json:"project_id,omitempty"`
	PackageID string         `json:"package_id,omitempty"`
	Status    string         `json:"status"`
	Version   int64          `json:"version"`
	History   []HistoryEntry `json:"history,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Rule is one entry of a session's write scope.
type Rule struct {
	Pattern    string   `json:"pattern"`
	Permission string   `json:"permission"` // allow or deny
	Ops        []string `json:"ops,omitempty"`
}

// Session is one agent's bounded run on its own branch.
type Session struct {
	ID           string         `json:"id"`
	AgentType    string         `json:"agent_type"`
	Agent        string         `json:"agent,omitempty"`
	Branch       string         `json:"branch"`
	BaseRef      string         `json:"base_ref,omitempty"`
	Status       string         `json:"status"`
	Scope        []Rule         `json:"scope"`
	Deliverables []string       `json:"deliverables"`
	Actor        Actor          `json:"actor"`
	Version      int64          `json:"version"`
	LastCommit   string         `json:"last_commit,omitempty"`
	MergeCommit  string         `json:"merge_commit,omitempty"`
	History      []HistoryEntry `json:"history,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Turn is the open turn of a session: staged paths and staged deliverable snapshots.
type Turn struct {
	TurnID       string        `json:"turn_id"`
	SessionID    string        `json:"session_id"`
	Paths        []string      `json:"paths"`
	Deliverables []Deliverable `json:"deliverables"`
	Completing   bool          `json:"completing"`
	StartedAt    time.Time     `json:"started_at"`
}

// SessionStatus is the GET /sessions/{id} response.
type SessionStatus struct {
	Session      Session       `json:"session"`
	Deliverables []Deliverable `json:"deliverables"`
	Turn         *Turn         `json:"turn,omitempty"`
}

// AuditRecord links one sealed turn to its git commit.
type AuditRecord struct {
	ID           string            `json:"id"`
	TurnID       string            `json:"turn_id"`
	SessionID    string            `json:"session_id"`
	Deliverables []string          `json:"deliverables,omitempty"`
	CommitHash   string            `json:"commit_hash"`
	Actor        Actor             `json:"actor"`
	Paths        []string          `json:"paths"`
	Hashes       map[string]string `json:"hashes,omitempty"`
	Transitions  []HistoryEntry    `json:"transitions,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Accepted is the outcome of an accepted transition. Staged transitions apply at seal.
type Accepted struct {
	EntityID   string `json:"entity_id"`
	Entity     string `json:"entity"`
	State      string `json:"state"`
	NewVersion int64  `json:"new_version"`
	Staged     bool   `json:"staged"`
	TurnID     string `json:"turn_id,omitempty"`
}

// Decision is a write authorization decision.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Path    string `json:"path"`
	Rule    int    `json:"rule"`
	Pattern string `json:"pattern,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// TurnResult describes one finished turn.
type TurnResult struct {
	SessionID  string       `json:"session_id"`
	TurnID     string       `json:"turn_id,omitempty"`
	Outcome    string       `json:"outcome"`
	CommitHash string       `json:"commit_hash,omitempty"`
	Paths      []string     `json:"paths,omitempty"`
	Reply      string       `json:"reply,omitempty"`
	Steps      int          `json:"steps"`
	Status     string       `json:"status"`
	Audit      *AuditRecord `json:"audit,omitempty"`
}

// Event is one message on the /stream SSE feed.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Version    int64     `json:"version,omitempty"`
	Staged     bool      `json:"staged,omitempty"`
	Path       string    `json:"path,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CommitHash string    `json:"commit_hash,omitempty"`
	At         time.Time `json:"at"`
}

// CreateDeliverableRequest is the POST /deliverables body.
type CreateDeliverableRequest struct {
	Root      string `json:"root"`
	Title     string `json:"title,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	PackageID string `json:"package_id,omitempty"`
	Actor     *Actor `json:"actor,omitempty"`
}

// CreateDeliverableResponse is the POST /deliverables response.
type CreateDeliverableResponse struct {
	Deliverable Deliverable `json:"deliverable"`
	Scaffold    TurnResult  `json:"scaffold"`
}

// OpenSessionRequest is the POST /sessions body. Brief, when set, is a YAML
// session brief and takes precedence over the other fields.
type OpenSessionRequest struct {
	AgentType    string   `json:"agent_type,omitempty"`
	Agent        string   `json:"agent,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	BaseRef      string   `json:"base_ref,omitempty"`
	Actor        *Actor   `json:"actor,omitempty"`
	ExtraRules   []Rule   `json:"extra_rules,omitempty"`
	Brief        string   `json:"brief,omitempty"`
}

// TurnRequest is the POST /sessions/{id}/turns body.
type TurnRequest struct {
	Input string `json:"input"`
}

// SessionActionRequest is the body of pause, resume, complete and cancel.
type SessionActionRequest struct {
	FromVersion int64  `json:"from_version,omitempty"`
	Actor       *Actor `json:"actor,omitempty"`
}

// TransitionRequest is the POST /transitions body.
type TransitionRequest struct {
	EntityID    string `json:"entity_id"`
	Entity      string `json:"entity,omitempty"`
	FromVersion int64  `json:"from_version"`
	Target      string `json:"target"`
	SessionID   string `json:"session_id"`
	Actor       *Actor `json:"actor,omitempty"`
}

// WriteRequest is the POST /writes/authorize body.
type WriteRequest struct {
	SessionID string `json:"session_id"`
	Branch    string `json:"branch"`
	Path      string `json:"path"`
	Operation string `json:"operation,omitempty"`
}

// SealRequest is the POST /seal body.
type SealRequest struct {
	SessionID     string            `json:"session_id"`
	CommitHash    string            `json:"commit_hash"`
	AffectedPaths []string          `json:"affected_paths"`
	Hashes        map[string]string `json:"hashes,omitempty"`
	Actor         *Actor            `json:"actor,omitempty"`
}

// FailTurnRequest is the POST /turns/fail body.
type FailTurnRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ReviewRequest is the POST /reviews body.
type ReviewRequest struct {
	SessionID   string `json:"session_id,omitempty"` // picked automatically when empty
	Deliverable string `json:"deliverable_id"`
	FromVersion int64  `json:"from_version,omitempty"` // current version when zero
	Outcome     string `json:"outcome"`
	Comments    string `json:"comments,omitempty"`
	Reviewer    *Actor `json:"reviewer,omitempty"`
}

// Error is the JSON body of every failed request.
type Error struct {
	Error    string    `json:"error"`
	Kind     string    `json:"kind,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Decision *Decision `json:"decision,omitempty"` // set on write denials
}

// Config is the /config API response.
type Config struct {
	Home      string `json:"home,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	BaseRef   string `json:"base_ref,omitempty"`
	Actor     Actor  `json:"actor"`
}

// Bootstrap is the /bootstrap API response.
type Bootstrap struct {
	Config       Config        `json:"config"`
	Deliverables []Deliverable `json:"deliverables"`
	Sessions     []Session     `json:"sessions"`
	OpenTurns    int64         `json:"open_turns"`
}
