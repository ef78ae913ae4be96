// Package review implements the Checking stage: a reviewing session either
// issues a deliverable or sends it back for more work.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

// Review outcomes.
const (
	OutcomeApproved         = "approved"
	OutcomeChangesRequested = "changes_requested"
)

// Proposer is the slice of the core API a review needs.
type Proposer interface {
	ProposeTransition(ctx context.Context, req workflow.TransitionRequest) (workflow.Accepted, error)
}

// Request is one review decision on a deliverable in Checking.
type Request struct {
	SessionID   domain.SessionID     `json:"session_id"` // reviewing session
	Deliverable domain.DeliverableID `json:"deliverable_id"`
	FromVersion int64                `json:"from_version"`
	Outcome     string               `json:"outcome"`
	Comments    string               `json:"comments,omitempty"`
	Reviewer    domain.ActorID       `json:"reviewer"`
}

// Target maps a review outcome to the deliverable state it leads to.
func Target(outcome string) (domain.DeliverableState, error) {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case OutcomeApproved, "approve":
		return domain.DeliverableIssued, nil
	case OutcomeChangesRequested, "reject", "rejected":
		return domain.DeliverableInProgress, nil
	}
	return "", fmt.Errorf("unknown review outcome %q", outcome)
}

// Submit stages the transition for the review in the reviewing session's
// open turn. It takes effect when that turn is sealed.
func Submit(ctx context.Context, p Proposer, req Request) (workflow.Accepted, error) {
	target, err := Target(req.Outcome)
	if err != nil {
		return workflow.Accepted{}, err
	}
	acc, err := p.ProposeTransition(ctx, workflow.TransitionRequest{
		EntityID:    string(req.Deliverable),
		Entity:      workflow.EntityDeliverable,
		FromVersion: req.FromVersion,
		Target:      string(target),
		SessionID:   req.SessionID,
		Actor:       req.Reviewer,
	})
	if err != nil {
		return workflow.Accepted{}, err
	}
	slog.Info("review submitted", "deliverable", req.Deliverable, "session", req.SessionID, "reviewer", req.Reviewer, "outcome", req.Outcome, "state", acc.State)
	return acc, nil
}

// Submitter returns the session that last moved d into Checking.
func Submitter(d domain.Deliverable) (domain.SessionID, bool) {
	for i := len(d.History) - 1; i >= 0; i-- {
		if d.History[i].To == string(domain.DeliverableChecking) {
			return d.History[i].SessionID, d.History[i].SessionID != ""
		}
	}
	return "", false
}

// PickReviewer chooses a live session linked to d that can issue it. A
// session other than the submitter is preferred.
func PickReviewer(d domain.Deliverable, sessions []domain.AgentSession, caps domain.CapabilityChecker) (domain.AgentSession, bool) {
	if caps == nil {
		caps = domain.StaticCapabilities{}
	}
	author, _ := Submitter(d)
	var fallback *domain.AgentSession
	for i := range sessions {
		s := &sessions[i]
		if s.Status.Terminal() || !s.Linked(d.ID) || !caps.Permits(s.AgentType, domain.CapIssue) {
			continue
		}
		if s.ID != author {
			return *s, true
		}
		if fallback == nil {
			fallback = s
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return domain.AgentSession{}, false
}
