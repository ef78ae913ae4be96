package orchestrator

import (
	"context"
	"fmt"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/review"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

// Review records a review decision in its own turn of the reviewing session
// and seals it against an empty commit on the session branch.
func (o *Orchestrator) Review(ctx context.Context, req review.Request) (TurnResult, error) {
	run, s, err := o.operatorRun(ctx, req.SessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer run.mu.Unlock()

	if _, err := review.Submit(ctx, o.cfg.Engine, req); err != nil {
		o.discardOpen(ctx, run, s.ID, err)
		return TurnResult{SessionID: s.ID}, err
	}
	reply := fmt.Sprintf("Review %s: %s", req.Outcome, req.Deliverable)
	if req.Comments != "" {
		reply += "\n\n" + req.Comments
	}
	return o.finishTurn(ctx, run, s.ID, TurnResult{SessionID: s.ID, Reply: reply})
}

// Complete moves the session to Completed and seals the transition with
// whatever the session has staged.
func (o *Orchestrator) Complete(ctx context.Context, id domain.SessionID, actor domain.ActorID) (TurnResult, error) {
	run, s, err := o.operatorRun(ctx, id)
	if err != nil {
		return TurnResult{}, err
	}
	defer run.mu.Unlock()

	if _, err := o.cfg.Engine.ProposeTransition(ctx, workflow.TransitionRequest{
		EntityID:    string(s.ID),
		Entity:      workflow.EntitySession,
		FromVersion: s.Version,
		Target:      string(domain.SessionCompleted),
		SessionID:   s.ID,
		Actor:       actor,
	}); err != nil {
		o.discardOpen(ctx, run, s.ID, err)
		return TurnResult{SessionID: s.ID}, err
	}
	return o.finishTurn(ctx, run, s.ID, TurnResult{SessionID: s.ID, Reply: "Session completed by " + actor.String()})
}

// operatorRun returns the locked run of a live session. The caller unlocks it.
func (o *Orchestrator) operatorRun(ctx context.Context, id domain.SessionID) (*sessionRun, domain.AgentSession, error) {
	s, err := o.cfg.Engine.Store.GetSession(ctx, id)
	if err != nil {
		return nil, s, err
	}
	if s.Status.Terminal() {
		return nil, s, domain.SessionTerminated(s.ID, s.Status)
	}
	run, err := o.runFor(ctx, s)
	if err != nil {
		return nil, s, err
	}
	run.mu.Lock()
	// reload under the run lock: a turn may have moved the session meanwhile
	if s, err = o.cfg.Engine.Store.GetSession(ctx, id); err != nil {
		run.mu.Unlock()
		return nil, s, err
	}
	if s.Status.Terminal() {
		run.mu.Unlock()
		return nil, s, domain.SessionTerminated(s.ID, s.Status)
	}
	return run, s, nil
}

// discardOpen drops a turn left open by a rejected operator request.
func (o *Orchestrator) discardOpen(ctx context.Context, run *sessionRun, id domain.SessionID, cause error) {
	if _, ok := o.cfg.Engine.OpenTurn(id); ok {
		o.failTurn(ctx, run, id, "", cause.Error())
	}
}
