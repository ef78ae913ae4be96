package orchestrator

import (
	"context"
	"fmt"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

// ScaffoldAgent names the bootstrap sessions that lay out new deliverables.
const ScaffoldAgent = "scaffold"

// CreateDeliverable registers a deliverable and commits its folder with a
// _STATUS.md on a bootstrap session branch. The session completes in the same
// turn, so the merge worker lands the folder on the base branch.
func (o *Orchestrator) CreateDeliverable(ctx context.Context, req workflow.CreateDeliverableRequest, actor domain.ActorID) (domain.Deliverable, TurnResult, error) {
	d, err := o.cfg.Engine.CreateDeliverable(ctx, req)
	if err != nil {
		return domain.Deliverable{}, TurnResult{}, err
	}
	if actor.IsZero() {
		actor = domain.System(ScaffoldAgent)
	}
	s, err := o.StartSession(ctx, workflow.OpenSessionRequest{
		AgentType:    domain.AgentTask,
		Agent:        ScaffoldAgent,
		Deliverables: []domain.DeliverableID{d.ID},
		Actor:        actor,
	}, nil)
	if err != nil {
		return d, TurnResult{}, fmt.Errorf("scaffold %s: %w", d.ID, err)
	}
	run, err := o.runFor(ctx, s)
	if err != nil {
		o.abandon(ctx, s.ID, "scaffold worktree")
		return d, TurnResult{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	if _, err := run.fs.Scaffold(ctx, s.ID, s.Branch, d); err != nil {
		o.failTurn(ctx, run, s.ID, "", err.Error())
		o.failSession(ctx, s.ID, "scaffold write")
		return d, TurnResult{}, err
	}
	cur, err := o.cfg.Engine.Store.GetSession(ctx, s.ID)
	if err != nil {
		return d, TurnResult{}, err
	}
	if _, err := o.cfg.Engine.ProposeTransition(ctx, workflow.TransitionRequest{
		EntityID:    string(s.ID),
		Entity:      workflow.EntitySession,
		FromVersion: cur.Version,
		Target:      string(domain.SessionCompleted),
		SessionID:   s.ID,
	}); err != nil {
		o.failTurn(ctx, run, s.ID, "", err.Error())
		o.failSession(ctx, s.ID, "scaffold completion")
		return d, TurnResult{}, err
	}
	res, err := o.finishTurn(ctx, run, s.ID, TurnResult{SessionID: s.ID, Reply: "Scaffold " + d.Root, Steps: 0})
	if err != nil {
		o.failSession(ctx, s.ID, "scaffold seal")
		return d, res, err
	}
	return d, res, nil
}
