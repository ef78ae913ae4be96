package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/otel"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
)

// WriteRequest asks whether a session may mutate one path on its branch.
type WriteRequest struct {
	SessionID domain.SessionID `json:"session_id"`
	Branch    string           `json:"branch"`
	Path      string           `json:"path"`
	Operation domain.Operation `json:"operation"`
}

// AuthorizeWrite checks the session state, then the branch binding, then the
// session's write scope, then that the path is not inside an Issued linked
// deliverable. An allowed path is staged in the open turn and must
// be listed when the turn is sealed. A denial returns the decision together
// with a WriteDenied error.
func (e *Engine) AuthorizeWrite(ctx context.Context, req WriteRequest) (sandbox.Decision, error) {
	op := req.Operation
	if op == "" {
		op = domain.OpModify
	}
	e.mu.Lock()
	s, err := e.Store.GetSession(ctx, req.SessionID)
	if err != nil {
		e.mu.Unlock()
		return sandbox.Decision{}, err
	}
	if s.Status.Terminal() {
		e.mu.Unlock()
		return sandbox.Decision{}, domain.SessionTerminated(s.ID, s.Status)
	}
	if req.Branch != s.Branch {
		e.mu.Unlock()
		return sandbox.Decision{}, domain.BranchMismatch(s.Branch, req.Branch)
	}

	d := sandbox.Evaluate(s.Scope, req.Path, op)
	if d.Allowed {
		if err := e.denyArchivedLocked(ctx, s, &d); err != nil {
			e.mu.Unlock()
			return sandbox.Decision{}, err
		}
	}
	if d.Allowed {
		if err := e.activateLocked(ctx, &s); err != nil {
			e.mu.Unlock()
			return sandbox.Decision{}, err
		}
		t := e.openTurnLocked(s)
		if prev, ok := t.paths[d.Path]; !ok || prev != domain.OpCreate {
			t.paths[d.Path] = op
		}
	}
	e.mu.Unlock()

	otel.RecordWriteDecision(ctx, string(s.AgentType), d.Allowed, string(d.Reason))
	if !d.Allowed {
		e.Logger.Warn("write denied", "session", s.ID, "agent_type", s.AgentType, "path", d.Path, "op", op, "reason", d.Reason, "rule", d.Rule)
		e.emit(Event{Type: EventWriteDenied, SessionID: string(s.ID), Path: d.Path, Reason: string(d.Reason), At: e.Now()})
		return d, d.Err()
	}
	e.Logger.Debug("write allowed", "session", s.ID, "path", d.Path, "op", op, "rule", d.Rule, "pattern", d.Pattern)
	return d, nil
}

// denyArchivedLocked turns an Allow into a denial when the path lies under the
// root of a linked deliverable that is Issued, as staged by the session's open
// turn or else as stored.
func (e *Engine) denyArchivedLocked(ctx context.Context, s domain.AgentSession, d *sandbox.Decision) error {
	t := e.turns[s.ID]
	for _, id := range s.Deliverables {
		del, err := e.Store.GetDeliverable(ctx, id)
		if err != nil {
			return err
		}
		if t != nil {
			if st, ok := t.deliverables[id]; ok {
				del = st.next
			}
		}
		root := strings.TrimSuffix(del.Root, "/")
		if root == "" || (d.Path != root && !strings.HasPrefix(d.Path, root+"/")) {
			continue
		}
		if del.Archived() {
			*d = sandbox.Decision{
				Reason:  domain.DenyArchived,
				Path:    d.Path,
				Rule:    d.Rule,
				Pattern: d.Pattern,
				Detail:  fmt.Sprintf("%s is inside deliverable %s, which is %s and read-only", d.Path, id, del.Status),
			}
		}
		return nil
	}
	return nil
}
