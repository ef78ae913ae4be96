package workflow

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/otel"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
	"github.com/sgttomas/chirality-runtime/internal/store"
)

// SealRequest reports a successfully committed turn.
type SealRequest struct {
	SessionID     domain.SessionID              `json:"session_id"`
	CommitHash    string                        `json:"commit_hash"`
	AffectedPaths []string                      `json:"affected_paths"`
	Hashes        map[string]domain.ContentHash `json:"hashes,omitempty"` // content hash per path at commit time
	Actor         domain.ActorID                `json:"actor"`
}

type sealResult struct {
	record    domain.AuditRecord
	agentType domain.AgentType
	started   time.Time
	events    []Event
}

// SealTurn applies every transition staged in the session's open turn and
// records one AuditRecord for the commit. The affected paths must be exactly
// the paths authorized during the turn. On any rejection nothing changes.
func (e *Engine) SealTurn(ctx context.Context, req SealRequest) (domain.AuditRecord, error) {
	e.mu.Lock()
	res, err := e.sealLocked(ctx, req)
	e.mu.Unlock()

	if err != nil {
		otel.RecordTurn(ctx, string(res.agentType), "rejected", 0)
		e.Logger.Warn("turn seal rejected", "session", req.SessionID, "commit", req.CommitHash, "err", err)
		return domain.AuditRecord{}, err
	}
	rec := res.record
	otel.RecordTurn(ctx, string(res.agentType), "sealed", rec.CreatedAt.Sub(res.started))
	e.Logger.Info("turn sealed", "session", rec.SessionID, "turn", rec.TurnID, "commit", rec.CommitHash, "paths", len(rec.Paths), "transitions", len(rec.Transitions))
	e.emit(res.events...)
	return rec, nil
}

func (e *Engine) sealLocked(ctx context.Context, req SealRequest) (sealResult, error) {
	var res sealResult
	s, err := e.Store.GetSession(ctx, req.SessionID)
	if err != nil {
		return res, err
	}
	res.agentType = s.AgentType
	if s.Status.Terminal() {
		return res, domain.SessionTerminated(s.ID, s.Status)
	}
	t, ok := e.turns[s.ID]
	if !ok || t.empty() {
		return res, domain.TurnSealFailure("session %s has no staged changes to seal", s.ID)
	}
	commit := strings.TrimSpace(req.CommitHash)
	if !domain.ValidCommitHash(commit) {
		return res, domain.TurnSealFailure("%q is not a full commit hash", req.CommitHash)
	}
	paths, err := reconcilePaths(t, req.AffectedPaths)
	if err != nil {
		return res, err
	}
	hashes, err := canonicalHashes(req.Hashes, t.paths)
	if err != nil {
		return res, err
	}
	actor := req.Actor
	if actor.IsZero() {
		actor = s.Actor
	}
	now := e.Now()

	batch := store.SealBatch{}
	var transitions []domain.HistoryEntry
	var events []Event
	for _, id := range t.order {
		st := t.deliverables[id]
		next := st.next
		next.History = append([]domain.HistoryEntry(nil), st.next.History...)
		for i := range next.History {
			h := &next.History[i]
			if h.Version <= st.base {
				continue
			}
			h.CommitHash = commit
			transitions = append(transitions, *h)
			events = append(events, Event{Type: EventTransition, SessionID: string(s.ID), EntityID: string(id), From: h.From, To: h.To, Version: h.Version, CommitHash: commit, At: now})
		}
		batch.Deliverables = append(batch.Deliverables, store.DeliverableUpdate{Next: next, ExpectedVersion: st.base})
	}

	ns := s
	ns.LastCommit = commit
	ns.UpdatedAt = now
	if t.complete {
		if s.Version != t.completeBase {
			e.discardLocked(s.ID)
			return res, domain.ConcurrentModification("session %s moved to version %d while its completion was pending", s.ID, s.Version)
		}
		ns, err = e.Validator.ApplySession(ns, s.Version, domain.SessionCompleted, t.completeActor, now)
		if err != nil {
			return res, err
		}
		h := ns.History[len(ns.History)-1]
		transitions = append(transitions, h)
		events = append(events, Event{Type: EventTransition, SessionID: string(s.ID), EntityID: string(s.ID), From: h.From, To: h.To, Version: h.Version, CommitHash: commit, At: now})
	}
	batch.Session = store.SessionUpdate{Next: ns, ExpectedVersion: s.Version, ExpectedStatus: s.Status}
	batch.Record = domain.AuditRecord{
		ID:           domain.NewAuditID(),
		TurnID:       t.id,
		SessionID:    s.ID,
		Deliverables: domain.SortedUnique(t.order),
		CommitHash:   commit,
		Actor:        actor,
		Paths:        paths,
		Hashes:       hashes,
		Transitions:  transitions,
		CreatedAt:    now,
	}

	if err := e.Store.Seal(ctx, batch); err != nil {
		if domain.IsKind(err, domain.KindConcurrentModification) {
			// The staged snapshots are stale; the orchestrator must re-read and redo the turn.
			e.discardLocked(s.ID)
		}
		return res, err
	}
	e.discardLocked(s.ID)

	res.record = batch.Record
	res.started = t.started
	res.events = append([]Event{{Type: EventTurnSealed, SessionID: string(s.ID), CommitHash: commit, Version: ns.Version, At: now}}, events...)
	return res, nil
}

// reconcilePaths canonicalizes the reported paths and requires them to equal
// the staged write set.
func reconcilePaths(t *turn, reported []string) ([]string, error) {
	got := make(map[string]struct{}, len(reported))
	for _, p := range reported {
		c, err := sandbox.Canonicalize(p)
		if err != nil {
			return nil, domain.TurnSealFailure("affected path %q: %v", p, err)
		}
		got[c] = struct{}{}
	}
	var missing, extra []string
	for p := range t.paths {
		if _, ok := got[p]; !ok {
			missing = append(missing, p)
		}
	}
	for p := range got {
		if _, ok := t.paths[p]; !ok {
			extra = append(extra, p)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return nil, domain.TurnSealFailure("commit paths differ from staged writes: unreported %v, unauthorized %v", missing, extra)
	}
	return t.sortedPaths(), nil
}

func canonicalHashes(in map[string]domain.ContentHash, staged map[string]domain.Operation) (map[string]domain.ContentHash, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]domain.ContentHash, len(in))
	for p, h := range in {
		c, err := sandbox.Canonicalize(p)
		if err != nil {
			return nil, domain.TurnSealFailure("hashed path %q: %v", p, err)
		}
		if _, ok := staged[c]; !ok {
			return nil, domain.TurnSealFailure("hash reported for %s, which was not written in this turn", c)
		}
		if staged[c] == domain.OpDelete {
			if h != "" {
				return nil, domain.TurnSealFailure("hash reported for deleted path %s", c)
			}
			continue
		}
		if _, err := domain.ParseContentHash(string(h)); err != nil {
			return nil, domain.TurnSealFailure("%s: %v", c, err)
		}
		out[c] = h
	}
	return out, nil
}

// FailTurn discards the session's open turn after the orchestrator reports a
// failed commit. No entity state changes. It reports whether a turn was open.
func (e *Engine) FailTurn(ctx context.Context, id domain.SessionID, reason string) (bool, error) {
	s, err := e.Store.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	t := e.discardLocked(id)
	e.mu.Unlock()
	if t == nil {
		return false, nil
	}
	otel.RecordTurn(ctx, string(s.AgentType), "failed", e.Now().Sub(t.started))
	e.Logger.Warn("turn failed", "session", id, "turn", t.id, "paths", len(t.paths), "reason", reason)
	e.emit(Event{Type: EventTurnDiscarded, SessionID: string(id), Reason: reason, At: e.Now()})
	return true, nil
}
