package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/review"
	"github.com/sgttomas/chirality-runtime/internal/store"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

func (a *App) config(r *http.Request) models.Config {
	actor, _ := a.actor(r, nil)
	return models.Config{Home: a.opts.Home, Workspace: a.opts.Workspace, BaseRef: a.opts.BaseRef, Actor: wireActor(actor)}
}

// handleTextMetrics serves entity gauges when no OTel handler is configured.
func (a *App) handleTextMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	ds, _ := a.Store.ListDeliverables(r.Context())
	ss, _ := a.Store.ListSessions(r.Context(), "")
	byDel := map[string]int{}
	for _, d := range ds {
		byDel[string(d.Status)]++
	}
	bySess := map[string]int{}
	for _, s := range ss {
		bySess[string(s.Status)]++
	}
	writeGauge(w, "chirality_deliverables", byDel)
	writeGauge(w, "chirality_sessions", bySess)
	_, _ = fmt.Fprintf(w, "# TYPE chirality_open_turns gauge\nchirality_open_turns %d\n", a.Engine.OpenTurns())
}

func writeGauge(w io.Writer, name string, byStatus map[string]int) {
	_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	keys := make([]string, 0, len(byStatus))
	for k := range byStatus {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s{status=%q} %d\n", name, k, byStatus[k])
	}
}

func (a *App) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	ds, err := a.Store.ListDeliverables(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range ds {
		ds[i].History = nil
	}
	all, err := a.Store.ListSessions(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	live := []domain.AgentSession{}
	for _, s := range all {
		if !s.Status.Terminal() {
			s.History = nil
			live = append(live, s)
		}
	}
	writeJSON(w, map[string]any{
		"config":       a.config(r),
		"deliverables": ds,
		"sessions":     live,
		"open_turns":   a.Engine.OpenTurns(),
	})
}

// --- Deliverables ---

func (a *App) handleDeliverables(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ds, err := a.Store.ListDeliverables(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if st := r.URL.Query().Get("status"); st != "" {
			want, err := domain.ParseDeliverableState(st)
			if err != nil {
				badRequest(w, err)
				return
			}
			kept := ds[:0]
			for _, d := range ds {
				if d.Status == want {
					kept = append(kept, d)
				}
			}
			ds = kept
		}
		writeJSON(w, ds)
	case http.MethodPost:
		var body models.CreateDeliverableRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		if strings.TrimSpace(body.Root) == "" {
			writeJSONError(w, http.StatusBadRequest, "root required")
			return
		}
		actor, err := a.actor(r, body.Actor)
		if err != nil {
			badRequest(w, err)
			return
		}
		req := workflow.CreateDeliverableRequest{
			Root:      body.Root,
			Title:     body.Title,
			ProjectID: domain.ProjectID(body.ProjectID),
			PackageID: domain.PackageID(body.PackageID),
		}
		if a.Orchestrator == nil {
			d, err := a.Engine.CreateDeliverable(r.Context(), req)
			if err != nil {
				writeError(w, err)
				return
			}
			a.Hub.PublishJSON(map[string]any{"type": "deliverable_created", "entity_id": d.ID})
			writeJSON(w, map[string]any{"deliverable": d})
			return
		}
		d, res, err := a.Orchestrator.CreateDeliverable(r.Context(), req, actor)
		if err != nil {
			writeError(w, err)
			return
		}
		a.Hub.PublishJSON(map[string]any{"type": "deliverable_created", "entity_id": d.ID, "commit_hash": res.CommitHash})
		writeJSON(w, map[string]any{"deliverable": d, "scaffold": res})
	default:
		methodNotAllowed(w)
	}
}

// /deliverables/{id} and /deliverables/{id}/reviewer
func (a *App) handleDeliverable(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/deliverables/")
	if len(parts) == 0 || len(parts) > 2 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, err := domain.ParseDeliverableID(parts[0])
	if err != nil {
		badRequest(w, err)
		return
	}
	d, err := a.Store.GetDeliverable(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(parts) == 1 {
		writeJSON(w, d)
		return
	}
	switch parts[1] {
	case "reviewer":
		s, ok, err := a.pickReviewer(r, d)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeJSONError(w, http.StatusNotFound, "no live session can review "+string(d.ID))
			return
		}
		s.History = nil
		writeJSON(w, s)
	case "audit":
		a.writeAudit(w, r, store.AuditFilter{DeliverableID: d.ID})
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) pickReviewer(r *http.Request, d domain.Deliverable) (domain.AgentSession, bool, error) {
	sessions, err := a.Store.ListSessions(r.Context(), "")
	if err != nil {
		return domain.AgentSession{}, false, err
	}
	s, ok := review.PickReviewer(d, sessions, a.Engine.Validator.Checker)
	return s, ok, nil
}

// --- Sessions ---

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var status domain.SessionState
		if st := r.URL.Query().Get("status"); st != "" {
			var err error
			if status, err = domain.ParseSessionState(st); err != nil {
				badRequest(w, err)
				return
			}
		}
		ss, err := a.Store.ListSessions(r.Context(), status)
		if err != nil {
			writeError(w, err)
			return
		}
		for i := range ss {
			ss[i].History = nil
		}
		writeJSON(w, ss)
	case http.MethodPost:
		if a.Orchestrator == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "sessions are not run by this server")
			return
		}
		var body models.OpenSessionRequest
		if !decodeJSON(w, r, &body) {
			return
		}
		actor, err := a.actor(r, body.Actor)
		if err != nil {
			badRequest(w, err)
			return
		}
		var s domain.AgentSession
		if body.Brief != "" {
			brief, err := domain.ParseBrief([]byte(body.Brief))
			if err != nil {
				badRequest(w, err)
				return
			}
			s, err = a.Orchestrator.StartFromBrief(r.Context(), brief, actor)
			if err != nil {
				writeError(w, err)
				return
			}
		} else {
			req, err := openRequest(body, actor)
			if err != nil {
				badRequest(w, err)
				return
			}
			s, err = a.Orchestrator.StartSession(r.Context(), req, nil)
			if err != nil {
				writeError(w, err)
				return
			}
		}
		writeJSON(w, s)
	default:
		methodNotAllowed(w)
	}
}

func openRequest(body models.OpenSessionRequest, actor domain.ActorID) (workflow.OpenSessionRequest, error) {
	t, err := domain.ParseAgentType(body.AgentType)
	if err != nil {
		return workflow.OpenSessionRequest{}, err
	}
	ds, err := deliverableIDs(body.Deliverables)
	if err != nil {
		return workflow.OpenSessionRequest{}, err
	}
	extra, err := rulesOf(body.ExtraRules)
	if err != nil {
		return workflow.OpenSessionRequest{}, err
	}
	return workflow.OpenSessionRequest{AgentType: t, Agent: body.Agent, Deliverables: ds, BaseRef: body.BaseRef, Actor: actor, Extra: extra}, nil
}

// /sessions/{id}[/turns|pause|resume|complete|cancel|audit|diff]
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/sessions/")
	if len(parts) == 0 || len(parts) > 2 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := domain.ParseSessionID(parts[0])
	if err != nil {
		badRequest(w, err)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if a.Orchestrator != nil {
			st, err := a.Orchestrator.Status(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, st)
			return
		}
		s, err := a.Store.GetSession(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"session": s})
		return
	}

	action := parts[1]
	if action == "audit" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		a.writeAudit(w, r, store.AuditFilter{SessionID: id})
		return
	}
	if action == "diff" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if a.Orchestrator == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "sessions are not run by this server")
			return
		}
		diff, err := a.Orchestrator.Diff(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diff))
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if action == "turns" {
		a.runTurn(w, r, id)
		return
	}
	var body models.SessionActionRequest
	if r.ContentLength != 0 {
		if err := decodeOptional(r, &body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	actor, err := a.actor(r, body.Actor)
	if err != nil {
		badRequest(w, err)
		return
	}
	switch action {
	case "pause", "resume":
		target := domain.SessionPaused
		if action == "resume" {
			target = domain.SessionActive
		}
		from := body.FromVersion
		if from == 0 {
			s, err := a.Store.GetSession(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			from = s.Version
		}
		acc, err := a.Engine.ProposeTransition(r.Context(), workflow.TransitionRequest{
			EntityID: string(id), Entity: workflow.EntitySession, FromVersion: from, Target: string(target), SessionID: id, Actor: actor,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, acc)
	case "cancel":
		var acc workflow.Accepted
		if a.Orchestrator != nil {
			acc, err = a.Orchestrator.Cancel(r.Context(), id, actor)
		} else {
			acc, err = a.Engine.Cancel(r.Context(), id, actor)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, acc)
	case "complete":
		if a.Orchestrator == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "sessions are not run by this server")
			return
		}
		res, err := a.Orchestrator.Complete(r.Context(), id, actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) runTurn(w http.ResponseWriter, r *http.Request, id domain.SessionID) {
	if a.Orchestrator == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "sessions are not run by this server")
		return
	}
	var body models.TurnRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := a.Orchestrator.RunTurn(r.Context(), id, body.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// decodeOptional decodes a body that may legitimately be empty.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// --- Core API ---

func (a *App) handleTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body models.TransitionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	sid, err := domain.ParseSessionID(body.SessionID)
	if err != nil {
		badRequest(w, err)
		return
	}
	actor, err := actorOf(body.Actor)
	if err != nil {
		badRequest(w, err)
		return
	}
	acc, err := a.Engine.ProposeTransition(r.Context(), workflow.TransitionRequest{
		EntityID:    body.EntityID,
		Entity:      workflow.EntityKind(body.Entity),
		FromVersion: body.FromVersion,
		Target:      body.Target,
		SessionID:   sid,
		Actor:       actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, acc)
}

func (a *App) handleAuthorizeWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body models.WriteRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	sid, err := domain.ParseSessionID(body.SessionID)
	if err != nil {
		badRequest(w, err)
		return
	}
	var op domain.Operation
	if body.Operation != "" {
		if op, err = domain.ParseOperation(body.Operation); err != nil {
			badRequest(w, err)
			return
		}
	}
	dec, err := a.Engine.AuthorizeWrite(r.Context(), workflow.WriteRequest{SessionID: sid, Branch: body.Branch, Path: body.Path, Operation: op})
	if err != nil {
		if domain.IsKind(err, domain.KindWriteDenied) {
			code, kind := statusOf(err)
			writeErrorBody(w, code, models.Error{
				Error:  err.Error(),
				Kind:   kind,
				Reason: string(dec.Reason),
				Decision: &models.Decision{
					Allowed: dec.Allowed, Reason: string(dec.Reason), Path: dec.Path, Rule: dec.Rule, Pattern: dec.Pattern, Detail: dec.Detail,
				},
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, dec)
}

func (a *App) handleSeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body models.SealRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	sid, err := domain.ParseSessionID(body.SessionID)
	if err != nil {
		badRequest(w, err)
		return
	}
	hashes, err := hashesOf(body.Hashes)
	if err != nil {
		badRequest(w, err)
		return
	}
	actor, err := actorOf(body.Actor)
	if err != nil {
		badRequest(w, err)
		return
	}
	rec, err := a.Engine.SealTurn(r.Context(), workflow.SealRequest{
		SessionID:     sid,
		CommitHash:    body.CommitHash,
		AffectedPaths: body.AffectedPaths,
		Hashes:        hashes,
		Actor:         actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (a *App) handleFailTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body models.FailTurnRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	sid, err := domain.ParseSessionID(body.SessionID)
	if err != nil {
		badRequest(w, err)
		return
	}
	discarded, err := a.Engine.FailTurn(r.Context(), sid, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"discarded": discarded})
}

func (a *App) handleReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if a.Orchestrator == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "sessions are not run by this server")
		return
	}
	var body models.ReviewRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	did, err := domain.ParseDeliverableID(body.Deliverable)
	if err != nil {
		badRequest(w, err)
		return
	}
	if _, err := review.Target(body.Outcome); err != nil {
		badRequest(w, err)
		return
	}
	reviewer, err := a.actor(r, body.Reviewer)
	if err != nil {
		badRequest(w, err)
		return
	}
	d, err := a.Store.GetDeliverable(r.Context(), did)
	if err != nil {
		writeError(w, err)
		return
	}
	req := review.Request{Deliverable: did, FromVersion: body.FromVersion, Outcome: body.Outcome, Comments: body.Comments, Reviewer: reviewer}
	if req.FromVersion == 0 {
		req.FromVersion = d.Version
	}
	if body.SessionID != "" {
		if req.SessionID, err = domain.ParseSessionID(body.SessionID); err != nil {
			badRequest(w, err)
			return
		}
	} else {
		s, ok, err := a.pickReviewer(r, d)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeJSONError(w, http.StatusConflict, "no live session can review "+string(d.ID))
			return
		}
		req.SessionID = s.ID
	}
	res, err := a.Orchestrator.Review(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// --- Audit ---

func (a *App) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	var f store.AuditFilter
	var err error
	if s := q.Get("session"); s != "" {
		if f.SessionID, err = domain.ParseSessionID(s); err != nil {
			badRequest(w, err)
			return
		}
	}
	if d := q.Get("deliverable"); d != "" {
		if f.DeliverableID, err = domain.ParseDeliverableID(d); err != nil {
			badRequest(w, err)
			return
		}
	}
	a.writeAudit(w, r, f)
}

func (a *App) writeAudit(w http.ResponseWriter, r *http.Request, f store.AuditFilter) {
	f.Limit = models.DefaultAuditListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	recs, err := a.Store.ListAudit(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

// /audit/{commit}
func (a *App) handleAuditCommit(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/audit/")
	if len(parts) != 1 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rec, err := a.Store.GetAuditByCommit(r.Context(), parts[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rec)
}
