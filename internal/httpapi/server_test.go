package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/store"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

func newTestApp(t *testing.T, opts ServerOptions) (*App, *httptest.Server) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Engine == nil {
		eng, err := workflow.New(workflow.Options{Store: st, Logger: logger})
		if err != nil {
			t.Fatalf("workflow.New: %v", err)
		}
		opts.Engine = eng
	}
	opts.Logger = logger
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)
	return app, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestServerSmoke(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t, ServerOptions{Home: "/tmp/home", Actor: domain.Human("alice")})

	r1, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if r1.StatusCode != 200 {
		t.Fatalf("/health status=%d", r1.StatusCode)
	}

	cfg := decode[models.Config](t, mustGet(t, ts.URL+"/config"))
	if cfg.Actor.String() != "HUMAN:alice" || cfg.Home != "/tmp/home" {
		t.Fatalf("config = %+v", cfg)
	}

	resp := postJSON(t, ts.URL+"/deliverables", models.CreateDeliverableRequest{Root: "deliverables/DEL-01", Title: "Relief valve"})
	if resp.StatusCode != 200 {
		t.Fatalf("POST /deliverables status=%d", resp.StatusCode)
	}
	created := decode[struct {
		Deliverable models.Deliverable `json:"deliverable"`
	}](t, resp)
	if created.Deliverable.Status != models.DeliverableOpen || created.Deliverable.Version != 1 {
		t.Fatalf("created = %+v", created.Deliverable)
	}
	if resp := postJSON(t, ts.URL+"/deliverables", map[string]string{"title": "no root"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST without root status=%d", resp.StatusCode)
	}

	list := decode[[]models.Deliverable](t, mustGet(t, ts.URL+"/deliverables?status=open"))
	if len(list) != 1 {
		t.Fatalf("expected 1 deliverable, got %d", len(list))
	}
	one := decode[models.Deliverable](t, mustGet(t, ts.URL+"/deliverables/"+created.Deliverable.ID))
	if one.Root != "deliverables/DEL-01" {
		t.Fatalf("GET deliverable: %+v", one)
	}

	// JSON error on unknown and malformed ids
	r3 := mustGet(t, ts.URL+"/deliverables/del:00000000-0000-0000-0000-000000000000")
	if r3.StatusCode != 404 {
		t.Fatalf("unknown deliverable status=%d", r3.StatusCode)
	}
	if e := decode[models.Error](t, r3); e.Error == "" || e.Kind != models.KindNotFound {
		t.Fatalf("error body = %+v", e)
	}
	if r := mustGet(t, ts.URL+"/sessions/bogus"); r.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed session id status=%d", r.StatusCode)
	}

	// no orchestrator: lifecycle routes are unavailable
	if r := postJSON(t, ts.URL+"/sessions", models.OpenSessionRequest{AgentType: "TASK"}); r.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("POST /sessions status=%d", r.StatusCode)
	}

	m := mustGet(t, ts.URL+"/metrics")
	body, _ := io.ReadAll(m.Body)
	if !strings.Contains(string(body), `chirality_deliverables{status="OPEN"} 1`) {
		t.Fatalf("metrics:\n%s", body)
	}

	// SSE should produce initial connected event quickly.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/stream", nil)
	sseResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer func() { _ = sseResp.Body.Close() }()
	sc := bufio.NewScanner(sseResp.Body)
	found := false
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"type":"connected"`) {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("did not see connected event")
	}
}

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCoreAPI(t *testing.T) {
	t.Parallel()
	app, ts := newTestApp(t, ServerOptions{})
	ctx := context.Background()
	eng := app.Engine
	d, err := eng.CreateDeliverable(ctx, workflow.CreateDeliverableRequest{Root: "deliverables/DEL-02"})
	if err != nil {
		t.Fatal(err)
	}
	task, err := eng.OpenSession(ctx, workflow.OpenSessionRequest{AgentType: domain.AgentTask, Deliverables: []domain.DeliverableID{d.ID}, Actor: domain.Human("alice")})
	if err != nil {
		t.Fatal(err)
	}
	persona, err := eng.OpenSession(ctx, workflow.OpenSessionRequest{AgentType: domain.AgentPersona, Deliverables: []domain.DeliverableID{d.ID}, Actor: domain.Human("alice")})
	if err != nil {
		t.Fatal(err)
	}
	events, _ := app.Hub.Subscribe(StreamFilter{Types: []string{workflow.EventTurnSealed}}, 0)
	defer app.Hub.Unsubscribe(events)

	// writes
	ok := postJSON(t, ts.URL+"/writes/authorize", models.WriteRequest{SessionID: string(task.ID), Branch: task.Branch, Path: "deliverables/DEL-02/Datasheet.md", Operation: "create"})
	if ok.StatusCode != 200 {
		t.Fatalf("authorize in scope status=%d", ok.StatusCode)
	}
	if dec := decode[models.Decision](t, ok); !dec.Allowed || dec.Path != "deliverables/DEL-02/Datasheet.md" {
		t.Fatalf("decision = %+v", dec)
	}
	denied := postJSON(t, ts.URL+"/writes/authorize", models.WriteRequest{SessionID: string(task.ID), Branch: task.Branch, Path: "README.md"})
	if denied.StatusCode != http.StatusForbidden {
		t.Fatalf("authorize out of scope status=%d", denied.StatusCode)
	}
	if e := decode[models.Error](t, denied); e.Kind != models.KindWriteDenied || e.Reason != "NoMatchingRule" || e.Decision == nil || e.Decision.Allowed {
		t.Fatalf("denial body = %+v", e)
	}
	wrong := postJSON(t, ts.URL+"/writes/authorize", models.WriteRequest{SessionID: string(task.ID), Branch: persona.Branch, Path: "deliverables/DEL-02/Datasheet.md"})
	if wrong.StatusCode != http.StatusConflict {
		t.Fatalf("branch mismatch status=%d", wrong.StatusCode)
	}
	fail := decode[map[string]bool](t, postJSON(t, ts.URL+"/turns/fail", models.FailTurnRequest{SessionID: string(task.ID), Reason: "test"}))
	if !fail["discarded"] {
		t.Fatal("staged write was not discarded")
	}

	// transitions
	r := postJSON(t, ts.URL+"/transitions", models.TransitionRequest{EntityID: string(d.ID), FromVersion: 1, Target: "INITIALIZED", SessionID: string(task.ID)})
	if r.StatusCode != http.StatusForbidden {
		t.Fatalf("TASK initialize status=%d", r.StatusCode)
	}
	r = postJSON(t, ts.URL+"/transitions", models.TransitionRequest{EntityID: string(d.ID), FromVersion: 1, Target: "ISSUED", SessionID: string(persona.ID)})
	if r.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("Open -> Issued status=%d", r.StatusCode)
	}
	r = postJSON(t, ts.URL+"/transitions", models.TransitionRequest{EntityID: string(d.ID), Target: "INITIALIZED", SessionID: string(persona.ID)})
	if r.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing version status=%d", r.StatusCode)
	}
	r = postJSON(t, ts.URL+"/transitions", models.TransitionRequest{EntityID: "del:nope", FromVersion: 1, Target: "INITIALIZED", SessionID: string(persona.ID)})
	if r.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed entity id status=%d", r.StatusCode)
	}
	r = postJSON(t, ts.URL+"/transitions", models.TransitionRequest{EntityID: string(d.ID), FromVersion: 1, Target: "INITIALIZED", SessionID: string(persona.ID)})
	if r.StatusCode != 200 {
		t.Fatalf("Open -> Initialized status=%d", r.StatusCode)
	}
	if acc := decode[models.Accepted](t, r); !acc.Staged || acc.NewVersion != 2 {
		t.Fatalf("accepted = %+v", acc)
	}

	commit := strings.Repeat("c", 40)
	seal := postJSON(t, ts.URL+"/seal", models.SealRequest{SessionID: string(persona.ID), CommitHash: commit})
	if seal.StatusCode != 200 {
		t.Fatalf("seal status=%d", seal.StatusCode)
	}
	rec := decode[models.AuditRecord](t, seal)
	if rec.CommitHash != commit || len(rec.Transitions) != 1 {
		t.Fatalf("audit = %+v", rec)
	}
	stale := postJSON(t, ts.URL+"/transitions", models.TransitionRequest{EntityID: string(d.ID), FromVersion: 1, Target: "SEMANTIC_READY", SessionID: string(task.ID)})
	if stale.StatusCode != http.StatusConflict {
		t.Fatalf("stale version status=%d", stale.StatusCode)
	}

	audit := decode[[]models.AuditRecord](t, mustGet(t, ts.URL+"/audit?deliverable="+string(d.ID)))
	if len(audit) != 1 {
		t.Fatalf("audit list = %d records", len(audit))
	}
	byCommit := mustGet(t, ts.URL+"/audit/"+commit)
	if byCommit.StatusCode != 200 {
		t.Fatalf("GET /audit/{commit} status=%d", byCommit.StatusCode)
	}

	// session lifecycle through the engine
	pause := postJSON(t, ts.URL+"/sessions/"+string(persona.ID)+"/pause", models.SessionActionRequest{})
	if pause.StatusCode != 200 {
		t.Fatalf("pause status=%d", pause.StatusCode)
	}
	if r := postJSON(t, ts.URL+"/sessions/"+string(task.ID)+"/pause", nil); r.StatusCode != http.StatusUnprocessableEntity && r.StatusCode != http.StatusForbidden {
		t.Fatalf("pause TASK status=%d", r.StatusCode)
	}
	cancel := postJSON(t, ts.URL+"/sessions/"+string(task.ID)+"/cancel", nil)
	if cancel.StatusCode != 200 {
		t.Fatalf("cancel status=%d", cancel.StatusCode)
	}
	gone := postJSON(t, ts.URL+"/writes/authorize", models.WriteRequest{SessionID: string(task.ID), Branch: task.Branch, Path: "deliverables/DEL-02/Datasheet.md"})
	if gone.StatusCode != http.StatusGone {
		t.Fatalf("write after cancel status=%d", gone.StatusCode)
	}

	sawSealed := false
	for len(events.C) > 0 {
		if ev := <-events.C; ev.Type == workflow.EventTurnSealed && ev.SessionID == string(persona.ID) {
			sawSealed = true
		}
	}
	if !sawSealed {
		t.Error("turn_sealed was not published on the stream")
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t, ServerOptions{APIKey: "secret"})

	// /health and /metrics exempt
	if r := mustGet(t, ts.URL+"/health"); r.StatusCode != http.StatusOK {
		t.Fatalf("GET /health without key: %d", r.StatusCode)
	}
	if r := mustGet(t, ts.URL+"/metrics"); r.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics without key: %d", r.StatusCode)
	}
	if r := mustGet(t, ts.URL+"/deliverables"); r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET /deliverables without key: %d", r.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/deliverables", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /deliverables with key: %d", resp.StatusCode)
	}
	if r := mustGet(t, ts.URL+"/deliverables?api_key=secret"); r.StatusCode != http.StatusOK {
		t.Fatalf("GET /deliverables with api_key query: %d", r.StatusCode)
	}

	req3, _ := http.NewRequest(http.MethodGet, ts.URL+"/deliverables", nil)
	req3.Header.Set("X-API-Key", "wrong")
	resp3, err := http.DefaultClient.Do(req3)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp3.Body.Close() }()
	if resp3.StatusCode != http.StatusUnauthorized {
		t.Fatalf("GET /deliverables with wrong key: %d", resp3.StatusCode)
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{domain.ConcurrentModification("x"), http.StatusConflict},
		{domain.BranchMismatch("a", "b"), http.StatusConflict},
		{domain.WriteDenied(domain.DenyExplicit, "x"), http.StatusForbidden},
		{domain.NotAuthorized("x"), http.StatusForbidden},
		{domain.InvalidTransition("x"), http.StatusUnprocessableEntity},
		{domain.TurnSealFailure("x"), http.StatusUnprocessableEntity},
		{domain.SessionTerminated("sess:1", domain.SessionCancelled), http.StatusGone},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrContractViolation, http.StatusBadRequest},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got, _ := statusOf(c.err); got != c.want {
			t.Errorf("statusOf(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
