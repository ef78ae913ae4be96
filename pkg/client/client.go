// Package client provides a Go SDK for the chirality HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sgttomas/chirality-runtime/pkg/models"
)

// Client calls the chirality HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3548"
	APIKey     string       // optional; sent as X-API-Key
	Actor      string       // optional; sent as X-Chirality-Actor, e.g. "HUMAN:alice"
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3548").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

// APIError is a non-2xx response. Kind is set for core rejections
// (e.g. ConcurrentModification, WriteDenied).
type APIError struct {
	Method   string
	Path     string
	Status   int
	Kind     string
	Reason   string
	Message  string
	Decision *models.Decision
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "status " + strconv.Itoa(e.Status)
	}
	if e.Kind != "" {
		return fmt.Sprintf("api %s %s: %s: %s", e.Method, e.Path, e.Kind, msg)
	}
	return fmt.Sprintf("api %s %s: %s", e.Method, e.Path, msg)
}

// KindOf returns the rejection kind of an *APIError, or "".
func KindOf(err error) string {
	var e *APIError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	if c.Actor != "" {
		req.Header.Set("X-Chirality-Actor", c.Actor)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp, method, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func apiError(resp *http.Response, method, path string) error {
	var errBody models.Error
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	return &APIError{
		Method:   method,
		Path:     path,
		Status:   resp.StatusCode,
		Kind:     errBody.Kind,
		Reason:   errBody.Reason,
		Message:  errBody.Error,
		Decision: errBody.Decision,
	}
}

func withQuery(path string, q url.Values) string {
	if enc := q.Encode(); enc != "" {
		return path + "?" + enc
	}
	return path
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Config returns the /config response.
func (c *Client) Config(ctx context.Context) (*models.Config, error) {
	var out models.Config
	err := c.doJSON(ctx, http.MethodGet, "/config", nil, &out)
	return &out, err
}

// Bootstrap returns the full /bootstrap payload.
func (c *Client) Bootstrap(ctx context.Context) (*models.Bootstrap, error) {
	var out models.Bootstrap
	err := c.doJSON(ctx, http.MethodGet, "/bootstrap", nil, &out)
	return &out, err
}

// ListDeliverables returns deliverables, optionally filtered by status.
func (c *Client) ListDeliverables(ctx context.Context, status string) ([]models.Deliverable, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out []models.Deliverable
	err := c.doJSON(ctx, http.MethodGet, withQuery("/deliverables", q), nil, &out)
	return out, err
}

// GetDeliverable returns one deliverable with its history.
func (c *Client) GetDeliverable(ctx context.Context, id string) (*models.Deliverable, error) {
	var out models.Deliverable
	err := c.doJSON(ctx, http.MethodGet, "/deliverables/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// CreateDeliverable registers a deliverable. When the server runs sessions,
// the response also carries the scaffold turn.
func (c *Client) CreateDeliverable(ctx context.Context, req models.CreateDeliverableRequest) (*models.CreateDeliverableResponse, error) {
	var out models.CreateDeliverableResponse
	err := c.doJSON(ctx, http.MethodPost, "/deliverables", req, &out)
	return &out, err
}

// Reviewer returns the live session that would review the deliverable.
func (c *Client) Reviewer(ctx context.Context, id string) (*models.Session, error) {
	var out models.Session
	err := c.doJSON(ctx, http.MethodGet, "/deliverables/"+url.PathEscape(id)+"/reviewer", nil, &out)
	return &out, err
}

// ListSessions returns sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, status string) ([]models.Session, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out []models.Session
	err := c.doJSON(ctx, http.MethodGet, withQuery("/sessions", q), nil, &out)
	return out, err
}

// OpenSession starts a session and returns it.
func (c *Client) OpenSession(ctx context.Context, req models.OpenSessionRequest) (*models.Session, error) {
	var out models.Session
	err := c.doJSON(ctx, http.MethodPost, "/sessions", req, &out)
	return &out, err
}

// Session returns the session, its deliverables and the open turn.
func (c *Client) Session(ctx context.Context, id string) (*models.SessionStatus, error) {
	var out models.SessionStatus
	err := c.doJSON(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// RunTurn sends input to the session's agent and waits for the turn to finish.
func (c *Client) RunTurn(ctx context.Context, id, input string) (*models.TurnResult, error) {
	var out models.TurnResult
	err := c.doJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/turns", models.TurnRequest{Input: input}, &out)
	return &out, err
}

// SessionDiff returns the unified diff of the session branch against its base ref.
func (c *Client) SessionDiff(ctx context.Context, id string) (string, error) {
	path := "/sessions/" + url.PathEscape(id) + "/diff"
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp, http.MethodGet, path)
	}
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

// Pause pauses a PERSONA session.
func (c *Client) Pause(ctx context.Context, id string) (*models.Accepted, error) {
	return c.sessionAction(ctx, id, "pause")
}

// Resume resumes a paused session.
func (c *Client) Resume(ctx context.Context, id string) (*models.Accepted, error) {
	return c.sessionAction(ctx, id, "resume")
}

// Cancel cancels a session and discards its open turn.
func (c *Client) Cancel(ctx context.Context, id string) (*models.Accepted, error) {
	return c.sessionAction(ctx, id, "cancel")
}

func (c *Client) sessionAction(ctx context.Context, id, action string) (*models.Accepted, error) {
	var out models.Accepted
	err := c.doJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/"+action, models.SessionActionRequest{}, &out)
	return &out, err
}

// Complete completes a session through a sealed turn.
func (c *Client) Complete(ctx context.Context, id string) (*models.TurnResult, error) {
	var out models.TurnResult
	err := c.doJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/complete", models.SessionActionRequest{}, &out)
	return &out, err
}

// ProposeTransition asks the core to move a deliverable or session.
func (c *Client) ProposeTransition(ctx context.Context, req models.TransitionRequest) (*models.Accepted, error) {
	var out models.Accepted
	err := c.doJSON(ctx, http.MethodPost, "/transitions", req, &out)
	return &out, err
}

// AuthorizeWrite checks one write against the session scope. A denial is an
// *APIError with Kind WriteDenied and the decision attached.
func (c *Client) AuthorizeWrite(ctx context.Context, req models.WriteRequest) (*models.Decision, error) {
	var out models.Decision
	err := c.doJSON(ctx, http.MethodPost, "/writes/authorize", req, &out)
	return &out, err
}

// SealTurn commits the open turn of a session against a git commit.
func (c *Client) SealTurn(ctx context.Context, req models.SealRequest) (*models.AuditRecord, error) {
	var out models.AuditRecord
	err := c.doJSON(ctx, http.MethodPost, "/seal", req, &out)
	return &out, err
}

// FailTurn discards the open turn; it reports whether one existed.
func (c *Client) FailTurn(ctx context.Context, sessionID, reason string) (bool, error) {
	var out struct {
		Discarded bool `json:"discarded"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/turns/fail", models.FailTurnRequest{SessionID: sessionID, Reason: reason}, &out)
	return out.Discarded, err
}

// Review records a review outcome on a deliverable in Checking.
func (c *Client) Review(ctx context.Context, req models.ReviewRequest) (*models.TurnResult, error) {
	var out models.TurnResult
	err := c.doJSON(ctx, http.MethodPost, "/reviews", req, &out)
	return &out, err
}

// AuditQuery filters ListAudit. Zero fields are ignored.
type AuditQuery struct {
	SessionID     string
	DeliverableID string
	Limit         int
}

// ListAudit returns audit records, newest first.
func (c *Client) ListAudit(ctx context.Context, f AuditQuery) ([]models.AuditRecord, error) {
	q := url.Values{}
	if f.SessionID != "" {
		q.Set("session", f.SessionID)
	}
	if f.DeliverableID != "" {
		q.Set("deliverable", f.DeliverableID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out []models.AuditRecord
	err := c.doJSON(ctx, http.MethodGet, withQuery("/audit", q), nil, &out)
	return out, err
}

// AuditByCommit returns the audit record sealed against a commit.
func (c *Client) AuditByCommit(ctx context.Context, commit string) (*models.AuditRecord, error) {
	var out models.AuditRecord
	err := c.doJSON(ctx, http.MethodGet, "/audit/"+url.PathEscape(commit), nil, &out)
	return &out, err
}
