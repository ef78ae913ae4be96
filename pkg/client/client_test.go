package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sgttomas/chirality-runtime/pkg/models"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:3548", "")
	if c.BaseURL != "http://localhost:3548" || c.APIKey != "" {
		t.Errorf("New: %+v", c)
	}
	c2 := New("http://localhost:3548", "secret")
	if c2.APIKey != "secret" {
		t.Errorf("New with key: %+v", c2)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	ok, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !ok {
		t.Fatal("Health: expected ok true")
	}
}

func TestHealth_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	_, err := c.Health(ctx)
	if err == nil {
		t.Fatal("expected error from 503")
	}
}

func TestClient_setsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "mykey")
	ctx := context.Background()
	_, _ = c.Health(ctx)
	if gotKey != "mykey" {
		t.Errorf("X-API-Key: got %q", gotKey)
	}
}

func TestClient_decodesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/writes/authorize" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"write denied","kind":"WriteDenied","reason":"NoMatchingRule","decision":{"allowed":false,"path":"README.md","rule":-1}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.AuthorizeWrite(context.Background(), models.WriteRequest{SessionID: "sess:x", Path: "README.md"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Reason != "NoMatchingRule" || apiErr.Decision == nil || apiErr.Decision.Path != "README.md" {
		t.Fatalf("APIError = %+v", apiErr)
	}
	if KindOf(err) != models.KindWriteDenied {
		t.Errorf("KindOf = %q", KindOf(err))
	}
}

func TestClient_queryAndActor(t *testing.T) {
	var gotQuery, gotActor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotActor = r.Header.Get("X-Chirality-Actor")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"a1","commit_hash":"abc","session_id":"sess:1"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.Actor = "HUMAN:alice"
	recs, err := c.ListAudit(context.Background(), AuditQuery{SessionID: "sess:1", Limit: 5})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(recs) != 1 || recs[0].CommitHash != "abc" {
		t.Fatalf("records = %+v", recs)
	}
	if gotQuery != "limit=5&session=sess%3A1" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotActor != "HUMAN:alice" {
		t.Errorf("actor header = %q", gotActor)
	}
}
