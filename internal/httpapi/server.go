// Package httpapi is the JSON HTTP surface over the core API, plus an SSE
// stream of engine, drift and runtime events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sgttomas/chirality-runtime/internal/agent/runtime"
	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/orchestrator"
	"github.com/sgttomas/chirality-runtime/internal/otel"
	"github.com/sgttomas/chirality-runtime/internal/store"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
	"github.com/sgttomas/chirality-runtime/internal/workspace"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
// Call this for requests that have a body (e.g. POST, PUT, PATCH) before decoding JSON.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (dashboards served from another origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Chirality-Actor")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server. Engine is required; without an
// Orchestrator the session lifecycle routes answer 503.
type ServerOptions struct {
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics

	Engine       *workflow.Engine
	Orchestrator *orchestrator.Orchestrator
	Home         string
	Workspace    string
	BaseRef      string
	// Actor is used when a request names none.
	Actor  domain.ActorID
	Logger *slog.Logger
}

// App holds the HTTP server, SSE hub and the core it serves.
type App struct {
	Server       *http.Server
	Hub          *SSEHub
	Engine       *workflow.Engine
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store

	opts   ServerOptions
	logger *slog.Logger
}

// NewApp creates the HTTP app, registers all routes and subscribes the SSE
// hub to engine events.
func NewApp(opts ServerOptions) (*App, error) {
	if opts.Engine == nil {
		return nil, errors.New("httpapi: engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Actor.IsZero() {
		opts.Actor = domain.System("api")
	}
	hub := NewSSEHub()
	app := &App{
		Hub:          hub,
		Engine:       opts.Engine,
		Orchestrator: opts.Orchestrator,
		Store:        opts.Engine.Store,
		opts:         opts,
		logger:       logger,
	}
	opts.Engine.OnEvent(func(ev workflow.Event) { hub.PublishJSON(ev) })

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", app.handleTextMetrics)
	}
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, app.config(r))
	})
	mux.HandleFunc("/bootstrap", app.handleBootstrap)
	mux.HandleFunc("/stream", hub.Handler())

	mux.HandleFunc("/deliverables", app.handleDeliverables)
	mux.HandleFunc("/deliverables/", app.handleDeliverable)
	mux.HandleFunc("/sessions", app.handleSessions)
	mux.HandleFunc("/sessions/", app.handleSession)
	mux.HandleFunc("/transitions", app.handleTransition)
	mux.HandleFunc("/writes/authorize", app.handleAuthorizeWrite)
	mux.HandleFunc("/seal", app.handleSeal)
	mux.HandleFunc("/turns/fail", app.handleFailTurn)
	mux.HandleFunc("/reviews", app.handleReview)
	mux.HandleFunc("/audit", app.handleAudit)
	mux.HandleFunc("/audit/", app.handleAuditCommit)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(logger, handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "chirality")
	}
	app.Server = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// turns wait on the conversation service
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return app, nil
}

// PublishDrift forwards an out-of-band workspace change to stream subscribers.
func (a *App) PublishDrift(d workspace.Drift) {
	otel.RecordDrift(context.Background(), d.Op)
	a.Hub.PublishJSON(map[string]any{"type": "drift", "path": d.Path, "op": d.Op, "at": d.At})
}

// PublishRuntime forwards runtime progress to stream subscribers.
func (a *App) PublishRuntime(ev runtime.Event) {
	a.Hub.PublishJSON(map[string]any{"type": "runtime", "event": ev.Type, "session_id": ev.Session, "agent": ev.Agent, "data": ev.Data, "at": ev.Timestamp})
}

// PublishMerge reports a session branch landing on its base ref.
func (a *App) PublishMerge(s domain.AgentSession, commit string) {
	a.Hub.PublishJSON(map[string]any{"type": "merged", "session_id": s.ID, "branch": s.Branch, "commit_hash": commit, "at": time.Now().UTC()})
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		logger.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeErrorBody(w, code, models.Error{Error: message})
}

func writeErrorBody(w http.ResponseWriter, code int, body models.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON decodes the request body into v and reports a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}
