package otel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitMeterProvider(t *testing.T) {
	ctx := context.Background()
	handler, shutdown, err := InitMeterProvider(ctx, Service{Name: "test-service", Version: "v0.0.1"})
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	defer func() { _ = shutdown(ctx) }()
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordTransition(ctx, "deliverable", "IN_PROGRESS", "accepted")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics: status=%d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("GET /metrics: empty body")
	}
}

func TestService_attributes(t *testing.T) {
	got := map[string]string{}
	for _, kv := range (Service{Workspace: "/srv/ws", Actor: "HUMAN:alice"}).attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if got["service.name"] != "chirality" {
		t.Errorf("service.name = %q, want default chirality", got["service.name"])
	}
	if got["chirality.workspace"] != "/srv/ws" || got["chirality.actor"] != "HUMAN:alice" {
		t.Errorf("attributes = %v", got)
	}
	if _, ok := got["service.version"]; ok {
		t.Error("empty version should be omitted")
	}
}

func TestMeter(t *testing.T) {
	ctx := context.Background()
	_, shutdown, _ := InitMeterProvider(ctx, Service{Name: "meter-test"})
	defer func() { _ = shutdown(ctx) }()
	if Meter() == nil {
		t.Fatal("Meter() returned nil")
	}
}
