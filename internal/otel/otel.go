// Package otel wires OpenTelemetry metrics to a Prometheus registry served at /metrics.
package otel

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/sgttomas/chirality-runtime"

// Service describes the running daemon. It becomes the metric resource.
type Service struct {
	Name      string
	Version   string
	Workspace string // base checkout directory
	Actor     string // HUMAN:<user> the daemon acts for
}

func (s Service) attributes() []attribute.KeyValue {
	name := s.Name
	if name == "" {
		name = "chirality"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if s.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(s.Version))
	}
	if s.Workspace != "" {
		attrs = append(attrs, AttrWorkspace.String(s.Workspace))
	}
	if s.Actor != "" {
		attrs = append(attrs, AttrActor.String(s.Actor))
	}
	return attrs
}

// InitMeterProvider installs the global MeterProvider with a Prometheus
// exporter on a private registry and returns the /metrics handler along with
// a shutdown func that flushes the provider.
func InitMeterProvider(ctx context.Context, svc Service) (http.Handler, func(context.Context) error, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(svc.attributes()...))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), provider.Shutdown, nil
}

// Meter returns the global meter (after InitMeterProvider).
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

var (
	AttrEntity    = attribute.Key("entity")
	AttrState     = attribute.Key("to_state")
	AttrResult    = attribute.Key("result")
	AttrAgentType = attribute.Key("agent_type")
	AttrDecision  = attribute.Key("decision")
	AttrReason    = attribute.Key("reason")
	AttrEvent     = attribute.Key("event")
	AttrOp        = attribute.Key("op")

	AttrWorkspace = attribute.Key("chirality.workspace")
	AttrActor     = attribute.Key("chirality.actor")
)
