package otel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	transitions metric.Int64Counter
	writes      metric.Int64Counter
	turns       metric.Int64Counter
	turnSeconds metric.Float64Histogram
	sseEvents   metric.Int64Counter
	sseClients  metric.Int64UpDownCounter
	merges      metric.Int64Counter
	drift       metric.Int64Counter
}

var (
	initOnce sync.Once
	initErr  error
	active   atomic.Pointer[instruments]
)

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in   instruments
		err  error
		errs []error
	)
	in.transitions, err = m.Int64Counter("chirality_transitions_total",
		metric.WithDescription("Proposed transitions by entity kind, target state and result"))
	errs = append(errs, err)
	in.writes, err = m.Int64Counter("chirality_write_decisions_total",
		metric.WithDescription("Write authorizations by agent type, decision and reason"))
	errs = append(errs, err)
	in.turns, err = m.Int64Counter("chirality_turns_total",
		metric.WithDescription("Finished turns by agent type and result (sealed, failed, rejected, discarded)"))
	errs = append(errs, err)
	in.turnSeconds, err = m.Float64Histogram("chirality_turn_duration_seconds",
		metric.WithDescription("Time from turn open to seal or failure"), metric.WithUnit("s"))
	errs = append(errs, err)
	in.sseEvents, err = m.Int64Counter("chirality_sse_events_total",
		metric.WithDescription("Events published to stream subscribers"))
	errs = append(errs, err)
	in.sseClients, err = m.Int64UpDownCounter("chirality_sse_connections",
		metric.WithDescription("Connected stream subscribers"))
	errs = append(errs, err)
	in.merges, err = m.Int64Counter("chirality_merges_total",
		metric.WithDescription("Session branch merges by result (merged, conflict, failed)"))
	errs = append(errs, err)
	in.drift, err = m.Int64Counter("chirality_drift_events_total",
		metric.WithDescription("Base checkout changes not staged by any open turn"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}

// InitMetrics creates the instruments on the global meter once. Recording
// before it runs is a no-op.
func InitMetrics(ctx context.Context) error {
	initOnce.Do(func() {
		in, err := newInstruments(Meter())
		if err != nil {
			initErr = err
			return
		}
		active.Store(in)
	})
	return initErr
}

// RecordTransition records one proposal. result is "accepted" or an error kind.
func RecordTransition(ctx context.Context, entity, to, result string) {
	if in := active.Load(); in != nil {
		in.transitions.Add(ctx, 1, metric.WithAttributes(AttrEntity.String(entity), AttrState.String(to), AttrResult.String(result)))
	}
}

func RecordWriteDecision(ctx context.Context, agentType string, allowed bool, reason string) {
	in := active.Load()
	if in == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	in.writes.Add(ctx, 1, metric.WithAttributes(AttrAgentType.String(agentType), AttrDecision.String(decision), AttrReason.String(reason)))
}

// RecordTurn records a finished turn; a zero duration is not observed.
func RecordTurn(ctx context.Context, agentType, result string, duration time.Duration) {
	in := active.Load()
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(AttrAgentType.String(agentType), AttrResult.String(result))
	in.turns.Add(ctx, 1, attrs)
	if duration > 0 {
		in.turnSeconds.Record(ctx, duration.Seconds(), attrs)
	}
}

func RecordSSEEvent(ctx context.Context, eventType string) {
	if in := active.Load(); in != nil {
		in.sseEvents.Add(ctx, 1, metric.WithAttributes(AttrEvent.String(eventType)))
	}
}

// SSEConnected adjusts the subscriber gauge by delta (+1 or -1).
func SSEConnected(ctx context.Context, delta int64) {
	if in := active.Load(); in != nil {
		in.sseClients.Add(ctx, delta)
	}
}

func RecordMerge(ctx context.Context, result string) {
	if in := active.Load(); in != nil {
		in.merges.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
	}
}

func RecordDrift(ctx context.Context, op string) {
	if in := active.Load(); in != nil {
		in.drift.Add(ctx, 1, metric.WithAttributes(AttrOp.String(op)))
	}
}

// OpenTurnsFunc reports the number of turns currently holding staged work.
type OpenTurnsFunc func() int64

// InitMetricsWithOpenTurns creates the instruments and, when openTurns is
// non-nil, an observable gauge of open turns.
func InitMetricsWithOpenTurns(ctx context.Context, openTurns OpenTurnsFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if openTurns == nil {
		return nil
	}
	_, err := Meter().Int64ObservableGauge("chirality_open_turns",
		metric.WithDescription("Turns with staged, unsealed work"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(openTurns())
			return nil
		}))
	return err
}
