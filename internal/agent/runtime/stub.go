package runtime

import (
	"context"
	"time"
)

// StubRuntime replays a fixed script without calling a model. The n-th call
// within a conversation returns Script[n], where n counts the assistant
// messages already in the history. Past the end it ends the turn.
type StubRuntime struct {
	Script []Response
	Delay  time.Duration
}

func (StubRuntime) Name() string { return "stub" }

func (r StubRuntime) Send(ctx context.Context, req Request, emit func(Event)) (Response, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	emit(Event{Type: "request_started", Session: req.Session, Agent: req.Agent, Timestamp: time.Now().UTC()})
	if r.Delay > 0 {
		if err := sleep(ctx, r.Delay); err != nil {
			return Response{}, err
		}
	}
	n := 0
	for _, m := range req.History {
		if m.Role == RoleAssistant {
			n++
		}
	}
	resp := Response{Message: Message{Role: RoleAssistant, Content: "stub: ok"}}
	if n < len(r.Script) {
		resp = r.Script[n]
		resp.Message.Role = RoleAssistant
	}
	emit(Event{
		Type:      "request_finished",
		Session:   req.Session,
		Agent:     req.Agent,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"tool_calls": len(resp.Message.ToolCalls)},
	})
	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
