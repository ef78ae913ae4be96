package workflow

import (
	"time"
)

// Event types published by the engine.
const (
	EventSessionOpened = "session_opened"
	EventTransition    = "transition"
	EventWriteDenied   = "write_denied"
	EventTurnSealed    = "turn_sealed"
	EventTurnDiscarded = "turn_discarded"
)

// Event is a notification of an accepted or rejected core operation.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Version    int64     `json:"version,omitempty"`
	Staged     bool      `json:"staged,omitempty"`
	Path       string    `json:"path,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CommitHash string    `json:"commit_hash,omitempty"`
	At         time.Time `json:"at"`
}

// OnEvent registers fn to receive every event. fn is called synchronously
// after the operation completes and must not block.
func (e *Engine) OnEvent(fn func(Event)) {
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, fn)
	e.listenersMu.Unlock()
}

func (e *Engine) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	e.listenersMu.RLock()
	ls := append([]func(Event){}, e.listeners...)
	e.listenersMu.RUnlock()
	for _, ev := range events {
		for _, fn := range ls {
			fn(ev)
		}
	}
}
