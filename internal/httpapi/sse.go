package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/otel"
	"github.com/sgttomas/chirality-runtime/pkg/models"
)

// replayDepth is how many recent events a reconnecting client can resume from.
const replayDepth = 512

// StreamEvent is one published message and its position in the stream.
type StreamEvent struct {
	ID        uint64
	Type      string
	SessionID string
	EntityID  string
	Data      []byte
}

// StreamFilter narrows a subscription. Empty fields match everything.
type StreamFilter struct {
	SessionID string
	EntityID  string
	Types     []string
}

func (f StreamFilter) match(ev StreamEvent) bool {
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.EntityID != "" && ev.EntityID != f.EntityID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Subscription receives matching events on C until it is unsubscribed.
type Subscription struct {
	C      chan StreamEvent
	filter StreamFilter
}

// SSEHub fans events out to stream subscribers and keeps a short replay
// buffer so clients can resume after a reconnect.
type SSEHub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	seq    uint64
	recent []StreamEvent
}

func NewSSEHub() *SSEHub {
	return &SSEHub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. Events after the given id that are still
// in the replay buffer are returned; after == 0 replays nothing.
func (h *SSEHub) Subscribe(f StreamFilter, after uint64) (*Subscription, []StreamEvent) {
	sub := &Subscription{C: make(chan StreamEvent, models.DefaultSSEChannelBuffer), filter: f}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
	otel.SSEConnected(context.Background(), 1)
	if after == 0 {
		return sub, nil
	}
	var missed []StreamEvent
	for _, ev := range h.recent {
		if ev.ID > after && f.match(ev) {
			missed = append(missed, ev)
		}
	}
	return sub, missed
}

func (h *SSEHub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.C)
		otel.SSEConnected(context.Background(), -1)
	}
	h.mu.Unlock()
}

// PublishJSON assigns v the next stream id and delivers it. The type,
// session_id and entity_id fields of v drive filtering.
func (h *SSEHub) PublishJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	var env struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
		EntityID  string `json:"entity_id"`
	}
	_ = json.Unmarshal(b, &env)
	otel.RecordSSEEvent(context.Background(), env.Type)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	ev := StreamEvent{ID: h.seq, Type: env.Type, SessionID: env.SessionID, EntityID: env.EntityID, Data: b}
	h.recent = append(h.recent, ev)
	if len(h.recent) > replayDepth {
		h.recent = h.recent[len(h.recent)-replayDepth:]
	}
	for sub := range h.subs {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			// Slow subscribers drop events and resume from Last-Event-ID.
		}
	}
}

// filterFrom reads ?session=, ?entity= (or ?deliverable=) and ?type=a,b.
func filterFrom(r *http.Request) StreamFilter {
	q := r.URL.Query()
	f := StreamFilter{SessionID: q.Get("session"), EntityID: q.Get("entity")}
	if f.EntityID == "" {
		f.EntityID = q.Get("deliverable")
	}
	for _, t := range strings.Split(q.Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, t)
		}
	}
	return f
}

func lastEventID(r *http.Request) uint64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("last_event_id")
	}
	id, _ := strconv.ParseUint(v, 10, 64)
	return id
}

func writeEvent(w http.ResponseWriter, ev StreamEvent) {
	_, _ = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
}

func (h *SSEHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub, missed := h.Subscribe(filterFrom(r), lastEventID(r))
		defer h.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "retry: 3000\ndata: %s\n\n", `{"type":"connected"}`)
		for _, ev := range missed {
			writeEvent(w, ev)
		}
		flusher.Flush()

		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				writeEvent(w, ev)
				flusher.Flush()
			}
		}
	}
}
