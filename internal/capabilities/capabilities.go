// Package capabilities delivers outbound notifications for workflow events.
package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Notice is one notification about a deliverable.
type Notice struct {
	Summary string // plain-text fallback line
	Fields  []Field
}

type Field struct {
	Name  string
	Value string
}

// Sink is an outbound integration such as a Slack webhook.
type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notice) error
}

// Registry holds sinks in registration order.
type Registry struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds s, replacing a sink with the same name.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.sinks {
		if have.Name() == s.Name() {
			r.sinks[i] = s
			return
		}
	}
	r.sinks = append(r.sinks, s)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s.Name())
	}
	return out
}

func (r *Registry) Notify(ctx context.Context, name string, n Notice) error {
	r.mu.RLock()
	var sink Sink
	for _, s := range r.sinks {
		if s.Name() == name {
			sink = s
			break
		}
	}
	r.mu.RUnlock()
	if sink == nil {
		return fmt.Errorf("sink %q not registered", name)
	}
	return sink.Notify(ctx, n)
}

// SlackWebhook posts notices to a Slack incoming webhook. Rate-limited and
// 5xx responses are retried, honoring Retry-After.
type SlackWebhook struct {
	WebhookURL  string
	Channel     string
	Username    string
	MaxAttempts int // 0 means 3
	Client      *http.Client
}

var defaultClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 10 * time.Second}

func (s SlackWebhook) Name() string { return "slack" }

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackPayload struct {
	Text     string       `json:"text"`
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []slackBlock `json:"blocks,omitempty"`
}

func (s SlackWebhook) payload(n Notice) slackPayload {
	p := slackPayload{Text: n.Summary, Channel: s.Channel, Username: s.Username}
	p.Blocks = append(p.Blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: n.Summary}})
	if len(n.Fields) > 0 {
		fields := make([]slackText, 0, len(n.Fields))
		for _, f := range n.Fields {
			fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", f.Name, f.Value)})
		}
		p.Blocks = append(p.Blocks, slackBlock{Type: "section", Fields: fields})
	}
	return p
}

func (s SlackWebhook) Notify(ctx context.Context, n Notice) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	body, err := json.Marshal(s.payload(n))
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = defaultClient
	}
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		wait, err := s.post(ctx, client, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if wait < 0 || i == attempts {
			break
		}
		if wait == 0 {
			wait = time.Duration(i) * 500 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// post sends one request. A negative wait marks the failure as permanent.
func (s SlackWebhook) post(ctx context.Context, client *http.Client, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		var wait time.Duration
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return wait, fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	default:
		return -1, fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
}
