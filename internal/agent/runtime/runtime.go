// Package runtime is the ConversationPort: it sends an agent's message history
// and the tools it may call to a model and returns the next assistant message.
package runtime

import (
	"context"
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one function call requested by the assistant.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on RoleTool replies
}

// Tool describes a function the agent may call. Parameters is a JSON schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Event is progress reported by a runtime while a request is in flight.
type Event struct {
	Type      string         `json:"type"`
	Session   string         `json:"session,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type Request struct {
	Session          string    `json:"session"`
	Agent            string    `json:"agent,omitempty"`
	AgentType        string    `json:"agent_type"`
	History          []Message `json:"history"`
	Tools            []Tool    `json:"tools,omitempty"`
	NetworkAllowlist []string  `json:"network_allowlist,omitempty"`
	Model            string    `json:"model,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"` // 0 = runtime default
}

type Response struct {
	Message Message `json:"message"`
}

// Done reports whether the assistant ended its turn without calling tools.
func (r Response) Done() bool { return len(r.Message.ToolCalls) == 0 }

type Runtime interface {
	Name() string
	Send(ctx context.Context, req Request, emit func(Event)) (Response, error)
}
