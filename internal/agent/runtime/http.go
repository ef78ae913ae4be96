package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPRuntime talks to an OpenAI-compatible chat completions endpoint.
type HTTPRuntime struct {
	BaseURL   string // e.g. https://api.openai.com
	APIKey    string
	Model     string // default model; Request.Model overrides
	MaxTokens int
	Client    *http.Client
}

// NewHTTPRuntime returns an HTTPRuntime whose client is instrumented with otelhttp.
func NewHTTPRuntime(baseURL, apiKey, model string) *HTTPRuntime {
	return &HTTPRuntime{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 5 * time.Minute, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (*HTTPRuntime) Name() string { return "http" }

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Tools      []chatTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
	MaxTokens  int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *HTTPRuntime) Send(ctx context.Context, req Request, emit func(Event)) (Response, error) {
	if r.BaseURL == "" {
		return Response{}, errors.New("conversation base URL is required")
	}
	if emit == nil {
		emit = func(Event) {}
	}
	model := req.Model
	if model == "" {
		model = r.Model
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = r.MaxTokens
	}
	body := chatRequest{Model: model, MaxTokens: maxTokens}
	for _, m := range req.History {
		cm := chatMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			c := chatToolCall{ID: tc.ID, Type: "function"}
			c.Function.Name = tc.Name
			c.Function.Arguments = string(tc.Arguments)
			cm.ToolCalls = append(cm.ToolCalls, c)
		}
		body.Messages = append(body.Messages, cm)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, chatTool{Type: "function", Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters}})
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	url := strings.TrimSuffix(r.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.APIKey)
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	emit(Event{Type: "request_started", Session: req.Session, Agent: req.Agent, Timestamp: time.Now().UTC(), Data: map[string]any{"model": model}})
	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("conversation request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, fmt.Errorf("conversation API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return Response{}, fmt.Errorf("decode conversation response: %w", err)
	}
	if apiResp.Error != nil {
		return Response{}, fmt.Errorf("conversation API: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return Response{}, errors.New("conversation API returned no choices")
	}
	cm := apiResp.Choices[0].Message
	out := Message{Role: RoleAssistant, Content: cm.Content}
	for _, tc := range cm.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	emit(Event{
		Type:      "request_finished",
		Session:   req.Session,
		Agent:     req.Agent,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"finish_reason": apiResp.Choices[0].FinishReason, "tool_calls": len(out.ToolCalls)},
	})
	return Response{Message: out}, nil
}
