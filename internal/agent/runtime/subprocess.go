package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/sandbox"
)

// SubprocessRuntime runs a local agent binary per request: stdin carries the
// JSON Request, stdout carries NDJSON. A line {"type":"response","message":...}
// is the reply; other JSON lines are progress events; plain text lines are
// collected as the reply content when no response line is sent.
// When Jail.Root is set the process runs under bubblewrap with Jail.Writable
// as the only writable directories.
type SubprocessRuntime struct {
	Command string
	Args    []string
	Timeout time.Duration // 0 = use context only
	Jail    sandbox.Jail
}

func (r SubprocessRuntime) Name() string { return "subprocess" }

type subprocessLine struct {
	Event
	Message *Message `json:"message,omitempty"`
}

func (r SubprocessRuntime) Send(ctx context.Context, req Request, emit func(Event)) (Response, error) {
	if r.Command == "" {
		return Response{}, errors.New("subprocess command is required")
	}
	if emit == nil {
		emit = func(Event) {}
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := sandbox.WrapCommand(ctx, r.Jail, r.Command, r.Args)
	cmd.Env = append(os.Environ(), "CHIRALITY_SESSION="+req.Session, "CHIRALITY_AGENT_TYPE="+req.AgentType)
	if len(req.NetworkAllowlist) > 0 {
		cmd.Env = append(cmd.Env, "CHIRALITY_NETWORK_ALLOWLIST="+strings.Join(req.NetworkAllowlist, ","))
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	cmd.Stdin = strings.NewReader(string(reqJSON) + "\n")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{}, err
	}
	if err := cmd.Start(); err != nil {
		return Response{}, err
	}

	var (
		reply *Message
		text  strings.Builder
	)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var l subprocessLine
		if err := json.Unmarshal([]byte(line), &l); err != nil || l.Type == "" {
			text.WriteString(line)
			text.WriteString("\n")
			continue
		}
		if l.Type == "response" && l.Message != nil {
			reply = l.Message
			continue
		}
		if l.Timestamp.IsZero() {
			l.Timestamp = time.Now().UTC()
		}
		emit(l.Event)
	}
	scanErr := sc.Err()
	if err := cmd.Wait(); err != nil {
		slog.Warn("agent subprocess exited with error", "session", req.Session, "err", err)
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if reply == nil {
			return Response{}, err
		}
	}
	if scanErr != nil {
		return Response{}, scanErr
	}
	if reply == nil {
		reply = &Message{Content: strings.TrimSpace(text.String())}
	}
	reply.Role = RoleAssistant
	return Response{Message: *reply}, nil
}
