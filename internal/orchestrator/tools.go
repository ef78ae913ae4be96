package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sgttomas/chirality-runtime/internal/agent/runtime"
	"github.com/sgttomas/chirality-runtime/internal/domain"
	"github.com/sgttomas/chirality-runtime/internal/sandbox"
	"github.com/sgttomas/chirality-runtime/internal/workflow"
)

// maxToolOutput caps what a single tool result feeds back into the history.
const maxToolOutput = 32 << 10

func object(required []string, props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

// Tools is the tool set offered to every agent. Writes and transitions are
// still checked against the session's scope and capabilities when called.
var Tools = []runtime.Tool{
	{
		Name:        "read_file",
		Description: "Read a workspace file. Paths are relative to the workspace root.",
		Parameters:  object([]string{"path"}, map[string]any{"path": str("File path")}),
	},
	{
		Name:        "list_dir",
		Description: "List a workspace directory.",
		Parameters:  object(nil, map[string]any{"path": str("Directory path; empty for the root")}),
	},
	{
		Name:        "write_file",
		Description: "Create or replace a file inside the session's write scope.",
		Parameters: object([]string{"path", "content"}, map[string]any{
			"path":     str("File path"),
			"content":  str("Full file content"),
			"encoding": str("utf-8 (default) or base64"),
		}),
	},
	{
		Name:        "delete_file",
		Description: "Delete a file inside the session's write scope.",
		Parameters:  object([]string{"path"}, map[string]any{"path": str("File path")}),
	},
	{
		Name:        "propose_transition",
		Description: "Move a deliverable or this session to a new state. from_version is the entity version you last read with get_status.",
		Parameters: object([]string{"entity_id", "from_version", "target"}, map[string]any{
			"entity_id":    str("del:... or this session's sess:... id"),
			"from_version": map[string]any{"type": "integer"},
			"target":       str("Target state, e.g. IN_PROGRESS, CHECKING or COMPLETED"),
		}),
	},
	{
		Name:        "get_status",
		Description: "Show this session, its deliverables with their versions and the work staged in the current turn.",
		Parameters:  object(nil, map[string]any{}),
	},
	{
		Name:        "run_check",
		Description: "Run a read-only check command (linters, validators) in the workspace and return its output.",
		Parameters: object([]string{"argv"}, map[string]any{
			"argv": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}),
	},
}

type toolError struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func errorResult(err error) string {
	te := toolError{Error: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		te.Kind = string(de.Kind)
		te.Reason = string(de.Reason)
	}
	b, _ := json.Marshal(te)
	return string(b)
}

func jsonResult(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return string(b)
}

// callTool executes one tool call and renders the result for the model.
// Rejections are returned to the agent, never raised.
func (o *Orchestrator) callTool(ctx context.Context, run *sessionRun, s domain.AgentSession, tc runtime.ToolCall) string {
	var args struct {
		Path        string   `json:"path"`
		Content     string   `json:"content"`
		Encoding    string   `json:"encoding"`
		EntityID    string   `json:"entity_id"`
		FromVersion int64    `json:"from_version"`
		Target      string   `json:"target"`
		Argv        []string `json:"argv"`
	}
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return errorResult(fmt.Errorf("%s: bad arguments: %w", tc.Name, err))
		}
	}
	switch tc.Name {
	case "read_file":
		b, err := run.fs.Read(args.Path)
		if err != nil {
			return errorResult(err)
		}
		if !utf8.Valid(b) {
			return jsonResult(map[string]string{"path": args.Path, "encoding": "base64", "content": base64.StdEncoding.EncodeToString(b)})
		}
		return truncate(string(b))
	case "list_dir":
		entries, err := run.fs.List(args.Path)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(entries)
	case "write_file":
		data := []byte(args.Content)
		if strings.EqualFold(args.Encoding, "base64") {
			var err error
			if data, err = base64.StdEncoding.DecodeString(args.Content); err != nil {
				return errorResult(fmt.Errorf("content is not valid base64: %w", err))
			}
		}
		dec, err := run.fs.Write(ctx, s.ID, s.Branch, args.Path, data)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(map[string]any{"written": dec.Path, "bytes": len(data), "rule": dec.Pattern})
	case "delete_file":
		dec, err := run.fs.Delete(ctx, s.ID, s.Branch, args.Path)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(map[string]any{"deleted": dec.Path})
	case "propose_transition":
		acc, err := o.cfg.Engine.ProposeTransition(ctx, workflow.TransitionRequest{
			EntityID:    args.EntityID,
			FromVersion: args.FromVersion,
			Target:      args.Target,
			SessionID:   s.ID,
		})
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(acc)
	case "get_status":
		st, err := o.Status(ctx, s.ID)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(st)
	case "run_check":
		out, err := o.runCheck(ctx, run, args.Argv)
		if err != nil {
			return jsonResult(map[string]any{"error": err.Error(), "output": out})
		}
		return jsonResult(map[string]any{"output": out})
	default:
		return errorResult(fmt.Errorf("unknown tool %q", tc.Name))
	}
}

// SessionStatus is what get_status reports to an agent.
type SessionStatus struct {
	Session      domain.AgentSession  `json:"session"`
	Deliverables []domain.Deliverable `json:"deliverables"`
	Turn         *workflow.TurnView   `json:"turn,omitempty"`
}

// Status reports the session, its linked deliverables and the open turn.
func (o *Orchestrator) Status(ctx context.Context, id domain.SessionID) (SessionStatus, error) {
	s, err := o.cfg.Engine.Store.GetSession(ctx, id)
	if err != nil {
		return SessionStatus{}, err
	}
	st := SessionStatus{Session: s}
	st.Session.History = nil
	for _, did := range s.Deliverables {
		d, err := o.cfg.Engine.Store.GetDeliverable(ctx, did)
		if err != nil {
			return SessionStatus{}, err
		}
		d.History = nil
		st.Deliverables = append(st.Deliverables, d)
	}
	if v, ok := o.cfg.Engine.OpenTurn(id); ok {
		st.Turn = &v
	}
	return st, nil
}

// Diff returns the changes on the session branch since its base ref.
func (o *Orchestrator) Diff(ctx context.Context, id domain.SessionID) (string, error) {
	s, err := o.cfg.Engine.Store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	base := s.BaseRef
	if base == "" {
		base = o.cfg.BaseRef
	}
	return o.cfg.Repo.Diff(ctx, base, s.Branch)
}

// runCheck runs argv with the worktree mounted read-only.
func (o *Orchestrator) runCheck(ctx context.Context, run *sessionRun, argv []string) (string, error) {
	if err := sandbox.CheckCommand(argv); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CheckTimeout)
	defer cancel()
	cmd := sandbox.WrapCommand(ctx, sandbox.Jail{Root: run.repo.Dir}, argv[0], argv[1:])
	cmd.Dir = run.repo.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("check timed out after %s", o.cfg.CheckTimeout)
	}
	return truncate(out.String()), err
}

func truncate(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (truncated)"
}
