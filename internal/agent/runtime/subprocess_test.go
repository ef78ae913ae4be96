package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return script
}

func TestSubprocessRuntime_Name(t *testing.T) {
	r := SubprocessRuntime{}
	if r.Name() != "subprocess" {
		t.Errorf("Name: got %q", r.Name())
	}
}

func TestSubprocessRuntime_emptyCommand(t *testing.T) {
	_, err := SubprocessRuntime{}.Send(context.Background(), Request{}, nil)
	if err == nil {
		t.Fatal("expected error when command empty")
	}
}

func TestSubprocessRuntime_responseLine(t *testing.T) {
	script := writeScript(t, `read line
echo '{"type":"agent_activity","timestamp":"2020-01-01T00:00:00Z","data":{"output":"ok"}}'
echo '{"type":"response","message":{"content":"","tool_calls":[{"id":"c1","name":"write_file","arguments":{"path":"a.md"}}]}}'
`)
	r := SubprocessRuntime{Command: script, Timeout: 5 * time.Second}
	var emitted []Event
	resp, err := r.Send(context.Background(), Request{Session: "sess:1"}, func(ev Event) { emitted = append(emitted, ev) })
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(emitted) != 1 || emitted[0].Type != "agent_activity" {
		t.Fatalf("emitted: %+v", emitted)
	}
	if out, _ := emitted[0].Data["output"].(string); out != "ok" {
		t.Errorf("emitted event data: %+v", emitted[0].Data)
	}
	if resp.Done() || resp.Message.ToolCalls[0].Name != "write_file" || resp.Message.Role != RoleAssistant {
		t.Fatalf("response: %+v", resp)
	}
}

func TestSubprocessRuntime_plainText(t *testing.T) {
	script := writeScript(t, "read line\necho \"session is $CHIRALITY_SESSION\"\n")
	resp, err := SubprocessRuntime{Command: script}.Send(context.Background(), Request{Session: "sess:9"}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.Done() || resp.Message.Content != "session is sess:9" {
		t.Fatalf("response: %+v", resp)
	}
}

func TestSubprocessRuntime_timeout(t *testing.T) {
	script := writeScript(t, "exec sleep 10\n")
	r := SubprocessRuntime{Command: script, Timeout: 100 * time.Millisecond}
	start := time.Now()
	if _, err := r.Send(context.Background(), Request{}, nil); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("subprocess was not killed on timeout")
	}
}
