package memory

import (
	"strings"
	"testing"
	"time"
)

func TestJournal_AppendAndRead(t *testing.T) {
	t.Parallel()
	j := &Journal{Home: t.TempDir(), Agent: "4_DOCUMENTS"}

	if sum, err := j.Summary(0); err != nil || sum != "(no journal entries yet)" {
		t.Fatalf("empty Summary = %q, %v", sum, err)
	}
	ts := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	err := j.Append(JournalEntry{
		SessionID:  "sess:1",
		TurnID:     "turn:1",
		CommitHash: strings.Repeat("a", 40),
		Outcome:    "sealed",
		Summary:    "Drafted the datasheet.",
		Paths:      []string{"deliverables/DEL-01/Datasheet.md"},
		CreatedAt:  ts,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Append(JournalEntry{SessionID: "sess:1", Outcome: "failed", CreatedAt: ts.Add(time.Hour)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	content, err := j.Read(0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, want := range []string{"2026-01-15 10:00 sealed", "Drafted the datasheet.", "Datasheet.md", "11:00 failed"} {
		if !strings.Contains(content, want) {
			t.Errorf("journal missing %q:\n%s", want, content)
		}
	}
	tail, _ := j.Read(20)
	if len(tail) != 20 {
		t.Errorf("Read(20) returned %d bytes", len(tail))
	}
}

func TestAgentConfigAndInstructions(t *testing.T) {
	t.Parallel()
	dir := AgentDir(t.TempDir(), "writer")
	cfg, err := LoadAgentConfig(dir)
	if err != nil || cfg.Model != "" {
		t.Fatalf("missing config: %+v, %v", cfg, err)
	}
	if err := SaveAgentConfig(dir, AgentConfig{Model: "m", MaxTokens: 512, MaxSteps: 4}); err != nil {
		t.Fatalf("SaveAgentConfig: %v", err)
	}
	cfg, err = LoadAgentConfig(dir)
	if err != nil || cfg.Model != "m" || cfg.MaxTokens != 512 || cfg.MaxSteps != 4 {
		t.Fatalf("LoadAgentConfig = %+v, %v", cfg, err)
	}

	if s, err := ReadInstructions(dir); err != nil || s != "" {
		t.Fatalf("missing instructions: %q, %v", s, err)
	}
	if err := WriteInstructions(dir, "Cite every source."); err != nil {
		t.Fatal(err)
	}
	if s, _ := ReadInstructions(dir); s != "Cite every source." {
		t.Fatalf("ReadInstructions = %q", s)
	}
}
