package memory

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// JournalEntry records the outcome of one agent turn.
type JournalEntry struct {
	SessionID  string
	TurnID     string
	CommitHash string
	Outcome    string // sealed, failed, empty
	Summary    string // the assistant's closing message
	Paths      []string
	CreatedAt  time.Time
}

// Journal appends to an agent's journal.md.
type Journal struct {
	Home  string
	Agent string

	mu sync.Mutex
}

// Append adds entry in markdown form, creating the agent directory if needed.
func (j *Journal) Append(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	agentDir := AgentDir(j.Home, j.Agent)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	f, err := os.OpenFile(JournalPath(agentDir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(formatJournalBlock(entry)); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func formatJournalBlock(e JournalEntry) string {
	var b strings.Builder
	b.WriteString("\n---\n\n## ")
	b.WriteString(e.CreatedAt.UTC().Format("2006-01-02 15:04"))
	if e.Outcome != "" {
		b.WriteString(" ")
		b.WriteString(e.Outcome)
	}
	b.WriteString("\n\n")
	if e.SessionID != "" {
		fmt.Fprintf(&b, "- **Session:** %s\n", e.SessionID)
	}
	if e.TurnID != "" {
		fmt.Fprintf(&b, "- **Turn:** %s\n", e.TurnID)
	}
	if e.CommitHash != "" {
		fmt.Fprintf(&b, "- **Commit:** %s\n", e.CommitHash)
	}
	if len(e.Paths) > 0 {
		fmt.Fprintf(&b, "- **Paths:** %s\n", strings.Join(e.Paths, ", "))
	}
	if s := strings.TrimSpace(e.Summary); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// Read returns the last limitBytes of the journal; 0 returns all of it.
func (j *Journal) Read(limitBytes int) (string, error) {
	data, err := os.ReadFile(JournalPath(AgentDir(j.Home, j.Agent)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	s := string(data)
	if limitBytes <= 0 || len(s) <= limitBytes {
		return s, nil
	}
	return s[len(s)-limitBytes:], nil
}

// Summary returns the journal tail for injection into the agent's context.
func (j *Journal) Summary(maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4000
	}
	s, err := j.Read(maxLen)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "(no journal entries yet)", nil
	}
	return s, nil
}
