// Package memory keeps per-agent state under the chirality home: model
// settings, standing instructions and a journal of turn outcomes.
package memory

import (
	"path/filepath"
	"strings"
)

// SafeAgentName returns a filesystem-safe version of the agent name.
func SafeAgentName(agentName string) string {
	s := strings.TrimSpace(agentName)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// AgentDir returns <home>/agents/<safe_agent_name>/.
func AgentDir(home, agentName string) string {
	return filepath.Join(home, "agents", SafeAgentName(agentName))
}

// JournalPath returns <agentDir>/journal.md.
func JournalPath(agentDir string) string {
	return filepath.Join(agentDir, "journal.md")
}

// InstructionsPath returns <agentDir>/instructions.md.
func InstructionsPath(agentDir string) string {
	return filepath.Join(agentDir, "instructions.md")
}

// AgentConfigPath returns <agentDir>/config.yaml.
func AgentConfigPath(agentDir string) string {
	return filepath.Join(agentDir, "config.yaml")
}
