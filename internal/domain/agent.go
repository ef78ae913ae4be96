package domain

import (
	"fmt"
	"strings"
)

// AgentType is the closed set of agent kinds. Authorization is expressed as
// capabilities per type, never as an inheritance chain.
type AgentType string

const (
	// AgentArchitect (type 0) maintains shared standards.
	AgentArchitect AgentType = "ARCHITECT"
	// AgentPersona (type 1) is the interactive Manager/PERSONA.
	AgentPersona AgentType = "PERSONA"
	// AgentTask (type 2) is a bounded Specialist/TASK run.
	AgentTask AgentType = "TASK"
)

var AgentTypes = []AgentType{AgentArchitect, AgentPersona, AgentTask}

func (t AgentType) Valid() bool {
	switch t {
	case AgentArchitect, AgentPersona, AgentTask:
		return true
	}
	return false
}

// Label is the display name used in logs and the CLI.
func (t AgentType) Label() string {
	switch t {
	case AgentArchitect:
		return "Architect"
	case AgentPersona:
		return "Manager/PERSONA"
	case AgentTask:
		return "Specialist/TASK"
	}
	return string(t)
}

// ParseAgentType accepts the canonical names, the labels and the numeric type tags.
func ParseAgentType(s string) (AgentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "architect", "type0", "0":
		return AgentArchitect, nil
	case "persona", "manager", "manager/persona", "type1", "1":
		return AgentPersona, nil
	case "task", "specialist", "specialist/task", "type2", "2":
		return AgentTask, nil
	}
	return "", fmt.Errorf("unknown agent type %q", s)
}

// Capability is a named permission checked by the transition tables.
type Capability string

const (
	CapInitialize Capability = "initialize" // Open -> Initialized
	CapAdvance    Capability = "advance"    // intermediate deliverable edges, including rejection
	CapIssue      Capability = "issue"      // Checking -> Issued
	CapPause      Capability = "pause"      // Active <-> Paused
	CapWork       Capability = "work"       // run, complete, fail or cancel own session
)

var Capabilities = []Capability{CapInitialize, CapAdvance, CapIssue, CapPause, CapWork}

var agentCapabilities = map[AgentType][]Capability{
	AgentArchitect: {CapInitialize, CapAdvance, CapIssue, CapWork},
	AgentPersona:   {CapInitialize, CapAdvance, CapIssue, CapPause, CapWork},
	AgentTask:      {CapAdvance, CapWork},
}

// Capabilities returns a copy of the capability set of t.
func (t AgentType) Capabilities() []Capability {
	return append([]Capability(nil), agentCapabilities[t]...)
}

// CapabilityChecker answers whether an agent type holds a capability.
type CapabilityChecker interface {
	Permits(agent AgentType, c Capability) bool
}

// StaticCapabilities is the built-in capability table.
type StaticCapabilities struct{}

func (StaticCapabilities) Permits(agent AgentType, c Capability) bool {
	for _, have := range agentCapabilities[agent] {
		if have == c {
			return true
		}
	}
	return false
}
