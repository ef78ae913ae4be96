package domain

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Brief is the task description handed to an agent when a session is opened.
type Brief struct {
	Agent            string      `yaml:"agent" json:"agent"`
	AgentType        string      `yaml:"agent_type" json:"agent_type"`
	TaskDefinition   string      `yaml:"task_definition" json:"task_definition"`
	ScopeDescription string      `yaml:"scope_description,omitempty" json:"scope_description,omitempty"`
	OutputContract   []string    `yaml:"output_contract,omitempty" json:"output_contract,omitempty"`
	Constraints      []string    `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	SuccessCriteria  []string    `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
	Inputs           BriefInputs `yaml:"inputs" json:"inputs"`
}

// BriefInputs names what the session operates on.
type BriefInputs struct {
	DeliverableIDs []string `yaml:"deliverable_ids,omitempty" json:"deliverable_ids,omitempty"`
	DeliverableID  string   `yaml:"deliverable_id,omitempty" json:"deliverable_id,omitempty"`
	PackageID      string   `yaml:"package_id,omitempty" json:"package_id,omitempty"`
	ProjectID      string   `yaml:"project_id,omitempty" json:"project_id,omitempty"`
}

// Deliverables returns every deliverable named by the inputs.
func (in BriefInputs) Deliverables() []string {
	out := append([]string(nil), in.DeliverableIDs...)
	if in.DeliverableID != "" {
		out = append(out, in.DeliverableID)
	}
	return out
}

// ParseBrief decodes a YAML (or JSON) brief and validates it.
func ParseBrief(data []byte) (Brief, error) {
	var b Brief
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Brief{}, fmt.Errorf("parse brief: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Brief{}, err
	}
	return b, nil
}

// Validate applies the per-agent input requirements.
func (b Brief) Validate() error {
	if strings.TrimSpace(b.TaskDefinition) == "" {
		return fmt.Errorf("invalid brief: task_definition cannot be empty")
	}
	if b.AgentType != "" {
		if _, err := ParseAgentType(b.AgentType); err != nil {
			return fmt.Errorf("invalid brief: %w", err)
		}
	}
	for _, id := range b.Inputs.Deliverables() {
		if _, err := ParseDeliverableID(id); err != nil {
			return fmt.Errorf("invalid brief: %w", err)
		}
	}
	if b.Inputs.ProjectID != "" {
		if _, err := ParseProjectID(b.Inputs.ProjectID); err != nil {
			return fmt.Errorf("invalid brief: %w", err)
		}
	}
	if b.Inputs.PackageID != "" {
		if _, err := ParsePackageID(b.Inputs.PackageID); err != nil {
			return fmt.Errorf("invalid brief: %w", err)
		}
	}
	hasDeliverable := len(b.Inputs.Deliverables()) > 0
	switch strings.ToUpper(b.Agent) {
	case "4_DOCUMENTS", "CHIRALITY_FRAMEWORK":
		if !hasDeliverable {
			return fmt.Errorf("invalid brief: %s requires deliverable_id in inputs", b.Agent)
		}
	case "PREPARATION":
		if b.Inputs.PackageID == "" && b.Inputs.ProjectID == "" {
			return fmt.Errorf("invalid brief: PREPARATION requires package_id or project_id in inputs")
		}
	case "DEPENDENCIES":
		if !hasDeliverable && b.Inputs.PackageID == "" && b.Inputs.ProjectID == "" {
			return fmt.Errorf("invalid brief: DEPENDENCIES requires a scope (deliverable_id, package_id, or project_id)")
		}
	case "AGGREGATION":
		if b.Inputs.ProjectID == "" {
			return fmt.Errorf("invalid brief: AGGREGATION requires project_id in inputs")
		}
	}
	return nil
}

// Type resolves the agent type, defaulting to Specialist/TASK.
func (b Brief) Type() AgentType {
	if t, err := ParseAgentType(b.AgentType); err == nil {
		return t
	}
	return AgentTask
}
