package orchestrator

import (
	"fmt"
	"strings"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

var rolePrompts = map[domain.AgentType]string{
	domain.AgentArchitect: "You are the Architect. You maintain the shared standards and contracts that every deliverable follows. " +
		"Change them deliberately and keep them consistent.",
	domain.AgentPersona: "You are the Manager. You coordinate deliverables across the workspace, initialize new ones " +
		"and move finished work through checking to issue.",
	domain.AgentTask: "You are a Specialist working on the deliverables linked to this session. " +
		"Write only inside their folders and hand work over for checking when it is complete.",
}

// systemPrompt renders the opening system message of a session.
func systemPrompt(s domain.AgentSession, brief *domain.Brief, instructions, journal string) string {
	var b strings.Builder
	b.WriteString(rolePrompts[s.AgentType])
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Session: %s (version %d)\nBranch: %s\n", s.ID, s.Version, s.Branch)
	if len(s.Deliverables) > 0 {
		ids := make([]string, len(s.Deliverables))
		for i, d := range s.Deliverables {
			ids[i] = string(d)
		}
		fmt.Fprintf(&b, "Deliverables: %s\n", strings.Join(ids, ", "))
	}
	b.WriteString("\nEvery file you write is committed when your turn ends. Writes outside your scope are refused; " +
		"read the error and adjust instead of retrying. Call get_status before proposing a transition and pass " +
		"the version it reports. Propose COMPLETED for this session when the task is done.\n")

	if brief != nil {
		b.WriteString("\n## Task\n")
		b.WriteString(strings.TrimSpace(brief.TaskDefinition))
		b.WriteString("\n")
		if brief.ScopeDescription != "" {
			fmt.Fprintf(&b, "\nScope: %s\n", strings.TrimSpace(brief.ScopeDescription))
		}
		writeList(&b, "Output contract", brief.OutputContract)
		writeList(&b, "Constraints", brief.Constraints)
		writeList(&b, "Success criteria", brief.SuccessCriteria)
	}
	if strings.TrimSpace(instructions) != "" {
		b.WriteString("\n## Instructions\n")
		b.WriteString(strings.TrimSpace(instructions))
		b.WriteString("\n")
	}
	b.WriteString("\n## Journal\n")
	b.WriteString(journal)
	b.WriteString("\n")
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", strings.TrimSpace(it))
	}
}
