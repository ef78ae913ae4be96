package sandbox

import (
	"fmt"
	"path"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

// Layout names the workspace directories that default scopes refer to.
type Layout struct {
	MetadataDir   string   // orchestration metadata, e.g. ".chirality"
	StandardsDirs []string // shared standards and contracts
}

func DefaultLayout() Layout {
	return Layout{
		MetadataDir:   ".chirality",
		StandardsDirs: []string{"_Standards", "_Contracts"},
	}
}

// ScopeInput is what a session's scope is derived from.
type ScopeInput struct {
	Agent   domain.AgentType
	Session domain.SessionID
	Roots   []string      // workspace-relative roots of the linked deliverables
	Extra   []domain.Rule // profile rules appended after the defaults
}

// DefaultScope builds the write scope for a new session. Git internals are
// always denied first; everything else not listed is denied by default.
func DefaultScope(l Layout, in ScopeInput) (domain.WriteScope, error) {
	rules := []domain.Rule{{Pattern: ".git/**", Permission: domain.Deny}}
	switch in.Agent {
	case domain.AgentArchitect:
		for _, dir := range l.StandardsDirs {
			c, err := Canonicalize(dir)
			if err != nil {
				return domain.WriteScope{}, fmt.Errorf("standards dir: %w", err)
			}
			rules = append(rules, domain.Rule{Pattern: QuoteMeta(c) + "/**", Permission: domain.Allow})
		}
	case domain.AgentPersona:
		meta, err := Canonicalize(l.MetadataDir)
		if err != nil {
			return domain.WriteScope{}, fmt.Errorf("metadata dir: %w", err)
		}
		rules = append(rules,
			domain.Rule{Pattern: path.Join(QuoteMeta(meta), "sessions", QuoteMeta(in.Session.Short())) + "/**", Permission: domain.Allow},
			domain.Rule{Pattern: path.Join(QuoteMeta(meta), "orchestration") + "/**", Permission: domain.Allow},
		)
	case domain.AgentTask:
		for _, root := range in.Roots {
			c, err := Canonicalize(root)
			if err != nil {
				return domain.WriteScope{}, fmt.Errorf("deliverable root: %w", err)
			}
			rules = append(rules, domain.Rule{Pattern: QuoteMeta(c) + "/**", Permission: domain.Allow})
		}
	default:
		return domain.WriteScope{}, fmt.Errorf("unknown agent type %q", in.Agent)
	}
	rules = append(rules, in.Extra...)
	return NewScope(rules...)
}
