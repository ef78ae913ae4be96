package sandbox

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

// Decision is the WriteGuard outcome for one (path, operation).
type Decision struct {
	Allowed bool              `json:"allowed"`
	Reason  domain.DenyReason `json:"reason,omitempty"`
	Path    string            `json:"path"`           // canonical path
	Rule    int               `json:"rule"`           // index of the deciding rule, -1 when none matched
	Pattern string            `json:"pattern,omitempty"`
	Detail  string            `json:"detail,omitempty"`
}

// Err converts a denial to a WriteDenied error; it returns nil for Allow.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case domain.DenyExplicit:
		return domain.WriteDenied(d.Reason, "%s denied by rule %d (%s)", d.Path, d.Rule, d.Pattern)
	case domain.DenyInvalidPath, domain.DenyArchived:
		return domain.WriteDenied(d.Reason, "%s", d.Detail)
	default:
		return domain.WriteDenied(domain.DenyNoMatchingRule, "no rule matches %s", d.Path)
	}
}

func (d Decision) String() string {
	if d.Allowed {
		return fmt.Sprintf("allow %s (rule %d: %s)", d.Path, d.Rule, d.Pattern)
	}
	if d.Rule >= 0 {
		return fmt.Sprintf("deny %s: %s (rule %d: %s)", d.Path, d.Reason, d.Rule, d.Pattern)
	}
	return fmt.Sprintf("deny %s: %s", d.Path, d.Reason)
}

// Evaluate decides whether op on p is permitted by scope. Among the rules
// whose pattern matches, the most specific wins; equal specificity goes to the
// first declared rule unless a later one denies. No match denies.
//
// Evaluate reads only its arguments and is safe for concurrent use.
func Evaluate(scope domain.WriteScope, p string, op domain.Operation) Decision {
	canon, err := Canonicalize(p)
	if err != nil {
		return Decision{Reason: domain.DenyInvalidPath, Path: p, Rule: -1, Detail: err.Error()}
	}
	best := -1
	var bestRule domain.Rule
	var bestSpec specificity
	for i, r := range scope.Rules() {
		if !r.AppliesTo(op) {
			continue
		}
		ok, err := doublestar.Match(r.Pattern, canon)
		if err != nil || !ok {
			continue
		}
		spec := specificityOf(r.Pattern)
		switch {
		case best < 0, spec.greater(bestSpec):
		case !bestSpec.greater(spec) && bestRule.Permission == domain.Allow && r.Permission == domain.Deny:
		default:
			continue
		}
		best, bestRule, bestSpec = i, r, spec
	}
	if best < 0 {
		return Decision{Reason: domain.DenyNoMatchingRule, Path: canon, Rule: -1}
	}
	d := Decision{Path: canon, Rule: best, Pattern: bestRule.Pattern}
	if bestRule.Permission == domain.Allow {
		d.Allowed = true
	} else {
		d.Reason = domain.DenyExplicit
	}
	return d
}
