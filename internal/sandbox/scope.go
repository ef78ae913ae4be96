package sandbox

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

// NewScope validates rules and returns the immutable scope. Patterns are
// stored in canonical workspace-relative form.
func NewScope(rules ...domain.Rule) (domain.WriteScope, error) {
	out := make([]domain.Rule, 0, len(rules))
	for i, r := range rules {
		pat, err := canonicalPattern(r.Pattern)
		if err != nil {
			return domain.WriteScope{}, fmt.Errorf("rule %d: %w", i, err)
		}
		if r.Permission != domain.Allow && r.Permission != domain.Deny {
			return domain.WriteScope{}, fmt.Errorf("rule %d: invalid permission %q", i, r.Permission)
		}
		ops := make([]domain.Operation, 0, len(r.Ops))
		for _, op := range r.Ops {
			parsed, err := domain.ParseOperation(string(op))
			if err != nil {
				return domain.WriteScope{}, fmt.Errorf("rule %d: %w", i, err)
			}
			ops = append(ops, parsed)
		}
		r.Pattern = pat
		r.Ops = ops
		out = append(out, r)
	}
	return domain.ScopeOf(out), nil
}

// MustScope is NewScope for static rule sets; it panics on invalid rules.
func MustScope(rules ...domain.Rule) domain.WriteScope {
	s, err := NewScope(rules...)
	if err != nil {
		panic(err)
	}
	return s
}

// Canonicalize converts p to a clean, slash-separated path relative to the
// workspace root. Leading slashes are treated as the workspace root. Paths
// that escape the root are rejected.
func Canonicalize(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL")
	}
	clean := path.Clean("/" + p)
	rel := strings.TrimPrefix(clean, "/")
	if rel == "" {
		return "", fmt.Errorf("path %q names the workspace root", p)
	}
	// path.Clean on a rooted path drops leading "..", so compare against the raw input.
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the workspace root", p)
		}
	}
	return rel, nil
}

func canonicalPattern(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty pattern")
	}
	p = strings.TrimLeft(p, "/")
	if p == "" {
		p = "**"
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return "", fmt.Errorf("pattern %q must not contain relative segments", p)
		}
	}
	if !doublestar.ValidatePattern(p) {
		return "", fmt.Errorf("invalid pattern %q", p)
	}
	return p, nil
}

// QuoteMeta escapes glob metacharacters so s matches literally.
func QuoteMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// specificity ranks a pattern by the length of its literal prefix; a pattern
// with no metacharacters at all outranks any glob with the same prefix.
type specificity struct {
	literal int
	exact   bool
}

func (s specificity) greater(o specificity) bool {
	if s.literal != o.literal {
		return s.literal > o.literal
	}
	return s.exact && !o.exact
}

func specificityOf(pattern string) specificity {
	n := 0
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i+1 < len(pattern) {
				i++
				n++
			}
		case '*', '?', '[', '{':
			return specificity{literal: n}
		default:
			n++
		}
	}
	return specificity{literal: n, exact: true}
}
