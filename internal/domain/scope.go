package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Permission string

const (
	Allow Permission = "allow"
	Deny  Permission = "deny"
)

func ParsePermission(s string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(s))) {
	case Allow:
		return Allow, nil
	case Deny:
		return Deny, nil
	}
	return "", fmt.Errorf("invalid permission %q", s)
}

// Operation is the kind of filesystem mutation being authorized.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

func ParseOperation(s string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(s))) {
	case OpCreate, "write":
		return OpCreate, nil
	case OpModify, "update":
		return OpModify, nil
	case OpDelete, "remove":
		return OpDelete, nil
	}
	return "", fmt.Errorf("invalid operation %q", s)
}

// Rule is one (pattern, permission) entry of a WriteScope. An empty Ops list
// applies the rule to every operation.
type Rule struct {
	Pattern    string      `json:"pattern" yaml:"pattern"`
	Permission Permission  `json:"permission" yaml:"permission"`
	Ops        []Operation `json:"ops,omitempty" yaml:"ops,omitempty"`
}

// AppliesTo reports whether the rule covers op.
func (r Rule) AppliesTo(op Operation) bool {
	if len(r.Ops) == 0 {
		return true
	}
	for _, o := range r.Ops {
		if o == op {
			return true
		}
	}
	return false
}

func (r Rule) String() string {
	if len(r.Ops) == 0 {
		return fmt.Sprintf("%s %s", r.Permission, r.Pattern)
	}
	ops := make([]string, len(r.Ops))
	for i, o := range r.Ops {
		ops[i] = string(o)
	}
	return fmt.Sprintf("%s %s [%s]", r.Permission, r.Pattern, strings.Join(ops, ","))
}

// WriteScope is an immutable ordered rule list. Build one with sandbox.NewScope
// so patterns are validated.
type WriteScope struct {
	rules []Rule
}

// ScopeOf wraps rules without validation; callers outside sandbox should use sandbox.NewScope.
func ScopeOf(rules []Rule) WriteScope {
	cp := make([]Rule, len(rules))
	for i, r := range rules {
		r.Ops = append([]Operation(nil), r.Ops...)
		cp[i] = r
	}
	return WriteScope{rules: cp}
}

// Rules returns a copy of the rules in declaration order.
func (s WriteScope) Rules() []Rule { return ScopeOf(s.rules).rules }

func (s WriteScope) Len() int { return len(s.rules) }

func (s WriteScope) MarshalJSON() ([]byte, error) {
	if s.rules == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.rules)
}

func (s *WriteScope) UnmarshalJSON(b []byte) error {
	var rules []Rule
	if err := json.Unmarshal(b, &rules); err != nil {
		return err
	}
	*s = ScopeOf(rules)
	return nil
}
