// Package policy evaluates agent capabilities with Cedar policies.
package policy

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/cedar-policy/cedar-go"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

//go:embed transitions.cedar
var defaultPolicies []byte

// Config configures an Authority.
type Config struct {
	// Logger receives one debug record per decision; nil uses slog.Default().
	Logger *slog.Logger
	// PolicyBytes replaces the embedded policy set.
	PolicyBytes []byte
}

// Authority implements domain.CapabilityChecker over a Cedar policy set.
// Principals are AgentType entities, actions are capabilities and the
// resource is the workspace.
type Authority struct {
	policies *cedar.PolicySet
	logger   *slog.Logger
}

func NewAuthority(cfg Config) (*Authority, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	data := cfg.PolicyBytes
	if data == nil {
		data = defaultPolicies
	}
	ps, err := cedar.NewPolicySetFromBytes("transitions.cedar", data)
	if err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}
	return &Authority{policies: ps, logger: logger}, nil
}

// LoadFile builds an Authority from a policy file; an empty path uses the embedded policies.
func LoadFile(path string, logger *slog.Logger) (*Authority, error) {
	if path == "" {
		return NewAuthority(Config{Logger: logger})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewAuthority(Config{Logger: logger, PolicyBytes: data})
}

var workspaceUID = cedar.NewEntityUID("Workspace", cedar.String("default"))

// Permits reports whether agent holds capability c.
func (a *Authority) Permits(agent domain.AgentType, c domain.Capability) bool {
	req := cedar.Request{
		Principal: cedar.NewEntityUID("AgentType", cedar.String(string(agent))),
		Action:    cedar.NewEntityUID("Action", cedar.String(string(c))),
		Resource:  workspaceUID,
		Context:   cedar.NewRecord(cedar.RecordMap{}),
	}
	decision, diag := a.policies.IsAuthorized(cedar.EntityMap{}, req)
	for _, e := range diag.Errors {
		a.logger.Error("policy evaluation error", "policy", e.PolicyID, "error", e.Message)
	}
	allowed := decision == cedar.Allow
	policyID := ""
	if len(diag.Reasons) > 0 {
		policyID = string(diag.Reasons[0].PolicyID)
	}
	a.logger.Debug("capability decision",
		"agent_type", agent,
		"capability", c,
		"decision", allowed,
		"policy_id", policyID,
	)
	return allowed
}
