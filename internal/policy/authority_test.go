package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgttomas/chirality-runtime/internal/domain"
)

func TestEmbeddedPoliciesMatchStaticTable(t *testing.T) {
	t.Parallel()
	a, err := NewAuthority(Config{})
	require.NoError(t, err)
	static := domain.StaticCapabilities{}
	for _, agent := range domain.AgentTypes {
		for _, c := range domain.Capabilities {
			assert.Equal(t, static.Permits(agent, c), a.Permits(agent, c), "%s %s", agent, c)
		}
	}
	assert.False(t, a.Permits("JANITOR", domain.CapWork))
}

func TestValidatorWithCedar(t *testing.T) {
	t.Parallel()
	a, err := NewAuthority(Config{})
	require.NoError(t, err)
	v := domain.NewValidator(a)
	assert.ErrorIs(t, v.CheckDeliverable(domain.DeliverableChecking, domain.DeliverableIssued, domain.AgentTask), domain.ErrTransitionNotAuthorized)
	assert.NoError(t, v.CheckDeliverable(domain.DeliverableChecking, domain.DeliverableIssued, domain.AgentPersona))
	assert.ErrorIs(t, v.CheckSession(domain.SessionActive, domain.SessionPaused, domain.AgentArchitect), domain.ErrTransitionNotAuthorized)
}

func TestCustomPolicies(t *testing.T) {
	t.Parallel()
	// A workspace that lets specialists issue their own work.
	src := []byte(`permit (principal == AgentType::"TASK", action in [Action::"advance", Action::"issue", Action::"work"], resource);`)
	path := filepath.Join(t.TempDir(), "custom.cedar")
	require.NoError(t, os.WriteFile(path, src, 0o644))

	a, err := LoadFile(path, nil)
	require.NoError(t, err)
	assert.True(t, a.Permits(domain.AgentTask, domain.CapIssue))
	assert.False(t, a.Permits(domain.AgentPersona, domain.CapIssue))
}

func TestInvalidPolicies(t *testing.T) {
	t.Parallel()
	_, err := NewAuthority(Config{PolicyBytes: []byte("permit (principal ==")})
	assert.Error(t, err)
	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cedar"), nil)
	assert.Error(t, err)
}
