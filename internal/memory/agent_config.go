package memory

import (
	"os"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds per-agent conversation settings.
type AgentConfig struct {
	Model            string   `yaml:"model,omitempty"`
	MaxTokens        int      `yaml:"max_tokens,omitempty"`
	MaxSteps         int      `yaml:"max_steps,omitempty"` // model calls per turn
	NetworkAllowlist []string `yaml:"network_allowlist,omitempty"`
}

// LoadAgentConfig loads <agentDir>/config.yaml. A missing file yields a zero config.
func LoadAgentConfig(agentDir string) (AgentConfig, error) {
	var cfg AgentConfig
	data, err := os.ReadFile(AgentConfigPath(agentDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveAgentConfig writes the agent config to <agentDir>/config.yaml.
func SaveAgentConfig(agentDir string, cfg AgentConfig) error {
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(AgentConfigPath(agentDir), data, 0o644)
}

// ReadInstructions returns the agent's standing instructions, or "" if none.
func ReadInstructions(agentDir string) (string, error) {
	data, err := os.ReadFile(InstructionsPath(agentDir))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// WriteInstructions replaces the agent's standing instructions.
func WriteInstructions(agentDir, content string) error {
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(InstructionsPath(agentDir), []byte(content), 0o644)
}
