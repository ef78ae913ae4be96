package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/memory"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage per-agent settings, instructions and journal",
	}
	cmd.AddCommand(newAgentShowCmd())
	cmd.AddCommand(newAgentSetCmd())
	return cmd
}

func newAgentShowCmd() *cobra.Command {
	var journalBytes int
	cmd := &cobra.Command{
		Use:   "show <agent>",
		Short: "Show an agent's settings, instructions and recent journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			dir := memory.AgentDir(home, args[0])
			cfg, err := memory.LoadAgentConfig(dir)
			if err != nil {
				return err
			}
			instructions, err := memory.ReadInstructions(dir)
			if err != nil {
				return err
			}
			journal, err := (&memory.Journal{Home: home, Agent: args[0]}).Read(journalBytes)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, map[string]any{"config": cfg, "instructions": instructions, "journal": journal})
			}
			_, _ = fmt.Fprintf(out, "%s  %s\n", idFmt(args[0]), dimFmt(dir))
			_, _ = fmt.Fprintf(out, "  model:      %s\n", orDefault(cfg.Model))
			_, _ = fmt.Fprintf(out, "  max_steps:  %s\n", orDefault(intOrEmpty(cfg.MaxSteps)))
			_, _ = fmt.Fprintf(out, "  max_tokens: %s\n", orDefault(intOrEmpty(cfg.MaxTokens)))
			if len(cfg.NetworkAllowlist) > 0 {
				_, _ = fmt.Fprintf(out, "  network:    %s\n", strings.Join(cfg.NetworkAllowlist, ", "))
			}
			if instructions != "" {
				_, _ = fmt.Fprintf(out, "\ninstructions:\n%s\n", instructions)
			}
			if journal != "" {
				_, _ = fmt.Fprintf(out, "\njournal:\n%s", journal)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&journalBytes, "journal-bytes", 4096, "Tail of the journal to print (0 = all)")
	return cmd
}

func newAgentSetCmd() *cobra.Command {
	var (
		model            string
		maxSteps         int
		maxTokens        int
		network          []string
		instructionsFile string
	)
	cmd := &cobra.Command{
		Use:   "set <agent>",
		Short: "Update an agent's settings or instructions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			dir := memory.AgentDir(home, args[0])
			cfg, err := memory.LoadAgentConfig(dir)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("model") {
				cfg.Model = model
			}
			if flags.Changed("max-steps") {
				cfg.MaxSteps = maxSteps
			}
			if flags.Changed("max-tokens") {
				cfg.MaxTokens = maxTokens
			}
			if flags.Changed("network") {
				cfg.NetworkAllowlist = network
			}
			if err := memory.SaveAgentConfig(dir, cfg); err != nil {
				return err
			}
			if instructionsFile != "" {
				data, err := os.ReadFile(instructionsFile)
				if err != nil {
					return err
				}
				if err := memory.WriteInstructions(dir, string(data)); err != nil {
					return err
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", idFmt(args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Model name for the http runtime")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Model calls per turn (0 = config default)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Completion token cap (0 = runtime default)")
	cmd.Flags().StringSliceVar(&network, "network", nil, "Hosts a subprocess agent may reach")
	cmd.Flags().StringVar(&instructionsFile, "instructions", "", "File whose content replaces the agent's standing instructions")
	return cmd
}

func orDefault(s string) string {
	if s == "" {
		return dimFmt("(default)")
	}
	return s
}

func intOrEmpty(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprint(n)
}
